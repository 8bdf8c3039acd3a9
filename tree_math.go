package mls

import (
	"github.com/suhasHere/mlscore/tree-math"
)

// Index types are shared with the tree-math package so that all index arithmetic
// stays there.
type (
	LeafIndex = treeMath.LeafIndex
	LeafCount = treeMath.LeafCount
	NodeIndex = treeMath.NodeIndex
	NodeCount = treeMath.NodeCount
)

func toNodeIndex(leaf LeafIndex) NodeIndex {
	return treeMath.ToNodeIndex(leaf)
}

func toLeafIndex(node NodeIndex) LeafIndex {
	return treeMath.ToLeafIndex(node)
}
