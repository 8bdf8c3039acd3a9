package vectors

import (
	"fmt"
	"reflect"

	"github.com/suhasHere/mlscore/tree-math"
)

func checkDeepEqual(label string, actual, expected interface{}) error {
	if !reflect.DeepEqual(actual, expected) {
		return fmt.Errorf("%s : %v != %v", label, actual, expected)
	}
	return nil
}

type TreeMath struct {
	NLeaves treeMath.LeafCount    `json:"n_leaves"`
	NNodes  treeMath.NodeCount    `json:"n_nodes"`
	Root    treeMath.NodeIndex    `json:"root"`
	Left    []*treeMath.NodeIndex `json:"left"`
	Right   []*treeMath.NodeIndex `json:"right"`
	Parent  []*treeMath.NodeIndex `json:"parent"`
	Sibling []*treeMath.NodeIndex `json:"sibling"`
}

func opt(x treeMath.NodeIndex) *treeMath.NodeIndex {
	return &x
}

func left(x treeMath.NodeIndex) *treeMath.NodeIndex {
	if treeMath.IsLeaf(x) {
		return nil
	}
	return opt(treeMath.Left(x))
}

func right(x treeMath.NodeIndex, n treeMath.LeafCount) *treeMath.NodeIndex {
	if treeMath.IsLeaf(x) {
		return nil
	}
	return opt(treeMath.Right(x, n))
}

func parent(x treeMath.NodeIndex, n treeMath.LeafCount) *treeMath.NodeIndex {
	if x == treeMath.Root(n) {
		return nil
	}
	return opt(treeMath.Parent(x, n))
}

func sibling(x treeMath.NodeIndex, n treeMath.LeafCount) *treeMath.NodeIndex {
	if x == treeMath.Root(n) {
		return nil
	}
	return opt(treeMath.Sibling(x, n))
}

func NewTreeMath(nLeavesIn uint32) (TreeMath, error) {
	nLeaves := treeMath.LeafCount(nLeavesIn)
	if !treeMath.IsFull(nLeaves) {
		return TreeMath{}, fmt.Errorf("vectors: leaf count %d is not a power of two", nLeaves)
	}

	nNodes := treeMath.NodeWidth(nLeaves)
	vec := TreeMath{
		NLeaves: nLeaves,
		NNodes:  nNodes,
		Root:    treeMath.Root(nLeaves),
		Left:    make([]*treeMath.NodeIndex, nNodes),
		Right:   make([]*treeMath.NodeIndex, nNodes),
		Parent:  make([]*treeMath.NodeIndex, nNodes),
		Sibling: make([]*treeMath.NodeIndex, nNodes),
	}

	for i := range vec.Left {
		x := treeMath.NodeIndex(i)
		vec.Left[i] = left(x)
		vec.Right[i] = right(x, nLeaves)
		vec.Parent[i] = parent(x, nLeaves)
		vec.Sibling[i] = sibling(x, nLeaves)
	}

	return vec, nil
}

func (vec TreeMath) Verify() error {
	err := checkDeepEqual("Node count", vec.NNodes, treeMath.NodeWidth(vec.NLeaves))
	if err != nil {
		return err
	}

	err = checkDeepEqual("Root", vec.Root, treeMath.Root(vec.NLeaves))
	if err != nil {
		return err
	}

	if len(vec.Left) != int(vec.NNodes) || len(vec.Right) != int(vec.NNodes) ||
		len(vec.Parent) != int(vec.NNodes) || len(vec.Sibling) != int(vec.NNodes) {
		return fmt.Errorf("vectors: relation tables do not match node count %d", vec.NNodes)
	}

	for i := treeMath.NodeIndex(0); i < treeMath.NodeIndex(vec.NNodes); i++ {
		label := fmt.Sprintf("Left[%d]", i)
		err := checkDeepEqual(label, vec.Left[i], left(i))
		if err != nil {
			return err
		}

		label = fmt.Sprintf("Right[%d]", i)
		err = checkDeepEqual(label, vec.Right[i], right(i, vec.NLeaves))
		if err != nil {
			return err
		}

		label = fmt.Sprintf("Parent[%d]", i)
		err = checkDeepEqual(label, vec.Parent[i], parent(i, vec.NLeaves))
		if err != nil {
			return err
		}

		label = fmt.Sprintf("Sibling[%d]", i)
		err = checkDeepEqual(label, vec.Sibling[i], sibling(i, vec.NLeaves))
		if err != nil {
			return err
		}
	}

	return nil
}
