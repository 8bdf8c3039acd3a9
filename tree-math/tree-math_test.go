package treeMath

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Precomputed answers for the tree on eight leaves
var (
	aRoot = []NodeIndex{0x00, 0x01, 0x03, 0x03, 0x07, 0x07, 0x07, 0x07}

	aN       = LeafCount(8)
	aLeft    = []NodeIndex{0x00, 0x00, 0x02, 0x01, 0x04, 0x04, 0x06, 0x03, 0x08, 0x08, 0x0a, 0x09, 0x0c, 0x0c, 0x0e}
	aRight   = []NodeIndex{0x00, 0x02, 0x02, 0x05, 0x04, 0x06, 0x06, 0x0b, 0x08, 0x0a, 0x0a, 0x0d, 0x0c, 0x0e, 0x0e}
	aParent  = []NodeIndex{0x01, 0x03, 0x01, 0x07, 0x05, 0x03, 0x05, 0x07, 0x09, 0x0b, 0x09, 0x07, 0x0d, 0x0b, 0x0d}
	aSibling = []NodeIndex{0x02, 0x05, 0x00, 0x0b, 0x06, 0x01, 0x04, 0x07, 0x0a, 0x0d, 0x08, 0x03, 0x0e, 0x09, 0x0c}
)

func requireInternalError(t *testing.T, f func()) {
	defer func() {
		r := recover()
		require.NotNil(t, r)
		_, ok := r.(*InternalError)
		require.True(t, ok)
	}()
	f()
}

func TestSizeProperties(t *testing.T) {
	for n := LeafCount(1); n < 8; n += 1 {
		require.Equal(t, NextFull(n), LeafWidth(NodeWidth(NextFull(n))))
	}

	require.True(t, IsFull(1))
	require.True(t, IsFull(8))
	require.False(t, IsFull(6))
	require.False(t, IsFull(0))
	require.Equal(t, LeafCount(8), NextFull(5))
	require.Equal(t, NodeCount(0), NodeWidth(0))
}

func TestRoot(t *testing.T) {
	for n := LeafCount(1); n <= LeafCount(len(aRoot)); n += 1 {
		if !IsFull(n) {
			continue
		}
		require.Equal(t, aRoot[n-1], Root(n))
	}
}

func TestRelations(t *testing.T) {
	w := NodeIndex(NodeWidth(aN))
	r := Root(aN)
	for x := NodeIndex(0); x < w; x += 1 {
		if IsLeaf(x) {
			requireInternalError(t, func() { Left(x) })
			requireInternalError(t, func() { Right(x, aN) })
		} else {
			require.Equal(t, aLeft[x], Left(x))
			require.Equal(t, aRight[x], Right(x, aN))
		}

		if x == r {
			requireInternalError(t, func() { Parent(x, aN) })
			continue
		}

		require.Equal(t, aParent[x], Parent(x, aN))
		require.Equal(t, aSibling[x], Sibling(x, aN))
	}
}

func TestLeafIndexConversion(t *testing.T) {
	require.Equal(t, NodeIndex(6), ToNodeIndex(3))
	require.Equal(t, LeafIndex(3), ToLeafIndex(6))
	requireInternalError(t, func() { ToLeafIndex(5) })
	require.Equal(t, uint(2), Level(0x0b))
}

func TestDirectPathAndCopath(t *testing.T) {
	require.Equal(t, []NodeIndex{0x01, 0x03, 0x07}, DirectPath(0x00, aN))
	require.Equal(t, []NodeIndex{0x02, 0x05, 0x0b}, Copath(0x00, aN))

	require.Equal(t, []NodeIndex{0x0d, 0x0b, 0x07}, DirectPath(0x0c, aN))
	require.Equal(t, []NodeIndex{0x0e, 0x09, 0x03}, Copath(0x0c, aN))

	require.Empty(t, DirectPath(Root(aN), aN))
	require.Empty(t, Copath(Root(aN), aN))

	// Single-leaf tree
	require.Empty(t, DirectPath(0, 1))
}

func TestCommonAncestor(t *testing.T) {
	require.Equal(t, NodeIndex(0x01), CommonAncestor(0x00, 0x02))
	require.Equal(t, NodeIndex(0x07), CommonAncestor(0x00, 0x0e))
	require.Equal(t, NodeIndex(0x03), CommonAncestor(0x02, 0x04))
	require.Equal(t, NodeIndex(0x0b), CommonAncestor(0x08, 0x0e))
	require.Equal(t, NodeIndex(0x04), CommonAncestor(0x04, 0x04))
	require.Equal(t, NodeIndex(0x03), CommonAncestor(0x03, 0x06))

	require.True(t, InSubtree(0x06, 0x03))
	require.False(t, InSubtree(0x07, 0x03))
	require.True(t, InSubtree(0x0c, 0x0b))
	require.False(t, InSubtree(0x02, 0x05))
}
