package treeMath

import "fmt"

// The below functions provide the index calculus for the tree structures used in MLS.
// They are premised on a "flat" representation of a full binary tree.  Leaf nodes
// are even-numbered nodes, with the n-th leaf at 2*n.  Intermediate nodes are held in
// odd-numbered nodes.  For example, an 8-leaf tree has the following structure:
//
//                          X
//              X                       X
//        X           X           X           X
//     X     X     X     X     X     X     X     X
//     0  1  2  3  4  5  6  7  8  9  a  b  c  d  e
//
// The basic rule is that the high-order bits of parent and child nodes have the
// following relation:
//
//    01x = <00x, 10x>
//
// Leaf counts are always powers of two.  Asking for the parent of the root, or the
// children of a leaf, is a programming error and panics with an *InternalError.

type LeafIndex uint32
type LeafCount uint32
type NodeIndex uint32
type NodeCount uint32

// InternalError is raised (via panic) when an index invariant is violated
type InternalError struct {
	Op   string
	Node NodeIndex
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("treeMath: %s undefined for node %d", e.Op, e.Node)
}

func fail(op string, x NodeIndex) {
	panic(&InternalError{Op: op, Node: x})
}

func ToNodeIndex(leaf LeafIndex) NodeIndex {
	return NodeIndex(2 * leaf)
}

func ToLeafIndex(node NodeIndex) LeafIndex {
	if !IsLeaf(node) {
		fail("leaf index", node)
	}

	return LeafIndex(node >> 1)
}

func IsLeaf(x NodeIndex) bool {
	return x&0x01 == 0
}

// Position of the most significant 1 bit
func log2(x NodeCount) uint {
	if x == 0 {
		return 0
	}

	k := uint(0)
	for (x >> k) > 0 {
		k += 1
	}
	return k - 1
}

// Level is the number of trailing one-bits of x; leaves are level 0
func Level(x NodeIndex) uint {
	k := uint(0)
	for (x>>k)&0x01 == 1 {
		k += 1
	}
	return k
}

// Number of nodes for a tree of size N
func NodeWidth(n LeafCount) NodeCount {
	if n == 0 {
		return 0
	}
	return NodeCount(2*n - 1)
}

// Number of leaves for a tree with N nodes
func LeafWidth(n NodeCount) LeafCount {
	if n == 0 {
		return 0
	}
	return LeafCount((n + 1) >> 1)
}

// IsFull reports whether n leaves form a full binary tree
func IsFull(n LeafCount) bool {
	return n > 0 && n&(n-1) == 0
}

// NextFull is the smallest full tree size that holds n leaves
func NextFull(n LeafCount) LeafCount {
	w := LeafCount(1)
	for w < n {
		w <<= 1
	}
	return w
}

// Index of the root of the tree with N leaves
func Root(n LeafCount) NodeIndex {
	w := NodeWidth(n)
	return NodeIndex((1 << log2(w)) - 1)
}

// Left child of x
func Left(x NodeIndex) NodeIndex {
	k := Level(x)
	if k == 0 {
		fail("left", x)
	}

	return x ^ (0x01 << (k - 1))
}

// Right child of x
func Right(x NodeIndex, n LeafCount) NodeIndex {
	k := Level(x)
	if k == 0 {
		fail("right", x)
	}

	w := NodeIndex(NodeWidth(n))
	r := x ^ (0x03 << (k - 1))
	for r >= w {
		r = Left(r)
	}
	return r
}

// Immediate parent of x; may not exist in tree
func parentStep(x NodeIndex) NodeIndex {
	// xy01 -> x011
	k := Level(x)
	one := NodeIndex(1)
	return (x | (one << k)) &^ (one << (k + 1))
}

// Parent of x
func Parent(x NodeIndex, n LeafCount) NodeIndex {
	if x == Root(n) {
		fail("parent", x)
	}

	w := NodeIndex(NodeWidth(n))
	p := parentStep(x)
	for p >= w {
		p = parentStep(p)
	}
	return p
}

// Sibling of x
func Sibling(x NodeIndex, n LeafCount) NodeIndex {
	p := Parent(x, n)
	if x < p {
		return Right(p, n)
	}
	return Left(p)
}

// DirectPath lists the ancestors of x, nearest first, ending at the root.  The
// root's own direct path is empty.
func DirectPath(x NodeIndex, n LeafCount) []NodeIndex {
	r := Root(n)
	d := []NodeIndex{}
	for x != r {
		x = Parent(x, n)
		d = append(d, x)
	}
	return d
}

// Copath lists the sibling of x and of each ancestor of x below the root
func Copath(x NodeIndex, n LeafCount) []NodeIndex {
	r := Root(n)
	c := []NodeIndex{}
	for x != r {
		c = append(c, Sibling(x, n))
		x = Parent(x, n)
	}
	return c
}

// CommonAncestor is the lowest node that has both x and y in its subtree
func CommonAncestor(x, y NodeIndex) NodeIndex {
	lx, ly := Level(x)+1, Level(y)+1
	if lx <= ly && x>>ly == y>>ly {
		return y
	}
	if ly <= lx && x>>lx == y>>lx {
		return x
	}

	xn, yn := x, y
	k := uint(0)
	for xn != yn {
		xn, yn = xn>>1, yn>>1
		k += 1
	}
	return (xn << k) + (1 << (k - 1)) - 1
}

// InSubtree reports whether x is a descendant of (or equal to) y
func InSubtree(x, y NodeIndex) bool {
	span := NodeIndex(1)<<Level(y) - 1
	return x+span >= y && x <= y+span
}
