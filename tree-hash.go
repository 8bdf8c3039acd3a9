package mls

import (
	"bytes"

	"github.com/suhasHere/mlscore/tree-math"
	"golang.org/x/crypto/cryptobyte"
)

// struct {
//     NodeType node_type;
//     select (TreeHashInput.node_type) {
//         case leaf:   LeafNodeHashInput leaf_node;
//         case parent: ParentNodeHashInput parent_node;
//     };
// } TreeHashInput;
//
// struct {
//     uint32 leaf_index;
//     optional<LeafNode> leaf_node;
// } LeafNodeHashInput;
//
// struct {
//     optional<ParentNode> parent_node;
//     opaque left_hash<V>;
//     opaque right_hash<V>;
// } ParentNodeHashInput;

func leafHashInput(index LeafIndex, leaf *LeafNode) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(uint8(NodeTypeLeaf))
	b.AddUint32(uint32(index))
	writeOptional(b, leaf != nil)
	if leaf != nil {
		leaf.marshal(b)
	}
	return b.BytesOrPanic()
}

func parentHashInput(parent *ParentNode, left, right []byte) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(uint8(NodeTypeParent))
	writeOptional(b, parent != nil)
	if parent != nil {
		parent.marshal(b)
	}
	writeOpaque(b, left)
	writeOpaque(b, right)
	return b.BytesOrPanic()
}

// TreeHash returns the hash of the subtree rooted at x, computing and caching
// any hashes that were invalidated since the last call.
func (t *RatchetTree) TreeHash(x NodeIndex) []byte {
	if h, ok := t.hashes[x]; ok {
		return h
	}

	var h []byte
	if treeMath.IsLeaf(x) {
		h = t.Suite.Digest(leafHashInput(toLeafIndex(x), t.LeafNode(toLeafIndex(x))))
	} else {
		left := t.TreeHash(treeMath.Left(x))
		right := t.TreeHash(treeMath.Right(x, t.Size()))
		h = t.Suite.Digest(parentHashInput(t.ParentNode(x), left, right))
	}

	if t.hashes == nil {
		t.hashes = map[NodeIndex][]byte{}
	}
	t.hashes[x] = h
	return h
}

func (t *RatchetTree) RootHash() []byte {
	if t.Size() == 0 {
		return t.Suite.Digest(nil)
	}
	return t.TreeHash(treeMath.Root(t.Size()))
}

// treeHashExcluding hashes the subtree at x as if the excluded leaves were
// blank and absent from every unmerged_leaves list.  Nothing is cached.
func (t *RatchetTree) treeHashExcluding(x NodeIndex, exclude map[LeafIndex]bool) []byte {
	if len(exclude) == 0 {
		return t.TreeHash(x)
	}

	if treeMath.IsLeaf(x) {
		index := toLeafIndex(x)
		leaf := t.LeafNode(index)
		if exclude[index] {
			leaf = nil
		}
		return t.Suite.Digest(leafHashInput(index, leaf))
	}

	left := t.treeHashExcluding(treeMath.Left(x), exclude)
	right := t.treeHashExcluding(treeMath.Right(x, t.Size()), exclude)

	parent := t.ParentNode(x)
	if parent != nil {
		filtered := parent.Clone()
		filtered.UnmergedLeaves = []LeafIndex{}
		for _, l := range parent.UnmergedLeaves {
			if !exclude[l] {
				filtered.UnmergedLeaves = append(filtered.UnmergedLeaves, l)
			}
		}
		parent = &filtered
	}

	return t.Suite.Digest(parentHashInput(parent, left, right))
}

// struct {
//     HPKEPublicKey encryption_key;
//     opaque parent_hash<V>;
//     opaque original_sibling_tree_hash<V>;
// } ParentHashInput;
func (t *RatchetTree) parentHash(p NodeIndex, sibling NodeIndex) []byte {
	parent := t.ParentNode(p)
	if parent == nil {
		panic(internalError("tree-hash", "parent hash of blank node %d", p))
	}

	exclude := map[LeafIndex]bool{}
	for _, l := range parent.UnmergedLeaves {
		exclude[l] = true
	}

	b := cryptobyte.NewBuilder(nil)
	parent.EncryptionKey.marshal(b)
	writeOpaque(b, parent.ParentHash)
	writeOpaque(b, t.treeHashExcluding(sibling, exclude))
	return t.Suite.Digest(b.BytesOrPanic())
}

// copathChild is the child of p that does not lead to x
func (t *RatchetTree) copathChild(p, x NodeIndex) NodeIndex {
	left := treeMath.Left(p)
	if treeMath.InSubtree(x, left) {
		return treeMath.Right(p, t.Size())
	}
	return left
}

// setParentHashes fills in the parent_hash of each node on the leaf's filtered
// direct path, top down, and returns the value the leaf itself must carry.
// The path nodes must already hold their new keys.
func (t *RatchetTree) setParentHashes(index LeafIndex) []byte {
	x := toNodeIndex(index)
	steps := t.FilteredDirectPath(index)

	parentHash := []byte{}
	for i := len(steps) - 1; i >= 0; i-- {
		p := steps[i].Node
		t.ParentNode(p).ParentHash = parentHash
		t.invalidate(p)
		parentHash = t.parentHash(p, t.copathChild(p, x))
	}

	return parentHash
}

// parentHashValid reports whether some node below p on one side carries the
// parent hash of p computed against the other side.
func (t *RatchetTree) parentHashValid(p NodeIndex) bool {
	parent := t.ParentNode(p)
	unmerged := map[NodeIndex]bool{}
	for _, l := range parent.UnmergedLeaves {
		unmerged[toNodeIndex(l)] = true
	}

	left := treeMath.Left(p)
	right := treeMath.Right(p, t.Size())
	for _, side := range [][2]NodeIndex{{left, right}, {right, left}} {
		child, sibling := side[0], side[1]
		expected := t.parentHash(p, sibling)
		for _, d := range t.Resolution(child) {
			if unmerged[d] {
				continue
			}

			if bytes.Equal(t.Node(d).Node.ParentHash(), expected) {
				return true
			}
		}
	}

	return false
}

// VerifyParentHashes checks that every non-blank parent is parent-hash valid
func (t *RatchetTree) VerifyParentHashes() error {
	for x := 1; x < len(t.nodes); x += 2 {
		p := NodeIndex(x)
		if t.ParentNode(p) == nil {
			continue
		}

		if !t.parentHashValid(p) {
			return verifyError("tree-hash", "parent hash mismatch at node %d", p)
		}
	}
	return nil
}

// VerifyTreeHash checks the tree against the hash bound into a group context
func (t *RatchetTree) VerifyTreeHash(expected []byte) error {
	if !bytes.Equal(t.RootHash(), expected) {
		return verifyError("tree-hash", "tree hash mismatch")
	}
	return nil
}
