package mls

import (
	"fmt"
	"strings"
	"time"

	"github.com/suhasHere/mlscore/tree-math"
	"golang.org/x/crypto/cryptobyte"
)

// RatchetTree is the public state of the group: an arena of optional nodes in
// the flat layout described in the tree-math package.  The arena always holds a
// full binary tree.  Tree hashes are memoized per node and invalidated along
// every path that a mutation touches.
type RatchetTree struct {
	Suite  Suite
	nodes  []OptionalNode
	hashes map[NodeIndex][]byte
}

func NewRatchetTree(suite Suite) *RatchetTree {
	return &RatchetTree{
		Suite:  suite,
		nodes:  []OptionalNode{},
		hashes: map[NodeIndex][]byte{},
	}
}

func (t *RatchetTree) Size() LeafCount {
	return treeMath.LeafWidth(NodeCount(len(t.nodes)))
}

func (t *RatchetTree) Node(x NodeIndex) OptionalNode {
	if int(x) >= len(t.nodes) {
		return OptionalNode{}
	}
	return t.nodes[x]
}

func (t *RatchetTree) LeafNode(i LeafIndex) *LeafNode {
	n := t.Node(toNodeIndex(i))
	if n.Blank() {
		return nil
	}
	return n.Node.Leaf
}

func (t *RatchetTree) ParentNode(x NodeIndex) *ParentNode {
	n := t.Node(x)
	if n.Blank() {
		return nil
	}
	return n.Node.Parent
}

func (t *RatchetTree) Occupied(i LeafIndex) bool {
	return t.LeafNode(i) != nil
}

// Leaves lists the occupied leaf indices in order
func (t *RatchetTree) Leaves() []LeafIndex {
	out := []LeafIndex{}
	for i := LeafIndex(0); LeafCount(i) < t.Size(); i++ {
		if t.Occupied(i) {
			out = append(out, i)
		}
	}
	return out
}

func (t *RatchetTree) Clone() *RatchetTree {
	next := &RatchetTree{
		Suite:  t.Suite,
		nodes:  make([]OptionalNode, len(t.nodes)),
		hashes: make(map[NodeIndex][]byte, len(t.hashes)),
	}

	for i, n := range t.nodes {
		if !n.Blank() {
			clone := n.Node.Clone()
			next.nodes[i] = OptionalNode{Node: &clone}
		}
	}

	for x, h := range t.hashes {
		next.hashes[x] = h
	}

	return next
}

func (t *RatchetTree) Equals(o *RatchetTree) bool {
	a, errA := Marshal(t)
	b, errB := Marshal(o)
	return errA == nil && errB == nil && string(a) == string(b)
}

///
/// Mutation
///

func (t *RatchetTree) invalidate(x NodeIndex) {
	delete(t.hashes, x)
	if int(x) >= len(t.nodes) || len(t.nodes) == 0 {
		return
	}

	for _, n := range treeMath.DirectPath(x, t.Size()) {
		delete(t.hashes, n)
	}
}

func (t *RatchetTree) setNode(x NodeIndex, n *Node) {
	t.nodes[x] = OptionalNode{Node: n}
	t.invalidate(x)
}

func (t *RatchetTree) blank(x NodeIndex) {
	t.setNode(x, nil)
}

func (t *RatchetTree) resize(leaves LeafCount) {
	width := int(treeMath.NodeWidth(leaves))
	switch {
	case width > len(t.nodes):
		t.nodes = append(t.nodes, make([]OptionalNode, width-len(t.nodes))...)
	case width < len(t.nodes):
		t.nodes = t.nodes[:width]
	}

	// Every parent hash input changes shape when the tree does
	t.hashes = map[NodeIndex][]byte{}
}

// nextLeaf is the index AddLeaf would assign
func (t *RatchetTree) nextLeaf() LeafIndex {
	index := LeafIndex(0)
	for LeafCount(index) < t.Size() && t.Occupied(index) {
		index++
	}
	return index
}

// AddLeaf places the leaf in the leftmost blank leaf slot, doubling the tree if
// there is none, and records it as unmerged at each non-blank ancestor.
func (t *RatchetTree) AddLeaf(leaf LeafNode) LeafIndex {
	index := t.nextLeaf()

	if LeafCount(index) >= t.Size() {
		next := t.Size() * 2
		if next == 0 {
			next = 1
		}
		t.resize(next)
	}

	ni := toNodeIndex(index)
	for _, n := range treeMath.DirectPath(ni, t.Size()) {
		if parent := t.ParentNode(n); parent != nil {
			parent.AddUnmerged(index)
		}
	}

	t.setNode(ni, &Node{Leaf: &leaf})
	return index
}

// BlankPath blanks every ancestor of the leaf
func (t *RatchetTree) BlankPath(index LeafIndex) {
	for _, n := range treeMath.DirectPath(toNodeIndex(index), t.Size()) {
		t.blank(n)
	}
}

func (t *RatchetTree) UpdateLeaf(index LeafIndex, leaf LeafNode) error {
	if !t.Occupied(index) {
		return validationError("tree", "update of blank leaf %d", index)
	}

	t.BlankPath(index)
	t.setNode(toNodeIndex(index), &Node{Leaf: &leaf})
	return nil
}

// RemoveLeaf blanks the leaf and its direct path, then truncates the tree while
// its right half is empty.
func (t *RatchetTree) RemoveLeaf(index LeafIndex) error {
	if !t.Occupied(index) {
		return validationError("tree", "remove of blank leaf %d", index)
	}

	t.BlankPath(index)
	t.blank(toNodeIndex(index))
	t.truncate()
	return nil
}

func (t *RatchetTree) truncate() {
	size := t.Size()
	for size > 1 {
		half := size / 2
		for i := LeafIndex(half); LeafCount(i) < size; i++ {
			if t.Occupied(i) {
				return
			}
		}

		// The right half holds no leaves, so its parents are blank too
		t.resize(half)
		size = half
	}
}

// setParent installs a parent node with no unmerged leaves
func (t *RatchetTree) setParent(x NodeIndex, key HPKEPublicKey, parentHash []byte) {
	t.setNode(x, &Node{Parent: &ParentNode{
		EncryptionKey:  key,
		ParentHash:     parentHash,
		UnmergedLeaves: []LeafIndex{},
	}})
}

///
/// Resolution
///

// Resolution is the minimal set of non-blank nodes covering every leaf below x:
// a non-blank node resolves to itself plus its unmerged leaves, and a blank
// node to the concatenation of its children's resolutions.
func (t *RatchetTree) Resolution(x NodeIndex) []NodeIndex {
	n := t.Node(x)
	if !n.Blank() {
		res := []NodeIndex{x}
		if n.Node.Parent != nil {
			for _, l := range n.Node.Parent.UnmergedLeaves {
				res = append(res, toNodeIndex(l))
			}
		}
		return res
	}

	if treeMath.IsLeaf(x) {
		return []NodeIndex{}
	}

	l := t.Resolution(treeMath.Left(x))
	r := t.Resolution(treeMath.Right(x, t.Size()))
	return append(l, r...)
}

// PathStep pairs an ancestor on a filtered direct path with the resolution of
// its child on the copath.
type PathStep struct {
	Node       NodeIndex
	Resolution []NodeIndex
}

// FilteredDirectPath walks the leaf's direct path nearest first, skipping
// ancestors whose copath child has an empty resolution.
func (t *RatchetTree) FilteredDirectPath(index LeafIndex) []PathStep {
	steps := []PathStep{}
	if t.Size() == 0 {
		return steps
	}

	x := toNodeIndex(index)
	dp := treeMath.DirectPath(x, t.Size())
	cp := treeMath.Copath(x, t.Size())
	for i, n := range dp {
		res := t.Resolution(cp[i])
		if len(res) == 0 {
			continue
		}

		steps = append(steps, PathStep{Node: n, Resolution: res})
	}
	return steps
}

///
/// Lookup and validation
///

func (t *RatchetTree) FindLeaf(leaf LeafNode) (LeafIndex, bool) {
	target := mustMarshal(leaf)
	for _, i := range t.Leaves() {
		if string(mustMarshal(*t.LeafNode(i))) == string(target) {
			return i, true
		}
	}
	return 0, false
}

func (t *RatchetTree) FindSignatureKey(key SignaturePublicKey) (LeafIndex, bool) {
	for _, i := range t.Leaves() {
		if t.LeafNode(i).SignatureKey.Equals(key) {
			return i, true
		}
	}
	return 0, false
}

func (t *RatchetTree) hasEncryptionKey(key HPKEPublicKey, except *LeafIndex) bool {
	for _, i := range t.Leaves() {
		if except != nil && *except == i {
			continue
		}
		if t.LeafNode(i).EncryptionKey.Equals(key) {
			return true
		}
	}

	for x := 1; x < len(t.nodes); x += 2 {
		if parent := t.ParentNode(NodeIndex(x)); parent != nil && parent.EncryptionKey.Equals(key) {
			return true
		}
	}
	return false
}

// checkStructure verifies that node kinds match their positions, that unmerged
// leaves are occupied descendants, and that no two leaves share a key.
func (t *RatchetTree) checkStructure() error {
	if len(t.nodes) > 0 && !treeMath.IsFull(t.Size()) {
		return validationError("tree", "tree with %d nodes is not full", len(t.nodes))
	}

	for i, n := range t.nodes {
		if n.Blank() {
			continue
		}

		x := NodeIndex(i)
		if treeMath.IsLeaf(x) != (n.Node.Leaf != nil) {
			return validationError("tree", "node type mismatch at %d", x)
		}

		if n.Node.Parent == nil {
			continue
		}

		for j, l := range n.Node.Parent.UnmergedLeaves {
			if j > 0 && n.Node.Parent.UnmergedLeaves[j-1] >= l {
				return validationError("tree", "unmerged leaves of %d not sorted", x)
			}
			if !treeMath.InSubtree(toNodeIndex(l), x) || !t.Occupied(l) {
				return validationError("tree", "invalid unmerged leaf %d at %d", l, x)
			}
		}
	}

	encKeys := map[string]bool{}
	sigKeys := map[string]bool{}
	for _, i := range t.Leaves() {
		leaf := t.LeafNode(i)
		if encKeys[string(leaf.EncryptionKey)] || sigKeys[string(leaf.SignatureKey)] {
			return validationError("tree", "duplicate key at leaf %d", i)
		}
		encKeys[string(leaf.EncryptionKey)] = true
		sigKeys[string(leaf.SignatureKey)] = true
	}

	return nil
}

type leafValidation struct {
	Suite       Suite
	GroupID     []byte
	Extensions  ExtensionList
	AuthService AuthenticationService
	Now         time.Time
}

// validateLeafNode applies the checks every leaf entering or changing within
// the tree must pass.  index is where the leaf will sit; replacing is set when
// the leaf replaces an existing one at that index.
func (t *RatchetTree) validateLeafNode(v leafValidation, leaf LeafNode, source LeafNodeSource, index LeafIndex, replacing bool) error {
	if leaf.Source != source {
		return validationError("tree", "leaf node source %d, expected %d", leaf.Source, source)
	}

	if v.AuthService != nil && !v.AuthService.ValidateCredential(leaf.Credential, leaf.SignatureKey) {
		return validationError("tree", "credential %v rejected by authentication service", leaf.Credential)
	}

	if !leaf.Verify(v.Suite, v.GroupID, index) {
		return verifyError("tree", "invalid leaf node signature at %d", index)
	}

	caps := leaf.Capabilities
	if !caps.SupportsVersion(ProtocolVersionMLS10) || !caps.SupportsSuite(v.Suite.ID) {
		return validationError("tree", "leaf does not support the group's version and suite")
	}

	var req RequiredCapabilitiesExtension
	found, err := v.Extensions.Find(&req)
	if err != nil {
		return err
	}
	if found && !caps.SupportsRequired(req) {
		return validationError("tree", "leaf does not support required capabilities")
	}

	for _, ext := range leaf.Extensions.Entries {
		if !caps.SupportsExtension(ext.ExtensionType) {
			return validationError("tree", "leaf uses unadvertised extension %d", ext.ExtensionType)
		}
	}

	if source == LeafNodeSourceKeyPackage && !v.Now.IsZero() && !leaf.Lifetime.Valid(v.Now) {
		return validationError("tree", "leaf lifetime does not cover %v", v.Now)
	}

	for _, i := range t.Leaves() {
		if replacing && i == index {
			continue
		}

		other := t.LeafNode(i)
		if !caps.SupportsCredential(other.Credential.Type()) || !other.Capabilities.SupportsCredential(leaf.Credential.Type()) {
			return validationError("tree", "credential types incompatible with leaf %d", i)
		}

		if other.SignatureKey.Equals(leaf.SignatureKey) {
			return validationError("tree", "signature key already in use at leaf %d", i)
		}
	}

	// The encryption key must be fresh, even relative to the leaf it replaces
	if t.hasEncryptionKey(leaf.EncryptionKey, nil) {
		return validationError("tree", "encryption key already in use")
	}

	return nil
}

///
/// Encoding
///

// optional<Node> ratchet_tree<V>;
//
// Trailing blank nodes are omitted on the wire and restored on decode.
func (t *RatchetTree) marshal(b *cryptobyte.Builder) {
	end := len(t.nodes)
	for end > 0 && t.nodes[end-1].Blank() {
		end--
	}
	writeList(b, t.nodes[:end])
}

func (t *RatchetTree) unmarshal(d *decoder) {
	nodes := readList[OptionalNode](d)
	if !d.ok() {
		return
	}

	if len(nodes) > 0 && (len(nodes)%2 == 0 || nodes[len(nodes)-1].Blank()) {
		d.malformed("ratchet tree with %d nodes, last blank=%v", len(nodes), nodes[len(nodes)-1].Blank())
		return
	}

	t.nodes = nodes
	t.hashes = map[NodeIndex][]byte{}
	if len(nodes) > 0 {
		full := treeMath.NextFull(treeMath.LeafWidth(NodeCount(len(nodes))))
		width := int(treeMath.NodeWidth(full))
		t.nodes = append(t.nodes, make([]OptionalNode, width-len(nodes))...)
	}
}

// RatchetTreeExtension carries the full tree in a GroupInfo
type RatchetTreeExtension struct {
	Tree *RatchetTree
}

func (e RatchetTreeExtension) Type() ExtensionType {
	return ExtensionTypeRatchetTree
}

func (e RatchetTreeExtension) marshal(b *cryptobyte.Builder) {
	e.Tree.marshal(b)
}

func (e *RatchetTreeExtension) unmarshal(d *decoder) {
	if e.Tree == nil {
		e.Tree = &RatchetTree{}
	}
	e.Tree.unmarshal(d)
}

func (t *RatchetTree) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "tree suite=%v leaves=%d\n", t.Suite.ID, t.Size())
	for i, n := range t.nodes {
		switch {
		case n.Blank():
			fmt.Fprintf(&sb, "  [%d] _\n", i)
		default:
			key := n.Node.EncryptionKey()
			if len(key) > 4 {
				key = key[:4]
			}
			fmt.Fprintf(&sb, "  [%d] %x...\n", i, key)
		}
	}
	return sb.String()
}
