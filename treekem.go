package mls

import (
	"bytes"

	"github.com/suhasHere/mlscore/tree-math"
	"golang.org/x/crypto/cryptobyte"
)

// struct {
//     HPKEPublicKey encryption_key;
//     HPKECiphertext encrypted_path_secret<V>;
// } UpdatePathNode;
type UpdatePathNode struct {
	EncryptionKey       HPKEPublicKey
	EncryptedPathSecret []HPKECiphertext
}

func (n UpdatePathNode) marshal(b *cryptobyte.Builder) {
	n.EncryptionKey.marshal(b)
	writeList(b, n.EncryptedPathSecret)
}

func (n *UpdatePathNode) unmarshal(d *decoder) {
	n.EncryptionKey.unmarshal(d)
	n.EncryptedPathSecret = readList[HPKECiphertext](d)
}

// struct {
//     LeafNode leaf_node;
//     UpdatePathNode nodes<V>;
// } UpdatePath;
type UpdatePath struct {
	LeafNode LeafNode
	Nodes    []UpdatePathNode
}

func (p UpdatePath) marshal(b *cryptobyte.Builder) {
	p.LeafNode.marshal(b)
	writeList(b, p.Nodes)
}

func (p *UpdatePath) unmarshal(d *decoder) {
	p.LeafNode.unmarshal(d)
	p.Nodes = readList[UpdatePathNode](d)
}

////////////////////////////////////////////////////////////
////////////////////////////////////////////////////////////
////////////////////////////////////////////////////////////

// TreeKEMPrivateKey holds a member's private keys for its leaf and for the
// ancestors it knows secrets for.  Path secrets are only kept while a commit
// or welcome is being built.
type TreeKEMPrivateKey struct {
	Suite       Suite
	Index       LeafIndex
	PathSecrets map[NodeIndex][]byte
	PrivateKeys map[NodeIndex]HPKEPrivateKey
}

func newTreeKEMPrivateKey(suite Suite, index LeafIndex) *TreeKEMPrivateKey {
	return &TreeKEMPrivateKey{
		Suite:       suite,
		Index:       index,
		PathSecrets: map[NodeIndex][]byte{},
		PrivateKeys: map[NodeIndex]HPKEPrivateKey{},
	}
}

// NewTreeKEMPrivateKeyForJoiner seeds a joiner's private state from its leaf
// key and, if the Welcome carried one, the path secret for the lowest common
// ancestor with the committer.
func NewTreeKEMPrivateKeyForJoiner(tree *RatchetTree, index LeafIndex, leafPriv HPKEPrivateKey, committer LeafIndex, pathSecret []byte) (*TreeKEMPrivateKey, error) {
	priv := newTreeKEMPrivateKey(tree.Suite, index)
	priv.PrivateKeys[toNodeIndex(index)] = leafPriv

	if pathSecret != nil {
		start := treeMath.CommonAncestor(toNodeIndex(index), toNodeIndex(committer))
		if _, err := priv.implant(tree, committer, start, pathSecret); err != nil {
			return nil, err
		}
	}

	if !priv.Consistent(tree) {
		return nil, validationError("treekem", "welcome path secret does not match tree")
	}

	priv.forgetPathSecrets()
	return priv, nil
}

func (priv *TreeKEMPrivateKey) Clone() *TreeKEMPrivateKey {
	out := newTreeKEMPrivateKey(priv.Suite, priv.Index)
	for n, s := range priv.PathSecrets {
		out.PathSecrets[n] = dup(s)
	}
	for n, k := range priv.PrivateKeys {
		out.PrivateKeys[n] = HPKEPrivateKey{Data: dup(k.Data), PublicKey: dup(k.PublicKey)}
	}
	return out
}

func (priv *TreeKEMPrivateKey) setNodeSecret(x NodeIndex, pathSecret []byte) (HPKEPrivateKey, error) {
	nodeSecret := priv.Suite.deriveSecret(pathSecret, "node")
	defer zeroize(nodeSecret)

	nodePriv, err := priv.Suite.HPKE.DeriveKeyPair(nodeSecret)
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	priv.PathSecrets[x] = dup(pathSecret)
	priv.PrivateKeys[x] = nodePriv
	return nodePriv, nil
}

// implant sets path secrets along the filtered direct path of leaf `from`,
// starting at node `start` with the given secret and hashing toward the root.
// It returns the last path secret in the chain.
func (priv *TreeKEMPrivateKey) implant(tree *RatchetTree, from LeafIndex, start NodeIndex, pathSecret []byte) ([]byte, error) {
	steps := tree.FilteredDirectPath(from)
	begin := -1
	for i, step := range steps {
		if step.Node == start {
			begin = i
			break
		}
	}
	if begin < 0 {
		return nil, validationError("treekem", "node %d is not on the filtered path of leaf %d", start, from)
	}

	secret := pathSecret
	for i := begin; i < len(steps); i++ {
		if i > begin {
			secret = priv.Suite.deriveSecret(secret, "path")
		}
		if _, err := priv.setNodeSecret(steps[i].Node, secret); err != nil {
			return nil, err
		}
	}

	return secret, nil
}

// SharedPathSecret finds the path secret this member shares with leaf `to`
func (priv *TreeKEMPrivateKey) SharedPathSecret(to LeafIndex) (NodeIndex, []byte, bool) {
	n := treeMath.CommonAncestor(toNodeIndex(priv.Index), toNodeIndex(to))
	secret, ok := priv.PathSecrets[n]
	return n, secret, ok
}

func (priv *TreeKEMPrivateKey) forgetPathSecrets() {
	for n, s := range priv.PathSecrets {
		zeroize(s)
		delete(priv.PathSecrets, n)
	}
}

// prune drops private keys for nodes that were blanked or replaced
func (priv *TreeKEMPrivateKey) prune(tree *RatchetTree) {
	for n, k := range priv.PrivateKeys {
		node := tree.Node(n)
		if node.Blank() || !node.Node.EncryptionKey().Equals(k.PublicKey) {
			delete(priv.PrivateKeys, n)
			delete(priv.PathSecrets, n)
		}
	}
}

// Consistent reports whether every private key matches the tree's public key
// for that node, and the member's own leaf is covered.
func (priv *TreeKEMPrivateKey) Consistent(tree *RatchetTree) bool {
	if priv.Suite.ID != tree.Suite.ID {
		return false
	}

	if _, ok := priv.PrivateKeys[toNodeIndex(priv.Index)]; !ok {
		return false
	}

	for n, k := range priv.PrivateKeys {
		node := tree.Node(n)
		if node.Blank() || !node.Node.EncryptionKey().Equals(k.PublicKey) {
			return false
		}
	}
	return true
}

////////////////////////////////////////////////////////////
////////////////////////////////////////////////////////////
////////////////////////////////////////////////////////////

// Encap replaces the sender's leaf and filtered direct path with freshly
// derived keys, fills in parent hashes, and re-signs the leaf.  The returned
// private key holds the path secrets; the commit secret is derived from the
// last one.
func (t *RatchetTree) Encap(from LeafIndex, groupID []byte, leaf LeafNode, sigPriv SignaturePrivateKey) (*TreeKEMPrivateKey, []byte, error) {
	suite := t.Suite
	if !t.Occupied(from) {
		return nil, nil, usageError("treekem", "sender leaf %d is blank", from)
	}

	leafSecret, err := suite.RandomBytes(suite.KDF.Size())
	if err != nil {
		return nil, nil, err
	}

	priv := newTreeKEMPrivateKey(suite, from)
	leafPriv, err := priv.setNodeSecret(toNodeIndex(from), leafSecret)
	if err != nil {
		return nil, nil, err
	}

	steps := t.FilteredDirectPath(from)
	t.BlankPath(from)

	pathSecret := leafSecret
	for _, step := range steps {
		pathSecret = suite.deriveSecret(pathSecret, "path")
		nodePriv, err := priv.setNodeSecret(step.Node, pathSecret)
		if err != nil {
			return nil, nil, err
		}

		t.setParent(step.Node, nodePriv.PublicKey, nil)
	}

	leaf.EncryptionKey = leafPriv.PublicKey
	leaf.Source = LeafNodeSourceCommit
	leaf.Lifetime = Lifetime{}
	leaf.ParentHash = t.setParentHashes(from)
	if err := leaf.Sign(suite, sigPriv, groupID, from); err != nil {
		return nil, nil, err
	}

	t.setNode(toNodeIndex(from), &Node{Leaf: &leaf})
	commitSecret := suite.deriveSecret(pathSecret, "path")
	return priv, commitSecret, nil
}

// EncryptPath builds the UpdatePath for a completed Encap, encrypting each path
// secret to the copath resolution.  Leaves in `exclude` joined in this commit
// and learn their secrets from the Welcome instead.
func (t *RatchetTree) EncryptPath(priv *TreeKEMPrivateKey, context []byte, exclude []LeafIndex) (*UpdatePath, error) {
	excluded := map[NodeIndex]bool{}
	for _, l := range exclude {
		excluded[toNodeIndex(l)] = true
	}

	steps := t.FilteredDirectPath(priv.Index)
	path := &UpdatePath{
		LeafNode: t.LeafNode(priv.Index).Clone(),
		Nodes:    make([]UpdatePathNode, len(steps)),
	}

	for i, step := range steps {
		secret, ok := priv.PathSecrets[step.Node]
		if !ok {
			return nil, internalError("treekem", "missing path secret for node %d", step.Node)
		}

		node := UpdatePathNode{
			EncryptionKey:       priv.PrivateKeys[step.Node].PublicKey,
			EncryptedPathSecret: []HPKECiphertext{},
		}

		for _, r := range step.Resolution {
			if excluded[r] {
				continue
			}

			ct, err := t.Suite.encryptWithLabel(t.Node(r).Node.EncryptionKey(), "UpdatePathNode", context, secret)
			if err != nil {
				return nil, err
			}
			node.EncryptedPathSecret = append(node.EncryptedPathSecret, ct)
		}

		path.Nodes[i] = node
	}

	return path, nil
}

// MergePath applies a received UpdatePath to the public tree and checks that
// the sender's leaf commits to the resulting parent hash chain.  The leaf node
// itself must already have been validated.
func (t *RatchetTree) MergePath(from LeafIndex, path UpdatePath) error {
	steps := t.FilteredDirectPath(from)
	if len(steps) != len(path.Nodes) {
		return validationError("treekem", "update path has %d nodes, filtered direct path has %d", len(path.Nodes), len(steps))
	}

	t.BlankPath(from)
	for i, step := range steps {
		t.setParent(step.Node, dup(path.Nodes[i].EncryptionKey), nil)
	}

	parentHash := t.setParentHashes(from)
	if !bytes.Equal(parentHash, path.LeafNode.ParentHash) {
		return verifyError("treekem", "leaf parent hash does not match update path")
	}

	leaf := path.LeafNode.Clone()
	t.setNode(toNodeIndex(from), &Node{Leaf: &leaf})
	return nil
}

// Decap decrypts the path secret addressed to this member from a merged
// UpdatePath and derives the rest of the path.  It returns the member's new
// private state and the commit secret.
func (priv *TreeKEMPrivateKey) Decap(tree *RatchetTree, from LeafIndex, context []byte, path UpdatePath, exclude []LeafIndex) (*TreeKEMPrivateKey, []byte, error) {
	excluded := map[NodeIndex]bool{}
	for _, l := range exclude {
		excluded[toNodeIndex(l)] = true
	}

	me := toNodeIndex(priv.Index)
	fromNode := toNodeIndex(from)
	steps := tree.FilteredDirectPath(from)
	if len(steps) != len(path.Nodes) {
		return nil, nil, validationError("treekem", "update path length mismatch")
	}

	var pathSecret []byte
	stepIndex := -1
	for i, step := range steps {
		if !treeMath.InSubtree(me, tree.copathChild(step.Node, fromNode)) {
			continue
		}

		stepIndex = i
		pos := 0
		for _, r := range step.Resolution {
			if excluded[r] {
				continue
			}

			nodePriv, ok := priv.PrivateKeys[r]
			if !ok {
				pos++
				continue
			}

			cts := path.Nodes[i].EncryptedPathSecret
			if pos >= len(cts) {
				return nil, nil, validationError("treekem", "missing ciphertext for node %d", r)
			}

			secret, err := priv.Suite.decryptWithLabel(nodePriv, "UpdatePathNode", context, cts[pos])
			if err != nil {
				return nil, nil, err
			}
			pathSecret = secret
			break
		}
		break
	}

	if stepIndex < 0 || pathSecret == nil {
		return nil, nil, validationError("treekem", "no decryptable path secret for leaf %d", priv.Index)
	}

	out := priv.Clone()
	out.prune(tree)

	last, err := out.implant(tree, from, steps[stepIndex].Node, pathSecret)
	if err != nil {
		return nil, nil, err
	}

	for i := stepIndex; i < len(steps); i++ {
		if !out.PrivateKeys[steps[i].Node].PublicKey.Equals(path.Nodes[i].EncryptionKey) {
			return nil, nil, verifyError("treekem", "derived public key mismatch at node %d", steps[i].Node)
		}
	}

	commitSecret := priv.Suite.deriveSecret(last, "path")
	out.forgetPathSecrets()
	return out, commitSecret, nil
}
