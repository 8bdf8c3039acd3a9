package mls

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type treeKEMMember struct {
	tree *RatchetTree
	priv *TreeKEMPrivateKey
	sig  SignaturePrivateKey
}

func newTreeKEMGroup(t *testing.T, suite Suite, n int) []*treeKEMMember {
	tree, _, kpPrivs := newTestRatchetTree(t, suite, n)

	members := make([]*treeKEMMember, n)
	for i := range members {
		priv := newTreeKEMPrivateKey(suite, LeafIndex(i))
		priv.PrivateKeys[toNodeIndex(LeafIndex(i))] = kpPrivs[i].EncryptionKey
		members[i] = &treeKEMMember{tree: tree.Clone(), priv: priv, sig: kpPrivs[i].SignatureKey}
		require.True(t, priv.Consistent(members[i].tree))
	}
	return members
}

func TestTreeKEMMulti(t *testing.T) {
	groupID := []byte("group")
	context := []byte("group context")

	for _, cs := range supportedSuites {
		t.Run(cs.String(), func(t *testing.T) {
			suite := suiteFor(t, cs)
			members := newTreeKEMGroup(t, suite, 5)

			// Each member in turn encrypts a fresh path to everyone else
			for sender, m := range members {
				from := LeafIndex(sender)
				tree := m.tree.Clone()
				priv, commitSecret, err := tree.Encap(from, groupID, tree.LeafNode(from).Clone(), m.sig)
				require.Nil(t, err)
				require.Len(t, commitSecret, suite.KDF.Size())
				require.True(t, priv.Consistent(tree))
				require.Nil(t, tree.VerifyParentHashes())

				path, err := tree.EncryptPath(priv, context, nil)
				require.Nil(t, err)
				require.Len(t, path.Nodes, len(tree.FilteredDirectPath(from)))

				// The path survives the wire
				var decoded UpdatePath
				require.Nil(t, unmarshalExact(mustMarshal(path), &decoded))

				for receiver, r := range members {
					if receiver == sender {
						continue
					}

					require.Nil(t, r.tree.MergePath(from, decoded))
					require.True(t, r.tree.Equals(tree))

					next, secret, err := r.priv.Decap(r.tree, from, context, decoded, nil)
					require.Nil(t, err)
					require.Equal(t, commitSecret, secret)
					require.True(t, next.Consistent(r.tree))
					require.Empty(t, next.PathSecrets)
					r.priv = next
				}

				priv.forgetPathSecrets()
				m.tree = tree
				m.priv = priv
			}
		})
	}
}

func TestTreeKEMJoinerExcluded(t *testing.T) {
	suite := suiteFor(t, X25519_AES128GCM_SHA256_Ed25519)
	members := newTreeKEMGroup(t, suite, 4)

	// A new leaf joins and learns its path secret out of band
	kp, kpPriv := newTestKeyPackage(t, suite, "joiner")
	tree := members[0].tree.Clone()
	joiner := tree.AddLeaf(kp.LeafNode.Clone())
	require.Equal(t, LeafIndex(4), joiner)

	priv, commitSecret, err := tree.Encap(0, []byte("group"), tree.LeafNode(0).Clone(), members[0].sig)
	require.Nil(t, err)

	path, err := tree.EncryptPath(priv, []byte("ctx"), []LeafIndex{joiner})
	require.Nil(t, err)
	require.Len(t, path.Nodes, 3)
	require.Empty(t, path.Nodes[2].EncryptedPathSecret)

	node, secret, ok := priv.SharedPathSecret(joiner)
	require.True(t, ok)
	require.Equal(t, NodeIndex(7), node)

	joinerPriv, err := NewTreeKEMPrivateKeyForJoiner(tree, joiner, kpPriv.EncryptionKey, 0, secret)
	require.Nil(t, err)
	require.True(t, joinerPriv.Consistent(tree))
	require.Contains(t, joinerPriv.PrivateKeys, NodeIndex(7))

	require.Equal(t, priv.PrivateKeys[7].PublicKey, joinerPriv.PrivateKeys[7].PublicKey)
	require.Len(t, commitSecret, suite.KDF.Size())

	// A wrong secret does not match the tree
	_, err = NewTreeKEMPrivateKeyForJoiner(tree, joiner, kpPriv.EncryptionKey, 0, randomBytes(suite.KDF.Size()))
	require.True(t, errors.Is(err, ErrValidation))
}

func TestTreeKEMTamperedPath(t *testing.T) {
	suite := suiteFor(t, X25519_AES128GCM_SHA256_Ed25519)
	members := newTreeKEMGroup(t, suite, 3)
	context := []byte("ctx")

	tree := members[0].tree.Clone()
	priv, _, err := tree.Encap(0, []byte("group"), tree.LeafNode(0).Clone(), members[0].sig)
	require.Nil(t, err)
	path, err := tree.EncryptPath(priv, context, nil)
	require.Nil(t, err)

	// A leaf that does not commit to the path's parent hashes
	bad := *path
	bad.LeafNode = path.LeafNode.Clone()
	bad.LeafNode.ParentHash[0] ^= 0xff
	err = members[1].tree.Clone().MergePath(0, bad)
	require.True(t, errors.Is(err, ErrCryptoVerification))

	// A path of the wrong length
	bad = *path
	bad.Nodes = path.Nodes[:1]
	err = members[1].tree.Clone().MergePath(0, bad)
	require.True(t, errors.Is(err, ErrValidation))

	// A different context cannot be decrypted
	r := members[2]
	merged := r.tree.Clone()
	require.Nil(t, merged.MergePath(0, *path))
	_, _, err = r.priv.Decap(merged, 0, []byte("other"), *path, nil)
	require.Error(t, err)

	// Nor can a receiver without any key in the resolution
	stranger := newTreeKEMPrivateKey(suite, 2)
	_, _, err = stranger.Decap(merged, 0, context, *path, nil)
	require.True(t, errors.Is(err, ErrValidation))
}
