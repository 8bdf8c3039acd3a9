package mls

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLeaf(t *testing.T, suite Suite, name string) (LeafNode, HPKEPrivateKey, SignaturePrivateKey) {
	kp, kpPriv := newTestKeyPackage(t, suite, name)
	return kp.LeafNode, kpPriv.EncryptionKey, kpPriv.SignatureKey
}

func TestLeafNodeSignVerify(t *testing.T) {
	suite := suiteFor(t, X25519_AES128GCM_SHA256_Ed25519)
	leaf, _, sigPriv := newTestLeaf(t, suite, "alice")
	groupID := []byte("group")

	// Key package leaves are signed without group context
	require.True(t, leaf.Verify(suite, nil, 0))
	require.True(t, leaf.Verify(suite, groupID, 7))

	// Other sources bind the group and the leaf position
	leaf.Source = LeafNodeSourceUpdate
	require.Nil(t, leaf.Sign(suite, sigPriv, groupID, 3))
	require.True(t, leaf.Verify(suite, groupID, 3))
	require.False(t, leaf.Verify(suite, groupID, 4))
	require.False(t, leaf.Verify(suite, []byte("other"), 3))

	leaf.Source = LeafNodeSourceCommit
	leaf.ParentHash = []byte{1, 2, 3}
	require.Nil(t, leaf.Sign(suite, sigPriv, groupID, 3))
	require.True(t, leaf.Verify(suite, groupID, 3))

	leaf.ParentHash = []byte{1, 2, 4}
	require.False(t, leaf.Verify(suite, groupID, 3))

	// Signing with the wrong key is a usage error
	other, err := suite.NewSignatureKey()
	require.Nil(t, err)
	err = leaf.Sign(suite, other, groupID, 3)
	require.True(t, errors.Is(err, ErrUsage))
}

func TestLeafNodeCodec(t *testing.T) {
	suite := suiteFor(t, X25519_AES128GCM_SHA256_Ed25519)
	leaf, _, sigPriv := newTestLeaf(t, suite, "alice")

	for _, source := range []LeafNodeSource{LeafNodeSourceKeyPackage, LeafNodeSourceUpdate, LeafNodeSourceCommit} {
		l := leaf.Clone()
		l.Source = source
		if source == LeafNodeSourceCommit {
			l.ParentHash = []byte{0xAA}
		}
		require.Nil(t, l.Sign(suite, sigPriv, []byte("g"), 0))

		data, err := Marshal(l)
		require.Nil(t, err)

		var l2 LeafNode
		require.Nil(t, unmarshalExact(data, &l2))
		require.True(t, l.Equals(l2))
		require.True(t, l2.Verify(suite, []byte("g"), 0))
	}

	// Unknown sources are malformed
	data, err := Marshal(leaf)
	require.Nil(t, err)

	var l2 LeafNode
	pos := len(mustMarshal(leaf.EncryptionKey)) + len(mustMarshal(leaf.SignatureKey)) +
		len(mustMarshal(leaf.Credential)) + len(mustMarshal(leaf.Capabilities))
	require.Equal(t, byte(LeafNodeSourceKeyPackage), data[pos])
	data[pos] = 9
	err = unmarshalExact(data, &l2)
	require.True(t, errors.Is(err, ErrCodec))
}

func TestCapabilities(t *testing.T) {
	caps := DefaultCapabilities()
	require.True(t, caps.SupportsVersion(ProtocolVersionMLS10))
	require.False(t, caps.SupportsVersion(ProtocolVersion(2)))
	require.True(t, caps.SupportsSuite(P256_AES128GCM_SHA256_P256))
	require.False(t, caps.SupportsSuite(CipherSuite(0x0009)))
	require.True(t, caps.SupportsExtension(ExtensionTypeRatchetTree))
	require.False(t, caps.SupportsExtension(ExtensionType(0xff00)))
	require.True(t, caps.SupportsProposal(ProposalTypeGroupContextExtensions))
	require.False(t, caps.SupportsProposal(ProposalType(0xff00)))
	require.True(t, caps.SupportsCredential(CredentialTypeX509))

	data, err := Marshal(caps)
	require.Nil(t, err)

	var caps2 Capabilities
	require.Nil(t, unmarshalExact(data, &caps2))
	require.Equal(t, caps, caps2)
}

func TestLifetime(t *testing.T) {
	now := time.Unix(1700000000, 0)
	lt := DefaultLifetime(now, time.Hour)
	require.True(t, lt.Valid(now))
	require.True(t, lt.Valid(now.Add(-30*time.Minute)))
	require.False(t, lt.Valid(now.Add(2*time.Hour)))
	require.False(t, lt.Valid(now.Add(-2*time.Hour)))
}

func TestParentNode(t *testing.T) {
	pn := ParentNode{EncryptionKey: HPKEPublicKey{1, 2}, ParentHash: []byte{3}, UnmergedLeaves: []LeafIndex{}}
	pn.AddUnmerged(5)
	pn.AddUnmerged(1)
	pn.AddUnmerged(3)
	pn.AddUnmerged(3)
	require.Equal(t, []LeafIndex{1, 3, 5}, pn.UnmergedLeaves)

	clone := pn.Clone()
	clone.AddUnmerged(0)
	require.Equal(t, []LeafIndex{1, 3, 5}, pn.UnmergedLeaves)

	data, err := Marshal(pn)
	require.Nil(t, err)

	var pn2 ParentNode
	require.Nil(t, unmarshalExact(data, &pn2))
	require.Equal(t, pn, pn2)
}

func TestNodeCodec(t *testing.T) {
	suite := suiteFor(t, X25519_AES128GCM_SHA256_Ed25519)
	leaf, _, _ := newTestLeaf(t, suite, "alice")
	parent := ParentNode{EncryptionKey: HPKEPublicKey{9}, ParentHash: []byte{}, UnmergedLeaves: []LeafIndex{2}}

	nodes := []OptionalNode{
		{},
		{Node: &Node{Leaf: &leaf}},
		{Node: &Node{Parent: &parent}},
	}

	for _, n := range nodes {
		data, err := Marshal(n)
		require.Nil(t, err)

		var n2 OptionalNode
		require.Nil(t, unmarshalExact(data, &n2))
		require.Equal(t, n.Blank(), n2.Blank())
		if !n.Blank() {
			require.Equal(t, n.Node.Type(), n2.Node.Type())
			require.Equal(t, n.Node.EncryptionKey(), n2.Node.EncryptionKey())
			require.Equal(t, mustMarshal(n), mustMarshal(n2))
		}
	}

	// A node type outside leaf and parent is malformed
	var n Node
	_, err := Unmarshal([]byte{0x03}, &n)
	require.True(t, errors.Is(err, ErrCodec))
}
