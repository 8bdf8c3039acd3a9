package mls

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type proposalFixture struct {
	suite Suite
	gc    GroupContext
	tree  *RatchetTree
	kps   []*KeyPackage
	privs []*KeyPackagePrivate
}

func newProposalFixture(t *testing.T) *proposalFixture {
	suite := suiteFor(t, X25519_AES128GCM_SHA256_Ed25519)
	tree, kps, privs := newTestRatchetTree(t, suite, 3)
	return &proposalFixture{
		suite: suite,
		gc:    testGroupContext(suite),
		tree:  tree,
		kps:   kps,
		privs: privs,
	}
}

func (f *proposalFixture) input(committer Sender, proposals ...proposalSource) proposalInput {
	return proposalInput{
		Suite:        f.suite,
		GroupContext: f.gc,
		Tree:         f.tree,
		Committer:    committer,
		Proposals:    proposals,
		AuthService:  BasicAuthenticationService{},
		Now:          time.Now(),
		ResolvePSK: func(PreSharedKeyID) ([]byte, error) {
			return []byte("psk secret"), nil
		},
	}
}

func (f *proposalFixture) update(t *testing.T, index LeafIndex) proposalSource {
	leaf := f.kps[index].LeafNode.Clone()
	encPriv, err := f.suite.NewHPKEKey()
	require.Nil(t, err)

	leaf.EncryptionKey = encPriv.PublicKey
	leaf.Source = LeafNodeSourceUpdate
	require.Nil(t, leaf.Sign(f.suite, f.privs[index].SignatureKey, f.gc.GroupID, index))

	return proposalSource{
		Proposal: Proposal{Update: &UpdateProposal{LeafNode: leaf}},
		Sender:   MemberSender(index),
		Ref:      ProposalRef{byte(index), 1},
	}
}

func inline(committer Sender, p Proposal) proposalSource {
	return proposalSource{Proposal: p, Sender: committer}
}

func TestApplyProposals(t *testing.T) {
	f := newProposalFixture(t)
	committer := MemberSender(0)
	newcomer, _ := newTestKeyPackage(t, f.suite, "newcomer")

	res, err := applyProposals(f.input(committer,
		f.update(t, 1),
		inline(committer, Proposal{Remove: &RemoveProposal{Removed: 2}}),
		inline(committer, Proposal{Add: &AddProposal{KeyPackage: *newcomer}}),
	))
	require.Nil(t, err)
	require.Equal(t, memberCommit, res.Kind)
	require.True(t, res.PathRequired)
	require.Equal(t, []LeafIndex{1}, res.Updated)
	require.Equal(t, []LeafIndex{2}, res.Removed)
	require.Equal(t, []LeafIndex{2}, res.addedLeaves())
	require.Equal(t, f.suite.zero(), res.PSKSecret)

	require.True(t, res.Tree.LeafNode(2).Credential.Equals(newcomer.LeafNode.Credential))
	require.Equal(t, LeafNodeSourceUpdate, res.Tree.LeafNode(1).Source)

	// The input tree is untouched
	require.Equal(t, []LeafIndex{0, 1, 2}, f.tree.Leaves())
	require.Equal(t, LeafNodeSourceKeyPackage, f.tree.LeafNode(1).Source)

	// Adds alone need no path
	res, err = applyProposals(f.input(committer, inline(committer, Proposal{Add: &AddProposal{KeyPackage: *newcomer}})))
	require.Nil(t, err)
	require.False(t, res.PathRequired)
	require.Equal(t, []LeafIndex{3}, res.addedLeaves())
}

func TestApplyProposalsConflicts(t *testing.T) {
	f := newProposalFixture(t)
	committer := MemberSender(0)
	remove := func(l LeafIndex) proposalSource {
		return inline(committer, Proposal{Remove: &RemoveProposal{Removed: l}})
	}

	cases := map[string][]proposalSource{
		"update and remove": {f.update(t, 1), remove(1)},
		"double remove":     {remove(2), remove(2)},
		"remove committer":  {remove(0)},
		"remove blank":      {remove(3)},
		"re-add member":     {inline(committer, Proposal{Add: &AddProposal{KeyPackage: *f.kps[1]}})},
		"external init":     {inline(committer, Proposal{ExternalInit: &ExternalInitProposal{KEMOutput: []byte{1}}})},
		"reinit not alone":  {inline(committer, Proposal{ReInit: &ReInitProposal{GroupID: []byte("x"), Version: ProtocolVersionMLS10, CipherSuite: f.suite.ID, Extensions: NewExtensionList()}}), remove(2)},
		"reinit to nowhere": {inline(committer, Proposal{ReInit: &ReInitProposal{GroupID: []byte("x"), Version: ProtocolVersionMLS10, CipherSuite: CipherSuite(0x7777), Extensions: NewExtensionList()}})},
		"unsupported ext":   {inline(committer, Proposal{GroupContextExtensions: &GroupContextExtensionsProposal{Extensions: twoByteExtensions(t)}})},
	}

	for label, proposals := range cases {
		t.Run(label, func(t *testing.T) {
			_, err := applyProposals(f.input(committer, proposals...))
			require.True(t, errors.Is(err, ErrValidation), "%v", err)
		})
	}

	// Committing from a blank leaf
	_, err := applyProposals(f.input(MemberSender(3)))
	require.True(t, errors.Is(err, ErrValidation))
}

func twoByteExtensions(t *testing.T) ExtensionList {
	el := NewExtensionList()
	require.Nil(t, el.Add(TwoByteExtension{1, 2}))
	return el
}

func TestApplyProposalsReInit(t *testing.T) {
	f := newProposalFixture(t)
	committer := MemberSender(1)

	reinit := &ReInitProposal{
		GroupID:     []byte("next"),
		Version:     ProtocolVersionMLS10,
		CipherSuite: P256_AES128GCM_SHA256_P256,
		Extensions:  NewExtensionList(),
	}
	res, err := applyProposals(f.input(committer, inline(committer, Proposal{ReInit: reinit})))
	require.Nil(t, err)
	require.Equal(t, reinitCommit, res.Kind)
	require.Equal(t, reinit, res.ReInit)
	require.False(t, res.PathRequired)
}

func TestApplyProposalsGroupContextExtensions(t *testing.T) {
	f := newProposalFixture(t)
	committer := MemberSender(0)

	exts := NewExtensionList()
	require.Nil(t, exts.Add(ApplicationIDExtension{ApplicationID: []byte("chat")}))

	res, err := applyProposals(f.input(committer, inline(committer, Proposal{GroupContextExtensions: &GroupContextExtensionsProposal{Extensions: exts}})))
	require.Nil(t, err)
	require.True(t, res.PathRequired)
	require.True(t, res.Extensions.Has(ExtensionTypeApplicationID))
	require.False(t, f.gc.Extensions.Has(ExtensionTypeApplicationID))
}

func TestApplyProposalsPSK(t *testing.T) {
	f := newProposalFixture(t)
	committer := MemberSender(0)

	id, err := NewExternalPSKID(f.suite, []byte("psk"))
	require.Nil(t, err)
	psk := inline(committer, Proposal{PSK: &PreSharedKeyProposal{PSK: id}})

	res, err := applyProposals(f.input(committer, psk))
	require.Nil(t, err)
	require.False(t, res.PathRequired)
	require.Equal(t, []PreSharedKeyID{id}, res.PSKs)
	require.Equal(t, computePSKSecret(f.suite, []pskWithSecret{{ID: id, Secret: []byte("psk secret")}}), res.PSKSecret)

	_, err = applyProposals(f.input(committer, psk, psk))
	require.True(t, errors.Is(err, ErrValidation))

	short := id
	short.PSKNonce = []byte{1}
	_, err = applyProposals(f.input(committer, inline(committer, Proposal{PSK: &PreSharedKeyProposal{PSK: short}})))
	require.True(t, errors.Is(err, ErrValidation))

	in := f.input(committer, psk)
	in.ResolvePSK = func(PreSharedKeyID) ([]byte, error) {
		return nil, validationError("psk", "unknown")
	}
	_, err = applyProposals(in)
	require.True(t, errors.Is(err, ErrValidation))
}

func TestApplyProposalsExternal(t *testing.T) {
	f := newProposalFixture(t)
	committer := Sender{Type: SenderTypeNewMemberCommit}
	joiner, _, _ := newTestLeaf(t, f.suite, "joiner")
	joiner.Source = LeafNodeSourceCommit

	initSecret := randomBytes(f.suite.KDF.Size())
	external := func(proposals ...proposalSource) proposalInput {
		in := f.input(committer, proposals...)
		in.ExternalLeaf = &joiner
		in.ResolveExternalInit = func([]byte) ([]byte, error) { return initSecret, nil }
		return in
	}
	ei := inline(committer, Proposal{ExternalInit: &ExternalInitProposal{KEMOutput: []byte{1}}})

	res, err := applyProposals(external(ei))
	require.Nil(t, err)
	require.Equal(t, externalCommit, res.Kind)
	require.True(t, res.PathRequired)
	require.Equal(t, initSecret, res.InitSecret)
	require.Equal(t, LeafIndex(3), res.NewLeaf)

	// A resync removes the joiner's earlier leaf
	joiner.Credential = f.kps[2].LeafNode.Credential
	res, err = applyProposals(external(ei, inline(committer, Proposal{Remove: &RemoveProposal{Removed: 2}})))
	require.Nil(t, err)
	require.Equal(t, []LeafIndex{2}, res.Removed)
	require.Equal(t, LeafIndex(2), res.NewLeaf)

	newcomer, _ := newTestKeyPackage(t, f.suite, "newcomer")
	cases := map[string]proposalInput{
		"no external init":  external(),
		"two external init": external(ei, ei),
		"remove other":      external(ei, inline(committer, Proposal{Remove: &RemoveProposal{Removed: 1}})),
		"with add":          external(ei, inline(committer, Proposal{Add: &AddProposal{KeyPackage: *newcomer}})),
		"by reference": external(proposalSource{
			Proposal: ei.Proposal,
			Sender:   committer,
			Ref:      ProposalRef{1},
		}),
	}
	noPath := external(ei)
	noPath.ExternalLeaf = nil
	cases["no path"] = noPath

	for label, in := range cases {
		t.Run(label, func(t *testing.T) {
			_, err := applyProposals(in)
			require.True(t, errors.Is(err, ErrValidation), "%v", err)
		})
	}
}

func TestPathRequired(t *testing.T) {
	f := newProposalFixture(t)
	committer := MemberSender(0)
	id, err := NewExternalPSKID(f.suite, []byte("psk"))
	require.Nil(t, err)

	add := inline(committer, Proposal{Add: &AddProposal{KeyPackage: *f.kps[0]}})
	psk := inline(committer, Proposal{PSK: &PreSharedKeyProposal{PSK: id}})
	remove := inline(committer, Proposal{Remove: &RemoveProposal{Removed: 1}})
	gce := inline(committer, Proposal{GroupContextExtensions: &GroupContextExtensionsProposal{Extensions: NewExtensionList()}})

	require.True(t, pathRequired(nil))
	require.False(t, pathRequired([]proposalSource{add, psk}))
	require.True(t, pathRequired([]proposalSource{add, remove}))
	require.True(t, pathRequired([]proposalSource{gce}))
	require.True(t, pathRequired([]proposalSource{f.update(t, 1)}))
}
