package mls

import (
	"crypto/hmac"

	"go.uber.org/zap"
)

// importTree takes the tree a joiner was given, either directly or in the
// GroupInfo, and checks it against the GroupInfo before it is trusted
func importTree(suite Suite, as AuthenticationService, gi GroupInfo, tree *RatchetTree) (*RatchetTree, error) {
	if tree == nil {
		t, found, err := gi.ratchetTree(suite)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, usageError("join", "no ratchet tree supplied or included in group info")
		}
		tree = t
	} else {
		tree = tree.Clone()
		tree.Suite = suite
	}

	if err := tree.checkStructure(); err != nil {
		return nil, err
	}
	if err := tree.VerifyTreeHash(gi.GroupContext.TreeHash); err != nil {
		return nil, err
	}
	if err := tree.VerifyParentHashes(); err != nil {
		return nil, err
	}

	for _, l := range tree.Leaves() {
		leaf := tree.LeafNode(l)
		if as != nil && !as.ValidateCredential(leaf.Credential, leaf.SignatureKey) {
			return nil, validationError("join", "credential at leaf %d rejected by authentication service", l)
		}
		if !leaf.Verify(suite, gi.GroupContext.GroupID, l) {
			return nil, verifyError("join", "invalid leaf node signature at %d", l)
		}
	}

	if err := gi.verify(suite, tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// JoinGroup enters a group from a Welcome addressed to one of the caller's
// KeyPackages.  tree may be nil if the Welcome carries the ratchet tree.
func JoinGroup(config ClientConfig, welcome *Welcome, kp KeyPackage, kpPriv KeyPackagePrivate, tree *RatchetTree) (*ClientState, error) {
	config = config.withDefaults()
	if kp.CipherSuite != welcome.CipherSuite {
		return nil, validationError("join", "welcome suite %v does not match key package suite %v", welcome.CipherSuite, kp.CipherSuite)
	}

	suite, err := config.suite(welcome.CipherSuite)
	if err != nil {
		return nil, err
	}

	ref, err := kp.Ref(suite)
	if err != nil {
		return nil, err
	}

	idx, ok := welcome.find(ref)
	if !ok {
		return nil, validationError("join", "welcome not addressed to this key package")
	}

	gs, err := welcome.decryptSecrets(suite, idx, kpPriv.InitKey)
	if err != nil {
		return nil, err
	}
	defer zeroize(gs.JoinerSecret)

	psks := make([]pskWithSecret, 0, len(gs.PSKs))
	for _, id := range gs.PSKs {
		if id.PSKType != PSKTypeExternal {
			return nil, validationError("join", "resumption PSK in welcome to a new member")
		}

		secret, ok := config.PSKStore.PSK(id.PSKID)
		if !ok {
			return nil, validationError("join", "unknown external PSK %x", id.PSKID)
		}
		psks = append(psks, pskWithSecret{ID: id, Secret: secret})
	}
	pskSecret := computePSKSecret(suite, psks)

	welcomeSecret := welcomeSecretFromJoiner(suite, gs.JoinerSecret, pskSecret)
	defer zeroize(welcomeSecret)

	gi, err := welcome.decryptGroupInfo(suite, welcomeSecret)
	if err != nil {
		return nil, err
	}

	gc := gi.GroupContext
	if gc.Version != ProtocolVersionMLS10 || gc.CipherSuite != suite.ID {
		return nil, validationError("join", "group info for version %d suite %v", gc.Version, gc.CipherSuite)
	}

	tree, err = importTree(suite, config.AuthService, *gi, tree)
	if err != nil {
		return nil, err
	}

	index, ok := tree.FindLeaf(kp.LeafNode)
	if !ok {
		return nil, validationError("join", "key package leaf not in tree")
	}

	keys := newKeyScheduleEpoch(suite, gs.JoinerSecret, pskSecret, mustMarshal(gc))
	if !hmac.Equal(keys.ConfirmationTag(gc.ConfirmedTranscriptHash), gi.ConfirmationTag) {
		keys.erase()
		return nil, verifyError("join", "confirmation tag mismatch")
	}

	treePriv, err := NewTreeKEMPrivateKeyForJoiner(tree, index, kpPriv.EncryptionKey, gi.Signer, gs.PathSecret)
	if err != nil {
		return nil, err
	}

	s := newClientState(config, suite, gc, tree, treePriv, kpPriv.SignatureKey, keys, gi.ConfirmationTag)
	s.logger().Info("joined group from welcome", zap.Uint32("committer", uint32(gi.Signer)))
	return s, nil
}

type ExternalJoinOptions struct {
	Credential   Credential
	SignatureKey SignaturePrivateKey
	Capabilities *Capabilities

	// Required if the GroupInfo does not carry the ratchet tree
	Tree *RatchetTree

	// Remove an earlier leaf with the same credential, e.g. after state loss
	Resync bool

	AuthenticatedData []byte
}

// JoinExternal enters a group with an external commit built from a published
// GroupInfo.  The returned message must be delivered to the group.
func JoinExternal(config ClientConfig, gi GroupInfo, opts ExternalJoinOptions) (*MLSMessage, *ClientState, error) {
	config = config.withDefaults()
	gc := gi.GroupContext.Clone()
	suite, err := config.suite(gc.CipherSuite)
	if err != nil {
		return nil, nil, err
	}

	tree, err := importTree(suite, config.AuthService, gi, opts.Tree)
	if err != nil {
		return nil, nil, err
	}

	var extPub ExternalPubExtension
	found, err := gi.Extensions.Find(&extPub)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, validationError("join", "group info has no external public key")
	}

	kemOutput, initSecret, err := externalInitSecret(suite, extPub.ExternalPub)
	if err != nil {
		return nil, nil, classify(err, ErrDependency, "join", "external init")
	}
	defer zeroize(initSecret)

	caps := DefaultCapabilities()
	if opts.Capabilities != nil {
		caps = *opts.Capabilities
	}

	leaf := LeafNode{
		SignatureKey: opts.SignatureKey.PublicKey,
		Credential:   opts.Credential,
		Capabilities: caps,
		Source:       LeafNodeSourceCommit,
		Extensions:   NewExtensionList(),
	}

	joiner := Sender{Type: SenderTypeNewMemberCommit}
	proposals := []Proposal{{ExternalInit: &ExternalInitProposal{KEMOutput: kemOutput}}}
	if opts.Resync {
		prior := -1
		for _, l := range tree.Leaves() {
			if tree.LeafNode(l).Credential.Equals(opts.Credential) {
				prior = int(l)
				break
			}
		}
		if prior < 0 {
			return nil, nil, usageError("join", "no earlier leaf to resync")
		}
		proposals = append(proposals, Proposal{Remove: &RemoveProposal{Removed: LeafIndex(prior)}})
	}

	sources := make([]proposalSource, len(proposals))
	commit := &Commit{Proposals: make([]ProposalOrRef, len(proposals))}
	for i := range proposals {
		sources[i] = proposalSource{Proposal: proposals[i], Sender: joiner}
		commit.Proposals[i] = ProposalOrRef{Proposal: &proposals[i]}
	}

	res, err := applyProposals(proposalInput{
		Suite:        suite,
		GroupContext: gc,
		Tree:         tree,
		Committer:    joiner,
		Proposals:    sources,
		ExternalLeaf: &leaf,
		AuthService:  config.AuthService,
		Now:          config.Clock(),
		ResolveExternalInit: func([]byte) ([]byte, error) {
			return dup(initSecret), nil
		},
	})
	if err != nil {
		return nil, nil, err
	}

	tree = res.Tree
	index := tree.AddLeaf(leaf)
	treePriv, commitSecret, err := tree.Encap(index, gc.GroupID, leaf, opts.SignatureKey)
	if err != nil {
		return nil, nil, err
	}
	defer zeroize(commitSecret)

	next := gc.Clone()
	next.Epoch++
	next.TreeHash = tree.RootHash()
	next.Extensions = res.Extensions.Clone()

	commit.Path, err = tree.EncryptPath(treePriv, mustMarshal(next), nil)
	if err != nil {
		return nil, nil, err
	}

	ac := AuthenticatedContent{
		WireFormat: WireFormatPublicMessage,
		Content: FramedContent{
			GroupID:           dup(gc.GroupID),
			Epoch:             gc.Epoch,
			Sender:            joiner,
			AuthenticatedData: dup(opts.AuthenticatedData),
			Commit:            commit,
		},
	}
	if err := ac.sign(suite, opts.SignatureKey, &gc); err != nil {
		return nil, nil, err
	}

	interim := interimTranscriptHash(suite, gc.ConfirmedTranscriptHash, gi.ConfirmationTag)
	next.ConfirmedTranscriptHash, err = confirmedTranscriptHash(suite, interim, ac)
	if err != nil {
		return nil, nil, err
	}

	keys := newKeyScheduleEpochFromInit(suite, res.InitSecret, commitSecret, res.PSKSecret, mustMarshal(next))
	ac.Auth.ConfirmationTag = keys.ConfirmationTag(next.ConfirmedTranscriptHash)

	pm, err := newPublicMessage(ac, nil, &gc)
	if err != nil {
		return nil, nil, err
	}

	treePriv.forgetPathSecrets()
	s := newClientState(config, suite, next, tree, treePriv, opts.SignatureKey, keys, ac.Auth.ConfirmationTag)
	s.logger().Info("joined group by external commit", zap.Bool("resync", opts.Resync))
	return &MLSMessage{Version: ProtocolVersionMLS10, PublicMessage: pm}, s, nil
}
