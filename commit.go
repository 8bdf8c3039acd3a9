package mls

import (
	"crypto/hmac"

	"go.uber.org/zap"
)

type CommitOptions struct {
	// Proposals sent inline, in addition to the buffered ones
	Proposals []Proposal

	// Include an UpdatePath even when the proposals do not require one
	ForcePath bool

	AuthenticatedData []byte
}

// CommitResult holds everything a commit produces.  Message goes to the
// current members, Welcome (if anyone was added) to the new ones, and
// GroupInfo may be published for external joiners.
type CommitResult struct {
	Message   *MLSMessage
	Welcome   *Welcome
	GroupInfo *GroupInfo
	State     *ClientState
}

// committable picks the buffered proposals this member can commit, followed by
// the inline ones.  A reinit displaces everything else.  Buffered proposals
// are taken in arrival order, skipping any that would make the set invalid
// together with those already taken and the inline ones.
func (s *ClientState) committable(inline []Proposal) []proposalSource {
	me := MemberSender(s.Index)

	for i := range inline {
		if inline[i].ReInit != nil {
			return []proposalSource{{Proposal: inline[i], Sender: me}}
		}
	}
	for _, p := range s.pending {
		if p.Proposal.ReInit != nil {
			return []proposalSource{{Proposal: p.Proposal, Sender: p.Sender, Ref: p.Ref}}
		}
	}

	inlineSources := make([]proposalSource, len(inline))
	for i, p := range inline {
		inlineSources[i] = proposalSource{Proposal: p, Sender: me}
	}

	out := []proposalSource{}
	for _, p := range s.pending {
		src := proposalSource{Proposal: p.Proposal, Sender: p.Sender, Ref: p.Ref}

		candidate := make([]proposalSource, 0, len(out)+1+len(inlineSources))
		candidate = append(candidate, out...)
		candidate = append(candidate, src)
		candidate = append(candidate, inlineSources...)
		if _, err := applyProposals(s.proposalInput(candidate)); err != nil {
			s.logger().Debug("leaving proposal out of commit",
				zap.Stringer("type", p.Proposal.Type()),
				zap.Uint32("sender", p.Sender.Index),
				zap.Error(err))
			continue
		}

		out = append(out, src)
	}

	return append(out, inlineSources...)
}

func (s *ClientState) proposalInput(sources []proposalSource) proposalInput {
	return proposalInput{
		Suite:        s.suite,
		GroupContext: s.GroupContext,
		Tree:         s.Tree,
		Committer:    MemberSender(s.Index),
		Proposals:    sources,
		AuthService:  s.config.AuthService,
		Now:          s.config.Clock(),
		ResolvePSK:   s.resolvePSK,
	}
}

// CreateCommit commits the buffered and inline proposals and derives the next
// epoch.  This state is not changed apart from its handshake ratchet.
func (s *ClientState) CreateCommit(opts CommitOptions) (*CommitResult, error) {
	if err := s.requireActive("commit"); err != nil {
		return nil, err
	}

	sources := s.committable(opts.Proposals)
	res, err := applyProposals(s.proposalInput(sources))
	if err != nil {
		return nil, err
	}

	commit := &Commit{Proposals: make([]ProposalOrRef, len(sources))}
	for i, src := range sources {
		if src.Ref != nil {
			commit.Proposals[i] = ProposalOrRef{Reference: dup(src.Ref)}
		} else {
			p := src.Proposal
			commit.Proposals[i] = ProposalOrRef{Proposal: &p}
		}
	}

	tree := res.Tree
	withPath := res.PathRequired || opts.ForcePath

	var treePriv *TreeKEMPrivateKey
	var commitSecret []byte
	if withPath {
		leaf := tree.LeafNode(s.Index).Clone()
		treePriv, commitSecret, err = tree.Encap(s.Index, s.GroupContext.GroupID, leaf, s.sigPriv)
		if err != nil {
			return nil, err
		}
		defer zeroize(commitSecret)
	} else {
		treePriv = s.treePriv.Clone()
		treePriv.prune(tree)
	}

	next := s.GroupContext.Clone()
	next.Epoch++
	next.TreeHash = tree.RootHash()
	next.Extensions = res.Extensions.Clone()

	if withPath {
		commit.Path, err = tree.EncryptPath(treePriv, mustMarshal(next), res.addedLeaves())
		if err != nil {
			return nil, err
		}
	}

	fc := s.newContent(opts.AuthenticatedData)
	fc.Commit = commit
	ac, err := s.signContent(s.handshakeWireFormat(), fc)
	if err != nil {
		return nil, err
	}

	next.ConfirmedTranscriptHash, err = confirmedTranscriptHash(s.suite, s.InterimTranscriptHash, ac)
	if err != nil {
		return nil, err
	}

	keys := s.keys.Next(commitSecret, res.PSKSecret, mustMarshal(next))
	ac.Auth.ConfirmationTag = keys.ConfirmationTag(next.ConfirmedTranscriptHash)

	msg, err := s.frame(ac)
	if err != nil {
		return nil, err
	}

	ns := s.successor(next, tree, treePriv, keys, ac.Auth.ConfirmationTag)
	if res.Kind == reinitCommit {
		ns.ActiveState = StateSuspendedPendingReInit
		ns.ReInit = res.ReInit
	}

	result := &CommitResult{Message: msg, State: ns}
	if res.Kind != reinitCommit {
		if result.GroupInfo, err = ns.GroupInfo(true); err != nil {
			return nil, err
		}
	}

	if len(res.Added) > 0 {
		result.Welcome, err = ns.welcome(res, withPath)
		if err != nil {
			return nil, err
		}
	}

	treePriv.forgetPathSecrets()
	ns.logger().Info("created commit",
		zap.Int("proposals", len(sources)),
		zap.Bool("path", withPath),
		zap.Int("added", len(res.Added)),
		zap.Int("removed", len(res.Removed)))
	return result, nil
}

// welcome builds the Welcome for the members a commit added.  It runs on the
// new epoch's state, before the committer's path secrets are dropped.
func (s *ClientState) welcome(res *proposalResult, withPath bool) (*Welcome, error) {
	gi, err := s.GroupInfo(s.config.IncludeRatchetTreeInWelcome)
	if err != nil {
		return nil, err
	}

	w, err := newWelcome(s.suite, s.keys.WelcomeSecret, *gi)
	if err != nil {
		return nil, err
	}

	for _, a := range res.Added {
		gs := GroupSecrets{
			JoinerSecret: s.keys.JoinerSecret,
			PSKs:         res.PSKs,
		}

		if withPath {
			_, secret, ok := s.treePriv.SharedPathSecret(a.Index)
			if !ok {
				return nil, internalError("state", "no path secret shared with new leaf %d", a.Index)
			}
			gs.PathSecret = secret
		}

		if err := w.encryptTo(s.suite, a.KeyPackage, gs); err != nil {
			return nil, err
		}
	}

	return w, nil
}

// applyCommit processes a commit from another member or an external joiner.
// The signature has already been checked.
func (s *ClientState) applyCommit(ac AuthenticatedContent) (*ClientState, error) {
	commit := ac.Content.Commit
	sender := ac.Content.Sender
	if sender.Type == SenderTypeMember && sender.Leaf() == s.Index {
		return nil, usageError("state", "own commit; use the state returned by CreateCommit")
	}

	sources := make([]proposalSource, 0, len(commit.Proposals))
	for _, por := range commit.Proposals {
		if por.Proposal != nil {
			sources = append(sources, proposalSource{Proposal: *por.Proposal, Sender: sender})
			continue
		}

		p, ok := s.findPending(por.Reference)
		if !ok {
			return nil, validationError("state", "commit references unknown proposal")
		}
		sources = append(sources, proposalSource{Proposal: p.Proposal, Sender: p.Sender, Ref: p.Ref})
	}

	in := proposalInput{
		Suite:        s.suite,
		GroupContext: s.GroupContext,
		Tree:         s.Tree,
		Committer:    sender,
		Proposals:    sources,
		AuthService:  s.config.AuthService,
		Now:          s.config.Clock(),
		ResolvePSK:   s.resolvePSK,
	}

	if sender.Type == SenderTypeNewMemberCommit {
		if commit.Path != nil {
			leaf := commit.Path.LeafNode
			in.ExternalLeaf = &leaf
		}
		in.ResolveExternalInit = func(kemOutput []byte) ([]byte, error) {
			priv, err := s.keys.ExternalKeyPair()
			if err != nil {
				return nil, err
			}
			return importExternalInitSecret(s.suite, priv, kemOutput)
		}
	}

	res, err := applyProposals(in)
	if err != nil {
		return nil, err
	}

	if res.PathRequired && commit.Path == nil {
		return nil, validationError("state", "commit is missing a required update path")
	}

	tree := res.Tree
	for _, r := range res.Removed {
		if r == s.Index {
			s.logger().Info("removed from group", zap.Uint32("committer", sender.Index))
			return s.removedState(tree), nil
		}
	}

	v := leafValidation{
		Suite:       s.suite,
		GroupID:     s.GroupContext.GroupID,
		Extensions:  res.Extensions,
		AuthService: s.config.AuthService,
		Now:         s.config.Clock(),
	}

	committer := sender.Leaf()
	if res.Kind == externalCommit {
		committer = res.NewLeaf
		if err := tree.validateLeafNode(v, commit.Path.LeafNode, LeafNodeSourceCommit, committer, false); err != nil {
			return nil, err
		}
		if index := tree.AddLeaf(commit.Path.LeafNode.Clone()); index != committer {
			return nil, internalError("state", "external joiner placed at %d, expected %d", index, committer)
		}
	} else if commit.Path != nil {
		if err := tree.validateLeafNode(v, commit.Path.LeafNode, LeafNodeSourceCommit, committer, true); err != nil {
			return nil, err
		}
	}

	if commit.Path != nil {
		if err := tree.MergePath(committer, *commit.Path); err != nil {
			return nil, err
		}
	}

	next := s.GroupContext.Clone()
	next.Epoch++
	next.TreeHash = tree.RootHash()
	next.Extensions = res.Extensions.Clone()

	treePriv := s.treePriv.Clone()
	for _, src := range sources {
		if src.Proposal.Update == nil || src.Sender != MemberSender(s.Index) {
			continue
		}

		key, ok := s.pendingUpdates[string(src.Ref)]
		if !ok {
			return nil, internalError("state", "no private key for own update")
		}
		treePriv.PrivateKeys[toNodeIndex(s.Index)] = key
	}

	var commitSecret []byte
	if commit.Path != nil {
		treePriv, commitSecret, err = treePriv.Decap(tree, committer, mustMarshal(next), *commit.Path, res.addedLeaves())
		if err != nil {
			return nil, err
		}
		defer zeroize(commitSecret)
	} else {
		treePriv.prune(tree)
	}

	confirmed, err := confirmedTranscriptHash(s.suite, s.InterimTranscriptHash, ac)
	if err != nil {
		return nil, err
	}
	next.ConfirmedTranscriptHash = confirmed

	var keys *keyScheduleEpoch
	if res.Kind == externalCommit {
		keys = newKeyScheduleEpochFromInit(s.suite, res.InitSecret, commitSecret, res.PSKSecret, mustMarshal(next))
	} else {
		keys = s.keys.Next(commitSecret, res.PSKSecret, mustMarshal(next))
	}

	if !hmac.Equal(keys.ConfirmationTag(confirmed), ac.Auth.ConfirmationTag) {
		keys.erase()
		return nil, verifyError("state", "confirmation tag mismatch")
	}

	ns := s.successor(next, tree, treePriv, keys, ac.Auth.ConfirmationTag)
	if res.Kind == reinitCommit {
		ns.ActiveState = StateSuspendedPendingReInit
		ns.ReInit = res.ReInit
	}

	ns.logger().Info("applied commit",
		zap.Uint8("sender_type", uint8(sender.Type)),
		zap.Uint32("committer", uint32(committer)),
		zap.Int("added", len(res.Added)),
		zap.Int("removed", len(res.Removed)),
		zap.Stringer("state", ns.ActiveState))
	return ns, nil
}
