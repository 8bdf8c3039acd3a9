package mls

import (
	"bytes"
	"encoding/hex"

	"go.uber.org/zap"
)

type GroupActiveState uint8

const (
	StateActive GroupActiveState = iota
	StateRemovedFromGroup
	StateSuspendedPendingReInit
)

func (s GroupActiveState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateRemovedFromGroup:
		return "removed"
	case StateSuspendedPendingReInit:
		return "pending-reinit"
	}
	return "unknown"
}

type pendingProposal struct {
	Ref      ProposalRef
	Proposal Proposal
	Sender   Sender
}

// pastEpoch is what is kept of an earlier epoch so that late application
// messages can still be read
type pastEpoch struct {
	Context GroupContext
	Tree    *RatchetTree
	Keys    *encryptionKeys
}

// Member is one occupied leaf of the group
type Member struct {
	Index        LeafIndex
	Credential   Credential
	SignatureKey SignaturePublicKey
}

// ClientState is one member's view of a group in one epoch.  Commits never
// modify a ClientState; creating or applying one returns its successor.  Only
// the proposal buffer and the current epoch's message ratchets change in place,
// so a ClientState must not be shared between goroutines.
type ClientState struct {
	config ClientConfig
	suite  Suite

	GroupContext          GroupContext
	Tree                  *RatchetTree
	Index                 LeafIndex
	InterimTranscriptHash []byte
	ActiveState           GroupActiveState
	ReInit                *ReInitProposal

	confirmationTag []byte
	treePriv        *TreeKEMPrivateKey
	sigPriv         SignaturePrivateKey
	keys            *keyScheduleEpoch
	encryption      *encryptionKeys
	past            []pastEpoch
	resumption      map[Epoch][]byte

	pending        []pendingProposal
	pendingUpdates map[string]HPKEPrivateKey
}

func newClientState(config ClientConfig, suite Suite, gc GroupContext, tree *RatchetTree, treePriv *TreeKEMPrivateKey,
	sigPriv SignaturePrivateKey, keys *keyScheduleEpoch, confirmationTag []byte) *ClientState {
	s := &ClientState{
		config:                config,
		suite:                 suite,
		GroupContext:          gc,
		Tree:                  tree,
		Index:                 treePriv.Index,
		InterimTranscriptHash: interimTranscriptHash(suite, gc.ConfirmedTranscriptHash, confirmationTag),
		ActiveState:           StateActive,
		confirmationTag:       dup(confirmationTag),
		treePriv:              treePriv,
		sigPriv:               sigPriv,
		keys:                  keys,
		past:                  []pastEpoch{},
		resumption:            map[Epoch][]byte{gc.Epoch: dup(keys.ResumptionPSK)},
		pending:               []pendingProposal{},
		pendingUpdates:        map[string]HPKEPrivateKey{},
	}

	s.encryption = &encryptionKeys{
		Suite:            suite,
		GroupID:          dup(gc.GroupID),
		Epoch:            gc.Epoch,
		SenderDataSecret: dup(keys.SenderDataSecret),
		SecretTree: NewSecretTree(suite, tree.Size(), keys.EncryptionSecret,
			config.MaximumForwardRatchetSteps, config.RetainKeysForGenerations),
	}
	return s
}

// CreateGroup starts a one-member group at epoch 0 from the creator's
// KeyPackage and its private keys
func CreateGroup(config ClientConfig, groupID []byte, kp KeyPackage, kpPriv KeyPackagePrivate, extensions ExtensionList) (*ClientState, error) {
	config = config.withDefaults()
	suite, err := config.suite(kp.CipherSuite)
	if err != nil {
		return nil, err
	}

	if err := kp.Verify(suite, config.Clock()); err != nil {
		return nil, err
	}

	if extensions.Entries == nil {
		extensions = NewExtensionList()
	}
	if err := checkExtensionSupport(kp.LeafNode.Capabilities, extensions); err != nil {
		return nil, err
	}
	if err := checkExternalSenders(extensions, config.AuthService); err != nil {
		return nil, err
	}
	if !config.AuthService.ValidateCredential(kp.LeafNode.Credential, kp.LeafNode.SignatureKey) {
		return nil, validationError("state", "creator credential rejected by authentication service")
	}

	tree := NewRatchetTree(suite)
	index := tree.AddLeaf(kp.LeafNode.Clone())

	treePriv := newTreeKEMPrivateKey(suite, index)
	treePriv.PrivateKeys[toNodeIndex(index)] = kpPriv.EncryptionKey

	gc := GroupContext{
		Version:                 ProtocolVersionMLS10,
		CipherSuite:             suite.ID,
		GroupID:                 dup(groupID),
		Epoch:                   0,
		TreeHash:                tree.RootHash(),
		ConfirmedTranscriptHash: []byte{},
		Extensions:              extensions.Clone(),
	}

	keys, err := newInitialKeyScheduleEpoch(suite, mustMarshal(gc))
	if err != nil {
		return nil, err
	}

	tag := keys.ConfirmationTag(gc.ConfirmedTranscriptHash)
	s := newClientState(config, suite, gc, tree, treePriv, kpPriv.SignatureKey, keys, tag)
	s.logger().Info("created group")
	return s, nil
}

///
/// Accessors
///

func (s *ClientState) logger() *zap.Logger {
	return s.config.Logger.With(
		zap.String("group", hex.EncodeToString(s.GroupContext.GroupID)),
		zap.Uint64("epoch", uint64(s.GroupContext.Epoch)),
		zap.Uint32("leaf", uint32(s.Index)),
	)
}

func (s *ClientState) Suite() Suite {
	return s.suite
}

func (s *ClientState) GroupID() []byte {
	return s.GroupContext.GroupID
}

func (s *ClientState) Epoch() Epoch {
	return s.GroupContext.Epoch
}

func (s *ClientState) Members() []Member {
	leaves := s.Tree.Leaves()
	out := make([]Member, len(leaves))
	for i, l := range leaves {
		leaf := s.Tree.LeafNode(l)
		out[i] = Member{Index: l, Credential: leaf.Credential, SignatureKey: dup(leaf.SignatureKey)}
	}
	return out
}

// Export derives a secret for the application from the current epoch
func (s *ClientState) Export(label string, context []byte, length int) ([]byte, error) {
	if err := s.requireActive("export"); err != nil {
		return nil, err
	}
	return s.keys.Export(label, context, length)
}

// EpochAuthenticator lets members compare out of band that they are in the
// same epoch
func (s *ClientState) EpochAuthenticator() []byte {
	if s.keys == nil {
		return nil
	}
	return dup(s.keys.EpochAuthenticator)
}

// PendingProposals lists the refs of buffered proposals in arrival order
func (s *ClientState) PendingProposals() []ProposalRef {
	out := make([]ProposalRef, len(s.pending))
	for i, p := range s.pending {
		out[i] = dup(p.Ref)
	}
	return out
}

func (s *ClientState) requireActive(op string) error {
	if s.ActiveState != StateActive {
		return usageError("state", "cannot %s in %v state", op, s.ActiveState)
	}
	return nil
}

func (s *ClientState) findPending(ref ProposalRef) (pendingProposal, bool) {
	for _, p := range s.pending {
		if bytes.Equal(p.Ref, ref) {
			return p, true
		}
	}
	return pendingProposal{}, false
}

// resolvePSK looks up the secret behind a PSK proposal
func (s *ClientState) resolvePSK(id PreSharedKeyID) ([]byte, error) {
	switch id.PSKType {
	case PSKTypeExternal:
		if psk, ok := s.config.PSKStore.PSK(id.PSKID); ok {
			return psk, nil
		}
		return nil, validationError("state", "unknown external PSK %x", id.PSKID)

	case PSKTypeResumption:
		if !bytes.Equal(id.PSKGroupID, s.GroupContext.GroupID) {
			return nil, validationError("state", "resumption PSK for another group")
		}
		if psk, ok := s.resumption[Epoch(id.PSKEpoch)]; ok {
			return psk, nil
		}
		return nil, validationError("state", "resumption PSK for epoch %d not retained", id.PSKEpoch)
	}
	return nil, validationError("state", "unknown PSK type %d", id.PSKType)
}

// successor builds the state for the epoch a commit leads to, carrying over
// the retained receive keys and resumption secrets
func (s *ClientState) successor(gc GroupContext, tree *RatchetTree, treePriv *TreeKEMPrivateKey, keys *keyScheduleEpoch, confirmationTag []byte) *ClientState {
	next := newClientState(s.config, s.suite, gc, tree, treePriv, s.sigPriv, keys, confirmationTag)

	retain := s.config.RetainKeysForEpochs
	if retain > 0 {
		next.past = append(next.past, pastEpoch{Context: s.GroupContext, Tree: s.Tree, Keys: s.encryption})
		next.past = append(next.past, s.past...)
		if len(next.past) > retain {
			next.past = next.past[:retain]
		}
	}

	for epoch, psk := range s.resumption {
		if uint64(epoch)+uint64(retain) >= uint64(gc.Epoch) {
			next.resumption[epoch] = psk
		}
	}

	return next
}

// removedState is what a member is left with after a commit removes it
func (s *ClientState) removedState(tree *RatchetTree) *ClientState {
	return &ClientState{
		config:                s.config,
		suite:                 s.suite,
		GroupContext:          s.GroupContext.Clone(),
		Tree:                  tree,
		Index:                 s.Index,
		InterimTranscriptHash: dup(s.InterimTranscriptHash),
		ActiveState:           StateRemovedFromGroup,
		past:                  []pastEpoch{},
		resumption:            map[Epoch][]byte{},
		pending:               []pendingProposal{},
		pendingUpdates:        map[string]HPKEPrivateKey{},
	}
}

// GroupInfo returns a signed GroupInfo for the current epoch.  It always
// carries the external_pub extension, so it can be used for external joins.
func (s *ClientState) GroupInfo(includeTree bool) (*GroupInfo, error) {
	if err := s.requireActive("publish group info"); err != nil {
		return nil, err
	}

	extPriv, err := s.keys.ExternalKeyPair()
	if err != nil {
		return nil, err
	}

	exts := NewExtensionList()
	if err := exts.Add(ExternalPubExtension{ExternalPub: extPriv.PublicKey}); err != nil {
		return nil, err
	}
	if includeTree {
		if err := exts.Add(RatchetTreeExtension{Tree: s.Tree}); err != nil {
			return nil, err
		}
	}

	gi := &GroupInfo{
		GroupContext:    s.GroupContext.Clone(),
		Extensions:      exts,
		ConfirmationTag: dup(s.confirmationTag),
		Signer:          s.Index,
	}
	if err := gi.sign(s.suite, s.sigPriv); err != nil {
		return nil, err
	}
	return gi, nil
}

///
/// Framing
///

func (s *ClientState) handshakeWireFormat() WireFormat {
	if s.config.EncryptHandshake {
		return WireFormatPrivateMessage
	}
	return WireFormatPublicMessage
}

func (s *ClientState) newContent(authData []byte) FramedContent {
	return FramedContent{
		GroupID:           dup(s.GroupContext.GroupID),
		Epoch:             s.GroupContext.Epoch,
		Sender:            MemberSender(s.Index),
		AuthenticatedData: dup(authData),
	}
}

func (s *ClientState) signContent(wf WireFormat, fc FramedContent) (AuthenticatedContent, error) {
	ac := AuthenticatedContent{WireFormat: wf, Content: fc}
	if err := ac.sign(s.suite, s.sigPriv, &s.GroupContext); err != nil {
		return AuthenticatedContent{}, err
	}
	return ac, nil
}

// frame puts signed content on the wire under the current epoch's keys
func (s *ClientState) frame(ac AuthenticatedContent) (*MLSMessage, error) {
	switch ac.WireFormat {
	case WireFormatPublicMessage:
		pm, err := newPublicMessage(ac, s.keys, &s.GroupContext)
		if err != nil {
			return nil, err
		}
		return &MLSMessage{Version: ProtocolVersionMLS10, PublicMessage: pm}, nil

	case WireFormatPrivateMessage:
		pm, err := s.encryption.encrypt(ac, s.config.PaddingBlockSize)
		if err != nil {
			return nil, err
		}
		return &MLSMessage{Version: ProtocolVersionMLS10, PrivateMessage: pm}, nil
	}
	return nil, internalError("state", "cannot frame wire format %d", ac.WireFormat)
}

///
/// Proposals
///

func (s *ClientState) propose(p Proposal, authData []byte) (*MLSMessage, ProposalRef, error) {
	if err := s.requireActive("propose"); err != nil {
		return nil, nil, err
	}

	fc := s.newContent(authData)
	fc.Proposal = &p
	ac, err := s.signContent(s.handshakeWireFormat(), fc)
	if err != nil {
		return nil, nil, err
	}

	ref, err := ac.ProposalRef(s.suite)
	if err != nil {
		return nil, nil, err
	}

	msg, err := s.frame(ac)
	if err != nil {
		return nil, nil, err
	}

	s.pending = append(s.pending, pendingProposal{Ref: ref, Proposal: p, Sender: fc.Sender})
	s.logger().Debug("sent proposal", zap.Stringer("type", p.Type()), zap.String("ref", hex.EncodeToString(ref)))
	return msg, ref, nil
}

func (s *ClientState) ProposeAdd(kp KeyPackage, authData []byte) (*MLSMessage, error) {
	if err := kp.Verify(s.suite, s.config.Clock()); err != nil {
		return nil, err
	}

	msg, _, err := s.propose(Proposal{Add: &AddProposal{KeyPackage: kp}}, authData)
	return msg, err
}

// ProposeUpdate proposes a fresh encryption key for the member's own leaf.
// The private key is kept until a commit covering the proposal arrives.
func (s *ClientState) ProposeUpdate(authData []byte) (*MLSMessage, error) {
	if err := s.requireActive("propose"); err != nil {
		return nil, err
	}

	encPriv, err := s.suite.NewHPKEKey()
	if err != nil {
		return nil, err
	}

	leaf := s.Tree.LeafNode(s.Index).Clone()
	leaf.EncryptionKey = encPriv.PublicKey
	leaf.Source = LeafNodeSourceUpdate
	leaf.Lifetime = Lifetime{}
	leaf.ParentHash = nil
	if err := leaf.Sign(s.suite, s.sigPriv, s.GroupContext.GroupID, s.Index); err != nil {
		return nil, err
	}

	msg, ref, err := s.propose(Proposal{Update: &UpdateProposal{LeafNode: leaf}}, authData)
	if err != nil {
		return nil, err
	}

	s.pendingUpdates[string(ref)] = encPriv
	return msg, nil
}

func (s *ClientState) ProposeRemove(removed LeafIndex, authData []byte) (*MLSMessage, error) {
	if !s.Tree.Occupied(removed) {
		return nil, usageError("state", "cannot remove blank leaf %d", removed)
	}

	msg, _, err := s.propose(Proposal{Remove: &RemoveProposal{Removed: removed}}, authData)
	return msg, err
}

func (s *ClientState) ProposePSK(id PreSharedKeyID, authData []byte) (*MLSMessage, error) {
	if _, err := s.resolvePSK(id); err != nil {
		return nil, err
	}

	msg, _, err := s.propose(Proposal{PSK: &PreSharedKeyProposal{PSK: id}}, authData)
	return msg, err
}

func (s *ClientState) ProposeReInit(groupID []byte, cs CipherSuite, extensions ExtensionList, authData []byte) (*MLSMessage, error) {
	p := Proposal{ReInit: &ReInitProposal{
		GroupID:     dup(groupID),
		Version:     ProtocolVersionMLS10,
		CipherSuite: cs,
		Extensions:  extensions.Clone(),
	}}

	msg, _, err := s.propose(p, authData)
	return msg, err
}

func (s *ClientState) ProposeGroupContextExtensions(extensions ExtensionList, authData []byte) (*MLSMessage, error) {
	p := Proposal{GroupContextExtensions: &GroupContextExtensionsProposal{Extensions: extensions.Clone()}}
	msg, _, err := s.propose(p, authData)
	return msg, err
}

///
/// Application data
///

// Protect encrypts application data for the group in the current epoch
func (s *ClientState) Protect(data, authData []byte) (*MLSMessage, error) {
	if err := s.requireActive("protect"); err != nil {
		return nil, err
	}

	fc := s.newContent(authData)
	fc.Application = dup(data)
	if fc.Application == nil {
		fc.Application = []byte{}
	}

	ac, err := s.signContent(WireFormatPrivateMessage, fc)
	if err != nil {
		return nil, err
	}
	return s.frame(ac)
}

// Unprotect is ProcessMessage for callers that only expect application data
func (s *ClientState) Unprotect(msg *MLSMessage) ([]byte, error) {
	if msg.PrivateMessage == nil || msg.PrivateMessage.ContentType != ContentTypeApplication {
		return nil, usageError("state", "not an application message")
	}

	res, err := s.ProcessMessage(msg)
	if err != nil {
		return nil, err
	}
	return res.ApplicationData, nil
}

///
/// Receiving
///

// ProcessResult describes what a processed message was.  Exactly one of
// ApplicationData, Proposal and State is set.
type ProcessResult struct {
	Sender            Sender
	Epoch             Epoch
	AuthenticatedData []byte

	ApplicationData []byte

	Proposal    *Proposal
	ProposalRef ProposalRef

	// The state for the next epoch, after a commit
	State *ClientState
}

// ProcessMessage verifies and applies a PublicMessage or PrivateMessage.
// Proposals are buffered in this state; commits return the successor state
// and leave this one unchanged.
func (s *ClientState) ProcessMessage(msg *MLSMessage) (*ProcessResult, error) {
	res, err := s.processMessage(msg)
	if err != nil {
		s.logger().Warn("rejected message", zap.Error(err))
		return nil, err
	}
	return res, nil
}

func (s *ClientState) processMessage(msg *MLSMessage) (*ProcessResult, error) {
	if err := s.requireActive("process messages"); err != nil {
		return nil, err
	}

	var ac AuthenticatedContent
	var rk *receivedKey
	var err error
	gc, tree := &s.GroupContext, s.Tree

	switch {
	case msg.PublicMessage != nil:
		ac, err = s.openPublic(msg.PublicMessage)
	case msg.PrivateMessage != nil:
		ac, gc, tree, rk, err = s.openPrivate(msg.PrivateMessage)
	default:
		return nil, usageError("state", "only public and private messages can be processed")
	}
	if err != nil {
		return nil, err
	}
	defer rk.discard()

	key, err := signerKey(ac, gc, tree)
	if err != nil {
		return nil, err
	}
	if err := ac.verify(s.suite, key, gc); err != nil {
		return nil, err
	}
	rk.commit()

	fc := ac.Content
	res := &ProcessResult{
		Sender:            fc.Sender,
		Epoch:             fc.Epoch,
		AuthenticatedData: dup(fc.AuthenticatedData),
	}

	switch fc.ContentType() {
	case ContentTypeApplication:
		res.ApplicationData = fc.Application

	case ContentTypeProposal:
		if fc.Proposal.Type() == ProposalTypeExternalInit {
			return nil, validationError("state", "external init outside a commit")
		}

		ref, err := ac.ProposalRef(s.suite)
		if err != nil {
			return nil, err
		}

		if _, known := s.findPending(ref); !known {
			s.pending = append(s.pending, pendingProposal{Ref: ref, Proposal: *fc.Proposal, Sender: fc.Sender})
		}
		res.Proposal = fc.Proposal
		res.ProposalRef = ref
		s.logger().Debug("buffered proposal", zap.Stringer("type", fc.Proposal.Type()), zap.Uint32("sender", fc.Sender.Index))

	case ContentTypeCommit:
		next, err := s.applyCommit(ac)
		if err != nil {
			return nil, err
		}
		res.State = next
	}

	return res, nil
}

func (s *ClientState) openPublic(pm *PublicMessage) (AuthenticatedContent, error) {
	fc := pm.Content
	if !bytes.Equal(fc.GroupID, s.GroupContext.GroupID) {
		return AuthenticatedContent{}, validationError("state", "message for another group")
	}
	if fc.Epoch != s.GroupContext.Epoch {
		return AuthenticatedContent{}, validationError("state", "public message for epoch %d", fc.Epoch)
	}
	if fc.ContentType() == ContentTypeApplication {
		return AuthenticatedContent{}, validationError("state", "application data in a public message")
	}

	if fc.Sender.Type == SenderTypeMember {
		if !s.Tree.Occupied(fc.Sender.Leaf()) {
			return AuthenticatedContent{}, validationError("state", "message from blank leaf %d", fc.Sender.Index)
		}
		if err := pm.verifyMembershipTag(s.keys, &s.GroupContext); err != nil {
			return AuthenticatedContent{}, err
		}
	}

	return pm.authenticatedContent(), nil
}

// openPrivate decrypts with the keys of the message's epoch.  Only application
// messages are accepted from retained past epochs.
func (s *ClientState) openPrivate(pm *PrivateMessage) (AuthenticatedContent, *GroupContext, *RatchetTree, *receivedKey, error) {
	if !bytes.Equal(pm.GroupID, s.GroupContext.GroupID) {
		return AuthenticatedContent{}, nil, nil, nil, validationError("state", "message for another group")
	}

	keys, gc, tree := s.encryption, &s.GroupContext, s.Tree
	if pm.Epoch != s.GroupContext.Epoch {
		if pm.ContentType != ContentTypeApplication {
			return AuthenticatedContent{}, nil, nil, nil, validationError("state", "%v message for epoch %d", pm.ContentType, pm.Epoch)
		}

		found := false
		for i := range s.past {
			if s.past[i].Context.Epoch == pm.Epoch {
				keys, gc, tree = s.past[i].Keys, &s.past[i].Context, s.past[i].Tree
				found = true
				break
			}
		}
		if !found {
			return AuthenticatedContent{}, nil, nil, nil, validationError("state", "keys for epoch %d not available", pm.Epoch)
		}
	}

	ac, rk, err := keys.decrypt(pm, tree.Occupied)
	if err != nil {
		return AuthenticatedContent{}, nil, nil, nil, err
	}
	return ac, gc, tree, rk, nil
}

// signerKey finds the key a message must be signed with, according to its
// sender type
func signerKey(ac AuthenticatedContent, gc *GroupContext, tree *RatchetTree) (SignaturePublicKey, error) {
	sender := ac.Content.Sender
	switch sender.Type {
	case SenderTypeMember:
		leaf := tree.LeafNode(sender.Leaf())
		if leaf == nil {
			return nil, validationError("state", "message from blank leaf %d", sender.Index)
		}
		return leaf.SignatureKey, nil

	case SenderTypeExternal:
		if ac.Content.Proposal == nil {
			return nil, validationError("state", "external sender may only send proposals")
		}

		var senders ExternalSendersExtension
		found, err := gc.Extensions.Find(&senders)
		if err != nil {
			return nil, err
		}
		if !found || int(sender.Index) >= len(senders.Senders) {
			return nil, validationError("state", "unknown external sender %d", sender.Index)
		}
		return senders.Senders[sender.Index].SignatureKey, nil

	case SenderTypeNewMemberProposal:
		p := ac.Content.Proposal
		if p == nil || p.Add == nil {
			return nil, validationError("state", "new member may only propose to add itself")
		}
		return p.Add.KeyPackage.LeafNode.SignatureKey, nil

	case SenderTypeNewMemberCommit:
		c := ac.Content.Commit
		if c == nil || c.Path == nil {
			return nil, validationError("state", "new member commit without an update path")
		}
		return c.Path.LeafNode.SignatureKey, nil
	}

	return nil, validationError("state", "unknown sender type %d", sender.Type)
}
