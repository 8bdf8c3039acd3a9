package mls

import (
	"time"
)

// proposalSource is one proposal covered by a commit, with who proposed it
type proposalSource struct {
	Proposal Proposal
	Sender   Sender
	Ref      ProposalRef
}

type commitKind uint8

const (
	memberCommit commitKind = iota
	externalCommit
	reinitCommit
)

// proposalInput is everything applyProposals looks at.  Secrets that only one
// side of the commit can compute come in through the resolver functions.
type proposalInput struct {
	Suite        Suite
	GroupContext GroupContext
	Tree         *RatchetTree
	Committer    Sender
	Proposals    []proposalSource

	// Leaf from the commit's UpdatePath, required for external commits
	ExternalLeaf *LeafNode

	AuthService AuthenticationService
	Now         time.Time

	ResolvePSK          func(id PreSharedKeyID) ([]byte, error)
	ResolveExternalInit func(kemOutput []byte) ([]byte, error)
}

type addedMember struct {
	Index      LeafIndex
	KeyPackage KeyPackage
}

type proposalResult struct {
	Kind         commitKind
	Tree         *RatchetTree
	Extensions   ExtensionList
	PathRequired bool

	PSKs      []PreSharedKeyID
	PSKSecret []byte

	// memberCommit
	Added   []addedMember
	Updated []LeafIndex
	Removed []LeafIndex

	// externalCommit
	InitSecret []byte
	NewLeaf    LeafIndex

	// reinitCommit
	ReInit *ReInitProposal
}

func (r proposalResult) addedLeaves() []LeafIndex {
	out := make([]LeafIndex, len(r.Added))
	for i, a := range r.Added {
		out[i] = a.Index
	}
	return out
}

// pathRequired reports whether a commit covering these proposals must carry an
// UpdatePath: always, unless the list is non-empty and only adds, PSKs and
// reinits.
func pathRequired(proposals []proposalSource) bool {
	if len(proposals) == 0 {
		return true
	}

	for _, p := range proposals {
		switch p.Proposal.Type() {
		case ProposalTypeAdd, ProposalTypePSK, ProposalTypeReInit:
		default:
			return true
		}
	}
	return false
}

// applyProposals validates a batch of proposals as a whole and applies it to a
// copy of the tree.  Either every proposal applies or an error is returned and
// nothing is changed.
func applyProposals(in proposalInput) (*proposalResult, error) {
	byType := map[ProposalType][]proposalSource{}
	for _, p := range in.Proposals {
		t := p.Proposal.Type()
		byType[t] = append(byType[t], p)
	}

	external := in.Committer.Type == SenderTypeNewMemberCommit
	if err := checkCommitShape(in, byType, external); err != nil {
		return nil, err
	}

	res := &proposalResult{
		Kind:         memberCommit,
		Tree:         in.Tree.Clone(),
		Extensions:   in.GroupContext.Extensions.Clone(),
		PathRequired: pathRequired(in.Proposals) || external,
		PSKs:         []PreSharedKeyID{},
		Added:        []addedMember{},
		Updated:      []LeafIndex{},
		Removed:      []LeafIndex{},
	}

	if len(byType[ProposalTypeReInit]) > 0 {
		reinit := byType[ProposalTypeReInit][0].Proposal.ReInit
		if reinit.Version < in.GroupContext.Version {
			return nil, validationError("proposals", "reinit to older protocol version %d", reinit.Version)
		}
		if !reinit.CipherSuite.Supported() {
			return nil, validationError("proposals", "reinit to unsupported suite %v", reinit.CipherSuite)
		}

		res.Kind = reinitCommit
		res.ReInit = reinit
		res.PSKSecret = computePSKSecret(in.Suite, nil)
		return res, nil
	}

	v := leafValidation{
		Suite:       in.Suite,
		GroupID:     in.GroupContext.GroupID,
		AuthService: in.AuthService,
		Now:         in.Now,
	}

	// The new extension set
	if gce := byType[ProposalTypeGroupContextExtensions]; len(gce) > 0 {
		if len(gce) > 1 {
			return nil, validationError("proposals", "%d group context extensions proposals", len(gce))
		}

		res.Extensions = gce[0].Proposal.GroupContextExtensions.Extensions.Clone()
		if err := checkExternalSenders(res.Extensions, in.AuthService); err != nil {
			return nil, err
		}
	}
	v.Extensions = res.Extensions

	// Every leaf is the target of at most one update or remove
	targeted := map[LeafIndex]bool{}
	target := func(l LeafIndex, what string) error {
		if in.Committer.Type == SenderTypeMember && l == in.Committer.Leaf() {
			return validationError("proposals", "commit would %s the committer", what)
		}
		if targeted[l] {
			return validationError("proposals", "leaf %d targeted by more than one update or remove", l)
		}
		targeted[l] = true
		return nil
	}

	for _, p := range byType[ProposalTypeUpdate] {
		if p.Sender.Type != SenderTypeMember {
			return nil, validationError("proposals", "update from non-member sender type %d", p.Sender.Type)
		}

		index := p.Sender.Leaf()
		if err := target(index, "update"); err != nil {
			return nil, err
		}
		if !res.Tree.Occupied(index) {
			return nil, validationError("proposals", "update from blank leaf %d", index)
		}

		leaf := p.Proposal.Update.LeafNode
		if err := res.Tree.validateLeafNode(v, leaf, LeafNodeSourceUpdate, index, true); err != nil {
			return nil, err
		}
		if err := res.Tree.UpdateLeaf(index, leaf.Clone()); err != nil {
			return nil, err
		}
		res.Updated = append(res.Updated, index)
	}

	for _, p := range byType[ProposalTypeRemove] {
		removed := p.Proposal.Remove.Removed
		if err := target(removed, "remove"); err != nil {
			return nil, err
		}

		if external && in.ExternalLeaf != nil {
			old := res.Tree.LeafNode(removed)
			if old == nil || !old.Credential.Equals(in.ExternalLeaf.Credential) {
				return nil, validationError("proposals", "external commit may only remove a prior appearance of the joiner")
			}
		}

		if err := res.Tree.RemoveLeaf(removed); err != nil {
			return nil, err
		}
		res.Removed = append(res.Removed, removed)
	}

	adds := byType[ProposalTypeAdd]
	for i, p := range adds {
		kp := p.Proposal.Add.KeyPackage
		if err := kp.Verify(in.Suite, in.Now); err != nil {
			return nil, err
		}

		for _, other := range adds[:i] {
			o := other.Proposal.Add.KeyPackage.LeafNode
			if o.Credential.Equals(kp.LeafNode.Credential) || o.SignatureKey.Equals(kp.LeafNode.SignatureKey) {
				return nil, validationError("proposals", "two adds for credential %v", kp.LeafNode.Credential)
			}
		}

		for _, l := range res.Tree.Leaves() {
			if res.Tree.LeafNode(l).Credential.Equals(kp.LeafNode.Credential) {
				return nil, validationError("proposals", "add duplicates existing member %d", l)
			}
		}

		index := res.Tree.nextLeaf()
		if err := res.Tree.validateLeafNode(v, kp.LeafNode, LeafNodeSourceKeyPackage, index, false); err != nil {
			return nil, err
		}
		if err := checkExtensionSupport(kp.LeafNode.Capabilities, res.Extensions); err != nil {
			return nil, err
		}

		res.Tree.AddLeaf(kp.LeafNode.Clone())
		res.Added = append(res.Added, addedMember{Index: index, KeyPackage: kp})
	}

	psks := make([]pskWithSecret, 0, len(byType[ProposalTypePSK]))
	for i, p := range byType[ProposalTypePSK] {
		id := p.Proposal.PSK.PSK
		for _, prev := range byType[ProposalTypePSK][:i] {
			if prev.Proposal.PSK.PSK.sameKey(id) {
				return nil, validationError("proposals", "duplicate PSK proposal")
			}
		}

		if len(id.PSKNonce) != in.Suite.KDF.Size() {
			return nil, validationError("proposals", "PSK nonce of %d bytes", len(id.PSKNonce))
		}

		if id.PSKType == PSKTypeResumption && id.Usage != ResumptionPSKUsageApplication {
			return nil, validationError("proposals", "resumption PSK usage %d outside reinit or branch", id.Usage)
		}

		if in.ResolvePSK == nil {
			return nil, validationError("proposals", "no PSK resolver")
		}
		secret, err := in.ResolvePSK(id)
		if err != nil {
			return nil, err
		}

		psks = append(psks, pskWithSecret{ID: id, Secret: secret})
		res.PSKs = append(res.PSKs, id)
	}
	res.PSKSecret = computePSKSecret(in.Suite, psks)

	if external {
		ei := byType[ProposalTypeExternalInit][0].Proposal.ExternalInit
		if in.ResolveExternalInit == nil {
			return nil, internalError("proposals", "no external init resolver")
		}

		initSecret, err := in.ResolveExternalInit(ei.KEMOutput)
		if err != nil {
			return nil, err
		}

		if err := checkExtensionSupport(in.ExternalLeaf.Capabilities, res.Extensions); err != nil {
			return nil, err
		}

		// The joiner's leaf is placed by the caller once its path is known
		res.Kind = externalCommit
		res.InitSecret = initSecret
		res.NewLeaf = res.Tree.nextLeaf()
	}

	// Every member of the resulting group must support the extensions
	for _, l := range res.Tree.Leaves() {
		caps := res.Tree.LeafNode(l).Capabilities
		if err := checkExtensionSupport(caps, res.Extensions); err != nil {
			return nil, err
		}
	}

	if !external && len(res.Tree.Leaves()) == 0 {
		return nil, validationError("proposals", "commit would empty the group")
	}

	return res, nil
}

// checkCommitShape enforces the rules about which proposals may appear
// together and who may send them
func checkCommitShape(in proposalInput, byType map[ProposalType][]proposalSource, external bool) error {
	if reinits := byType[ProposalTypeReInit]; len(reinits) > 0 && len(in.Proposals) != 1 {
		return validationError("proposals", "reinit must be the only proposal in a commit")
	}

	for _, p := range in.Proposals {
		if !isDefaultProposal(p.Proposal.Type()) {
			return validationError("proposals", "unsupported proposal type %d", p.Proposal.Type())
		}

		if p.Ref == nil && p.Sender != in.Committer {
			return internalError("proposals", "inline proposal attributed to another sender")
		}
	}

	if !external {
		if len(byType[ProposalTypeExternalInit]) > 0 {
			return validationError("proposals", "external init in a member commit")
		}
		if in.Committer.Type != SenderTypeMember {
			return validationError("proposals", "commit from sender type %d", in.Committer.Type)
		}
		if !in.Tree.Occupied(in.Committer.Leaf()) {
			return validationError("proposals", "commit from blank leaf %d", in.Committer.Leaf())
		}
		return nil
	}

	if in.ExternalLeaf == nil {
		return validationError("proposals", "external commit without an update path")
	}

	if len(byType[ProposalTypeExternalInit]) != 1 {
		return validationError("proposals", "external commit with %d external init proposals", len(byType[ProposalTypeExternalInit]))
	}
	if len(byType[ProposalTypeRemove]) > 1 {
		return validationError("proposals", "external commit with %d removes", len(byType[ProposalTypeRemove]))
	}

	allowed := len(byType[ProposalTypeExternalInit]) + len(byType[ProposalTypeRemove])
	if allowed != len(in.Proposals) {
		return validationError("proposals", "external commit may only carry external init and remove")
	}

	for _, p := range in.Proposals {
		if p.Ref != nil {
			return validationError("proposals", "external commit references a buffered proposal")
		}
	}
	return nil
}

// checkExtensionSupport reports whether a member understands every group
// extension and every required capability
func checkExtensionSupport(caps Capabilities, exts ExtensionList) error {
	for _, t := range exts.Types() {
		if !caps.SupportsExtension(t) {
			return validationError("proposals", "member does not support group extension %d", t)
		}
	}

	var req RequiredCapabilitiesExtension
	found, err := exts.Find(&req)
	if err != nil {
		return err
	}
	if found && !caps.SupportsRequired(req) {
		return validationError("proposals", "member does not support required capabilities")
	}
	return nil
}

func checkExternalSenders(exts ExtensionList, as AuthenticationService) error {
	var senders ExternalSendersExtension
	found, err := exts.Find(&senders)
	if err != nil || !found {
		return err
	}

	for i, s := range senders.Senders {
		if as != nil && !as.ValidateCredential(s.Credential, s.SignatureKey) {
			return validationError("proposals", "external sender %d rejected by authentication service", i)
		}
	}
	return nil
}
