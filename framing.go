package mls

import (
	"crypto/hmac"

	"golang.org/x/crypto/cryptobyte"
)

// struct {
//     opaque group_id<V>;
//     uint64 epoch;
//     Sender sender;
//     opaque authenticated_data<V>;
//
//     ContentType content_type;
//     select (FramedContent.content_type) {
//         case application:
//           opaque application_data<V>;
//         case proposal:
//           Proposal proposal;
//         case commit:
//           Commit commit;
//     };
// } FramedContent;
//
// Exactly one of Application, Proposal and Commit is set.
type FramedContent struct {
	GroupID           []byte
	Epoch             Epoch
	Sender            Sender
	AuthenticatedData []byte

	Application []byte
	Proposal    *Proposal
	Commit      *Commit
}

func (fc FramedContent) ContentType() ContentType {
	switch {
	case fc.Proposal != nil:
		return ContentTypeProposal
	case fc.Commit != nil:
		return ContentTypeCommit
	}
	return ContentTypeApplication
}

func (fc FramedContent) marshalBody(b *cryptobyte.Builder) {
	switch fc.ContentType() {
	case ContentTypeApplication:
		writeOpaque(b, fc.Application)
	case ContentTypeProposal:
		fc.Proposal.marshal(b)
	case ContentTypeCommit:
		fc.Commit.marshal(b)
	}
}

func (fc *FramedContent) unmarshalBody(d *decoder, ct ContentType) {
	fc.Application, fc.Proposal, fc.Commit = nil, nil, nil
	switch ct {
	case ContentTypeApplication:
		fc.Application = d.readOpaque()
		if fc.Application == nil && d.ok() {
			fc.Application = []byte{}
		}
	case ContentTypeProposal:
		fc.Proposal = new(Proposal)
		fc.Proposal.unmarshal(d)
	case ContentTypeCommit:
		fc.Commit = new(Commit)
		fc.Commit.unmarshal(d)
	default:
		if d.ok() {
			d.malformed("invalid content type %d", ct)
		}
	}
}

func (fc FramedContent) marshal(b *cryptobyte.Builder) {
	writeOpaque(b, fc.GroupID)
	b.AddUint64(uint64(fc.Epoch))
	fc.Sender.marshal(b)
	writeOpaque(b, fc.AuthenticatedData)
	b.AddUint8(uint8(fc.ContentType()))
	fc.marshalBody(b)
}

func (fc *FramedContent) unmarshal(d *decoder) {
	fc.GroupID = d.readOpaque()
	fc.Epoch = Epoch(d.readUint64())
	fc.Sender.unmarshal(d)
	fc.AuthenticatedData = d.readOpaque()
	fc.unmarshalBody(d, ContentType(d.readUint8()))
}

// struct {
//     opaque signature<V>;
//     select (FramedContent.content_type) {
//         case commit:
//             MAC confirmation_tag;
//         case application:
//         case proposal:
//             struct{};
//     };
// } FramedContentAuthData;
type FramedContentAuthData struct {
	Signature       []byte
	ConfirmationTag []byte
}

func (a FramedContentAuthData) marshal(b *cryptobyte.Builder, ct ContentType) {
	writeOpaque(b, a.Signature)
	if ct == ContentTypeCommit {
		writeOpaque(b, a.ConfirmationTag)
	}
}

func (a *FramedContentAuthData) unmarshal(d *decoder, ct ContentType) {
	a.Signature = d.readOpaque()
	a.ConfirmationTag = nil
	if ct == ContentTypeCommit {
		a.ConfirmationTag = d.readOpaque()
	}
}

// AuthenticatedContent is a FramedContent together with its authentication
// data and the wire format it was (or will be) sent in.
//
// struct {
//     WireFormat wire_format;
//     FramedContent content;
//     FramedContentAuthData auth;
// } AuthenticatedContent;
type AuthenticatedContent struct {
	WireFormat WireFormat
	Content    FramedContent
	Auth       FramedContentAuthData
}

func (ac AuthenticatedContent) marshal(b *cryptobyte.Builder) {
	b.AddUint16(uint16(ac.WireFormat))
	ac.Content.marshal(b)
	ac.Auth.marshal(b, ac.Content.ContentType())
}

func (ac *AuthenticatedContent) unmarshal(d *decoder) {
	ac.WireFormat = WireFormat(d.readUint16())
	ac.Content.unmarshal(d)
	ac.Auth.unmarshal(d, ac.Content.ContentType())
}

// struct {
//     ProtocolVersion version = mls10;
//     WireFormat wire_format;
//     FramedContent content;
//     select (FramedContentTBS.content.sender.sender_type) {
//         case member:
//         case new_member_commit:
//             GroupContext context;
//         case external:
//         case new_member_proposal:
//             struct{};
//     };
// } FramedContentTBS;
func (ac AuthenticatedContent) marshalTBS(b *cryptobyte.Builder, gc *GroupContext) {
	b.AddUint16(uint16(ProtocolVersionMLS10))
	b.AddUint16(uint16(ac.WireFormat))
	ac.Content.marshal(b)
	switch ac.Content.Sender.Type {
	case SenderTypeMember, SenderTypeNewMemberCommit:
		if gc == nil {
			b.SetError(internalError("framing", "group context required for sender type %d", ac.Content.Sender.Type))
			return
		}
		gc.marshal(b)
	}
}

func (ac AuthenticatedContent) toBeSigned(gc *GroupContext) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	ac.marshalTBS(b, gc)
	return b.Bytes()
}

func (ac *AuthenticatedContent) sign(suite Suite, priv SignaturePrivateKey, gc *GroupContext) error {
	tbs, err := ac.toBeSigned(gc)
	if err != nil {
		return classify(err, ErrInternal, "framing", "content to be signed")
	}

	sig, err := suite.signWithLabel(priv, "FramedContentTBS", tbs)
	if err != nil {
		return err
	}

	ac.Auth.Signature = sig
	return nil
}

func (ac AuthenticatedContent) verify(suite Suite, pub SignaturePublicKey, gc *GroupContext) error {
	tbs, err := ac.toBeSigned(gc)
	if err != nil {
		return classify(err, ErrInternal, "framing", "content to be signed")
	}

	if !suite.verifyWithLabel(pub, "FramedContentTBS", tbs, ac.Auth.Signature) {
		return verifyError("framing", "invalid signature from %v sender %d", ac.Content.Sender.Type, ac.Content.Sender.Index)
	}
	return nil
}

// struct {
//     FramedContentTBS content_tbs;
//     FramedContentAuthData auth;
// } AuthenticatedContentTBM;
func (ac AuthenticatedContent) toBeMACed(gc *GroupContext) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	ac.marshalTBS(b, gc)
	ac.Auth.marshal(b, ac.Content.ContentType())
	return b.Bytes()
}

// ProposalRef is the content address under which a proposal is buffered
func (ac AuthenticatedContent) ProposalRef(suite Suite) (ProposalRef, error) {
	data, err := Marshal(ac)
	if err != nil {
		return nil, err
	}
	return suite.refHash("MLS 1.0 Proposal Reference", data), nil
}

///
/// Transcript hashes
///

// struct {
//     WireFormat wire_format;
//     FramedContent content; /* with content_type == commit */
//     opaque signature<V>;
// } ConfirmedTranscriptHashInput;
func confirmedTranscriptHash(suite Suite, interim []byte, ac AuthenticatedContent) ([]byte, error) {
	if ac.Content.Commit == nil {
		return nil, internalError("framing", "transcript hash over non-commit content")
	}

	b := cryptobyte.NewBuilder(nil)
	b.AddBytes(interim)
	b.AddUint16(uint16(ac.WireFormat))
	ac.Content.marshal(b)
	writeOpaque(b, ac.Auth.Signature)
	data, err := b.Bytes()
	if err != nil {
		return nil, classify(err, ErrCodec, "framing", "transcript hash input")
	}
	return suite.Digest(data), nil
}

// struct {
//     MAC confirmation_tag;
// } InterimTranscriptHashInput;
func interimTranscriptHash(suite Suite, confirmed, confirmationTag []byte) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddBytes(confirmed)
	writeOpaque(b, confirmationTag)
	return suite.Digest(b.BytesOrPanic())
}

///
/// PublicMessage
///

// struct {
//     FramedContent content;
//     FramedContentAuthData auth;
//     select (PublicMessage.content.sender.sender_type) {
//         case member:
//             MAC membership_tag;
//         case external:
//         case new_member_commit:
//         case new_member_proposal:
//             struct{};
//     };
// } PublicMessage;
type PublicMessage struct {
	Content       FramedContent
	Auth          FramedContentAuthData
	MembershipTag []byte
}

func (pm PublicMessage) marshal(b *cryptobyte.Builder) {
	pm.Content.marshal(b)
	pm.Auth.marshal(b, pm.Content.ContentType())
	if pm.Content.Sender.Type == SenderTypeMember {
		writeOpaque(b, pm.MembershipTag)
	}
}

func (pm *PublicMessage) unmarshal(d *decoder) {
	pm.Content.unmarshal(d)
	pm.Auth.unmarshal(d, pm.Content.ContentType())
	pm.MembershipTag = nil
	if pm.Content.Sender.Type == SenderTypeMember {
		pm.MembershipTag = d.readOpaque()
	}
}

func (pm PublicMessage) authenticatedContent() AuthenticatedContent {
	return AuthenticatedContent{
		WireFormat: WireFormatPublicMessage,
		Content:    pm.Content,
		Auth:       pm.Auth,
	}
}

// newPublicMessage frames signed content for the wire, adding a membership tag
// for member senders.
func newPublicMessage(ac AuthenticatedContent, keys *keyScheduleEpoch, gc *GroupContext) (*PublicMessage, error) {
	if ac.WireFormat != WireFormatPublicMessage {
		return nil, internalError("framing", "wire format %d framed as public message", ac.WireFormat)
	}

	pm := &PublicMessage{Content: ac.Content, Auth: ac.Auth}
	if ac.Content.Sender.Type != SenderTypeMember {
		return pm, nil
	}

	tbm, err := ac.toBeMACed(gc)
	if err != nil {
		return nil, classify(err, ErrInternal, "framing", "content to be MACed")
	}
	pm.MembershipTag = keys.MembershipTag(tbm)
	return pm, nil
}

// verifyMembershipTag checks the tag of a member-sent PublicMessage
func (pm PublicMessage) verifyMembershipTag(keys *keyScheduleEpoch, gc *GroupContext) error {
	if pm.Content.Sender.Type != SenderTypeMember {
		return nil
	}

	tbm, err := pm.authenticatedContent().toBeMACed(gc)
	if err != nil {
		return classify(err, ErrInternal, "framing", "content to be MACed")
	}

	if !hmac.Equal(keys.MembershipTag(tbm), pm.MembershipTag) {
		return verifyError("framing", "membership tag mismatch")
	}
	return nil
}
