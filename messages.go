package mls

import (
	"bytes"

	"golang.org/x/crypto/cryptobyte"
)

type Epoch uint64

///
/// Proposals
///

type ProposalType uint16

const (
	ProposalTypeAdd                    ProposalType = 0x0001
	ProposalTypeUpdate                 ProposalType = 0x0002
	ProposalTypeRemove                 ProposalType = 0x0003
	ProposalTypePSK                    ProposalType = 0x0004
	ProposalTypeReInit                 ProposalType = 0x0005
	ProposalTypeExternalInit           ProposalType = 0x0006
	ProposalTypeGroupContextExtensions ProposalType = 0x0007
)

func isDefaultProposal(t ProposalType) bool {
	return t >= ProposalTypeAdd && t <= ProposalTypeGroupContextExtensions
}

func (pt ProposalType) String() string {
	switch pt {
	case ProposalTypeAdd:
		return "add"
	case ProposalTypeUpdate:
		return "update"
	case ProposalTypeRemove:
		return "remove"
	case ProposalTypePSK:
		return "psk"
	case ProposalTypeReInit:
		return "reinit"
	case ProposalTypeExternalInit:
		return "external_init"
	case ProposalTypeGroupContextExtensions:
		return "group_context_extensions"
	}
	return "unknown"
}

// struct {
//     KeyPackage key_package;
// } Add;
type AddProposal struct {
	KeyPackage KeyPackage
}

// struct {
//     LeafNode leaf_node;
// } Update;
type UpdateProposal struct {
	LeafNode LeafNode
}

// struct {
//     uint32 removed;
// } Remove;
type RemoveProposal struct {
	Removed LeafIndex
}

// struct {
//     PreSharedKeyID psk;
// } PreSharedKey;
type PreSharedKeyProposal struct {
	PSK PreSharedKeyID
}

// struct {
//     opaque group_id<V>;
//     ProtocolVersion version;
//     CipherSuite cipher_suite;
//     Extension extensions<V>;
// } ReInit;
type ReInitProposal struct {
	GroupID     []byte
	Version     ProtocolVersion
	CipherSuite CipherSuite
	Extensions  ExtensionList
}

// struct {
//     opaque kem_output<V>;
// } ExternalInit;
type ExternalInitProposal struct {
	KEMOutput []byte
}

// struct {
//     Extension extensions<V>;
// } GroupContextExtensions;
type GroupContextExtensionsProposal struct {
	Extensions ExtensionList
}

// struct {
//     ProposalType proposal_type;
//     select (Proposal.proposal_type) {
//         case add:                      Add;
//         case update:                   Update;
//         case remove:                   Remove;
//         case psk:                      PreSharedKey;
//         case reinit:                   ReInit;
//         case external_init:            ExternalInit;
//         case group_context_extensions: GroupContextExtensions;
//     };
// } Proposal;
//
// Exactly one field is set.
type Proposal struct {
	Add                    *AddProposal
	Update                 *UpdateProposal
	Remove                 *RemoveProposal
	PSK                    *PreSharedKeyProposal
	ReInit                 *ReInitProposal
	ExternalInit           *ExternalInitProposal
	GroupContextExtensions *GroupContextExtensionsProposal
}

func (p Proposal) Type() ProposalType {
	switch {
	case p.Add != nil:
		return ProposalTypeAdd
	case p.Update != nil:
		return ProposalTypeUpdate
	case p.Remove != nil:
		return ProposalTypeRemove
	case p.PSK != nil:
		return ProposalTypePSK
	case p.ReInit != nil:
		return ProposalTypeReInit
	case p.ExternalInit != nil:
		return ProposalTypeExternalInit
	case p.GroupContextExtensions != nil:
		return ProposalTypeGroupContextExtensions
	}
	panic(internalError("messages", "empty proposal"))
}

func (p Proposal) marshal(b *cryptobyte.Builder) {
	b.AddUint16(uint16(p.Type()))
	switch {
	case p.Add != nil:
		p.Add.KeyPackage.marshal(b)
	case p.Update != nil:
		p.Update.LeafNode.marshal(b)
	case p.Remove != nil:
		b.AddUint32(uint32(p.Remove.Removed))
	case p.PSK != nil:
		p.PSK.PSK.marshal(b)
	case p.ReInit != nil:
		writeOpaque(b, p.ReInit.GroupID)
		b.AddUint16(uint16(p.ReInit.Version))
		b.AddUint16(uint16(p.ReInit.CipherSuite))
		p.ReInit.Extensions.marshal(b)
	case p.ExternalInit != nil:
		writeOpaque(b, p.ExternalInit.KEMOutput)
	case p.GroupContextExtensions != nil:
		p.GroupContextExtensions.Extensions.marshal(b)
	}
}

func (p *Proposal) unmarshal(d *decoder) {
	*p = Proposal{}
	switch t := ProposalType(d.readUint16()); t {
	case ProposalTypeAdd:
		p.Add = new(AddProposal)
		p.Add.KeyPackage.unmarshal(d)
	case ProposalTypeUpdate:
		p.Update = new(UpdateProposal)
		p.Update.LeafNode.unmarshal(d)
	case ProposalTypeRemove:
		p.Remove = &RemoveProposal{Removed: LeafIndex(d.readUint32())}
	case ProposalTypePSK:
		p.PSK = new(PreSharedKeyProposal)
		p.PSK.PSK.unmarshal(d)
	case ProposalTypeReInit:
		p.ReInit = new(ReInitProposal)
		p.ReInit.GroupID = d.readOpaque()
		p.ReInit.Version = ProtocolVersion(d.readUint16())
		p.ReInit.CipherSuite = CipherSuite(d.readUint16())
		p.ReInit.Extensions.unmarshal(d)
	case ProposalTypeExternalInit:
		p.ExternalInit = &ExternalInitProposal{KEMOutput: d.readOpaque()}
	case ProposalTypeGroupContextExtensions:
		p.GroupContextExtensions = new(GroupContextExtensionsProposal)
		p.GroupContextExtensions.Extensions.unmarshal(d)
	default:
		if d.ok() {
			d.malformed("unsupported proposal type %d", t)
		}
	}
}

// opaque ProposalRef<V>;
type ProposalRef []byte

type ProposalOrRefType uint8

const (
	ProposalOrRefTypeProposal  ProposalOrRefType = 1
	ProposalOrRefTypeReference ProposalOrRefType = 2
)

// struct {
//     ProposalOrRefType type;
//     select (ProposalOrRef.type) {
//         case proposal:  Proposal proposal;
//         case reference: ProposalRef reference;
//     };
// } ProposalOrRef;
type ProposalOrRef struct {
	Proposal  *Proposal
	Reference ProposalRef
}

func (por ProposalOrRef) marshal(b *cryptobyte.Builder) {
	if por.Proposal != nil {
		b.AddUint8(uint8(ProposalOrRefTypeProposal))
		por.Proposal.marshal(b)
		return
	}

	b.AddUint8(uint8(ProposalOrRefTypeReference))
	writeOpaque(b, por.Reference)
}

func (por *ProposalOrRef) unmarshal(d *decoder) {
	*por = ProposalOrRef{}
	switch t := ProposalOrRefType(d.readUint8()); t {
	case ProposalOrRefTypeProposal:
		por.Proposal = new(Proposal)
		por.Proposal.unmarshal(d)
	case ProposalOrRefTypeReference:
		por.Reference = d.readOpaque()
	default:
		if d.ok() {
			d.malformed("invalid proposal-or-ref type %d", t)
		}
	}
}

// struct {
//     ProposalOrRef proposals<V>;
//     optional<UpdatePath> path;
// } Commit;
type Commit struct {
	Proposals []ProposalOrRef
	Path      *UpdatePath
}

func (c Commit) marshal(b *cryptobyte.Builder) {
	writeList(b, c.Proposals)
	writeOptional(b, c.Path != nil)
	if c.Path != nil {
		c.Path.marshal(b)
	}
}

func (c *Commit) unmarshal(d *decoder) {
	c.Proposals = readList[ProposalOrRef](d)
	c.Path = nil
	if d.readOptional() {
		c.Path = new(UpdatePath)
		c.Path.unmarshal(d)
	}
}

///
/// GroupContext
///

// struct {
//     ProtocolVersion version = mls10;
//     CipherSuite cipher_suite;
//     opaque group_id<V>;
//     uint64 epoch;
//     opaque tree_hash<V>;
//     opaque confirmed_transcript_hash<V>;
//     Extension extensions<V>;
// } GroupContext;
type GroupContext struct {
	Version                 ProtocolVersion
	CipherSuite             CipherSuite
	GroupID                 []byte
	Epoch                   Epoch
	TreeHash                []byte
	ConfirmedTranscriptHash []byte
	Extensions              ExtensionList
}

func (gc GroupContext) marshal(b *cryptobyte.Builder) {
	b.AddUint16(uint16(gc.Version))
	b.AddUint16(uint16(gc.CipherSuite))
	writeOpaque(b, gc.GroupID)
	b.AddUint64(uint64(gc.Epoch))
	writeOpaque(b, gc.TreeHash)
	writeOpaque(b, gc.ConfirmedTranscriptHash)
	gc.Extensions.marshal(b)
}

func (gc *GroupContext) unmarshal(d *decoder) {
	gc.Version = ProtocolVersion(d.readUint16())
	gc.CipherSuite = CipherSuite(d.readUint16())
	gc.GroupID = d.readOpaque()
	gc.Epoch = Epoch(d.readUint64())
	gc.TreeHash = d.readOpaque()
	gc.ConfirmedTranscriptHash = d.readOpaque()
	gc.Extensions.unmarshal(d)
}

func (gc GroupContext) Clone() GroupContext {
	out := gc
	out.GroupID = dup(gc.GroupID)
	out.TreeHash = dup(gc.TreeHash)
	out.ConfirmedTranscriptHash = dup(gc.ConfirmedTranscriptHash)
	out.Extensions = gc.Extensions.Clone()
	return out
}

func (gc GroupContext) Equals(o GroupContext) bool {
	return bytes.Equal(mustMarshal(gc), mustMarshal(o))
}

///
/// Framing enums
///

type WireFormat uint16

const (
	WireFormatPublicMessage  WireFormat = 0x0001
	WireFormatPrivateMessage WireFormat = 0x0002
	WireFormatWelcome        WireFormat = 0x0003
	WireFormatGroupInfo      WireFormat = 0x0004
	WireFormatKeyPackage     WireFormat = 0x0005
)

type ContentType uint8

const (
	ContentTypeApplication ContentType = 0x01
	ContentTypeProposal    ContentType = 0x02
	ContentTypeCommit      ContentType = 0x03
)

func (ct ContentType) String() string {
	switch ct {
	case ContentTypeApplication:
		return "application"
	case ContentTypeProposal:
		return "proposal"
	case ContentTypeCommit:
		return "commit"
	}
	return "unknown"
}

type SenderType uint8

const (
	SenderTypeMember            SenderType = 0x01
	SenderTypeExternal          SenderType = 0x02
	SenderTypeNewMemberProposal SenderType = 0x03
	SenderTypeNewMemberCommit   SenderType = 0x04
)

// struct {
//     SenderType sender_type;
//     select (Sender.sender_type) {
//         case member:
//             uint32 leaf_index;
//         case external:
//             uint32 sender_index;
//         case new_member_commit:
//         case new_member_proposal:
//             struct{};
//     };
// } Sender;
type Sender struct {
	Type  SenderType
	Index uint32
}

func MemberSender(index LeafIndex) Sender {
	return Sender{Type: SenderTypeMember, Index: uint32(index)}
}

func (s Sender) Leaf() LeafIndex {
	return LeafIndex(s.Index)
}

func (s Sender) marshal(b *cryptobyte.Builder) {
	b.AddUint8(uint8(s.Type))
	switch s.Type {
	case SenderTypeMember, SenderTypeExternal:
		b.AddUint32(s.Index)
	}
}

func (s *Sender) unmarshal(d *decoder) {
	s.Type = SenderType(d.readUint8())
	s.Index = 0
	switch s.Type {
	case SenderTypeMember, SenderTypeExternal:
		s.Index = d.readUint32()
	case SenderTypeNewMemberProposal, SenderTypeNewMemberCommit:
	default:
		if d.ok() {
			d.malformed("invalid sender type %d", s.Type)
		}
	}
}

///
/// MLSMessage
///

// struct {
//     ProtocolVersion version = mls10;
//     WireFormat wire_format;
//     select (MLSMessage.wire_format) {
//         case mls_public_message:  PublicMessage public_message;
//         case mls_private_message: PrivateMessage private_message;
//         case mls_welcome:         Welcome welcome;
//         case mls_group_info:      GroupInfo group_info;
//         case mls_key_package:     KeyPackage key_package;
//     };
// } MLSMessage;
//
// Exactly one body field is set.
type MLSMessage struct {
	Version        ProtocolVersion
	PublicMessage  *PublicMessage
	PrivateMessage *PrivateMessage
	Welcome        *Welcome
	GroupInfo      *GroupInfo
	KeyPackage     *KeyPackage
}

func (m MLSMessage) WireFormat() WireFormat {
	switch {
	case m.PublicMessage != nil:
		return WireFormatPublicMessage
	case m.PrivateMessage != nil:
		return WireFormatPrivateMessage
	case m.Welcome != nil:
		return WireFormatWelcome
	case m.GroupInfo != nil:
		return WireFormatGroupInfo
	case m.KeyPackage != nil:
		return WireFormatKeyPackage
	}
	panic(internalError("messages", "empty MLSMessage"))
}

func (m MLSMessage) marshal(b *cryptobyte.Builder) {
	b.AddUint16(uint16(ProtocolVersionMLS10))
	b.AddUint16(uint16(m.WireFormat()))
	switch {
	case m.PublicMessage != nil:
		m.PublicMessage.marshal(b)
	case m.PrivateMessage != nil:
		m.PrivateMessage.marshal(b)
	case m.Welcome != nil:
		m.Welcome.marshal(b)
	case m.GroupInfo != nil:
		m.GroupInfo.marshal(b)
	case m.KeyPackage != nil:
		m.KeyPackage.marshal(b)
	}
}

func (m *MLSMessage) unmarshal(d *decoder) {
	*m = MLSMessage{Version: ProtocolVersion(d.readUint16())}
	if d.ok() && m.Version != ProtocolVersionMLS10 {
		d.malformed("unsupported protocol version %d", m.Version)
		return
	}

	switch wf := WireFormat(d.readUint16()); wf {
	case WireFormatPublicMessage:
		m.PublicMessage = new(PublicMessage)
		m.PublicMessage.unmarshal(d)
	case WireFormatPrivateMessage:
		m.PrivateMessage = new(PrivateMessage)
		m.PrivateMessage.unmarshal(d)
	case WireFormatWelcome:
		m.Welcome = new(Welcome)
		m.Welcome.unmarshal(d)
	case WireFormatGroupInfo:
		m.GroupInfo = new(GroupInfo)
		m.GroupInfo.unmarshal(d)
	case WireFormatKeyPackage:
		m.KeyPackage = new(KeyPackage)
		m.KeyPackage.unmarshal(d)
	default:
		if d.ok() {
			d.malformed("unsupported wire format %d", wf)
		}
	}
}

// Epoch and group of a handshake or application message, for routing
func (m MLSMessage) GroupEpoch() ([]byte, Epoch, bool) {
	switch {
	case m.PublicMessage != nil:
		return m.PublicMessage.Content.GroupID, m.PublicMessage.Content.Epoch, true
	case m.PrivateMessage != nil:
		return m.PrivateMessage.GroupID, m.PrivateMessage.Epoch, true
	}
	return nil, 0, false
}
