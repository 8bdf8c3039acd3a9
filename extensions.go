package mls

import (
	"golang.org/x/crypto/cryptobyte"
)

type ExtensionType uint16

const (
	ExtensionTypeApplicationID        ExtensionType = 0x0001
	ExtensionTypeRatchetTree          ExtensionType = 0x0002
	ExtensionTypeRequiredCapabilities ExtensionType = 0x0003
	ExtensionTypeExternalPub          ExtensionType = 0x0004
	ExtensionTypeExternalSenders      ExtensionType = 0x0005
)

// Extensions every implementation understands, which need not be listed in
// Capabilities
var defaultExtensionTypes = []ExtensionType{
	ExtensionTypeApplicationID,
	ExtensionTypeRatchetTree,
	ExtensionTypeRequiredCapabilities,
	ExtensionTypeExternalPub,
	ExtensionTypeExternalSenders,
}

func isDefaultExtension(t ExtensionType) bool {
	for _, d := range defaultExtensionTypes {
		if d == t {
			return true
		}
	}
	return false
}

type ExtensionBody interface {
	Encodable
	Type() ExtensionType
}

// struct {
//     ExtensionType extension_type;
//     opaque extension_data<V>;
// } Extension;
type Extension struct {
	ExtensionType ExtensionType
	ExtensionData []byte
}

func (e Extension) marshal(b *cryptobyte.Builder) {
	b.AddUint16(uint16(e.ExtensionType))
	writeOpaque(b, e.ExtensionData)
}

func (e *Extension) unmarshal(d *decoder) {
	e.ExtensionType = ExtensionType(d.readUint16())
	e.ExtensionData = d.readOpaque()
}

type ExtensionList struct {
	Entries []Extension
}

func NewExtensionList() ExtensionList {
	return ExtensionList{Entries: []Extension{}}
}

func (el ExtensionList) marshal(b *cryptobyte.Builder) {
	writeList(b, el.Entries)
}

func (el *ExtensionList) unmarshal(d *decoder) {
	el.Entries = readList[Extension](d)
	if d.ok() && el.hasDuplicates() {
		d.malformed("duplicate extension type")
	}
}

func (el ExtensionList) hasDuplicates() bool {
	seen := map[ExtensionType]bool{}
	for _, e := range el.Entries {
		if seen[e.ExtensionType] {
			return true
		}
		seen[e.ExtensionType] = true
	}
	return false
}

func (el ExtensionList) Clone() ExtensionList {
	out := ExtensionList{Entries: make([]Extension, len(el.Entries))}
	for i, e := range el.Entries {
		out.Entries[i] = Extension{e.ExtensionType, dup(e.ExtensionData)}
	}
	return out
}

func (el ExtensionList) Types() []ExtensionType {
	out := make([]ExtensionType, len(el.Entries))
	for i, e := range el.Entries {
		out[i] = e.ExtensionType
	}
	return out
}

func (el ExtensionList) Has(t ExtensionType) bool {
	for _, e := range el.Entries {
		if e.ExtensionType == t {
			return true
		}
	}
	return false
}

func (el *ExtensionList) Add(src ExtensionBody) error {
	data, err := Marshal(src)
	if err != nil {
		return err
	}

	// If one already exists with this type, replace it
	for i := range el.Entries {
		if el.Entries[i].ExtensionType == src.Type() {
			el.Entries[i].ExtensionData = data
			return nil
		}
	}

	el.Entries = append(el.Entries, Extension{
		ExtensionType: src.Type(),
		ExtensionData: data,
	})
	return nil
}

func (el *ExtensionList) Remove(t ExtensionType) {
	out := el.Entries[:0]
	for _, e := range el.Entries {
		if e.ExtensionType != t {
			out = append(out, e)
		}
	}
	el.Entries = out
}

type decodableExtension interface {
	Decodable
	Type() ExtensionType
}

func (el ExtensionList) Find(dst decodableExtension) (bool, error) {
	for _, ext := range el.Entries {
		if ext.ExtensionType == dst.Type() {
			return true, unmarshalExact(ext.ExtensionData, dst)
		}
	}
	return false, nil
}

//////////

// struct {
//     opaque application_id<V>;
// } ApplicationIDExtension;
type ApplicationIDExtension struct {
	ApplicationID []byte
}

func (e ApplicationIDExtension) Type() ExtensionType {
	return ExtensionTypeApplicationID
}

func (e ApplicationIDExtension) marshal(b *cryptobyte.Builder) {
	writeOpaque(b, e.ApplicationID)
}

func (e *ApplicationIDExtension) unmarshal(d *decoder) {
	e.ApplicationID = d.readOpaque()
}

// struct {
//     ExtensionType extension_types<V>;
//     ProposalType proposal_types<V>;
//     CredentialType credential_types<V>;
// } RequiredCapabilities;
type RequiredCapabilitiesExtension struct {
	Extensions  []ExtensionType
	Proposals   []ProposalType
	Credentials []CredentialType
}

func (e RequiredCapabilitiesExtension) Type() ExtensionType {
	return ExtensionTypeRequiredCapabilities
}

func (e RequiredCapabilitiesExtension) marshal(b *cryptobyte.Builder) {
	writeUint16List(b, extensionTypesToUint16(e.Extensions))
	writeUint16List(b, proposalTypesToUint16(e.Proposals))
	writeUint16List(b, credentialTypesToUint16(e.Credentials))
}

func (e *RequiredCapabilitiesExtension) unmarshal(d *decoder) {
	for _, v := range d.readUint16List() {
		e.Extensions = append(e.Extensions, ExtensionType(v))
	}
	for _, v := range d.readUint16List() {
		e.Proposals = append(e.Proposals, ProposalType(v))
	}
	for _, v := range d.readUint16List() {
		e.Credentials = append(e.Credentials, CredentialType(v))
	}
}

// struct {
//     HPKEPublicKey external_pub;
// } ExternalPub;
type ExternalPubExtension struct {
	ExternalPub HPKEPublicKey
}

func (e ExternalPubExtension) Type() ExtensionType {
	return ExtensionTypeExternalPub
}

func (e ExternalPubExtension) marshal(b *cryptobyte.Builder) {
	e.ExternalPub.marshal(b)
}

func (e *ExternalPubExtension) unmarshal(d *decoder) {
	e.ExternalPub.unmarshal(d)
}

// struct {
//     SignaturePublicKey signature_key;
//     Credential credential;
// } ExternalSender;
type ExternalSender struct {
	SignatureKey SignaturePublicKey
	Credential   Credential
}

func (s ExternalSender) marshal(b *cryptobyte.Builder) {
	s.SignatureKey.marshal(b)
	s.Credential.marshal(b)
}

func (s *ExternalSender) unmarshal(d *decoder) {
	s.SignatureKey.unmarshal(d)
	s.Credential.unmarshal(d)
}

// ExternalSender external_senders<V>;
type ExternalSendersExtension struct {
	Senders []ExternalSender
}

func (e ExternalSendersExtension) Type() ExtensionType {
	return ExtensionTypeExternalSenders
}

func (e ExternalSendersExtension) marshal(b *cryptobyte.Builder) {
	writeList(b, e.Senders)
}

func (e *ExternalSendersExtension) unmarshal(d *decoder) {
	e.Senders = readList[ExternalSender](d)
}

//////////

func extensionTypesToUint16(list []ExtensionType) []uint16 {
	out := make([]uint16, len(list))
	for i, v := range list {
		out[i] = uint16(v)
	}
	return out
}

func proposalTypesToUint16(list []ProposalType) []uint16 {
	out := make([]uint16, len(list))
	for i, v := range list {
		out[i] = uint16(v)
	}
	return out
}

func credentialTypesToUint16(list []CredentialType) []uint16 {
	out := make([]uint16, len(list))
	for i, v := range list {
		out[i] = uint16(v)
	}
	return out
}
