package mls

import (
	"bytes"
	"sort"
	"time"

	"golang.org/x/crypto/cryptobyte"
)

type ProtocolVersion uint16

const (
	ProtocolVersionMLS10 ProtocolVersion = 0x0001
)

// struct {
//     ProtocolVersion versions<V>;
//     CipherSuite cipher_suites<V>;
//     ExtensionType extensions<V>;
//     ProposalType proposals<V>;
//     CredentialType credentials<V>;
// } Capabilities;
type Capabilities struct {
	Versions     []ProtocolVersion
	CipherSuites []CipherSuite
	Extensions   []ExtensionType
	Proposals    []ProposalType
	Credentials  []CredentialType
}

// DefaultCapabilities advertises everything this implementation supports
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Versions:     []ProtocolVersion{ProtocolVersionMLS10},
		CipherSuites: append([]CipherSuite{}, supportedSuites...),
		Extensions:   []ExtensionType{},
		Proposals:    []ProposalType{},
		Credentials:  []CredentialType{CredentialTypeBasic, CredentialTypeX509},
	}
}

func (c Capabilities) SupportsVersion(v ProtocolVersion) bool {
	for _, x := range c.Versions {
		if x == v {
			return true
		}
	}
	return false
}

func (c Capabilities) SupportsSuite(s CipherSuite) bool {
	for _, x := range c.CipherSuites {
		if x == s {
			return true
		}
	}
	return false
}

func (c Capabilities) SupportsExtension(t ExtensionType) bool {
	if isDefaultExtension(t) {
		return true
	}
	for _, x := range c.Extensions {
		if x == t {
			return true
		}
	}
	return false
}

func (c Capabilities) SupportsProposal(t ProposalType) bool {
	if isDefaultProposal(t) {
		return true
	}
	for _, x := range c.Proposals {
		if x == t {
			return true
		}
	}
	return false
}

func (c Capabilities) SupportsCredential(t CredentialType) bool {
	for _, x := range c.Credentials {
		if x == t {
			return true
		}
	}
	return false
}

// SupportsRequired checks a required_capabilities extension
func (c Capabilities) SupportsRequired(req RequiredCapabilitiesExtension) bool {
	for _, t := range req.Extensions {
		if !c.SupportsExtension(t) {
			return false
		}
	}
	for _, t := range req.Proposals {
		if !c.SupportsProposal(t) {
			return false
		}
	}
	for _, t := range req.Credentials {
		if !c.SupportsCredential(t) {
			return false
		}
	}
	return true
}

func (c Capabilities) marshal(b *cryptobyte.Builder) {
	versions := make([]uint16, len(c.Versions))
	for i, v := range c.Versions {
		versions[i] = uint16(v)
	}
	suites := make([]uint16, len(c.CipherSuites))
	for i, s := range c.CipherSuites {
		suites[i] = uint16(s)
	}

	writeUint16List(b, versions)
	writeUint16List(b, suites)
	writeUint16List(b, extensionTypesToUint16(c.Extensions))
	writeUint16List(b, proposalTypesToUint16(c.Proposals))
	writeUint16List(b, credentialTypesToUint16(c.Credentials))
}

func (c *Capabilities) unmarshal(d *decoder) {
	*c = Capabilities{
		Versions:     []ProtocolVersion{},
		CipherSuites: []CipherSuite{},
		Extensions:   []ExtensionType{},
		Proposals:    []ProposalType{},
		Credentials:  []CredentialType{},
	}

	for _, v := range d.readUint16List() {
		c.Versions = append(c.Versions, ProtocolVersion(v))
	}
	for _, v := range d.readUint16List() {
		c.CipherSuites = append(c.CipherSuites, CipherSuite(v))
	}
	for _, v := range d.readUint16List() {
		c.Extensions = append(c.Extensions, ExtensionType(v))
	}
	for _, v := range d.readUint16List() {
		c.Proposals = append(c.Proposals, ProposalType(v))
	}
	for _, v := range d.readUint16List() {
		c.Credentials = append(c.Credentials, CredentialType(v))
	}
}

// struct {
//     uint64 not_before;
//     uint64 not_after;
// } Lifetime;
type Lifetime struct {
	NotBefore uint64
	NotAfter  uint64
}

// DefaultLifetime covers the given span starting an hour before now
func DefaultLifetime(now time.Time, span time.Duration) Lifetime {
	return Lifetime{
		NotBefore: uint64(now.Add(-time.Hour).Unix()),
		NotAfter:  uint64(now.Add(span).Unix()),
	}
}

func (l Lifetime) Valid(now time.Time) bool {
	t := uint64(now.Unix())
	return l.NotBefore <= t && t <= l.NotAfter
}

func (l Lifetime) marshal(b *cryptobyte.Builder) {
	b.AddUint64(l.NotBefore)
	b.AddUint64(l.NotAfter)
}

func (l *Lifetime) unmarshal(d *decoder) {
	l.NotBefore = d.readUint64()
	l.NotAfter = d.readUint64()
}

type LeafNodeSource uint8

const (
	LeafNodeSourceKeyPackage LeafNodeSource = 1
	LeafNodeSourceUpdate     LeafNodeSource = 2
	LeafNodeSourceCommit     LeafNodeSource = 3
)

// struct {
//     HPKEPublicKey encryption_key;
//     SignaturePublicKey signature_key;
//     Credential credential;
//     Capabilities capabilities;
//
//     LeafNodeSource leaf_node_source;
//     select (LeafNode.leaf_node_source) {
//         case key_package:
//             Lifetime lifetime;
//         case update:
//             struct{};
//         case commit:
//             opaque parent_hash<V>;
//     };
//
//     Extension extensions<V>;
//     opaque signature<V>;
// } LeafNode;
type LeafNode struct {
	EncryptionKey HPKEPublicKey
	SignatureKey  SignaturePublicKey
	Credential    Credential
	Capabilities  Capabilities
	Source        LeafNodeSource
	Lifetime      Lifetime
	ParentHash    []byte
	Extensions    ExtensionList
	Signature     []byte
}

func (ln LeafNode) marshalTBSCore(b *cryptobyte.Builder) {
	ln.EncryptionKey.marshal(b)
	ln.SignatureKey.marshal(b)
	ln.Credential.marshal(b)
	ln.Capabilities.marshal(b)
	b.AddUint8(uint8(ln.Source))
	switch ln.Source {
	case LeafNodeSourceKeyPackage:
		ln.Lifetime.marshal(b)
	case LeafNodeSourceCommit:
		writeOpaque(b, ln.ParentHash)
	}
	ln.Extensions.marshal(b)
}

func (ln LeafNode) marshal(b *cryptobyte.Builder) {
	ln.marshalTBSCore(b)
	writeOpaque(b, ln.Signature)
}

func (ln *LeafNode) unmarshal(d *decoder) {
	ln.EncryptionKey.unmarshal(d)
	ln.SignatureKey.unmarshal(d)
	ln.Credential.unmarshal(d)
	ln.Capabilities.unmarshal(d)
	ln.Source = LeafNodeSource(d.readUint8())
	switch ln.Source {
	case LeafNodeSourceKeyPackage:
		ln.Lifetime.unmarshal(d)
	case LeafNodeSourceUpdate:
	case LeafNodeSourceCommit:
		ln.ParentHash = d.readOpaque()
	default:
		if d.ok() {
			d.malformed("invalid leaf node source %d", ln.Source)
		}
	}
	ln.Extensions.unmarshal(d)
	ln.Signature = d.readOpaque()
}

// struct {
//     ... LeafNode fields up to extensions ...
//     select (LeafNodeTBS.leaf_node_source) {
//         case key_package:
//             struct{};
//         case update:
//         case commit:
//             opaque group_id<V>;
//             uint32 leaf_index;
//     };
// } LeafNodeTBS;
func (ln LeafNode) toBeSigned(groupID []byte, index LeafIndex) []byte {
	b := cryptobyte.NewBuilder(nil)
	ln.marshalTBSCore(b)
	if ln.Source != LeafNodeSourceKeyPackage {
		writeOpaque(b, groupID)
		b.AddUint32(uint32(index))
	}
	return b.BytesOrPanic()
}

func (ln *LeafNode) Sign(suite Suite, priv SignaturePrivateKey, groupID []byte, index LeafIndex) error {
	if !priv.PublicKey.Equals(ln.SignatureKey) {
		return usageError("leaf", "signing key does not match leaf signature key")
	}

	sig, err := suite.signWithLabel(priv, "LeafNodeTBS", ln.toBeSigned(groupID, index))
	if err != nil {
		return err
	}

	ln.Signature = sig
	return nil
}

func (ln LeafNode) Verify(suite Suite, groupID []byte, index LeafIndex) bool {
	return suite.verifyWithLabel(ln.SignatureKey, "LeafNodeTBS", ln.toBeSigned(groupID, index), ln.Signature)
}

func (ln LeafNode) Clone() LeafNode {
	out := ln
	out.EncryptionKey = dup(ln.EncryptionKey)
	out.SignatureKey = dup(ln.SignatureKey)
	out.ParentHash = dup(ln.ParentHash)
	out.Extensions = ln.Extensions.Clone()
	out.Signature = dup(ln.Signature)
	return out
}

func (ln LeafNode) Equals(o LeafNode) bool {
	return bytes.Equal(mustMarshal(ln), mustMarshal(o))
}

// struct {
//     HPKEPublicKey encryption_key;
//     opaque parent_hash<V>;
//     uint32 unmerged_leaves<V>;
// } ParentNode;
type ParentNode struct {
	EncryptionKey  HPKEPublicKey
	ParentHash     []byte
	UnmergedLeaves []LeafIndex
}

func (pn ParentNode) marshal(b *cryptobyte.Builder) {
	pn.EncryptionKey.marshal(b)
	writeOpaque(b, pn.ParentHash)
	leaves := make([]uint32, len(pn.UnmergedLeaves))
	for i, l := range pn.UnmergedLeaves {
		leaves[i] = uint32(l)
	}
	writeUint32List(b, leaves)
}

func (pn *ParentNode) unmarshal(d *decoder) {
	pn.EncryptionKey.unmarshal(d)
	pn.ParentHash = d.readOpaque()
	pn.UnmergedLeaves = []LeafIndex{}
	for _, l := range d.readUint32List() {
		pn.UnmergedLeaves = append(pn.UnmergedLeaves, LeafIndex(l))
	}
}

func (pn *ParentNode) AddUnmerged(l LeafIndex) {
	i := sort.Search(len(pn.UnmergedLeaves), func(i int) bool { return pn.UnmergedLeaves[i] >= l })
	if i < len(pn.UnmergedLeaves) && pn.UnmergedLeaves[i] == l {
		return
	}

	pn.UnmergedLeaves = append(pn.UnmergedLeaves, 0)
	copy(pn.UnmergedLeaves[i+1:], pn.UnmergedLeaves[i:])
	pn.UnmergedLeaves[i] = l
}

func (pn ParentNode) Clone() ParentNode {
	return ParentNode{
		EncryptionKey:  dup(pn.EncryptionKey),
		ParentHash:     dup(pn.ParentHash),
		UnmergedLeaves: append([]LeafIndex{}, pn.UnmergedLeaves...),
	}
}

type NodeType uint8

const (
	NodeTypeLeaf   NodeType = 0x01
	NodeTypeParent NodeType = 0x02
)

// struct {
//     NodeType node_type;
//     select (Node.node_type) {
//         case leaf:   LeafNode leaf_node;
//         case parent: ParentNode parent_node;
//     };
// } Node;
//
// Exactly one of Leaf and Parent is set.
type Node struct {
	Leaf   *LeafNode
	Parent *ParentNode
}

func (n Node) Type() NodeType {
	if n.Leaf != nil {
		return NodeTypeLeaf
	}
	return NodeTypeParent
}

func (n Node) EncryptionKey() HPKEPublicKey {
	if n.Leaf != nil {
		return n.Leaf.EncryptionKey
	}
	return n.Parent.EncryptionKey
}

func (n Node) ParentHash() []byte {
	if n.Leaf != nil {
		return n.Leaf.ParentHash
	}
	return n.Parent.ParentHash
}

func (n Node) Clone() Node {
	if n.Leaf != nil {
		leaf := n.Leaf.Clone()
		return Node{Leaf: &leaf}
	}
	parent := n.Parent.Clone()
	return Node{Parent: &parent}
}

func (n Node) marshal(b *cryptobyte.Builder) {
	b.AddUint8(uint8(n.Type()))
	if n.Leaf != nil {
		n.Leaf.marshal(b)
	} else {
		n.Parent.marshal(b)
	}
}

func (n *Node) unmarshal(d *decoder) {
	switch t := NodeType(d.readUint8()); t {
	case NodeTypeLeaf:
		n.Leaf, n.Parent = new(LeafNode), nil
		n.Leaf.unmarshal(d)
	case NodeTypeParent:
		n.Leaf, n.Parent = nil, new(ParentNode)
		n.Parent.unmarshal(d)
	default:
		if d.ok() {
			d.malformed("invalid node type %d", t)
		}
	}
}

// optional<Node>
type OptionalNode struct {
	Node *Node
}

func (n OptionalNode) Blank() bool {
	return n.Node == nil
}

func (n OptionalNode) marshal(b *cryptobyte.Builder) {
	writeOptional(b, n.Node != nil)
	if n.Node != nil {
		n.Node.marshal(b)
	}
}

func (n *OptionalNode) unmarshal(d *decoder) {
	n.Node = nil
	if d.readOptional() {
		n.Node = new(Node)
		n.Node.unmarshal(d)
	}
}
