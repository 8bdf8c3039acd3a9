package mls

import (
	"bytes"
	"time"

	"golang.org/x/crypto/cryptobyte"
)

// struct {
//     ProtocolVersion version;
//     CipherSuite cipher_suite;
//     HPKEPublicKey init_key;
//     LeafNode leaf_node;
//     Extension extensions<V>;
//     opaque signature<V>;
// } KeyPackage;
type KeyPackage struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	LeafNode    LeafNode
	Extensions  ExtensionList
	Signature   []byte
}

type KeyPackageRef []byte

// KeyPackagePrivate holds the private halves of the keys in a KeyPackage
type KeyPackagePrivate struct {
	InitKey       HPKEPrivateKey
	EncryptionKey HPKEPrivateKey
	SignatureKey  SignaturePrivateKey
}

type KeyPackageOpts struct {
	Capabilities     *Capabilities
	Lifetime         *Lifetime
	LeafExtensions   ExtensionList
	KeyPackageExtras ExtensionList
}

func (kp KeyPackage) marshalTBS(b *cryptobyte.Builder) {
	b.AddUint16(uint16(kp.Version))
	b.AddUint16(uint16(kp.CipherSuite))
	kp.InitKey.marshal(b)
	kp.LeafNode.marshal(b)
	kp.Extensions.marshal(b)
}

func (kp KeyPackage) marshal(b *cryptobyte.Builder) {
	kp.marshalTBS(b)
	writeOpaque(b, kp.Signature)
}

func (kp *KeyPackage) unmarshal(d *decoder) {
	kp.Version = ProtocolVersion(d.readUint16())
	kp.CipherSuite = CipherSuite(d.readUint16())
	kp.InitKey.unmarshal(d)
	kp.LeafNode.unmarshal(d)
	kp.Extensions.unmarshal(d)
	kp.Signature = d.readOpaque()
}

func (kp KeyPackage) toBeSigned() []byte {
	b := cryptobyte.NewBuilder(nil)
	kp.marshalTBS(b)
	return b.BytesOrPanic()
}

func (kp *KeyPackage) Sign(suite Suite, priv SignaturePrivateKey) error {
	sig, err := suite.signWithLabel(priv, "KeyPackageTBS", kp.toBeSigned())
	if err != nil {
		return err
	}

	kp.Signature = sig
	return nil
}

func (kp KeyPackage) Ref(suite Suite) (KeyPackageRef, error) {
	data, err := Marshal(kp)
	if err != nil {
		return nil, err
	}
	return suite.refHash("MLS 1.0 KeyPackage Reference", data), nil
}

// Verify checks the KeyPackage's own consistency and signatures.  Group-level
// checks happen when it is added to a tree.
func (kp KeyPackage) Verify(suite Suite, now time.Time) error {
	if kp.Version != ProtocolVersionMLS10 {
		return validationError("key-package", "unsupported protocol version %d", kp.Version)
	}

	if kp.CipherSuite != suite.ID {
		return validationError("key-package", "cipher suite mismatch %v != %v", kp.CipherSuite, suite.ID)
	}

	if kp.LeafNode.Source != LeafNodeSourceKeyPackage {
		return validationError("key-package", "leaf node source %d", kp.LeafNode.Source)
	}

	if bytes.Equal(kp.InitKey, kp.LeafNode.EncryptionKey) {
		return validationError("key-package", "init key equals leaf encryption key")
	}

	if !now.IsZero() && !kp.LeafNode.Lifetime.Valid(now) {
		return validationError("key-package", "lifetime does not cover %v", now)
	}

	if !suite.verifyWithLabel(kp.LeafNode.SignatureKey, "KeyPackageTBS", kp.toBeSigned(), kp.Signature) {
		return verifyError("key-package", "invalid key package signature")
	}

	if !kp.LeafNode.Verify(suite, nil, 0) {
		return verifyError("key-package", "invalid leaf node signature")
	}

	return nil
}

// NewKeyPackage generates fresh init and encryption keys and signs a KeyPackage
// for the given credential and signature key.
func NewKeyPackage(suite Suite, cred Credential, sigPriv SignaturePrivateKey, opts KeyPackageOpts) (*KeyPackage, *KeyPackagePrivate, error) {
	initPriv, err := suite.NewHPKEKey()
	if err != nil {
		return nil, nil, err
	}

	encPriv, err := suite.NewHPKEKey()
	if err != nil {
		return nil, nil, err
	}

	caps := DefaultCapabilities()
	if opts.Capabilities != nil {
		caps = *opts.Capabilities
	}

	lifetime := DefaultLifetime(time.Now(), 90*24*time.Hour)
	if opts.Lifetime != nil {
		lifetime = *opts.Lifetime
	}

	leafExts := opts.LeafExtensions.Clone()
	if leafExts.Entries == nil {
		leafExts = NewExtensionList()
	}

	kpExts := opts.KeyPackageExtras.Clone()
	if kpExts.Entries == nil {
		kpExts = NewExtensionList()
	}

	kp := &KeyPackage{
		Version:     ProtocolVersionMLS10,
		CipherSuite: suite.ID,
		InitKey:     initPriv.PublicKey,
		LeafNode: LeafNode{
			EncryptionKey: encPriv.PublicKey,
			SignatureKey:  sigPriv.PublicKey,
			Credential:    cred,
			Capabilities:  caps,
			Source:        LeafNodeSourceKeyPackage,
			Lifetime:      lifetime,
			Extensions:    leafExts,
		},
		Extensions: kpExts,
	}

	if err := kp.LeafNode.Sign(suite, sigPriv, nil, 0); err != nil {
		return nil, nil, err
	}

	if err := kp.Sign(suite, sigPriv); err != nil {
		return nil, nil, err
	}

	priv := &KeyPackagePrivate{
		InitKey:       initPriv,
		EncryptionKey: encPriv,
		SignatureKey:  sigPriv,
	}
	return kp, priv, nil
}
