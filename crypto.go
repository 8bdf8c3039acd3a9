package mls

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"math/big"

	"github.com/cisco/go-hpke"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/hkdf"
)

type CipherSuite uint16

const (
	X25519_AES128GCM_SHA256_Ed25519        CipherSuite = 0x0001
	P256_AES128GCM_SHA256_P256             CipherSuite = 0x0002
	X25519_CHACHA20POLY1305_SHA256_Ed25519 CipherSuite = 0x0003
	P521_AES256GCM_SHA512_P521             CipherSuite = 0x0005
)

var supportedSuites = []CipherSuite{
	X25519_AES128GCM_SHA256_Ed25519,
	P256_AES128GCM_SHA256_P256,
	X25519_CHACHA20POLY1305_SHA256_Ed25519,
	P521_AES256GCM_SHA512_P521,
}

func (cs CipherSuite) String() string {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return "X25519_AES128GCM_SHA256_Ed25519"
	case P256_AES128GCM_SHA256_P256:
		return "P256_AES128GCM_SHA256_P256"
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return "X25519_CHACHA20POLY1305_SHA256_Ed25519"
	case P521_AES256GCM_SHA512_P521:
		return "P521_AES256GCM_SHA512_P521"
	}
	return fmt.Sprintf("UnknownCipherSuite(0x%04x)", uint16(cs))
}

func (cs CipherSuite) Supported() bool {
	for _, s := range supportedSuites {
		if s == cs {
			return true
		}
	}
	return false
}

///
/// Capability interfaces
///

type HashProvider interface {
	Size() int
	Digest(data []byte) []byte
	MAC(key, data []byte) []byte
}

type KDFProvider interface {
	Size() int
	Extract(salt, ikm []byte) []byte
	Expand(prk, info []byte, length int) []byte
}

type AEADProvider interface {
	KeySize() int
	NonceSize() int
	Seal(key, nonce, aad, pt []byte) ([]byte, error)
	Open(key, nonce, aad, ct []byte) ([]byte, error)
}

type HPKEProvider interface {
	GenerateKeyPair(rand io.Reader) (HPKEPrivateKey, error)
	DeriveKeyPair(ikm []byte) (HPKEPrivateKey, error)
	Seal(rand io.Reader, pub HPKEPublicKey, info, aad, pt []byte) (HPKECiphertext, error)
	Open(priv HPKEPrivateKey, info, aad []byte, ct HPKECiphertext) ([]byte, error)
	ExportSecret(rand io.Reader, pub HPKEPublicKey, info, exporterContext []byte, length int) (kemOutput, secret []byte, err error)
	ImportSecret(priv HPKEPrivateKey, kemOutput, info, exporterContext []byte, length int) ([]byte, error)
}

type SignatureProvider interface {
	GenerateKeyPair(rand io.Reader) (SignaturePrivateKey, error)
	Sign(rand io.Reader, priv SignaturePrivateKey, message []byte) ([]byte, error)
	Verify(pub SignaturePublicKey, message, signature []byte) bool
}

// Suite bundles the primitives selected by a cipher suite identifier.  It is
// resolved once when a group is created or joined and passed explicitly to
// everything that needs it.
type Suite struct {
	ID        CipherSuite
	Hash      HashProvider
	KDF       KDFProvider
	AEAD      AEADProvider
	HPKE      HPKEProvider
	Signature SignatureProvider
	Rand      io.Reader
}

// Suite resolves the primitives for cs, drawing randomness from crypto/rand
func (cs CipherSuite) Suite() (Suite, error) {
	var hashID crypto.Hash
	var kemID hpke.KEMID
	var kdfID hpke.KDFID
	var aeadID hpke.AEADID
	var aead AEADProvider
	var sig SignatureProvider

	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		hashID, kemID, kdfID, aeadID = crypto.SHA256, hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_AESGCM128
		aead = aesGCM{keySize: 16}
		sig = ed25519Signer{}

	case P256_AES128GCM_SHA256_P256:
		hashID, kemID, kdfID, aeadID = crypto.SHA256, hpke.DHKEM_P256, hpke.KDF_HKDF_SHA256, hpke.AEAD_AESGCM128
		aead = aesGCM{keySize: 16}
		sig = ecdsaSigner{curve: elliptic.P256(), hash: sha256.New}

	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		hashID, kemID, kdfID, aeadID = crypto.SHA256, hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_CHACHA20POLY1305
		aead = chachaPoly{}
		sig = ed25519Signer{}

	case P521_AES256GCM_SHA512_P521:
		hashID, kemID, kdfID, aeadID = crypto.SHA512, hpke.DHKEM_P521, hpke.KDF_HKDF_SHA512, hpke.AEAD_AESGCM256
		aead = aesGCM{keySize: 32}
		sig = ecdsaSigner{curve: elliptic.P521(), hash: sha512.New}

	default:
		return Suite{}, dependencyError("crypto", "unsupported cipher suite %v", cs)
	}

	hpkeSuite, err := hpke.AssembleCipherSuite(kemID, kdfID, aeadID)
	if err != nil {
		return Suite{}, classify(err, ErrDependency, "crypto", "assembling HPKE suite")
	}

	h := hashProvider{hashID.New}
	return Suite{
		ID:        cs,
		Hash:      h,
		KDF:       hkdfProvider{h.newHash},
		AEAD:      aead,
		HPKE:      hpkeProvider{suite: hpkeSuite},
		Signature: sig,
		Rand:      rand.Reader,
	}, nil
}

// WithRand returns a copy of the suite drawing randomness from r
func (s Suite) WithRand(r io.Reader) Suite {
	if r != nil {
		s.Rand = r
	}
	return s
}

///
/// Primitive implementations
///

type hashProvider struct {
	newHash func() hash.Hash
}

func (h hashProvider) Size() int {
	return h.newHash().Size()
}

func (h hashProvider) Digest(data []byte) []byte {
	d := h.newHash()
	d.Write(data)
	return d.Sum(nil)
}

func (h hashProvider) MAC(key, data []byte) []byte {
	mac := hmac.New(h.newHash, key)
	mac.Write(data)
	return mac.Sum(nil)
}

type hkdfProvider struct {
	newHash func() hash.Hash
}

func (k hkdfProvider) Size() int {
	return k.newHash().Size()
}

func (k hkdfProvider) Extract(salt, ikm []byte) []byte {
	return hkdf.Extract(k.newHash, ikm, salt)
}

func (k hkdfProvider) Expand(prk, info []byte, length int) []byte {
	out := make([]byte, length)
	r := hkdf.Expand(k.newHash, prk, info)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(internalError("crypto", "HKDF expand of %d bytes: %v", length, err))
	}
	return out
}

type aesGCM struct {
	keySize int
}

func (a aesGCM) KeySize() int   { return a.keySize }
func (a aesGCM) NonceSize() int { return 12 }

func (a aesGCM) new(key []byte) (cipher.AEAD, error) {
	if len(key) != a.keySize {
		return nil, internalError("crypto", "AES-GCM key size %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, classify(err, ErrInternal, "crypto", "AES key setup")
	}
	return cipher.NewGCM(block)
}

func (a aesGCM) Seal(key, nonce, aad, pt []byte) ([]byte, error) {
	gcm, err := a.new(key)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, pt, aad), nil
}

func (a aesGCM) Open(key, nonce, aad, ct []byte) ([]byte, error) {
	gcm, err := a.new(key)
	if err != nil {
		return nil, err
	}

	pt, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, verifyError("crypto", "AEAD open failed")
	}
	return pt, nil
}

type chachaPoly struct{}

func (c chachaPoly) KeySize() int   { return chacha20poly1305.KeySize }
func (c chachaPoly) NonceSize() int { return chacha20poly1305.NonceSize }

func (c chachaPoly) Seal(key, nonce, aad, pt []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, classify(err, ErrInternal, "crypto", "ChaCha20Poly1305 key setup")
	}
	return aead.Seal(nil, nonce, pt, aad), nil
}

func (c chachaPoly) Open(key, nonce, aad, ct []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, classify(err, ErrInternal, "crypto", "ChaCha20Poly1305 key setup")
	}

	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, verifyError("crypto", "AEAD open failed")
	}
	return pt, nil
}

type hpkeProvider struct {
	suite hpke.CipherSuite
}

func (h hpkeProvider) GenerateKeyPair(rand io.Reader) (HPKEPrivateKey, error) {
	ikm := make([]byte, 64)
	if _, err := io.ReadFull(rand, ikm); err != nil {
		return HPKEPrivateKey{}, classify(err, ErrDependency, "crypto", "reading randomness")
	}
	defer zeroize(ikm)
	return h.DeriveKeyPair(ikm)
}

func (h hpkeProvider) DeriveKeyPair(ikm []byte) (HPKEPrivateKey, error) {
	skR, pkR, err := h.suite.KEM.DeriveKeyPair(ikm)
	if err != nil {
		return HPKEPrivateKey{}, classify(err, ErrInternal, "crypto", "HPKE key derivation")
	}

	return HPKEPrivateKey{
		Data:      h.suite.KEM.SerializePrivate(skR),
		PublicKey: HPKEPublicKey(h.suite.KEM.Serialize(pkR)),
	}, nil
}

func (h hpkeProvider) Seal(rand io.Reader, pub HPKEPublicKey, info, aad, pt []byte) (HPKECiphertext, error) {
	pkR, err := h.suite.KEM.Deserialize(pub)
	if err != nil {
		return HPKECiphertext{}, validationError("crypto", "invalid HPKE public key: %v", err)
	}

	enc, ctx, err := hpke.SetupBaseS(h.suite, rand, pkR, info)
	if err != nil {
		return HPKECiphertext{}, classify(err, ErrDependency, "crypto", "HPKE sender setup")
	}

	return HPKECiphertext{
		KEMOutput:  enc,
		Ciphertext: ctx.Seal(aad, pt),
	}, nil
}

func (h hpkeProvider) receiver(priv HPKEPrivateKey, enc, info []byte) (*hpke.DecryptContext, error) {
	skR, err := h.suite.KEM.DeserializePrivate(priv.Data)
	if err != nil {
		return nil, internalError("crypto", "invalid HPKE private key: %v", err)
	}

	ctx, err := hpke.SetupBaseR(h.suite, skR, enc, info)
	if err != nil {
		return nil, verifyError("crypto", "HPKE receiver setup: %v", err)
	}
	return ctx, nil
}

func (h hpkeProvider) Open(priv HPKEPrivateKey, info, aad []byte, ct HPKECiphertext) ([]byte, error) {
	ctx, err := h.receiver(priv, ct.KEMOutput, info)
	if err != nil {
		return nil, err
	}

	pt, err := ctx.Open(aad, ct.Ciphertext)
	if err != nil {
		return nil, verifyError("crypto", "HPKE open failed")
	}
	return pt, nil
}

func (h hpkeProvider) ExportSecret(rand io.Reader, pub HPKEPublicKey, info, exporterContext []byte, length int) ([]byte, []byte, error) {
	pkR, err := h.suite.KEM.Deserialize(pub)
	if err != nil {
		return nil, nil, validationError("crypto", "invalid HPKE public key: %v", err)
	}

	enc, ctx, err := hpke.SetupBaseS(h.suite, rand, pkR, info)
	if err != nil {
		return nil, nil, classify(err, ErrDependency, "crypto", "HPKE sender setup")
	}

	return enc, ctx.Export(exporterContext, length), nil
}

func (h hpkeProvider) ImportSecret(priv HPKEPrivateKey, kemOutput, info, exporterContext []byte, length int) ([]byte, error) {
	ctx, err := h.receiver(priv, kemOutput, info)
	if err != nil {
		return nil, err
	}
	return ctx.Export(exporterContext, length), nil
}

type ed25519Signer struct{}

func (s ed25519Signer) GenerateKeyPair(rand io.Reader) (SignaturePrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return SignaturePrivateKey{}, classify(err, ErrDependency, "crypto", "Ed25519 key generation")
	}

	return SignaturePrivateKey{
		Data:      priv.Seed(),
		PublicKey: SignaturePublicKey(pub),
	}, nil
}

func (s ed25519Signer) Sign(rand io.Reader, priv SignaturePrivateKey, message []byte) ([]byte, error) {
	if len(priv.Data) != ed25519.SeedSize {
		return nil, internalError("crypto", "Ed25519 private key size %d", len(priv.Data))
	}
	return ed25519.Sign(ed25519.NewKeyFromSeed(priv.Data), message), nil
}

func (s ed25519Signer) Verify(pub SignaturePublicKey, message, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, signature)
}

type ecdsaSigner struct {
	curve elliptic.Curve
	hash  func() hash.Hash
}

func (s ecdsaSigner) digest(message []byte) []byte {
	h := s.hash()
	h.Write(message)
	return h.Sum(nil)
}

func (s ecdsaSigner) GenerateKeyPair(rand io.Reader) (SignaturePrivateKey, error) {
	priv, err := ecdsa.GenerateKey(s.curve, rand)
	if err != nil {
		return SignaturePrivateKey{}, classify(err, ErrDependency, "crypto", "ECDSA key generation")
	}

	size := (s.curve.Params().BitSize + 7) / 8
	return SignaturePrivateKey{
		Data:      priv.D.FillBytes(make([]byte, size)),
		PublicKey: SignaturePublicKey(elliptic.Marshal(s.curve, priv.X, priv.Y)),
	}, nil
}

func (s ecdsaSigner) Sign(rand io.Reader, priv SignaturePrivateKey, message []byte) ([]byte, error) {
	key := &ecdsa.PrivateKey{D: new(big.Int).SetBytes(priv.Data)}
	key.Curve = s.curve
	key.X, key.Y = s.curve.ScalarBaseMult(priv.Data)

	sig, err := ecdsa.SignASN1(rand, key, s.digest(message))
	if err != nil {
		return nil, classify(err, ErrDependency, "crypto", "ECDSA signing")
	}
	return sig, nil
}

func (s ecdsaSigner) Verify(pub SignaturePublicKey, message, signature []byte) bool {
	x, y := elliptic.Unmarshal(s.curve, pub)
	if x == nil {
		return false
	}

	key := &ecdsa.PublicKey{Curve: s.curve, X: x, Y: y}
	return ecdsa.VerifyASN1(key, s.digest(message), signature)
}

///
/// Key types
///

// opaque HPKEPublicKey<V>;
type HPKEPublicKey []byte

func (k HPKEPublicKey) Equals(o HPKEPublicKey) bool {
	return bytes.Equal(k, o)
}

func (k HPKEPublicKey) marshal(b *cryptobyte.Builder) {
	writeOpaque(b, k)
}

func (k *HPKEPublicKey) unmarshal(d *decoder) {
	*k = d.readOpaque()
}

type HPKEPrivateKey struct {
	Data      []byte
	PublicKey HPKEPublicKey
}

// opaque SignaturePublicKey<V>;
type SignaturePublicKey []byte

func (k SignaturePublicKey) Equals(o SignaturePublicKey) bool {
	return bytes.Equal(k, o)
}

func (k SignaturePublicKey) marshal(b *cryptobyte.Builder) {
	writeOpaque(b, k)
}

func (k *SignaturePublicKey) unmarshal(d *decoder) {
	*k = d.readOpaque()
}

type SignaturePrivateKey struct {
	Data      []byte
	PublicKey SignaturePublicKey
}

// struct {
//     opaque kem_output<V>;
//     opaque ciphertext<V>;
// } HPKECiphertext;
type HPKECiphertext struct {
	KEMOutput  []byte
	Ciphertext []byte
}

func (c HPKECiphertext) marshal(b *cryptobyte.Builder) {
	writeOpaque(b, c.KEMOutput)
	writeOpaque(b, c.Ciphertext)
}

func (c *HPKECiphertext) unmarshal(d *decoder) {
	c.KEMOutput = d.readOpaque()
	c.Ciphertext = d.readOpaque()
}

///
/// MLS-specific derivations
///

const labelPrefix = "MLS 1.0 "

func (s Suite) RandomBytes(n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(s.Rand, out); err != nil {
		return nil, classify(err, ErrDependency, "crypto", "reading randomness")
	}
	return out, nil
}

func (s Suite) zero() []byte {
	return make([]byte, s.KDF.Size())
}

func (s Suite) Digest(data []byte) []byte {
	return s.Hash.Digest(data)
}

func (s Suite) NewHPKEKey() (HPKEPrivateKey, error) {
	return s.HPKE.GenerateKeyPair(s.Rand)
}

func (s Suite) NewSignatureKey() (SignaturePrivateKey, error) {
	return s.Signature.GenerateKeyPair(s.Rand)
}

// struct {
//     uint16 length;
//     opaque label<V> = "MLS 1.0 " + Label;
//     opaque context<V>;
// } KDFLabel;
func (s Suite) expandWithLabel(secret []byte, label string, context []byte, length int) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(uint16(length))
	writeOpaque(b, []byte(labelPrefix+label))
	writeOpaque(b, context)
	return s.KDF.Expand(secret, b.BytesOrPanic(), length)
}

func (s Suite) deriveSecret(secret []byte, label string) []byte {
	return s.expandWithLabel(secret, label, nil, s.KDF.Size())
}

func (s Suite) deriveTreeSecret(secret []byte, label string, generation uint32, length int) []byte {
	ctx := cryptobyte.NewBuilder(nil)
	ctx.AddUint32(generation)
	return s.expandWithLabel(secret, label, ctx.BytesOrPanic(), length)
}

// struct {
//     opaque label<V>;
//     opaque value<V>;
// } RefHashInput;
func (s Suite) refHash(label string, value []byte) []byte {
	b := cryptobyte.NewBuilder(nil)
	writeOpaque(b, []byte(label))
	writeOpaque(b, value)
	return s.Digest(b.BytesOrPanic())
}

// struct {
//     opaque label<V> = "MLS 1.0 " + Label;
//     opaque content<V> = Content;
// } SignContent;
func signContent(label string, content []byte) []byte {
	b := cryptobyte.NewBuilder(nil)
	writeOpaque(b, []byte(labelPrefix+label))
	writeOpaque(b, content)
	return b.BytesOrPanic()
}

func (s Suite) signWithLabel(priv SignaturePrivateKey, label string, content []byte) ([]byte, error) {
	return s.Signature.Sign(s.Rand, priv, signContent(label, content))
}

func (s Suite) verifyWithLabel(pub SignaturePublicKey, label string, content, signature []byte) bool {
	return s.Signature.Verify(pub, signContent(label, content), signature)
}

// struct {
//     opaque label<V> = "MLS 1.0 " + Label;
//     opaque context<V> = Context;
// } EncryptContext;
func (s Suite) encryptWithLabel(pub HPKEPublicKey, label string, context, pt []byte) (HPKECiphertext, error) {
	return s.HPKE.Seal(s.Rand, pub, signContent(label, context), nil, pt)
}

func (s Suite) decryptWithLabel(priv HPKEPrivateKey, label string, context []byte, ct HPKECiphertext) ([]byte, error) {
	return s.HPKE.Open(priv, signContent(label, context), nil, ct)
}
