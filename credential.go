package mls

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/x509"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

type CredentialType uint16

const (
	CredentialTypeBasic CredentialType = 0x0001
	CredentialTypeX509  CredentialType = 0x0002
)

// X509Credential is a certificate chain, leaf first
type X509Credential struct {
	Chain []*x509.Certificate
}

func (cred X509Credential) PublicKey() (SignaturePublicKey, error) {
	switch pub := cred.Chain[0].PublicKey.(type) {
	case *ecdsa.PublicKey:
		return SignaturePublicKey(elliptic.Marshal(pub.Curve, pub.X, pub.Y)), nil

	case ed25519.PublicKey:
		return SignaturePublicKey(pub), nil
	}

	return nil, validationError("credential", "unsupported public key type in certificate")
}

func (cred X509Credential) Equals(other *X509Credential) bool {
	if other == nil || len(cred.Chain) != len(other.Chain) {
		return false
	}

	for i, cert := range cred.Chain {
		if !cert.Equal(other.Chain[i]) {
			return false
		}
	}

	return true
}

// This is essentially a copy of what is in crypto/x509, but with things exposed
// that are hidden in that module.
type certPool struct {
	byKeyID map[string]*x509.Certificate
	byName  map[string]*x509.Certificate
}

func newCertPool(trusted []*x509.Certificate) *certPool {
	pool := &certPool{
		byKeyID: map[string]*x509.Certificate{},
		byName:  map[string]*x509.Certificate{},
	}

	for _, cert := range trusted {
		pool.byName[string(cert.RawSubject)] = cert
		if len(cert.SubjectKeyId) > 0 {
			pool.byKeyID[string(cert.SubjectKeyId)] = cert
		}
	}

	return pool
}

func (pool certPool) parent(cert *x509.Certificate) (*x509.Certificate, bool) {
	aki := string(cert.AuthorityKeyId)
	if parent, ok := pool.byKeyID[aki]; len(aki) > 0 && ok {
		return parent, true
	}

	parent, ok := pool.byName[string(cert.RawIssuer)]
	return parent, ok
}

// Verify checks hop-by-hop signatures up to a trusted certificate.  Name
// constraints and other path policy are not considered.
func (cred X509Credential) Verify(trusted []*x509.Certificate) error {
	pool := newCertPool(trusted)

	for i := 0; i < len(cred.Chain)-1; i++ {
		curr, next := cred.Chain[i], cred.Chain[i+1]

		// A valid signature from a trust anchor ends the walk early
		if parent, ok := pool.parent(curr); ok && curr.CheckSignatureFrom(parent) == nil {
			return nil
		}

		if err := curr.CheckSignatureFrom(next); err != nil {
			return validationError("credential", "broken certificate chain at %d: %v", i, err)
		}
	}

	last := cred.Chain[len(cred.Chain)-1]
	parent, ok := pool.parent(last)
	if !ok {
		return validationError("credential", "no candidate trust anchor found")
	}

	if err := last.CheckSignatureFrom(parent); err != nil {
		return validationError("credential", "untrusted certificate chain: %v", err)
	}
	return nil
}

// struct {
//     CredentialType credential_type;
//     select (Credential.credential_type) {
//         case basic:
//             opaque identity<V>;
//         case x509:
//             Certificate certificates<V>;
//     };
// } Credential;
type Credential struct {
	Basic []byte
	X509  *X509Credential
}

func NewBasicCredential(identity []byte) Credential {
	return Credential{Basic: dup(identity)}
}

func NewX509Credential(chain []*x509.Certificate) (Credential, error) {
	if len(chain) == 0 {
		return Credential{}, validationError("credential", "at least one certificate is required")
	}

	return Credential{X509: &X509Credential{Chain: chain}}, nil
}

func (c Credential) Type() CredentialType {
	if c.X509 != nil {
		return CredentialTypeX509
	}
	return CredentialTypeBasic
}

func (c Credential) Identity() []byte {
	if c.X509 != nil {
		return c.X509.Chain[0].RawSubject
	}
	return c.Basic
}

func (c Credential) Equals(o Credential) bool {
	if c.Type() != o.Type() {
		return false
	}

	if c.X509 != nil {
		return c.X509.Equals(o.X509)
	}
	return bytes.Equal(c.Basic, o.Basic)
}

func (c Credential) String() string {
	return fmt.Sprintf("%s(%x)", map[CredentialType]string{
		CredentialTypeBasic: "basic",
		CredentialTypeX509:  "x509",
	}[c.Type()], c.Identity())
}

func (c Credential) marshal(b *cryptobyte.Builder) {
	b.AddUint16(uint16(c.Type()))
	switch c.Type() {
	case CredentialTypeBasic:
		writeOpaque(b, c.Basic)

	case CredentialTypeX509:
		writeVector(b, func(b *cryptobyte.Builder) {
			for _, cert := range c.X509.Chain {
				writeOpaque(b, cert.Raw)
			}
		})
	}
}

func (c *Credential) unmarshal(d *decoder) {
	credType := CredentialType(d.readUint16())
	switch credType {
	case CredentialTypeBasic:
		c.Basic = d.readOpaque()
		c.X509 = nil

	case CredentialTypeX509:
		var raw opaqueList
		raw.unmarshal(d)
		if !d.ok() {
			return
		}

		chain := make([]*x509.Certificate, len(raw))
		for i, der := range raw {
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				d.malformed("certificate %d: %v", i, err)
				return
			}
			chain[i] = cert
		}

		if len(chain) == 0 {
			d.malformed("empty certificate chain")
			return
		}

		c.Basic = nil
		c.X509 = &X509Credential{Chain: chain}

	default:
		if d.ok() {
			d.malformed("unsupported credential type %d", credType)
		}
	}
}

///
/// Authentication service
///

// AuthenticationService decides whether a credential is acceptable for use with
// a signature key.  It is consulted whenever a credential enters the group or
// changes within it.
type AuthenticationService interface {
	ValidateCredential(cred Credential, signatureKey SignaturePublicKey) bool
}

// BasicAuthenticationService accepts every basic credential, and X.509
// credentials that chain to one of Roots and certify the signature key.
type BasicAuthenticationService struct {
	Roots []*x509.Certificate
}

func (as BasicAuthenticationService) ValidateCredential(cred Credential, signatureKey SignaturePublicKey) bool {
	if cred.X509 == nil {
		return true
	}

	pub, err := cred.X509.PublicKey()
	if err != nil || !pub.Equals(signatureKey) {
		return false
	}

	return cred.X509.Verify(as.Roots) == nil
}

// AuthenticationServiceFunc adapts a function to the AuthenticationService interface
type AuthenticationServiceFunc func(cred Credential, signatureKey SignaturePublicKey) bool

func (f AuthenticationServiceFunc) ValidateCredential(cred Credential, signatureKey SignaturePublicKey) bool {
	return f(cred, signatureKey)
}
