package mls

import (
	"bytes"

	"golang.org/x/crypto/cryptobyte"
)

// struct {
//     GroupContext group_context;
//     Extension extensions<V>;
//     MAC confirmation_tag;
//     uint32 signer;
//     /* SignWithLabel(., "GroupInfoTBS", GroupInfoTBS) */
//     opaque signature<V>;
// } GroupInfo;
type GroupInfo struct {
	GroupContext    GroupContext
	Extensions      ExtensionList
	ConfirmationTag []byte
	Signer          LeafIndex
	Signature       []byte
}

func (gi GroupInfo) marshalTBS(b *cryptobyte.Builder) {
	gi.GroupContext.marshal(b)
	gi.Extensions.marshal(b)
	writeOpaque(b, gi.ConfirmationTag)
	b.AddUint32(uint32(gi.Signer))
}

func (gi GroupInfo) marshal(b *cryptobyte.Builder) {
	gi.marshalTBS(b)
	writeOpaque(b, gi.Signature)
}

func (gi *GroupInfo) unmarshal(d *decoder) {
	gi.GroupContext.unmarshal(d)
	gi.Extensions.unmarshal(d)
	gi.ConfirmationTag = d.readOpaque()
	gi.Signer = LeafIndex(d.readUint32())
	gi.Signature = d.readOpaque()
}

func (gi GroupInfo) toBeSigned() []byte {
	b := cryptobyte.NewBuilder(nil)
	gi.marshalTBS(b)
	return b.BytesOrPanic()
}

func (gi *GroupInfo) sign(suite Suite, priv SignaturePrivateKey) error {
	sig, err := suite.signWithLabel(priv, "GroupInfoTBS", gi.toBeSigned())
	if err != nil {
		return err
	}

	gi.Signature = sig
	return nil
}

// verify checks the signature against the signer's leaf in the given tree
func (gi GroupInfo) verify(suite Suite, tree *RatchetTree) error {
	signer := tree.LeafNode(gi.Signer)
	if signer == nil {
		return validationError("welcome", "group info signer %d is not a member", gi.Signer)
	}

	if !suite.verifyWithLabel(signer.SignatureKey, "GroupInfoTBS", gi.toBeSigned(), gi.Signature) {
		return verifyError("welcome", "invalid group info signature")
	}
	return nil
}

// ratchetTree returns the tree carried in the ratchet_tree extension, if any
func (gi GroupInfo) ratchetTree(suite Suite) (*RatchetTree, bool, error) {
	ext := RatchetTreeExtension{Tree: NewRatchetTree(suite)}
	found, err := gi.Extensions.Find(&ext)
	if err != nil || !found {
		return nil, found, err
	}

	ext.Tree.Suite = suite
	return ext.Tree, true, nil
}

// struct {
//     opaque path_secret<V>;
// } PathSecret;
//
// struct {
//     opaque joiner_secret<V>;
//     optional<PathSecret> path_secret;
//     PreSharedKeyID psks<V>;
// } GroupSecrets;
type GroupSecrets struct {
	JoinerSecret []byte
	PathSecret   []byte
	PSKs         []PreSharedKeyID
}

func (gs GroupSecrets) marshal(b *cryptobyte.Builder) {
	writeOpaque(b, gs.JoinerSecret)
	writeOptional(b, gs.PathSecret != nil)
	if gs.PathSecret != nil {
		writeOpaque(b, gs.PathSecret)
	}
	writeList(b, gs.PSKs)
}

func (gs *GroupSecrets) unmarshal(d *decoder) {
	gs.JoinerSecret = d.readOpaque()
	gs.PathSecret = nil
	if d.readOptional() {
		gs.PathSecret = d.readOpaque()
		if gs.PathSecret == nil && d.ok() {
			gs.PathSecret = []byte{}
		}
	}
	gs.PSKs = readList[PreSharedKeyID](d)
}

// struct {
//     KeyPackageRef new_member;
//     HPKECiphertext encrypted_group_secrets;
// } EncryptedGroupSecrets;
type EncryptedGroupSecrets struct {
	NewMember             KeyPackageRef
	EncryptedGroupSecrets HPKECiphertext
}

func (egs EncryptedGroupSecrets) marshal(b *cryptobyte.Builder) {
	writeOpaque(b, egs.NewMember)
	egs.EncryptedGroupSecrets.marshal(b)
}

func (egs *EncryptedGroupSecrets) unmarshal(d *decoder) {
	egs.NewMember = d.readOpaque()
	egs.EncryptedGroupSecrets.unmarshal(d)
}

// struct {
//     CipherSuite cipher_suite;
//     EncryptedGroupSecrets secrets<V>;
//     opaque encrypted_group_info<V>;
// } Welcome;
type Welcome struct {
	CipherSuite        CipherSuite
	Secrets            []EncryptedGroupSecrets
	EncryptedGroupInfo []byte
}

func (w Welcome) marshal(b *cryptobyte.Builder) {
	b.AddUint16(uint16(w.CipherSuite))
	writeList(b, w.Secrets)
	writeOpaque(b, w.EncryptedGroupInfo)
}

func (w *Welcome) unmarshal(d *decoder) {
	w.CipherSuite = CipherSuite(d.readUint16())
	w.Secrets = readList[EncryptedGroupSecrets](d)
	w.EncryptedGroupInfo = d.readOpaque()
}

// newWelcome seals the GroupInfo under the welcome secret.  Recipients are
// added with encryptTo.
func newWelcome(suite Suite, welcomeSecret []byte, gi GroupInfo) (*Welcome, error) {
	kn := welcomeKeyAndNonce(suite, welcomeSecret)
	defer kn.erase()

	data, err := Marshal(gi)
	if err != nil {
		return nil, err
	}

	ct, err := suite.AEAD.Seal(kn.Key, kn.Nonce, nil, data)
	if err != nil {
		return nil, err
	}

	return &Welcome{
		CipherSuite:        suite.ID,
		Secrets:            []EncryptedGroupSecrets{},
		EncryptedGroupInfo: ct,
	}, nil
}

func (w *Welcome) encryptTo(suite Suite, kp KeyPackage, gs GroupSecrets) error {
	ref, err := kp.Ref(suite)
	if err != nil {
		return err
	}

	data, err := Marshal(gs)
	if err != nil {
		return err
	}

	ct, err := suite.encryptWithLabel(kp.InitKey, "Welcome", w.EncryptedGroupInfo, data)
	if err != nil {
		return err
	}

	w.Secrets = append(w.Secrets, EncryptedGroupSecrets{
		NewMember:             ref,
		EncryptedGroupSecrets: ct,
	})
	return nil
}

// find locates the secrets addressed to a KeyPackage
func (w Welcome) find(ref KeyPackageRef) (int, bool) {
	for i, s := range w.Secrets {
		if bytes.Equal(s.NewMember, ref) {
			return i, true
		}
	}
	return -1, false
}

func (w Welcome) decryptSecrets(suite Suite, index int, initPriv HPKEPrivateKey) (*GroupSecrets, error) {
	pt, err := suite.decryptWithLabel(initPriv, "Welcome", w.EncryptedGroupInfo, w.Secrets[index].EncryptedGroupSecrets)
	if err != nil {
		return nil, err
	}
	defer zeroize(pt)

	gs := new(GroupSecrets)
	if err := unmarshalExact(pt, gs); err != nil {
		return nil, err
	}
	return gs, nil
}

func (w Welcome) decryptGroupInfo(suite Suite, welcomeSecret []byte) (*GroupInfo, error) {
	kn := welcomeKeyAndNonce(suite, welcomeSecret)
	defer kn.erase()

	pt, err := suite.AEAD.Open(kn.Key, kn.Nonce, nil, w.EncryptedGroupInfo)
	if err != nil {
		return nil, verifyError("welcome", "group info decryption failed")
	}

	gi := new(GroupInfo)
	if err := unmarshalExact(pt, gi); err != nil {
		return nil, err
	}
	return gi, nil
}
