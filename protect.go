package mls

import (
	"io"

	"golang.org/x/crypto/cryptobyte"
)

const reuseGuardSize = 4

// struct {
//     opaque group_id<V>;
//     uint64 epoch;
//     ContentType content_type;
//     opaque authenticated_data<V>;
//     opaque encrypted_sender_data<V>;
//     opaque ciphertext<V>;
// } PrivateMessage;
type PrivateMessage struct {
	GroupID             []byte
	Epoch               Epoch
	ContentType         ContentType
	AuthenticatedData   []byte
	EncryptedSenderData []byte
	Ciphertext          []byte
}

func (pm PrivateMessage) marshal(b *cryptobyte.Builder) {
	writeOpaque(b, pm.GroupID)
	b.AddUint64(uint64(pm.Epoch))
	b.AddUint8(uint8(pm.ContentType))
	writeOpaque(b, pm.AuthenticatedData)
	writeOpaque(b, pm.EncryptedSenderData)
	writeOpaque(b, pm.Ciphertext)
}

func (pm *PrivateMessage) unmarshal(d *decoder) {
	pm.GroupID = d.readOpaque()
	pm.Epoch = Epoch(d.readUint64())
	pm.ContentType = ContentType(d.readUint8())
	if d.ok() {
		if err := validateEnum(pm.ContentType, ContentTypeApplication, ContentTypeProposal, ContentTypeCommit); err != nil {
			d.fail(err)
		}
	}
	pm.AuthenticatedData = d.readOpaque()
	pm.EncryptedSenderData = d.readOpaque()
	pm.Ciphertext = d.readOpaque()
}

// struct {
//     uint32 leaf_index;
//     uint32 generation;
//     opaque reuse_guard[4];
// } SenderData;
type SenderData struct {
	Leaf       LeafIndex
	Generation uint32
	ReuseGuard [reuseGuardSize]byte
}

func (sd SenderData) marshal(b *cryptobyte.Builder) {
	b.AddUint32(uint32(sd.Leaf))
	b.AddUint32(sd.Generation)
	b.AddBytes(sd.ReuseGuard[:])
}

func (sd *SenderData) unmarshal(d *decoder) {
	sd.Leaf = LeafIndex(d.readUint32())
	sd.Generation = d.readUint32()
	for i := range sd.ReuseGuard {
		sd.ReuseGuard[i] = d.readUint8()
	}
}

// struct {
//     opaque group_id<V>;
//     uint64 epoch;
//     ContentType content_type;
// } SenderDataAAD;
func senderDataAAD(groupID []byte, epoch Epoch, ct ContentType) []byte {
	b := cryptobyte.NewBuilder(nil)
	writeOpaque(b, groupID)
	b.AddUint64(uint64(epoch))
	b.AddUint8(uint8(ct))
	return b.BytesOrPanic()
}

// struct {
//     opaque group_id<V>;
//     uint64 epoch;
//     ContentType content_type;
//     opaque authenticated_data<V>;
// } PrivateContentAAD;
func privateContentAAD(groupID []byte, epoch Epoch, ct ContentType, authenticatedData []byte) []byte {
	b := cryptobyte.NewBuilder(nil)
	writeOpaque(b, groupID)
	b.AddUint64(uint64(epoch))
	b.AddUint8(uint8(ct))
	writeOpaque(b, authenticatedData)
	return b.BytesOrPanic()
}

// senderDataKeys derives the sender data key and nonce from the first Nh bytes
// of the content ciphertext
func senderDataKeys(suite Suite, senderDataSecret, ciphertext []byte) keyAndNonce {
	sample := ciphertext
	if len(sample) > suite.KDF.Size() {
		sample = sample[:suite.KDF.Size()]
	}

	return keyAndNonce{
		Key:   suite.expandWithLabel(senderDataSecret, "key", sample, suite.AEAD.KeySize()),
		Nonce: suite.expandWithLabel(senderDataSecret, "nonce", sample, suite.AEAD.NonceSize()),
	}
}

func applyGuard(nonce []byte, reuseGuard [reuseGuardSize]byte) []byte {
	out := dup(nonce)
	for i := range reuseGuard {
		out[i] ^= reuseGuard[i]
	}
	return out
}

// struct {
//     select (PrivateMessage.content_type) {
//         case application:
//           opaque application_data<V>;
//         case proposal:
//           Proposal proposal;
//         case commit:
//           Commit commit;
//     };
//
//     FramedContentAuthData auth;
//     opaque padding[length_of_padding];
// } PrivateMessageContent;
func marshalPrivateContent(fc FramedContent, auth FramedContentAuthData, blockSize int) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	fc.marshalBody(b)
	auth.marshal(b, fc.ContentType())
	data, err := b.Bytes()
	if err != nil {
		return nil, classify(err, ErrCodec, "protect", "private content")
	}

	if blockSize > 1 {
		if rem := len(data) % blockSize; rem != 0 {
			data = append(data, make([]byte, blockSize-rem)...)
		}
	}
	return data, nil
}

func unmarshalPrivateContent(data []byte, ct ContentType) (FramedContent, FramedContentAuthData, error) {
	var fc FramedContent
	var auth FramedContentAuthData

	d := &decoder{s: cryptobyte.String(data), inner: true}
	fc.unmarshalBody(d, ct)
	auth.unmarshal(d, ct)
	if d.err != nil {
		return fc, auth, d.err
	}

	for _, x := range d.s {
		if x != 0 {
			return fc, auth, codecError("protect", "non-zero padding")
		}
	}
	return fc, auth, nil
}

// encryptionKeys is the per-epoch material needed to protect and unprotect
// PrivateMessages.  Past epochs keep one of these around for late messages.
type encryptionKeys struct {
	Suite            Suite
	GroupID          []byte
	Epoch            Epoch
	SenderDataSecret []byte
	SecretTree       *SecretTree
}

func (ek *encryptionKeys) clone() *encryptionKeys {
	return &encryptionKeys{
		Suite:            ek.Suite,
		GroupID:          dup(ek.GroupID),
		Epoch:            ek.Epoch,
		SenderDataSecret: dup(ek.SenderDataSecret),
		SecretTree:       ek.SecretTree.Clone(),
	}
}

func (ek *encryptionKeys) erase() {
	zeroize(ek.SenderDataSecret)
	ek.SecretTree.erase()
}

// encrypt seals signed content from a member sender.  The sender's ratchet for
// the content type advances in place.
func (ek *encryptionKeys) encrypt(ac AuthenticatedContent, blockSize int) (*PrivateMessage, error) {
	suite := ek.Suite
	fc := ac.Content
	if fc.Sender.Type != SenderTypeMember {
		return nil, usageError("protect", "only members can send private messages")
	}

	rt := ratchetHandshake
	if fc.ContentType() == ContentTypeApplication {
		rt = ratchetApplication
	}

	generation, kn, err := ek.SecretTree.Next(fc.Sender.Leaf(), rt)
	if err != nil {
		return nil, err
	}
	defer kn.erase()

	var guard [reuseGuardSize]byte
	if _, err := io.ReadFull(suite.Rand, guard[:]); err != nil {
		return nil, classify(err, ErrDependency, "protect", "reading reuse guard")
	}

	pt, err := marshalPrivateContent(fc, ac.Auth, blockSize)
	if err != nil {
		return nil, err
	}

	aad := privateContentAAD(fc.GroupID, fc.Epoch, fc.ContentType(), fc.AuthenticatedData)
	ct, err := suite.AEAD.Seal(kn.Key, applyGuard(kn.Nonce, guard), aad, pt)
	if err != nil {
		return nil, err
	}

	sd := SenderData{Leaf: fc.Sender.Leaf(), Generation: generation, ReuseGuard: guard}
	sdKeys := senderDataKeys(suite, ek.SenderDataSecret, ct)
	defer sdKeys.erase()

	sdCt, err := suite.AEAD.Seal(sdKeys.Key, sdKeys.Nonce, senderDataAAD(fc.GroupID, fc.Epoch, fc.ContentType()), mustMarshal(sd))
	if err != nil {
		return nil, err
	}

	return &PrivateMessage{
		GroupID:             dup(fc.GroupID),
		Epoch:               fc.Epoch,
		ContentType:         fc.ContentType(),
		AuthenticatedData:   dup(fc.AuthenticatedData),
		EncryptedSenderData: sdCt,
		Ciphertext:          ct,
	}, nil
}

// decrypt opens a PrivateMessage and returns the content with its (not yet
// verified) signature.  occupied reports whether a leaf may send.  The
// sender's generation is consumed only when the caller commits the returned
// key.
func (ek *encryptionKeys) decrypt(pm *PrivateMessage, occupied func(LeafIndex) bool) (AuthenticatedContent, *receivedKey, error) {
	suite := ek.Suite
	if pm.Epoch != ek.Epoch {
		return AuthenticatedContent{}, nil, internalError("protect", "epoch %d routed to keys for %d", pm.Epoch, ek.Epoch)
	}

	sdKeys := senderDataKeys(suite, ek.SenderDataSecret, pm.Ciphertext)
	defer sdKeys.erase()

	sdData, err := suite.AEAD.Open(sdKeys.Key, sdKeys.Nonce, senderDataAAD(pm.GroupID, pm.Epoch, pm.ContentType), pm.EncryptedSenderData)
	if err != nil {
		return AuthenticatedContent{}, nil, verifyError("protect", "sender data decryption failed")
	}

	var sd SenderData
	if err := unmarshalExact(sdData, &sd); err != nil {
		return AuthenticatedContent{}, nil, classify(err, ErrCodec, "protect", "sender data")
	}

	if !occupied(sd.Leaf) {
		return AuthenticatedContent{}, nil, validationError("protect", "message from blank leaf %d", sd.Leaf)
	}

	rt := ratchetHandshake
	if pm.ContentType == ContentTypeApplication {
		rt = ratchetApplication
	}

	rk, err := ek.SecretTree.Peek(sd.Leaf, rt, sd.Generation)
	if err != nil {
		return AuthenticatedContent{}, nil, err
	}
	defer rk.keyAndNonce.erase()

	aad := privateContentAAD(pm.GroupID, pm.Epoch, pm.ContentType, pm.AuthenticatedData)
	pt, err := suite.AEAD.Open(rk.Key, applyGuard(rk.Nonce, sd.ReuseGuard), aad, pm.Ciphertext)
	if err != nil {
		rk.discard()
		return AuthenticatedContent{}, nil, verifyError("protect", "content decryption failed for leaf %d generation %d", sd.Leaf, sd.Generation)
	}

	fc, auth, err := unmarshalPrivateContent(pt, pm.ContentType)
	if err != nil {
		rk.discard()
		return AuthenticatedContent{}, nil, err
	}

	fc.GroupID = dup(pm.GroupID)
	fc.Epoch = pm.Epoch
	fc.Sender = MemberSender(sd.Leaf)
	fc.AuthenticatedData = dup(pm.AuthenticatedData)

	return AuthenticatedContent{
		WireFormat: WireFormatPrivateMessage,
		Content:    fc,
		Auth:       auth,
	}, rk, nil
}
