package mls

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEncryptionKeys(t *testing.T, suite Suite, size LeafCount) (*encryptionKeys, *encryptionKeys) {
	t.Helper()

	encryptionSecret := randomBytes(suite.KDF.Size())
	senderDataSecret := randomBytes(suite.KDF.Size())
	newKeys := func() *encryptionKeys {
		return &encryptionKeys{
			Suite:            suite,
			GroupID:          []byte("group"),
			Epoch:            3,
			SenderDataSecret: dup(senderDataSecret),
			SecretTree:       NewSecretTree(suite, size, dup(encryptionSecret), 1000, 5),
		}
	}
	return newKeys(), newKeys()
}

func signedContent(t *testing.T, suite Suite, sigPriv SignaturePrivateKey, fc FramedContent) AuthenticatedContent {
	t.Helper()

	gc := testGroupContext(suite)
	ac := AuthenticatedContent{WireFormat: WireFormatPrivateMessage, Content: fc}
	require.Nil(t, ac.sign(suite, sigPriv, &gc))
	return ac
}

func everyLeaf(LeafIndex) bool { return true }

func TestPrivateMessageRoundTrip(t *testing.T) {
	for _, cs := range supportedSuites {
		t.Run(cs.String(), func(t *testing.T) {
			suite := suiteFor(t, cs)
			gc := testGroupContext(suite)
			sigPriv, err := suite.NewSignatureKey()
			require.Nil(t, err)

			sender, receiver := newTestEncryptionKeys(t, suite, 4)

			app := testContent(gc, MemberSender(1))
			app.Proposal = nil
			app.Application = []byte("hello")

			for _, fc := range []FramedContent{app, testContent(gc, MemberSender(2))} {
				ac := signedContent(t, suite, sigPriv, fc)

				pm, err := sender.encrypt(ac, 0)
				require.Nil(t, err)
				require.Equal(t, fc.ContentType(), pm.ContentType)

				var wire PrivateMessage
				require.Nil(t, unmarshalExact(mustMarshal(pm), &wire))

				out, rk, err := receiver.decrypt(&wire, everyLeaf)
				require.Nil(t, err)
				rk.commit()
				require.Equal(t, WireFormatPrivateMessage, out.WireFormat)
				require.Equal(t, fc.Sender, out.Content.Sender)
				require.Equal(t, mustMarshal(ac), mustMarshal(out))
				require.Nil(t, out.verify(suite, sigPriv.PublicKey, &gc))
			}
		})
	}
}

func TestPrivateMessagePadding(t *testing.T) {
	suite := suiteFor(t, X25519_AES128GCM_SHA256_Ed25519)
	gc := testGroupContext(suite)
	sigPriv, err := suite.NewSignatureKey()
	require.Nil(t, err)

	sender, receiver := newTestEncryptionKeys(t, suite, 2)
	fc := testContent(gc, MemberSender(0))
	fc.Proposal = nil

	for _, blockSize := range []int{32, 128, 1024} {
		for _, size := range []int{0, 1, 200} {
			fc.Application = make([]byte, size)
			ac := signedContent(t, suite, sigPriv, fc)

			pm, err := sender.encrypt(ac, blockSize)
			require.Nil(t, err)
			require.Equal(t, 0, (len(pm.Ciphertext)-16)%blockSize)

			out, rk, err := receiver.decrypt(pm, everyLeaf)
			require.Nil(t, err)
			rk.commit()
			require.Equal(t, fc.Application, out.Content.Application)
		}
	}

	// Padding must be all zero
	data, err := marshalPrivateContent(fc, FramedContentAuthData{Signature: []byte{1}}, 64)
	require.Nil(t, err)
	_, _, err = unmarshalPrivateContent(data, ContentTypeApplication)
	require.Nil(t, err)

	data[len(data)-1] = 1
	_, _, err = unmarshalPrivateContent(data, ContentTypeApplication)
	require.True(t, errors.Is(err, ErrCodec))
}

func TestPrivateMessageFailures(t *testing.T) {
	suite := suiteFor(t, X25519_AES128GCM_SHA256_Ed25519)
	gc := testGroupContext(suite)
	sigPriv, err := suite.NewSignatureKey()
	require.Nil(t, err)

	sender, receiver := newTestEncryptionKeys(t, suite, 4)
	ac := signedContent(t, suite, sigPriv, testContent(gc, MemberSender(1)))

	pm, err := sender.encrypt(ac, 0)
	require.Nil(t, err)

	// Tampered ciphertext
	tampered := *pm
	tampered.Ciphertext = dup(pm.Ciphertext)
	tampered.Ciphertext[len(tampered.Ciphertext)-1] ^= 0x01
	_, _, err = receiver.decrypt(&tampered, everyLeaf)
	require.True(t, errors.Is(err, ErrCryptoVerification))

	// Tampered authenticated data
	tampered = *pm
	tampered.AuthenticatedData = []byte("other")
	_, _, err = receiver.decrypt(&tampered, everyLeaf)
	require.True(t, errors.Is(err, ErrCryptoVerification))

	// Wrong epoch
	tampered = *pm
	tampered.Epoch++
	_, _, err = receiver.decrypt(&tampered, everyLeaf)
	require.True(t, errors.Is(err, ErrInternal))

	// Blank sender
	_, _, err = receiver.decrypt(pm, func(LeafIndex) bool { return false })
	require.True(t, errors.Is(err, ErrValidation))

	// None of the failures used up the generation
	_, rk, err := receiver.decrypt(pm, everyLeaf)
	require.Nil(t, err)

	// Nor does a successful decrypt that is never committed
	_, rk2, err := receiver.decrypt(pm, everyLeaf)
	require.Nil(t, err)
	rk2.discard()

	// Replay after commit
	rk.commit()
	_, _, err = receiver.decrypt(pm, everyLeaf)
	require.True(t, errors.Is(err, ErrValidation))

	// Only members encrypt
	ext := signedContent(t, suite, sigPriv, testContent(gc, Sender{Type: SenderTypeExternal}))
	_, err = sender.encrypt(ext, 0)
	require.True(t, errors.Is(err, ErrUsage))
}

func TestPrivateMessageCodec(t *testing.T) {
	pm := PrivateMessage{
		GroupID:             []byte("group"),
		Epoch:               9,
		ContentType:         ContentTypeCommit,
		AuthenticatedData:   []byte{},
		EncryptedSenderData: []byte{1, 2, 3},
		Ciphertext:          []byte{4, 5, 6},
	}

	data, err := Marshal(pm)
	require.Nil(t, err)

	var decoded PrivateMessage
	require.Nil(t, unmarshalExact(data, &decoded))
	require.Equal(t, data, mustMarshal(decoded))

	// The content type follows the group ID and epoch
	data[len(pm.GroupID)+1+8] = 0x04
	err = unmarshalExact(data, &decoded)
	require.True(t, errors.Is(err, ErrCodec))
}
