package mls

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var streamTestInputs = struct {
	val1    HPKEPublicKey
	val2    Sender
	val3    HPKEPublicKey
	encoded []byte
}{
	HPKEPublicKey{0xA0, 0xA0},
	Sender{Type: SenderTypeMember, Index: 0xB0B0B0B0},
	HPKEPublicKey{},
	unhex("02A0A001B0B0B0B000"),
}

func TestWriteStream(t *testing.T) {
	w := NewWriteStream()

	err := w.Write(streamTestInputs.val1)
	require.Nil(t, err)

	err = w.Write(streamTestInputs.val2)
	require.Nil(t, err)

	err = w.Write(streamTestInputs.val3)
	require.Nil(t, err)

	require.Equal(t, streamTestInputs.encoded, w.Data())

	w2 := NewWriteStream()
	err = w2.WriteAll(streamTestInputs.val1, streamTestInputs.val2, streamTestInputs.val3)
	require.Nil(t, err)
	require.Equal(t, streamTestInputs.encoded, w2.Data())

	w3 := NewWriteStream()
	w3.Append(streamTestInputs.encoded[:3])
	require.Nil(t, w3.Write(streamTestInputs.val2))
	w3.Append(streamTestInputs.encoded[8:])
	require.Equal(t, streamTestInputs.encoded, w3.Data())
}

func TestReadStream(t *testing.T) {
	var val1, val3 HPKEPublicKey
	var val2 Sender

	r := NewReadStream(streamTestInputs.encoded)
	read, err := r.Read(&val1)
	require.Nil(t, err)
	require.Equal(t, 3, read)
	require.Equal(t, streamTestInputs.val1, val1)

	read, err = r.ReadAll(&val2, &val3)
	require.Nil(t, err)
	require.Equal(t, 6, read)
	require.Equal(t, streamTestInputs.val2, val2)
	require.Equal(t, 0, len(val3))
	require.Equal(t, 0, r.Remaining())
	require.Equal(t, len(streamTestInputs.encoded), r.Consumed())
}

func TestReadStreamFeed(t *testing.T) {
	var val1 HPKEPublicKey
	var val2 Sender

	// A partial value leaves the cursor in place until the rest arrives
	r := NewReadStream(streamTestInputs.encoded[:5])
	_, err := r.ReadAll(&val1, &val2)
	require.True(t, errors.Is(err, ErrNeedMoreData))
	require.Equal(t, 0, r.Consumed())

	r.Feed(streamTestInputs.encoded[5:])
	read, err := r.ReadAll(&val1, &val2)
	require.Nil(t, err)
	require.Equal(t, 8, read)
	require.Equal(t, streamTestInputs.val2, val2)
	require.Equal(t, 1, r.Remaining())
}

func TestReadMessages(t *testing.T) {
	suite := suiteFor(t, X25519_AES128GCM_SHA256_Ed25519)
	gc := testGroupContext(suite)

	msgs := []Encodable{
		MLSMessage{Version: ProtocolVersionMLS10, PublicMessage: &PublicMessage{
			Content: testContent(gc, Sender{Type: SenderTypeExternal}),
			Auth:    FramedContentAuthData{Signature: []byte{1}},
		}},
		MLSMessage{Version: ProtocolVersionMLS10, PrivateMessage: &PrivateMessage{
			GroupID:             gc.GroupID,
			Epoch:               gc.Epoch,
			ContentType:         ContentTypeCommit,
			AuthenticatedData:   []byte{},
			EncryptedSenderData: []byte{2},
			Ciphertext:          []byte{3},
		}},
	}

	w := NewWriteStream()
	require.Nil(t, w.WriteAll(msgs...))

	out, err := NewReadStream(w.Data()).ReadMessages()
	require.Nil(t, err)
	require.Len(t, out, 2)
	require.Equal(t, WireFormatPublicMessage, out[0].WireFormat())
	require.Equal(t, WireFormatPrivateMessage, out[1].WireFormat())

	// A truncated final message is an error once the stream is complete
	_, err = NewReadStream(w.Data()[:len(w.Data())-1]).ReadMessages()
	require.True(t, errors.Is(err, ErrCodec))

	out, err = NewReadStream(nil).ReadMessages()
	require.Nil(t, err)
	require.Empty(t, out)
}
