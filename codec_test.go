package mls

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
)

func TestVarintEncoding(t *testing.T) {
	cases := []struct {
		length int
		header []byte
	}{
		{0, unhex("00")},
		{37, unhex("25")},
		{63, unhex("3f")},
		{64, unhex("4040")},
		{15293, unhex("7bbd")},
		{16383, unhex("7fff")},
		{16384, unhex("80004000")},
		{494878333, unhex("9d7f3e7d")},
	}

	for _, c := range cases {
		b := cryptobyte.NewBuilder(nil)
		writeVarint(b, c.length)
		data, err := b.Bytes()
		require.Nil(t, err)
		require.Equal(t, c.header, data)

		d := &decoder{s: cryptobyte.String(data)}
		require.Equal(t, c.length, d.readVarint())
		require.Nil(t, d.err)
	}

	b := cryptobyte.NewBuilder(nil)
	writeVarint(b, maxVectorLength+1)
	_, err := b.Bytes()
	require.True(t, errors.Is(err, ErrCodec))
}

func TestVarintMalformed(t *testing.T) {
	cases := map[string][]byte{
		"invalid prefix":        unhex("c0"),
		"non-minimal two-byte":  unhex("4025"),
		"non-minimal four-byte": unhex("80000025"),
	}

	for label, data := range cases {
		t.Run(label, func(t *testing.T) {
			d := &decoder{s: cryptobyte.String(data)}
			d.readVarint()
			require.True(t, errors.Is(d.err, ErrCodec))
		})
	}
}

func TestOpaqueRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 63, 64, 300, 16384} {
		original := HPKEPublicKey(bytes.Repeat([]byte{0xA5}, size))

		data, err := Marshal(original)
		require.Nil(t, err)

		var decoded HPKEPublicKey
		read, err := Unmarshal(data, &decoded)
		require.Nil(t, err)
		require.Equal(t, len(data), read)
		require.True(t, original.Equals(decoded))
	}
}

func TestNeedMoreData(t *testing.T) {
	original := HPKEPublicKey(bytes.Repeat([]byte{0xA5}, 100))
	data, err := Marshal(original)
	require.Nil(t, err)

	// Every proper prefix is incomplete rather than malformed
	for i := 0; i < len(data); i++ {
		var decoded HPKEPublicKey
		_, err := Unmarshal(data[:i], &decoded)
		require.True(t, errors.Is(err, ErrNeedMoreData), "prefix %d", i)
		require.False(t, errors.Is(err, ErrCodec))
	}

	// Trailing bytes are tolerated by Unmarshal and rejected by unmarshalExact
	var decoded HPKEPublicKey
	read, err := Unmarshal(append(data, 0xff), &decoded)
	require.Nil(t, err)
	require.Equal(t, len(data), read)
	require.True(t, errors.Is(unmarshalExact(append(data, 0xff), &decoded), ErrCodec))
}

func TestTruncationInsideVector(t *testing.T) {
	// The outer vector claims four bytes, but its one element claims five
	list := opaqueList{[]byte{1, 2, 3}}
	data, err := Marshal(list)
	require.Nil(t, err)
	require.Equal(t, unhex("0403010203"), data)

	data[1] = 0x05
	var decoded opaqueList
	_, err = Unmarshal(data, &decoded)
	require.True(t, errors.Is(err, ErrCodec))
	require.False(t, errors.Is(err, ErrNeedMoreData))
}

func TestOptionalAndBool(t *testing.T) {
	b := cryptobyte.NewBuilder(nil)
	writeOptional(b, true)
	writeOptional(b, false)
	writeBool(b, true)
	data, err := b.Bytes()
	require.Nil(t, err)
	require.Equal(t, unhex("010001"), data)

	d := &decoder{s: cryptobyte.String(data)}
	require.True(t, d.readOptional())
	require.False(t, d.readOptional())
	require.True(t, d.readBool())
	require.Nil(t, d.err)

	d = &decoder{s: cryptobyte.String(unhex("02"))}
	d.readOptional()
	require.True(t, errors.Is(d.err, ErrCodec))
}

func TestIntegerLists(t *testing.T) {
	b := cryptobyte.NewBuilder(nil)
	writeUint16List(b, []uint16{1, 0xfffe})
	writeUint32List(b, []uint32{})
	data, err := b.Bytes()
	require.Nil(t, err)
	require.Equal(t, unhex("040001fffe00"), data)

	d := &decoder{s: cryptobyte.String(data)}
	require.Equal(t, []uint16{1, 0xfffe}, d.readUint16List())
	require.Equal(t, []uint32{}, d.readUint32List())
	require.Nil(t, d.err)

	// An odd number of bytes cannot hold uint16s
	d = &decoder{s: cryptobyte.String(unhex("03000100"))}
	d.readUint16List()
	require.True(t, errors.Is(d.err, ErrCodec))
}
