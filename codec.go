package mls

import (
	"golang.org/x/crypto/cryptobyte"
)

// Wire encoding follows the TLS presentation language as profiled by MLS:
// big-endian fixed-width integers, and variable-length vectors whose length is
// prefixed with a 1, 2 or 4 byte header.  The two high bits of the first header
// byte select the header width:
//
//    00xxxxxx                             6-bit length
//    01xxxxxx xxxxxxxx                   14-bit length
//    10xxxxxx xxxxxxxx xxxxxxxx xxxxxxxx 30-bit length
//
// The 11 prefix is invalid, and a length must use the shortest header that can
// hold it.  optional<T> is a presence octet (0 or 1) followed by T if present.

const maxVectorLength = 1<<30 - 1

// Encodable values can be written with Marshal
type Encodable interface {
	marshal(b *cryptobyte.Builder)
}

// Decodable values can be read with Unmarshal
type Decodable interface {
	unmarshal(d *decoder)
}

// Marshal encodes v in its wire format
func Marshal(v Encodable) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	v.marshal(b)
	data, err := b.Bytes()
	if err != nil {
		return nil, classify(err, ErrCodec, "codec", "encode")
	}
	return data, nil
}

// Unmarshal decodes one value from the front of data and reports how many bytes
// it consumed.  If data ends before the value is complete, the error wraps
// ErrNeedMoreData; any other decoding failure wraps ErrCodec.
func Unmarshal(data []byte, v Decodable) (int, error) {
	d := &decoder{s: cryptobyte.String(data)}
	v.unmarshal(d)
	if d.err != nil {
		return 0, d.err
	}
	return len(data) - len(d.s), nil
}

// unmarshalExact decodes v and rejects trailing bytes
func unmarshalExact(data []byte, v Decodable) error {
	read, err := Unmarshal(data, v)
	if err != nil {
		return err
	}
	if read != len(data) {
		return codecError("codec", "%d trailing bytes", len(data)-read)
	}
	return nil
}

// mustMarshal is for values whose fields are built locally and bounded in size
func mustMarshal(v Encodable) []byte {
	data, err := Marshal(v)
	if err != nil {
		panic(internalError("codec", "encoding locally built value: %v", err))
	}
	return data
}

///
/// Encoding
///

func writeVarint(b *cryptobyte.Builder, n int) {
	switch {
	case n < 0 || n > maxVectorLength:
		b.SetError(codecError("codec", "vector length %d out of range", n))
	case n < 1<<6:
		b.AddUint8(uint8(n))
	case n < 1<<14:
		b.AddUint16(uint16(n) | 0x4000)
	default:
		b.AddUint32(uint32(n) | 0x80000000)
	}
}

func writeOpaque(b *cryptobyte.Builder, data []byte) {
	writeVarint(b, len(data))
	b.AddBytes(data)
}

func writeVector(b *cryptobyte.Builder, f func(b *cryptobyte.Builder)) {
	child := cryptobyte.NewBuilder(nil)
	f(child)
	data, err := child.Bytes()
	if err != nil {
		b.SetError(err)
		return
	}
	writeOpaque(b, data)
}

func writeList[T Encodable](b *cryptobyte.Builder, list []T) {
	writeVector(b, func(b *cryptobyte.Builder) {
		for _, x := range list {
			x.marshal(b)
		}
	})
}

func writeOptional(b *cryptobyte.Builder, present bool) {
	if present {
		b.AddUint8(1)
	} else {
		b.AddUint8(0)
	}
}

func writeBool(b *cryptobyte.Builder, v bool) {
	writeOptional(b, v)
}

///
/// Decoding
///

type decoder struct {
	s   cryptobyte.String
	err error

	// Set when reading inside a length-delimited region, where running out of
	// bytes means the region lied about its contents.
	inner bool
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) ok() bool {
	return d.err == nil
}

func (d *decoder) short(what string) {
	if d.inner {
		d.fail(codecError("codec", "truncated %s", what))
		return
	}
	d.fail(newError(ErrNeedMoreData, "codec", "reading %s", what))
}

func (d *decoder) malformed(format string, args ...interface{}) {
	d.fail(codecError("codec", format, args...))
}

func (d *decoder) readUint8() uint8 {
	var v uint8
	if d.err == nil && !d.s.ReadUint8(&v) {
		d.short("uint8")
	}
	return v
}

func (d *decoder) readUint16() uint16 {
	var v uint16
	if d.err == nil && !d.s.ReadUint16(&v) {
		d.short("uint16")
	}
	return v
}

func (d *decoder) readUint32() uint32 {
	var v uint32
	if d.err == nil && !d.s.ReadUint32(&v) {
		d.short("uint32")
	}
	return v
}

func (d *decoder) readUint64() uint64 {
	var v uint64
	if d.err == nil && !d.s.ReadUint64(&v) {
		d.short("uint64")
	}
	return v
}

func (d *decoder) readVarint() int {
	if d.err != nil {
		return 0
	}
	if len(d.s) == 0 {
		d.short("length")
		return 0
	}

	switch d.s[0] >> 6 {
	case 0:
		var v uint8
		d.s.ReadUint8(&v)
		return int(v)

	case 1:
		var v uint16
		if !d.s.ReadUint16(&v) {
			d.short("length")
			return 0
		}
		n := int(v & 0x3fff)
		if n < 1<<6 {
			d.malformed("non-minimal length encoding")
		}
		return n

	case 2:
		var v uint32
		if !d.s.ReadUint32(&v) {
			d.short("length")
			return 0
		}
		n := int(v & 0x3fffffff)
		if n < 1<<14 {
			d.malformed("non-minimal length encoding")
		}
		return n
	}

	d.malformed("invalid length prefix")
	return 0
}

func (d *decoder) readOpaque() []byte {
	n := d.readVarint()
	if d.err != nil {
		return nil
	}

	var out []byte
	if !d.s.ReadBytes(&out, n) {
		d.short("vector body")
		return nil
	}
	return dup(out)
}

// readVector calls f until the length-delimited region is consumed
func (d *decoder) readVector(f func(d *decoder)) {
	region := d.readOpaque()
	if d.err != nil {
		return
	}

	sub := &decoder{s: cryptobyte.String(region), inner: true}
	for sub.err == nil && !sub.s.Empty() {
		before := len(sub.s)
		f(sub)
		if sub.err == nil && len(sub.s) == before {
			sub.malformed("vector element consumed no bytes")
		}
	}

	if sub.err != nil {
		d.fail(sub.err)
	}
}

func readList[T any, PT interface {
	*T
	Decodable
}](d *decoder) []T {
	out := []T{}
	d.readVector(func(d *decoder) {
		var x T
		PT(&x).unmarshal(d)
		out = append(out, x)
	})
	return out
}

func (d *decoder) readOptional() bool {
	flag := d.readUint8()
	switch flag {
	case 0:
		return false
	case 1:
		return true
	}

	d.malformed("invalid presence flag %d", flag)
	return false
}

func (d *decoder) readBool() bool {
	return d.readOptional()
}

///
/// Common vector types
///

// opaqueList is a vector of opaque values
type opaqueList [][]byte

func (l opaqueList) marshal(b *cryptobyte.Builder) {
	writeVector(b, func(b *cryptobyte.Builder) {
		for _, x := range l {
			writeOpaque(b, x)
		}
	})
}

func (l *opaqueList) unmarshal(d *decoder) {
	*l = opaqueList{}
	d.readVector(func(d *decoder) {
		*l = append(*l, d.readOpaque())
	})
}

func writeUint16List(b *cryptobyte.Builder, list []uint16) {
	writeVector(b, func(b *cryptobyte.Builder) {
		for _, x := range list {
			b.AddUint16(x)
		}
	})
}

func (d *decoder) readUint16List() []uint16 {
	out := []uint16{}
	d.readVector(func(d *decoder) {
		out = append(out, d.readUint16())
	})
	return out
}

func writeUint32List(b *cryptobyte.Builder, list []uint32) {
	writeVector(b, func(b *cryptobyte.Builder) {
		for _, x := range list {
			b.AddUint32(x)
		}
	})
}

func (d *decoder) readUint32List() []uint32 {
	out := []uint32{}
	d.readVector(func(d *decoder) {
		out = append(out, d.readUint32())
	})
	return out
}
