package token

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"unicode/utf8"

	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Token Type Definition
// --------------------------------------------------------------------------

// TokenType identifies the wire encoding of a token value
type TokenType uint8

const (
	TypeByte        TokenType = 0x00 // uint8
	TypeUShort      TokenType = 0x01 // uint16
	TypeULong       TokenType = 0x02 // uint32
	TypeLong        TokenType = 0x03 // int32
	TypeULongLong   TokenType = 0x04 // uint64
	TypeLongLong    TokenType = 0x05 // int64
	TypeGUID        TokenType = 0x06 // uuid.UUID
	TypeSmallString TokenType = 0x07 // string, 1 byte length prefix
	TypeString      TokenType = 0x08 // string, 2 byte length prefix
	TypeULongString TokenType = 0x09 // string, 4 byte length prefix
	TypeSmallBytes  TokenType = 0x0A // []byte, 1 byte length prefix
	TypeBytes       TokenType = 0x0B // []byte, 2 byte length prefix
	TypeULongBytes  TokenType = 0x0C // []byte, 4 byte length prefix
	TypeFloat       TokenType = 0x0D // float32
	TypeDouble      TokenType = 0x0E // float64
	TypeInvalid     TokenType = 0xFF // sentinel for absent or unknown headers
)

// GUIDLength is the encoded size of a GUID
const GUIDLength = 16

// String returns the string representation of a TokenType
func (t TokenType) String() string {
	if c := t.codec(); c != nil {
		return c.name
	}
	if t == TypeInvalid {
		return "Invalid"
	}
	return fmt.Sprintf("TokenType(0x%02X)", uint8(t))
}

// IsKnown reports whether t is a decodable token type
func (t TokenType) IsKnown() bool {
	return t.codec() != nil
}

// ComputeLength returns the encoded length of v (without the token id and type).
// The result is only meaningful for values where IsValid returns true.
func (t TokenType) ComputeLength(v interface{}) int {
	c := t.codec()
	if c == nil {
		return 0
	}
	return c.length(v)
}

// IsValid reports whether v can be encoded as t
func (t TokenType) IsValid(v interface{}) bool {
	c := t.codec()
	return c != nil && c.valid(v)
}

// Default returns the default value of t
func (t TokenType) Default() interface{} {
	c := t.codec()
	if c == nil {
		return nil
	}
	return c.def
}

// Read decodes one value of type t from r
func (t TokenType) Read(r *ByteReader) (interface{}, error) {
	c := t.codec()
	if c == nil {
		return nil, common.CorruptedFramef("unknown token type 0x%02X", uint8(t))
	}
	return c.read(r)
}

// Write encodes v as t into buf. Values failing IsValid are rejected before any byte is written.
func (t TokenType) Write(v interface{}, buf *bytes.Buffer) error {
	c := t.codec()
	if c == nil {
		return common.ProtocolErrorf("cannot encode token type 0x%02X", uint8(t))
	}
	if !c.valid(v) {
		return common.ProtocolErrorf("value of type %T is not a valid %s", v, c.name)
	}
	c.write(v, buf)
	return nil
}

// Skip consumes one encoded value of type t without decoding it
func (t TokenType) Skip(r *ByteReader) error {
	_, err := t.skip(r)
	return err
}

// skip consumes one encoded value of type t and returns its raw bytes (including any length prefix)
func (t TokenType) skip(r *ByteReader) ([]byte, error) {
	c := t.codec()
	if c == nil {
		return nil, common.CorruptedFramef("unknown token type 0x%02X", uint8(t))
	}
	start := r.Position()
	if c.fixed > 0 {
		if _, err := r.Next(c.fixed); err != nil {
			return nil, err
		}
	} else {
		n, err := r.readPrefix(c.prefix)
		if err != nil {
			return nil, err
		}
		if _, err := r.Next(n); err != nil {
			return nil, err
		}
	}
	return r.buf[start:r.Position()], nil
}

// --------------------------------------------------------------------------
// Codec table (one entry per variant)
// --------------------------------------------------------------------------

// codec holds the pure encode/decode functions of one token type
type codec struct {
	name   string
	fixed  int // encoded width for fixed-size types, 0 otherwise
	prefix int // length prefix width for variable-size types
	def    interface{}
	valid  func(v interface{}) bool
	length func(v interface{}) int
	read   func(r *ByteReader) (interface{}, error)
	write  func(v interface{}, buf *bytes.Buffer)
}

// codecs must be complete before any package-level Schema is built
var codecs = buildCodecs()

func (t TokenType) codec() *codec {
	if int(t) >= len(codecs) {
		return nil
	}
	return codecs[t]
}

func buildCodecs() [TypeDouble + 1]*codec {
	var codecs [TypeDouble + 1]*codec
	codecs[TypeByte] = fixedCodec("Byte", 1, uint8(0),
		func(r *ByteReader) (interface{}, error) { return r.ReadByte() },
		func(v interface{}, b []byte) { b[0] = v.(uint8) })
	codecs[TypeUShort] = fixedCodec("UShort", 2, uint16(0),
		func(r *ByteReader) (interface{}, error) { return r.ReadUint16() },
		func(v interface{}, b []byte) { binary.LittleEndian.PutUint16(b, v.(uint16)) })
	codecs[TypeULong] = fixedCodec("ULong", 4, uint32(0),
		func(r *ByteReader) (interface{}, error) { return r.ReadUint32() },
		func(v interface{}, b []byte) { binary.LittleEndian.PutUint32(b, v.(uint32)) })
	codecs[TypeLong] = fixedCodec("Long", 4, int32(0),
		func(r *ByteReader) (interface{}, error) {
			v, err := r.ReadUint32()
			return int32(v), err
		},
		func(v interface{}, b []byte) { binary.LittleEndian.PutUint32(b, uint32(v.(int32))) })
	codecs[TypeULongLong] = fixedCodec("ULongLong", 8, uint64(0),
		func(r *ByteReader) (interface{}, error) { return r.ReadUint64() },
		func(v interface{}, b []byte) { binary.LittleEndian.PutUint64(b, v.(uint64)) })
	codecs[TypeLongLong] = fixedCodec("LongLong", 8, int64(0),
		func(r *ByteReader) (interface{}, error) {
			v, err := r.ReadUint64()
			return int64(v), err
		},
		func(v interface{}, b []byte) { binary.LittleEndian.PutUint64(b, uint64(v.(int64))) })
	codecs[TypeGUID] = fixedCodec("Guid", GUIDLength, uuid.Nil,
		func(r *ByteReader) (interface{}, error) { return ReadGUID(r) },
		func(v interface{}, b []byte) { PutGUID(b, v.(uuid.UUID)) })
	codecs[TypeFloat] = fixedCodec("Float", 4, float32(0),
		func(r *ByteReader) (interface{}, error) {
			v, err := r.ReadUint32()
			return math.Float32frombits(v), err
		},
		func(v interface{}, b []byte) { binary.LittleEndian.PutUint32(b, math.Float32bits(v.(float32))) })
	codecs[TypeDouble] = fixedCodec("Double", 8, float64(0),
		func(r *ByteReader) (interface{}, error) {
			v, err := r.ReadUint64()
			return math.Float64frombits(v), err
		},
		func(v interface{}, b []byte) { binary.LittleEndian.PutUint64(b, math.Float64bits(v.(float64))) })

	codecs[TypeSmallString] = stringCodec("SmallString", 1)
	codecs[TypeString] = stringCodec("String", 2)
	codecs[TypeULongString] = stringCodec("ULongString", 4)
	codecs[TypeSmallBytes] = bytesCodec("SmallBytes", 1)
	codecs[TypeBytes] = bytesCodec("Bytes", 2)
	codecs[TypeULongBytes] = bytesCodec("ULongBytes", 4)
	return codecs
}

// fixedCodec creates a codec for a fixed-width type whose Go kind is the type of def
func fixedCodec(name string, width int, def interface{}, read func(r *ByteReader) (interface{}, error), put func(v interface{}, b []byte)) *codec {
	kind := reflect.TypeOf(def)
	return &codec{
		name:  name,
		fixed: width,
		def:   def,
		valid: func(v interface{}) bool {
			return v != nil && reflect.TypeOf(v) == kind
		},
		length: func(interface{}) int { return width },
		read:   read,
		write: func(v interface{}, buf *bytes.Buffer) {
			var scratch [GUIDLength]byte
			put(v, scratch[:width])
			buf.Write(scratch[:width])
		},
	}
}

// stringCodec creates a codec for UTF-8 strings with a length prefix of the given width
func stringCodec(name string, prefix int) *codec {
	limit := maxLength(prefix)
	return &codec{
		name:   name,
		prefix: prefix,
		def:    "",
		valid: func(v interface{}) bool {
			s, ok := v.(string)
			return ok && uint64(len(s)) <= limit && utf8.ValidString(s)
		},
		length: func(v interface{}) int { return prefix + len(v.(string)) },
		read: func(r *ByteReader) (interface{}, error) {
			n, err := r.readPrefix(prefix)
			if err != nil {
				return nil, err
			}
			b, err := r.Next(n)
			if err != nil {
				return nil, err
			}
			if !utf8.Valid(b) {
				return nil, common.CorruptedFramef("malformed UTF-8 in %s value", name)
			}
			return string(b), nil
		},
		write: func(v interface{}, buf *bytes.Buffer) {
			s := v.(string)
			writePrefix(buf, prefix, len(s))
			buf.WriteString(s)
		},
	}
}

// bytesCodec creates a codec for byte strings with a length prefix of the given width
func bytesCodec(name string, prefix int) *codec {
	limit := maxLength(prefix)
	return &codec{
		name:   name,
		prefix: prefix,
		def:    []byte{},
		valid: func(v interface{}) bool {
			b, ok := v.([]byte)
			return ok && uint64(len(b)) <= limit
		},
		length: func(v interface{}) int { return prefix + len(v.([]byte)) },
		read: func(r *ByteReader) (interface{}, error) {
			n, err := r.readPrefix(prefix)
			if err != nil {
				return nil, err
			}
			b, err := r.Next(n)
			if err != nil {
				return nil, err
			}
			out := make([]byte, n)
			copy(out, b)
			return out, nil
		},
		write: func(v interface{}, buf *bytes.Buffer) {
			b := v.([]byte)
			writePrefix(buf, prefix, len(b))
			buf.Write(b)
		},
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func maxLength(prefix int) uint64 {
	switch prefix {
	case 1:
		return math.MaxUint8
	case 2:
		return math.MaxUint16
	default:
		return math.MaxUint32
	}
}

func writePrefix(buf *bytes.Buffer, width, n int) {
	var scratch [4]byte
	switch width {
	case 1:
		scratch[0] = byte(n)
	case 2:
		binary.LittleEndian.PutUint16(scratch[:2], uint16(n))
	default:
		binary.LittleEndian.PutUint32(scratch[:4], uint32(n))
	}
	buf.Write(scratch[:width])
}

// PutGUID writes id into b (at least 16 bytes) using the vendor byte order:
// the first three groups little-endian, the last 8 bytes as-is
func PutGUID(b []byte, id uuid.UUID) {
	b[0], b[1], b[2], b[3] = id[3], id[2], id[1], id[0]
	b[4], b[5] = id[5], id[4]
	b[6], b[7] = id[7], id[6]
	copy(b[8:16], id[8:16])
}

// WriteGUID appends id to buf in vendor byte order
func WriteGUID(buf *bytes.Buffer, id uuid.UUID) {
	var scratch [GUIDLength]byte
	PutGUID(scratch[:], id)
	buf.Write(scratch[:])
}

// ReadGUID reads a GUID in vendor byte order
func ReadGUID(r *ByteReader) (uuid.UUID, error) {
	b, err := r.Next(GUIDLength)
	if err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	id[0], id[1], id[2], id[3] = b[3], b[2], b[1], b[0]
	id[4], id[5] = b[5], b[4]
	id[6], id[7] = b[7], b[6]
	copy(id[8:16], b[8:16])
	return id, nil
}
