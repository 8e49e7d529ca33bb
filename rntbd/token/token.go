package token

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/rntbd/rntbd/common"
)

// TokenHeaderLength is the size of a token's id and type on the wire
const TokenHeaderLength = 3

// tokenState is the materialization state of a token value
type tokenState uint8

const (
	stateAbsent  tokenState = iota
	stateRaw                // raw encoded bytes, decoded on first read
	stateDecoded            // typed value
)

// Token is one typed header value of a token stream.
//
// A decoded token initially holds the raw bytes of its encoded value, which
// alias the frame buffer it was decoded from. The first typed read
// materializes the value and drops the reference to the raw bytes.
//
// Thread-safety: Tokens are not safe for concurrent use. A frame (and its
// tokens) is owned by the goroutine that decoded or built it.
type Token struct {
	id       uint16
	typ      TokenType
	required bool
	name     string

	state tokenState
	raw   []byte
	value interface{}
}

func newToken(id uint16, typ TokenType, required bool, name string) Token {
	return Token{id: id, typ: typ, required: required, name: name}
}

// ID returns the wire id of the token
func (t *Token) ID() uint16 { return t.id }

// Type returns the token type
func (t *Token) Type() TokenType { return t.typ }

// IsRequired reports whether the token must be present in a frame
func (t *Token) IsRequired() bool { return t.required }

// IsPresent reports whether the token carries a value
func (t *Token) IsPresent() bool { return t.state != stateAbsent }

// Name returns the header name of the token
func (t *Token) Name() string { return t.name }

// Set validates and stores v
func (t *Token) Set(v interface{}) error {
	if !t.typ.IsValid(v) {
		return common.ProtocolErrorf("invalid value %v (%T) for %s header %s", v, v, t.typ, t.name)
	}
	t.value = v
	t.raw = nil
	t.state = stateDecoded
	return nil
}

// Clear removes the value of the token
func (t *Token) Clear() {
	t.value = nil
	t.raw = nil
	t.state = stateAbsent
}

// Value returns the typed value, decoding the raw bytes on first access.
// Absent tokens return the default value of their type.
func (t *Token) Value() (interface{}, error) {
	switch t.state {
	case stateAbsent:
		return t.typ.Default(), nil
	case stateRaw:
		v, err := t.typ.Read(NewByteReader(t.raw))
		if err != nil {
			return nil, fmt.Errorf("decoding header %s: %w", t.name, err)
		}
		t.value = v
		t.raw = nil
		t.state = stateDecoded
	}
	return t.value, nil
}

// ComputeLength returns the number of bytes the token occupies on the wire (0 if absent)
func (t *Token) ComputeLength() int {
	switch t.state {
	case stateRaw:
		return TokenHeaderLength + len(t.raw)
	case stateDecoded:
		return TokenHeaderLength + t.typ.ComputeLength(t.value)
	default:
		return 0
	}
}

// encode writes id, type and value of a present token
func (t *Token) encode(buf *bytes.Buffer) error {
	var hdr [TokenHeaderLength]byte
	binary.LittleEndian.PutUint16(hdr[:2], t.id)
	hdr[2] = byte(t.typ)

	switch t.state {
	case stateRaw:
		buf.Write(hdr[:])
		buf.Write(t.raw)
		return nil
	case stateDecoded:
		if !t.typ.IsValid(t.value) {
			return common.ProtocolErrorf("invalid value for %s header %s", t.typ, t.name)
		}
		buf.Write(hdr[:])
		return t.typ.Write(t.value, buf)
	default:
		return nil
	}
}

// setRaw stores the raw encoded value of a decoded token
func (t *Token) setRaw(raw []byte) {
	t.raw = raw
	t.value = nil
	t.state = stateRaw
}

func (t *Token) String() string {
	if !t.IsPresent() {
		return t.name + "=<absent>"
	}
	v, err := t.Value()
	if err != nil {
		return t.name + "=<" + err.Error() + ">"
	}
	return fmt.Sprintf("%s=%v", t.name, v)
}

// --------------------------------------------------------------------------
// Typed access
// --------------------------------------------------------------------------

// As returns the typed value of t. Absent tokens yield the zero value of V.
func As[V any](t *Token) (V, error) {
	var zero V
	if t == nil || !t.IsPresent() {
		return zero, nil
	}
	v, err := t.Value()
	if err != nil {
		return zero, err
	}
	typed, ok := v.(V)
	if !ok {
		return zero, fmt.Errorf("header %s holds %T, not %T", t.name, v, zero)
	}
	return typed, nil
}
