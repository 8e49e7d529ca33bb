package token

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ValentinKolb/rntbd/rntbd/common"
)

// --------------------------------------------------------------------------
// Header schema
// --------------------------------------------------------------------------

// Header is implemented by the header enumeration of one frame kind
type Header interface {
	comparable
	ID() uint16
	Type() TokenType
	IsRequired() bool
	String() string
}

// Schema is the statically-known set of headers of one frame kind together
// with the lookup table from wire id to header. Schemas are built once per
// frame kind and are read-only afterward.
type Schema[H Header] struct {
	headers []H
	index   map[uint16]int
}

// NewSchema creates a schema from the headers in their declared order.
// Duplicate ids are a programming error and cause a panic.
func NewSchema[H Header](headers ...H) *Schema[H] {
	s := &Schema[H]{
		headers: headers,
		index:   make(map[uint16]int, len(headers)),
	}
	for i, h := range headers {
		if _, exists := s.index[h.ID()]; exists {
			panic(fmt.Sprintf("duplicate header id 0x%04X (%s)", h.ID(), h))
		}
		if !h.Type().IsKnown() {
			panic(fmt.Sprintf("header %s has unknown token type %s", h, h.Type()))
		}
		s.index[h.ID()] = i
	}
	return s
}

// Headers returns the headers in declared order
func (s *Schema[H]) Headers() []H {
	return s.headers
}

// Lookup resolves a wire id to a header
func (s *Schema[H]) Lookup(id uint16) (H, bool) {
	i, ok := s.index[id]
	if !ok {
		var zero H
		return zero, false
	}
	return s.headers[i], true
}

// --------------------------------------------------------------------------
// Token stream
// --------------------------------------------------------------------------

// UndefinedToken is a token whose id is not part of the schema. It is kept
// (not required, not interpreted) so newer peers can add optional headers.
type UndefinedToken struct {
	ID   uint16
	Type TokenType
	Raw  []byte
}

// TokenStream is the ordered collection of a frame's tokens
type TokenStream[H Header] struct {
	schema    *Schema[H]
	tokens    []Token
	undefined []UndefinedToken
}

// NewTokenStream creates an empty token stream for the given schema
func NewTokenStream[H Header](schema *Schema[H]) *TokenStream[H] {
	s := &TokenStream[H]{
		schema: schema,
		tokens: make([]Token, len(schema.headers)),
	}
	for i, h := range schema.headers {
		s.tokens[i] = newToken(h.ID(), h.Type(), h.IsRequired(), h.String())
	}
	return s
}

// Get returns the token of header h
func (s *TokenStream[H]) Get(h H) *Token {
	i, ok := s.schema.index[h.ID()]
	if !ok {
		return nil
	}
	return &s.tokens[i]
}

// Set stores v in the token of header h
func (s *TokenStream[H]) Set(h H, v interface{}) error {
	t := s.Get(h)
	if t == nil {
		return common.ProtocolErrorf("header %s is not part of the schema", h)
	}
	return t.Set(v)
}

// IsPresent reports whether header h carries a value
func (s *TokenStream[H]) IsPresent(h H) bool {
	t := s.Get(h)
	return t != nil && t.IsPresent()
}

// Undefined returns the tokens with ids unknown to the schema
func (s *TokenStream[H]) Undefined() []UndefinedToken {
	return s.undefined
}

// ComputeLength returns the encoded length of all present tokens
func (s *TokenStream[H]) ComputeLength() int {
	n := 0
	for i := range s.tokens {
		n += s.tokens[i].ComputeLength()
	}
	return n
}

// Missing returns the names of required headers without a value
func (s *TokenStream[H]) Missing() []string {
	var missing []string
	for i := range s.tokens {
		if s.tokens[i].required && !s.tokens[i].IsPresent() {
			missing = append(missing, s.tokens[i].name)
		}
	}
	return missing
}

// Encode writes all present tokens in declared order. A missing required
// header is a protocol-construction error and nothing is written.
func (s *TokenStream[H]) Encode(buf *bytes.Buffer) error {
	if missing := s.Missing(); len(missing) > 0 {
		return common.ProtocolErrorf("required headers missing: %s", strings.Join(missing, ", "))
	}
	for i := range s.tokens {
		if err := s.tokens[i].encode(buf); err != nil {
			return err
		}
	}
	return nil
}

// DecodeTokenStream consumes all remaining bytes of r as tokens of the given schema
func DecodeTokenStream[H Header](schema *Schema[H], r *ByteReader) (*TokenStream[H], error) {
	s := NewTokenStream(schema)

	for r.Remaining() > 0 {
		id, err := r.ReadUint16()
		if err != nil {
			return nil, err
		}
		typeID, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		wireType := TokenType(typeID)
		if !wireType.IsKnown() {
			return nil, common.CorruptedFramef("header 0x%04X has unknown token type 0x%02X", id, typeID)
		}

		raw, err := wireType.skip(r)
		if err != nil {
			return nil, err
		}

		h, ok := schema.Lookup(id)
		if !ok {
			s.undefined = append(s.undefined, UndefinedToken{ID: id, Type: wireType, Raw: raw})
			continue
		}
		if h.Type() != wireType {
			return nil, common.CorruptedFramef("header %s declared as %s but encoded as %s", h, h.Type(), wireType)
		}
		s.Get(h).setRaw(raw)
	}

	if missing := s.Missing(); len(missing) > 0 {
		return nil, common.CorruptedFramef("required headers missing: %s", strings.Join(missing, ", "))
	}
	return s, nil
}

func (s *TokenStream[H]) String() string {
	var parts []string
	for i := range s.tokens {
		if s.tokens[i].IsPresent() {
			parts = append(parts, s.tokens[i].String())
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
