// Package token implements the typed header encoding of the RNTBD wire format.
//
// Every RNTBD frame carries its headers as a sequence of tokens, each encoded
// as `id u16 | type u8 | value`. All integers are little-endian, GUIDs use the
// mixed-endian vendor byte order and strings/byte strings carry a length prefix
// of one, two or four bytes.
//
// Key Components:
//
//   - TokenType: The wire type of a token value. Each type is backed by a
//     codec entry providing length computation, value validation, reading,
//     writing and a default value. Values that fail validation are rejected
//     before any byte is written.
//
//   - Token: One header value. Decoded tokens hold the raw bytes of their value
//     and materialize the typed value on first access.
//
//   - Schema/TokenStream: A TokenStream is the ordered set of tokens of one frame
//     kind, defined by a header enumeration and a Schema built once per frame
//     kind. Encoding writes the present tokens in declared order. Decoding
//     skips ids unknown to the schema and fails with a corrupted frame error
//     if a required header is missing.
//
// Thread Safety:
//
//	Schemas are immutable and may be shared. Tokens and token streams are owned
//	by a single goroutine.
package token
