package token

import (
	"encoding/binary"

	"github.com/ValentinKolb/rntbd/rntbd/common"
)

// ByteReader is a little-endian cursor over a decoded frame.
// Slices returned by Next alias the underlying buffer.
type ByteReader struct {
	buf []byte
	pos int
}

// NewByteReader creates a reader over b
func NewByteReader(b []byte) *ByteReader {
	return &ByteReader{buf: b}
}

// Remaining returns the number of unread bytes
func (r *ByteReader) Remaining() int {
	return len(r.buf) - r.pos
}

// Position returns the number of bytes consumed so far
func (r *ByteReader) Position() int {
	return r.pos
}

// Next consumes n bytes and returns them without copying
func (r *ByteReader) Next(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, common.CorruptedFramef("need %d bytes at offset %d, only %d remaining", n, r.pos, r.Remaining())
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *ByteReader) ReadByte() (byte, error) {
	b, err := r.Next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *ByteReader) ReadUint16() (uint16, error) {
	b, err := r.Next(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *ByteReader) ReadUint32() (uint32, error) {
	b, err := r.Next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *ByteReader) ReadUint64() (uint64, error) {
	b, err := r.Next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// readPrefix reads a little-endian length prefix of the given width (1, 2 or 4)
func (r *ByteReader) readPrefix(width int) (int, error) {
	switch width {
	case 1:
		b, err := r.ReadByte()
		return int(b), err
	case 2:
		v, err := r.ReadUint16()
		return int(v), err
	default:
		v, err := r.ReadUint32()
		return int(v), err
	}
}
