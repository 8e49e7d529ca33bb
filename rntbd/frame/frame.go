package frame

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/ValentinKolb/rntbd/rntbd/token"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Frame layout
// --------------------------------------------------------------------------
//
// Every frame has the format (all integers little-endian):
//   - 4 bytes: length (uint32), covering the length field, the fixed header and the tokens
//   - 20 bytes: fixed header
//       request:  activityId (16, GUID order) | operationType (u16) | resourceType (u16)
//       response: status (i32) | activityId (16, GUID order)
//   - N bytes: tokens
//   - optional, iff the PayloadPresent token is non-zero:
//       4 bytes payload length (uint32) | payload

const (
	// LengthFieldSize is the size of the frame length prefix
	LengthFieldSize = 4

	// FixedHeaderLength is the size of the fixed header of every frame kind
	FixedHeaderLength = token.GUIDLength + 4

	// MinFrameLength is the length of a frame without tokens
	MinFrameLength = LengthFieldSize + FixedHeaderLength

	// MinStatusCode and MaxStatusCode bound the valid response status codes
	MinStatusCode = 100
	MaxStatusCode = 599
)

// encodeFrame writes length, fixed header, tokens and (optionally) the payload
// of one frame into buf. Nothing is written if the tokens cannot be encoded.
func encodeFrame[H token.Header](buf *bytes.Buffer, fixed *[FixedHeaderLength]byte, headers *token.TokenStream[H], payload []byte, withPayload bool) error {
	start := buf.Len()
	length := MinFrameLength + headers.ComputeLength()

	var prefix [LengthFieldSize]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(length))
	buf.Write(prefix[:])
	buf.Write(fixed[:])

	if err := headers.Encode(buf); err != nil {
		buf.Truncate(start)
		return err
	}
	if written := buf.Len() - start; written != length {
		buf.Truncate(start)
		return common.ProtocolErrorf("computed frame length %d does not match encoded length %d", length, written)
	}

	if withPayload {
		binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
		buf.Write(prefix[:])
		buf.Write(payload)
	}
	return nil
}

// payloadPresent reads a PayloadPresent token
func payloadPresent(t *token.Token) (bool, error) {
	v, err := token.As[uint8](t)
	return v != 0, err
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// --------------------------------------------------------------------------
// Request fixed header
// --------------------------------------------------------------------------

type requestHead struct {
	activityID    uuid.UUID
	operationType OperationType
	resourceType  ResourceType
}

func (h requestHead) put(fixed *[FixedHeaderLength]byte) {
	token.PutGUID(fixed[:token.GUIDLength], h.activityID)
	binary.LittleEndian.PutUint16(fixed[16:18], uint16(h.operationType))
	binary.LittleEndian.PutUint16(fixed[18:20], uint16(h.resourceType))
}

func readRequestHead(r *token.ByteReader) (requestHead, error) {
	var h requestHead
	var err error
	if h.activityID, err = token.ReadGUID(r); err != nil {
		return h, err
	}
	op, err := r.ReadUint16()
	if err != nil {
		return h, err
	}
	rt, err := r.ReadUint16()
	if err != nil {
		return h, err
	}
	h.operationType, h.resourceType = OperationType(op), ResourceType(rt)
	return h, nil
}

// --------------------------------------------------------------------------
// Response status
// --------------------------------------------------------------------------

// ResponseStatus is the fixed header of response and context response frames
type ResponseStatus struct {
	Length     uint32
	Status     int32
	ActivityID uuid.UUID
}

// IsSuccess reports whether the status is in the 2xx or 3xx range
func (s ResponseStatus) IsSuccess() bool {
	return s.Status >= 200 && s.Status < 400
}

func (s ResponseStatus) put(fixed *[FixedHeaderLength]byte) {
	binary.LittleEndian.PutUint32(fixed[0:4], uint32(s.Status))
	token.PutGUID(fixed[4:20], s.ActivityID)
}

// readResponseStatus decodes the length prefix and fixed header of a response frame
func readResponseStatus(r *token.ByteReader) (ResponseStatus, error) {
	var s ResponseStatus
	var err error
	if s.Length, err = r.ReadUint32(); err != nil {
		return s, err
	}
	status, err := r.ReadUint32()
	if err != nil {
		return s, err
	}
	s.Status = int32(status)
	if s.Status < MinStatusCode || s.Status > MaxStatusCode {
		return s, common.CorruptedFramef("invalid status code %d", s.Status)
	}
	if s.ActivityID, err = token.ReadGUID(r); err != nil {
		return s, err
	}
	return s, nil
}

// --------------------------------------------------------------------------
// Frame reader
// --------------------------------------------------------------------------

// Reader decodes frames from a byte stream. Every frame is read into a newly
// allocated slice, decoded tokens alias that slice.
//
// A Reader is not safe for concurrent use, each connection has exactly one
// reading goroutine.
type Reader struct {
	r         io.Reader
	maxLength int
}

// NewReader creates a frame reader. Frames or payloads longer than maxLength
// are rejected as corrupted.
func NewReader(r io.Reader, maxLength int) *Reader {
	return &Reader{r: r, maxLength: maxLength}
}

// readFrame reads the length prefix, fixed header and tokens of one frame.
// The returned slice includes the length prefix.
func (fr *Reader) readFrame() ([]byte, error) {
	var prefix [LengthFieldSize]byte
	if _, err := io.ReadFull(fr.r, prefix[:]); err != nil {
		return nil, err
	}

	length := int(binary.LittleEndian.Uint32(prefix[:]))
	if length < MinFrameLength || (fr.maxLength > 0 && length > fr.maxLength) {
		return nil, common.CorruptedFramef("invalid frame length %d", length)
	}

	frame := make([]byte, length)
	copy(frame, prefix[:])
	if _, err := io.ReadFull(fr.r, frame[LengthFieldSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// readPayload reads the length-prefixed payload following a frame
func (fr *Reader) readPayload() ([]byte, error) {
	var prefix [LengthFieldSize]byte
	if _, err := io.ReadFull(fr.r, prefix[:]); err != nil {
		return nil, err
	}

	length := int(binary.LittleEndian.Uint32(prefix[:]))
	if fr.maxLength > 0 && length > fr.maxLength {
		return nil, common.CorruptedFramef("invalid payload length %d", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
