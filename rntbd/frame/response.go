package frame

import (
	"bytes"
	"fmt"

	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/ValentinKolb/rntbd/rntbd/token"
	"github.com/google/uuid"
)

// Response is a response frame. TransportRequestID and SubStatus are decoded
// eagerly, every other header is decoded when it is first read.
type Response struct {
	ResponseStatus
	TransportRequestID uint32
	SubStatus          uint32
	Headers            *token.TokenStream[ResponseHeader]
	Payload            []byte
}

// NewResponse creates a response to the request with the given activity and transport id
func NewResponse(activityID uuid.UUID, transportID uint32, status int32) *Response {
	return &Response{
		ResponseStatus:     ResponseStatus{Status: status, ActivityID: activityID},
		TransportRequestID: transportID,
		Headers:            token.NewTokenStream(ResponseSchema),
	}
}

// Encode writes the frame into buf
func (r *Response) Encode(buf *bytes.Buffer) error {
	if r.Status < MinStatusCode || r.Status > MaxStatusCode {
		return common.ProtocolErrorf("invalid status code %d", r.Status)
	}

	withPayload := r.Payload != nil
	if err := r.Headers.Set(ResponsePayloadPresent, boolByte(withPayload)); err != nil {
		return err
	}
	if err := r.Headers.Set(ResponseTransportRequestID, r.TransportRequestID); err != nil {
		return err
	}
	if r.SubStatus != 0 {
		if err := r.Headers.Set(ResponseSubStatus, r.SubStatus); err != nil {
			return err
		}
	}

	var fixed [FixedHeaderLength]byte
	r.ResponseStatus.put(&fixed)
	return encodeFrame(buf, &fixed, r.Headers, r.Payload, withPayload)
}

func (r *Response) String() string {
	return fmt.Sprintf("Response{id=%d, activity=%s, status=%d, subStatus=%d, payload=%d bytes}",
		r.TransportRequestID, r.ActivityID, r.Status, r.SubStatus, len(r.Payload))
}

// ReadResponse reads one response frame (and its payload)
func (fr *Reader) ReadResponse() (*Response, error) {
	raw, err := fr.readFrame()
	if err != nil {
		return nil, err
	}

	r := token.NewByteReader(raw)
	status, err := readResponseStatus(r)
	if err != nil {
		return nil, err
	}
	headers, err := token.DecodeTokenStream(ResponseSchema, r)
	if err != nil {
		return nil, err
	}

	resp := &Response{ResponseStatus: status, Headers: headers}
	if resp.TransportRequestID, err = token.As[uint32](headers.Get(ResponseTransportRequestID)); err != nil {
		return nil, common.CorruptedFramef("reading transport request id: %v", err)
	}
	if resp.SubStatus, err = token.As[uint32](headers.Get(ResponseSubStatus)); err != nil {
		return nil, common.CorruptedFramef("reading sub-status: %v", err)
	}

	present, err := payloadPresent(headers.Get(ResponsePayloadPresent))
	if err != nil {
		return nil, common.CorruptedFramef("reading payload flag: %v", err)
	}
	if present {
		if resp.Payload, err = fr.readPayload(); err != nil {
			return nil, err
		}
	}
	return resp, nil
}
