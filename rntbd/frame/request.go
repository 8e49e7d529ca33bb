package frame

import (
	"bytes"
	"fmt"

	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/ValentinKolb/rntbd/rntbd/token"
	"github.com/google/uuid"
)

// HealthCheckRequestID is the transport request id of health-check probes.
// Probes are not correlated, a response to them is dropped.
const HealthCheckRequestID uint32 = 0

// Request is an application request frame
type Request struct {
	ActivityID    uuid.UUID
	OperationType OperationType
	ResourceType  ResourceType
	Headers       *token.TokenStream[RequestHeader]
	Payload       []byte
}

// NewRequest builds the request frame for sr with the given transport request id.
// Header values of sr are validated here, so an invalid header is reported
// before the request is handed to a connection.
func NewRequest(sr *ServiceRequest, transportID uint32) (*Request, error) {
	headers := token.NewTokenStream(RequestSchema)
	for h, v := range sr.Headers {
		if h == RequestTransportRequestID || h == RequestPayloadPresent {
			continue
		}
		if err := headers.Set(h, v); err != nil {
			return nil, err
		}
	}
	if sr.ResourceAddress != "" {
		if err := headers.Set(RequestReplicaPath, sr.ResourceAddress); err != nil {
			return nil, err
		}
	}
	if err := headers.Set(RequestTransportRequestID, transportID); err != nil {
		return nil, err
	}

	activityID := sr.ActivityID
	if activityID == uuid.Nil {
		activityID = uuid.New()
	}

	return &Request{
		ActivityID:    activityID,
		OperationType: sr.OperationType,
		ResourceType:  sr.ResourceType,
		Headers:       headers,
		Payload:       sr.Payload,
	}, nil
}

// NewHealthCheckRequest builds the lightweight probe written by the health checker
func NewHealthCheckRequest() *Request {
	headers := token.NewTokenStream(RequestSchema)
	_ = headers.Set(RequestTransportRequestID, HealthCheckRequestID)
	return &Request{
		ActivityID:    uuid.New(),
		OperationType: OperationHealth,
		ResourceType:  ResourceConnection,
		Headers:       headers,
	}
}

// TransportRequestID returns the correlation id of the request
func (r *Request) TransportRequestID() (uint32, error) {
	return token.As[uint32](r.Headers.Get(RequestTransportRequestID))
}

// IsHealthCheck reports whether the request is a health-check probe
func (r *Request) IsHealthCheck() bool {
	return r.OperationType == OperationHealth && r.ResourceType == ResourceConnection
}

// Encode writes the frame into buf. A non-nil payload is always written,
// even if it is empty.
func (r *Request) Encode(buf *bytes.Buffer) error {
	withPayload := r.Payload != nil
	if err := r.Headers.Set(RequestPayloadPresent, boolByte(withPayload)); err != nil {
		return err
	}

	var fixed [FixedHeaderLength]byte
	requestHead{activityID: r.ActivityID, operationType: r.OperationType, resourceType: r.ResourceType}.put(&fixed)
	return encodeFrame(buf, &fixed, r.Headers, r.Payload, withPayload)
}

func (r *Request) String() string {
	id, _ := r.TransportRequestID()
	return fmt.Sprintf("Request{id=%d, activity=%s, op=%s, resource=%s, payload=%d bytes}",
		id, r.ActivityID, r.OperationType, r.ResourceType, len(r.Payload))
}

// ReadRequest reads one request frame (and its payload)
func (fr *Reader) ReadRequest() (*Request, error) {
	raw, err := fr.readFrame()
	if err != nil {
		return nil, err
	}

	r := token.NewByteReader(raw[LengthFieldSize:])
	head, err := readRequestHead(r)
	if err != nil {
		return nil, err
	}
	headers, err := token.DecodeTokenStream(RequestSchema, r)
	if err != nil {
		return nil, err
	}

	req := &Request{
		ActivityID:    head.activityID,
		OperationType: head.operationType,
		ResourceType:  head.resourceType,
		Headers:       headers,
	}

	present, err := payloadPresent(headers.Get(RequestPayloadPresent))
	if err != nil {
		return nil, common.CorruptedFramef("reading payload flag: %v", err)
	}
	if present {
		if req.Payload, err = fr.readPayload(); err != nil {
			return nil, err
		}
	}
	return req, nil
}
