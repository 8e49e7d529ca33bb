package frame

import (
	"fmt"

	"github.com/ValentinKolb/rntbd/rntbd/token"
	"github.com/google/uuid"
)

// ServiceRequest is what callers of the transport hand to an endpoint
type ServiceRequest struct {
	ActivityID      uuid.UUID
	OperationType   OperationType
	ResourceType    ResourceType
	ResourceAddress string
	Headers         map[RequestHeader]interface{}
	Payload         []byte
}

// NewServiceRequest creates a request with a fresh activity id
func NewServiceRequest(op OperationType, resource ResourceType, address string) *ServiceRequest {
	return &ServiceRequest{
		ActivityID:      uuid.New(),
		OperationType:   op,
		ResourceType:    resource,
		ResourceAddress: address,
		Headers:         make(map[RequestHeader]interface{}),
	}
}

// WithHeader sets a request header and returns the request for chaining.
// The value is validated when the request frame is built.
func (s *ServiceRequest) WithHeader(h RequestHeader, v interface{}) *ServiceRequest {
	if s.Headers == nil {
		s.Headers = make(map[RequestHeader]interface{})
	}
	s.Headers[h] = v
	return s
}

// WithPayload sets the request body and returns the request for chaining
func (s *ServiceRequest) WithPayload(payload []byte) *ServiceRequest {
	s.Payload = payload
	return s
}

func (s *ServiceRequest) String() string {
	return fmt.Sprintf("%s %s %q (activity %s)", s.OperationType, s.ResourceType, s.ResourceAddress, s.ActivityID)
}

// StoreResponse is the decoded result of a request
type StoreResponse struct {
	ActivityID uuid.UUID
	Status     int32
	SubStatus  uint32
	Headers    *token.TokenStream[ResponseHeader]
	Payload    []byte
}

// NewStoreResponse converts a response frame into a StoreResponse
func NewStoreResponse(r *Response) *StoreResponse {
	return &StoreResponse{
		ActivityID: r.ActivityID,
		Status:     r.Status,
		SubStatus:  r.SubStatus,
		Headers:    r.Headers,
		Payload:    r.Payload,
	}
}

// IsSuccess reports whether the status is below 400
func (s *StoreResponse) IsSuccess() bool {
	return s.Status < 400
}

// Header returns the value of a response header (nil if absent)
func (s *StoreResponse) Header(h ResponseHeader) (interface{}, error) {
	if s.Headers == nil || !s.Headers.IsPresent(h) {
		return nil, nil
	}
	return s.Headers.Get(h).Value()
}

func (s *StoreResponse) String() string {
	return fmt.Sprintf("StoreResponse{status=%d, subStatus=%d, activity=%s, headers=%s, payload=%d bytes}",
		s.Status, s.SubStatus, s.ActivityID, s.Headers, len(s.Payload))
}
