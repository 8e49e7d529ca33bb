package frame

import (
	"bytes"
	"fmt"
	"time"

	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/ValentinKolb/rntbd/rntbd/token"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Context request
// --------------------------------------------------------------------------

// ContextRequest is the first frame a client writes to a new connection
type ContextRequest struct {
	ActivityID      uuid.UUID
	ProtocolVersion uint32
	ClientVersion   string
	UserAgent       string
}

// NewContextRequest creates a context request with a fresh activity id
func NewContextRequest(protocolVersion uint32, clientVersion, userAgent string) *ContextRequest {
	return &ContextRequest{
		ActivityID:      uuid.New(),
		ProtocolVersion: protocolVersion,
		ClientVersion:   clientVersion,
		UserAgent:       userAgent,
	}
}

// Encode writes the frame into buf
func (c *ContextRequest) Encode(buf *bytes.Buffer) error {
	headers := token.NewTokenStream(ContextRequestSchema)
	if err := headers.Set(ContextRequestProtocolVersion, c.ProtocolVersion); err != nil {
		return err
	}
	if err := headers.Set(ContextRequestClientVersion, c.ClientVersion); err != nil {
		return err
	}
	if err := headers.Set(ContextRequestUserAgent, c.UserAgent); err != nil {
		return err
	}

	var fixed [FixedHeaderLength]byte
	requestHead{activityID: c.ActivityID, operationType: OperationConnection, resourceType: ResourceConnection}.put(&fixed)
	return encodeFrame(buf, &fixed, headers, nil, false)
}

func (c *ContextRequest) String() string {
	return fmt.Sprintf("ContextRequest{activity=%s, protocol=%d, client=%q, agent=%q}",
		c.ActivityID, c.ProtocolVersion, c.ClientVersion, c.UserAgent)
}

// ReadContextRequest reads the context request a client sends on a new connection
func (fr *Reader) ReadContextRequest() (*ContextRequest, error) {
	raw, err := fr.readFrame()
	if err != nil {
		return nil, err
	}

	r := token.NewByteReader(raw[LengthFieldSize:])
	head, err := readRequestHead(r)
	if err != nil {
		return nil, err
	}
	if head.operationType != OperationConnection || head.resourceType != ResourceConnection {
		return nil, common.CorruptedFramef("expected context request, got %s on %s", head.operationType, head.resourceType)
	}

	headers, err := token.DecodeTokenStream(ContextRequestSchema, r)
	if err != nil {
		return nil, err
	}

	c := &ContextRequest{ActivityID: head.activityID}
	if c.ProtocolVersion, err = token.As[uint32](headers.Get(ContextRequestProtocolVersion)); err != nil {
		return nil, err
	}
	if c.ClientVersion, err = token.As[string](headers.Get(ContextRequestClientVersion)); err != nil {
		return nil, err
	}
	if c.UserAgent, err = token.As[string](headers.Get(ContextRequestUserAgent)); err != nil {
		return nil, err
	}
	return c, nil
}

// --------------------------------------------------------------------------
// Context response
// --------------------------------------------------------------------------

// ContextResponse is the server's answer to a ContextRequest. Failed
// negotiations carry the client and protocol version the server requires.
type ContextResponse struct {
	ResponseStatus

	ProtocolVersion                 uint32
	ClientVersion                   string
	ServerAgent                     string
	ServerVersion                   string
	IdleTimeoutInSeconds            uint32
	UnauthenticatedTimeoutInSeconds uint32
	RequiredClientVersion           string
	RequiredProtocolVersion         uint32
}

// contextField pairs a context header with its value (or destination pointer)
type contextField struct {
	h ContextHeader
	v interface{}
}

// Encode writes the frame into buf
func (c *ContextResponse) Encode(buf *bytes.Buffer) error {
	headers := token.NewTokenStream(ContextSchema)
	values := []contextField{
		{ContextProtocolVersion, c.ProtocolVersion},
		{ContextClientVersion, c.ClientVersion},
		{ContextServerAgent, c.ServerAgent},
		{ContextServerVersion, c.ServerVersion},
		{ContextIdleTimeoutInSeconds, c.IdleTimeoutInSeconds},
		{ContextUnauthenticatedTimeoutInSeconds, c.UnauthenticatedTimeoutInSeconds},
	}
	if c.RequiredClientVersion != "" {
		values = append(values, contextField{ContextRequiredClientVersion, c.RequiredClientVersion})
	}
	if c.RequiredProtocolVersion != 0 {
		values = append(values, contextField{ContextRequiredProtocolVersion, c.RequiredProtocolVersion})
	}
	for _, hv := range values {
		if err := headers.Set(hv.h, hv.v); err != nil {
			return err
		}
	}

	var fixed [FixedHeaderLength]byte
	c.ResponseStatus.put(&fixed)
	return encodeFrame(buf, &fixed, headers, nil, false)
}

// ReadContextResponse reads the first frame a server sends on a new connection
func (fr *Reader) ReadContextResponse() (*ContextResponse, error) {
	raw, err := fr.readFrame()
	if err != nil {
		return nil, err
	}

	r := token.NewByteReader(raw)
	status, err := readResponseStatus(r)
	if err != nil {
		return nil, err
	}
	headers, err := token.DecodeTokenStream(ContextSchema, r)
	if err != nil {
		return nil, err
	}

	c := &ContextResponse{ResponseStatus: status}
	for _, field := range []contextField{
		{ContextProtocolVersion, &c.ProtocolVersion},
		{ContextClientVersion, &c.ClientVersion},
		{ContextServerAgent, &c.ServerAgent},
		{ContextServerVersion, &c.ServerVersion},
		{ContextIdleTimeoutInSeconds, &c.IdleTimeoutInSeconds},
		{ContextUnauthenticatedTimeoutInSeconds, &c.UnauthenticatedTimeoutInSeconds},
		{ContextRequiredClientVersion, &c.RequiredClientVersion},
		{ContextRequiredProtocolVersion, &c.RequiredProtocolVersion},
	} {
		if err := readInto(headers.Get(field.h), field.v); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// readInto stores the value of t in dst (*uint32 or *string)
func readInto(t *token.Token, dst interface{}) error {
	var err error
	switch d := dst.(type) {
	case *uint32:
		*d, err = token.As[uint32](t)
	case *string:
		*d, err = token.As[string](t)
	default:
		err = fmt.Errorf("unsupported destination %T", dst)
	}
	return err
}

// Establish turns the response into the session context of a connection to
// address. Statuses outside 2xx-3xx yield a *common.NegotiationError.
func (c *ContextResponse) Establish(address string) (*SessionContext, error) {
	if !c.IsSuccess() {
		return nil, &common.NegotiationError{
			Address:                 address,
			Status:                  c.Status,
			ActivityID:              c.ActivityID,
			ServerAgent:             c.ServerAgent,
			RequiredClientVersion:   c.RequiredClientVersion,
			RequiredProtocolVersion: c.RequiredProtocolVersion,
		}
	}
	return &SessionContext{
		ActivityID:             c.ActivityID,
		Status:                 c.Status,
		ProtocolVersion:        c.ProtocolVersion,
		ClientVersion:          c.ClientVersion,
		ServerAgent:            c.ServerAgent,
		ServerVersion:          c.ServerVersion,
		IdleTimeout:            time.Duration(c.IdleTimeoutInSeconds) * time.Second,
		UnauthenticatedTimeout: time.Duration(c.UnauthenticatedTimeoutInSeconds) * time.Second,
	}, nil
}

// --------------------------------------------------------------------------
// Session context
// --------------------------------------------------------------------------

// SessionContext is the negotiated state of one connection. It is created
// once on successful negotiation and never modified afterward.
type SessionContext struct {
	ActivityID             uuid.UUID
	Status                 int32
	ProtocolVersion        uint32
	ClientVersion          string
	ServerAgent            string
	ServerVersion          string
	IdleTimeout            time.Duration
	UnauthenticatedTimeout time.Duration
}

func (s *SessionContext) String() string {
	return fmt.Sprintf("SessionContext{status=%d, protocol=%d, client=%q, server=%q/%q, idle=%s, unauthenticated=%s}",
		s.Status, s.ProtocolVersion, s.ClientVersion, s.ServerAgent, s.ServerVersion, s.IdleTimeout, s.UnauthenticatedTimeout)
}
