package common

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Sentinel Errors
// --------------------------------------------------------------------------

var (
	// ErrProtocol is wrapped by every protocol-construction error (an invalid
	// token value, a missing required header at encode time, ...)
	ErrProtocol = errors.New("rntbd: protocol construction error")

	// ErrPoolClosed is returned by all pool operations after Close
	ErrPoolClosed = errors.New("rntbd: channel pool is closed")

	// ErrChannelClosed is returned when writing to a channel that was closed
	ErrChannelClosed = errors.New("rntbd: channel is closed")

	// ErrEndpointClosed is returned by requests issued on an evicted endpoint
	ErrEndpointClosed = errors.New("rntbd: endpoint is closed")

	// ErrProviderClosed is returned by Provider.Get after Close
	ErrProviderClosed = errors.New("rntbd: endpoint provider is closed")
)

// ProtocolErrorf creates a new protocol-construction error wrapping ErrProtocol
func ProtocolErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// --------------------------------------------------------------------------
// Corrupted Frame
// --------------------------------------------------------------------------

// CorruptedFrameError signals a malformed inbound frame. Stream alignment can
// not be trusted after such an error, the connection must be torn down.
type CorruptedFrameError struct {
	Reason string
	Err    error
}

// CorruptedFramef creates a new CorruptedFrameError
func CorruptedFramef(format string, args ...interface{}) *CorruptedFrameError {
	return &CorruptedFrameError{Reason: fmt.Sprintf(format, args...)}
}

func (e *CorruptedFrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rntbd: corrupted frame: %s: %v", e.Reason, e.Err)
	}
	return "rntbd: corrupted frame: " + e.Reason
}

func (e *CorruptedFrameError) Unwrap() error { return e.Err }

// --------------------------------------------------------------------------
// Negotiation Failure
// --------------------------------------------------------------------------

// NegotiationError is returned when the server rejects the context request
type NegotiationError struct {
	Address                 string
	Status                  int32
	ActivityID              uuid.UUID
	ServerAgent             string
	RequiredClientVersion   string
	RequiredProtocolVersion uint32
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("rntbd: context negotiation with %s failed (status %d, activity %s): server %q requires client version %q and protocol version %d",
		e.Address, e.Status, e.ActivityID, e.ServerAgent, e.RequiredClientVersion, e.RequiredProtocolVersion)
}

// --------------------------------------------------------------------------
// Connection Failure
// --------------------------------------------------------------------------

// GoneError is used to complete requests whose connection failed or was closed
type GoneError struct {
	Address    string
	ActivityID uuid.UUID
	Err        error
}

func (e *GoneError) Error() string {
	return fmt.Sprintf("rntbd: %s is gone (activity %s): %v", e.Address, e.ActivityID, e.Err)
}

func (e *GoneError) Unwrap() error { return e.Err }

// --------------------------------------------------------------------------
// Request Timeout
// --------------------------------------------------------------------------

// RequestTimeoutError is used to complete requests that did not receive a
// response in time. The connection itself stays open.
type RequestTimeoutError struct {
	Address    string
	ActivityID uuid.UUID
	Elapsed    time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("rntbd: request %s to %s timed out after %s", e.ActivityID, e.Address, e.Elapsed)
}

// Timeout reports true, which makes the error compatible with net.Error checks
func (e *RequestTimeoutError) Timeout() bool { return true }

// --------------------------------------------------------------------------
// Error Responses
// --------------------------------------------------------------------------

// StatusError is returned when the replica answered with an error status.
// The decoded response is attached for callers that want to inspect headers.
type StatusError struct {
	Address    string
	ActivityID uuid.UUID
	Status     int32
	SubStatus  uint32
	Response   interface{}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rntbd: %s answered request %s with status %d (sub-status %d)", e.Address, e.ActivityID, e.Status, e.SubStatus)
}
