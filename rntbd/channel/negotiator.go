package channel

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rntbd/rntbd/frame"
)

// NegotiationState is the context negotiation state of a connection
type NegotiationState int32

const (
	NoContext NegotiationState = iota
	ContextRequested
	ContextEstablished
	ContextFailed
)

func (s NegotiationState) String() string {
	switch s {
	case NoContext:
		return "NoContext"
	case ContextRequested:
		return "ContextRequested"
	case ContextEstablished:
		return "ContextEstablished"
	case ContextFailed:
		return "ContextFailed"
	default:
		return fmt.Sprintf("NegotiationState(%d)", int32(s))
	}
}

// contextResult is handed from the reader goroutine to the writer goroutine
// once the context response arrived
type contextResult struct {
	session *frame.SessionContext
	err     error
}

// negotiator intercepts the writes of a fresh connection. The first write
// triggers the context request, every write until the context response
// arrived is buffered and flushed in order afterward.
//
// All methods except State are called on the writer goroutine only.
type negotiator struct {
	state   atomic.Int32
	request *frame.ContextRequest
	pending []writeOp
	err     error

	handshakeTimeout time.Duration
	deadline         *time.Timer
}

func newNegotiator(request *frame.ContextRequest, handshakeTimeout time.Duration) *negotiator {
	return &negotiator{request: request, handshakeTimeout: handshakeTimeout}
}

// State returns the current negotiation state (safe from any goroutine)
func (n *negotiator) State() NegotiationState {
	return NegotiationState(n.state.Load())
}

// timeoutC returns the channel firing when the handshake takes too long (nil if none is running)
func (n *negotiator) timeoutC() <-chan time.Time {
	if n.deadline == nil {
		return nil
	}
	return n.deadline.C
}

// onWrite handles one write operation of the connection
func (n *negotiator) onWrite(c *Channel, op writeOp) {
	switch n.State() {
	case ContextEstablished:
		c.writeNow(op)

	case NoContext:
		n.pending = append(n.pending, op)
		op.pipelined()
		if err := n.sendContextRequest(c); err != nil {
			c.shutdown(err)
		}

	case ContextRequested:
		n.pending = append(n.pending, op)
		op.pipelined()

	case ContextFailed:
		op.finish(n.err)
	}
}

// sendContextRequest writes the context request and starts the handshake deadline
func (n *negotiator) sendContextRequest(c *Channel) error {
	var buf bytes.Buffer
	if err := n.request.Encode(&buf); err != nil {
		return err
	}

	n.state.Store(int32(ContextRequested))
	if n.handshakeTimeout > 0 {
		n.deadline = time.NewTimer(n.handshakeTimeout)
	}

	WireLogger.Debugf("%s WRITE %s", c, n.request)
	return c.writeBytes(&buf)
}

// onContext completes the negotiation with the result of the reader goroutine
func (n *negotiator) onContext(c *Channel, res contextResult) {
	n.stopDeadline()

	if res.err != nil {
		n.state.Store(int32(ContextFailed))
		n.err = res.err
		for _, op := range n.pending {
			op.finish(res.err)
		}
		n.pending = nil
		return
	}

	n.state.Store(int32(ContextEstablished))
	pending := n.pending
	n.pending = nil
	for _, op := range pending {
		c.writeNow(op)
	}
}

// fail drops every buffered operation with err (the connection is closing)
func (n *negotiator) fail(err error) {
	n.stopDeadline()
	for _, op := range n.pending {
		op.finish(err)
	}
	n.pending = nil
}

func (n *negotiator) stopDeadline() {
	if n.deadline != nil {
		n.deadline.Stop()
		n.deadline = nil
	}
}
