package channel

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/ValentinKolb/rntbd/rntbd/frame"
	"github.com/ValentinKolb/rntbd/rntbd/timer"
	"github.com/puzpuzpuz/xsync/v3"
)

// RequestManager correlates the requests of one connection with their
// responses and owns the connection's session context and timestamps.
type RequestManager struct {
	address        string
	timer          *timer.RequestTimer
	requestTimeout time.Duration

	pending    *xsync.MapOf[uint32, *RequestRecord]
	nextID     atomic.Uint32
	closed     atomic.Bool
	context    atomic.Pointer[frame.SessionContext]
	timestamps *Timestamps

	// called (on the completing goroutine) whenever a record completes
	onCompletion func(*RequestRecord)
}

func newRequestManager(address string, t *timer.RequestTimer, requestTimeout time.Duration, now time.Time) *RequestManager {
	return &RequestManager{
		address:        address,
		timer:          t,
		requestTimeout: requestTimeout,
		pending:        xsync.NewMapOf[uint32, *RequestRecord](),
		timestamps:     newTimestamps(now),
	}
}

// nextTransportID returns the next correlation id, skipping the id reserved for health checks
func (m *RequestManager) nextTransportID() uint32 {
	for {
		if id := m.nextID.Add(1); id != frame.HealthCheckRequestID {
			return id
		}
	}
}

// register creates and tracks the record of a new request and builds its
// frame. The record's timeout starts now.
func (m *RequestManager) register(args *frame.ServiceRequest) (*RequestRecord, *frame.Request, error) {
	id := m.nextTransportID()
	req, err := frame.NewRequest(args, id)
	if err != nil {
		return nil, nil, err
	}
	record := newRequestRecord(id, req.ActivityID, m.address, args, m.completed)
	m.pending.Store(id, record)

	// failAll may have run between the closed check of the caller and the store
	if m.closed.Load() {
		record.fail(&common.GoneError{Address: m.address, ActivityID: record.ActivityID, Err: common.ErrChannelClosed})
		return record, req, nil
	}

	t, err := m.timer.NewTimeout(m.requestTimeout, func() {
		record.fail(&common.RequestTimeoutError{
			Address:    m.address,
			ActivityID: record.ActivityID,
			Elapsed:    record.Age(),
		})
	})
	if err != nil {
		record.fail(&common.GoneError{Address: m.address, ActivityID: record.ActivityID, Err: err})
		return record, req, nil
	}
	record.setTimeout(t)
	return record, req, nil
}

// completed is the completion hook of every record
func (m *RequestManager) completed(r *RequestRecord) {
	m.pending.Delete(r.TransportID)
	if m.onCompletion != nil {
		m.onCompletion(r)
	}
}

// complete resolves the record matching a response frame. Late responses
// (for records that already timed out) and probe answers are dropped.
func (m *RequestManager) complete(resp *frame.Response) {
	if resp.TransportRequestID == frame.HealthCheckRequestID {
		WireLogger.Debugf("%s: dropping health check response %s", m.address, resp)
		return
	}

	record, ok := m.pending.Load(resp.TransportRequestID)
	if !ok {
		Logger.Debugf("%s: no pending request for response %s (already completed)", m.address, resp)
		return
	}
	record.advance(StageReceived)

	store := frame.NewStoreResponse(resp)
	if !store.IsSuccess() {
		record.fail(&common.StatusError{
			Address:    m.address,
			ActivityID: record.ActivityID,
			Status:     store.Status,
			SubStatus:  store.SubStatus,
			Response:   store,
		})
		return
	}
	record.complete(store)
}

// failAll completes every pending record with an error derived from cause
// and rejects further registrations. Negotiation errors are passed through
// as they are, everything else is reported as a GoneError.
func (m *RequestManager) failAll(cause error) int {
	m.closed.Store(true)

	failed := 0
	m.pending.Range(func(_ uint32, record *RequestRecord) bool {
		if m.failClosed(record, cause) {
			failed++
		}
		return true
	})
	return failed
}

// failClosed fails record because its connection closed with cause.
// Negotiation errors are passed through, everything else becomes a GoneError.
func (m *RequestManager) failClosed(record *RequestRecord, cause error) bool {
	var negotiation *common.NegotiationError
	if errors.As(cause, &negotiation) {
		return record.fail(cause)
	}
	return record.fail(&common.GoneError{Address: m.address, ActivityID: record.ActivityID, Err: cause})
}

// setContext stores the negotiated session context
func (m *RequestManager) setContext(ctx *frame.SessionContext) {
	m.context.Store(ctx)
}

// Context returns the session context or nil if negotiation has not completed
func (m *RequestManager) Context() *frame.SessionContext {
	return m.context.Load()
}

// Timestamps returns the liveness markers of the connection
func (m *RequestManager) Timestamps() *Timestamps {
	return m.timestamps
}

// PendingRequestCount returns the number of requests awaiting completion
func (m *RequestManager) PendingRequestCount() int {
	return m.pending.Size()
}

// IsServiceable reports whether another request may be issued: the
// connection is not failed and fewer than max requests are pending
func (m *RequestManager) IsServiceable(max int) bool {
	return !m.closed.Load() && m.pending.Size() < max
}
