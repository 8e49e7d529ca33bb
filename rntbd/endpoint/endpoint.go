package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/ValentinKolb/rntbd/rntbd/frame"
	"github.com/ValentinKolb/rntbd/rntbd/pool"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger(common.LoggerEndpoint)

// Endpoint is the client-side handle of one replica address. It owns the
// channel pool and the request metrics of that address.
type Endpoint struct {
	address   string
	pool      *pool.Pool
	metrics   *Metrics
	createdAt time.Time

	inflight    *xsync.Counter
	lastRequest atomic.Int64
	closed      atomic.Bool

	// evict removes the endpoint from its provider (may be nil)
	evict func(*Endpoint)
}

func newEndpoint(address string, p *pool.Pool, evict func(*Endpoint)) *Endpoint {
	e := &Endpoint{
		address:   address,
		pool:      p,
		createdAt: time.Now(),
		inflight:  xsync.NewCounter(),
		evict:     evict,
	}
	e.lastRequest.Store(e.createdAt.UnixNano())
	e.metrics = newMetrics(e)
	return e
}

// Request sends a request to the replica and waits for its response.
//
// Error responses (status >= 400) are returned as *common.StatusError, a
// missed deadline as *common.RequestTimeoutError and connection failures as
// *common.GoneError. Cancelling ctx fails the request with ctx.Err() and
// removes it from its connection, which stays open. A late response for it
// is dropped.
func (e *Endpoint) Request(ctx context.Context, args *frame.ServiceRequest) (*frame.StoreResponse, error) {
	if e.closed.Load() {
		return nil, &common.GoneError{Address: e.address, ActivityID: args.ActivityID, Err: common.ErrEndpointClosed}
	}

	start := time.Now()
	e.lastRequest.Store(start.UnixNano())
	e.inflight.Inc()
	e.metrics.requests.Inc()

	resp, err := e.request(ctx, args)

	e.inflight.Dec()
	e.lastRequest.Store(time.Now().UnixNano())
	e.metrics.record(start, resp, err)
	if err != nil {
		Logger.Debugf("%s: %s failed: %v", e.address, args, err)
	}
	return resp, err
}

func (e *Endpoint) request(ctx context.Context, args *frame.ServiceRequest) (*frame.StoreResponse, error) {
	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, common.ErrPoolClosed) {
			err = &common.GoneError{Address: e.address, ActivityID: args.ActivityID, Err: common.ErrEndpointClosed}
		}
		return nil, err
	}
	// the lease covers the whole request, so MaxRequestsPerChannel bounds
	// the requests in flight per channel
	defer lease.Release()

	record, err := lease.Channel().Request(ctx, args)
	if err != nil {
		return nil, err
	}
	return record.Wait(ctx)
}

// Close evicts the endpoint from its provider and closes its pool. Requests
// in flight fail with a *common.GoneError.
func (e *Endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.evict != nil {
		e.evict(e)
	}
	err := e.pool.Close()
	e.metrics.stop()
	Logger.Infof("%s: endpoint closed (%s)", e.address, e.metrics.Snapshot())
	return err
}

// Address returns the replica address
func (e *Endpoint) Address() string {
	return e.address
}

// IsClosed reports whether the endpoint was closed or evicted
func (e *Endpoint) IsClosed() bool {
	return e.closed.Load()
}

// InflightRequests returns the number of requests in progress
func (e *Endpoint) InflightRequests() int64 {
	return e.inflight.Value()
}

// LastRequestTime returns when the last request started or finished
func (e *Endpoint) LastRequestTime() time.Time {
	return time.Unix(0, e.lastRequest.Load())
}

// CreatedAt returns the creation time of the endpoint
func (e *Endpoint) CreatedAt() time.Time {
	return e.createdAt
}

// Metrics returns the request metrics of the endpoint
func (e *Endpoint) Metrics() *Metrics {
	return e.metrics
}

// Pool returns the channel pool of the endpoint
func (e *Endpoint) Pool() *pool.Pool {
	return e.pool
}

// WriteMetrics writes the endpoint metrics in Prometheus text format
func (e *Endpoint) WriteMetrics(w io.Writer) {
	e.metrics.WritePrometheus(w)
}

// idleFor reports whether the endpoint had no request for at least d
func (e *Endpoint) idleFor(d time.Duration, now time.Time) bool {
	return e.inflight.Value() == 0 && now.Sub(e.LastRequestTime()) >= d
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("Endpoint{address=%s, inflight=%d, %s}", e.address, e.InflightRequests(), e.pool)
}
