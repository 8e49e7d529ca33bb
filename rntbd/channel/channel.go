package channel

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/ValentinKolb/rntbd/rntbd/frame"
	"github.com/ValentinKolb/rntbd/rntbd/timer"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/lni/goutils/syncutil"
	"github.com/oxtoacart/bpool"
)

var (
	Logger     = logger.GetLogger(common.LoggerChannel)
	WireLogger = logger.GetLogger(common.LoggerWire)
)

var channelIDs atomic.Uint64

// -----------------------------------------------------------
// Write operations
// -----------------------------------------------------------

// writeOp is one unit of work for the writer goroutine
type writeOp struct {
	req    *frame.Request // nil: only wait for the session context
	record *RequestRecord // nil for probes and negotiation waits
	done   chan error     // optional, receives the write result (buffered)
}

func (op writeOp) pipelined() {
	if op.record != nil {
		op.record.advance(StagePipelined)
	}
}

func (op writeOp) finish(err error) {
	if err != nil && op.record != nil {
		op.record.fail(err)
	}
	if op.done != nil {
		op.done <- err
	}
}

// -----------------------------------------------------------
// Channel
// -----------------------------------------------------------

// Config holds the dependencies of a channel
type Config struct {
	Address string
	Options common.Options
	Timer   *timer.RequestTimer

	// Buffers is the encode buffer pool, shared by all channels of an endpoint
	Buffers *bpool.SizedBufferPool

	// OnCompletion is called whenever a request of the channel completes. It
	// runs on the completing goroutine and must not block.
	OnCompletion func(*RequestRecord)
}

// Channel is one RNTBD connection. A reader goroutine decodes inbound frames
// and a writer goroutine serializes all outbound frames, including the
// context negotiation on first use.
type Channel struct {
	id         uint64
	address    string
	conn       net.Conn
	opts       common.Options
	manager    *RequestManager
	negotiator *negotiator
	buffers    *bpool.SizedBufferPool
	createdAt  time.Time

	writeQ   chan writeOp
	contextQ chan contextResult

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	stopOnce  sync.Once
	stopper   *syncutil.Stopper
}

// New wraps an established connection and starts its reader and writer goroutines
func New(conn net.Conn, cfg Config) *Channel {
	now := time.Now()
	opts := cfg.Options

	buffers := cfg.Buffers
	if buffers == nil {
		buffers = bpool.NewSizedBufferPool(opts.BufferPoolSize(), opts.BufferPageSize)
	}

	c := &Channel{
		id:        channelIDs.Add(1),
		address:   cfg.Address,
		conn:      conn,
		opts:      opts,
		buffers:   buffers,
		createdAt: now,
		writeQ:    make(chan writeOp, opts.MaxRequestsPerChannel+8),
		contextQ:  make(chan contextResult, 1),
		closed:    make(chan struct{}),
		stopper:   syncutil.NewStopper(),
	}
	c.manager = newRequestManager(cfg.Address, cfg.Timer, opts.RequestTimeout, now)
	c.manager.onCompletion = cfg.OnCompletion
	c.negotiator = newNegotiator(
		frame.NewContextRequest(opts.ProtocolVersion, opts.ClientVersion, opts.UserAgent),
		opts.EffectiveHandshakeTimeout(),
	)

	c.stopper.RunWorker(c.readLoop)
	c.stopper.RunWorker(c.writeLoop)

	Logger.Debugf("%s: opened", c)
	return c
}

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// Request registers args and queues its frame for writing. The returned
// record completes with the response, a timeout or the failure of the
// connection. Invalid request headers are returned as error directly.
func (c *Channel) Request(ctx context.Context, args *frame.ServiceRequest) (*RequestRecord, error) {
	if !c.IsActive() {
		return nil, &common.GoneError{Address: c.address, ActivityID: args.ActivityID, Err: c.Err()}
	}

	record, req, err := c.manager.register(args)
	if err != nil {
		return nil, err
	}
	if record.IsCompleted() {
		return record, nil
	}

	if err := c.enqueue(ctx, writeOp{req: req, record: record}); err != nil {
		var gone *common.GoneError
		if !errors.As(err, &gone) && !errors.Is(err, ctx.Err()) {
			err = &common.GoneError{Address: c.address, ActivityID: record.ActivityID, Err: err}
		}
		record.fail(err)
		return record, nil
	}

	// the writer drains the queue once on close, later ops are never read
	select {
	case <-c.closed:
		c.manager.failClosed(record, c.Err())
	default:
	}
	return record, nil
}

// Negotiate forces the context negotiation (if it has not happened yet) and
// returns the session context
func (c *Channel) Negotiate(ctx context.Context) (*frame.SessionContext, error) {
	if s := c.manager.Context(); s != nil {
		return s, nil
	}

	op := writeOp{done: make(chan error, 1)}
	if err := c.enqueue(ctx, op); err != nil {
		return nil, err
	}
	if err := c.await(ctx, op); err != nil {
		return nil, err
	}
	return c.manager.Context(), nil
}

// probe writes a health-check frame and reports whether the write completed
func (c *Channel) probe(ctx context.Context) error {
	op := writeOp{req: frame.NewHealthCheckRequest(), done: make(chan error, 1)}
	if err := c.enqueue(ctx, op); err != nil {
		return err
	}
	return c.await(ctx, op)
}

func (c *Channel) enqueue(ctx context.Context, op writeOp) error {
	select {
	case c.writeQ <- op:
		return nil
	case <-c.closed:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) await(ctx context.Context, op writeOp) error {
	select {
	case err := <-op.done:
		return err
	case <-c.closed:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --------------------------------------------------------------------------
// Writer goroutine
// --------------------------------------------------------------------------

func (c *Channel) writeLoop() {
	for {
		select {
		case op := <-c.writeQ:
			c.negotiator.onWrite(c, op)

		case res := <-c.contextQ:
			c.negotiator.onContext(c, res)
			if res.err != nil {
				c.shutdown(res.err)
			}

		case <-c.negotiator.timeoutC():
			c.shutdown(fmt.Errorf("context negotiation with %s timed out after %s",
				c.address, c.opts.EffectiveHandshakeTimeout()))

		case <-c.closed:
			err := c.Err()
			c.negotiator.fail(err)
			for {
				select {
				case op := <-c.writeQ:
					if op.record != nil {
						c.manager.failClosed(op.record, err)
					}
					op.finish(err)
				default:
					return
				}
			}
		}
	}
}

// writeNow encodes and writes one operation (context established)
func (c *Channel) writeNow(op writeOp) {
	if op.req == nil {
		op.finish(nil)
		return
	}

	buf := c.buffers.Get()
	defer c.buffers.Put(buf)

	if err := op.req.Encode(buf); err != nil {
		op.finish(err)
		return
	}

	WireLogger.Debugf("%s WRITE %s", c, op.req)
	if err := c.writeBytes(buf); err != nil {
		c.shutdown(err)
		op.finish(c.Err())
		return
	}
	if op.record != nil {
		op.record.advance(StageSent)
	}
	op.finish(nil)
}

// writeBytes writes buf to the connection and records the write timestamps
func (c *Channel) writeBytes(buf *bytes.Buffer) error {
	c.manager.timestamps.channelWriteAttempt(time.Now())
	if _, err := buf.WriteTo(c.conn); err != nil {
		return err
	}
	c.manager.timestamps.channelWrite(time.Now())
	return nil
}

// --------------------------------------------------------------------------
// Reader goroutine
// --------------------------------------------------------------------------

func (c *Channel) readLoop() {
	reader := frame.NewReader(bufio.NewReaderSize(c.conn, c.opts.BufferPageSize), c.opts.MaxBufferCapacity)

	ctxResp, err := reader.ReadContextResponse()
	if err != nil {
		c.readFailed(err)
		return
	}
	c.manager.timestamps.channelRead(time.Now())
	WireLogger.Debugf("%s READ ContextResponse{status=%d, activity=%s, server=%q/%q}",
		c, ctxResp.Status, ctxResp.ActivityID, ctxResp.ServerAgent, ctxResp.ServerVersion)

	session, err := ctxResp.Establish(c.address)
	if err != nil {
		Logger.Warningf("%s: %v", c, err)
	} else {
		c.manager.setContext(session)
		Logger.Debugf("%s: established %s", c, session)
	}

	select {
	case c.contextQ <- contextResult{session: session, err: err}:
	case <-c.closed:
		return
	}
	if err != nil {
		return
	}

	for {
		resp, err := reader.ReadResponse()
		if err != nil {
			c.readFailed(err)
			return
		}
		c.manager.timestamps.channelRead(time.Now())
		WireLogger.Debugf("%s READ %s", c, resp)
		c.manager.complete(resp)
	}
}

func (c *Channel) readFailed(err error) {
	select {
	case <-c.closed:
		// closed by us, the read error is the consequence
		return
	default:
	}
	if errors.Is(err, io.EOF) {
		err = fmt.Errorf("connection closed by peer: %w", err)
	}
	c.shutdown(err)
}

// --------------------------------------------------------------------------
// Shutdown
// --------------------------------------------------------------------------

// shutdown closes the connection and fails all pending requests with err.
// It does not wait for the goroutines and is safe to call from them.
func (c *Channel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		failed := c.manager.failAll(err)
		close(c.closed)
		_ = c.conn.Close()

		if errors.Is(err, common.ErrChannelClosed) {
			Logger.Debugf("%s: closed (%d pending requests failed)", c, failed)
		} else {
			Logger.Warningf("%s: closed: %v (%d pending requests failed)", c, err, failed)
		}
	})
}

// CloseWithError closes the channel, failing pending requests with err, and
// waits for its goroutines. Must not be called from a completion callback.
// Only the first close determines the error, later calls just wait.
func (c *Channel) CloseWithError(err error) {
	c.shutdown(err)
	c.stopOnce.Do(c.stopper.Stop)
}

// Close closes the channel, failing pending requests with ErrChannelClosed
func (c *Channel) Close() error {
	c.CloseWithError(common.ErrChannelClosed)
	return nil
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// ID returns the process-unique id of the channel
func (c *Channel) ID() uint64 { return c.id }

// Address returns the remote address
func (c *Channel) Address() string { return c.address }

// CreatedAt returns the time the channel was created
func (c *Channel) CreatedAt() time.Time { return c.createdAt }

// Closed is closed when the channel shuts down
func (c *Channel) Closed() <-chan struct{} { return c.closed }

// IsActive reports whether the channel is open
func (c *Channel) IsActive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Err returns the reason the channel was closed (nil while it is open)
func (c *Channel) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// Context returns the session context (nil until negotiation completed)
func (c *Channel) Context() *frame.SessionContext { return c.manager.Context() }

// NegotiationState returns the context negotiation state
func (c *Channel) NegotiationState() NegotiationState { return c.negotiator.State() }

// Timestamps returns a snapshot of the liveness markers
func (c *Channel) Timestamps() TimestampsSnapshot { return c.manager.timestamps.Snapshot() }

// PendingRequestCount returns the number of outstanding requests
func (c *Channel) PendingRequestCount() int { return c.manager.PendingRequestCount() }

// IsServiceable reports whether the channel is open and has fewer than max outstanding requests
func (c *Channel) IsServiceable(max int) bool {
	return c.IsActive() && c.manager.IsServiceable(max)
}

func (c *Channel) String() string {
	return fmt.Sprintf("channel[%d %s -> %s]", c.id, c.conn.LocalAddr(), c.address)
}
