package pool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rntbd/lib/util"
	"github.com/ValentinKolb/rntbd/rntbd/channel"
	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/ValentinKolb/rntbd/rntbd/timer"
	"github.com/ValentinKolb/rntbd/rntbd/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/lni/goutils/syncutil"
	"github.com/oxtoacart/bpool"
)

var Logger = logger.GetLogger(common.LoggerPool)

// Config holds the dependencies of a pool
type Config struct {
	Address   string
	Options   common.Options
	Connector transport.IChannelConnector
	Timer     *timer.RequestTimer

	// Buffers is shared with every channel of the pool (optional)
	Buffers *bpool.SizedBufferPool
}

// pooledChannel is the executor-owned bookkeeping of one channel
type pooledChannel struct {
	ch       *channel.Channel
	inUse    int
	lastUsed time.Time
}

type acquireResult struct {
	lease *Lease
	err   error
}

// waiter is one Acquire call waiting for a channel. Whoever claims it first
// (the executor delivering a result or the caller giving up) owns it.
type waiter struct {
	claimed  atomic.Bool
	result   chan acquireResult
	enqueued time.Time
}

func newWaiter() *waiter {
	return &waiter{result: make(chan acquireResult, 1), enqueued: time.Now()}
}

// deliver hands a result to the waiter. It reports false if the caller gave up.
func (w *waiter) deliver(lease *Lease, err error) bool {
	if !w.claimed.CompareAndSwap(false, true) {
		return false
	}
	w.result <- acquireResult{lease: lease, err: err}
	return true
}

// Lease grants the right to issue one request on a channel. It must be
// released once the request completed.
type Lease struct {
	pool     *Pool
	pc       *pooledChannel
	released atomic.Bool
}

// Channel returns the leased channel
func (l *Lease) Channel() *channel.Channel {
	return l.pc.ch
}

// Release returns the lease to the pool. Releasing twice is a no-op.
func (l *Lease) Release() error {
	return l.pool.Release(l)
}

// Pool manages the channels to one replica address. All pool state is owned
// by a single executor goroutine, every operation is posted to it as a
// closure through a lock-free queue.
//
// Per channel at most MaxRequestsPerChannel leases are outstanding, at most
// MaxChannelsPerEndpoint channels are open or being opened. Acquire calls
// beyond that wait in FIFO order.
type Pool struct {
	address     string
	opts        common.Options
	connector   transport.IChannelConnector
	timer       *timer.RequestTimer
	buffers     *bpool.SizedBufferPool
	health      *channel.HealthChecker
	maxChannels int
	maxRequests int

	ops      *util.MPSCQueue[func()]
	stopper  *syncutil.Stopper
	ctx      context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool
	closedCh chan struct{}

	// executor-owned state
	channels map[uint64]*pooledChannel
	ring     []*pooledChannel
	waiters  []*waiter
	opening  int

	// published by the executor for lock-free reads
	channelCount atomic.Int64
	leaseCount   atomic.Int64
	pending      atomic.Int64
	openedTotal  atomic.Uint64
}

// New creates a pool. No channel is opened until the first Acquire.
func New(cfg Config) (*Pool, error) {
	opts := cfg.Options
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if cfg.Connector == nil {
		return nil, fmt.Errorf("pool for %s: no connector", cfg.Address)
	}
	if cfg.Timer == nil {
		return nil, fmt.Errorf("pool for %s: no request timer", cfg.Address)
	}
	health, err := channel.NewHealthChecker(opts)
	if err != nil {
		return nil, err
	}

	buffers := cfg.Buffers
	if buffers == nil {
		buffers = bpool.NewSizedBufferPool(opts.BufferPoolSize(), opts.BufferPageSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		address:     cfg.Address,
		opts:        opts,
		connector:   cfg.Connector,
		timer:       cfg.Timer,
		buffers:     buffers,
		health:      health,
		maxChannels: opts.MaxChannelsPerEndpoint,
		maxRequests: opts.MaxRequestsPerChannel,
		ops:         util.NewMPSCQueue[func()](),
		stopper:     syncutil.NewStopper(),
		ctx:         ctx,
		cancel:      cancel,
		closedCh:    make(chan struct{}),
		channels:    make(map[uint64]*pooledChannel),
	}

	p.stopper.RunWorker(p.run)
	if opts.HealthCheckInterval > 0 {
		p.stopper.RunWorker(p.sweep)
	}
	return p, nil
}

// run is the executor loop
func (p *Pool) run() {
	for op := range p.ops.Recv() {
		op()
	}
}

// post hands op to the executor. It reports false if the pool is closed.
func (p *Pool) post(op func()) bool {
	if p.closed.Load() {
		return false
	}
	return p.ops.Push(op)
}

// --------------------------------------------------------------------------
// Acquire / Release
// --------------------------------------------------------------------------

// Acquire leases a channel with spare request capacity, opening a new
// channel if the pool is below its limit. It waits until a channel becomes
// available, ctx is done or the pool is closed.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.closed.Load() {
		return nil, common.ErrPoolClosed
	}

	p.pending.Add(1)
	defer p.pending.Add(-1)

	w := newWaiter()
	if !p.post(func() { p.acquire(w) }) {
		return nil, common.ErrPoolClosed
	}

	var giveUp error
	select {
	case res := <-w.result:
		return res.lease, res.err
	case <-ctx.Done():
		giveUp = ctx.Err()
	case <-p.closedCh:
		giveUp = common.ErrPoolClosed
	}

	if w.claimed.CompareAndSwap(false, true) {
		return nil, giveUp
	}
	// the executor delivered concurrently
	res := <-w.result
	if res.lease != nil {
		_ = res.lease.Release()
	}
	return nil, giveUp
}

// Release returns a lease. After Close it fails with ErrPoolClosed.
func (p *Pool) Release(l *Lease) error {
	if p.closed.Load() {
		return common.ErrPoolClosed
	}
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	if !p.post(func() { p.release(l) }) {
		return common.ErrPoolClosed
	}
	return nil
}

// --------------------------------------------------------------------------
// Executor operations
// --------------------------------------------------------------------------

func (p *Pool) acquire(w *waiter) {
	if p.closed.Load() {
		w.deliver(nil, common.ErrPoolClosed)
		return
	}
	p.waiters = append(p.waiters, w)
	p.dispatch()
}

// reserve examines every pooled channel once, in round-robin order, and
// leases the first one with spare capacity. Inactive channels are dropped.
func (p *Pool) reserve() *Lease {
	for n := len(p.ring); n > 0; n-- {
		pc := p.ring[0]
		p.ring = p.ring[1:]

		if !pc.ch.IsActive() {
			p.drop(pc)
			continue
		}
		p.ring = append(p.ring, pc)

		if pc.inUse < p.maxRequests && pc.ch.IsServiceable(p.maxRequests) {
			pc.inUse++
			pc.lastUsed = time.Now()
			p.leaseCount.Add(1)
			return &Lease{pool: p, pc: pc}
		}
	}
	return nil
}

func (p *Pool) release(l *Lease) {
	pc := l.pc
	pc.inUse--
	pc.lastUsed = time.Now()
	p.leaseCount.Add(-1)

	if current, ok := p.channels[pc.ch.ID()]; !ok || current != pc {
		// already dropped
		return
	}
	switch {
	case !pc.ch.IsActive():
		p.remove(pc)
	case len(p.channels) > p.maxChannels && pc.inUse == 0:
		Logger.Infof("%s: closing %s, pool is over capacity (%d channels)", p.address, pc.ch, len(p.channels))
		p.remove(pc)
		go pc.ch.Close()
	}
	p.dispatch()
}

// dispatch serves waiting acquisitions in FIFO order, skipping waiters that
// gave up, and opens channels for the remaining ones
func (p *Pool) dispatch() {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		if w.claimed.Load() {
			p.waiters = p.waiters[1:]
			continue
		}
		lease := p.reserve()
		if lease == nil {
			break
		}
		p.waiters = p.waiters[1:]
		if !w.deliver(lease, nil) {
			p.release(lease)
			return
		}
	}
	p.maybeOpen()
}

// liveWaiters returns the number of waiters that did not give up
func (p *Pool) liveWaiters() int {
	n := 0
	for _, w := range p.waiters {
		if !w.claimed.Load() {
			n++
		}
	}
	return n
}

// maybeOpen starts opening channels while waiters cannot be served by the
// channels already being opened and the channel limit permits
func (p *Pool) maybeOpen() {
	waiting := p.liveWaiters()
	for len(p.channels)+p.opening < p.maxChannels && p.opening*p.maxRequests < waiting {
		p.opening++
		p.stopper.RunWorker(p.open)
	}
}

// open connects a new channel outside of the executor and posts the result back
func (p *Pool) open() {
	ch, err := p.connect()
	if !p.post(func() { p.opened(ch, err) }) && ch != nil {
		ch.Close()
	}
}

func (p *Pool) connect() (*channel.Channel, error) {
	conn, err := p.connector.Connect(p.ctx, p.address)
	if err != nil {
		return nil, err
	}
	return channel.New(conn, channel.Config{
		Address:      p.address,
		Options:      p.opts,
		Timer:        p.timer,
		Buffers:      p.buffers,
		OnCompletion: p.onCompletion,
	}), nil
}

func (p *Pool) opened(ch *channel.Channel, err error) {
	p.opening--

	if err != nil {
		Logger.Warningf("%s: failed to open channel: %v", p.address, err)
		p.failOldestWaiter(&common.GoneError{Address: p.address, Err: err})
		p.dispatch()
		return
	}
	if p.closed.Load() {
		go ch.Close()
		return
	}

	pc := &pooledChannel{ch: ch, lastUsed: time.Now()}
	p.channels[ch.ID()] = pc
	p.ring = append(p.ring, pc)
	p.channelCount.Store(int64(len(p.channels)))
	p.openedTotal.Add(1)
	Logger.Debugf("%s: opened %s (%d channels)", p.address, ch, len(p.channels))

	p.stopper.RunWorker(func() { p.watch(ch) })
	p.dispatch()
}

func (p *Pool) failOldestWaiter(err error) {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		if w.deliver(nil, err) {
			return
		}
	}
}

// watch removes the channel from the pool once it closes
func (p *Pool) watch(ch *channel.Channel) {
	select {
	case <-ch.Closed():
		p.post(func() {
			if pc, ok := p.channels[ch.ID()]; ok && pc.ch == ch {
				Logger.Debugf("%s: removing closed %s: %v", p.address, ch, ch.Err())
				p.remove(pc)
				p.dispatch()
			}
		})
	case <-p.closedCh:
	}
}

// onCompletion runs on the completing goroutine of a channel. Freed request
// capacity can serve waiting acquisitions.
func (p *Pool) onCompletion(*channel.RequestRecord) {
	if p.pending.Load() > 0 {
		p.post(p.dispatch)
	}
}

// remove forgets a pooled channel (it is not closed here)
func (p *Pool) remove(pc *pooledChannel) {
	delete(p.channels, pc.ch.ID())
	for i, other := range p.ring {
		if other == pc {
			p.ring = append(p.ring[:i], p.ring[i+1:]...)
			break
		}
	}
	p.channelCount.Store(int64(len(p.channels)))
}

// drop forgets a channel found inactive during a scan (already out of the ring)
func (p *Pool) drop(pc *pooledChannel) {
	delete(p.channels, pc.ch.ID())
	p.channelCount.Store(int64(len(p.channels)))
}

// --------------------------------------------------------------------------
// Health sweep
// --------------------------------------------------------------------------

func (p *Pool) sweep() {
	ticker := time.NewTicker(p.opts.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.checkHealth()
		case <-p.stopper.ShouldStop():
			return
		}
	}
}

// checkHealth runs the health checker on every idle channel and closes the
// unhealthy ones. The probes run outside of the executor.
func (p *Pool) checkHealth() {
	idle := make(chan []*channel.Channel, 1)
	if !p.post(func() {
		var out []*channel.Channel
		for _, pc := range p.channels {
			if pc.inUse == 0 {
				out = append(out, pc.ch)
			}
		}
		idle <- out
	}) {
		return
	}

	var channels []*channel.Channel
	select {
	case channels = <-idle:
	case <-p.stopper.ShouldStop():
		return
	}

	for _, ch := range channels {
		healthy, reason := p.health.IsHealthy(p.ctx, ch)
		if healthy {
			continue
		}
		Logger.Infof("%s: closing unhealthy %s: %s", p.address, ch, reason)
		ch.CloseWithError(fmt.Errorf("closed by health check: %s", reason))
	}
}

// --------------------------------------------------------------------------
// Close and stats
// --------------------------------------------------------------------------

// Close closes every channel and fails all waiting acquisitions with
// ErrPoolClosed. Calling Close more than once is a no-op.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.closedCh)
	p.cancel()

	p.ops.Push(func() {
		for _, w := range p.waiters {
			w.deliver(nil, common.ErrPoolClosed)
		}
		p.waiters = nil

		for _, pc := range p.channels {
			pc.ch.Close()
		}
		Logger.Infof("%s: pool closed (%d channels)", p.address, len(p.channels))
		p.channels = make(map[uint64]*pooledChannel)
		p.ring = nil
		p.channelCount.Store(0)
	})
	p.ops.Close()
	p.stopper.Stop()
	return nil
}

// IsClosed reports whether Close was called
func (p *Pool) IsClosed() bool {
	return p.closed.Load()
}

// Address returns the replica address of the pool
func (p *Pool) Address() string {
	return p.address
}

// PendingAcquisitions returns the number of Acquire calls in progress
func (p *Pool) PendingAcquisitions() int {
	return int(p.pending.Load())
}

// ChannelCount returns the number of pooled channels
func (p *Pool) ChannelCount() int {
	return int(p.channelCount.Load())
}

// LeaseCount returns the number of outstanding leases
func (p *Pool) LeaseCount() int {
	return int(p.leaseCount.Load())
}

// OpenedChannels returns how many channels the pool has opened over its lifetime
func (p *Pool) OpenedChannels() uint64 {
	return p.openedTotal.Load()
}

func (p *Pool) String() string {
	return fmt.Sprintf("Pool{address=%s, channels=%d, leases=%d, pendingAcquisitions=%d}",
		p.address, p.ChannelCount(), p.LeaseCount(), p.PendingAcquisitions())
}
