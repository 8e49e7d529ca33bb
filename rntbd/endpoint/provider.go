package endpoint

import (
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/ValentinKolb/rntbd/rntbd/pool"
	"github.com/ValentinKolb/rntbd/rntbd/timer"
	"github.com/ValentinKolb/rntbd/rntbd/transport"
	"github.com/ValentinKolb/rntbd/rntbd/transport/tcp"
	"github.com/lni/goutils/syncutil"
	"github.com/oxtoacart/bpool"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

// Config holds the settings of a provider
type Config struct {
	Options common.Options

	// Connector opens the connections (defaults to TCP with Options)
	Connector transport.IChannelConnector
}

// Provider hands out one Endpoint per replica address. All endpoints share
// the request timer and the frame buffer pool of the provider.
type Provider struct {
	opts      common.Options
	connector transport.IChannelConnector
	timer     *timer.RequestTimer
	buffers   *bpool.SizedBufferPool

	endpoints *xsync.MapOf[string, *Endpoint]
	evictions atomic.Uint64
	closed    atomic.Bool
	stopper   *syncutil.Stopper
}

// NewProvider creates a provider
func NewProvider(cfg Config) (*Provider, error) {
	opts := cfg.Options
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	connector := cfg.Connector
	if connector == nil {
		connector = tcp.NewConnector(opts)
	}

	p := &Provider{
		opts:      opts,
		connector: connector,
		timer:     timer.NewRequestTimer(opts.TimerResolution),
		buffers:   bpool.NewSizedBufferPool(opts.BufferPoolSize(), opts.BufferPageSize),
		endpoints: xsync.NewMapOf[string, *Endpoint](),
		stopper:   syncutil.NewStopper(),
	}

	if opts.IdleEndpointTimeout > 0 {
		p.stopper.RunWorker(p.sweep)
	}
	Logger.Infof("endpoint provider started (connector=%s, %s)", connector.GetName(), &opts)
	return p, nil
}

// Get returns the endpoint of address, creating it on first use. Concurrent
// callers asking for the same address get the same endpoint.
func (p *Provider) Get(address string) (*Endpoint, error) {
	if p.closed.Load() {
		return nil, common.ErrProviderClosed
	}
	if e, ok := p.endpoints.Load(address); ok && !e.IsClosed() {
		return e, nil
	}

	var createErr error
	e, _ := p.endpoints.Compute(address, func(old *Endpoint, loaded bool) (*Endpoint, bool) {
		if loaded && !old.IsClosed() {
			return old, false
		}
		created, err := p.create(address)
		if err != nil {
			createErr = err
			return nil, true
		}
		return created, false
	})
	if createErr != nil {
		return nil, createErr
	}

	// Close may have run while the endpoint was created
	if p.closed.Load() {
		e.Close()
		return nil, common.ErrProviderClosed
	}
	return e, nil
}

func (p *Provider) create(address string) (*Endpoint, error) {
	pl, err := pool.New(pool.Config{
		Address:   address,
		Options:   p.opts,
		Connector: p.connector,
		Timer:     p.timer,
		Buffers:   p.buffers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create endpoint for %s: %w", address, err)
	}
	Logger.Debugf("created endpoint for %s", address)
	return newEndpoint(address, pl, p.evict), nil
}

// evict removes e from the map unless it was already replaced
func (p *Provider) evict(e *Endpoint) {
	p.endpoints.Compute(e.address, func(old *Endpoint, loaded bool) (*Endpoint, bool) {
		if loaded && old == e {
			p.evictions.Add(1)
			return nil, true
		}
		return old, !loaded
	})
}

// sweep closes endpoints that had no request for IdleEndpointTimeout
func (p *Provider) sweep() {
	interval := p.opts.IdleEndpointTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopper.ShouldStop():
			return
		case now := <-ticker.C:
			var idle []*Endpoint
			p.endpoints.Range(func(_ string, e *Endpoint) bool {
				if e.idleFor(p.opts.IdleEndpointTimeout, now) {
					idle = append(idle, e)
				}
				return true
			})
			for _, e := range idle {
				Logger.Infof("%s: closing endpoint idle since %s", e.address, e.LastRequestTime().Format(time.RFC3339))
				e.Close()
			}
		}
	}
}

// Close closes every endpoint and stops the request timer. Requests still
// waiting on the timer are completed. Calling Close more than once is a no-op.
func (p *Provider) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.stopper.Stop()

	var g errgroup.Group
	for _, e := range p.List() {
		e := e
		g.Go(e.Close)
	}
	err := g.Wait()

	p.timer.Stop()
	Logger.Infof("endpoint provider closed (%d evictions)", p.Evictions())
	return err
}

// IsClosed reports whether Close was called
func (p *Provider) IsClosed() bool {
	return p.closed.Load()
}

// Count returns the number of live endpoints
func (p *Provider) Count() int {
	return p.endpoints.Size()
}

// Evictions returns how many endpoints were evicted so far
func (p *Provider) Evictions() uint64 {
	return p.evictions.Load()
}

// List returns the live endpoints sorted by address
func (p *Provider) List() []*Endpoint {
	list := make([]*Endpoint, 0, p.endpoints.Size())
	p.endpoints.Range(func(_ string, e *Endpoint) bool {
		list = append(list, e)
		return true
	})
	sort.Slice(list, func(i, j int) bool { return list[i].address < list[j].address })
	return list
}

// WriteMetrics writes the metrics of all endpoints in Prometheus text format
func (p *Provider) WriteMetrics(w io.Writer) {
	for _, e := range p.List() {
		e.WriteMetrics(w)
	}
}

// Timer returns the shared request timer
func (p *Provider) Timer() *timer.RequestTimer {
	return p.timer
}
