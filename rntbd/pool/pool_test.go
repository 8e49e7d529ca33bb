package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/ValentinKolb/rntbd/rntbd/frame"
	"github.com/ValentinKolb/rntbd/rntbd/server"
	"github.com/ValentinKolb/rntbd/rntbd/timer"
)

const testAddress = "replica-0:10250"

// pipeConnector connects channels to an in-process replica over net.Pipe
type pipeConnector struct {
	srv   *server.Server
	fail  atomic.Bool
	dials atomic.Int32
}

func (c *pipeConnector) GetName() string { return "pipe" }

func (c *pipeConnector) Connect(ctx context.Context, address string) (net.Conn, error) {
	c.dials.Add(1)
	if c.fail.Load() {
		return nil, fmt.Errorf("connection to %s refused", address)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, srv := net.Pipe()
	go c.srv.ServeConn(srv)
	return client, nil
}

func testOptions(maxChannels, maxRequests int) common.Options {
	opts := common.DefaultOptions()
	opts.MaxChannelsPerEndpoint = maxChannels
	opts.MaxRequestsPerChannel = maxRequests
	opts.RequestTimeout = 2 * time.Second
	opts.TimerResolution = time.Millisecond
	opts.HealthCheckInterval = 0
	return opts
}

func newTestPool(t *testing.T, opts common.Options, handler server.Handler) (*Pool, *pipeConnector) {
	t.Helper()
	srv := server.New(server.DefaultConfig(""), handler)
	connector := &pipeConnector{srv: srv}
	rt := timer.NewRequestTimer(opts.TimerResolution)

	p, err := New(Config{Address: testAddress, Options: opts, Connector: connector, Timer: rt})
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	t.Cleanup(func() {
		p.Close()
		srv.Close()
		rt.Stop()
	})
	return p, connector
}

func acquire(t *testing.T, p *Pool) *Lease {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	return l
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestSecondAcquireWaitsForRelease(t *testing.T) {
	p, connector := newTestPool(t, testOptions(1, 1), nil)

	first := acquire(t, p)

	got := make(chan *Lease, 1)
	go func() {
		l, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("Second acquire failed: %v", err)
			close(got)
			return
		}
		got <- l
	}()

	waitFor(t, "the second acquire to wait", func() bool { return p.PendingAcquisitions() == 1 })
	select {
	case <-got:
		t.Fatal("Second acquire must wait while the only channel is leased")
	case <-time.After(50 * time.Millisecond):
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Failed to release: %v", err)
	}

	select {
	case second := <-got:
		if second == nil {
			return
		}
		if second.Channel() != first.Channel() {
			t.Errorf("Expected the same channel, got %s and %s", first.Channel(), second.Channel())
		}
		second.Release()
	case <-time.After(5 * time.Second):
		t.Fatal("Second acquire was not served after release")
	}

	if n := connector.dials.Load(); n != 1 {
		t.Errorf("Expected exactly one connection, got %d", n)
	}
	if n := p.PendingAcquisitions(); n != 0 {
		t.Errorf("Expected no pending acquisitions, got %d", n)
	}
}

func TestPoolRespectsLimits(t *testing.T) {
	const (
		maxChannels = 3
		maxRequests = 2
		workers     = 24
		rounds      = 10
	)
	p, connector := newTestPool(t, testOptions(maxChannels, maxRequests), server.DelayHandler(time.Millisecond, server.EchoHandler))

	var mu sync.Mutex
	inUse := make(map[uint64]int)
	violations := atomic.Int32{}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				l, err := p.Acquire(context.Background())
				if err != nil {
					t.Errorf("Acquire failed: %v", err)
					return
				}
				ch := l.Channel()

				mu.Lock()
				inUse[ch.ID()]++
				if inUse[ch.ID()] > maxRequests || len(inUse) > maxChannels {
					violations.Add(1)
				}
				mu.Unlock()

				rec, err := ch.Request(context.Background(), frame.NewServiceRequest(frame.OperationRead, frame.ResourceDocument, "docs/1"))
				if err == nil {
					_, err = rec.Wait(context.Background())
				}
				if err != nil {
					t.Errorf("Request failed: %v", err)
				}

				mu.Lock()
				inUse[ch.ID()]--
				mu.Unlock()
				l.Release()
			}
		}()
	}
	wg.Wait()

	if n := violations.Load(); n != 0 {
		t.Errorf("Pool limits were violated %d times", n)
	}
	if n := connector.dials.Load(); n > maxChannels {
		t.Errorf("Expected at most %d connections, got %d", maxChannels, n)
	}
	if n := p.ChannelCount(); n > maxChannels {
		t.Errorf("Expected at most %d channels, got %d", maxChannels, n)
	}
	waitFor(t, "all leases to be returned", func() bool { return p.LeaseCount() == 0 })
}

func TestAcquireHonoursContext(t *testing.T) {
	p, _ := newTestPool(t, testOptions(1, 1), nil)
	held := acquire(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected the context error, got %v", err)
	}
	if n := p.PendingAcquisitions(); n != 0 {
		t.Errorf("Expected no pending acquisitions, got %d", n)
	}

	// the abandoned waiter must not swallow the released channel
	held.Release()
	l := acquire(t, p)
	if l.Channel() != held.Channel() {
		t.Errorf("Expected the released channel to be reused")
	}
	l.Release()
}

func TestCloseFailsWaitersAndFutureCalls(t *testing.T) {
	p, _ := newTestPool(t, testOptions(1, 1), nil)
	held := acquire(t, p)

	errs := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errs <- err
	}()
	waitFor(t, "the acquire to wait", func() bool { return p.PendingAcquisitions() == 1 })

	if err := p.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	select {
	case err := <-errs:
		if !errors.Is(err, common.ErrPoolClosed) {
			t.Errorf("Expected ErrPoolClosed for the waiter, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Waiter was not failed by Close")
	}

	if _, err := p.Acquire(context.Background()); !errors.Is(err, common.ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed from Acquire, got %v", err)
	}
	if err := held.Release(); !errors.Is(err, common.ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed from Release, got %v", err)
	}
	if held.Channel().IsActive() {
		t.Error("Expected Close to close the pooled channels")
	}
	if err := p.Close(); err != nil {
		t.Errorf("Second close should be a no-op, got %v", err)
	}
}

func TestConnectFailureFailsAcquire(t *testing.T) {
	p, connector := newTestPool(t, testOptions(2, 1), nil)
	connector.fail.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := p.Acquire(ctx)

	var gone *common.GoneError
	if !errors.As(err, &gone) {
		t.Fatalf("Expected a GoneError, got %v", err)
	}

	// the replica comes back
	connector.fail.Store(false)
	l := acquire(t, p)
	l.Release()
}

func TestClosedChannelIsReplaced(t *testing.T) {
	p, connector := newTestPool(t, testOptions(1, 1), nil)

	first := acquire(t, p)
	first.Release()
	first.Channel().Close()

	waitFor(t, "the closed channel to be removed", func() bool { return p.ChannelCount() == 0 })

	second := acquire(t, p)
	defer second.Release()
	if second.Channel() == first.Channel() || !second.Channel().IsActive() {
		t.Error("Expected a fresh channel")
	}
	if n := connector.dials.Load(); n != 2 {
		t.Errorf("Expected two connections, got %d", n)
	}
	if n := p.OpenedChannels(); n != 2 {
		t.Errorf("Expected two opened channels, got %d", n)
	}
}

func TestSweepClosesIdleChannels(t *testing.T) {
	opts := testOptions(2, 2)
	opts.HealthCheckInterval = 20 * time.Millisecond
	opts.IdleChannelTimeout = 50 * time.Millisecond
	opts.RecentReadWindow = 0
	p, _ := newTestPool(t, opts, nil)

	l := acquire(t, p)
	ch := l.Channel()
	rec, err := ch.Request(context.Background(), frame.NewServiceRequest(frame.OperationRead, frame.ResourceDocument, "docs/1"))
	if err != nil {
		t.Fatalf("Failed to issue request: %v", err)
	}
	if _, err := rec.Wait(context.Background()); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	l.Release()

	waitFor(t, "the idle channel to be closed", func() bool { return !ch.IsActive() && p.ChannelCount() == 0 })
}
