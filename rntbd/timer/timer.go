package timer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rntbd/lib/util"
	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/lni/goutils/syncutil"
)

var Logger = logger.GetLogger(common.LoggerTimer)

// ErrTimerStopped is returned by NewTimeout after Stop
var ErrTimerStopped = errors.New("rntbd: request timer is stopped")

// --------------------------------------------------------------------------
// Timeout handle
// --------------------------------------------------------------------------

const (
	timeoutPending int32 = iota
	timeoutCancelled
	timeoutExpired
)

// Timeout is the handle of one scheduled task
type Timeout struct {
	id       uint64
	deadline time.Time
	task     func()
	state    atomic.Int32
	timer    *RequestTimer
}

// Cancel prevents the task from running. It returns false if the task already
// ran (or is running) or was cancelled before.
func (t *Timeout) Cancel() bool {
	if !t.state.CompareAndSwap(timeoutPending, timeoutCancelled) {
		return false
	}
	t.timer.remove(t.id)
	return true
}

// IsExpired reports whether the task was run
func (t *Timeout) IsExpired() bool {
	return t.state.Load() == timeoutExpired
}

// IsCancelled reports whether the task was cancelled
func (t *Timeout) IsCancelled() bool {
	return t.state.Load() == timeoutCancelled
}

// Deadline returns the time the task is scheduled for
func (t *Timeout) Deadline() time.Time {
	return t.deadline
}

// expire claims the task for execution and runs it
func (t *Timeout) expire() {
	if !t.state.CompareAndSwap(timeoutPending, timeoutExpired) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("timeout task %d panicked: %v", t.id, r)
		}
	}()
	t.task()
}

// --------------------------------------------------------------------------
// Request timer
// --------------------------------------------------------------------------

// RequestTimer is a coarse timer shared by all requests of a provider. It
// keeps the deadlines in a heap and checks them once per tick, so the cost
// of a request timeout is a heap insert and (usually) a heap removal.
//
// Tasks run on the timer goroutine and must not block.
type RequestTimer struct {
	mu      sync.Mutex
	heap    *util.MapHeap[*Timeout]
	nextID  uint64
	stopped bool

	resolution time.Duration
	stopper    *syncutil.Stopper
	stopOnce   sync.Once
}

// NewRequestTimer creates and starts a timer with the given tick resolution
func NewRequestTimer(resolution time.Duration) *RequestTimer {
	if resolution <= 0 {
		resolution = common.DefaultTimerResolution
	}
	t := &RequestTimer{
		heap:       util.NewMapHeap[*Timeout](),
		resolution: resolution,
		stopper:    syncutil.NewStopper(),
	}
	t.stopper.RunWorker(t.run)
	return t
}

// NewTimeout schedules task to run once d has elapsed
func (t *RequestTimer) NewTimeout(d time.Duration, task func()) (*Timeout, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return nil, ErrTimerStopped
	}

	t.nextID++
	to := &Timeout{
		id:       t.nextID,
		deadline: time.Now().Add(d),
		task:     task,
		timer:    t,
	}
	t.heap.Add(to.id, to.deadline.UnixNano(), to)
	return to, nil
}

// Pending returns the number of scheduled tasks
func (t *RequestTimer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.heap.Len()
}

// Resolution returns the tick interval of the timer
func (t *RequestTimer) Resolution() time.Duration {
	return t.resolution
}

// Stop halts the timer and runs every pending task synchronously on the
// calling goroutine, so no scheduled work is left unresolved
func (t *RequestTimer) Stop() {
	t.stopOnce.Do(func() {
		t.stopper.Stop()

		t.mu.Lock()
		t.stopped = true
		pending := make([]*Timeout, 0, t.heap.Len())
		for t.heap.Len() > 0 {
			it, _ := t.heap.PopMin()
			pending = append(pending, it.Value)
		}
		t.mu.Unlock()

		if len(pending) > 0 {
			Logger.Debugf("expiring %d pending timeouts on stop", len(pending))
		}
		for _, to := range pending {
			to.expire()
		}
	})
}

func (t *RequestTimer) remove(id uint64) {
	t.mu.Lock()
	t.heap.RemoveByKey(id)
	t.mu.Unlock()
}

// run is the timer goroutine
func (t *RequestTimer) run() {
	ticker := time.NewTicker(t.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopper.ShouldStop():
			return
		case now := <-ticker.C:
			t.mu.Lock()
			due := t.heap.PopUntil(now.UnixNano())
			t.mu.Unlock()

			for _, it := range due {
				it.Value.expire()
			}
		}
	}
}
