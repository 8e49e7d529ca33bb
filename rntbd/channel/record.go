package channel

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rntbd/rntbd/frame"
	"github.com/ValentinKolb/rntbd/rntbd/timer"
	"github.com/google/uuid"
)

// Stage is the position of a request in its timeline
type Stage int32

const (
	StageQueued    Stage = iota // registered, waiting for the writer
	StagePipelined              // buffered behind the context negotiation
	StageSent                   // written to the connection
	StageReceived               // response frame read
	StageCompleted              // terminal
	numStages
)

func (s Stage) String() string {
	switch s {
	case StageQueued:
		return "Queued"
	case StagePipelined:
		return "Pipelined"
	case StageSent:
		return "Sent"
	case StageReceived:
		return "Received"
	case StageCompleted:
		return "Completed"
	default:
		return fmt.Sprintf("Stage(%d)", int32(s))
	}
}

// RequestRecord is one outstanding request. It completes exactly once, with
// a response, an error or a timeout, whichever claims it first.
type RequestRecord struct {
	TransportID uint32
	ActivityID  uuid.UUID
	Address     string
	Args        *frame.ServiceRequest

	created time.Time
	stage   atomic.Int32
	stages  [numStages]atomic.Int64

	completed atomic.Bool
	done      chan struct{}
	response  *frame.StoreResponse
	err       error

	timeout    atomic.Pointer[timer.Timeout]
	onComplete func(*RequestRecord)
}

func newRequestRecord(id uint32, activityID uuid.UUID, address string, args *frame.ServiceRequest, onComplete func(*RequestRecord)) *RequestRecord {
	now := time.Now()
	r := &RequestRecord{
		TransportID: id,
		ActivityID:  activityID,
		Address:     address,
		Args:        args,
		created:     now,
		done:        make(chan struct{}),
		onComplete:  onComplete,
	}
	r.stages[StageQueued].Store(now.UnixNano())
	return r
}

// setTimeout attaches the timer entry. If the record completed in the
// meantime the entry is cancelled right away.
func (r *RequestRecord) setTimeout(t *timer.Timeout) {
	r.timeout.Store(t)
	if r.completed.Load() {
		t.Cancel()
	}
}

// advance records that the record reached stage s. The time of each stage is
// kept even when it is reported late (a response can be read before the
// writer marks the frame sent), but the current stage never moves backward.
func (r *RequestRecord) advance(s Stage) {
	r.stages[s].CompareAndSwap(0, time.Now().UnixNano())
	for {
		cur := r.stage.Load()
		if Stage(cur) >= s {
			return
		}
		if r.stage.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// complete resolves the record with a response
func (r *RequestRecord) complete(resp *frame.StoreResponse) bool {
	return r.finish(resp, nil)
}

// fail resolves the record with an error
func (r *RequestRecord) fail(err error) bool {
	return r.finish(nil, err)
}

func (r *RequestRecord) finish(resp *frame.StoreResponse, err error) bool {
	if !r.completed.CompareAndSwap(false, true) {
		return false
	}
	r.response, r.err = resp, err
	r.advance(StageCompleted)
	if t := r.timeout.Load(); t != nil {
		t.Cancel()
	}
	if r.onComplete != nil {
		r.onComplete(r)
	}
	close(r.done)
	return true
}

// Done is closed when the record completed
func (r *RequestRecord) Done() <-chan struct{} {
	return r.done
}

// IsCompleted reports whether the record reached its terminal state
func (r *RequestRecord) IsCompleted() bool {
	return r.completed.Load()
}

// Result returns the outcome. Only valid after Done is closed.
func (r *RequestRecord) Result() (*frame.StoreResponse, error) {
	return r.response, r.err
}

// Wait blocks until the record completes or ctx is done. Cancelling ctx
// completes the record with the context error.
func (r *RequestRecord) Wait(ctx context.Context) (*frame.StoreResponse, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		r.fail(ctx.Err())
		<-r.done
	}
	return r.response, r.err
}

// Stage returns the current stage
func (r *RequestRecord) Stage() Stage {
	return Stage(r.stage.Load())
}

// Age returns the time since the record was created
func (r *RequestRecord) Age() time.Duration {
	return time.Since(r.created)
}

// Timeline returns the time at which each stage was reached. Stages that were
// never reached are absent.
func (r *RequestRecord) Timeline() map[Stage]time.Time {
	out := make(map[Stage]time.Time, numStages)
	for s := StageQueued; s < numStages; s++ {
		if n := r.stages[s].Load(); n != 0 {
			out[s] = time.Unix(0, n)
		}
	}
	return out
}

func (r *RequestRecord) String() string {
	return fmt.Sprintf("RequestRecord{id=%d, activity=%s, address=%s, stage=%s, age=%s}",
		r.TransportID, r.ActivityID, r.Address, r.Stage(), r.Age())
}
