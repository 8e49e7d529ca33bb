package channel

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Timestamps holds the liveness markers of one connection as unix nanos.
// Reads are recorded by the reader goroutine, writes and write attempts by
// the writer goroutine and pings by the health checker.
type Timestamps struct {
	lastRead         atomic.Int64
	lastWrite        atomic.Int64
	lastWriteAttempt atomic.Int64
	lastPing         atomic.Int64
}

// newTimestamps initializes all markers with the creation time of the
// connection, so a fresh connection is neither idle nor hung
func newTimestamps(now time.Time) *Timestamps {
	t := &Timestamps{}
	n := now.UnixNano()
	t.lastRead.Store(n)
	t.lastWrite.Store(n)
	t.lastWriteAttempt.Store(n)
	t.lastPing.Store(n)
	return t
}

func (t *Timestamps) channelRead(now time.Time)         { t.lastRead.Store(now.UnixNano()) }
func (t *Timestamps) channelWrite(now time.Time)        { t.lastWrite.Store(now.UnixNano()) }
func (t *Timestamps) channelWriteAttempt(now time.Time) { t.lastWriteAttempt.Store(now.UnixNano()) }
func (t *Timestamps) channelPing(now time.Time)         { t.lastPing.Store(now.UnixNano()) }

// Snapshot returns a consistent-enough copy of all markers. Each marker is
// loaded atomically, the set as a whole is not.
func (t *Timestamps) Snapshot() TimestampsSnapshot {
	return TimestampsSnapshot{
		LastRead:         time.Unix(0, t.lastRead.Load()),
		LastWrite:        time.Unix(0, t.lastWrite.Load()),
		LastWriteAttempt: time.Unix(0, t.lastWriteAttempt.Load()),
		LastPing:         time.Unix(0, t.lastPing.Load()),
	}
}

// TimestampsSnapshot is the input of the health checker
type TimestampsSnapshot struct {
	LastRead         time.Time
	LastWrite        time.Time
	LastWriteAttempt time.Time
	LastPing         time.Time
}

// WriteDelay is the time the last write attempt has been waiting for completion
func (s TimestampsSnapshot) WriteDelay() time.Duration {
	return s.LastWriteAttempt.Sub(s.LastWrite)
}

// ReadDelay is the time since the last successful write without a read
func (s TimestampsSnapshot) ReadDelay() time.Duration {
	return s.LastWrite.Sub(s.LastRead)
}

func (s TimestampsSnapshot) String() string {
	return fmt.Sprintf("{lastRead=%s, lastWrite=%s, lastWriteAttempt=%s, lastPing=%s}",
		s.LastRead.Format(time.RFC3339Nano), s.LastWrite.Format(time.RFC3339Nano),
		s.LastWriteAttempt.Format(time.RFC3339Nano), s.LastPing.Format(time.RFC3339Nano))
}
