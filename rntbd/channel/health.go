package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/rntbd/rntbd/common"
)

// Verdict is the outcome of evaluating the timestamps of a channel
type Verdict int

const (
	Healthy Verdict = iota
	Unhealthy
	NeedsProbe
)

func (v Verdict) String() string {
	switch v {
	case Healthy:
		return "Healthy"
	case Unhealthy:
		return "Unhealthy"
	case NeedsProbe:
		return "NeedsProbe"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// Evaluation is a verdict together with the reason for an unhealthy verdict
type Evaluation struct {
	Verdict Verdict
	Reason  string
}

// HealthChecker detects black-holed connections from their read and write
// timestamps and confirms the remaining ones with a health-check frame.
type HealthChecker struct {
	receiveHang  time.Duration
	sendHang     time.Duration
	readGrace    time.Duration
	writeGrace   time.Duration
	recentRead   time.Duration
	idleTimeout  time.Duration
	probeTimeout time.Duration
}

// NewHealthChecker creates a health checker. The hang detection times must
// exceed their grace periods.
func NewHealthChecker(opts common.Options) (*HealthChecker, error) {
	if opts.ReceiveHangDetectionTime <= opts.ReadHangGracePeriod {
		return nil, fmt.Errorf("receive hang detection time (%s) must exceed the read hang grace period (%s)",
			opts.ReceiveHangDetectionTime, opts.ReadHangGracePeriod)
	}
	if opts.SendHangDetectionTime <= opts.WriteHangGracePeriod {
		return nil, fmt.Errorf("send hang detection time (%s) must exceed the write hang grace period (%s)",
			opts.SendHangDetectionTime, opts.WriteHangGracePeriod)
	}
	return &HealthChecker{
		receiveHang:  opts.ReceiveHangDetectionTime,
		sendHang:     opts.SendHangDetectionTime,
		readGrace:    opts.ReadHangGracePeriod,
		writeGrace:   opts.WriteHangGracePeriod,
		recentRead:   opts.RecentReadWindow,
		idleTimeout:  opts.IdleChannelTimeout,
		probeTimeout: opts.ProbeTimeout,
	}, nil
}

// Evaluate judges a snapshot of channel timestamps at time now. A recent read
// always wins, hung writes are checked before hung reads.
func (h *HealthChecker) Evaluate(ts TimestampsSnapshot, now time.Time) Evaluation {
	if now.Sub(ts.LastRead) < h.recentRead {
		return Evaluation{Verdict: Healthy}
	}

	if delay := ts.WriteDelay(); delay > h.sendHang && now.Sub(ts.LastWriteAttempt) > h.writeGrace {
		return Evaluation{
			Verdict: Unhealthy,
			Reason: fmt.Sprintf("write hang detected: last write attempt pending for %s (threshold %s), last write at %s",
				delay, h.sendHang, ts.LastWrite.Format(time.RFC3339Nano)),
		}
	}

	if delay := ts.ReadDelay(); delay > h.receiveHang && now.Sub(ts.LastWrite) > h.readGrace {
		return Evaluation{
			Verdict: Unhealthy,
			Reason: fmt.Sprintf("read hang detected: no read for %s after write (threshold %s), last read at %s",
				delay, h.receiveHang, ts.LastRead.Format(time.RFC3339Nano)),
		}
	}

	if h.idleTimeout > 0 {
		if idle := now.Sub(ts.LastRead); idle > h.idleTimeout {
			return Evaluation{
				Verdict: Unhealthy,
				Reason:  fmt.Sprintf("idle for %s (idle channel timeout %s)", idle, h.idleTimeout),
			}
		}
	}

	return Evaluation{Verdict: NeedsProbe}
}

// IsHealthy evaluates the channel and, where the timestamps are not
// conclusive, writes a health-check frame. The channel is healthy iff that
// write completes within the probe timeout. The reason is empty for healthy
// channels.
func (h *HealthChecker) IsHealthy(ctx context.Context, c *Channel) (bool, string) {
	if !c.IsActive() {
		return false, fmt.Sprintf("channel closed: %v", c.Err())
	}

	now := time.Now()
	eval := h.Evaluate(c.Timestamps(), now)
	switch eval.Verdict {
	case Healthy:
		return true, ""
	case Unhealthy:
		return false, eval.Reason
	}

	if h.probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.probeTimeout)
		defer cancel()
	}

	c.manager.timestamps.channelPing(now)
	if err := c.probe(ctx); err != nil {
		return false, fmt.Sprintf("health check probe failed: %v", err)
	}
	return true, ""
}
