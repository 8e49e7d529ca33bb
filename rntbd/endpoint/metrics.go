package endpoint

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/ValentinKolb/rntbd/rntbd/frame"
	"github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

// Metrics holds the request metrics of one endpoint. Every endpoint owns its
// own metrics set, nothing is registered globally.
type Metrics struct {
	set *metrics.Set

	requests       *metrics.Counter
	responses      *metrics.Counter
	errorResponses *metrics.Counter
	failures       *metrics.Counter
	timeouts       *metrics.Counter
	latency        *metrics.Histogram

	// successful responses per second (1m EWMA and mean)
	throughput gometrics.Meter
}

// MetricsSnapshot is a point-in-time copy of the endpoint metrics
type MetricsSnapshot struct {
	Requests       uint64
	Responses      uint64
	ErrorResponses uint64
	Failures       uint64
	Timeouts       uint64
	Throughput1m   float64
	ThroughputMean float64
	CompletionRate float64
	ErrorRate      float64
}

func newMetrics(e *Endpoint) *Metrics {
	set := metrics.NewSet()
	name := func(metric string) string {
		return fmt.Sprintf(`rntbd_%s{address=%q}`, metric, e.address)
	}

	m := &Metrics{
		set:            set,
		requests:       set.NewCounter(name("requests_total")),
		responses:      set.NewCounter(name("responses_total")),
		errorResponses: set.NewCounter(name("error_responses_total")),
		failures:       set.NewCounter(name("failures_total")),
		timeouts:       set.NewCounter(name("timeouts_total")),
		latency:        set.NewHistogram(name("request_duration_seconds")),
		throughput:     gometrics.NewMeter(),
	}

	set.NewGauge(name("inflight_requests"), func() float64 { return float64(e.InflightRequests()) })
	set.NewGauge(name("channels"), func() float64 { return float64(e.pool.ChannelCount()) })
	set.NewGauge(name("pending_acquisitions"), func() float64 { return float64(e.pool.PendingAcquisitions()) })
	set.NewGauge(name("throughput_1m"), func() float64 { return m.throughput.Rate1() })
	return m
}

// record accounts one finished request
func (m *Metrics) record(start time.Time, resp *frame.StoreResponse, err error) {
	m.latency.Update(time.Since(start).Seconds())

	var statusErr *common.StatusError
	var timeoutErr *common.RequestTimeoutError
	switch {
	case err == nil:
		m.responses.Inc()
		m.throughput.Mark(1)
	case errors.As(err, &statusErr):
		m.responses.Inc()
		m.errorResponses.Inc()
	case errors.As(err, &timeoutErr):
		m.failures.Inc()
		m.timeouts.Inc()
	default:
		m.failures.Inc()
	}
}

// Snapshot returns the current values
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Requests:       m.requests.Get(),
		Responses:      m.responses.Get(),
		ErrorResponses: m.errorResponses.Get(),
		Failures:       m.failures.Get(),
		Timeouts:       m.timeouts.Get(),
		Throughput1m:   m.throughput.Rate1(),
		ThroughputMean: m.throughput.RateMean(),
	}
	if s.Requests > 0 {
		s.CompletionRate = float64(s.Responses) / float64(s.Requests)
		s.ErrorRate = float64(s.ErrorResponses+s.Failures) / float64(s.Requests)
	}
	return s
}

// WritePrometheus writes all metrics in Prometheus text format
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

func (m *Metrics) stop() {
	m.throughput.Stop()
}

func (s MetricsSnapshot) String() string {
	return fmt.Sprintf("requests=%d responses=%d errorResponses=%d failures=%d timeouts=%d throughput=%.1f/s completion=%.3f errors=%.3f",
		s.Requests, s.Responses, s.ErrorResponses, s.Failures, s.Timeouts, s.ThroughputMean, s.CompletionRate, s.ErrorRate)
}
