package lifecycle

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "airtable_mcp"
	metricsSubsystem = "lifecycle"
)

// Metrics records invocation outcomes. A nil *Metrics records nothing, and
// one Metrics value is shared by every Coordinator of a process.
type Metrics struct {
	invocations   *prometheus.CounterVec
	inFlight      prometheus.Gauge
	duration      *prometheus.HistogramVec
	cancellations *prometheus.CounterVec
	dropped       prometheus.Counter
}

// NewMetrics creates the lifecycle collectors and registers them with reg
// when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "invocations_total",
			Help:      "Tool invocations by terminal state.",
		}, []string{"state"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "invocations_in_flight",
			Help:      "Tool invocations currently running.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "invocation_duration_seconds",
			Help:      "Time from request context creation to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"state"}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "cancellations_total",
			Help:      "Cancellation notifications received, by whether they matched an in-flight request.",
		}, []string{"matched"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "progress_dropped_total",
			Help:      "Progress events dropped because their request was unknown, finished or cancelled.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.invocations, m.inFlight, m.duration, m.cancellations, m.dropped)
	}
	return m
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) finished(state State, d time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.invocations.WithLabelValues(state.String()).Inc()
	m.duration.WithLabelValues(state.String()).Observe(d.Seconds())
}

func (m *Metrics) skipped(state State) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) cancellation(matched bool) {
	if m == nil {
		return
	}
	m.cancellations.WithLabelValues(strconv.FormatBool(matched)).Inc()
}

func (m *Metrics) progressDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
