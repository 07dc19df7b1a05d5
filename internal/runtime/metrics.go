package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/cfxflow/internal/runtime/metadata"
)

var handlerDurationBuckets = []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

// Metrics holds the Prometheus collectors fed by the server-side
// middlewares and loaders.
type Metrics struct {
	mu sync.Mutex

	eventDuration *prometheus.HistogramVec
	tickDuration  *prometheus.HistogramVec
	rpcDuration   *prometheus.HistogramVec
	handlerErrors *prometheus.CounterVec
	stepRuns      *prometheus.CounterVec
	pendingCalls  prometheus.Gauge
	activeTicks   prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

func newHistogramVec(name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cfxflow",
			Name:      name,
			Help:      help,
			Buckets:   handlerDurationBuckets,
		},
		labels,
	)
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cfxflow",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cfxflow",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates the collectors. They are not registered until Register
// is called. A nil registerer means prometheus.DefaultRegisterer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:    registerer,
		eventDuration: newHistogramVec("event_duration_seconds", "Duration of event handler invocations", []string{"name"}),
		tickDuration:  newHistogramVec("tick_duration_seconds", "Duration of tick handler invocations", []string{"name"}),
		rpcDuration:   newHistogramVec("rpc_duration_seconds", "Duration of rpc method invocations", []string{"name"}),
		handlerErrors: newCounterVec("handler_errors_total", "Handler invocations that returned an error", []string{"kind", "name"}),
		stepRuns:      newCounterVec("once_step_runs_total", "Lifecycle step triggers by outcome", []string{"step", "outcome"}),
		pendingCalls:  newGauge("rpc", "pending_calls", "Outgoing rpc calls awaiting a response"),
		activeTicks:   newGauge("tick", "active", "Ticks currently scheduled"),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	if m.eventDuration, err = register(m.registerer, m.eventDuration); err != nil {
		return err
	}
	if m.tickDuration, err = register(m.registerer, m.tickDuration); err != nil {
		return err
	}
	if m.rpcDuration, err = register(m.registerer, m.rpcDuration); err != nil {
		return err
	}
	if m.handlerErrors, err = register(m.registerer, m.handlerErrors); err != nil {
		return err
	}
	if m.stepRuns, err = register(m.registerer, m.stepRuns); err != nil {
		return err
	}
	if m.pendingCalls, err = register(m.registerer, m.pendingCalls); err != nil {
		return err
	}
	if m.activeTicks, err = register(m.registerer, m.activeTicks); err != nil {
		return err
	}

	m.registered = true
	return nil
}

// register adopts the collector already registered under the same
// descriptor, so applications sharing a registerer feed the same series.
func register[C prometheus.Collector](r prometheus.Registerer, c C) (C, error) {
	if err := r.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return c, err
		}
		existing, ok := already.ExistingCollector.(C)
		if !ok {
			return c, err
		}
		return existing, nil
	}
	return c, nil
}

// ObserveHandler records one handler invocation.
func (m *Metrics) ObserveHandler(kind metadata.Kind, name string, d time.Duration, err error) {
	if m == nil {
		return
	}
	switch kind {
	case metadata.KindEvent:
		m.eventDuration.WithLabelValues(name).Observe(d.Seconds())
	case metadata.KindTick:
		m.tickDuration.WithLabelValues(name).Observe(d.Seconds())
	case metadata.KindRpc:
		m.rpcDuration.WithLabelValues(name).Observe(d.Seconds())
	}
	if err != nil {
		m.handlerErrors.WithLabelValues(string(kind), name).Inc()
	}
}

// ObserveStep records a completed lifecycle step trigger.
func (m *Metrics) ObserveStep(step metadata.Step, failed int) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed > 0 {
		outcome = "failed"
	}
	m.stepRuns.WithLabelValues(string(step), outcome).Inc()
}

func (m *Metrics) SetPendingCalls(n int) {
	if m == nil {
		return
	}
	m.pendingCalls.Set(float64(n))
}

func (m *Metrics) SetActiveTicks(n int) {
	if m == nil {
		return
	}
	m.activeTicks.Set(float64(n))
}
