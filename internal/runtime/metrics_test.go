package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/cfxflow/internal/runtime/metadata"
)

// gatheredValue returns the counter, gauge or histogram sample count of the
// series matching name and labels.
func gatheredValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	series:
		for _, m := range family.GetMetric() {
			for _, pair := range m.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					continue series
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("series %s%v not found", name, labels)
	return 0
}

func TestMetrics_RegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	// A second collector set on the same registry tolerates the duplicate.
	require.NoError(t, NewMetrics(reg).Register())
}

func TestMetrics_ObserveHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())

	m.ObserveHandler(metadata.KindEvent, "playerJoining", 5*time.Millisecond, nil)
	m.ObserveHandler(metadata.KindEvent, "playerJoining", 5*time.Millisecond, errors.New("boom"))
	m.ObserveHandler(metadata.KindRpc, "ping", time.Millisecond, nil)

	assert.Equal(t, 2.0, gatheredValue(t, reg, "cfxflow_event_duration_seconds", map[string]string{"name": "playerJoining"}))
	assert.Equal(t, 1.0, gatheredValue(t, reg, "cfxflow_rpc_duration_seconds", map[string]string{"name": "ping"}))
	assert.Equal(t, 1.0, gatheredValue(t, reg, "cfxflow_handler_errors_total", map[string]string{"kind": "event", "name": "playerJoining"}))
}

func TestMetrics_StepsAndGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())

	m.ObserveStep(metadata.StepServerStart, 0)
	m.ObserveStep(metadata.StepServerStart, 2)
	m.SetPendingCalls(3)
	m.SetActiveTicks(4)

	step := string(metadata.StepServerStart)
	assert.Equal(t, 1.0, gatheredValue(t, reg, "cfxflow_once_step_runs_total", map[string]string{"step": step, "outcome": "ok"}))
	assert.Equal(t, 1.0, gatheredValue(t, reg, "cfxflow_once_step_runs_total", map[string]string{"step": step, "outcome": "failed"}))
	assert.Equal(t, 3.0, gatheredValue(t, reg, "cfxflow_rpc_pending_calls", nil))
	assert.Equal(t, 4.0, gatheredValue(t, reg, "cfxflow_tick_active", nil))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	m.ObserveHandler(metadata.KindTick, "x", time.Second, nil)
	m.ObserveStep(metadata.StepSharedStart, 0)
	m.SetPendingCalls(1)
	m.SetActiveTicks(1)
}
