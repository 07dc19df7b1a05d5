package runtime

import (
	"context"
	"errors"
	"math"
	"runtime"
	"runtime/metrics"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/cfxflow/internal/runtime/errors"
	"github.com/drblury/cfxflow/internal/runtime/jsoncodec"
	"github.com/drblury/cfxflow/internal/runtime/metadata"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// HandlerStats aggregates invocation statistics for one declared handler.
type HandlerStats struct {
	mu sync.Mutex

	Invocations         uint64    `json:"invocations"`
	Failures            uint64    `json:"failures"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastInvokedAt       time.Time `json:"last_invoked_at"`

	Latency     LatencyMetrics    `json:"latency"`
	Throughput  ThroughputMetrics `json:"throughput"`
	Errors      ErrorBreakdown    `json:"errors"`
	Resource    ResourceUsage     `json:"resource"`
	InFlight    uint64            `json:"in_flight"`
	MaxInFlight uint64            `json:"max_in_flight"`

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
	sampler          *resourceSampler
}

// HandlerInfo describes a declared handler and its statistics.
type HandlerInfo struct {
	Kind   metadata.Kind `json:"kind"`
	Name   string        `json:"name"`
	Method string        `json:"method"`
	Stats  *HandlerStats `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS          float64 `json:"current_rps"`
	WindowSeconds       float64 `json:"window_seconds"`
	InvocationsInWindow uint64  `json:"invocations_in_window"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Timeout    uint64 `json:"timeout"`
	Shutdown   uint64 `json:"shutdown"`
	Panic      uint64 `json:"panic"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTimeout    ErrorCategory = "timeout"
	ErrorCategoryShutdown   ErrorCategory = "shutdown"
	ErrorCategoryPanic      ErrorCategory = "panic"
	ErrorCategoryOther      ErrorCategory = "other"
)

type ErrorClassifier func(error) ErrorCategory

// StatsRegistry owns the HandlerStats of every loaded handler.
type StatsRegistry struct {
	mu         sync.Mutex
	entries    map[string]*HandlerInfo
	order      []string
	classifier ErrorClassifier
	sampler    *resourceSampler
}

// NewStatsRegistry returns a registry classifying errors with classifier, or
// the default classifier when nil.
func NewStatsRegistry(classifier ErrorClassifier) *StatsRegistry {
	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	return &StatsRegistry{
		entries:    make(map[string]*HandlerInfo),
		classifier: classifier,
		sampler:    newResourceSampler(),
	}
}

func statsKey(md metadata.Metadata) string {
	return string(md.Kind()) + "/" + md.Label() + "/" + md.Method()
}

// For returns the stats of the handler declared by md, creating them on
// first use.
func (r *StatsRegistry) For(md metadata.Metadata) *HandlerStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := statsKey(md)
	if info, ok := r.entries[key]; ok {
		return info.Stats
	}
	info := &HandlerInfo{
		Kind:   md.Kind(),
		Name:   md.Label(),
		Method: md.Method(),
		Stats:  newHandlerStats(r.sampler),
	}
	r.entries[key] = info
	r.order = append(r.order, key)
	return info.Stats
}

// Snapshot lists handlers in first-seen order, optionally filtered by kind.
func (r *StatsRegistry) Snapshot(kinds ...metadata.Kind) []HandlerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]HandlerInfo, 0, len(r.order))
	for _, key := range r.order {
		info := r.entries[key]
		if len(kinds) > 0 && !containsKind(kinds, info.Kind) {
			continue
		}
		out = append(out, *info)
	}
	return out
}

func containsKind(kinds []metadata.Kind, kind metadata.Kind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func newHandlerStats(sampler *resourceSampler) *HandlerStats {
	return &HandlerStats{
		sampler:          sampler,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (h *HandlerStats) onStart() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.InFlight++
	if h.InFlight > h.MaxInFlight {
		h.MaxInFlight = h.InFlight
	}
}

func (h *HandlerStats) onFinish(duration time.Duration, err error, classifier ErrorClassifier) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.InFlight > 0 {
		h.InFlight--
	}
	h.Invocations++
	if err != nil {
		h.Failures++
	}
	h.TotalProcessingTime += int64(duration)
	h.LastInvokedAt = time.Now().UTC()

	h.latencyWindow.Add(duration)
	latency := h.latencyWindow.Snapshot()
	latency.AverageNs = h.TotalProcessingTime / int64(h.Invocations)
	h.Latency = latency

	throughput := h.throughputWindow.AddAndSnapshot(time.Now())
	h.Throughput = ThroughputMetrics{
		CurrentRPS:          throughput.CurrentRPS,
		WindowSeconds:       throughput.WindowSeconds,
		InvocationsInWindow: uint64(throughput.Count),
	}

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	h.Errors.Record(classifier(err), err)

	if h.sampler != nil {
		h.Resource = h.sampler.Snapshot()
	}
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type Alias HandlerStats
	return jsoncodec.Marshal((*Alias)(h))
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryTimeout:
		e.Timeout++
	case ErrorCategoryShutdown:
		e.Shutdown++
	case ErrorCategoryPanic:
		e.Panic++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var panicErr *PanicError
	switch {
	case errors.As(err, &panicErr):
		return ErrorCategoryPanic
	case errors.Is(err, errspkg.ErrValidation):
		return ErrorCategoryValidation
	case errors.Is(err, errspkg.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.Is(err, errspkg.ErrShutdown), errors.Is(err, context.Canceled):
		return ErrorCategoryShutdown
	}
	return ErrorCategoryOther
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)

	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = append(tw.samples[:0], tw.samples[idx:]...)
	}

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}

// resourceSampler reads process-wide CPU and memory usage for the stats
// snapshots.
type resourceSampler struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newResourceSampler() *resourceSampler {
	return &resourceSampler{
		samples: []metrics.Sample{{Name: "/sched/cpu:seconds"}},
		numCPU:  float64(runtime.NumCPU()),
	}
}

func (r *resourceSampler) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		r.samples = []metrics.Sample{{Name: "/sched/cpu:seconds"}}
	}
	metrics.Read(r.samples)
	sample := r.samples[0]
	haveCPU := sample.Value.Kind() == metrics.KindFloat64
	now := time.Now()

	var cpuPercent float64
	if haveCPU {
		cpuSeconds := sample.Value.Float64()
		if !r.lastSample.IsZero() {
			deltaWall := now.Sub(r.lastSample).Seconds()
			if deltaWall > 0 && r.numCPU > 0 {
				cpuPercent = ((cpuSeconds - r.lastCPUSeconds) / deltaWall) / r.numCPU * 100
			}
		}
		r.lastCPUSeconds = cpuSeconds
	}
	r.lastSample = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return ResourceUsage{
		CPUPercent:  cpuPercent,
		MemoryBytes: mem.Alloc,
		Goroutines:  runtime.NumGoroutine(),
	}
}
