package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/metrics"
	"sort"
	"sync"
	"time"

	"vista/internal/device"
	"vista/internal/domain"
)

// Snapshot is one collection pass.
type Snapshot struct {
	Metrics   []domain.Metric `json:"metrics"`
	Timestamp time.Time       `json:"timestamp"`
}

// Values indexes the snapshot by metric type; later readings win.
func (s Snapshot) Values() map[domain.MetricType]float64 {
	out := make(map[domain.MetricType]float64, len(s.Metrics))
	for _, m := range s.Metrics {
		out[m.Type] = m.Value
	}
	return out
}

func (s Snapshot) Value(t domain.MetricType) (float64, bool) {
	v, ok := s.Values()[t]
	return v, ok
}

// Source produces point-in-time readings. A source may return partial
// readings together with an error.
type Source interface {
	Collect(ctx context.Context) ([]domain.Metric, error)
}

type SourceFunc func(ctx context.Context) ([]domain.Metric, error)

func (f SourceFunc) Collect(ctx context.Context) ([]domain.Metric, error) { return f(ctx) }

// MetricsCollectionError reports a failed or rejected sample.
type MetricsCollectionError struct {
	Source string
	Metric domain.MetricType
	Err    error
}

func (e *MetricsCollectionError) Error() string {
	if e.Metric != "" {
		return fmt.Sprintf("collect %s from %s: %v", e.Metric, e.Source, e.Err)
	}
	return fmt.Sprintf("collect from %s: %v", e.Source, e.Err)
}

func (e *MetricsCollectionError) Unwrap() error { return e.Err }

// MultiSource collects from every member and keeps whatever succeeded.
type MultiSource map[string]Source

func (m MultiSource) Collect(ctx context.Context) ([]domain.Metric, error) {
	var out []domain.Metric
	var errs []error
	for _, name := range sortedKeys(m) {
		got, err := m[name].Collect(ctx)
		out = append(out, got...)
		if err != nil {
			var mce *MetricsCollectionError
			if !errors.As(err, &mce) {
				err = &MetricsCollectionError{Source: name, Err: err}
			}
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// RuntimeSource samples process CPU and memory use from runtime/metrics.
// Memory is reported as a percentage of MemoryBudget bytes.
type RuntimeSource struct {
	MemoryBudget uint64
	Now          func() time.Time

	mu       sync.Mutex
	lastIdle float64
	lastAll  float64
}

var runtimeSamples = []string{
	"/cpu/classes/idle:cpu-seconds",
	"/cpu/classes/total:cpu-seconds",
	"/memory/classes/total:bytes",
	"/memory/classes/heap/released:bytes",
}

func (r *RuntimeSource) Collect(_ context.Context) ([]domain.Metric, error) {
	samples := make([]metrics.Sample, len(runtimeSamples))
	for i, name := range runtimeSamples {
		samples[i].Name = name
	}
	metrics.Read(samples)
	values := make([]float64, len(samples))
	for i, s := range samples {
		switch s.Value.Kind() {
		case metrics.KindFloat64:
			values[i] = s.Value.Float64()
		case metrics.KindUint64:
			values[i] = float64(s.Value.Uint64())
		default:
			return nil, &MetricsCollectionError{Source: "runtime", Err: fmt.Errorf("metric %s unsupported", s.Name)}
		}
	}
	now := time.Now().UTC()
	if r.Now != nil {
		now = r.Now().UTC()
	}

	r.mu.Lock()
	idle, all := values[0]-r.lastIdle, values[1]-r.lastAll
	r.lastIdle, r.lastAll = values[0], values[1]
	r.mu.Unlock()
	cpu := 0.0
	if all > 0 {
		cpu = clampPercent(100 * (1 - idle/all))
	}

	budget := r.MemoryBudget
	if budget == 0 {
		budget = 512 << 20
	}
	mem := clampPercent(100 * (values[2] - values[3]) / float64(budget))

	return []domain.Metric{
		{Type: domain.MetricCPUUsage, Value: cpu, Timestamp: now},
		{Type: domain.MetricMemoryUsage, Value: mem, Timestamp: now},
	}, nil
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// RequestStats tracks latency and error rate over the last N requests. The
// HTTP middleware feeds it.
type RequestStats struct {
	Now func() time.Time

	mu     sync.Mutex
	window []requestSample
	next   int
	full   bool
}

type requestSample struct {
	latency time.Duration
	failed  bool
}

func NewRequestStats(window int) *RequestStats {
	if window <= 0 {
		window = 256
	}
	return &RequestStats{window: make([]requestSample, window)}
}

// Observe records one request. Status codes >= 500 count as errors.
func (s *RequestStats) Observe(latency time.Duration, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window[s.next] = requestSample{latency: latency, failed: status >= 500}
	s.next = (s.next + 1) % len(s.window)
	if s.next == 0 {
		s.full = true
	}
}

// Collect reports mean latency in milliseconds and the failed fraction.
func (s *RequestStats) Collect(_ context.Context) ([]domain.Metric, error) {
	s.mu.Lock()
	n := s.next
	if s.full {
		n = len(s.window)
	}
	var total time.Duration
	failed := 0
	for _, sample := range s.window[:n] {
		total += sample.latency
		if sample.failed {
			failed++
		}
	}
	s.mu.Unlock()

	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	latency, rate := 0.0, 0.0
	if n > 0 {
		latency = float64(total) / float64(n) / float64(time.Millisecond)
		rate = float64(failed) / float64(n)
	}
	return []domain.Metric{
		{Type: domain.MetricLatency, Value: latency, Timestamp: now},
		{Type: domain.MetricErrorRate, Value: rate, Timestamp: now},
	}, nil
}

// SensorSource maps device sensor readings named after a metric type, such as
// battery, onto metrics. Other sensors are ignored.
type SensorSource struct {
	Perception device.PerceptionSource
}

func (s SensorSource) Collect(ctx context.Context) ([]domain.Metric, error) {
	readings, err := s.Perception.CollectReadings(ctx)
	if err != nil {
		return nil, &MetricsCollectionError{Source: "sensors", Err: err}
	}
	known := map[domain.MetricType]bool{}
	for _, mt := range domain.MetricTypes() {
		known[mt] = true
	}
	var out []domain.Metric
	for _, r := range readings {
		mt := domain.MetricType(r.Sensor)
		if !known[mt] {
			continue
		}
		ts := r.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		out = append(out, domain.Metric{Type: mt, Value: r.Value, Timestamp: ts})
	}
	return out, nil
}

func sortedKeys(m MultiSource) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
