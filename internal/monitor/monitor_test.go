package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vista/internal/device"
	"vista/internal/domain"
)

func staticSource(values map[domain.MetricType]float64) SourceFunc {
	return func(context.Context) ([]domain.Metric, error) {
		var out []domain.Metric
		for _, mt := range domain.MetricTypes() {
			if v, ok := values[mt]; ok {
				out = append(out, domain.Metric{Type: mt, Value: v})
			}
		}
		return out, nil
	}
}

type faultRecorder struct {
	mu      sync.Mutex
	reasons []string
	err     error
}

func (f *faultRecorder) Fault(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	return f.err
}

func (f *faultRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}

func TestThresholdBoundaryIsInclusive(t *testing.T) {
	e := Evaluator{Thresholds: DefaultThresholds()}
	cases := []struct {
		metric domain.MetricType
		value  float64
		want   domain.AlertLevel
	}{
		{domain.MetricCPUUsage, 70, domain.AlertWarning},
		{domain.MetricCPUUsage, 90, domain.AlertCritical},
		{domain.MetricCPUUsage, 69.999, ""},
		{domain.MetricMemoryUsage, 80, domain.AlertWarning},
		{domain.MetricMemoryUsage, 95, domain.AlertCritical},
		{domain.MetricErrorRate, 0.1, domain.AlertWarning},
		{domain.MetricErrorRate, 0.3, domain.AlertCritical},
		{domain.MetricBattery, 1, ""},
	}
	for _, tc := range cases {
		alerts := e.Check(Snapshot{Metrics: []domain.Metric{{Type: tc.metric, Value: tc.value}}})
		if tc.want == "" {
			assert.Empty(t, alerts, "%s=%v", tc.metric, tc.value)
			continue
		}
		require.Len(t, alerts, 1, "%s=%v", tc.metric, tc.value)
		assert.Equal(t, tc.want, alerts[0].Level)
		assert.Equal(t, MetricSource(tc.metric), alerts[0].Source)
		assert.Equal(t, string(tc.metric), alerts[0].Metric)
	}
}

func TestCheckOrderIsDeterministic(t *testing.T) {
	e := Evaluator{Thresholds: DefaultThresholds()}
	snap := Snapshot{Metrics: []domain.Metric{
		{Type: domain.MetricErrorRate, Value: 0.5},
		{Type: domain.MetricMemoryUsage, Value: 85},
		{Type: domain.MetricCPUUsage, Value: 95},
	}}
	alerts := e.Check(snap)
	require.Len(t, alerts, 3)
	assert.Equal(t, "cpu_usage", alerts[0].Metric)
	assert.Equal(t, "memory_usage", alerts[1].Metric)
	assert.Equal(t, "error_rate", alerts[2].Metric)
	assert.Equal(t, "cpu_usage at 95 reached critical threshold 90", alerts[0].Message)
}

func TestAlertLogFIFOAndBounded(t *testing.T) {
	l := NewAlertLog(3)
	for _, id := range []string{"a", "b"} {
		l.Append(domain.Alert{ID: id})
	}
	batch := l.Drain()
	require.Len(t, batch, 2)
	assert.Equal(t, "a", batch[0].ID)
	assert.Equal(t, "b", batch[1].ID)
	assert.True(t, batch[0].Acknowledged)
	assert.Empty(t, l.Drain(), "processed alerts are not processed again")

	for _, id := range []string{"c", "d", "e"} {
		l.Append(domain.Alert{ID: id})
	}
	recent := l.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, []string{"c", "d", "e"}, []string{recent[0].ID, recent[1].ID, recent[2].ID})

	total, unacked := l.Counts()
	assert.Equal(t, 5, total)
	assert.Equal(t, 3, unacked)

	// f evicts c before it was processed
	l.Append(domain.Alert{ID: "f"})
	assert.Equal(t, 1, l.Dropped())
	batch = l.Drain()
	require.Len(t, batch, 3)
	assert.Equal(t, "d", batch[0].ID)
	assert.Equal(t, "f", batch[2].ID)
	assert.Len(t, l.Recent(2), 2)
}

func TestAlertLogDuplicateIDs(t *testing.T) {
	l := NewAlertLog(2)
	l.Append(domain.Alert{ID: "dup", Message: "first"}, domain.Alert{ID: "dup", Message: "second"})
	batch := l.Drain()
	require.Len(t, batch, 2)
	assert.Equal(t, "first", batch[0].Message)
	assert.Equal(t, "second", batch[1].Message)
	assert.True(t, batch[0].Acknowledged)

	// evicting one of two pending alerts sharing an id drops only that one
	l.Append(domain.Alert{ID: "x", Message: "third"}, domain.Alert{ID: "x", Message: "fourth"})
	l.Append(domain.Alert{ID: "y", Message: "fifth"})
	assert.Equal(t, 1, l.Dropped())
	batch = l.Drain()
	require.Len(t, batch, 2)
	assert.Equal(t, "fourth", batch[0].Message)
	assert.Equal(t, "fifth", batch[1].Message)
}

func TestCriticalErrorRateFaultsController(t *testing.T) {
	m := New(staticSource(map[domain.MetricType]float64{domain.MetricErrorRate: 0.3, domain.MetricCPUUsage: 95}), Config{}, nil)
	f := &faultRecorder{}
	m.SetFaulter(f)

	processed := m.RunCycle(context.Background())
	require.Len(t, processed, 2)
	for _, a := range processed {
		assert.True(t, a.Acknowledged)
	}
	// cpu is not a fault source by default
	assert.Equal(t, 1, f.count())

	st := m.Status()
	assert.Equal(t, 2, st.AlertsCount)
	assert.Equal(t, 0, st.UnacknowledgedAlerts)
	assert.False(t, st.IsMonitoring)
}

func TestWarningDoesNotFault(t *testing.T) {
	m := New(staticSource(map[domain.MetricType]float64{domain.MetricErrorRate: 0.2}), Config{}, nil)
	f := &faultRecorder{}
	m.SetFaulter(f)
	m.RunCycle(context.Background())
	assert.Zero(t, f.count())
}

func TestRaiseTaskAlertWhileStopped(t *testing.T) {
	m := New(nil, Config{}, nil)
	f := &faultRecorder{err: errors.New("nothing running")}
	m.SetFaulter(f)
	a := m.Raise(context.Background(), domain.Alert{Level: domain.AlertCritical, Source: SourceTask, Message: "camera failed"})
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, []string{"camera failed"}, f.reasons)
	_, unacked := m.alerts.Counts()
	assert.Zero(t, unacked)
}

func TestOutOfRangeReadingsAreRejected(t *testing.T) {
	m := New(staticSource(map[domain.MetricType]float64{domain.MetricCPUUsage: 140, domain.MetricBattery: 50}), Config{}, nil)
	snap, err := m.CollectMetrics(context.Background())
	var mce *MetricsCollectionError
	require.ErrorAs(t, err, &mce)
	assert.Equal(t, domain.MetricCPUUsage, mce.Metric)
	require.Len(t, snap.Metrics, 1)
	assert.Equal(t, domain.MetricBattery, snap.Metrics[0].Type)
}

func TestCollectionFailureDoesNotStopLoop(t *testing.T) {
	var calls atomic.Int32
	src := SourceFunc(func(context.Context) ([]domain.Metric, error) {
		calls.Add(1)
		return nil, errors.New("sensor offline")
	})
	m := New(src, Config{Interval: 5 * time.Millisecond}, nil)
	require.True(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	require.True(t, m.Stop())
}

func TestStopHaltsAlerting(t *testing.T) {
	m := New(staticSource(map[domain.MetricType]float64{domain.MetricCPUUsage: 75}), Config{Interval: 5 * time.Millisecond}, nil)
	require.True(t, m.Start(context.Background()))
	assert.False(t, m.Start(context.Background()), "second start is a no-op")
	require.Eventually(t, func() bool { return m.Status().AlertsCount >= 2 }, time.Second, time.Millisecond)

	require.True(t, m.Stop())
	st := m.Status()
	assert.False(t, st.IsMonitoring)
	after := st.AlertsCount
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, m.Status().AlertsCount)
	assert.False(t, m.Stop())
}

func TestStopWaitsForCycleInProgress(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	src := SourceFunc(func(context.Context) ([]domain.Metric, error) {
		once.Do(func() { close(entered) })
		<-release
		return []domain.Metric{{Type: domain.MetricCPUUsage, Value: 91}}, nil
	})
	m := New(src, Config{Interval: time.Hour}, nil)
	m.Start(context.Background())
	<-entered

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("stop returned mid-cycle")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-stopped
	// the cycle in progress completed and its alert was recorded
	assert.Equal(t, 1, m.Status().AlertsCount)
}

func TestStopDuringLongWaitIsPrompt(t *testing.T) {
	m := New(staticSource(map[domain.MetricType]float64{domain.MetricBattery: 80}), Config{Interval: time.Hour}, nil)
	m.Start(context.Background())
	require.Eventually(t, func() bool { return !m.Status().LastCollection.IsZero() }, time.Second, time.Millisecond)
	start := time.Now()
	m.Stop()
	assert.Less(t, time.Since(start), time.Second)
}

func TestContextCancelEndsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := New(staticSource(nil), Config{Interval: time.Millisecond}, nil)
	m.Start(ctx)
	cancel()
	require.Eventually(t, func() bool { return !m.IsMonitoring() }, time.Second, time.Millisecond)
}

func TestObserversAndHistory(t *testing.T) {
	m := New(staticSource(map[domain.MetricType]float64{domain.MetricBattery: 33}), Config{HistorySize: 2}, nil)
	var seen []float64
	m.Observe(func(s Snapshot) {
		v, _ := s.Value(domain.MetricBattery)
		seen = append(seen, v)
	})
	for i := 0; i < 3; i++ {
		m.RunCycle(context.Background())
	}
	assert.Equal(t, []float64{33, 33, 33}, seen)
	assert.Len(t, m.History(), 2)
	latest, ok := m.Latest()
	require.True(t, ok)
	assert.Len(t, latest.Metrics, 1)
}

func TestMultiSourceKeepsPartialReadings(t *testing.T) {
	sim := device.NewSimulator()
	sim.SetBattery(64)
	stats := NewRequestStats(4)
	stats.Observe(10*time.Millisecond, 200)
	stats.Observe(30*time.Millisecond, 503)

	src := MultiSource{
		"requests": stats,
		"sensors":  SensorSource{Perception: sim},
		"broken": SourceFunc(func(context.Context) ([]domain.Metric, error) {
			return nil, errors.New("unplugged")
		}),
	}
	metrics, err := src.Collect(context.Background())
	var mce *MetricsCollectionError
	require.ErrorAs(t, err, &mce)
	assert.Equal(t, "broken", mce.Source)

	values := Snapshot{Metrics: metrics}.Values()
	assert.InDelta(t, 64, values[domain.MetricBattery], 1e-9)
	assert.InDelta(t, 20, values[domain.MetricLatency], 1e-9)
	assert.InDelta(t, 0.5, values[domain.MetricErrorRate], 1e-9)
}

func TestRequestStatsWindow(t *testing.T) {
	stats := NewRequestStats(2)
	stats.Observe(time.Millisecond, 500)
	stats.Observe(time.Millisecond, 200)
	stats.Observe(time.Millisecond, 200)
	metrics, err := stats.Collect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, Snapshot{Metrics: metrics}.Values()[domain.MetricErrorRate])
}

func TestRuntimeSourceInRange(t *testing.T) {
	src := &RuntimeSource{}
	for i := 0; i < 2; i++ {
		metrics, err := src.Collect(context.Background())
		require.NoError(t, err)
		require.Len(t, metrics, 2)
		for _, m := range metrics {
			assert.True(t, m.Type.InRange(m.Value), "%s=%v", m.Type, m.Value)
		}
	}
}
