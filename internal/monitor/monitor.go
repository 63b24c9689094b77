// Package monitor samples health metrics, raises threshold alerts and reports
// critical task-health alerts to the controller as faults.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"vista/internal/domain"
)

// Faulter is the controller's fault intake.
type Faulter interface {
	Fault(reason string) error
}

// Recorder persists alerts for audit.
type Recorder interface {
	RecordAlert(ctx context.Context, a domain.Alert) error
}

// SourceTask is the alert source for task-execution reports.
const SourceTask = "task"

type Config struct {
	Interval      time.Duration
	AlertCapacity int
	HistorySize   int
	Thresholds    map[domain.MetricType]Threshold
	// FaultSources lists alert sources whose CRITICAL alerts fault the controller.
	FaultSources []string
}

func DefaultConfig() Config {
	return Config{
		Interval:      5 * time.Second,
		AlertCapacity: 256,
		HistorySize:   60,
		Thresholds:    DefaultThresholds(),
		FaultSources:  []string{MetricSource(domain.MetricErrorRate), SourceTask},
	}
}

type Status struct {
	IsMonitoring         bool      `json:"is_monitoring"`
	AlertsCount          int       `json:"alerts_count"`
	UnacknowledgedAlerts int       `json:"unacknowledged_alerts"`
	DroppedAlerts        int       `json:"dropped_alerts"`
	MonitoringInterval   float64   `json:"monitoring_interval" doc:"seconds"`
	LastCollection       time.Time `json:"last_collection,omitempty"`
	Timestamp            time.Time `json:"timestamp"`
}

// Monitor runs the supervisory loop: collect, check thresholds, append
// alerts, process alerts, wait. Stop is observed before each collection and
// during the wait; a cycle already in progress runs to completion.
type Monitor struct {
	Recorder Recorder
	Now      func() time.Time

	source  Source
	eval    Evaluator
	alerts  *AlertLog
	cfg     Config
	faults  map[string]bool
	log     *slog.Logger
	faulter Faulter

	mu        sync.Mutex
	running   bool
	stop      chan struct{}
	done      chan struct{}
	history   []Snapshot
	observers []func(Snapshot)
}

func New(source Source, cfg Config, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.Thresholds == nil {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.FaultSources == nil {
		cfg.FaultSources = def.FaultSources
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		Now:    time.Now,
		source: source,
		alerts: NewAlertLog(cfg.AlertCapacity),
		cfg:    cfg,
		faults: map[string]bool{},
		log:    logger.With("component", "monitor"),
	}
	m.eval = Evaluator{Thresholds: cfg.Thresholds, Now: m.now}
	for _, s := range cfg.FaultSources {
		m.faults[s] = true
	}
	return m
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// SetFaulter wires the controller. Until set, critical alerts are only logged.
func (m *Monitor) SetFaulter(f Faulter) {
	m.mu.Lock()
	m.faulter = f
	m.mu.Unlock()
}

// Observe registers fn to receive every collected snapshot.
func (m *Monitor) Observe(fn func(Snapshot)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Start launches the loop. It returns false when the loop is already running.
// The loop also ends when ctx is done.
func (m *Monitor) Start(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return false
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(ctx, m.stop, m.done)
	m.log.Info("monitoring started", "interval", m.cfg.Interval.String())
	return true
}

// Stop signals the loop and waits for it to exit. It returns false when the
// loop was not running.
func (m *Monitor) Stop() bool {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return false
	}
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	<-done
	m.log.Info("monitoring stopped")
	return true
}

func (m *Monitor) loop(ctx context.Context, stop, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(done)
	}()
	wait := time.NewTimer(0)
	defer wait.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-wait.C:
		}
		// a stop that raced with the timer still wins before collection
		select {
		case <-stop:
			return
		default:
		}
		m.RunCycle(ctx)
		wait.Reset(m.cfg.Interval)
	}
}

// RunCycle performs one supervisory pass and returns the alerts it processed.
func (m *Monitor) RunCycle(ctx context.Context) []domain.Alert {
	snap, err := m.CollectMetrics(ctx)
	if err != nil {
		m.logCollectionErrors(err)
	}
	if len(snap.Metrics) > 0 {
		m.remember(snap)
		m.notify(snap)
		m.alerts.Append(m.CheckThresholds(snap)...)
	}
	return m.ProcessAlerts(ctx)
}

// CollectMetrics samples the source. Readings outside their physical range
// are dropped and reported as MetricsCollectionError alongside the rest.
func (m *Monitor) CollectMetrics(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Timestamp: m.now()}
	if m.source == nil {
		return snap, &MetricsCollectionError{Source: "monitor", Err: errors.New("no metrics source")}
	}
	raw, err := m.source.Collect(ctx)
	errs := []error{err}
	for _, metric := range raw {
		if !metric.Type.InRange(metric.Value) {
			errs = append(errs, &MetricsCollectionError{
				Source: "monitor",
				Metric: metric.Type,
				Err:    errors.New("value out of range"),
			})
			continue
		}
		if metric.Timestamp.IsZero() {
			metric.Timestamp = snap.Timestamp
		}
		snap.Metrics = append(snap.Metrics, metric)
	}
	return snap, errors.Join(errs...)
}

// CheckThresholds evaluates a snapshot without recording anything.
func (m *Monitor) CheckThresholds(s Snapshot) []domain.Alert {
	return m.eval.Check(s)
}

// Raise appends an externally produced alert. It is processed on the next
// pass, or immediately when the loop is not running.
func (m *Monitor) Raise(ctx context.Context, a domain.Alert) domain.Alert {
	if a.ID == "" {
		a.ID = newAlertID()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = m.now()
	}
	if a.Level == "" {
		a.Level = domain.AlertInfo
	}
	m.alerts.Append(a)
	if !m.IsMonitoring() {
		m.ProcessAlerts(ctx)
	}
	return a
}

// ProcessAlerts acknowledges and logs every alert appended since the previous
// pass, in append order. CRITICAL alerts from a fault source fault the
// controller.
func (m *Monitor) ProcessAlerts(ctx context.Context) []domain.Alert {
	batch := m.alerts.Drain()
	m.mu.Lock()
	faulter := m.faulter
	m.mu.Unlock()
	for _, a := range batch {
		m.log.Log(ctx, levelFor(a.Level), "alert", "alert_id", a.ID, "level", a.Level, "source", a.Source, "message", a.Message)
		if m.Recorder != nil {
			if err := m.Recorder.RecordAlert(ctx, a); err != nil {
				m.log.Warn("record alert", "alert_id", a.ID, "err", err)
			}
		}
		if a.Level != domain.AlertCritical || !m.faults[a.Source] || faulter == nil {
			continue
		}
		if err := faulter.Fault(a.Message); err != nil {
			m.log.Debug("fault not applied", "alert_id", a.ID, "err", err)
			continue
		}
		m.log.Warn("controller faulted", "alert_id", a.ID, "source", a.Source)
	}
	return batch
}

func (m *Monitor) IsMonitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) Status() Status {
	total, unacked := m.alerts.Counts()
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		IsMonitoring:         m.running,
		AlertsCount:          total,
		UnacknowledgedAlerts: unacked,
		DroppedAlerts:        m.alerts.Dropped(),
		MonitoringInterval:   m.cfg.Interval.Seconds(),
		Timestamp:            m.now(),
	}
	if n := len(m.history); n > 0 {
		st.LastCollection = m.history[n-1].Timestamp
	}
	return st
}

// Alerts returns up to n retained alerts, newest last.
func (m *Monitor) Alerts(n int) []domain.Alert {
	return m.alerts.Recent(n)
}

// Latest returns the most recent snapshot the loop collected.
func (m *Monitor) Latest() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return Snapshot{}, false
	}
	return m.history[len(m.history)-1], true
}

// History returns retained snapshots, oldest first.
func (m *Monitor) History() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Snapshot(nil), m.history...)
}

func (m *Monitor) remember(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, s)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
}

func (m *Monitor) notify(s Snapshot) {
	m.mu.Lock()
	observers := slices.Clone(m.observers)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(s)
	}
}

func (m *Monitor) logCollectionErrors(err error) {
	var multi interface{ Unwrap() []error }
	if errors.As(err, &multi) {
		for _, e := range multi.Unwrap() {
			m.log.Warn("metrics collection failed", "err", e)
		}
		return
	}
	m.log.Warn("metrics collection failed", "err", err)
}

func levelFor(l domain.AlertLevel) slog.Level {
	switch l {
	case domain.AlertCritical, domain.AlertError:
		return slog.LevelError
	case domain.AlertWarning:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}
