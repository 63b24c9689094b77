package monitor

import (
	"fmt"
	"strconv"
	"time"

	"vista/internal/domain"
)

// Threshold is a two-tier limit. Both tiers are inclusive.
type Threshold struct {
	Warning  float64 `json:"warning" yaml:"warning"`
	Critical float64 `json:"critical" yaml:"critical"`
}

func (t Threshold) Validate() error {
	if t.Warning > t.Critical {
		return fmt.Errorf("warning %v above critical %v", t.Warning, t.Critical)
	}
	return nil
}

// DefaultThresholds returns the stock limits. Battery has no threshold pair:
// low charge is a rule concern, not an upward breach.
func DefaultThresholds() map[domain.MetricType]Threshold {
	return map[domain.MetricType]Threshold{
		domain.MetricCPUUsage:    {Warning: 70, Critical: 90},
		domain.MetricMemoryUsage: {Warning: 80, Critical: 95},
		domain.MetricErrorRate:   {Warning: 0.1, Critical: 0.3},
	}
}

// MetricSource is the alert source for a threshold breach on t.
func MetricSource(t domain.MetricType) string {
	return "metrics:" + string(t)
}

// Evaluator turns a snapshot into alerts.
type Evaluator struct {
	Thresholds map[domain.MetricType]Threshold
	NewID      func() string
	Now        func() time.Time
}

// Check compares every configured metric in the snapshot: value >= critical is
// CRITICAL, else value >= warning is WARNING. Alerts come out in metric order.
func (e Evaluator) Check(s Snapshot) []domain.Alert {
	values := s.Values()
	var out []domain.Alert
	for _, mt := range domain.MetricTypes() {
		th, ok := e.Thresholds[mt]
		if !ok {
			continue
		}
		v, ok := values[mt]
		if !ok {
			continue
		}
		var level domain.AlertLevel
		var limit float64
		switch {
		case v >= th.Critical:
			level, limit = domain.AlertCritical, th.Critical
		case v >= th.Warning:
			level, limit = domain.AlertWarning, th.Warning
		default:
			continue
		}
		out = append(out, domain.Alert{
			ID:        e.newID(),
			Level:     level,
			Message:   fmt.Sprintf("%s at %s reached %s threshold %s", mt, fmtValue(v), level, fmtValue(limit)),
			Source:    MetricSource(mt),
			Metric:    string(mt),
			Value:     v,
			Timestamp: e.now(),
		})
	}
	return out
}

func (e Evaluator) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return newAlertID()
}

func (e Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func fmtValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
