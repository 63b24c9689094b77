// Package decision turns an interpreted scene into ranked action plans using
// the rule engine.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vista/internal/domain"
	"vista/internal/rules"
)

// ErrInvalidDecisionType is returned for decision types outside the enum.
var ErrInvalidDecisionType = errors.New("invalid decision type")

// Recorder persists decisions for audit. Failures are logged, not returned.
type Recorder interface {
	RecordDecision(ctx context.Context, d domain.Decision) error
}

type Config struct {
	// MaxPlans caps how many top matches become action plans.
	MaxPlans int
	// RecentSize bounds the cache of decisions served by Decision.
	RecentSize int
	// DefaultDuration is used when neither the rule nor Durations give one, in seconds.
	DefaultDuration float64
	// Durations maps an action, or the prefix before its first underscore, to seconds.
	Durations map[string]float64
}

func DefaultConfig() Config {
	return Config{
		MaxPlans:        3,
		RecentSize:      64,
		DefaultDuration: 1,
		Durations: map[string]float64{
			"move":     5,
			"notify":   1.5,
			"interact": 3,
			"wait":     2,
			"stop":     0.5,
		},
	}
}

// Maker holds the live decision context. It references the engine without
// owning it; rules are added and removed through the engine directly.
type Maker struct {
	Engine   *rules.Engine
	Recorder Recorder
	Now      func() time.Time

	cfg    Config
	log    *slog.Logger
	mu     sync.Mutex
	live   rules.Context
	recent []domain.Decision
}

func NewMaker(engine *rules.Engine, cfg Config, logger *slog.Logger) *Maker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPlans <= 0 {
		cfg.MaxPlans = DefaultConfig().MaxPlans
	}
	if cfg.RecentSize <= 0 {
		cfg.RecentSize = DefaultConfig().RecentSize
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = DefaultConfig().DefaultDuration
	}
	return &Maker{
		Engine: engine,
		Now:    time.Now,
		cfg:    cfg,
		log:    logger.With("component", "decision"),
	}
}

func (m *Maker) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// ObserveMetrics merges readings into the live context so rules can
// reference them on the next decision.
func (m *Maker) ObserveMetrics(readings map[domain.MetricType]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range readings {
		m.live.SetMetric(k, v)
	}
}

// LiveContext returns a copy of the current decision context.
func (m *Maker) LiveContext() rules.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live.Clone()
}

// MakeDecision merges scene into the live context, evaluates the rules and
// converts the top matches into action plans.
func (m *Maker) MakeDecision(ctx context.Context, scene domain.Scene, dt domain.DecisionType) (domain.Decision, error) {
	if !domain.ValidDecisionType(dt) {
		return domain.Decision{}, fmt.Errorf("%w: %q", ErrInvalidDecisionType, dt)
	}
	if scene.ID == "" {
		scene.ID = uuid.NewString()
	}
	now := m.now().UTC()

	m.mu.Lock()
	m.live.Scene = scene
	m.live.DecisionType = dt
	m.live.Now = now
	snapshot := m.live.Clone()
	m.mu.Unlock()

	matches := m.Engine.EvaluateRules(snapshot)

	d := domain.Decision{
		ID:           uuid.NewString(),
		SceneID:      scene.ID,
		DecisionType: dt,
		ActionPlans:  []domain.ActionPlan{},
		Reasoning:    Reasoning(matches),
		CreatedAt:    now,
	}
	if len(matches) > 0 {
		d.Confidence = matches[0].Rule.ActionConfidence()
	}
	for i, match := range matches {
		if i == m.cfg.MaxPlans {
			break
		}
		d.ActionPlans = append(d.ActionPlans, m.planFor(match.Rule))
	}

	m.remember(d)
	m.log.Info("decision made",
		"decision_id", d.ID,
		"decision_type", dt,
		"matches", len(matches),
		"confidence", d.Confidence,
	)
	if m.Recorder != nil {
		if err := m.Recorder.RecordDecision(ctx, d); err != nil {
			m.log.Warn("record decision", "decision_id", d.ID, "err", err)
		}
	}
	return d, nil
}

// Reasoning renders one line per match in match order.
func Reasoning(matches []rules.Match) []string {
	if len(matches) == 0 {
		return []string{"no rule matched"}
	}
	out := make([]string, len(matches))
	for i, match := range matches {
		out[i] = fmt.Sprintf("%d. rule %s matched (%s) -> %s, priority %s",
			i+1, match.Rule.ID, match.Reason, match.Rule.Action, fmtFloat(match.Rule.Priority))
	}
	return out
}

// GenerateActionPlan orders the decision's plans by priority descending and
// fills in a positive estimated duration where one is missing.
func (m *Maker) GenerateActionPlan(d domain.Decision) []domain.ActionPlan {
	out := make([]domain.ActionPlan, len(d.ActionPlans))
	copy(out, d.ActionPlans)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	for i := range out {
		if out[i].EstimatedDuration <= 0 {
			out[i].EstimatedDuration = m.durationFor(out[i].ActionType)
		}
	}
	return out
}

// Decision returns a recently made decision.
func (m *Maker) Decision(id string) (domain.Decision, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.recent) - 1; i >= 0; i-- {
		if m.recent[i].ID == id {
			return m.recent[i], true
		}
	}
	return domain.Decision{}, false
}

func (m *Maker) remember(d domain.Decision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = append(m.recent, d)
	if over := len(m.recent) - m.cfg.RecentSize; over > 0 {
		m.recent = append(m.recent[:0:0], m.recent[over:]...)
	}
}

func (m *Maker) planFor(r rules.Rule) domain.ActionPlan {
	var params map[string]any
	if len(r.Parameters) > 0 {
		params = make(map[string]any, len(r.Parameters))
		for k, v := range r.Parameters {
			params[k] = v
		}
	}
	dur := r.EstimatedDuration
	if dur <= 0 {
		dur = m.durationFor(r.Action)
	}
	return domain.ActionPlan{
		ActionType:        r.Action,
		Parameters:        params,
		Priority:          r.Priority,
		EstimatedDuration: dur,
		RuleID:            r.ID,
	}
}

func (m *Maker) durationFor(action string) float64 {
	if d, ok := m.cfg.Durations[action]; ok && d > 0 {
		return d
	}
	if prefix, _, found := strings.Cut(action, "_"); found {
		if d, ok := m.cfg.Durations[prefix]; ok && d > 0 {
			return d
		}
	}
	return m.cfg.DefaultDuration
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
