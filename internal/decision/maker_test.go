package decision

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vista/internal/domain"
	"vista/internal/rules"
)

type recorderFunc func(ctx context.Context, d domain.Decision) error

func (f recorderFunc) RecordDecision(ctx context.Context, d domain.Decision) error { return f(ctx, d) }

func newMaker(t *testing.T, rs ...rules.Rule) *Maker {
	t.Helper()
	engine := rules.NewEngine(nil)
	require.NoError(t, engine.AddRules(rs))
	m := NewMaker(engine, DefaultConfig(), nil)
	m.Now = func() time.Time { return time.Date(2024, 2, 19, 13, 0, 0, 0, time.UTC) }
	return m
}

var lowBattery = rules.Rule{
	ID:        "low_battery",
	Condition: rules.Leaf("battery", "<", 20),
	Action:    "notify_low_battery",
	Priority:  0.9,
}

func TestLowBatteryDecision(t *testing.T) {
	m := newMaker(t, lowBattery)
	m.ObserveMetrics(map[domain.MetricType]float64{domain.MetricBattery: 15})

	d, err := m.MakeDecision(context.Background(), domain.Scene{Type: domain.SceneIndoor}, domain.DecisionAssistance)
	require.NoError(t, err)
	require.Len(t, d.ActionPlans, 1)
	assert.Equal(t, "notify_low_battery", d.ActionPlans[0].ActionType)
	assert.Equal(t, "low_battery", d.ActionPlans[0].RuleID)
	assert.InDelta(t, 0.9, d.Confidence, 1e-9)
	assert.InDelta(t, 1.5, d.ActionPlans[0].EstimatedDuration, 1e-9)
	assert.NotEmpty(t, d.SceneID)
	assert.Len(t, d.Reasoning, 1)
}

func TestNoMatchHasZeroConfidence(t *testing.T) {
	m := newMaker(t, lowBattery)
	m.ObserveMetrics(map[domain.MetricType]float64{domain.MetricBattery: 80})

	d, err := m.MakeDecision(context.Background(), domain.Scene{ID: "s1"}, domain.DecisionNavigation)
	require.NoError(t, err)
	assert.Empty(t, d.ActionPlans)
	assert.Zero(t, d.Confidence)
	assert.Equal(t, "s1", d.SceneID)
	assert.Equal(t, []string{"no rule matched"}, d.Reasoning)
}

func TestInvalidDecisionType(t *testing.T) {
	m := newMaker(t)
	_, err := m.MakeDecision(context.Background(), domain.Scene{}, "teleport")
	assert.ErrorIs(t, err, ErrInvalidDecisionType)
}

func TestConfidenceFromRuleOverridesPriority(t *testing.T) {
	conf := 0.4
	r := lowBattery
	r.Confidence = &conf
	m := newMaker(t, r)
	m.ObserveMetrics(map[domain.MetricType]float64{domain.MetricBattery: 5})

	d, err := m.MakeDecision(context.Background(), domain.Scene{}, domain.DecisionSafety)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, d.Confidence, 1e-9)
}

func crossingRules() []rules.Rule {
	return []rules.Rule{
		lowBattery,
		{
			ID:        "obstacle_warning",
			Condition: rules.Leaf("scene.elements", "contains", "obstacle"),
			Action:    "warn_obstacle",
			Priority:  0.95,
		},
		{
			ID: "traffic_crossing",
			Condition: rules.Condition{All: []rules.Condition{
				rules.Leaf("scene.type", "eq", "traffic"),
				rules.Leaf("scene.element_count", ">=", 2),
			}},
			Action:            "guide_crossing",
			Priority:          0.7,
			EstimatedDuration: 12,
		},
		{
			ID:        "quiet_room",
			Condition: rules.Leaf("scene.type", "eq", "indoor"),
			Action:    "describe_room",
			Priority:  0.99,
		},
	}
}

func crossingScene() domain.Scene {
	return domain.Scene{
		ID:   "scene-1",
		Type: domain.SceneTraffic,
		Elements: []domain.SceneElement{
			{Type: "car", Confidence: 0.8},
			{Type: "obstacle", Confidence: 0.7},
		},
	}
}

func TestReasoningTrailGolden(t *testing.T) {
	m := newMaker(t, crossingRules()...)
	m.ObserveMetrics(map[domain.MetricType]float64{domain.MetricBattery: 15})

	d, err := m.MakeDecision(context.Background(), crossingScene(), domain.DecisionSafety)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "reasoning_trail", []byte(strings.Join(d.Reasoning, "\n")+"\n"))

	require.Len(t, d.ActionPlans, 3)
	assert.Equal(t, "warn_obstacle", d.ActionPlans[0].ActionType)
	assert.InDelta(t, 0.95, d.Confidence, 1e-9)
	assert.InDelta(t, 12, d.ActionPlans[2].EstimatedDuration, 1e-9)
}

func TestMaxPlansCapsPlansNotReasoning(t *testing.T) {
	engine := rules.NewEngine(nil)
	require.NoError(t, engine.AddRules(crossingRules()))
	cfg := DefaultConfig()
	cfg.MaxPlans = 1
	m := NewMaker(engine, cfg, nil)
	m.ObserveMetrics(map[domain.MetricType]float64{domain.MetricBattery: 15})

	d, err := m.MakeDecision(context.Background(), crossingScene(), domain.DecisionSafety)
	require.NoError(t, err)
	assert.Len(t, d.ActionPlans, 1)
	assert.Len(t, d.Reasoning, 3)
}

func TestGenerateActionPlan(t *testing.T) {
	m := newMaker(t)
	plans := m.GenerateActionPlan(domain.Decision{ActionPlans: []domain.ActionPlan{
		{ActionType: "wait", Priority: 0.2},
		{ActionType: "move_forward", Priority: 0.8},
		{ActionType: "beep", Priority: 0.8, EstimatedDuration: 4},
	}})
	require.Len(t, plans, 3)
	assert.Equal(t, "move_forward", plans[0].ActionType)
	assert.Equal(t, "beep", plans[1].ActionType)
	assert.Equal(t, "wait", plans[2].ActionType)
	assert.InDelta(t, 5, plans[0].EstimatedDuration, 1e-9)
	assert.InDelta(t, 4, plans[1].EstimatedDuration, 1e-9)
	assert.InDelta(t, 2, plans[2].EstimatedDuration, 1e-9)
	for _, p := range plans {
		assert.Greater(t, p.EstimatedDuration, 0.0)
	}
}

func TestDecisionCacheIsBounded(t *testing.T) {
	engine := rules.NewEngine(nil)
	cfg := DefaultConfig()
	cfg.RecentSize = 2
	m := NewMaker(engine, cfg, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		d, err := m.MakeDecision(context.Background(), domain.Scene{}, domain.DecisionAssistance)
		require.NoError(t, err)
		ids = append(ids, d.ID)
	}
	_, ok := m.Decision(ids[0])
	assert.False(t, ok)
	got, ok := m.Decision(ids[2])
	require.True(t, ok)
	assert.Equal(t, ids[2], got.ID)
}

func TestRecorderFailureDoesNotFailDecision(t *testing.T) {
	m := newMaker(t, lowBattery)
	var recorded []string
	m.Recorder = recorderFunc(func(_ context.Context, d domain.Decision) error {
		recorded = append(recorded, d.ID)
		return errors.New("disk full")
	})
	d, err := m.MakeDecision(context.Background(), domain.Scene{}, domain.DecisionAssistance)
	require.NoError(t, err)
	assert.Equal(t, []string{d.ID}, recorded)
}

func TestLiveContextKeepsReadingsAcrossDecisions(t *testing.T) {
	m := newMaker(t, lowBattery)
	m.ObserveMetrics(map[domain.MetricType]float64{domain.MetricBattery: 10})
	_, err := m.MakeDecision(context.Background(), domain.Scene{Type: domain.SceneOutdoor}, domain.DecisionNavigation)
	require.NoError(t, err)

	live := m.LiveContext()
	assert.Equal(t, domain.SceneOutdoor, live.Scene.Type)
	assert.InDelta(t, 10, live.Metrics[domain.MetricBattery], 1e-9)
	assert.Equal(t, domain.DecisionNavigation, live.DecisionType)
}
