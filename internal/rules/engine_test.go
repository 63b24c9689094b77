package rules

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"vista/internal/domain"
)

func lowBattery() Rule {
	return Rule{
		ID:        "low_battery",
		Condition: Leaf("battery", "<", 20),
		Action:    "notify_low_battery",
		Priority:  0.9,
	}
}

func TestLowBatteryMatchesAlone(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.AddRule(lowBattery()))
	require.NoError(t, e.AddRule(Rule{
		ID:        "obstacle_ahead",
		Condition: Leaf("scene.elements", "contains", "obstacle"),
		Action:    "warn_obstacle",
		Priority:  0.95,
	}))

	ctx := Context{Metrics: map[domain.MetricType]float64{domain.MetricBattery: 15}}
	matches := e.EvaluateRules(ctx)
	require.Len(t, matches, 1)
	assert.Equal(t, "low_battery", matches[0].Rule.ID)
	assert.Equal(t, "battery < 20", matches[0].Reason)
}

func TestDuplicateRule(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.AddRule(lowBattery()))
	err := e.AddRule(lowBattery())
	var dup *DuplicateRuleError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "low_battery", dup.ID)
}

func TestDuplicateRuleAfterNormalization(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.AddRule(Rule{ID: "caf\u00e9", Condition: Leaf("battery", "<", 1), Action: "a", Priority: 0.1}))
	err := e.AddRule(Rule{ID: "cafe\u0301", Condition: Leaf("battery", "<", 1), Action: "a", Priority: 0.1})
	var dup *DuplicateRuleError
	assert.ErrorAs(t, err, &dup)
}

func TestOrderingIsDeterministic(t *testing.T) {
	always := Leaf("battery", ">=", 0)
	rs := []Rule{
		{ID: "c", Condition: always, Action: "x", Priority: 0.5},
		{ID: "a", Condition: always, Action: "x", Priority: 0.5},
		{ID: "z", Condition: always, Action: "x", Priority: 0.8},
		{ID: "b", Condition: always, Action: "x", Priority: 0.5},
		{ID: "m", Condition: always, Action: "x", Priority: 0.1},
	}
	ctx := Context{Metrics: map[domain.MetricType]float64{domain.MetricBattery: 50}}
	want := []string{"z", "a", "b", "c", "m"}

	for round := 0; round < 5; round++ {
		e := NewEngine(nil)
		// vary insertion order per round
		for i := range rs {
			require.NoError(t, e.AddRule(rs[(i+round)%len(rs)]))
		}
		for rep := 0; rep < 3; rep++ {
			var got []string
			for _, m := range e.EvaluateRules(ctx) {
				got = append(got, m.Rule.ID)
			}
			assert.Equal(t, want, got)
		}
	}
}

func TestMalformedConditionIsNonMatching(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.AddRule(Rule{ID: "broken", Condition: Leaf("nonsense", "<", 1), Action: "x", Priority: 1}))
	require.NoError(t, e.AddRule(Rule{ID: "bad_op", Condition: Leaf("battery", "~", 1), Action: "x", Priority: 1}))
	require.NoError(t, e.AddRule(Rule{ID: "mixed", Condition: Condition{Field: "battery", Op: "<", Value: 5, Not: &Condition{}}, Action: "x", Priority: 1}))
	require.NoError(t, e.AddRule(lowBattery()))

	matches := e.EvaluateRules(Context{Metrics: map[domain.MetricType]float64{domain.MetricBattery: 10}})
	require.Len(t, matches, 1)
	assert.Equal(t, "low_battery", matches[0].Rule.ID)
}

func TestUnsampledMetricIsNonMatching(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.AddRule(lowBattery()))
	assert.Empty(t, e.EvaluateRules(Context{}))
}

func TestCompositeConditions(t *testing.T) {
	ctx := Context{
		DecisionType: domain.DecisionSafety,
		Scene: domain.Scene{
			Type:     domain.SceneTraffic,
			Elements: []domain.SceneElement{{Type: "car"}, {Type: "Crosswalk"}},
		},
		Metrics: map[domain.MetricType]float64{domain.MetricBattery: 40},
	}
	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"all", Condition{All: []Condition{Leaf("scene.type", "eq", "traffic"), Leaf("scene.elements", "contains", "crosswalk")}}, true},
		{"any", Condition{Any: []Condition{Leaf("battery", "<", 10), Leaf("decision_type", "==", "safety")}}, true},
		{"not", Condition{Not: &Condition{Field: "battery", Op: "<", Value: 10}}, true},
		{"in", Leaf("scene.type", "in", []any{"indoor", "traffic"}), true},
		{"count", Leaf("scene.element_count", ">=", 3), false},
		{"ne", Leaf("decision_type", "!=", "safety"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.cond.Validate())
			got, err := tc.cond.Evaluate(ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestAnySkipsUnevaluableBranch(t *testing.T) {
	cond := Condition{Any: []Condition{Leaf("latency", ">", 100), Leaf("battery", "<", 50)}}
	ok, err := cond.Evaluate(Context{Metrics: map[domain.MetricType]float64{domain.MetricBattery: 10}})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConditionString(t *testing.T) {
	cond := Condition{All: []Condition{
		Leaf("battery", "lt", 20),
		{Any: []Condition{Leaf("scene.type", "eq", "outdoor"), Leaf("scene.type", "eq", "traffic")}},
	}}
	assert.Equal(t, "battery < 20 and (scene.type == outdoor or scene.type == traffic)", cond.String())
}

func TestRulesFromYAML(t *testing.T) {
	src := `
- id: low_battery
  condition: {field: battery, op: "<", value: 20}
  action: notify_low_battery
  priority: 0.9
- id: crowded
  condition:
    all:
      - {field: scene.type, op: eq, value: social}
      - {field: scene.element_count, op: gte, value: 5}
  action: describe_people
  priority: 0.6
  confidence: 0.7
`
	var rs []Rule
	require.NoError(t, yaml.Unmarshal([]byte(src), &rs))
	e := NewEngine(nil)
	require.NoError(t, e.AddRules(rs))

	got := e.Rules()
	require.Len(t, got, 2)
	assert.Equal(t, "low_battery", got[0].ID)
	assert.InDelta(t, 0.7, got[1].ActionConfidence(), 1e-9)
	assert.InDelta(t, 0.9, got[0].ActionConfidence(), 1e-9)
}

func TestRemoveRuleAndStatus(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.AddRule(lowBattery()))
	assert.Equal(t, Status{Enabled: true, RulesCount: 1}, e.Status())

	var unknown *UnknownRuleError
	require.ErrorAs(t, e.RemoveRule("nope"), &unknown)
	require.NoError(t, e.RemoveRule("low_battery"))
	assert.Equal(t, 0, e.Status().RulesCount)
}

func TestDisabledEngineMatchesNothing(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.AddRule(lowBattery()))
	e.SetEnabled(false)
	assert.Empty(t, e.EvaluateRules(Context{Metrics: map[domain.MetricType]float64{domain.MetricBattery: 1}}))
}

func TestRuleValidation(t *testing.T) {
	e := NewEngine(nil)
	assert.Error(t, e.AddRule(Rule{ID: " ", Action: "x"}))
	assert.Error(t, e.AddRule(Rule{ID: "a"}))
	assert.Error(t, e.AddRule(Rule{ID: "a", Action: "x", Priority: 1.5}))
}

func TestConcurrentAddAndEvaluate(t *testing.T) {
	e := NewEngine(nil)
	ctx := Context{Metrics: map[domain.MetricType]float64{domain.MetricBattery: 5}}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = e.AddRule(Rule{ID: fmt.Sprintf("r%02d", i), Condition: Leaf("battery", "<", 20), Action: "x", Priority: 0.5})
		}(i)
		go func() {
			defer wg.Done()
			prev := ""
			for _, m := range e.EvaluateRules(ctx) {
				assert.Less(t, prev, m.Rule.ID)
				prev = m.Rule.ID
			}
		}()
	}
	wg.Wait()
	assert.Len(t, e.EvaluateRules(ctx), 20)
}
