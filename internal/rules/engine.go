package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// Rule is a decision heuristic: when Condition holds, Action is proposed.
type Rule struct {
	ID                string         `json:"id" yaml:"id"`
	Description       string         `json:"description,omitempty" yaml:"description,omitempty"`
	Condition         Condition      `json:"condition" yaml:"condition"`
	Action            string         `json:"action" yaml:"action"`
	Priority          float64        `json:"priority" yaml:"priority"`
	Confidence        *float64       `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	Parameters        map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	EstimatedDuration float64        `json:"estimated_duration,omitempty" yaml:"estimated_duration,omitempty"`
}

// ActionConfidence is the rule's confidence, defaulting to its priority.
func (r Rule) ActionConfidence() float64 {
	if r.Confidence != nil {
		return *r.Confidence
	}
	return r.Priority
}

// Validate checks identity, action and priority. The condition is not checked:
// a malformed condition only ever evaluates to a non-match.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidRule)
	}
	if strings.TrimSpace(r.Action) == "" {
		return fmt.Errorf("%w: rule %s: action is required", ErrInvalidRule, r.ID)
	}
	if r.Priority < 0 || r.Priority > 1 {
		return fmt.Errorf("%w: rule %s: priority must be within [0,1]", ErrInvalidRule, r.ID)
	}
	if r.Confidence != nil && (*r.Confidence < 0 || *r.Confidence > 1) {
		return fmt.Errorf("%w: rule %s: confidence must be within [0,1]", ErrInvalidRule, r.ID)
	}
	if r.EstimatedDuration < 0 {
		return fmt.Errorf("%w: rule %s: estimated_duration must be >= 0", ErrInvalidRule, r.ID)
	}
	return nil
}

// ErrInvalidRule wraps rule validation failures.
var ErrInvalidRule = errors.New("invalid rule")

// NormalizeID canonicalizes a rule id so visually identical ids collide.
func NormalizeID(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

type DuplicateRuleError struct {
	ID string
}

func (e *DuplicateRuleError) Error() string {
	return fmt.Sprintf("rule %q already exists", e.ID)
}

type UnknownRuleError struct {
	ID string
}

func (e *UnknownRuleError) Error() string {
	return fmt.Sprintf("rule %q not found", e.ID)
}

// Match is one rule whose condition held, with the reason rendered for audit.
type Match struct {
	Rule   Rule   `json:"rule"`
	Reason string `json:"reason"`
}

// Status summarizes the engine for status endpoints.
type Status struct {
	Enabled    bool `json:"enabled"`
	RulesCount int  `json:"rules_count"`
}

// Engine owns a rule set. AddRule and RemoveRule take the write lock and
// EvaluateRules the read lock, so mutation never interleaves with an evaluation.
type Engine struct {
	mu      sync.RWMutex
	rules   map[string]Rule
	enabled bool
	log     *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rules:   map[string]Rule{},
		enabled: true,
		log:     logger.With("component", "rules"),
	}
}

func (e *Engine) AddRule(r Rule) error {
	r.ID = NormalizeID(r.ID)
	if err := r.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[r.ID]; ok {
		return &DuplicateRuleError{ID: r.ID}
	}
	e.rules[r.ID] = r
	e.log.Debug("rule added", "rule_id", r.ID, "action", r.Action, "priority", r.Priority)
	return nil
}

// AddRules adds rules in order and stops at the first failure.
func (e *Engine) AddRules(rs []Rule) error {
	for _, r := range rs {
		if err := e.AddRule(r); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) RemoveRule(id string) error {
	id = NormalizeID(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return &UnknownRuleError{ID: id}
	}
	delete(e.rules, id)
	return nil
}

// Rules returns the rule set ordered by priority desc, id asc.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	sortRules(out)
	return out
}

func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	e.enabled = enabled
	e.mu.Unlock()
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{Enabled: e.enabled, RulesCount: len(e.rules)}
}

// EvaluateRules returns every rule whose condition holds in ctx, ordered by
// priority descending with ties broken by id ascending. A disabled engine
// matches nothing.
func (e *Engine) EvaluateRules(ctx Context) []Match {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.enabled {
		return nil
	}
	candidates := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		candidates = append(candidates, r)
	}
	sortRules(candidates)

	var matches []Match
	for _, r := range candidates {
		ok, err := r.Condition.Evaluate(ctx)
		if err != nil {
			e.log.Debug("rule not evaluable", "rule_id", r.ID, "err", err)
			continue
		}
		if !ok {
			continue
		}
		matches = append(matches, Match{Rule: r, Reason: r.Condition.String()})
	}
	return matches
}

func sortRules(rs []Rule) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority > rs[j].Priority
		}
		return rs[i].ID < rs[j].ID
	})
}
