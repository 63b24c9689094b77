package rules

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Condition is a structured predicate over a Context. Exactly one of the leaf
// (Field/Op/Value) or the composites All, Any and Not is set.
type Condition struct {
	Field string      `json:"field,omitempty" yaml:"field,omitempty"`
	Op    string      `json:"op,omitempty" yaml:"op,omitempty"`
	Value any         `json:"value,omitempty" yaml:"value,omitempty"`
	All   []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any   []Condition `json:"any,omitempty" yaml:"any,omitempty"`
	Not   *Condition  `json:"not,omitempty" yaml:"not,omitempty"`
}

// Leaf builds a field comparison.
func Leaf(field, op string, value any) Condition {
	return Condition{Field: field, Op: op, Value: value}
}

// ErrFieldUnset means the field exists but has no value in the context.
var ErrFieldUnset = errors.New("field not set")

var opAliases = map[string]string{
	"<":  "lt",
	"<=": "lte",
	">":  "gt",
	">=": "gte",
	"==": "eq",
	"=":  "eq",
	"!=": "ne",
}

var opSymbols = map[string]string{
	"lt":       "<",
	"lte":      "<=",
	"gt":       ">",
	"gte":      ">=",
	"eq":       "==",
	"ne":       "!=",
	"contains": "contains",
	"in":       "in",
}

func canonicalOp(op string) string {
	op = strings.ToLower(strings.TrimSpace(op))
	if alias, ok := opAliases[op]; ok {
		return alias
	}
	return op
}

func (c Condition) kinds() int {
	n := 0
	if c.Field != "" || c.Op != "" {
		n++
	}
	if len(c.All) > 0 {
		n++
	}
	if len(c.Any) > 0 {
		n++
	}
	if c.Not != nil {
		n++
	}
	return n
}

// Validate checks the structure without evaluating it.
func (c Condition) Validate() error {
	switch c.kinds() {
	case 0:
		return errors.New("empty condition")
	case 1:
	default:
		return errors.New("condition mixes field comparison and composites")
	}
	switch {
	case len(c.All) > 0:
		for i, sub := range c.All {
			if err := sub.Validate(); err != nil {
				return fmt.Errorf("all[%d]: %w", i, err)
			}
		}
	case len(c.Any) > 0:
		for i, sub := range c.Any {
			if err := sub.Validate(); err != nil {
				return fmt.Errorf("any[%d]: %w", i, err)
			}
		}
	case c.Not != nil:
		if err := c.Not.Validate(); err != nil {
			return fmt.Errorf("not: %w", err)
		}
	default:
		if !knownField(c.Field) {
			return fmt.Errorf("unknown field %q", c.Field)
		}
		if _, ok := opSymbols[canonicalOp(c.Op)]; !ok {
			return fmt.Errorf("unknown operator %q", c.Op)
		}
		if c.Value == nil {
			return fmt.Errorf("field %s: value required", c.Field)
		}
	}
	return nil
}

// Evaluate reports whether the condition holds. Errors mean the condition could
// not be evaluated against ctx.
func (c Condition) Evaluate(ctx Context) (bool, error) {
	if c.kinds() != 1 {
		return false, errors.New("malformed condition")
	}
	switch {
	case len(c.All) > 0:
		for _, sub := range c.All {
			ok, err := sub.Evaluate(ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(c.Any) > 0:
		var firstErr error
		for _, sub := range c.Any {
			ok, err := sub.Evaluate(ctx)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if ok {
				return true, nil
			}
		}
		return false, firstErr
	case c.Not != nil:
		ok, err := c.Not.Evaluate(ctx)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
	actual, err := ctx.Lookup(c.Field)
	if err != nil {
		return false, err
	}
	return compare(actual, canonicalOp(c.Op), c.Value)
}

// String renders the condition for reasoning trails.
func (c Condition) String() string {
	switch {
	case len(c.All) > 0:
		return joinConditions(c.All, " and ")
	case len(c.Any) > 0:
		return joinConditions(c.Any, " or ")
	case c.Not != nil:
		return "not (" + c.Not.String() + ")"
	}
	op := canonicalOp(c.Op)
	if sym, ok := opSymbols[op]; ok {
		op = sym
	}
	return fmt.Sprintf("%s %s %s", c.Field, op, formatValue(c.Value))
}

func joinConditions(conds []Condition, sep string) string {
	parts := make([]string, len(conds))
	for i, sub := range conds {
		s := sub.String()
		if len(sub.All) > 0 || len(sub.Any) > 0 {
			s = "(" + s + ")"
		}
		parts[i] = s
	}
	return strings.Join(parts, sep)
}

func formatValue(v any) string {
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	if list, ok := v.([]any); ok {
		parts := make([]string, len(list))
		for i, item := range list {
			parts[i] = formatValue(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return fmt.Sprint(v)
}

func compare(actual any, op string, expected any) (bool, error) {
	switch op {
	case "lt", "lte", "gt", "gte":
		a, ok := toFloat(actual)
		if !ok {
			return false, fmt.Errorf("operator %s needs a numeric field, got %T", op, actual)
		}
		b, ok := toFloat(expected)
		if !ok {
			return false, fmt.Errorf("operator %s needs a numeric value, got %T", op, expected)
		}
		switch op {
		case "lt":
			return a < b, nil
		case "lte":
			return a <= b, nil
		case "gt":
			return a > b, nil
		default:
			return a >= b, nil
		}
	case "eq", "ne":
		eq := equalValues(actual, expected)
		if op == "eq" {
			return eq, nil
		}
		return !eq, nil
	case "contains":
		list, ok := actual.([]string)
		if !ok {
			return false, fmt.Errorf("operator contains needs a list field, got %T", actual)
		}
		want := fmt.Sprint(expected)
		for _, item := range list {
			if strings.EqualFold(item, want) {
				return true, nil
			}
		}
		return false, nil
	case "in":
		list, ok := expected.([]any)
		if !ok {
			return false, fmt.Errorf("operator in needs a list value, got %T", expected)
		}
		for _, item := range list {
			if equalValues(actual, item) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func equalValues(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return math.Abs(af-bf) < 1e-9
	}
	if aok != bok {
		return false
	}
	return strings.EqualFold(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
