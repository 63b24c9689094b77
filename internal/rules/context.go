package rules

import (
	"fmt"
	"sort"
	"time"

	"vista/internal/domain"
)

// Context is everything a rule condition may reference.
type Context struct {
	DecisionType domain.DecisionType
	Scene        domain.Scene
	Metrics      map[domain.MetricType]float64
	Now          time.Time
}

// Clone copies the context so the metric map is not shared.
func (c Context) Clone() Context {
	out := c
	if c.Metrics != nil {
		out.Metrics = make(map[domain.MetricType]float64, len(c.Metrics))
		for k, v := range c.Metrics {
			out.Metrics[k] = v
		}
	}
	return out
}

// SetMetric records a reading.
func (c *Context) SetMetric(t domain.MetricType, v float64) {
	if c.Metrics == nil {
		c.Metrics = map[domain.MetricType]float64{}
	}
	c.Metrics[t] = v
}

type fieldFunc func(c Context) (any, bool)

var fields = map[string]fieldFunc{
	"decision_type": func(c Context) (any, bool) {
		return string(c.DecisionType), c.DecisionType != ""
	},
	"scene.type": func(c Context) (any, bool) {
		return string(c.Scene.Type), c.Scene.Type != ""
	},
	"scene.confidence": func(c Context) (any, bool) {
		return c.Scene.Confidence, true
	},
	"scene.element_count": func(c Context) (any, bool) {
		return float64(len(c.Scene.Elements)), true
	},
	"scene.elements": func(c Context) (any, bool) {
		out := make([]string, 0, len(c.Scene.Elements))
		for _, el := range c.Scene.Elements {
			out = append(out, el.Type)
		}
		return out, true
	},
	"scene.relations": func(c Context) (any, bool) {
		out := make([]string, 0, len(c.Scene.Relations))
		for _, rel := range c.Scene.Relations {
			out = append(out, rel.Type)
		}
		return out, true
	},
	"hour": func(c Context) (any, bool) {
		if c.Now.IsZero() {
			return nil, false
		}
		return float64(c.Now.Hour()), true
	},
}

func init() {
	for _, mt := range domain.MetricTypes() {
		mt := mt
		fields[string(mt)] = func(c Context) (any, bool) {
			v, ok := c.Metrics[mt]
			return v, ok
		}
	}
}

func knownField(name string) bool {
	_, ok := fields[name]
	return ok
}

// Fields lists the names conditions may reference.
func Fields() []string {
	out := make([]string, 0, len(fields))
	for name := range fields {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup resolves a field name against the context.
func (c Context) Lookup(name string) (any, error) {
	fn, ok := fields[name]
	if !ok {
		return nil, fmt.Errorf("unknown field %q", name)
	}
	v, ok := fn(c)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrFieldUnset)
	}
	return v, nil
}
