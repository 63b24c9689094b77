package device

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"vista/internal/domain"
)

// UnsupportedActionError is returned for a step whose action has no handler,
// or whose handler needs a collaborator that is not configured.
type UnsupportedActionError struct {
	Action string
	Reason string
}

func (e *UnsupportedActionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unsupported action %q", e.Action)
	}
	return fmt.Sprintf("unsupported action %q: %s", e.Action, e.Reason)
}

type Handler func(ctx context.Context, step domain.TaskStep) error

// Dispatcher runs task steps against the collaborators. Handlers are looked up
// by exact action name first, then by the verb before the first underscore
// (so "notify_low_battery" runs the "notify" handler).
type Dispatcher struct {
	dev Collaborators
	log *slog.Logger

	mu    sync.RWMutex
	exact map[string]Handler
	verbs map[string]Handler
}

func NewDispatcher(dev Collaborators, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		dev:   dev,
		log:   logger.With("component", "dispatcher"),
		exact: map[string]Handler{},
	}
	d.verbs = map[string]Handler{
		"notify":   d.speak,
		"speak":    d.speak,
		"announce": d.speak,
		"describe": d.describe,
		"analyze":  d.describe,
		"guide":    d.guide,
		"move":     d.guide,
		"warn":     d.warn,
		"alert":    d.warn,
		"vibrate":  d.warn,
		"detect":   d.detect,
		"wait":     d.wait,
		"stop":     d.stop,
	}
	return d
}

// Register installs a handler for an exact action name.
func (d *Dispatcher) Register(action string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exact[action] = h
}

// Supports reports whether a handler exists for action.
func (d *Dispatcher) Supports(action string) bool {
	return d.lookup(action) != nil
}

func (d *Dispatcher) lookup(action string) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if h, ok := d.exact[action]; ok {
		return h
	}
	verb, _, _ := strings.Cut(action, "_")
	return d.verbs[verb]
}

// Run executes one step. It satisfies the controller's step runner contract.
func (d *Dispatcher) Run(ctx context.Context, step domain.TaskStep) error {
	h := d.lookup(step.Action)
	if h == nil {
		return &UnsupportedActionError{Action: step.Action}
	}
	d.log.Debug("run step", "step_id", step.ID, "action", step.Action)
	return h(ctx, step)
}

func (d *Dispatcher) speak(ctx context.Context, step domain.TaskStep) error {
	if d.dev.Speech == nil {
		return &UnsupportedActionError{Action: step.Action, Reason: "no speech channel"}
	}
	text := stringParam(step.Parameters, "message", humanize(step.Action))
	voice := stringParam(step.Parameters, "voice_id", "default")
	audio, err := d.dev.Speech.Synthesize(ctx, text, voice)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	if len(audio.Data) == 0 {
		return fmt.Errorf("synthesize: empty audio")
	}
	return nil
}

func (d *Dispatcher) describe(ctx context.Context, step domain.TaskStep) error {
	if d.dev.Scene == nil {
		return &UnsupportedActionError{Action: step.Action, Reason: "no scene interpreter"}
	}
	scene, err := d.dev.Scene.Analyze(ctx, Image{Format: stringParam(step.Parameters, "format", "jpeg")})
	if err != nil {
		return fmt.Errorf("analyze scene: %w", err)
	}
	if d.dev.Speech == nil || scene.Description == "" {
		return nil
	}
	if _, err := d.dev.Speech.Synthesize(ctx, scene.Description, stringParam(step.Parameters, "voice_id", "default")); err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	return nil
}

func (d *Dispatcher) detect(ctx context.Context, step domain.TaskStep) error {
	if d.dev.Perception == nil {
		return &UnsupportedActionError{Action: step.Action, Reason: "no perception source"}
	}
	if _, err := d.dev.Perception.Detect(ctx, Image{}); err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	return nil
}

func (d *Dispatcher) warn(ctx context.Context, step domain.TaskStep) error {
	if d.dev.Haptics == nil {
		return &UnsupportedActionError{Action: step.Action, Reason: "no haptic actuator"}
	}
	ok, err := d.dev.Haptics.Play(ctx, Pattern{
		Name:      stringParam(step.Parameters, "pattern", "warning"),
		Intensity: floatParam(step.Parameters, "intensity", 1),
		Duration:  domain.Seconds(floatParam(step.Parameters, "duration", 0.5)),
	})
	if err != nil {
		return fmt.Errorf("haptic: %w", err)
	}
	if !ok {
		return fmt.Errorf("haptic: pattern rejected")
	}
	return nil
}

func (d *Dispatcher) guide(ctx context.Context, step domain.TaskStep) error {
	if d.dev.Haptics == nil {
		return &UnsupportedActionError{Action: step.Action, Reason: "no haptic actuator"}
	}
	direction := stringParam(step.Parameters, "direction", "forward")
	seq := []Pattern{
		{Name: "direction_" + direction, Intensity: 0.6, Duration: 200 * time.Millisecond},
		{Name: "direction_" + direction, Intensity: 0.6, Duration: 200 * time.Millisecond},
	}
	ok, err := d.dev.Haptics.PlaySequence(ctx, seq)
	if err != nil {
		return fmt.Errorf("haptic sequence: %w", err)
	}
	if !ok {
		return fmt.Errorf("haptic sequence rejected")
	}
	return nil
}

func (d *Dispatcher) wait(ctx context.Context, step domain.TaskStep) error {
	t := time.NewTimer(domain.Seconds(floatParam(step.Parameters, "seconds", 1)))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *Dispatcher) stop(ctx context.Context, _ domain.TaskStep) error {
	return ctx.Err()
}

func stringParam(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

func floatParam(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func humanize(action string) string {
	return strings.ReplaceAll(action, "_", " ")
}
