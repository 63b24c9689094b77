package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vista/internal/domain"
)

// Simulator is an in-process device. Every actuation drains the battery a
// little; it stands in for hardware in `vista serve --simulate` and in tests.
type Simulator struct {
	// Delay is applied to each actuation and honours ctx cancellation.
	Delay time.Duration
	// Drain is the battery percentage consumed per actuation.
	Drain float64
	Now   func() time.Time
	Scene domain.Scene

	mu      sync.Mutex
	battery float64
	calls   []string
	fail    map[string]error
}

func NewSimulator() *Simulator {
	return &Simulator{
		Drain:   0.5,
		battery: 100,
		Now:     time.Now,
		Scene: domain.Scene{
			Type:        domain.SceneIndoor,
			Description: "an empty room",
			Confidence:  0.5,
		},
		fail: map[string]error{},
	}
}

// Collaborators exposes the simulator through every device interface.
func (s *Simulator) Collaborators() Collaborators {
	return Collaborators{Scene: s, Perception: s, Speech: s, Haptics: s}
}

func (s *Simulator) SetBattery(level float64) {
	s.mu.Lock()
	s.battery = level
	s.mu.Unlock()
}

func (s *Simulator) Battery() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.battery
}

// FailOn makes the named operation return err until cleared with a nil err.
func (s *Simulator) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

// Calls lists operations performed so far.
func (s *Simulator) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Simulator) act(ctx context.Context, op string) error {
	s.mu.Lock()
	s.calls = append(s.calls, op)
	err := s.fail[op]
	s.battery -= s.Drain
	if s.battery < 0 {
		s.battery = 0
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if s.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Simulator) Analyze(ctx context.Context, _ Image) (domain.Scene, error) {
	if err := s.act(ctx, "analyze"); err != nil {
		return domain.Scene{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Scene, nil
}

func (s *Simulator) Detect(ctx context.Context, _ Image) ([]Detection, error) {
	if err := s.act(ctx, "detect"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Detection, 0, len(s.Scene.Elements))
	for _, el := range s.Scene.Elements {
		out = append(out, Detection{Label: el.Type, Confidence: el.Confidence})
	}
	return out, nil
}

func (s *Simulator) CollectReadings(_ context.Context) ([]SensorReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["readings"]; err != nil {
		return nil, err
	}
	return []SensorReading{{Sensor: SensorBattery, Value: s.battery, Unit: "%", Timestamp: s.Now().UTC()}}, nil
}

func (s *Simulator) Recognize(ctx context.Context, audio Audio) (string, error) {
	if len(audio.Data) == 0 {
		return "", errors.New("empty audio")
	}
	if err := s.act(ctx, "recognize"); err != nil {
		return "", err
	}
	return string(audio.Data), nil
}

func (s *Simulator) Synthesize(ctx context.Context, text, voiceID string) (Audio, error) {
	if text == "" {
		return Audio{}, errors.New("empty text")
	}
	if err := s.act(ctx, "synthesize"); err != nil {
		return Audio{}, err
	}
	return Audio{Data: []byte(fmt.Sprintf("[%s] %s", voiceID, text)), Format: "pcm", SampleRate: 16000}, nil
}

func (s *Simulator) Play(ctx context.Context, p Pattern) (bool, error) {
	if p.Intensity < 0 || p.Intensity > 1 {
		return false, nil
	}
	if err := s.act(ctx, "haptic"); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Simulator) PlaySequence(ctx context.Context, seq []Pattern) (bool, error) {
	for _, p := range seq {
		ok, err := s.Play(ctx, p)
		if err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}
