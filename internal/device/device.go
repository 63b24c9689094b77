// Package device defines the perception and actuation collaborators the core
// talks to, a dispatcher that executes task steps against them, and an
// in-process simulator.
package device

import (
	"context"
	"time"

	"vista/internal/domain"
)

type Image struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

type Audio struct {
	Data       []byte
	Format     string
	SampleRate int
}

type Detection struct {
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"`
}

// SensorReading is one raw sensor sample. Sensors named after a metric type
// (for example "battery") feed the monitor.
type SensorReading struct {
	Sensor    string    `json:"sensor"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const SensorBattery = string(domain.MetricBattery)

type SceneInterpreter interface {
	Analyze(ctx context.Context, img Image) (domain.Scene, error)
}

type PerceptionSource interface {
	Detect(ctx context.Context, img Image) ([]Detection, error)
	CollectReadings(ctx context.Context) ([]SensorReading, error)
}

type SpeechChannel interface {
	Recognize(ctx context.Context, audio Audio) (string, error)
	Synthesize(ctx context.Context, text, voiceID string) (Audio, error)
}

// Pattern is one haptic pulse.
type Pattern struct {
	Name      string        `json:"name"`
	Intensity float64       `json:"intensity"`
	Duration  time.Duration `json:"duration"`
}

type HapticActuator interface {
	Play(ctx context.Context, p Pattern) (bool, error)
	PlaySequence(ctx context.Context, seq []Pattern) (bool, error)
}

// Collaborators bundles the device boundary. Nil members disable the actions
// that need them.
type Collaborators struct {
	Scene      SceneInterpreter
	Perception PerceptionSource
	Speech     SpeechChannel
	Haptics    HapticActuator
}
