package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"vista/internal/domain"
	"vista/internal/monitor"
	"vista/internal/rules"
)

// FileName is the config file looked up in a workspace.
const FileName = "vista.yml"

// Config models vista.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Controller ControllerConfig `yaml:"controller"`
	Decision   DecisionConfig   `yaml:"decision"`
	Storage    struct {
		Enabled   bool   `yaml:"enabled"`
		Workspace string `yaml:"workspace"`
	} `yaml:"storage"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Rules    []rules.Rule    `yaml:"rules"`
}

// WebhookConfig forwards audit events to an external endpoint. Delivery reads
// the event log, so it needs storage enabled.
type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Events  []string      `yaml:"events"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
	Enabled *bool         `yaml:"enabled"`
}

// Active reports whether the hook should be delivered to.
func (w WebhookConfig) Active() bool {
	return (w.Enabled == nil || *w.Enabled) && strings.TrimSpace(w.URL) != ""
}

type MonitorConfig struct {
	Interval       time.Duration                          `yaml:"interval"`
	AlertCapacity  int                                    `yaml:"alert_capacity"`
	HistorySize    int                                    `yaml:"history_size"`
	RequestWindow  int                                    `yaml:"request_window"`
	MemoryBudgetMB int                                    `yaml:"memory_budget_mb"`
	AutoStart      bool                                   `yaml:"auto_start"`
	Thresholds     map[domain.MetricType]monitor.Threshold `yaml:"thresholds"`
	FaultSources   []string                               `yaml:"fault_sources"`
}

type ControllerConfig struct {
	StepTimeoutFactor float64       `yaml:"step_timeout_factor"`
	MinStepTimeout    time.Duration `yaml:"min_step_timeout"`
	ArchiveSize       int           `yaml:"archive_size"`
}

type DecisionConfig struct {
	MaxPlans        int                `yaml:"max_plans"`
	RecentSize      int                `yaml:"recent_size"`
	DefaultDuration float64            `yaml:"default_duration"`
	Durations       map[string]float64 `yaml:"durations"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with vista config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config.logging.level %q is not a log level", c.Logging.Level)
	}

	m := c.Monitor
	if m.Interval <= 0 {
		return fmt.Errorf("config.monitor.interval must be positive")
	}
	if m.AlertCapacity < 0 || m.HistorySize < 0 || m.RequestWindow < 0 || m.MemoryBudgetMB < 0 {
		return fmt.Errorf("config.monitor sizes must be >= 0")
	}
	for metric, th := range m.Thresholds {
		if !known(metric) {
			return fmt.Errorf("config.monitor.thresholds has unknown metric %s", metric)
		}
		if err := th.Validate(); err != nil {
			return fmt.Errorf("config.monitor.thresholds.%s: %w", metric, err)
		}
	}
	for _, src := range m.FaultSources {
		if src == "" {
			return fmt.Errorf("config.monitor.fault_sources has an empty source")
		}
	}

	if c.Controller.StepTimeoutFactor < 0 {
		return fmt.Errorf("config.controller.step_timeout_factor must be >= 0")
	}
	if c.Controller.MinStepTimeout < 0 || c.Controller.ArchiveSize < 0 {
		return fmt.Errorf("config.controller values must be >= 0")
	}

	if c.Decision.MaxPlans < 0 || c.Decision.RecentSize < 0 || c.Decision.DefaultDuration < 0 {
		return fmt.Errorf("config.decision values must be >= 0")
	}
	for action, d := range c.Decision.Durations {
		if action == "" || d <= 0 {
			return fmt.Errorf("config.decision.durations entry %q must name an action with a positive duration", action)
		}
	}

	for i, w := range c.Webhooks {
		if w.Enabled != nil && !*w.Enabled {
			continue
		}
		if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) url", i)
		}
		if w.Timeout < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout must be >= 0", i)
		}
		if !c.Storage.Enabled {
			return fmt.Errorf("config.webhooks[%d] requires storage.enabled", i)
		}
	}

	seen := map[string]bool{}
	for i, r := range c.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("config.rules[%d]: %w", i, err)
		}
		id := rules.NormalizeID(r.ID)
		if seen[id] {
			return fmt.Errorf("config.rules[%d]: duplicate rule id %s", i, r.ID)
		}
		seen[id] = true
	}
	return nil
}

func known(metric domain.MetricType) bool {
	for _, mt := range domain.MetricTypes() {
		if mt == metric {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Sections missing
// from data keep their defaults; a rules list replaces the default rules.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /api

logging:
  level: info

monitor:
  interval: 5s
  alert_capacity: 256
  history_size: 60
  request_window: 200
  memory_budget_mb: 512
  auto_start: true
  thresholds:
    cpu_usage: {warning: 70, critical: 90}
    memory_usage: {warning: 80, critical: 95}
    error_rate: {warning: 0.1, critical: 0.3}
  fault_sources: ["metrics:error_rate", "task"]

controller:
  step_timeout_factor: 3
  min_step_timeout: 2s
  archive_size: 100

decision:
  max_plans: 3
  recent_size: 64
  default_duration: 1
  durations:
    move: 5
    guide: 5
    notify: 1.5
    warn: 1
    describe: 2
    interact: 3
    wait: 2
    stop: 0.5

storage:
  enabled: false
  workspace: .

# webhooks:
#   - url: https://caregiver.example/hooks/vista
#     events: [alert.processed, task.finished]
#     timeout: 5s

rules:
  - id: obstacle_warning
    description: Obstacle in the path
    condition: {field: scene.elements, op: contains, value: obstacle}
    action: warn_obstacle
    priority: 0.95
    estimated_duration: 1
  - id: low_battery
    description: Battery running low
    condition: {field: battery, op: "<", value: 20}
    action: notify_low_battery
    priority: 0.9
  - id: traffic_crossing
    description: Help crossing at traffic scenes
    condition:
      all:
        - {field: scene.type, op: eq, value: traffic}
        - {field: decision_type, op: in, value: [navigation, safety]}
    action: guide_crossing
    priority: 0.7
  - id: greet_person
    description: Person nearby in a social scene
    condition:
      all:
        - {field: scene.type, op: eq, value: social}
        - {field: scene.elements, op: contains, value: person}
    action: interact_greet
    priority: 0.5
    confidence: 0.6
  - id: describe_scene
    description: Describe the surroundings on request
    condition: {field: decision_type, op: eq, value: assistance}
    action: describe_scene
    priority: 0.3
`
