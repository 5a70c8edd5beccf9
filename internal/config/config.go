package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"trackline/internal/domain"
	"trackline/internal/topology"
)

// Config models trackline.yml.
type Config struct {
	Scenario struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"scenario" json:"scenario"`
	Clock    ClockConfig        `yaml:"clock" json:"clock"`
	Policy   PolicyConfig       `yaml:"policy" json:"policy"`
	Ranking  RankingConfig      `yaml:"ranking" json:"ranking"`
	Topology topology.Data      `yaml:"topology" json:"topology"`
	Trains   []domain.TrainSpec `yaml:"trains" json:"trains"`
	Webhooks []WebhookConfig    `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type ClockConfig struct {
	// Start is the wall-clock label of simulated minute zero, "HH:MM".
	Start          string  `yaml:"start" json:"start"`
	TickMinutes    float64 `yaml:"tick_minutes" json:"tick_minutes"`
	Interval       string  `yaml:"interval" json:"interval"`
	HorizonMinutes float64 `yaml:"horizon_minutes" json:"horizon_minutes"`
}

type SeverityConfig struct {
	HighBelowMinutes         float64 `yaml:"high_below_minutes" json:"high_below_minutes"`
	MediumUpToMinutes        float64 `yaml:"medium_up_to_minutes" json:"medium_up_to_minutes"`
	EscalateCombinedPriority int     `yaml:"escalate_combined_priority" json:"escalate_combined_priority"`
}

type PolicyConfig struct {
	Severity                 SeverityConfig `yaml:"severity" json:"severity"`
	HeadwayMinutes           float64        `yaml:"headway_minutes" json:"headway_minutes"`
	MinHeadwayMinutes        float64        `yaml:"min_headway_minutes" json:"min_headway_minutes"`
	JunctionClearanceMinutes float64        `yaml:"junction_clearance_minutes" json:"junction_clearance_minutes"`
	MaterializeDelayMinutes  float64        `yaml:"materialize_delay_minutes" json:"materialize_delay_minutes"`
}

type RankingConfig struct {
	ScoreExpr       string  `yaml:"score_expr" json:"score_expr"`
	ConfidenceScale float64 `yaml:"confidence_scale" json:"confidence_scale"`
	MaxPerConflict  int     `yaml:"max_per_conflict" json:"max_per_conflict"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

const DefaultScoreExpr = "0.6 * delay_reduction + 0.3 * safety_margin - 0.1 * disruption"

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tl scenario init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// applyDefaults fills zero values so a minimal scenario file is usable.
func (c *Config) applyDefaults() {
	if c.Clock.Start == "" {
		c.Clock.Start = "06:00"
	}
	if c.Clock.TickMinutes == 0 {
		c.Clock.TickMinutes = 1
	}
	if c.Clock.Interval == "" {
		c.Clock.Interval = "2s"
	}
	if c.Clock.HorizonMinutes == 0 {
		c.Clock.HorizonMinutes = 60
	}
	p := &c.Policy
	if p.Severity.HighBelowMinutes == 0 {
		p.Severity.HighBelowMinutes = 5
	}
	if p.Severity.MediumUpToMinutes == 0 {
		p.Severity.MediumUpToMinutes = 15
	}
	if p.Severity.EscalateCombinedPriority == 0 {
		p.Severity.EscalateCombinedPriority = 6
	}
	if p.HeadwayMinutes == 0 {
		p.HeadwayMinutes = 3
	}
	if p.MinHeadwayMinutes == 0 {
		p.MinHeadwayMinutes = 2
	}
	if p.JunctionClearanceMinutes == 0 {
		p.JunctionClearanceMinutes = 1
	}
	if p.MaterializeDelayMinutes == 0 {
		p.MaterializeDelayMinutes = 15
	}
	if strings.TrimSpace(c.Ranking.ScoreExpr) == "" {
		c.Ranking.ScoreExpr = DefaultScoreExpr
	}
	if c.Ranking.ConfidenceScale == 0 {
		c.Ranking.ConfidenceScale = 10
	}
	if c.Ranking.MaxPerConflict == 0 {
		c.Ranking.MaxPerConflict = 2
	}
}

// Validate ensures the config meets required structure. Topology and train
// consistency is checked when the simulation is built.
func (c *Config) Validate() error {
	if c.Scenario.ID == "" {
		return fmt.Errorf("config.scenario.id is required")
	}
	if _, err := ParseClock(c.Clock.Start); err != nil {
		return fmt.Errorf("config.clock.start: %w", err)
	}
	if c.Clock.TickMinutes <= 0 {
		return fmt.Errorf("config.clock.tick_minutes must be positive")
	}
	if d, err := time.ParseDuration(c.Clock.Interval); err != nil || d <= 0 {
		return fmt.Errorf("config.clock.interval must be a positive duration")
	}
	if c.Clock.HorizonMinutes <= 0 {
		return fmt.Errorf("config.clock.horizon_minutes must be positive")
	}
	sev := c.Policy.Severity
	if sev.HighBelowMinutes < 0 || sev.MediumUpToMinutes < sev.HighBelowMinutes {
		return fmt.Errorf("config.policy.severity: need 0 <= high_below_minutes <= medium_up_to_minutes")
	}
	if c.Policy.MinHeadwayMinutes < 0 || c.Policy.HeadwayMinutes < c.Policy.MinHeadwayMinutes {
		return fmt.Errorf("config.policy: headway_minutes must be >= min_headway_minutes >= 0")
	}
	if c.Policy.JunctionClearanceMinutes < 0 || c.Policy.MaterializeDelayMinutes < 0 {
		return fmt.Errorf("config.policy: clearance and materialize delay must not be negative")
	}
	if c.Ranking.ConfidenceScale <= 0 {
		return fmt.Errorf("config.ranking.confidence_scale must be positive")
	}
	if c.Ranking.MaxPerConflict < 1 {
		return fmt.Errorf("config.ranking.max_per_conflict must be at least 1")
	}
	seen := map[string]bool{}
	for _, tr := range c.Trains {
		if tr.ID == "" {
			return fmt.Errorf("config.trains: train id is required")
		}
		if seen[tr.ID] {
			return fmt.Errorf("config.trains: duplicate train %s", tr.ID)
		}
		seen[tr.ID] = true
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// TickInterval is the wall-clock period between automatic ticks.
func (c *Config) TickInterval() time.Duration {
	d, err := time.ParseDuration(c.Clock.Interval)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "trackline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(scenarioID string) string {
	return fmt.Sprintf(defaultTemplate, scenarioID)
}

// Default returns the default Config struct for a scenario.
func Default(scenarioID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, scenarioID))).Decode(&cfg)
	cfg.Scenario.ID = scenarioID
	cfg.applyDefaults()
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ParseClock converts "HH:MM" into minutes after midnight.
func ParseClock(v string) (float64, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", v)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", v)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", v)
	}
	return float64(h*60 + m), nil
}

// FormatClock renders minutes after midnight as "HH:MM", wrapping at 24h.
func FormatClock(minutes float64) string {
	total := int(minutes) % (24 * 60)
	if total < 0 {
		total += 24 * 60
	}
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

const defaultTemplate = `scenario:
  id: %s
  name: "Mumbai-Delhi corridor"

clock:
  start: "06:00"
  tick_minutes: 1
  interval: 2s
  horizon_minutes: 60

policy:
  severity:
    high_below_minutes: 5
    medium_up_to_minutes: 15
    escalate_combined_priority: 6
  headway_minutes: 3
  min_headway_minutes: 2
  junction_clearance_minutes: 1
  materialize_delay_minutes: 15

ranking:
  score_expr: "0.6 * delay_reduction + 0.3 * safety_margin - 0.1 * disruption"
  confidence_scale: 10
  max_per_conflict: 2

topology:
  junctions:
    - id: JUN000
      name: "Junction A"
      platforms: 4
      capacity: 4
    - id: JUN001
      name: "Junction B"
      platforms: 4
      capacity: 6
    - id: JUN002
      name: "Junction C"
      platforms: 2
      capacity: 2
  sections:
    - id: TRACK001
      name: "Main Line A-B"
      type: single
      length: 100
      capacity: 1
      ends: [JUN000, JUN001]
    - id: TRACK002
      name: "Branch Line B-C"
      type: double
      length: 80
      capacity: 2
      ends: [JUN001, JUN002]
    - id: TRACK003
      name: "Loop Line A-C"
      type: single
      length: 240
      capacity: 1
      ends: [JUN000, JUN002]

trains:
  - id: T001
    name: "Express Mumbai"
    type: express
    priority: high
    speed: 10
    origin: JUN000
    destination: JUN002
    departure_time: "06:00"
    route: [TRACK001, TRACK002]
  - id: T002
    name: "Local Delhi"
    type: passenger
    priority: medium
    speed: 6
    origin: JUN002
    destination: JUN000
    departure_time: "06:00"
    route: [TRACK002, TRACK001]
  - id: T003
    name: "Freight Cargo"
    type: freight
    priority: low
    speed: 4
    origin: JUN000
    destination: JUN002
    departure_time: "06:10"
`
