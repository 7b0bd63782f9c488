package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models rotaline.yml.
type Config struct {
	Roster struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"roster"`
	Rotation RotationConfig  `yaml:"rotation"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// RotationConfig is the rotation spec as written in the config file. The
// anchor stays textual here; parsing to an instant happens on validation.
type RotationConfig struct {
	Participants         []string `yaml:"participants"`
	HandoverStartAt      string   `yaml:"handover_start_at"`
	HandoverIntervalDays int      `yaml:"handover_interval_days"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
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

// Validate ensures the config meets required structure. Rotation validation
// happens here, at the construction boundary; the schedule renderer never
// sees an invalid spec.
func (c *Config) Validate() error {
	if c.Roster.ID == "" {
		return fmt.Errorf("config.roster.id is required")
	}
	return c.Rotation.Validate()
}

// Validate checks a rotation spec: at least one participant, a positive
// handover interval, and a parseable UTC anchor.
func (rc RotationConfig) Validate() error {
	if len(rc.Participants) == 0 {
		return fmt.Errorf("rotation.participants must not be empty")
	}
	for i, p := range rc.Participants {
		if p == "" {
			return fmt.Errorf("rotation.participants[%d] is empty", i)
		}
	}
	if rc.HandoverIntervalDays <= 0 {
		return fmt.Errorf("rotation.handover_interval_days must be positive")
	}
	if _, err := time.Parse(time.RFC3339, rc.HandoverStartAt); err != nil {
		return fmt.Errorf("rotation.handover_start_at: %w", err)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "rotaline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(rosterID string) string {
	return fmt.Sprintf(defaultTemplate, rosterID)
}

// Default returns the default Config struct for a roster.
func Default(rosterID string) *Config {
	var cfg Config
	cfg.Roster.ID = rosterID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, rosterID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
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

const defaultTemplate = `roster:
  id: %s
  name: Primary on-call

rotation:
  participants: [alice, bob]
  handover_start_at: 2025-01-01T00:00:00Z
  handover_interval_days: 7
`
