package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models weighline.yml.
type Config struct {
	Station struct {
		Name         string `yaml:"name"`
		TicketPrefix string `yaml:"ticket_prefix"`
		OperatorName string `yaml:"operator_name"`
	} `yaml:"station"`
	Serial struct {
		Port     string `yaml:"port"`
		BaudRate int    `yaml:"baudrate"`
		DataBits int    `yaml:"bytesize"`
		Parity   string `yaml:"parity"`
		StopBits int    `yaml:"stopbits"`
		Simulate bool   `yaml:"simulate"`
	} `yaml:"serial"`
	Remote struct {
		BaseURL  string        `yaml:"base_url"`
		APIKey   string        `yaml:"api_key"`
		Database string        `yaml:"database"`
		Username string        `yaml:"username"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"remote"`
	Sync struct {
		Interval    time.Duration `yaml:"interval"`
		MaxAttempts int           `yaml:"max_attempts"`
	} `yaml:"sync"`
}

// Load reads and validates config from the workspace, falling back to
// defaults when the file does not exist.
func Load(workspace string) (*Config, error) {
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Station.TicketPrefix == "" {
		return fmt.Errorf("config.station.ticket_prefix is required")
	}
	switch c.Serial.Parity {
	case "N", "E", "O":
	default:
		return fmt.Errorf("config.serial.parity must be one of N, E, O")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("config.sync.interval must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("config.sync.max_attempts must be positive")
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("config.remote.timeout must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "weighline.yml")
}

// Default returns the default station config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
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

// GenerateDefault returns the default config YAML for `wb config init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `station:
  name: weighbridge-1
  ticket_prefix: WB
  operator_name: ""

serial:
  port: ""
  baudrate: 9600
  bytesize: 8
  parity: N
  stopbits: 1
  simulate: true

remote:
  base_url: ""
  api_key: ""
  database: ""
  username: ""
  timeout: 15s

sync:
  interval: 20s
  max_attempts: 10
`
