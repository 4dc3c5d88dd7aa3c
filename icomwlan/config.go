package icomwlan

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML-tagged configuration struct, grounded on
// the teacher's config.go per-section-struct idiom.
type Config struct {
	Control ControlConfig `yaml:"control"`
	Monitor MonitorConfig `yaml:"monitor"`
	Audio   AudioConfig   `yaml:"audio"`
	Logging LoggingConfig `yaml:"logging"`
}

// ControlConfig carries the radio address and the credentials used to
// build the Login packet.
type ControlConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	ClientName string `yaml:"client_name"`
}

// MonitorConfig carries the six fields of configure_monitor() in
// spec.md §6.
type MonitorConfig struct {
	Timeout              time.Duration `yaml:"timeout"`
	CheckInterval         time.Duration `yaml:"check_interval"`
	AutoReconnect         bool          `yaml:"auto_reconnect"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // 0 = infinite
	BaseDelay             time.Duration `yaml:"base_delay"`
	MaxDelay              time.Duration `yaml:"max_delay"`
}

// AudioConfig carries the scheduler's volume and silence-frame counts.
// LeadingSilenceFrames/TrailingSilenceFrames override spec.md §4.5's
// 3/5-frame defaults; both still default to 3 and 5.
type AudioConfig struct {
	Volume                float64 `yaml:"volume"`
	LeadingSilenceFrames  int     `yaml:"leading_silence_frames"`
	TrailingSilenceFrames int     `yaml:"trailing_silence_frames"`
}

// LoggingConfig gates the "protocol errors logged at verbose level"
// rule in spec.md §7.
type LoggingConfig struct {
	Verbose bool `yaml:"verbose"`
}

// DefaultConfig returns a Config with every field at its spec.md
// default.
func DefaultConfig() Config {
	c := Config{}
	c.applyDefaults()
	return c
}

// applyDefaults fills zero fields with spec.md defaults, mirroring the
// teacher's `if config.X.Y == 0 { config.X.Y = default }` idiom.
func (c *Config) applyDefaults() {
	if c.Control.Port == 0 {
		c.Control.Port = 50001
	}
	if c.Control.ClientName == "" {
		c.Control.ClientName = "icomwlan"
	}
	if c.Monitor.Timeout == 0 {
		c.Monitor.Timeout = 5 * time.Second
	}
	if c.Monitor.CheckInterval == 0 {
		c.Monitor.CheckInterval = time.Second
	}
	if c.Monitor.BaseDelay == 0 {
		c.Monitor.BaseDelay = 2 * time.Second
	}
	if c.Monitor.MaxDelay == 0 {
		c.Monitor.MaxDelay = 30 * time.Second
	}
	if c.Audio.Volume == 0 {
		c.Audio.Volume = 1.0
	}
	if c.Audio.LeadingSilenceFrames == 0 {
		c.Audio.LeadingSilenceFrames = audioLeadingSilenceFrames
	}
	if c.Audio.TrailingSilenceFrames == 0 {
		c.Audio.TrailingSilenceFrames = audioTrailingSilenceFrames
	}
}

// Validate checks the fields that have no sensible default.
func (c *Config) Validate() error {
	if c.Control.Host == "" {
		return fmt.Errorf("icomwlan: config: control.host is required")
	}
	if c.Control.Port <= 0 || c.Control.Port > 65535 {
		return fmt.Errorf("icomwlan: config: control.port %d out of range", c.Control.Port)
	}
	return nil
}

// LoadConfig reads and parses a YAML config file, filling defaults and
// validating the result.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("icomwlan: reading config %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("icomwlan: parsing config %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
