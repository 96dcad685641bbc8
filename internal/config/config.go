package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that marshals as a string like "10s" or "2h".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PoolRange is a closed range of workspace numbers.
type PoolRange struct {
	Low  int `yaml:"low"`
	High int `yaml:"high"`
}

// Size returns the number of workspaces in the range.
func (r PoolRange) Size() int { return r.High - r.Low + 1 }

// Config models changeline.yml. Every tuning constant the engine uses lives
// here; nothing timing-related is hard-coded.
type Config struct {
	Pools struct {
		Interactive PoolRange `yaml:"interactive"`
		Background  PoolRange `yaml:"background"`
	} `yaml:"pools"`
	Claims struct {
		LivenessThreshold Duration `yaml:"liveness_threshold"`
	} `yaml:"claims"`
	Lock struct {
		RetryInterval Duration `yaml:"retry_interval"`
		MaxWait       Duration `yaml:"max_wait"`
		StaleAfter    Duration `yaml:"stale_after"`
	} `yaml:"lock"`
	Daemon struct {
		FastInterval    Duration `yaml:"fast_interval"`
		SlowInterval    Duration `yaml:"slow_interval"`
		ZombieThreshold Duration `yaml:"zombie_threshold"`
	} `yaml:"daemon"`
	VCS struct {
		Bin string `yaml:"bin"`
	} `yaml:"vcs"`
	Agent struct {
		Command []string `yaml:"command"`
	} `yaml:"agent"`
}

// FileName is the config file name inside the state directory.
const FileName = "changeline.yml"

// Path returns the config file path for a state directory.
func Path(stateDir string) string {
	if stateDir == "" {
		stateDir = "."
	}
	return filepath.Join(stateDir, FileName)
}

// Load reads config from the state directory, falling back to defaults when
// the file does not exist.
func Load(stateDir string) (*Config, error) {
	data, err := os.ReadFile(Path(stateDir))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Fields left
// unset keep their defaults.
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

// Validate ensures the config is internally consistent.
func (c *Config) Validate() error {
	i, b := c.Pools.Interactive, c.Pools.Background
	if i.Low <= 0 || b.Low <= 0 {
		return fmt.Errorf("workspace numbers start at 1")
	}
	if i.High < i.Low {
		return fmt.Errorf("pools.interactive: high %d below low %d", i.High, i.Low)
	}
	if b.High < b.Low {
		return fmt.Errorf("pools.background: high %d below low %d", b.High, b.Low)
	}
	if i.High >= b.Low && b.High >= i.Low {
		return fmt.Errorf("pools.interactive [%d,%d] overlaps pools.background [%d,%d]", i.Low, i.High, b.Low, b.High)
	}
	if c.Claims.LivenessThreshold <= 0 {
		return fmt.Errorf("claims.liveness_threshold must be positive")
	}
	if c.Lock.RetryInterval <= 0 || c.Lock.MaxWait <= 0 || c.Lock.StaleAfter <= 0 {
		return fmt.Errorf("lock intervals must be positive")
	}
	if c.Daemon.FastInterval <= 0 || c.Daemon.SlowInterval <= 0 || c.Daemon.ZombieThreshold <= 0 {
		return fmt.Errorf("daemon intervals must be positive")
	}
	if c.VCS.Bin == "" {
		return fmt.Errorf("vcs.bin is required")
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Pools.Interactive = PoolRange{Low: 1, High: 8}
	cfg.Pools.Background = PoolRange{Low: 9, High: 32}
	cfg.Claims.LivenessThreshold = Duration(15 * time.Minute)
	cfg.Lock.RetryInterval = Duration(100 * time.Millisecond)
	cfg.Lock.MaxWait = Duration(5 * time.Second)
	cfg.Lock.StaleAfter = Duration(time.Minute)
	cfg.Daemon.FastInterval = Duration(10 * time.Second)
	cfg.Daemon.SlowInterval = Duration(5 * time.Minute)
	cfg.Daemon.ZombieThreshold = Duration(2 * time.Hour)
	cfg.VCS.Bin = "git"
	return &cfg
}

// WriteDefault writes the default config to the state directory if no config
// exists yet.
func WriteDefault(stateDir string) error {
	path := Path(stateDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
