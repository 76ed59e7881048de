package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const FileName = "config.toml"

// Duration is a time.Duration that reads and writes as a string like "1.5s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	DataDir          string   `toml:"data_dir"`
	Relays           []string `toml:"relays"`
	TickInterval     Duration `toml:"tick_interval"`
	QueryLimit       int      `toml:"query_limit"`
	PollLimit        int      `toml:"poll_limit"`
	BackoffInitial   Duration `toml:"backoff_initial"`
	BackoffMax       Duration `toml:"backoff_max"`
	VerifySignatures bool     `toml:"verify_signatures"`
	LogLevel         string   `toml:"log_level"`
	LogFormat        string   `toml:"log_format"`
	Telemetry        bool     `toml:"telemetry"`
}

// DefaultDataDir returns ~/.notestream.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".notestream"), nil
}

func Default() *Config {
	dataDir, err := DefaultDataDir()
	if err != nil {
		dataDir = ".notestream"
	}
	return &Config{
		DataDir:          dataDir,
		Relays:           []string{"wss://relay.damus.io", "wss://nos.lol"},
		TickInterval:     Duration(250 * time.Millisecond),
		QueryLimit:       500,
		PollLimit:        1000,
		BackoffInitial:   Duration(time.Second),
		BackoffMax:       Duration(time.Minute),
		VerifySignatures: true,
		LogLevel:         "info",
		LogFormat:        "console",
		Telemetry:        true,
	}
}

// Load reads the TOML file at path over the defaults. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.TickInterval <= 0 {
		return errors.New("tick_interval must be positive")
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return errors.New("backoff_initial must be positive and not exceed backoff_max")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}
