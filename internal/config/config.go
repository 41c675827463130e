// Package config loads tpgctl settings from YAML, an optional .env file
// and TPG_* environment variables, in increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/slaclab/cpsw-tpg/internal/tpg"
)

// Config is the complete tool configuration.
type Config struct {
	TPG        TPG        `yaml:"tpg"`
	Dispatcher Dispatcher `yaml:"dispatcher"`
	Sim        Sim        `yaml:"sim"`
	Store      Store      `yaml:"store"`
	Serve      Serve      `yaml:"serve"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// TPG sizes the generator.
type TPG struct {
	AllowEngines int  `yaml:"allow_engines"`
	BeamEngines  int  `yaml:"beam_engines"`
	ExptEngines  int  `yaml:"expt_engines"`
	AddrBits     uint `yaml:"addr_bits"`
	BsaArrays    int  `yaml:"bsa_arrays"`
}

// Group converts t to the tpg package configuration.
func (t TPG) Group() tpg.Config {
	return tpg.Config{
		AllowEngines: t.AllowEngines,
		BeamEngines:  t.BeamEngines,
		ExptEngines:  t.ExptEngines,
		AddrBits:     t.AddrBits,
		BsaArrays:    t.BsaArrays,
	}
}

// Dispatcher tunes the notification loop.
type Dispatcher struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxDrain     int           `yaml:"max_drain"`
}

// Sim tunes the hardware model used by load, watch and serve.
type Sim struct {
	EpochPeriod   time.Duration `yaml:"epoch_period"`
	IntervalEvery uint64        `yaml:"interval_every"`
}

// Store locates the SQLite database. An empty path disables logging.
type Store struct {
	Path string `yaml:"path"`
}

// Serve configures the diagnostic HTTP server.
type Serve struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		TPG: TPG{
			AllowEngines: 2,
			BeamEngines:  4,
			ExptEngines:  10,
			AddrBits:     11,
			BsaArrays:    64,
		},
		Dispatcher: Dispatcher{
			PollInterval: 10 * time.Millisecond,
			MaxDrain:     1024,
		},
		Sim: Sim{
			EpochPeriod: time.Millisecond,
		},
		Serve:    Serve{Listen: "127.0.0.1:8080"},
		LogLevel: "info",
	}
}

// Load reads path over the defaults, then applies envFile and the process
// environment. Empty path or envFile are skipped; a missing envFile is
// not an error.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from TPG_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"TPG_ALLOW_ENGINES", &c.TPG.AllowEngines},
		{"TPG_BEAM_ENGINES", &c.TPG.BeamEngines},
		{"TPG_EXPT_ENGINES", &c.TPG.ExptEngines},
		{"TPG_BSA_ARRAYS", &c.TPG.BsaArrays},
		{"TPG_MAX_DRAIN", &c.Dispatcher.MaxDrain},
	}
	for _, v := range ints {
		s, ok := lookup(v.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%s: %w", v.key, err)
		}
		*v.dst = n
	}

	if s, ok := lookup("TPG_ADDR_BITS"); ok {
		n, err := strconv.ParseUint(s, 10, 8)
		if err != nil {
			return fmt.Errorf("TPG_ADDR_BITS: %w", err)
		}
		c.TPG.AddrBits = uint(n)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TPG_POLL_INTERVAL", &c.Dispatcher.PollInterval},
		{"TPG_EPOCH_PERIOD", &c.Sim.EpochPeriod},
	}
	for _, v := range durations {
		s, ok := lookup(v.key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%s: %w", v.key, err)
		}
		*v.dst = d
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"TPG_DB", &c.Store.Path},
		{"TPG_LOG_LEVEL", &c.LogLevel},
		{"TPG_LISTEN", &c.Serve.Listen},
	}
	for _, v := range strs {
		if s, ok := lookup(v.key); ok {
			*v.dst = s
		}
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.TPG.Group().Validate(); err != nil {
		return fmt.Errorf("tpg: %w", err)
	}
	if c.Dispatcher.PollInterval <= 0 {
		return fmt.Errorf("dispatcher: poll_interval must be positive, got %s", c.Dispatcher.PollInterval)
	}
	if c.Dispatcher.MaxDrain <= 0 {
		return fmt.Errorf("dispatcher: max_drain must be positive, got %d", c.Dispatcher.MaxDrain)
	}
	if c.Sim.EpochPeriod <= 0 {
		return fmt.Errorf("sim: epoch_period must be positive, got %s", c.Sim.EpochPeriod)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}
