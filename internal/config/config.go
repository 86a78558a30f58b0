// Package config loads bb84sim run configurations from YAML and provides the
// built-in experiment presets they build on.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/qkdlab/bb84sim/bb84/photon"
	"gopkg.in/yaml.v3"
)

// DefaultPhotons is the photon count of every preset.
const DefaultPhotons = 16

// Config represents a complete run configuration.
type Config struct {
	// Experiment names the preset the rest of the document is applied on top
	// of. Empty means "ideal".
	Experiment string        `yaml:"experiment"`
	Photons    int           `yaml:"photons"`
	Seed       int64         `yaml:"seed"`
	Channel    photon.Config `yaml:"channel"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Serve   ServeConfig   `yaml:"serve"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig contains metrics export settings.
type MetricsConfig struct {
	// Textfile, if set, receives the run's metrics in the Prometheus text
	// exposition format once the run completes.
	Textfile string `yaml:"textfile"`
}

// ServeConfig contains settings of the WebSocket stream server.
type ServeConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

var presets = map[string]Config{
	"ideal": {
		Channel: photon.Config{ForceMatchBases: true},
	},
	"intercept-resend": {
		Channel: photon.Config{EveEnabled: true, EveInterceptPercent: 100, EveBasisMode: photon.EveRandomBasis},
	},
	"partial-eavesdropping": {
		Channel: photon.Config{EveEnabled: true, EveInterceptPercent: 20, EveBasisMode: photon.EveRandomBasis},
	},
	"photon-count": {
		Photons: 64,
		Channel: photon.Config{EveEnabled: true, EveInterceptPercent: 20, EveBasisMode: photon.EveRandomBasis},
	},
	"channel-noise": {
		Channel: photon.Config{ChannelNoisePercent: 5, Model: photon.ModelDirect},
	},
	"photon-loss": {
		Channel: photon.Config{PhotonLossPercent: 20, Model: photon.ModelDirect},
	},
	"distance": {
		Channel: photon.Config{ChannelDistanceKm: 100, Model: photon.ModelDistance},
	},
}

// Presets returns the names of the built-in experiments, sorted.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Preset returns the named experiment with every default filled in.
func Preset(name string) (Config, error) {
	if name == "" {
		name = "ideal"
	}
	p, ok := presets[name]
	if !ok {
		return Config{}, fmt.Errorf("unknown experiment %q", name)
	}
	p.Experiment = name
	if p.Photons == 0 {
		p.Photons = DefaultPhotons
	}
	p.Log = LogConfig{Level: "info", Format: "text", Output: "stderr"}
	p.Serve = ServeConfig{Addr: ":8084"}
	return p, nil
}

// Load reads the YAML document at path and applies it on top of the preset it
// names. The result is validated.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load config from file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (Config, error) {
	var head struct {
		Experiment string `yaml:"experiment"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return Config{}, err
	}
	cfg, err := Preset(head.Experiment)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	overrideWithEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// overrideWithEnv overrides logging and metrics settings with environment
// variables.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("BB84_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BB84_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("BB84_METRICS_TEXTFILE"); v != "" {
		cfg.Metrics.Textfile = v
	}
}

// Validate returns an error describing the first nonsensical field of c.
func (c Config) Validate() error {
	if c.Photons <= 0 {
		return fmt.Errorf("photons must be positive, got %d", c.Photons)
	}
	if err := c.Channel.Validate(); err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	if c.Serve.Addr == "" {
		return errors.New("serve address must not be empty")
	}
	return nil
}
