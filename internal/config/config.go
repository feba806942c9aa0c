// Package config loads the node's settings: defaults, then an optional YAML
// file, then the environment. Command-line flags are applied by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"chatnode/internal/traffic"
)

// Environment overrides.
const (
	EnvReqAddr  = "REQ_ADDR"
	EnvSubAddr  = "SUB_ADDR"
	EnvName     = "BOT_NAME"
	EnvLogLevel = "LOG_LEVEL"
)

// Duration is a time.Duration written as "5s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds every setting of the node.
type Config struct {
	ReqAddr  string `yaml:"req_addr"`
	SubAddr  string `yaml:"sub_addr"`
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`

	DefaultChannel    string   `yaml:"default_channel"`
	Join              int      `yaml:"join"`
	Watch             []string `yaml:"watch"`
	CallTimeout       Duration `yaml:"call_timeout"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `yaml:"heartbeat_timeout"`

	Traffic Traffic `yaml:"traffic"`
}

// Traffic tunes the synthetic traffic generator.
type Traffic struct {
	PrivateRatio float64  `yaml:"private_ratio"`
	MinPause     Duration `yaml:"min_pause"`
	MaxPause     Duration `yaml:"max_pause"`
	Seed         int64    `yaml:"seed"`
	Names        []string `yaml:"names"`
	Phrases      []string `yaml:"phrases"`
}

// Default returns the stock configuration.
func Default() Config {
	set := traffic.DefaultSettings()
	return Config{
		ReqAddr:           "tcp://broker:5555",
		SubAddr:           "tcp://proxy:5558",
		LogLevel:          "info",
		DefaultChannel:    "geral",
		Join:              1,
		CallTimeout:       Duration(5 * time.Second),
		HeartbeatInterval: Duration(5 * time.Second),
		HeartbeatTimeout:  Duration(2 * time.Second),
		Traffic: Traffic{
			PrivateRatio: set.PrivateRatio,
			MinPause:     Duration(set.MinPause),
			MaxPause:     Duration(set.MaxPause),
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped
// when path is empty) and then the environment as read by getenv.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	if getenv == nil {
		getenv = os.Getenv
	}
	override(&cfg.ReqAddr, getenv(EnvReqAddr))
	override(&cfg.SubAddr, getenv(EnvSubAddr))
	override(&cfg.Name, getenv(EnvName))
	override(&cfg.LogLevel, getenv(EnvLogLevel))

	return cfg, cfg.Validate()
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate checks the settings that would otherwise fail at runtime.
func (c Config) Validate() error {
	var errs []error
	if c.ReqAddr == "" {
		errs = append(errs, errors.New("req_addr is empty"))
	}
	if c.SubAddr == "" {
		errs = append(errs, errors.New("sub_addr is empty"))
	}
	if c.Traffic.PrivateRatio < 0 || c.Traffic.PrivateRatio > 1 {
		errs = append(errs, fmt.Errorf("private_ratio %v outside [0,1]", c.Traffic.PrivateRatio))
	}
	if c.Traffic.MinPause < 0 || c.Traffic.MinPause > c.Traffic.MaxPause {
		errs = append(errs, fmt.Errorf("pause range %v..%v is invalid", c.Traffic.MinPause.Std(), c.Traffic.MaxPause.Std()))
	}
	for name, d := range map[string]Duration{
		"call_timeout":       c.CallTimeout,
		"heartbeat_interval": c.HeartbeatInterval,
		"heartbeat_timeout":  c.HeartbeatTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Join < 1 {
		errs = append(errs, fmt.Errorf("join must be at least 1, got %d", c.Join))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// TrafficSettings converts the traffic section for traffic.NewRandom.
func (c Config) TrafficSettings() traffic.Settings {
	return traffic.Settings{
		Names:        c.Traffic.Names,
		Phrases:      c.Traffic.Phrases,
		PrivateRatio: c.Traffic.PrivateRatio,
		MinPause:     c.Traffic.MinPause.Std(),
		MaxPause:     c.Traffic.MaxPause.Std(),
	}
}
