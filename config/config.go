// Package config handles loading and validating the flowbus.yaml
// configuration used by flowbusd. The library itself runs with zero config;
// flowbus.yaml tunes the engine and declares the daemon's surfaces.
package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rat-data/flowbus"
)

// Config represents the top-level flowbus.yaml configuration.
type Config struct {
	Engine    Engine     `yaml:"engine"`
	Inspect   Inspect    `yaml:"inspect"`
	Schedules []Schedule `yaml:"schedules"`
}

// Engine tunes the runtime. Zero values fall back to the library defaults.
type Engine struct {
	// MaxWorkers caps concurrently executing transforms per engine.
	MaxWorkers int `yaml:"max_workers"`

	// StepLimit is the per-run budget of deliveries and publications.
	StepLimit int `yaml:"step_limit"`

	// BacklogHint sizes each listener's initial delivery backlog.
	BacklogHint int `yaml:"backlog_hint"`
}

// Options converts the engine section to flowbus options.
func (e Engine) Options() flowbus.Options {
	return flowbus.Options{
		MaxWorkers:  e.MaxWorkers,
		StepLimit:   e.StepLimit,
		BacklogHint: e.BacklogHint,
	}
}

// Inspect configures the HTTP inspection surface.
type Inspect struct {
	// Addr is the listen address, e.g. ":8423". Load replaces an empty value
	// with ":8423".
	Addr string `yaml:"addr"`

	// MaxStreams caps concurrent SSE connections across all clients.
	// Zero uses the inspect package default.
	MaxStreams int `yaml:"max_streams"`

	// MaxStreamsPerIP caps concurrent SSE connections per client IP.
	// Zero uses the inspect package default.
	MaxStreamsPerIP int `yaml:"max_streams_per_ip"`
}

// Schedule declares one cron-fired invocation of a named engine.
type Schedule struct {
	Name   string `yaml:"name"`
	Engine string `yaml:"engine"`
	Cron   string `yaml:"cron"`
	Input  any    `yaml:"input"`
}

// DefaultConfig returns the zero-config defaults: library-default engine
// tuning, inspect on :8423, no schedules.
func DefaultConfig() *Config {
	return &Config{
		Inspect: Inspect{Addr: ":8423"},
	}
}

// Load parses a flowbus.yaml file and validates it.
// If path is empty, returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Inspect.Addr == "" {
		cfg.Inspect.Addr = ":8423"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ResolvePath finds the config file path.
// Priority: FLOWBUS_CONFIG env var > ./flowbus.yaml > "" (no config).
func ResolvePath() string {
	if p := os.Getenv("FLOWBUS_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("flowbus.yaml"); err == nil {
		return "flowbus.yaml"
	}
	return ""
}

// validate checks that every section has the required fields.
func (c *Config) validate() error {
	if c.Engine.MaxWorkers < 0 || c.Engine.StepLimit < 0 || c.Engine.BacklogHint < 0 {
		return fmt.Errorf("engine: max_workers, step_limit and backlog_hint must not be negative")
	}
	if c.Inspect.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Inspect.Addr); err != nil {
			return fmt.Errorf("inspect: addr %q must be host:port (%v)", c.Inspect.Addr, err)
		}
	}
	for i, s := range c.Schedules {
		if s.Name == "" {
			return fmt.Errorf("schedule %d: name is required", i)
		}
		if s.Engine == "" {
			return fmt.Errorf("schedule %q: engine is required", s.Name)
		}
		if s.Cron == "" {
			return fmt.Errorf("schedule %q: cron is required", s.Name)
		}
	}
	return nil
}
