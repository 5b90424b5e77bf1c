package logging

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/thoughtd/internal/config"
)

// Config holds logging configuration.
type Config struct {
	Level    zapcore.Level
	Format   string // "json" or "console"
	Output   OutputConfig
	Sampling SamplingConfig
	// Caller adds the calling file and line to every entry.
	Caller bool
	// Instance, when set, is attached to every entry so lines from several
	// thoughtd processes sharing a store can be told apart.
	Instance  string
	Redaction RedactionConfig
}

// OutputConfig controls where logs are written.
type OutputConfig struct {
	Stdout bool
	// Stderr sends the console output to stderr instead, for stdio transports.
	Stderr bool
	OTEL   bool
}

// SamplingConfig thins repeated Debug and Info entries. Warn and above
// always pass.
type SamplingConfig struct {
	Enabled bool
	Tick    time.Duration
	// Initial entries with the same message per tick pass, then every
	// Thereafter-th one.
	Initial    int
	Thereafter int
}

// RedactionConfig lists field names and value patterns never written out.
type RedactionConfig struct {
	Enabled  bool
	Fields   []string
	Patterns []string
}

// NewDefaultConfig returns the production defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputConfig{Stdout: true},
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       time.Second,
			Initial:    100,
			Thereafter: 10,
		},
		Caller: true,
		Redaction: RedactionConfig{
			Enabled: true,
			Fields:  []string{"api_key", "token", "authorization", "password", "secret", "credential"},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
				`\bsk-[A-Za-z0-9_-]{8,}`,
			},
		},
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Output.Stdout && !c.Output.OTEL {
		return fmt.Errorf("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled && (c.Sampling.Tick <= 0 || c.Sampling.Initial <= 0) {
		return fmt.Errorf("sampling needs a positive tick and initial count")
	}
	if c.Redaction.Enabled {
		for _, p := range c.Redaction.Patterns {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
			}
		}
	}
	return nil
}

// FromSettings builds a Config from the file/env facing logging settings,
// starting from the production defaults.
func FromSettings(s config.LoggingConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	if s.Level != "" {
		lvl, err := zapcore.ParseLevel(s.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", s.Level, err)
		}
		cfg.Level = lvl
	}
	if s.Format != "" {
		cfg.Format = s.Format
	}
	cfg.Sampling.Enabled = s.Sampling
	return cfg, nil
}
