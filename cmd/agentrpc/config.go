package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creachadair/agentrpc/dispatch"
	"github.com/creachadair/agentrpc/wire"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config is the settings file format for the serve command.
type Config struct {
	Name     string        `yaml:"name"`            // the agent address
	Listen   string        `yaml:"listen"`          // HTTP listen address
	URL      string        `yaml:"url,omitempty"`   // advertised HTTP address, default from Listen
	LogLevel string        `yaml:"log_level"`       // debug, info, warn, error, none
	Timeout  time.Duration `yaml:"timeout"`         // outbound call timeout
	Origins  []string      `yaml:"allowed_origins"` // CORS origins for the HTTP transport
	Inbox    bool          `yaml:"inbox"`           // serve one request at a time
	Rate     RateConfig    `yaml:"rate"`
	Redis    RedisConfig   `yaml:"redis"`

	// Grants lists the access tags granted to each sender address.
	Grants map[wire.Address][]string `yaml:"grants,omitempty"`
}

// RateConfig configures inbound request rate limiting.
type RateConfig struct {
	Limit float64 `yaml:"limit"` // requests per second; 0 disables
	Burst int     `yaml:"burst"`
	Wait  bool    `yaml:"wait"` // wait for capacity rather than rejecting
}

// RedisConfig configures the Redis pub/sub transport.
type RedisConfig struct {
	Addr   string `yaml:"addr"` // empty disables
	Prefix string `yaml:"prefix,omitempty"`
}

// defaultConfig returns the settings used when no file is given.
func defaultConfig() *Config {
	return &Config{
		Name:     "agent",
		Listen:   "localhost:8040",
		LogLevel: "info",
		Timeout:  30 * time.Second,
		Rate:     RateConfig{Burst: 10},
	}
}

// loadConfig reads a YAML settings file over the defaults. An empty path
// yields the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.check(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) check() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("missing agent name"))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("missing listen address"))
	}
	if c.Rate.Limit < 0 || c.Rate.Burst < 0 {
		errs = append(errs, errors.New("rate limit and burst must not be negative"))
	}
	return errors.Join(errs...)
}

// agentURL reports the HTTP address other agents use to reach this one.
func (c *Config) agentURL() string {
	if c.URL != "" {
		return c.URL
	}
	return "http://" + c.Listen + "/agent/" + c.Name
}

// authorizer builds the access tag table for c.
func (c *Config) authorizer() *dispatch.Tags {
	auth := &dispatch.Tags{Self: []wire.Address{wire.Address(c.Name), wire.Address(c.agentURL())}}
	for sender, tags := range c.Grants {
		auth.Grant(sender, tags...)
	}
	return auth
}

// parseLevel converts a level name to a zerolog level. Unknown names yield
// the info level.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "all", "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "none", "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// configureLogging sets the global log level and a human-readable output
// format. DEBUG=true in the environment forces the debug level.
func configureLogging(level string) zerolog.Logger {
	lvl := parseLevel(level)
	if strings.EqualFold(os.Getenv("DEBUG"), "true") {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	return log.Logger
}
