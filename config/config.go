// Package config loads the transport configuration consumed by Nooble
// service binaries: queue prefix, deployment environment, service name,
// broker connection and default timeouts. Library packages never read
// configuration themselves; binaries load a Config here and pass explicit
// values into the core constructors.
//
// Environment variables:
//
//	NOOBLE_PREFIX         - platform-wide queue prefix (default: "nooble")
//	NOOBLE_ENV            - deployment environment (default: "dev")
//	NOOBLE_SERVICE        - name of this service (required)
//	NOOBLE_REDIS_URL      - Redis address (default: "localhost:6379")
//	NOOBLE_REDIS_PASSWORD - Redis password (optional)
//	NOOBLE_CALL_TIMEOUT   - default pseudo-sync call timeout (default: "30s")
//	NOOBLE_POP_TIMEOUT    - worker blocking-pop timeout (default: "1s")
//	NOOBLE_RESPONSE_TTL   - response queue TTL (default: "5m")
//	NOOBLE_SHUTDOWN_GRACE - worker stop grace period (default: "10s")
//	NOOBLE_DEBUG          - enable debug logging ("1" or "true")
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"nooble.dev/core/naming"
)

// Config is the transport configuration of one service binary.
type Config struct {
	// Prefix is the platform-wide queue name prefix.
	Prefix string `yaml:"prefix"`
	// Env is the deployment environment (dev, staging, prod, ...).
	Env string `yaml:"env"`
	// Service is the name of this service, stamped on outgoing actions
	// and used to derive its action queue.
	Service string `yaml:"service"`
	// RedisURL is the broker address.
	RedisURL string `yaml:"redis_url"`
	// RedisPassword is the broker password, when any.
	RedisPassword string `yaml:"redis_password"`
	// CallTimeout bounds pseudo-sync calls that pass no timeout.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// PopTimeout is the worker's per-iteration blocking-pop timeout.
	PopTimeout time.Duration `yaml:"pop_timeout"`
	// ResponseTTL is the TTL armed on response queues after pushing.
	ResponseTTL time.Duration `yaml:"response_ttl"`
	// ShutdownGrace is how long a stopping worker waits for the in-flight
	// action before cancelling it.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`
}

// Default returns the configuration defaults. The service name has no
// default and must be set before Validate passes.
func Default() Config {
	return Config{
		Prefix:        "nooble",
		Env:           "dev",
		RedisURL:      "localhost:6379",
		CallTimeout:   30 * time.Second,
		PopTimeout:    time.Second,
		ResponseTTL:   5 * time.Minute,
		ShutdownGrace: 10 * time.Second,
	}
}

// FromEnv returns the defaults overridden by NOOBLE_* environment
// variables.
func FromEnv() Config {
	c := Default()
	c.Prefix = envOr("NOOBLE_PREFIX", c.Prefix)
	c.Env = envOr("NOOBLE_ENV", c.Env)
	c.Service = envOr("NOOBLE_SERVICE", c.Service)
	c.RedisURL = envOr("NOOBLE_REDIS_URL", c.RedisURL)
	c.RedisPassword = envOr("NOOBLE_REDIS_PASSWORD", c.RedisPassword)
	c.CallTimeout = envDurationOr("NOOBLE_CALL_TIMEOUT", c.CallTimeout)
	c.PopTimeout = envDurationOr("NOOBLE_POP_TIMEOUT", c.PopTimeout)
	c.ResponseTTL = envDurationOr("NOOBLE_RESPONSE_TTL", c.ResponseTTL)
	c.ShutdownGrace = envDurationOr("NOOBLE_SHUTDOWN_GRACE", c.ShutdownGrace)
	c.Debug = envBoolOr("NOOBLE_DEBUG", c.Debug)
	return c
}

// Load returns the defaults overridden by the YAML file at path. Fields
// absent from the file keep their defaults.
func Load(path string) (Config, error) {
	c := Default()
	b, err := os.ReadFile(path) // #nosec G304 -- path is operator-supplied
	if err != nil {
		return c, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

// UnmarshalYAML decodes a YAML mapping into the configuration. Durations
// are written in Go form ("30s", "5m"); fields absent from the document
// keep their current values, so decoding on top of Default() overlays
// rather than replaces.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Prefix        string `yaml:"prefix"`
		Env           string `yaml:"env"`
		Service       string `yaml:"service"`
		RedisURL      string `yaml:"redis_url"`
		RedisPassword string `yaml:"redis_password"`
		CallTimeout   string `yaml:"call_timeout"`
		PopTimeout    string `yaml:"pop_timeout"`
		ResponseTTL   string `yaml:"response_ttl"`
		ShutdownGrace string `yaml:"shutdown_grace"`
		Debug         *bool  `yaml:"debug"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Prefix != "" {
		c.Prefix = raw.Prefix
	}
	if raw.Env != "" {
		c.Env = raw.Env
	}
	if raw.Service != "" {
		c.Service = raw.Service
	}
	if raw.RedisURL != "" {
		c.RedisURL = raw.RedisURL
	}
	if raw.RedisPassword != "" {
		c.RedisPassword = raw.RedisPassword
	}
	if raw.Debug != nil {
		c.Debug = *raw.Debug
	}
	for _, f := range []struct {
		value string
		field string
		dst   *time.Duration
	}{
		{raw.CallTimeout, "call_timeout", &c.CallTimeout},
		{raw.PopTimeout, "pop_timeout", &c.PopTimeout},
		{raw.ResponseTTL, "response_ttl", &c.ResponseTTL},
		{raw.ShutdownGrace, "shutdown_grace", &c.ShutdownGrace},
	} {
		if f.value == "" {
			continue
		}
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return fmt.Errorf("parse %s: %w", f.field, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate reports whether the configuration can construct a working
// client and worker.
func (c Config) Validate() error {
	if err := naming.ValidateSegment("prefix", c.Prefix); err != nil {
		return err
	}
	if err := naming.ValidateSegment("env", c.Env); err != nil {
		return err
	}
	if err := naming.ValidateSegment("service", c.Service); err != nil {
		return err
	}
	if c.RedisURL == "" {
		return fmt.Errorf("redis_url is empty")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be positive")
	}
	if c.PopTimeout <= 0 {
		return fmt.Errorf("pop_timeout must be positive")
	}
	if c.ResponseTTL <= 0 {
		return fmt.Errorf("response_ttl must be positive")
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("shutdown_grace must not be negative")
	}
	return nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
