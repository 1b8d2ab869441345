// Package config loads process configuration for the confirmation workflow.
// Values come from an optional YAML file overridden by environment variables.
// Missing external credentials are fatal: the process must refuse to start
// rather than fail its first confirmation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"goa.design/handoff/store"
)

// Config carries the credentials and tuning knobs the workflow needs. The
// chat and tracker clients themselves live outside this module; the tokens
// are handed to whatever implements the collaborator interfaces.
type Config struct {
	// ChatToken authenticates prompt posts to the chat platform.
	ChatToken string `env:"HANDOFF_CHAT_TOKEN" yaml:"chat_token"`
	// TrackerBaseURL is the external tracker endpoint.
	TrackerBaseURL string `env:"HANDOFF_TRACKER_BASE_URL" yaml:"tracker_base_url"`
	// TrackerEmail identifies the tracker service account.
	TrackerEmail string `env:"HANDOFF_TRACKER_EMAIL" yaml:"tracker_email"`
	// TrackerAPIToken authenticates tracker create calls.
	TrackerAPIToken string `env:"HANDOFF_TRACKER_API_TOKEN" yaml:"tracker_api_token"`
	// ProjectKey scopes field-option lookups.
	ProjectKey string `env:"HANDOFF_PROJECT_KEY" yaml:"project_key"`
	// RedisURL selects the Redis-backed store when set; empty keeps the
	// in-memory store.
	RedisURL string `env:"HANDOFF_REDIS_URL" yaml:"redis_url"`
	// RequestTTL bounds how long a confirmation stays valid. Defaults to one
	// hour.
	RequestTTL Duration `env:"HANDOFF_REQUEST_TTL" yaml:"request_ttl"`
	// NotifyRate is the per-channel prompt post rate in posts per second.
	// Defaults to 1; zero or negative disables limiting only when set
	// explicitly in the file.
	NotifyRate float64 `env:"HANDOFF_NOTIFY_RATE" yaml:"notify_rate"`
	// NotifyBurst is the per-channel burst size. Defaults to 1.
	NotifyBurst int `env:"HANDOFF_NOTIFY_BURST" yaml:"notify_burst"`
	// Debug enables request/response debug logging.
	Debug bool `env:"HANDOFF_DEBUG" yaml:"debug"`
}

// Duration is a time.Duration that parses "1h30m" style strings from both
// environment variables and YAML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Error reports missing required configuration. It is fatal; there is nothing
// to retry.
type Error struct {
	Missing []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return "missing required configuration: " + strings.Join(e.Missing, ", ")
}

// Load builds a Config from the optional YAML file at path and the process
// environment. Environment variables win over file values. The returned
// config is validated; a missing credential yields *Error.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports missing required credentials.
func (c Config) Validate() error {
	var missing []string
	if c.ChatToken == "" {
		missing = append(missing, "HANDOFF_CHAT_TOKEN")
	}
	if c.TrackerBaseURL == "" {
		missing = append(missing, "HANDOFF_TRACKER_BASE_URL")
	}
	if c.TrackerAPIToken == "" {
		missing = append(missing, "HANDOFF_TRACKER_API_TOKEN")
	}
	if len(missing) > 0 {
		return &Error{Missing: missing}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.RequestTTL <= 0 {
		c.RequestTTL = Duration(store.DefaultTTL)
	}
	if c.NotifyRate == 0 {
		c.NotifyRate = 1
	}
	if c.NotifyBurst <= 0 {
		c.NotifyBurst = 1
	}
}
