// Package config provides YAML-based configuration loading for Courier.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Courier configuration, loaded from config.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Limiter   LimiterConfig   `yaml:"limiter"`
	Convo     ConvoConfig     `yaml:"conversation"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Presence  PresenceConfig  `yaml:"presence"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Worker    WorkerConfig    `yaml:"worker"`
	Responder ResponderConfig `yaml:"responder"`
	Transport TransportConfig `yaml:"transport"`
}

// DatabaseConfig holds connection settings for the MySQL server.
type DatabaseConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// RedisConfig holds connection settings for the coordination store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ActionLimit is one sliding-window threshold for an action kind.
type ActionLimit struct {
	MaxRequests   int `yaml:"max_requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

// LimiterConfig configures the admission limiter. FailOpen controls the
// policy when the coordination store is unreachable; the default (false)
// denies, protecting downstream cost-bearing operations.
type LimiterConfig struct {
	FailOpen bool                   `yaml:"fail_open"`
	Actions  map[string]ActionLimit `yaml:"actions"`
}

// ConvoConfig configures the conversation batching lock.
type ConvoConfig struct {
	StaleLockSeconds int `yaml:"stale_lock_seconds"`
	SweepSeconds     int `yaml:"sweep_seconds"`
}

// StaleLockCeiling returns the stale run-lock ceiling as a duration.
func (c ConvoConfig) StaleLockCeiling() time.Duration {
	return time.Duration(c.StaleLockSeconds) * time.Second
}

// SweepInterval returns the orphan-sweep poll interval as a duration.
func (c ConvoConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepSeconds) * time.Second
}

// BroadcastConfig configures the broadcast delivery engine.
type BroadcastConfig struct {
	BatchSize            int    `yaml:"batch_size"`
	BatchDelaySeconds    int    `yaml:"batch_delay_seconds"`
	PerRecipientMillis   int    `yaml:"per_recipient_millis"`
	MaxRetries           int    `yaml:"max_retries"`
	BackoffBaseSeconds   int    `yaml:"backoff_base_seconds"`
	BackoffJitterMillis  int    `yaml:"backoff_jitter_millis"`
	PollSeconds          int    `yaml:"poll_seconds"`
	RetryCron            string `yaml:"retry_cron"`
}

// PresenceConfig configures the presence signal manager.
type PresenceConfig struct {
	IntervalMillis int `yaml:"interval_millis"`
}

// Interval returns the emission interval as a duration.
func (p PresenceConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMillis) * time.Millisecond
}

// WebhookConfig configures the callback/stats HTTP server.
type WebhookConfig struct {
	Port   int    `yaml:"port"`
	Secret string `yaml:"secret"`
}

// WorkerConfig points at the external image-generation service. The
// worker reports completion by POSTing to callback_url with the shared
// webhook secret's signature.
type WorkerConfig struct {
	URL            string `yaml:"url"`
	CallbackURL    string `yaml:"callback_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxConcurrent  int    `yaml:"max_concurrent"` // in-flight jobs per requester
	SlotTTLSeconds int    `yaml:"slot_ttl_seconds"`

	// Results for requesters below this credit balance are delivered
	// obscured; 0 disables the policy.
	ObscureBelowCredits int    `yaml:"obscure_below_credits"`
	ObscureParam        string `yaml:"obscure_param"` // query parameter the image host blurs on
}

// Timeout returns the submission request timeout as a duration.
func (w WorkerConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// SlotTTL returns the concurrency-slot expiry as a duration.
func (w WorkerConfig) SlotTTL() time.Duration {
	return time.Duration(w.SlotTTLSeconds) * time.Second
}

// ResponderConfig points at the upstream service that produces the
// reply for a drained conversation batch.
type ResponderConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the responder request timeout as a duration.
func (r ResponderConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// TransportConfig selects and configures the chat platform adapter.
type TransportConfig struct {
	Platform string `yaml:"platform"` // "discord" or "slack"
	Token    string `yaml:"token"`
	Channel  string `yaml:"channel"` // default channel for operator notices
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Database == "" {
		c.Database.Database = "courier"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Convo.StaleLockSeconds == 0 {
		c.Convo.StaleLockSeconds = 600
	}
	if c.Convo.SweepSeconds == 0 {
		c.Convo.SweepSeconds = 60
	}
	if c.Broadcast.BatchSize == 0 {
		c.Broadcast.BatchSize = 30
	}
	if c.Broadcast.BatchDelaySeconds == 0 {
		c.Broadcast.BatchDelaySeconds = 60
	}
	if c.Broadcast.PerRecipientMillis == 0 {
		c.Broadcast.PerRecipientMillis = 100
	}
	if c.Broadcast.MaxRetries == 0 {
		c.Broadcast.MaxRetries = 3
	}
	if c.Broadcast.BackoffBaseSeconds == 0 {
		c.Broadcast.BackoffBaseSeconds = 1
	}
	if c.Broadcast.PollSeconds == 0 {
		c.Broadcast.PollSeconds = 30
	}
	if c.Broadcast.RetryCron == "" {
		c.Broadcast.RetryCron = "*/5 * * * *"
	}
	if c.Presence.IntervalMillis == 0 {
		c.Presence.IntervalMillis = 4500
	}
	if c.Webhook.Port == 0 {
		c.Webhook.Port = 8090
	}
	if c.Worker.TimeoutSeconds == 0 {
		c.Worker.TimeoutSeconds = 30
	}
	if c.Worker.MaxConcurrent == 0 {
		c.Worker.MaxConcurrent = 1
	}
	if c.Worker.SlotTTLSeconds == 0 {
		c.Worker.SlotTTLSeconds = 600
	}
	if c.Worker.ObscureParam == "" {
		c.Worker.ObscureParam = "blur=40"
	}
	if c.Responder.TimeoutSeconds == 0 {
		c.Responder.TimeoutSeconds = 120
	}
	if c.Limiter.Actions == nil {
		c.Limiter.Actions = map[string]ActionLimit{}
	}
	if _, ok := c.Limiter.Actions["inbound_message"]; !ok {
		c.Limiter.Actions["inbound_message"] = ActionLimit{MaxRequests: 20, WindowSeconds: 60}
	}
	if _, ok := c.Limiter.Actions["image_generation"]; !ok {
		c.Limiter.Actions["image_generation"] = ActionLimit{MaxRequests: 3, WindowSeconds: 300}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Webhook.Secret == "" {
		errs = append(errs, "webhook.secret is required")
	}
	switch c.Transport.Platform {
	case "", "discord", "slack":
	default:
		errs = append(errs, fmt.Sprintf("transport.platform %q is not supported", c.Transport.Platform))
	}
	for kind, limit := range c.Limiter.Actions {
		if limit.MaxRequests <= 0 {
			errs = append(errs, fmt.Sprintf("limiter.actions[%s].max_requests must be positive", kind))
		}
		if limit.WindowSeconds <= 0 {
			errs = append(errs, fmt.Sprintf("limiter.actions[%s].window_seconds must be positive", kind))
		}
	}
	if c.Broadcast.BatchSize < 1 {
		errs = append(errs, "broadcast.batch_size must be at least 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}
