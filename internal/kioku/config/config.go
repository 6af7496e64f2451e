// Package config loads the engine configuration: a YAML document checked
// against an embedded JSON Schema, overlaid with KIOKU_* environment
// variables, then filled with defaults. Component packages keep their own
// zero-value defaults; this package is the single place that maps the
// operator-facing file onto their Config structs.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/kioku/common/environment"
	"github.com/bdobrica/kioku/internal/kioku/cache"
	"github.com/bdobrica/kioku/internal/kioku/engine"
	"github.com/bdobrica/kioku/internal/kioku/gate"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/notify"
)

//go:embed schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("config.schema.json", schemaJSON)

// scheduleParser accepts six-field cron specs with a leading seconds field,
// plus @-descriptors.
var scheduleParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Config is the full operator-facing configuration.
type Config struct {
	// DataDir holds the SQLite database and any file outputs.
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	Admin       AdminConfig       `yaml:"admin"`
	Memory      MemoryConfig      `yaml:"memory"`
	Gate        GateConfig        `yaml:"gate"`
	Cache       CacheConfig       `yaml:"cache"`
	Engine      EngineConfig      `yaml:"engine"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Notify      NotifyConfig      `yaml:"notify"`
}

type AdminConfig struct {
	// Disabled turns the admin server off entirely.
	Disabled bool `yaml:"disabled"`
	// Listen is the admin HTTP address. The default binds loopback only;
	// the surface exposes memory contents and must be opted into a wider
	// bind explicitly.
	Listen string `yaml:"listen"`
}

type MemoryConfig struct {
	ShortTermWindow int `yaml:"short_term_window"`
}

type GateConfig struct {
	RateLimitMaxMessages     int     `yaml:"rate_limit_max_messages"`
	RateLimitWindowSeconds   int     `yaml:"rate_limit_window_seconds"`
	HourlyMaxMessages        int     `yaml:"hourly_max_messages"`
	HourlyWindowSeconds      int     `yaml:"hourly_window_seconds"`
	SpamThreshold            float64 `yaml:"spam_threshold"`
	SpamHardThreshold        float64 `yaml:"spam_hard_threshold"`
	SpamSmoothingAlpha       float64 `yaml:"spam_smoothing_alpha"`
	BlockCooldownBaseSeconds int     `yaml:"block_cooldown_base_seconds"`
	BlockCooldownCapSeconds  int     `yaml:"block_cooldown_cap_seconds"`
}

type CacheConfig struct {
	Capacity           int   `yaml:"capacity"`
	MaxBytes           int64 `yaml:"max_bytes"`
	DefaultTTLSeconds  int   `yaml:"default_ttl_seconds"`
	ReplyTTLSeconds    int   `yaml:"reply_ttl_seconds"`
	ArtifactTTLSeconds int   `yaml:"artifact_ttl_seconds"`
}

type EngineConfig struct {
	GenerationTimeoutSeconds int `yaml:"generation_timeout_seconds"`
	MaxAttempts              int `yaml:"max_attempts"`
	RetryDelayMillis         int `yaml:"retry_delay_ms"`
	ArtifactTimeoutSeconds   int `yaml:"artifact_timeout_seconds"`
}

type MaintenanceConfig struct {
	SweepSchedule      string `yaml:"sweep_schedule"`
	FlushSchedule      string `yaml:"flush_schedule"`
	PruneSchedule      string `yaml:"prune_schedule"`
	EventRetentionDays int    `yaml:"event_retention_days"`
	// IdleEvictSeconds demotes memory records idle for longer than this
	// from the hot tier; 0 disables idle eviction.
	IdleEvictSeconds int `yaml:"idle_evict_seconds"`
}

type NotifyConfig struct {
	MinSeverity          string `yaml:"min_severity"`
	PerKindLimit         int    `yaml:"per_kind_limit"`
	PerKindWindowSeconds int    `yaml:"per_kind_window_seconds"`
	// FilePath enables the file channel when set.
	FilePath string `yaml:"file_path"`
	// WebhookURL enables the webhook channel when set.
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, schema-validates and defaults a YAML document. An empty
// document yields the default configuration.
func Parse(data []byte) (*Config, error) {
	if err := validateAgainstSchema(data); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateAgainstSchema checks the raw document against the embedded JSON
// Schema. The YAML is round-tripped through JSON so the validator sees
// plain JSON types.
func validateAgainstSchema(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("normalize: %w", err)
	}
	var doc any
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return fmt.Errorf("normalize: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// applyEnv overlays KIOKU_* environment variables over file values.
func (c *Config) applyEnv() {
	c.DataDir = environment.StringOr("KIOKU_DATA_DIR", c.DataDir)
	c.LogLevel = environment.StringOr("KIOKU_LOG_LEVEL", c.LogLevel)
	c.Admin.Listen = environment.StringOr("KIOKU_ADMIN_LISTEN", c.Admin.Listen)
	c.Notify.WebhookURL = environment.StringOr("KIOKU_NOTIFY_WEBHOOK_URL", c.Notify.WebhookURL)
	c.Notify.WebhookSecret = environment.StringOr("KIOKU_NOTIFY_WEBHOOK_SECRET", c.Notify.WebhookSecret)
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./kioku-data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Admin.Listen == "" {
		c.Admin.Listen = "127.0.0.1:8642"
	}
	if c.Memory.ShortTermWindow == 0 {
		c.Memory.ShortTermWindow = 12
	}
	if c.Gate.RateLimitMaxMessages == 0 {
		c.Gate.RateLimitMaxMessages = 30
	}
	if c.Gate.RateLimitWindowSeconds == 0 {
		c.Gate.RateLimitWindowSeconds = 60
	}
	if c.Gate.HourlyMaxMessages == 0 {
		c.Gate.HourlyMaxMessages = 200
	}
	if c.Gate.HourlyWindowSeconds == 0 {
		c.Gate.HourlyWindowSeconds = 3600
	}
	if c.Gate.SpamThreshold == 0 {
		c.Gate.SpamThreshold = 0.30
	}
	if c.Gate.SpamHardThreshold == 0 {
		c.Gate.SpamHardThreshold = 0.80
	}
	if c.Gate.SpamSmoothingAlpha == 0 {
		c.Gate.SpamSmoothingAlpha = 0.10
	}
	if c.Gate.BlockCooldownBaseSeconds == 0 {
		c.Gate.BlockCooldownBaseSeconds = 300
	}
	if c.Gate.BlockCooldownCapSeconds == 0 {
		c.Gate.BlockCooldownCapSeconds = 86400
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 100
	}
	if c.Cache.DefaultTTLSeconds == 0 {
		c.Cache.DefaultTTLSeconds = 3600
	}
	if c.Cache.ReplyTTLSeconds == 0 {
		c.Cache.ReplyTTLSeconds = 7200
	}
	if c.Cache.ArtifactTTLSeconds == 0 {
		c.Cache.ArtifactTTLSeconds = 86400
	}
	if c.Engine.GenerationTimeoutSeconds == 0 {
		c.Engine.GenerationTimeoutSeconds = 30
	}
	if c.Engine.MaxAttempts == 0 {
		c.Engine.MaxAttempts = 3
	}
	if c.Engine.RetryDelayMillis == 0 {
		c.Engine.RetryDelayMillis = 500
	}
	if c.Engine.ArtifactTimeoutSeconds == 0 {
		c.Engine.ArtifactTimeoutSeconds = 120
	}
	if c.Maintenance.SweepSchedule == "" {
		c.Maintenance.SweepSchedule = "0 */5 * * * *"
	}
	if c.Maintenance.FlushSchedule == "" {
		c.Maintenance.FlushSchedule = "30 * * * * *"
	}
	if c.Maintenance.PruneSchedule == "" {
		c.Maintenance.PruneSchedule = "0 0 3 * * *"
	}
	if c.Maintenance.EventRetentionDays == 0 {
		c.Maintenance.EventRetentionDays = 30
	}
	if c.Maintenance.IdleEvictSeconds == 0 {
		c.Maintenance.IdleEvictSeconds = 86400
	}
	if c.Notify.MinSeverity == "" {
		c.Notify.MinSeverity = "info"
	}
	if c.Notify.PerKindLimit == 0 {
		c.Notify.PerKindLimit = 20
	}
	if c.Notify.PerKindWindowSeconds == 0 {
		c.Notify.PerKindWindowSeconds = 60
	}
}

// validate covers the semantic checks the schema cannot express.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level: unknown level %q", c.LogLevel)
	}
	if _, err := notify.ParseSeverity(c.Notify.MinSeverity); err != nil {
		return fmt.Errorf("notify.min_severity: %w", err)
	}
	for name, spec := range map[string]string{
		"maintenance.sweep_schedule": c.Maintenance.SweepSchedule,
		"maintenance.flush_schedule": c.Maintenance.FlushSchedule,
		"maintenance.prune_schedule": c.Maintenance.PruneSchedule,
	} {
		if _, err := scheduleParser.Parse(spec); err != nil {
			return fmt.Errorf("%s: invalid cron spec %q: %w", name, spec, err)
		}
	}
	return nil
}

// DBPath is the SQLite database location under the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "kioku.db")
}

// AdminListen returns the admin bind address, or "" when the server is
// disabled.
func (c *Config) AdminListen() string {
	if c.Admin.Disabled {
		return ""
	}
	return c.Admin.Listen
}

// SlogLevel maps the configured log level onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GateConfig maps onto the admission gate's tuning.
func (c *Config) GateConfig() gate.Config {
	return gate.Config{
		MaxMessages:       c.Gate.RateLimitMaxMessages,
		Window:            time.Duration(c.Gate.RateLimitWindowSeconds) * time.Second,
		HourlyMaxMessages: c.Gate.HourlyMaxMessages,
		HourlyWindow:      time.Duration(c.Gate.HourlyWindowSeconds) * time.Second,
		SpamThreshold:     c.Gate.SpamThreshold,
		HardThreshold:     c.Gate.SpamHardThreshold,
		SmoothingAlpha:    c.Gate.SpamSmoothingAlpha,
		CooldownBase:      time.Duration(c.Gate.BlockCooldownBaseSeconds) * time.Second,
		CooldownCap:       time.Duration(c.Gate.BlockCooldownCapSeconds) * time.Second,
	}
}

// CacheConfig maps onto the artifact cache's tuning.
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		MaxEntries:  c.Cache.Capacity,
		MaxBytes:    c.Cache.MaxBytes,
		DefaultTTL:  time.Duration(c.Cache.DefaultTTLSeconds) * time.Second,
		ReplyTTL:    time.Duration(c.Cache.ReplyTTLSeconds) * time.Second,
		ArtifactTTL: time.Duration(c.Cache.ArtifactTTLSeconds) * time.Second,
	}
}

// MemoryConfig maps onto the memory store's tuning.
func (c *Config) MemoryConfig() memory.Config {
	return memory.Config{ShortTermWindow: c.Memory.ShortTermWindow}
}

// EngineConfig maps onto the orchestrator's tuning.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		GenerationTimeout: time.Duration(c.Engine.GenerationTimeoutSeconds) * time.Second,
		MaxAttempts:       c.Engine.MaxAttempts,
		RetryDelay:        time.Duration(c.Engine.RetryDelayMillis) * time.Millisecond,
		ArtifactTimeout:   time.Duration(c.Engine.ArtifactTimeoutSeconds) * time.Second,
	}
}

// MinSeverity returns the parsed notification floor.
func (c *Config) MinSeverity() notify.Severity {
	sev, err := notify.ParseSeverity(c.Notify.MinSeverity)
	if err != nil {
		return notify.SeverityInfo
	}
	return sev
}
