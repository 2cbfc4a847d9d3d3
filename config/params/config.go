// Package params defines the tunable constants that are essential to
// questline services. An active EngineConfig is held as a process-wide
// singleton so that every module, store, and service reads the same values.
package params

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// EngineConfig contains the knobs for every engine subsystem. Values are
// loaded once at startup, either from built-in presets or from a YAML file,
// and may be overridden programmatically before the engine starts.
type EngineConfig struct {
	// ConfigName identifies the active preset for logging purposes.
	ConfigName string `yaml:"config_name"`
	// Namespace prefixes every storage key written by the engine so that
	// several engines can share one backend.
	Namespace string `yaml:"namespace" validate:"required"`

	// Event bus.
	EventHistorySize    int `yaml:"event_history_size" validate:"gte=0"`
	EventBufferSize     int `yaml:"event_buffer_size" validate:"gte=1"`
	EventMaxPayloadSize int `yaml:"event_max_payload_size" validate:"gte=0"`

	// Rule engine.
	RuleCacheTTLSeconds uint64 `yaml:"rule_cache_ttl_seconds"`

	// Storage.
	JanitorIntervalSeconds uint64 `yaml:"janitor_interval_seconds"`

	// Webhook dispatch.
	WebhookWorkers          int    `yaml:"webhook_workers" validate:"gte=1"`
	WebhookQueueSize        int    `yaml:"webhook_queue_size" validate:"gte=1"`
	WebhookMaxRetries       int    `yaml:"webhook_max_retries" validate:"gte=0"`
	WebhookRetryBaseSeconds uint64 `yaml:"webhook_retry_base_seconds"`
	WebhookTimeoutSeconds   uint64 `yaml:"webhook_timeout_seconds"`
	WebhookSignatureHeader  string `yaml:"webhook_signature_header" validate:"required"`

	// Rate limiting defaults, applied when a limiter is created without
	// explicit rules.
	RateLimitWindowSeconds     uint64  `yaml:"rate_limit_window_seconds"`
	RateLimitMaxRequests       int64   `yaml:"rate_limit_max_requests" validate:"gte=0"`
	RateLimitAuthenticatedMax  int64   `yaml:"rate_limit_authenticated_max" validate:"gte=0"`
	RateLimitAnonymousMax      int64   `yaml:"rate_limit_anonymous_max" validate:"gte=0"`
	TokenBucketCapacity        int64   `yaml:"token_bucket_capacity" validate:"gte=0"`
	TokenBucketRefillPerSecond float64 `yaml:"token_bucket_refill_per_second" validate:"gte=0"`

	// Points.
	PointsMinimum int64 `yaml:"points_minimum"`

	// Levels.
	MaxLevel           int     `yaml:"max_level" validate:"gte=1"`
	LevelCurveBaseXP   int64   `yaml:"level_curve_base_xp" validate:"gte=1"`
	LevelCurveExponent float64 `yaml:"level_curve_exponent" validate:"gte=1"`
	PrestigeEnabled    bool    `yaml:"prestige_enabled"`

	// Streaks.
	StreakMilestones []int `yaml:"streak_milestones"`

	// Quests.
	MaxActiveQuests int `yaml:"max_active_quests" validate:"gte=0"`

	// Leaderboards.
	LeaderboardPageSize    int `yaml:"leaderboard_page_size" validate:"gte=1"`
	LeaderboardMaxPageSize int `yaml:"leaderboard_max_page_size" validate:"gtefield=LeaderboardPageSize"`

	// HTTP server.
	HTTPBodyLimitBytes     int64  `yaml:"http_body_limit_bytes" validate:"gte=1"`
	RequestTimeoutSeconds  uint64 `yaml:"request_timeout_seconds"`
	ShutdownTimeoutSeconds uint64 `yaml:"shutdown_timeout_seconds"`
	WebhookFlushSeconds    uint64 `yaml:"webhook_flush_seconds"`
}

var configValidator = validator.New()

// Validate checks the range and presence constraints declared on the struct,
// so a bad deployment file fails at startup instead of surfacing as odd
// runtime behaviour.
func (c *EngineConfig) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return errors.Wrap(err, "invalid engine config")
	}
	return nil
}

// JanitorInterval returns the expired-key sweep period as a duration.
func (c *EngineConfig) JanitorInterval() time.Duration {
	return time.Duration(c.JanitorIntervalSeconds) * time.Second
}

// RuleCacheTTL returns how long a cached rule evaluation stays valid.
func (c *EngineConfig) RuleCacheTTL() time.Duration {
	return time.Duration(c.RuleCacheTTLSeconds) * time.Second
}

// WebhookTimeout returns the per-delivery HTTP timeout as a duration.
func (c *EngineConfig) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSeconds) * time.Second
}

// WebhookRetryBase returns the first retry delay as a duration. Subsequent
// retries back off exponentially from this value.
func (c *EngineConfig) WebhookRetryBase() time.Duration {
	return time.Duration(c.WebhookRetryBaseSeconds) * time.Second
}

// ShutdownTimeout returns how long graceful shutdown may take as a duration.
func (c *EngineConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// RequestTimeout returns the per-request deadline the HTTP server enforces.
func (c *EngineConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// WebhookFlush returns how long shutdown waits for queued webhook deliveries
// before tearing the dispatcher down.
func (c *EngineConfig) WebhookFlush() time.Duration {
	return time.Duration(c.WebhookFlushSeconds) * time.Second
}

// RateLimitWindow returns the limiter window as a duration.
func (c *EngineConfig) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}
