package params

// defaultEngineConfig carries the production defaults.
var defaultEngineConfig = &EngineConfig{
	ConfigName: "default",
	Namespace:  "ql",

	EventHistorySize:    1000,
	EventBufferSize:     256,
	EventMaxPayloadSize: 1 << 20, // 1 MiB

	RuleCacheTTLSeconds: 30,

	JanitorIntervalSeconds: 60,

	WebhookWorkers:          4,
	WebhookQueueSize:        1024,
	WebhookMaxRetries:       5,
	WebhookRetryBaseSeconds: 1,
	WebhookTimeoutSeconds:   10,
	WebhookSignatureHeader:  "X-Signature",

	RateLimitWindowSeconds:     60,
	RateLimitMaxRequests:       100,
	RateLimitAuthenticatedMax:  1000,
	RateLimitAnonymousMax:      100,
	TokenBucketCapacity:        100,
	TokenBucketRefillPerSecond: 10,

	PointsMinimum: 0,

	MaxLevel:           100,
	LevelCurveBaseXP:   100,
	LevelCurveExponent: 1.5,
	PrestigeEnabled:    false,

	StreakMilestones: []int{3, 7, 14, 30, 60, 100, 365},

	MaxActiveQuests: 10,

	LeaderboardPageSize:    25,
	LeaderboardMaxPageSize: 100,

	HTTPBodyLimitBytes:     1 << 20, // 1 MiB
	RequestTimeoutSeconds:  30,
	ShutdownTimeoutSeconds: 30,
	WebhookFlushSeconds:    5,
}

// DefaultConfig returns the production preset.
func DefaultConfig() *EngineConfig {
	return defaultEngineConfig.Copy()
}

// MinimalConfig returns a preset with small buffers and caches, suitable for
// tests and local development.
func MinimalConfig() *EngineConfig {
	c := DefaultConfig()
	c.ConfigName = "minimal"
	c.EventHistorySize = 16
	c.EventBufferSize = 8
	c.RuleCacheTTLSeconds = 1
	c.WebhookWorkers = 1
	c.WebhookQueueSize = 16
	c.WebhookMaxRetries = 2
	c.StreakMilestones = []int{2, 3}
	c.MaxActiveQuests = 3
	c.LeaderboardPageSize = 5
	c.LeaderboardMaxPageSize = 10
	c.RequestTimeoutSeconds = 5
	c.ShutdownTimeoutSeconds = 2
	c.WebhookFlushSeconds = 1
	return c
}
