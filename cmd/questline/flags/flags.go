// Package flags defines the command line flags for the questline engine
// binary.
package flags

import (
	cmdflags "github.com/questline/questline/cmd/flags"
	"github.com/urfave/cli/v2"
)

// Destinations for the enum flags below.
var (
	storageBackend     string
	rateLimitAlgorithm string
)

var (
	// HTTPHost defines the host on which the engine's HTTP surface listens.
	HTTPHost = &cli.StringFlag{
		Name:  "http-host",
		Usage: "Host on which the HTTP and WebSocket surface listens",
		Value: "127.0.0.1",
	}
	// HTTPPort defines the port on which the engine's HTTP surface listens.
	HTTPPort = &cli.IntFlag{
		Name:  "http-port",
		Usage: "Port on which the HTTP and WebSocket surface listens",
		Value: 8080,
	}
	// HTTPMountFlag defines the path prefix under which every route is served.
	HTTPMountFlag = &cli.StringFlag{
		Name:  "http-mount",
		Usage: "Path prefix under which every engine route is served",
		Value: "/gamification",
	}
	// HTTPCorsDomain defines the origins accepted for cross origin requests.
	HTTPCorsDomain = &cli.StringFlag{
		Name: "http-cors-domain",
		Usage: "Comma separated list of domains from which to accept cross " +
			"origin requests (browser enforced). Empty accepts any origin",
	}
	// APIKeysFlag defines the keys applications present in X-API-Key.
	APIKeysFlag = &cli.StringSliceFlag{
		Name:    "api-key",
		Usage:   "API key granting application access. This flag may be used multiple times",
		EnvVars: []string{"QUESTLINE_API_KEYS"},
	}
	// AdminKeysFlag defines the keys granting admin privilege.
	AdminKeysFlag = &cli.StringSliceFlag{
		Name:    "admin-key",
		Usage:   "API key granting admin access. This flag may be used multiple times",
		EnvVars: []string{"QUESTLINE_ADMIN_KEYS"},
	}
	// PublicEndpointsFlag opens read and track endpoints to anonymous callers.
	PublicEndpointsFlag = &cli.BoolFlag{
		Name:  "public-endpoints",
		Usage: "Serve stats, leaderboards and event tracking without authentication",
	}
	// StorageBackendFlag selects the adapter backing all engine state.
	StorageBackendFlag = (&cmdflags.EnumValue{
		Name:        "storage-backend",
		Usage:       "Storage adapter backing all engine state. Supported values are: memory, redis, postgres, mongo",
		Destination: &storageBackend,
		Enum:        []string{"memory", "redis", "postgres", "mongo"},
		Value:       "memory",
		EnvVars:     []string{"QUESTLINE_STORAGE_BACKEND"},
	}).GenericFlag()
	// RedisURLFlag defines the redis connection string.
	RedisURLFlag = &cli.StringFlag{
		Name:    "redis-url",
		Usage:   "Connection URL for the redis backend",
		Value:   "redis://localhost:6379/0",
		EnvVars: []string{"QUESTLINE_REDIS_URL"},
	}
	// PostgresDSNFlag defines the postgres connection string.
	PostgresDSNFlag = &cli.StringFlag{
		Name:    "postgres-dsn",
		Usage:   "Connection DSN for the postgres backend",
		Value:   "postgres://localhost:5432/questline",
		EnvVars: []string{"QUESTLINE_POSTGRES_DSN"},
	}
	// MongoURIFlag defines the mongodb connection string.
	MongoURIFlag = &cli.StringFlag{
		Name:    "mongo-uri",
		Usage:   "Connection URI for the mongodb backend",
		Value:   "mongodb://localhost:27017",
		EnvVars: []string{"QUESTLINE_MONGO_URI"},
	}
	// MongoDatabaseFlag defines the mongodb database name.
	MongoDatabaseFlag = &cli.StringFlag{
		Name:  "mongo-database",
		Usage: "Database name for the mongodb backend",
		Value: "questline",
	}
	// SecretFileFlag defines the file holding the engine signing key.
	SecretFileFlag = &cli.StringFlag{
		Name: "secret-file",
		Usage: "File containing the hex-encoded 256-bit engine key. Generated " +
			"under the data directory when missing",
		EnvVars: []string{"QUESTLINE_SECRET_FILE"},
	}
	// EncryptionKeyFlag supplies the engine key out of band instead of a file.
	EncryptionKeyFlag = &cli.StringFlag{
		Name: "encryption-key",
		Usage: "Hex-encoded 256-bit engine key supplied through the " +
			"environment. Disables key rotation via the secret file",
		EnvVars: []string{"QUESTLINE_ENCRYPTION_KEY"},
	}
	// WebhookSecretFlag defines the fallback HMAC key for outbound webhooks.
	WebhookSecretFlag = &cli.StringFlag{
		Name:    "webhook-secret",
		Usage:   "Fallback HMAC key signing webhooks registered without their own secret",
		EnvVars: []string{"QUESTLINE_WEBHOOK_SECRET"},
	}
	// RateLimitAlgorithmFlag selects the request accounting algorithm.
	RateLimitAlgorithmFlag = (&cmdflags.EnumValue{
		Name:        "rate-limit-algorithm",
		Usage:       "Request accounting algorithm. Supported values are: fixed-window, sliding-window, token-bucket",
		Destination: &rateLimitAlgorithm,
		Enum:        []string{"fixed-window", "sliding-window", "token-bucket"},
		Value:       "fixed-window",
		EnvVars:     []string{"QUESTLINE_RATE_LIMIT_ALGORITHM"},
	}).GenericFlag()
	// RateLimitMaxFlag overrides the per-window request budget.
	RateLimitMaxFlag = &cli.IntFlag{
		Name:    "rate-limit-max",
		Usage:   "Requests allowed per window for one subject and endpoint",
		EnvVars: []string{"QUESTLINE_RATE_LIMIT_MAX"},
	}
	// RateLimitWindowFlag overrides the accounting window.
	RateLimitWindowFlag = &cli.DurationFlag{
		Name:    "rate-limit-window",
		Usage:   "Accounting window for the rate limiter, e.g. 30s or 1m",
		EnvVars: []string{"QUESTLINE_RATE_LIMIT_WINDOW"},
	}
	// RateLimitWhitelistFlag lists identities that skip limiting.
	RateLimitWhitelistFlag = &cli.StringSliceFlag{
		Name:  "rate-limit-whitelist",
		Usage: "User id or client IP that is never rate limited. This flag may be used multiple times",
	}
	// RateLimitBlacklistFlag lists identities that are always denied.
	RateLimitBlacklistFlag = &cli.StringSliceFlag{
		Name:  "rate-limit-blacklist",
		Usage: "User id or client IP that is always denied. This flag may be used multiple times",
	}
	// RateLimitLocalFlag keeps accounting in-process even with shared storage.
	RateLimitLocalFlag = &cli.BoolFlag{
		Name:  "rate-limit-local",
		Usage: "Keep rate limit accounting in-process instead of shared storage",
	}
	// DisableRateLimitFlag turns request limiting off entirely.
	DisableRateLimitFlag = &cli.BoolFlag{
		Name:  "disable-rate-limit",
		Usage: "Serve all requests without rate limiting",
	}
	// MonitoringPortFlag defines the port used by the prometheus service.
	MonitoringPortFlag = &cli.IntFlag{
		Name:  "monitoring-port",
		Usage: "Port used to listening and respond metrics for prometheus",
		Value: 9090,
	}
	// AuditRetentionFlag bounds the audit trail length.
	AuditRetentionFlag = &cli.IntFlag{
		Name:  "audit-retention",
		Usage: "Number of audit entries kept before the oldest are pruned",
		Value: 10000,
	}
)
