package settings

import "time"

// Store backends selectable in config.
const (
	// StoreMemory keeps state in process memory.
	StoreMemory = "memory"
	// StoreRedis keeps rate limit ledgers in Redis.
	StoreRedis = "redis"
	// StoreDatabase keeps state in the SQL database.
	StoreDatabase = "database"
)

// Fail modes applied by the rate limit middleware when the ledger store is
// unavailable.
const (
	// FailOpen admits requests while the store is down.
	FailOpen = "open"
	// FailClosed rejects requests with 503 while the store is down.
	FailClosed = "closed"
)

// Middleware key sources.
const (
	// KeyByIP keys ledgers on the client IP.
	KeyByIP = "ip"
	// KeyByHeader keys ledgers on a request header value.
	KeyByHeader = "header"
)

// Defaults applied when config leaves a value empty.
const (
	// DefaultHost is the listen host.
	DefaultHost = ""
	// DefaultPort is the listen port.
	DefaultPort = 8318
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 15 * time.Second
	// DefaultIdleTTL is how long an untouched ledger is kept.
	DefaultIdleTTL = 24 * time.Hour
	// DefaultSweepInterval is the ledger janitor period.
	DefaultSweepInterval = 10 * time.Minute
	// DefaultRateLimitRedisPrefix is the fallback Redis key prefix.
	DefaultRateLimitRedisPrefix = "governor:ratelimit"
	// DefaultFlushConcurrency bounds parallel attempts in one batch flush.
	DefaultFlushConcurrency = 4
	// DefaultNotifyTimeout bounds outbound alert HTTP calls.
	DefaultNotifyTimeout = 5 * time.Second
	// DefaultLogLevel is the logrus level name.
	DefaultLogLevel = "info"
	// DefaultLogFormat selects the logrus text formatter.
	DefaultLogFormat = "text"
)
