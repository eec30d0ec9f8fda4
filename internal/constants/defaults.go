package constants

// Default sync scheduling values
const (
	DefaultSyncIntervalMs     = 5000
	DefaultRealtimeIntervalMs = 1000
	DefaultBatchSize          = 20
	DefaultRetryCeiling       = 3
	DefaultConflictMode       = "SERVER_WINS"
)

// Default persistent channel values
const (
	DefaultPingIntervalSec       = 30
	DefaultReconnectDelayMs      = 5000
	DefaultReconnectMaxDelayMs   = 60000
	DefaultReconnectMultiplier   = 1.5
	DefaultEventBufferSize       = 16
	DefaultWebSocketWriteTimeout = 10
)

// Default retry configuration values
const (
	DefaultRetryBackoffMs = 1000
	DefaultMaxBackoffMs   = 60000
	DefaultMaxAttempts    = 5
	DefaultServerPort     = 8085
	DefaultAuthorityPort  = 8086
)

// Default timeout values
const (
	DefaultHTTPTimeoutSec           = 30
	DefaultDatabaseRetryAttempts    = 3
	DefaultGracefulShutdownSec      = 30
	DefaultBackoffInitialMs         = 500
	DefaultBackoffMaxSec            = 5
	DefaultServerReadTimeoutSec     = 15
	DefaultServerWriteTimeoutSec    = 15
	DefaultServerIdleTimeoutSec     = 60
	DefaultCircuitBreakerFailures   = 5
	DefaultCircuitBreakerTimeoutSec = 30
	DefaultHealthCheckTimeoutSec    = 5
)

// Storage keys
const (
	DeviceIDMetaKey      = "device_id"
	LastSyncTimestampKey = "last_sync_timestamp"
	DefaultDatabasePath  = "offsync.db"
)

// Encryption settings
const (
	EncryptionSalt      = "offsync-payload-salt-v1"
	EncryptionEnableEnv = "OFFSYNC_ENABLE_ENCRYPTION"
	EncryptionSecretEnv = "OFFSYNC_ENCRYPTION_SECRET"
)

// Admin server values
const (
	ServerErrorChannelSize   = 1
	DefaultConflictListLimit = 50
	MaxConflictListLimit     = 500
)

// Input limits
const (
	MaxEntityIDLength      = 256
	MaxDeviceIDLength      = 128
	MaxBatchSize           = 500
	MaxRetryCeiling        = 100
	MaxTimeoutSec          = 3600
	MaxBatchRequestBytes   = 8 * 1024 * 1024
	MaxControlRequestBytes = 1024 * 1024
)
