package models

// Config holds the application configuration
type Config struct {
	Remote      RemoteConfig   `json:"remote"`
	Sync        SyncConfig     `json:"sync"`
	Database    DatabaseConfig `json:"database"`
	Server      ServerConfig   `json:"server"`
	Tracing     TracingConfig  `json:"tracing"`
	Retry       RetryConfig    `json:"retry"`
	Collections []string       `json:"collections"`
	DeviceID    string         `json:"deviceId"`
	LogLevel    string         `json:"log_level"`
}

// RemoteConfig describes how to reach the remote authority
type RemoteConfig struct {
	APIURL              string `json:"apiUrl"`
	WSURL               string `json:"wsUrl"`
	Token               string `json:"token"`
	TimeoutSec          int    `json:"timeoutSec"`
	PingIntervalSec     int    `json:"pingIntervalSec"`
	ReconnectDelayMs    int    `json:"reconnectDelayMs"`
	ReconnectMaxDelayMs int    `json:"reconnectMaxDelayMs"`
}

// SyncConfig controls the drain loop
type SyncConfig struct {
	IntervalMs         int    `json:"intervalMs"`
	RealtimeIntervalMs int    `json:"realtimeIntervalMs"`
	Realtime           bool   `json:"realtime"`
	BatchSize          int    `json:"batchSize"`
	RetryCeiling       int    `json:"retryCeiling"`
	ConflictMode       string `json:"conflictMode"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path string `json:"path"`
}

// ServerConfig configures the admin HTTP surface
type ServerConfig struct {
	Port    int  `json:"port"`
	Enabled bool `json:"enabled"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	Enabled        bool    `json:"enabled"`
	UseStdout      bool    `json:"use_stdout"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
