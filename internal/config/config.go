package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"offsync/internal/constants"
	"offsync/internal/models"
	"offsync/internal/security"
	"offsync/internal/validation"
)

var (
	ErrMissingAPIURL = models.ConfigError{Message: "missing remote API URL"}
	ErrMissingDBPath = models.ConfigError{Message: "missing database path"}
)

func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Database.Path == "" {
		c.Database.Path = constants.DefaultDatabasePath
	}
	if err := security.ValidateFilePath(c.Database.Path); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid database path: %v", err)}
	}

	if c.Remote.APIURL == "" {
		return ErrMissingAPIURL
	}
	if err := checkURL(c.Remote.APIURL, "http", "https"); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid remote API URL: %v", err)}
	}
	if c.Remote.WSURL != "" {
		if err := checkURL(c.Remote.WSURL, "ws", "wss"); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid remote WebSocket URL: %v", err)}
		}
	}

	if c.Sync.ConflictMode == "" {
		c.Sync.ConflictMode = constants.DefaultConflictMode
	}
	if _, ok := models.ParseResolutionMode(c.Sync.ConflictMode); !ok {
		return models.ConfigError{Message: fmt.Sprintf("unknown conflict mode: %s", c.Sync.ConflictMode)}
	}
	if c.Sync.IntervalMs <= 0 {
		c.Sync.IntervalMs = constants.DefaultSyncIntervalMs
	}
	if c.Sync.RealtimeIntervalMs <= 0 {
		c.Sync.RealtimeIntervalMs = constants.DefaultRealtimeIntervalMs
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = constants.DefaultBatchSize
	}
	if c.Sync.RetryCeiling <= 0 {
		c.Sync.RetryCeiling = constants.DefaultRetryCeiling
	}

	if c.Remote.TimeoutSec <= 0 {
		c.Remote.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.Remote.PingIntervalSec <= 0 {
		c.Remote.PingIntervalSec = constants.DefaultPingIntervalSec
	}
	if c.Remote.ReconnectDelayMs <= 0 {
		c.Remote.ReconnectDelayMs = constants.DefaultReconnectDelayMs
	}
	if c.Remote.ReconnectMaxDelayMs <= 0 {
		c.Remote.ReconnectMaxDelayMs = constants.DefaultReconnectMaxDelayMs
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxAttempts
	}

	if err := validation.ValidateNumericRange(c.Sync.BatchSize, "sync batch size", 1, constants.MaxBatchSize); err != nil {
		return models.ConfigError{Message: err.Error()}
	}
	if err := validation.ValidateNumericRange(c.Sync.RetryCeiling, "sync retry ceiling", 1, constants.MaxRetryCeiling); err != nil {
		return models.ConfigError{Message: err.Error()}
	}
	if err := validation.ValidateTimeout(c.Remote.TimeoutSec, "remote timeout"); err != nil {
		return models.ConfigError{Message: err.Error()}
	}
	if c.DeviceID != "" {
		if err := validation.ValidateDeviceID(c.DeviceID); err != nil {
			return models.ConfigError{Message: err.Error()}
		}
	}

	seen := make(map[string]bool)
	for i, name := range c.Collections {
		if strings.TrimSpace(name) == "" {
			return models.ConfigError{Message: fmt.Sprintf("empty collection name at index %d", i)}
		}
		if err := validation.ValidateCollectionName(name); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid collection %q: %v", name, err)}
		}
		if seen[name] {
			return models.ConfigError{Message: fmt.Sprintf("duplicate collection: %s", name)}
		}
		seen[name] = true
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing sample rate must be between 0 and 1"}
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}

func applyEnvironmentOverrides(c *models.Config) {
	if u := os.Getenv("OFFSYNC_API_URL"); u != "" {
		c.Remote.APIURL = u
	}
	if u := os.Getenv("OFFSYNC_WS_URL"); u != "" {
		c.Remote.WSURL = u
	}

	// SECURITY: the authority token should be set via environment variables
	if token := os.Getenv("OFFSYNC_TOKEN"); token != "" {
		c.Remote.Token = token
	}

	if path := os.Getenv("DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if id := os.Getenv("OFFSYNC_DEVICE_ID"); id != "" {
		c.DeviceID = id
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv("OFFSYNC_ENV") == "production"

	if isProduction {
		if c.Remote.Token == "" {
			return models.ConfigError{Message: "authority token is required in production (set OFFSYNC_TOKEN environment variable)"}
		}
		if strings.HasPrefix(c.Remote.APIURL, "http://") {
			return models.ConfigError{Message: "remote API URL must use https in production"}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else if c.Remote.Token == "" {
		fmt.Fprintf(os.Stderr, "WARNING: authority token not set. Set OFFSYNC_TOKEN environment variable for security.\n")
	}

	return nil
}
