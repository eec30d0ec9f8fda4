package config

import (
	"os"
	"path/filepath"
	"testing"

	"offsync/internal/constants"
	"offsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `{
	"remote": {
		"apiUrl": "https://sync.example.com",
		"wsUrl": "wss://sync.example.com/ws",
		"token": "secret123",
		"timeoutSec": 10
	},
	"sync": {
		"intervalMs": 2000,
		"batchSize": 50,
		"conflictMode": "CLIENT_WINS"
	},
	"database": {
		"path": "/path/to/offsync.db"
	},
	"collections": ["tasks", "notes"],
	"log_level": "info"
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		setEnv    map[string]string
		wantError bool
		validate  func(*testing.T, *models.Config)
	}{
		{
			name:    "valid config",
			content: validConfig,
			validate: func(t *testing.T, c *models.Config) {
				assert.Equal(t, "https://sync.example.com", c.Remote.APIURL)
				assert.Equal(t, "wss://sync.example.com/ws", c.Remote.WSURL)
				assert.Equal(t, 10, c.Remote.TimeoutSec)
				assert.Equal(t, 2000, c.Sync.IntervalMs)
				assert.Equal(t, 50, c.Sync.BatchSize)
				assert.Equal(t, "CLIENT_WINS", c.Sync.ConflictMode)
				assert.Equal(t, []string{"tasks", "notes"}, c.Collections)
			},
		},
		{
			name:    "defaults applied",
			content: `{"remote": {"apiUrl": "http://localhost:8086"}}`,
			validate: func(t *testing.T, c *models.Config) {
				assert.Equal(t, constants.DefaultDatabasePath, c.Database.Path)
				assert.Equal(t, constants.DefaultConflictMode, c.Sync.ConflictMode)
				assert.Equal(t, constants.DefaultSyncIntervalMs, c.Sync.IntervalMs)
				assert.Equal(t, constants.DefaultRealtimeIntervalMs, c.Sync.RealtimeIntervalMs)
				assert.Equal(t, constants.DefaultBatchSize, c.Sync.BatchSize)
				assert.Equal(t, constants.DefaultRetryCeiling, c.Sync.RetryCeiling)
				assert.Equal(t, constants.DefaultHTTPTimeoutSec, c.Remote.TimeoutSec)
				assert.Equal(t, constants.DefaultReconnectDelayMs, c.Remote.ReconnectDelayMs)
				assert.Equal(t, constants.DefaultServerPort, c.Server.Port)
			},
		},
		{
			name:    "environment overrides",
			content: validConfig,
			setEnv: map[string]string{
				"OFFSYNC_API_URL":   "https://other.example.com",
				"OFFSYNC_WS_URL":    "wss://other.example.com/ws",
				"OFFSYNC_TOKEN":     "from-env",
				"DB_PATH":           "/data/sync.db",
				"OFFSYNC_DEVICE_ID": "device-9",
			},
			validate: func(t *testing.T, c *models.Config) {
				assert.Equal(t, "https://other.example.com", c.Remote.APIURL)
				assert.Equal(t, "wss://other.example.com/ws", c.Remote.WSURL)
				assert.Equal(t, "from-env", c.Remote.Token)
				assert.Equal(t, "/data/sync.db", c.Database.Path)
				assert.Equal(t, "device-9", c.DeviceID)
			},
		},
		{
			name:    "environment supplies missing API URL",
			content: `{}`,
			setEnv:  map[string]string{"OFFSYNC_API_URL": "http://localhost:8086"},
			validate: func(t *testing.T, c *models.Config) {
				assert.Equal(t, "http://localhost:8086", c.Remote.APIURL)
			},
		},
		{
			name:      "missing API URL",
			content:   `{"database": {"path": "x.db"}}`,
			wantError: true,
		},
		{
			name:      "API URL with wrong scheme",
			content:   `{"remote": {"apiUrl": "ftp://sync.example.com"}}`,
			wantError: true,
		},
		{
			name:      "WebSocket URL with wrong scheme",
			content:   `{"remote": {"apiUrl": "https://sync.example.com", "wsUrl": "https://sync.example.com/ws"}}`,
			wantError: true,
		},
		{
			name:      "unknown conflict mode",
			content:   `{"remote": {"apiUrl": "https://sync.example.com"}, "sync": {"conflictMode": "NEWEST_WINS"}}`,
			wantError: true,
		},
		{
			name:      "duplicate collection",
			content:   `{"remote": {"apiUrl": "https://sync.example.com"}, "collections": ["tasks", "tasks"]}`,
			wantError: true,
		},
		{
			name:      "collection name not usable as a table",
			content:   `{"remote": {"apiUrl": "https://sync.example.com"}, "collections": ["my-tasks"]}`,
			wantError: true,
		},
		{
			name:      "batch size above limit",
			content:   `{"remote": {"apiUrl": "https://sync.example.com"}, "sync": {"batchSize": 5000}}`,
			wantError: true,
		},
		{
			name:      "retry ceiling above limit",
			content:   `{"remote": {"apiUrl": "https://sync.example.com"}, "sync": {"retryCeiling": 1000}}`,
			wantError: true,
		},
		{
			name:      "remote timeout above limit",
			content:   `{"remote": {"apiUrl": "https://sync.example.com", "timeoutSec": 7200}}`,
			wantError: true,
		},
		{
			name:      "device id with control characters",
			content:   `{"remote": {"apiUrl": "https://sync.example.com"}, "deviceId": "dev\nice"}`,
			wantError: true,
		},
		{
			name:      "database path with traversal",
			content:   `{"remote": {"apiUrl": "https://sync.example.com"}, "database": {"path": "../escape.db"}}`,
			wantError: true,
		},
		{
			name:      "sample rate out of range",
			content:   `{"remote": {"apiUrl": "https://sync.example.com"}, "tracing": {"sample_rate": 2}}`,
			wantError: true,
		},
		{
			name:      "invalid json",
			content:   `{"remote": `,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.setEnv {
				t.Setenv(k, v)
			}

			cfg, err := LoadConfig(writeConfig(t, tt.content))
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.validate != nil {
				tt.validate(t, cfg)
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadConfig_RejectsTraversalPath(t *testing.T) {
	_, err := LoadConfig("../../etc/config.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config path")
}

func TestLoadConfig_ConfigErrorType(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{}`))
	require.Error(t, err)
	assert.Equal(t, ErrMissingAPIURL, err)
}

func TestValidateSecurity_Production(t *testing.T) {
	t.Setenv("OFFSYNC_ENV", "production")

	tests := []struct {
		name      string
		config    models.Config
		wantError bool
	}{
		{
			name: "missing token",
			config: models.Config{
				Remote: models.RemoteConfig{APIURL: "https://sync.example.com"},
			},
			wantError: true,
		},
		{
			name: "plain http",
			config: models.Config{
				Remote: models.RemoteConfig{APIURL: "http://sync.example.com", Token: "t"},
			},
			wantError: true,
		},
		{
			name: "debug logging",
			config: models.Config{
				Remote:   models.RemoteConfig{APIURL: "https://sync.example.com", Token: "t"},
				LogLevel: "debug",
			},
			wantError: true,
		},
		{
			name: "hardened",
			config: models.Config{
				Remote:   models.RemoteConfig{APIURL: "https://sync.example.com", Token: "t"},
				LogLevel: "info",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSecurity(&tt.config)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSecurity_DevelopmentAllowsMissingToken(t *testing.T) {
	t.Setenv("OFFSYNC_ENV", "")
	c := &models.Config{Remote: models.RemoteConfig{APIURL: "http://localhost:8086"}}
	assert.NoError(t, validateSecurity(c))
}
