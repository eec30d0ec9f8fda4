package integration_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"offsync/internal/authority"
	"offsync/internal/conflict"
	"offsync/internal/database"
	"offsync/internal/engine"
	"offsync/internal/identity"
	"offsync/internal/models"
	"offsync/internal/repository"
	"offsync/internal/transport"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type task struct {
	models.Record
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

// remoteEnv is one authority shared by every device in a test.
type remoteEnv struct {
	authority *authority.Authority
	server    *httptest.Server
	logger    *logrus.Logger
}

func newRemote(t *testing.T) *remoteEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	a := authority.New(logger, authority.WithToken("integration-token"))
	server := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		a.Close()
		server.Close()
	})
	return &remoteEnv{authority: a, server: server, logger: logger}
}

func (r *remoteEnv) remoteConfig() models.RemoteConfig {
	return models.RemoteConfig{
		APIURL:     r.server.URL,
		WSURL:      "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws",
		Token:      "integration-token",
		TimeoutSec: 5,
	}
}

// device is one install: its own store, identity, transport and engine.
type device struct {
	id     string
	db     *database.Database
	tasks  *repository.Repository[task, *task]
	engine *engine.Engine
	remote *transport.Transport
}

func newDevice(t *testing.T, env *remoteEnv, id string, mode models.ResolutionMode) *device {
	t.Helper()
	ctx := context.Background()

	db, err := database.New(filepath.Join(t.TempDir(), id+".db"), database.WithLogger(env.logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	devices := identity.NewProvider(db, id, env.logger)
	deviceID, err := devices.DeviceID(ctx)
	require.NoError(t, err)

	tasks, err := repository.New[task](ctx, db, "tasks", devices, env.logger)
	require.NoError(t, err)

	remote, err := transport.New(transport.ConfigFrom(env.remoteConfig(), deviceID), env.logger)
	require.NoError(t, err)

	policy, err := conflict.PolicyFor(string(mode))
	require.NoError(t, err)

	eng, err := engine.New(db, remote.HTTPClient, remote.Channel, devices, engine.Config{
		Interval:       time.Hour,
		BatchSize:      20,
		RetryCeiling:   3,
		Policy:         policy,
		RequestTimeout: 5 * time.Second,
	}, env.logger)
	require.NoError(t, err)
	t.Cleanup(eng.Stop)

	return &device{id: deviceID, db: db, tasks: tasks, engine: eng, remote: remote}
}

func (d *device) create(t *testing.T, id, title string) *task {
	t.Helper()
	in := &task{Title: title}
	in.ID = id
	created, err := d.tasks.Create(context.Background(), in)
	require.NoError(t, err)
	return created
}

func (d *device) syncNow(t *testing.T) *engine.DrainResult {
	t.Helper()
	result, err := d.engine.SyncNow(context.Background())
	require.NoError(t, err)
	return result
}
