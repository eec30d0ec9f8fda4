package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"offsync/internal/engine"
	apperrors "offsync/internal/errors"
	"offsync/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSyncService struct {
	mock.Mock
}

func (m *MockSyncService) Status(ctx context.Context) (*engine.Status, error) {
	args := m.Called(ctx)
	if s := args.Get(0); s != nil {
		return s.(*engine.Status), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSyncService) FailedEntries(ctx context.Context) ([]*models.QueueEntry, error) {
	args := m.Called(ctx)
	if e := args.Get(0); e != nil {
		return e.([]*models.QueueEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSyncService) ResetFailed(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockSyncService) SyncNow(ctx context.Context) (*engine.DrainResult, error) {
	args := m.Called(ctx)
	if r := args.Get(0); r != nil {
		return r.(*engine.DrainResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSyncService) FullSync(ctx context.Context) (*engine.FullSyncResult, error) {
	args := m.Called(ctx)
	if r := args.Get(0); r != nil {
		return r.(*engine.FullSyncResult), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Healthy(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *MockStore) ListConflicts(ctx context.Context, limit int) ([]models.ConflictRecord, error) {
	args := m.Called(ctx, limit)
	if c := args.Get(0); c != nil {
		return c.([]models.ConflictRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func newTestServer(t *testing.T) (*Server, *MockSyncService, *MockStore) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	svc := new(MockSyncService)
	store := new(MockStore)
	t.Cleanup(func() {
		svc.AssertExpectations(t)
		store.AssertExpectations(t)
	})
	return NewServer(models.ServerConfig{Enabled: true}, svc, store, logger), svc, store
}

func serve(s *Server, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestNewServer_DefaultPort(t *testing.T) {
	server, _, _ := newTestServer(t)
	assert.Equal(t, 8085, server.port)
	assert.NoError(t, server.Shutdown(context.Background()))
}

func TestServer_HandleHealth(t *testing.T) {
	server, _, store := newTestServer(t)
	store.On("Healthy", mock.Anything).Return(true).Once()
	store.On("Healthy", mock.Anything).Return(false).Once()

	w := serve(server, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = serve(server, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"unhealthy"}`, w.Body.String())
}

func TestServer_HandleStatus(t *testing.T) {
	server, svc, _ := newTestServer(t)
	svc.On("Status", mock.Anything).Return(&engine.Status{
		Running:           true,
		DeviceID:          "device-1",
		Queue:             models.QueueCounts{Pending: 2, Failed: 1},
		PermanentlyFailed: 1,
		RemoteError:       "authority unavailable",
	}, nil)

	w := serve(server, http.MethodGet, "/sync/status")
	require.Equal(t, http.StatusOK, w.Code)

	var body engine.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Running)
	assert.Equal(t, "device-1", body.DeviceID)
	assert.Equal(t, 2, body.Queue.Pending)
	assert.Equal(t, 1, body.PermanentlyFailed)
	assert.Equal(t, "authority unavailable", body.RemoteError)
}

func TestServer_HandleStatus_StoreError(t *testing.T) {
	server, svc, _ := newTestServer(t)
	svc.On("Status", mock.Anything).Return(nil, engine.ErrStoreUnhealthy)

	w := serve(server, http.MethodGet, "/sync/status")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, apperrors.ErrCodeDatabaseConnection, body.Error.Code)
	assert.Equal(t, w.Header().Get("X-Request-ID"), body.RequestID)
}

func TestServer_HandleFailed(t *testing.T) {
	server, svc, _ := newTestServer(t)
	svc.On("FailedEntries", mock.Anything).Return([]*models.QueueEntry{{
		ID:         "q-1",
		Collection: "tasks",
		EntityID:   "t-1",
		Status:     models.StatusFailed,
		Attempts:   4,
	}}, nil).Once()
	svc.On("FailedEntries", mock.Anything).Return(nil, nil).Once()

	w := serve(server, http.MethodGet, "/sync/failed")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []models.QueueEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "q-1", entries[0].ID)
	assert.Equal(t, 4, entries[0].Attempts)

	w = serve(server, http.MethodGet, "/sync/failed")
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestServer_HandleConflicts(t *testing.T) {
	server, _, store := newTestServer(t)
	resolvedAt := time.UnixMilli(1700000000000).UTC()
	store.On("ListConflicts", mock.Anything, 50).Return([]models.ConflictRecord{{
		ID:         7,
		Collection: "tasks",
		EntityID:   "t-1",
		Resolution: models.ResolutionServerWins,
		ResolvedAt: resolvedAt,
	}}, nil)
	store.On("ListConflicts", mock.Anything, 500).Return(nil, nil)

	w := serve(server, http.MethodGet, "/sync/conflicts")
	require.Equal(t, http.StatusOK, w.Code)
	var records []models.ConflictRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "t-1", records[0].EntityID)
	assert.Equal(t, models.ResolutionServerWins, records[0].Resolution)

	w = serve(server, http.MethodGet, "/sync/conflicts?limit=100000")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestServer_HandleConflicts_InvalidLimit(t *testing.T) {
	server, _, _ := newTestServer(t)

	for _, limit := range []string{"abc", "0", "-3"} {
		w := serve(server, http.MethodGet, "/sync/conflicts?limit="+limit)
		assert.Equal(t, http.StatusBadRequest, w.Code, limit)
	}
}

func TestServer_HandleReset(t *testing.T) {
	server, svc, _ := newTestServer(t)
	svc.On("ResetFailed", mock.Anything).Return(int64(3), nil)

	w := serve(server, http.MethodPost, "/sync/reset")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"reset":3}`, w.Body.String())
}

func TestServer_HandleSyncNow(t *testing.T) {
	server, svc, _ := newTestServer(t)
	svc.On("SyncNow", mock.Anything).Return(&engine.DrainResult{Submitted: 2, Completed: 2}, nil).Once()
	svc.On("SyncNow", mock.Anything).Return(nil,
		apperrors.NewTransportError("/sync/batch", http.StatusServiceUnavailable, stderrors.New("down"))).Once()

	w := serve(server, http.MethodPost, "/sync/now")
	require.Equal(t, http.StatusOK, w.Code)
	var result engine.DrainResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 2, result.Completed)

	w = serve(server, http.MethodPost, "/sync/now")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestServer_HandleFullSync(t *testing.T) {
	server, svc, _ := newTestServer(t)
	svc.On("FullSync", mock.Anything).Return(&engine.FullSyncResult{
		Applied:      4,
		SkippedDirty: 1,
		UnknownTypes: []string{"notes"},
		Timestamp:    1700000000000,
	}, nil)

	w := serve(server, http.MethodPost, "/sync/full")
	require.Equal(t, http.StatusOK, w.Code)
	var result engine.FullSyncResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 4, result.Applied)
	assert.Equal(t, []string{"notes"}, result.UnknownTypes)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := serve(server, http.MethodGet, "/sync/reset")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServer_HandleMetrics(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := serve(server, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-cache, no-store, must-revalidate", w.Header().Get("Cache-Control"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "counters")
	assert.Contains(t, body, "timers")
	assert.Contains(t, body, "uptime_ms")
}
