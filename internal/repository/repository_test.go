package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"offsync/internal/database"
	"offsync/internal/errors"
	"offsync/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type task struct {
	models.Record
	Title    string `json:"title"`
	Done     bool   `json:"done"`
	Priority int    `json:"priority"`
}

type fixedDevice string

func (f fixedDevice) DeviceID(context.Context) (string, error) { return string(f), nil }

func setupRepo(t *testing.T) (*Repository[task, *task], *database.Database) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	db, err := database.New(filepath.Join(t.TempDir(), "repo.db"), database.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := New[task](context.Background(), db, "tasks", fixedDevice("device-1"), logger)
	require.NoError(t, err)
	return repo, db
}

func TestCreate_ThenGetByIDAndSingleQueueEntry(t *testing.T) {
	ctx := context.Background()
	repo, db := setupRepo(t)

	created, err := repo.Create(ctx, &task{Title: "buy milk", Priority: 2})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Title, got.Title)
	assert.Equal(t, created.Priority, got.Priority)
	assert.True(t, created.CreatedAt.Equal(got.CreatedAt))

	entries, err := db.EntriesFor(ctx, "tasks", created.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OperationCreate, entries[0].Operation)
	assert.Equal(t, models.StatusPending, entries[0].Status)
	assert.Equal(t, "device-1", entries[0].DeviceID)
	assert.Contains(t, string(entries[0].Payload), `"buy milk"`)

	state, err := db.GetSyncState(ctx, "tasks", created.ID)
	require.NoError(t, err)
	assert.True(t, state.IsDirty)
}

func TestCreate_KeepsProvidedIDAndRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepo(t)

	in := &task{Title: "fixed"}
	in.ID = "t-1"
	created, err := repo.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "t-1", created.ID)

	dup := &task{Title: "again"}
	dup.ID = "t-1"
	_, err = repo.Create(ctx, dup)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
}

func TestCreate_RejectsUnusableID(t *testing.T) {
	ctx := context.Background()
	repo, db := setupRepo(t)

	in := &task{Title: "bad id"}
	in.ID = "t\n1"
	_, err := repo.Create(ctx, in)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))

	counts, err := db.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Total)
}

func TestUpdate_MergesAndQueues(t *testing.T) {
	ctx := context.Background()
	repo, db := setupRepo(t)

	created, err := repo.Create(ctx, &task{Title: "draft", Priority: 1})
	require.NoError(t, err)

	repo.now = func() time.Time { return created.UpdatedAt.Add(time.Minute) }
	updated, err := repo.Update(ctx, created.ID, map[string]any{"done": true, "id": "hijack"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "draft", updated.Title)
	assert.True(t, updated.Done)
	assert.Equal(t, 1, updated.Priority)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))
	assert.True(t, updated.CreatedAt.Equal(created.CreatedAt))

	entries, err := db.EntriesFor(ctx, "tasks", created.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.OperationUpdate, entries[1].Operation)
	assert.Contains(t, string(entries[1].Payload), `"done":true`)
}

func TestUpdate_RejectsTypeMismatch(t *testing.T) {
	ctx := context.Background()
	repo, db := setupRepo(t)

	created, err := repo.Create(ctx, &task{Title: "typed"})
	require.NoError(t, err)

	_, err = repo.Update(ctx, created.ID, map[string]any{"priority": "high"})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))

	entries, err := db.EntriesFor(ctx, "tasks", created.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "a failed update must not queue anything")
}

func TestDelete_QueuesWithoutPayload(t *testing.T) {
	ctx := context.Background()
	repo, db := setupRepo(t)

	created, err := repo.Create(ctx, &task{Title: "temporary"})
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, created.ID))

	_, err = repo.GetByID(ctx, created.ID)
	assert.True(t, errors.IsNotFound(err))

	entries, err := db.EntriesFor(ctx, "tasks", created.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.OperationDelete, entries[1].Operation)
	assert.Nil(t, entries[1].Payload)
}

func TestMissingRecord_NotFound(t *testing.T) {
	ctx := context.Background()
	repo, db := setupRepo(t)

	_, err := repo.GetByID(ctx, "nope")
	assert.True(t, errors.IsNotFound(err))

	_, err = repo.Update(ctx, "nope", map[string]any{"title": "x"})
	assert.True(t, errors.IsNotFound(err))

	assert.True(t, errors.IsNotFound(repo.Delete(ctx, "nope")))

	counts, err := db.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Total)
}

func TestGetAllAndGetBy(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepo(t)

	for i, title := range []string{"a", "b", "c"} {
		_, err := repo.Create(ctx, &task{Title: title, Priority: i % 2, Done: i == 2})
		require.NoError(t, err)
	}

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].Title)

	zero, err := repo.GetBy(ctx, "priority", 0)
	require.NoError(t, err)
	assert.Len(t, zero, 2)

	done, err := repo.GetBy(ctx, "done", true)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "c", done[0].Title)

	none, err := repo.GetBy(ctx, "missing", "x")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOperationClock_StrictlyIncreasing(t *testing.T) {
	var c operationClock
	at := time.UnixMilli(5000)

	first := c.stamp(at)
	second := c.stamp(at)
	third := c.stamp(at.Add(-time.Second))

	assert.Equal(t, int64(5000), first.UnixMilli())
	assert.Equal(t, int64(5001), second.UnixMilli())
	assert.Equal(t, int64(5002), third.UnixMilli())
}

func TestOperationClock_PerRepository(t *testing.T) {
	first, _ := setupRepo(t)
	second, _ := setupRepo(t)
	at := time.UnixMilli(9000)

	assert.Equal(t, int64(9000), first.clock.stamp(at).UnixMilli())
	assert.Equal(t, int64(9001), first.clock.stamp(at).UnixMilli())
	assert.Equal(t, int64(9000), second.clock.stamp(at).UnixMilli())
}

func TestRapidUpdates_DistinctTimestamps(t *testing.T) {
	ctx := context.Background()
	repo, db := setupRepo(t)

	created, err := repo.Create(ctx, &task{Title: "fast"})
	require.NoError(t, err)
	_, err = repo.Update(ctx, created.ID, map[string]any{"priority": 1})
	require.NoError(t, err)
	_, err = repo.Update(ctx, created.ID, map[string]any{"priority": 2})
	require.NoError(t, err)

	entries, err := db.EntriesFor(ctx, "tasks", created.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[1].Timestamp.Before(entries[2].Timestamp))
}
