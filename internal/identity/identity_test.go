package identity

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"offsync/internal/database"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func TestDeviceID_StableAcrossProviders(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "identity.db")

	db, err := database.New(path)
	require.NoError(t, err)

	first, err := NewProvider(db, "", quietLogger()).DeviceID(ctx)
	require.NoError(t, err)
	_, err = uuid.Parse(first)
	assert.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = database.New(path)
	require.NoError(t, err)
	defer db.Close()

	second, err := NewProvider(db, "", quietLogger()).DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDeviceID_Pinned(t *testing.T) {
	ctx := context.Background()
	db, err := database.New(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = NewProvider(db, "", quietLogger()).DeviceID(ctx)
	require.NoError(t, err)

	id, err := NewProvider(db, "  kiosk-7 ", quietLogger()).DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "kiosk-7", id)

	again, err := NewProvider(db, "", quietLogger()).DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "kiosk-7", again)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockStore) SetMeta(ctx context.Context, key, value string) error {
	return m.Called(ctx, key, value).Error(0)
}

func (m *mockStore) SetMetaIfAbsent(ctx context.Context, key, value string) (string, error) {
	args := m.Called(ctx, key, value)
	return args.String(0), args.Error(1)
}

func TestDeviceID_CachedAfterFirstRead(t *testing.T) {
	ctx := context.Background()
	store := new(mockStore)
	store.On("GetMeta", ctx, "device_id").Return("dev-1", true, nil).Once()

	p := NewProvider(store, "", quietLogger())
	for i := 0; i < 3; i++ {
		id, err := p.DeviceID(ctx)
		require.NoError(t, err)
		assert.Equal(t, "dev-1", id)
	}
	store.AssertExpectations(t)
}

func TestDeviceID_StoreError(t *testing.T) {
	ctx := context.Background()
	store := new(mockStore)
	store.On("GetMeta", ctx, "device_id").Return("", false, errors.New("disk gone"))

	_, err := NewProvider(store, "", quietLogger()).DeviceID(ctx)
	assert.ErrorContains(t, err, "disk gone")
}
