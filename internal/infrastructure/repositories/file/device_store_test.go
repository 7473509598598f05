package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ringline/internal/core/domain"
	"ringline/internal/core/services"
)

func TestYAMLDeviceStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "device.yaml")
	store := NewYAMLDeviceStore(path)

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrDeviceIDNotFound)

	require.NoError(t, store.Set(ctx, "a", "1"))
	require.NoError(t, store.Set(ctx, "b", "2"))

	reopened := NewYAMLDeviceStore(path)
	value, err := reopened.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", value)
	value, err = reopened.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "2", value)
}

func TestYAMLDeviceStoreKeepsDeviceIDAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "device.yaml")

	first, err := services.LoadOrCreateDeviceID(ctx, NewYAMLDeviceStore(path))
	require.NoError(t, err)
	second, err := services.LoadOrCreateDeviceID(ctx, NewYAMLDeviceStore(path))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestYAMLDeviceStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- not\n- a map\n"), 0o600))

	_, err := NewYAMLDeviceStore(path).Get(context.Background(), "a")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrDeviceIDNotFound)
}
