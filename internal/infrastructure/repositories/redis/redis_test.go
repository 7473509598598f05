package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ringline/internal/core/domain"
	"ringline/internal/core/services"
)

func testClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("RINGLINE_TEST_REDIS")
	if addr == "" {
		t.Skip("RINGLINE_TEST_REDIS not set")
	}
	client, err := NewRedisClient(addr, "", 0, 4, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { CloseRedisClient(client) })
	return client
}

func TestRedisCallRecorder(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	recorder := NewRedisCallRecorder(client)

	_, err := recorder.GetCallRecord(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrCallNotFound)

	ended := time.Now().UTC().Truncate(time.Second)
	record := &domain.CallRecord{
		ID:         uuid.NewString(),
		CallerID:   "alice",
		ReceiverID: "bob",
		Type:       domain.CallTypeVideo,
		StartedAt:  ended.Add(-time.Minute),
		EndedAt:    &ended,
		Duration:   time.Minute,
	}
	require.NoError(t, recorder.SaveCallRecord(ctx, record))
	got, err := recorder.GetCallRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.CallerID, got.CallerID)
	assert.Equal(t, time.Minute, got.Duration)

	chat := "chat-" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, historyKeyPrefix+chat) })
	for _, d := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second} {
		require.NoError(t, recorder.SaveCallHistory(ctx, chat, &domain.HistoryEntry{
			Type:     domain.CallTypeAudio,
			Duration: d,
			CallerID: "alice",
		}))
	}

	history, err := recorder.ListCallHistory(ctx, chat, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 3*time.Second, history[0].Duration, "newest first")
	assert.Equal(t, 2*time.Second, history[1].Duration)
}

func TestRedisPeerDirectory(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	clk := clock.NewMock()
	dir := NewRedisPeerDirectory(client, time.Minute, clk)
	t.Cleanup(dir.Close)

	user := domain.UserID("user-" + uuid.NewString())
	t.Cleanup(func() { client.Del(ctx, userKeyPrefix+string(user)) })

	_, err := dir.Resolve(ctx, user)
	assert.ErrorIs(t, err, domain.ErrPeerNotFound)

	require.NoError(t, dir.Register(ctx, domain.Peer{ID: user, DisplayName: "Bob"}))
	peer, err := dir.Resolve(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "Bob", peer.DisplayName)

	// served from cache until it expires
	client.HSet(ctx, userKeyPrefix+string(user), "display_name", "Robert")
	peer, err = dir.Resolve(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "Bob", peer.DisplayName)

	clk.Add(2 * time.Minute)
	peer, err = dir.Resolve(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "Robert", peer.DisplayName)
}

func TestRedisDeviceStore(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	installation := uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, keyPrefix+"installation:"+installation) })

	store := NewRedisDeviceStore(client, installation)
	_, err := store.Get(ctx, services.DeviceIDKey)
	assert.ErrorIs(t, err, domain.ErrDeviceIDNotFound)

	first, err := services.LoadOrCreateDeviceID(ctx, store)
	require.NoError(t, err)
	second, err := services.LoadOrCreateDeviceID(ctx, NewRedisDeviceStore(client, installation))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMigrateIsIdempotent(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t).Sugar()

	require.NoError(t, Migrate(ctx, client, logger))
	require.NoError(t, Migrate(ctx, client, logger))
	version, err := getSchemaVersion(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	client, err := NewRedisClient("127.0.0.1:1", "", 0, 1, nil)
	require.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}

func TestCloseRedisClient_Nil(t *testing.T) {
	assert.NoError(t, CloseRedisClient(nil))
}
