package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

func redisTestStore(t *testing.T) (*miniredis.Miniredis, *RedisSessionStore, *RedisContextStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisSessionStore(client), NewRedisContextStore(client)
}

func TestRedisSessionStoreCRUD(t *testing.T) {
	_, s, _ := redisTestStore(t)
	ctx := context.Background()

	sess, err := s.Create(ctx, sessionData("u1", time.Hour))
	require.NoError(t, err)

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.Data.UserID)
	assert.Equal(t, sess.ID, got.ID)

	exists, err := s.Exists(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Delete(ctx, sess.ID))
	_, err = s.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestRedisSessionStoreNativeExpiry(t *testing.T) {
	mr, s, _ := redisTestStore(t)
	ctx := context.Background()

	sess, err := s.Create(ctx, sessionData("u1", time.Minute))
	require.NoError(t, err)

	// Simulate Redis TTL elapsing.
	mr.FastForward(2 * time.Minute)

	_, err = s.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, types.ErrSessionNotFound)

	// The user index still holds the stale id until reconciliation.
	removed, err := s.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestRedisSessionStoreGetByUserIDReconcilesIndex(t *testing.T) {
	mr, s, _ := redisTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, sessionData("u1", time.Minute))
	require.NoError(t, err)
	live, err := s.Create(ctx, sessionData("u1", time.Hour))
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	sessions, err := s.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, live.ID, sessions[0].ID)
}

func TestRedisSessionStoreTouchKeepsTTL(t *testing.T) {
	_, s, _ := redisTestStore(t)
	ctx := context.Background()

	sess, err := s.Create(ctx, sessionData("u1", time.Hour))
	require.NoError(t, err)

	before := sess.Data.ExpiresAt
	require.NoError(t, s.Touch(ctx, sess.ID))

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Unix(), got.Data.ExpiresAt.Unix())
	assert.True(t, got.LastAccessedAt.After(sess.LastAccessedAt) || got.LastAccessedAt.Equal(sess.LastAccessedAt))
}

func TestRedisContextStoreCRUD(t *testing.T) {
	_, _, s := redisTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, types.Context{
		SessionID: "sess-1",
		UserID:    "u1",
		Name:      "crawler",
		Status:    types.ContextActive,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "crawler", got.Name)

	got.Name = "renamed"
	got.SessionID = "other"
	updated, err := s.Update(ctx, *got)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "sess-1", updated.SessionID)

	list, err := s.ListBySession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	removed, err := s.DeleteBySession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, created.ID)
	assert.ErrorIs(t, err, types.ErrContextNotFound)
}
