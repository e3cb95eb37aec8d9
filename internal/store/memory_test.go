package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

func sessionData(userID string, ttl time.Duration) types.SessionData {
	created := time.Now()
	return types.SessionData{
		UserID:    userID,
		Username:  userID + "-name",
		Roles:     []string{types.RoleUser},
		CreatedAt: created,
		ExpiresAt: created.Add(ttl),
	}
}

func TestMemorySessionStoreCRUD(t *testing.T) {
	s := NewMemorySessionStore()
	defer s.Close()
	ctx := context.Background()

	sess, err := s.Create(ctx, sessionData("u1", time.Hour))
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.Data.UserID)

	exists, err := s.Exists(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)

	require.NoError(t, s.Delete(ctx, sess.ID))
	_, err = s.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, types.ErrSessionNotFound)

	// Deleting again is not an error.
	assert.NoError(t, s.Delete(ctx, sess.ID))
}

func TestMemorySessionStoreExpiry(t *testing.T) {
	s := NewMemorySessionStore()
	defer s.Close()
	ctx := context.Background()

	sess, err := s.Create(ctx, sessionData("u1", 10*time.Millisecond))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	// Expired sessions are invisible to reads even before the sweeper runs.
	_, err = s.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, types.ErrSessionNotFound)

	exists, err := s.Exists(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemorySessionStoreTouchDoesNotExtendTTL(t *testing.T) {
	s := NewMemorySessionStore()
	defer s.Close()
	ctx := context.Background()

	sess, err := s.Create(ctx, sessionData("u1", 50*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, s.Touch(ctx, sess.ID))
	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Data.ExpiresAt.Unix(), got.Data.ExpiresAt.Unix())

	time.Sleep(60 * time.Millisecond)
	assert.ErrorIs(t, s.Touch(ctx, sess.ID), types.ErrSessionNotFound)
}

func TestMemorySessionStoreGetByUserID(t *testing.T) {
	s := NewMemorySessionStore()
	defer s.Close()
	ctx := context.Background()

	_, err := s.Create(ctx, sessionData("u1", time.Hour))
	require.NoError(t, err)
	_, err = s.Create(ctx, sessionData("u1", time.Hour))
	require.NoError(t, err)
	_, err = s.Create(ctx, sessionData("u2", time.Hour))
	require.NoError(t, err)

	sessions, err := s.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	sessions, err = s.GetByUserID(ctx, "u3")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestMemorySessionStoreDeleteExpired(t *testing.T) {
	s := NewMemorySessionStore()
	defer s.Close()
	ctx := context.Background()

	_, err := s.Create(ctx, sessionData("u1", 5*time.Millisecond))
	require.NoError(t, err)
	live, err := s.Create(ctx, sessionData("u1", time.Hour))
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	removed, err := s.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, live.ID)
	assert.NoError(t, err)
}

func TestMemoryContextStoreCRUD(t *testing.T) {
	s := NewMemoryContextStore()
	ctx := context.Background()

	created, err := s.Create(ctx, types.Context{
		SessionID: "sess-1",
		UserID:    "u1",
		Name:      "scraper",
		Type:      "browser",
		Status:    types.ContextActive,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "scraper", got.Name)

	// Ownership fields cannot be rebound via update.
	got.Name = "renamed"
	got.SessionID = "hijack"
	updated, err := s.Update(ctx, *got)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "sess-1", updated.SessionID)

	list, err := s.ListBySession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.Delete(ctx, created.ID))
	_, err = s.Get(ctx, created.ID)
	assert.ErrorIs(t, err, types.ErrContextNotFound)
}

func TestMemoryContextStoreDeleteBySession(t *testing.T) {
	s := NewMemoryContextStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Create(ctx, types.Context{SessionID: "sess-1", UserID: "u1", Status: types.ContextActive})
		require.NoError(t, err)
	}
	_, err := s.Create(ctx, types.Context{SessionID: "sess-2", UserID: "u1", Status: types.ContextActive})
	require.NoError(t, err)

	removed, err := s.DeleteBySession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	list, err := s.ListBySession(ctx, "sess-2")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
