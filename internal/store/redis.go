package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

// Redis key layout. Session bodies carry a TTL so Redis expires them
// itself; the per-user index is reconciled on read.
const (
	sessionKeyPrefix = "session:"
	userIndexPrefix  = "user_sessions:"
	contextKeyPrefix = "context:"
	sessIndexPrefix  = "session_contexts:"
)

// RedisSessionStore persists sessions in Redis with native TTL expiry.
type RedisSessionStore struct {
	client *redis.Client
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}
	return client, nil
}

func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func (s *RedisSessionStore) Create(ctx context.Context, data types.SessionData) (*types.Session, error) {
	sess := &types.Session{
		ID:             uuid.NewString(),
		Data:           data,
		LastAccessedAt: data.CreatedAt,
	}
	if err := s.write(ctx, sess); err != nil {
		return nil, err
	}
	if err := s.client.SAdd(ctx, userIndexPrefix+data.UserID, sess.ID).Err(); err != nil {
		return nil, storeErr(err)
	}
	return sess, nil
}

// write serializes the session under its key with the remaining TTL.
func (s *RedisSessionStore) write(ctx context.Context, sess *types.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ttl := time.Until(sess.Data.ExpiresAt)
	if ttl <= 0 {
		return types.ErrSessionExpired
	}
	return storeErr(s.client.Set(ctx, sessionKeyPrefix+sess.ID, payload, ttl).Err())
}

func (s *RedisSessionStore) Get(ctx context.Context, id string) (*types.Session, error) {
	raw, err := s.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.ErrSessionNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	var sess types.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("corrupt session %s: %w", id, err)
	}
	if sess.Expired(now()) {
		_ = s.Delete(ctx, id)
		return nil, types.ErrSessionNotFound
	}
	return &sess, nil
}

func (s *RedisSessionStore) GetByUserID(ctx context.Context, userID string) ([]*types.Session, error) {
	ids, err := s.client.SMembers(ctx, userIndexPrefix+userID).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	out := make([]*types.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, types.ErrSessionNotFound) {
			// Redis expired the body; reconcile the index.
			_ = s.client.SRem(ctx, userIndexPrefix+userID, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *RedisSessionStore) Update(ctx context.Context, id string, data types.SessionData) (*types.Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Data.UserID != data.UserID {
		pipe := s.client.TxPipeline()
		pipe.SRem(ctx, userIndexPrefix+sess.Data.UserID, id)
		pipe.SAdd(ctx, userIndexPrefix+data.UserID, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, storeErr(err)
		}
	}
	sess.Data = data
	sess.LastAccessedAt = now()
	if err := s.write(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Touch refreshes lastAccessedAt. The key keeps its remaining TTL, so
// touching never extends a session's lifetime.
func (s *RedisSessionStore) Touch(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.LastAccessedAt = now()
	return s.write(ctx, sess)
}

func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	raw, err := s.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if err == nil {
		var sess types.Session
		if json.Unmarshal(raw, &sess) == nil {
			_ = s.client.SRem(ctx, userIndexPrefix+sess.Data.UserID, id).Err()
		}
	}
	return storeErr(s.client.Del(ctx, sessionKeyPrefix+id).Err())
}

// DeleteExpired reconciles user indexes whose session bodies Redis has
// already expired. Body expiry itself is native.
func (s *RedisSessionStore) DeleteExpired(ctx context.Context) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, userIndexPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		indexKey := iter.Val()
		ids, err := s.client.SMembers(ctx, indexKey).Result()
		if err != nil {
			return removed, storeErr(err)
		}
		for _, id := range ids {
			exists, err := s.client.Exists(ctx, sessionKeyPrefix+id).Result()
			if err != nil {
				return removed, storeErr(err)
			}
			if exists == 0 {
				_ = s.client.SRem(ctx, indexKey, id).Err()
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, storeErr(err)
	}
	return removed, nil
}

func (s *RedisSessionStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, sessionKeyPrefix+id).Result()
	if err != nil {
		return false, storeErr(err)
	}
	return n > 0, nil
}

func (s *RedisSessionStore) Clear(ctx context.Context) error {
	for _, pattern := range []string{sessionKeyPrefix + "*", userIndexPrefix + "*"} {
		iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
				return storeErr(err)
			}
		}
		if err := iter.Err(); err != nil {
			return storeErr(err)
		}
	}
	return nil
}

func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

// RedisContextStore persists browsing contexts in Redis.
type RedisContextStore struct {
	client *redis.Client
}

func NewRedisContextStore(client *redis.Client) *RedisContextStore {
	return &RedisContextStore{client: client}
}

func (s *RedisContextStore) Create(ctx context.Context, c types.Context) (*types.Context, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, contextKeyPrefix+c.ID, payload, 0)
	pipe.SAdd(ctx, sessIndexPrefix+c.SessionID, c.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr(err)
	}
	return &c, nil
}

func (s *RedisContextStore) Get(ctx context.Context, id string) (*types.Context, error) {
	raw, err := s.client.Get(ctx, contextKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.ErrContextNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	var c types.Context
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("corrupt context %s: %w", id, err)
	}
	return &c, nil
}

func (s *RedisContextStore) ListBySession(ctx context.Context, sessionID string) ([]*types.Context, error) {
	ids, err := s.client.SMembers(ctx, sessIndexPrefix+sessionID).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	out := make([]*types.Context, 0, len(ids))
	for _, id := range ids {
		c, err := s.Get(ctx, id)
		if errors.Is(err, types.ErrContextNotFound) {
			_ = s.client.SRem(ctx, sessIndexPrefix+sessionID, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *RedisContextStore) Update(ctx context.Context, c types.Context) (*types.Context, error) {
	existing, err := s.Get(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	c.SessionID = existing.SessionID
	c.UserID = existing.UserID
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = now()

	payload, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	if err := s.client.Set(ctx, contextKeyPrefix+c.ID, payload, 0).Err(); err != nil {
		return nil, storeErr(err)
	}
	return &c, nil
}

func (s *RedisContextStore) Delete(ctx context.Context, id string) error {
	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, contextKeyPrefix+id)
	pipe.SRem(ctx, sessIndexPrefix+c.SessionID, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *RedisContextStore) DeleteBySession(ctx context.Context, sessionID string) (int, error) {
	ids, err := s.client.SMembers(ctx, sessIndexPrefix+sessionID).Result()
	if err != nil {
		return 0, storeErr(err)
	}
	removed := 0
	for _, id := range ids {
		if err := s.client.Del(ctx, contextKeyPrefix+id).Err(); err != nil {
			return removed, storeErr(err)
		}
		removed++
	}
	if err := s.client.Del(ctx, sessIndexPrefix+sessionID).Err(); err != nil {
		return removed, storeErr(err)
	}
	return removed, nil
}

func (s *RedisContextStore) Close() error { return nil }

// storeErr wraps backend failures so callers can map them uniformly.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	log.Debug().Err(err).Msg("Redis store operation failed")
	return fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
}
