package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/config"
)

// Stores bundles the selected backends.
type Stores struct {
	Sessions SessionStore
	Contexts ContextStore
	Backend  string
}

// Open selects a store backend from configuration.
//
//	redis  — require Redis; fail when unreachable
//	memory — always in-memory
//	auto   — try Redis when REDIS_URL is set, fall back to memory
func Open(ctx context.Context, cfg *config.Config) (*Stores, error) {
	switch cfg.SessionStore {
	case config.StoreMemory:
		return openMemory(), nil

	case config.StoreRedis:
		stores, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis store required but unavailable: %w", err)
		}
		return stores, nil

	default: // auto
		if cfg.RedisURL != "" {
			stores, err := openRedis(ctx, cfg.RedisURL)
			if err == nil {
				return stores, nil
			}
			log.Warn().Err(err).Msg("Redis unavailable, falling back to in-memory store")
		}
		return openMemory(), nil
	}
}

func openMemory() *Stores {
	log.Info().Str("backend", "memory").Msg("Store initialized")
	return &Stores{
		Sessions: NewMemorySessionStore(),
		Contexts: NewMemoryContextStore(),
		Backend:  "memory",
	}
}

func openRedis(ctx context.Context, redisURL string) (*Stores, error) {
	client, err := NewRedisClient(ctx, redisURL)
	if err != nil {
		return nil, err
	}
	log.Info().Str("backend", "redis").Msg("Store initialized")
	return &Stores{
		Sessions: NewRedisSessionStore(client),
		Contexts: NewRedisContextStore(client),
		Backend:  "redis",
	}, nil
}

// Close releases both stores.
func (s *Stores) Close() error {
	if err := s.Contexts.Close(); err != nil {
		log.Debug().Err(err).Msg("Context store close failed")
	}
	return s.Sessions.Close()
}
