// Package store provides persistence for sessions and browsing contexts.
// Two backends exist: an in-memory store for single-node deployments and a
// Redis store for shared state. The factory picks one from configuration.
package store

import (
	"context"
	"time"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

// SessionStore persists authenticated sessions.
type SessionStore interface {
	// Create persists a new session and returns its generated id.
	Create(ctx context.Context, data types.SessionData) (*types.Session, error)
	// Get retrieves a session by id. Expired sessions are deleted on
	// read and reported as not found.
	Get(ctx context.Context, id string) (*types.Session, error)
	// GetByUserID returns all live sessions belonging to a user.
	GetByUserID(ctx context.Context, userID string) ([]*types.Session, error)
	// Update replaces a session's data, preserving its id.
	Update(ctx context.Context, id string, data types.SessionData) (*types.Session, error)
	// Touch updates lastAccessedAt without extending expiresAt.
	Touch(ctx context.Context, id string) error
	// Delete removes a session. Deleting a missing session is not an error.
	Delete(ctx context.Context, id string) error
	// DeleteExpired removes all expired sessions and reports how many.
	DeleteExpired(ctx context.Context) (int, error)
	// Exists reports whether a live session with the id exists.
	Exists(ctx context.Context, id string) (bool, error)
	// Clear removes all sessions.
	Clear(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// ContextStore persists browsing contexts.
type ContextStore interface {
	// Create persists a new context.
	Create(ctx context.Context, c types.Context) (*types.Context, error)
	// Get retrieves a context by id.
	Get(ctx context.Context, id string) (*types.Context, error)
	// ListBySession returns all contexts belonging to a session.
	ListBySession(ctx context.Context, sessionID string) ([]*types.Context, error)
	// Update replaces a context's mutable fields.
	Update(ctx context.Context, c types.Context) (*types.Context, error)
	// Delete removes a context.
	Delete(ctx context.Context, id string) error
	// DeleteBySession removes all contexts of a session and reports how many.
	DeleteBySession(ctx context.Context, sessionID string) (int, error)
	// Close releases backend resources.
	Close() error
}

// now is stubbed in tests.
var now = time.Now
