package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

// memoryCleanupInterval is how often expired sessions are swept.
const memoryCleanupInterval = 1 * time.Minute

// MemorySessionStore keeps sessions in a map guarded by an RWMutex.
// A background sweeper removes expired entries; reads also expire lazily
// so a stopped sweeper never serves stale sessions.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	byUser   map[string]map[string]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMemorySessionStore creates the store and starts its cleanup loop.
func NewMemorySessionStore() *MemorySessionStore {
	s := &MemorySessionStore{
		sessions: make(map[string]*types.Session),
		byUser:   make(map[string]map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cleanupLoop()
	}()
	return s
}

func (s *MemorySessionStore) Create(ctx context.Context, data types.SessionData) (*types.Session, error) {
	sess := &types.Session{
		ID:             uuid.NewString(),
		Data:           data,
		LastAccessedAt: data.CreatedAt,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	if s.byUser[data.UserID] == nil {
		s.byUser[data.UserID] = make(map[string]struct{})
	}
	s.byUser[data.UserID][sess.ID] = struct{}{}
	s.mu.Unlock()

	return cloneSession(sess), nil
}

func (s *MemorySessionStore) Get(ctx context.Context, id string) (*types.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	if sess.Expired(now()) {
		s.removeExpired(id)
		return nil, types.ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

func (s *MemorySessionStore) GetByUserID(ctx context.Context, userID string) ([]*types.Session, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make([]*types.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *MemorySessionStore) Update(ctx context.Context, id string, data types.SessionData) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.Expired(now()) {
		return nil, types.ErrSessionNotFound
	}
	if sess.Data.UserID != data.UserID {
		delete(s.byUser[sess.Data.UserID], id)
		if s.byUser[data.UserID] == nil {
			s.byUser[data.UserID] = make(map[string]struct{})
		}
		s.byUser[data.UserID][id] = struct{}{}
	}
	sess.Data = data
	sess.LastAccessedAt = now()
	return cloneSession(sess), nil
}

// Touch refreshes lastAccessedAt only. The TTL is fixed at creation.
func (s *MemorySessionStore) Touch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.Expired(now()) {
		return types.ErrSessionNotFound
	}
	sess.LastAccessedAt = now()
	return nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(id)
	return nil
}

func (s *MemorySessionStore) DeleteExpired(ctx context.Context) (int, error) {
	t := now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if sess.Expired(t) {
			s.deleteLocked(id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemorySessionStore) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.Get(ctx, id)
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (s *MemorySessionStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*types.Session)
	s.byUser = make(map[string]map[string]struct{})
	return nil
}

func (s *MemorySessionStore) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	return nil
}

func (s *MemorySessionStore) removeExpired(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok && sess.Expired(now()) {
		s.deleteLocked(id)
	}
}

// deleteLocked removes a session and its user index entry. Caller holds mu.
func (s *MemorySessionStore) deleteLocked(id string) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	if users := s.byUser[sess.Data.UserID]; users != nil {
		delete(users, id)
		if len(users) == 0 {
			delete(s.byUser, sess.Data.UserID)
		}
	}
}

func (s *MemorySessionStore) cleanupLoop() {
	ticker := time.NewTicker(memoryCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n, _ := s.DeleteExpired(context.Background()); n > 0 {
				log.Debug().Int("removed", n).Msg("Expired sessions cleaned up")
			}
		}
	}
}

func cloneSession(s *types.Session) *types.Session {
	c := *s
	if s.Data.Roles != nil {
		c.Data.Roles = append([]string(nil), s.Data.Roles...)
	}
	if s.Data.Metadata != nil {
		c.Data.Metadata = make(map[string]string, len(s.Data.Metadata))
		for k, v := range s.Data.Metadata {
			c.Data.Metadata[k] = v
		}
	}
	return &c
}

// MemoryContextStore keeps browsing contexts in memory.
type MemoryContextStore struct {
	mu        sync.RWMutex
	contexts  map[string]*types.Context
	bySession map[string]map[string]struct{}
}

func NewMemoryContextStore() *MemoryContextStore {
	return &MemoryContextStore{
		contexts:  make(map[string]*types.Context),
		bySession: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryContextStore) Create(ctx context.Context, c types.Context) (*types.Context, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := c
	s.contexts[c.ID] = &stored
	if s.bySession[c.SessionID] == nil {
		s.bySession[c.SessionID] = make(map[string]struct{})
	}
	s.bySession[c.SessionID][c.ID] = struct{}{}

	out := stored
	return &out, nil
}

func (s *MemoryContextStore) Get(ctx context.Context, id string) (*types.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[id]
	if !ok {
		return nil, types.ErrContextNotFound
	}
	out := *c
	return &out, nil
}

func (s *MemoryContextStore) ListBySession(ctx context.Context, sessionID string) ([]*types.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Context, 0, len(s.bySession[sessionID]))
	for id := range s.bySession[sessionID] {
		if c, ok := s.contexts[id]; ok {
			cc := *c
			out = append(out, &cc)
		}
	}
	return out, nil
}

func (s *MemoryContextStore) Update(ctx context.Context, c types.Context) (*types.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.contexts[c.ID]
	if !ok {
		return nil, types.ErrContextNotFound
	}
	// Ownership fields are immutable after creation.
	c.SessionID = existing.SessionID
	c.UserID = existing.UserID
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = now()
	stored := c
	s.contexts[c.ID] = &stored
	out := stored
	return &out, nil
}

func (s *MemoryContextStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[id]
	if !ok {
		return types.ErrContextNotFound
	}
	delete(s.contexts, id)
	if set := s.bySession[c.SessionID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(s.bySession, c.SessionID)
		}
	}
	return nil
}

func (s *MemoryContextStore) DeleteBySession(ctx context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id := range s.bySession[sessionID] {
		delete(s.contexts, id)
		removed++
	}
	delete(s.bySession, sessionID)
	return removed, nil
}

func (s *MemoryContextStore) Close() error { return nil }
