// Package pages tracks live browser pages and mirrors their state.
// The manager owns the session→browser lease mapping, re-verifies the
// ownership chain on every access, and keeps PageInfo mirrors current by
// subscribing to engine lifecycle events.
package pages

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/browser"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/engine"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

const (
	// historyCap bounds the per-page navigation history mirror.
	historyCap = 50
	// cleanupInterval is how often idle pages are swept.
	cleanupInterval = 5 * time.Minute
	// tombstoneTTL is how long closed page ids are remembered so late
	// callers get "page closed" instead of "not found".
	tombstoneTTL = 10 * time.Minute
)

// CreatePageParams configure a new page.
type CreatePageParams struct {
	ViewportWidth  int               `json:"viewportWidth,omitempty"`
	ViewportHeight int               `json:"viewportHeight,omitempty"`
	UserAgent      string            `json:"userAgent,omitempty"`
	Locale         string            `json:"locale,omitempty"`
	ExtraHeaders   map[string]string `json:"extraHeaders,omitempty"`
}

// managed pairs the live engine handle with its info mirror.
type managed struct {
	mu   sync.Mutex
	page engine.Page
	info types.PageInfo
}

// Manager owns page lifecycle and the session lease mapping.
type Manager struct {
	cfg  *config.Config
	pool *browser.Pool

	mu         sync.Mutex
	pages      map[string]*managed
	byContext  map[string]map[string]struct{}
	leases     map[string]*browser.Lease // sessionID -> lease
	tombstones map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates the manager and starts the idle cleanup loop.
func NewManager(cfg *config.Config, pool *browser.Pool) *Manager {
	m := &Manager{
		cfg:        cfg,
		pool:       pool,
		pages:      make(map[string]*managed),
		byContext:  make(map[string]map[string]struct{}),
		leases:     make(map[string]*browser.Lease),
		tombstones: make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.cleanupLoop()
	}()
	return m
}

// leaseFor returns the session's browser lease, acquiring one on first use.
func (m *Manager) leaseFor(ctx context.Context, sessionID string) (*browser.Lease, error) {
	m.mu.Lock()
	lease, ok := m.leases[sessionID]
	m.mu.Unlock()
	if ok {
		return lease, nil
	}

	lease, err := m.pool.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.leases[sessionID]; ok {
		// Lost the race; keep the first lease.
		m.mu.Unlock()
		_ = m.pool.Release(lease)
		return existing, nil
	}
	m.leases[sessionID] = lease
	m.mu.Unlock()
	return lease, nil
}

// Create opens a page inside a context. The full ownership chain has
// already been resolved by the dispatcher; the manager binds the page to
// it and starts mirroring engine events.
func (m *Manager) Create(ctx context.Context, sess *types.Session, bctx *types.Context, params CreatePageParams) (*types.PageInfo, error) {
	if bctx.Status != types.ContextActive {
		return nil, types.ErrContextClosed
	}

	lease, err := m.leaseFor(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	opts := engine.PageOptions{
		ViewportWidth:  params.ViewportWidth,
		ViewportHeight: params.ViewportHeight,
		UserAgent:      params.UserAgent,
		Locale:         params.Locale,
		ExtraHeaders:   params.ExtraHeaders,
	}
	pageID, page, err := m.pool.CreatePage(ctx, lease, opts)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	mg := &managed{
		page: page,
		info: types.PageInfo{
			ID:             pageID,
			ContextID:      bctx.ID,
			SessionID:      sess.ID,
			BrowserID:      lease.InstanceID,
			URL:            "about:blank",
			State:          types.PageActive,
			CreatedAt:      now,
			LastActivityAt: now,
		},
	}

	m.mu.Lock()
	m.pages[pageID] = mg
	if m.byContext[bctx.ID] == nil {
		m.byContext[bctx.ID] = make(map[string]struct{})
	}
	m.byContext[bctx.ID][pageID] = struct{}{}
	m.mu.Unlock()

	page.Subscribe(func(ev engine.Event) { m.onEvent(pageID, ev) })

	log.Info().
		Str("page_id", pageID).
		Str("context_id", bctx.ID).
		Str("session_id", sess.ID).
		Str("browser_id", lease.InstanceID).
		Msg("Page created")

	info := mg.snapshot()
	return &info, nil
}

// onEvent applies an engine lifecycle event to the page mirror.
func (m *Manager) onEvent(pageID string, ev engine.Event) {
	m.mu.Lock()
	mg, ok := m.pages[pageID]
	m.mu.Unlock()
	if !ok {
		return
	}

	mg.mu.Lock()
	defer mg.mu.Unlock()
	if mg.info.State == types.PageClosed {
		return
	}
	mg.info.LastActivityAt = time.Now()

	switch ev.Kind {
	case engine.EventNavigated:
		mg.info.URL = ev.URL
		mg.info.State = types.PageNavigating
		mg.info.NavigationHistory = append(mg.info.NavigationHistory, ev.URL)
		if len(mg.info.NavigationHistory) > historyCap {
			mg.info.NavigationHistory = mg.info.NavigationHistory[len(mg.info.NavigationHistory)-historyCap:]
		}
	case engine.EventLoaded:
		mg.info.State = types.PageActive
	case engine.EventTitle:
		mg.info.Title = ev.Title
	case engine.EventPageError:
		mg.info.ErrorCount++
	case engine.EventPageClosed:
		mg.info.State = types.PageClosed
	}
}

// resolve looks up a page and re-verifies the ownership chain. A broken
// chain is an authorization failure, never a not-found.
func (m *Manager) resolve(pageID string, p types.Principal, sess *types.Session, bctx *types.Context) (*managed, error) {
	m.mu.Lock()
	mg, ok := m.pages[pageID]
	if !ok {
		_, dead := m.tombstones[pageID]
		m.mu.Unlock()
		if dead {
			return nil, types.ErrPageClosed
		}
		return nil, types.ErrPageNotFound
	}
	m.mu.Unlock()

	info := mg.snapshot()
	if !types.VerifyOwnership(p, sess, bctx, &info) {
		return nil, types.ErrAccessDenied
	}
	if info.State == types.PageClosed {
		return nil, types.ErrPageClosed
	}
	return mg, nil
}

// Get returns the page info mirror after ownership verification.
func (m *Manager) Get(pageID string, p types.Principal, sess *types.Session, bctx *types.Context) (*types.PageInfo, error) {
	mg, err := m.resolve(pageID, p, sess, bctx)
	if err != nil {
		return nil, err
	}
	info := mg.snapshot()
	return &info, nil
}

// Handle returns the live engine page after ownership verification.
// The action executor uses this to run commands.
func (m *Manager) Handle(pageID string, p types.Principal, sess *types.Session, bctx *types.Context) (engine.Page, *types.PageInfo, error) {
	mg, err := m.resolve(pageID, p, sess, bctx)
	if err != nil {
		return nil, nil, err
	}
	info := mg.snapshot()
	return mg.page, &info, nil
}

// Touch refreshes the page's activity clock and optionally flips its
// navigation state.
func (m *Manager) Touch(pageID string, state types.PageState) {
	m.mu.Lock()
	mg, ok := m.pages[pageID]
	m.mu.Unlock()
	if !ok {
		return
	}
	mg.mu.Lock()
	mg.info.LastActivityAt = time.Now()
	if state != "" && mg.info.State != types.PageClosed {
		mg.info.State = state
	}
	mg.mu.Unlock()
}

// ContextOf returns the owning context of a live page. Callers still
// verify the full ownership chain before touching the page.
func (m *Manager) ContextOf(pageID string) (string, error) {
	m.mu.Lock()
	mg, ok := m.pages[pageID]
	if !ok {
		_, dead := m.tombstones[pageID]
		m.mu.Unlock()
		if dead {
			return "", types.ErrPageClosed
		}
		return "", types.ErrPageNotFound
	}
	m.mu.Unlock()

	mg.mu.Lock()
	defer mg.mu.Unlock()
	return mg.info.ContextID, nil
}

// ListByContext returns the info mirrors of all pages in a context.
func (m *Manager) ListByContext(contextID string) []*types.PageInfo {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byContext[contextID]))
	for id := range m.byContext[contextID] {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make([]*types.PageInfo, 0, len(ids))
	for _, id := range ids {
		m.mu.Lock()
		mg, ok := m.pages[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		info := mg.snapshot()
		out = append(out, &info)
	}
	return out
}

// Close closes a page after ownership verification.
func (m *Manager) Close(pageID string, p types.Principal, sess *types.Session, bctx *types.Context) error {
	mg, err := m.resolve(pageID, p, sess, bctx)
	if err != nil {
		return err
	}
	m.remove(pageID, mg)
	return nil
}

// remove tears a page down and leaves a tombstone.
func (m *Manager) remove(pageID string, mg *managed) {
	mg.mu.Lock()
	alreadyClosed := mg.info.State == types.PageClosed
	mg.info.State = types.PageClosed
	sessionID := mg.info.SessionID
	contextID := mg.info.ContextID
	mg.mu.Unlock()

	m.mu.Lock()
	delete(m.pages, pageID)
	if set := m.byContext[contextID]; set != nil {
		delete(set, pageID)
		if len(set) == 0 {
			delete(m.byContext, contextID)
		}
	}
	m.tombstones[pageID] = time.Now()
	lease := m.leases[sessionID]
	m.mu.Unlock()

	if !alreadyClosed && lease != nil {
		if err := m.pool.ClosePage(lease, pageID); err != nil {
			log.Debug().Err(err).Str("page_id", pageID).Msg("Error closing page on engine")
		}
	}

	log.Info().Str("page_id", pageID).Str("context_id", contextID).Msg("Page closed")
}

// CloseByContext closes every page in a context. Used when a context is
// deleted.
func (m *Manager) CloseByContext(contextID string) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byContext[contextID]))
	for id := range m.byContext[contextID] {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	closed := 0
	for _, id := range ids {
		m.mu.Lock()
		mg, ok := m.pages[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		m.remove(id, mg)
		closed++
	}
	return closed
}

// CloseBySession closes every page owned by a session and releases the
// session's browser lease. Used when a session is deleted.
func (m *Manager) CloseBySession(sessionID string) int {
	m.mu.Lock()
	ids := make([]string, 0)
	for id, mg := range m.pages {
		if mg.info.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	closed := 0
	for _, id := range ids {
		m.mu.Lock()
		mg, ok := m.pages[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		m.remove(id, mg)
		closed++
	}

	m.mu.Lock()
	lease := m.leases[sessionID]
	delete(m.leases, sessionID)
	m.mu.Unlock()
	if lease != nil {
		if err := m.pool.Release(lease); err != nil {
			log.Debug().Err(err).Str("session_id", sessionID).Msg("Error releasing browser lease")
		}
	}
	return closed
}

// cleanupLoop sweeps idle pages and expired tombstones.
func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanupIdle(time.Now())
		}
	}
}

// cleanupIdle closes pages idle past the configured timeout. Navigating
// pages are skipped; they are mid-operation by definition.
func (m *Manager) cleanupIdle(now time.Time) {
	m.mu.Lock()
	type victim struct {
		id string
		mg *managed
	}
	var victims []victim
	for id, mg := range m.pages {
		mg.mu.Lock()
		idle := now.Sub(mg.info.LastActivityAt) > m.cfg.IdleTimeout
		skip := mg.info.State == types.PageNavigating
		mg.mu.Unlock()
		if idle && !skip {
			victims = append(victims, victim{id: id, mg: mg})
		}
	}
	for id, t := range m.tombstones {
		if now.Sub(t) > tombstoneTTL {
			delete(m.tombstones, id)
		}
	}
	m.mu.Unlock()

	for _, v := range victims {
		log.Info().Str("page_id", v.id).Msg("Closing idle page")
		m.remove(v.id, v.mg)
	}
}

// Count returns the number of live pages.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

// Shutdown stops the cleanup loop and closes every page.
func (m *Manager) Shutdown() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	pages := make(map[string]*managed, len(m.pages))
	for id, mg := range m.pages {
		pages[id] = mg
	}
	m.mu.Unlock()

	for id, mg := range pages {
		m.remove(id, mg)
	}

	m.mu.Lock()
	leases := m.leases
	m.leases = make(map[string]*browser.Lease)
	m.mu.Unlock()
	for _, lease := range leases {
		_ = m.pool.Release(lease)
	}
}

func (mg *managed) snapshot() types.PageInfo {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	info := mg.info
	if mg.info.NavigationHistory != nil {
		info.NavigationHistory = append([]string(nil), mg.info.NavigationHistory...)
	}
	return info
}
