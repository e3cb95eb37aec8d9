// Package browser manages the pool of browser engine instances.
// The pool leases whole browsers to sessions, scales between configured
// bounds, recycles aging instances, and fails fast through a circuit
// breaker when the engine keeps dying.
package browser

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/engine"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

// State is the lifecycle state of a pooled instance.
type State string

const (
	StateLaunching State = "launching"
	StateIdle      State = "idle"
	StateActive    State = "active"
	StateUnhealthy State = "unhealthy"
	StateRecycling State = "recycling"
	StateClosed    State = "closed"
)

// validTransitions encodes the instance state machine. Closed is absorbing.
var validTransitions = map[State][]State{
	StateLaunching: {StateIdle, StateClosed},
	StateIdle:      {StateActive, StateUnhealthy, StateRecycling, StateClosed},
	StateActive:    {StateIdle, StateUnhealthy, StateClosed},
	StateUnhealthy: {StateRecycling, StateClosed},
	StateRecycling: {StateClosed},
	StateClosed:    {},
}

// Instance is one pooled browser engine with lease bookkeeping.
type Instance struct {
	ID string

	mu      sync.Mutex
	state   State
	browser engine.Browser

	// sessionID holds the lease owner while active.
	sessionID string

	createdAt  time.Time
	lastUsedAt time.Time
	useCount   atomic.Int64

	// pages opened on this instance, keyed by page id.
	pages map[string]engine.Page

	healthFailures int
	errorCount     atomic.Int64
}

func newInstance(id string, b engine.Browser) *Instance {
	now := time.Now()
	return &Instance{
		ID:         id,
		state:      StateLaunching,
		browser:    b,
		createdAt:  now,
		lastUsedAt: now,
		pages:      make(map[string]engine.Page),
	}
}

// transition moves the instance to a new state, enforcing the state
// machine. Invalid transitions return ErrBrowserUnhealthy-class failures
// only for callers that race a recycle; most callers check state first.
func (i *Instance) transition(to State) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.transitionLocked(to)
}

func (i *Instance) transitionLocked(to State) bool {
	for _, allowed := range validTransitions[i.state] {
		if allowed == to {
			i.state = to
			return true
		}
	}
	return false
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Owner returns the session currently holding the lease, if any.
func (i *Instance) Owner() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sessionID
}

// lease marks the instance active for a session.
func (i *Instance) lease(sessionID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateIdle {
		return false
	}
	if !i.transitionLocked(StateActive) {
		return false
	}
	i.sessionID = sessionID
	i.lastUsedAt = time.Now()
	i.useCount.Add(1)
	return true
}

// release returns the instance to idle. The lease owner is cleared.
func (i *Instance) release() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateActive {
		return false
	}
	if !i.transitionLocked(StateIdle) {
		return false
	}
	i.sessionID = ""
	i.lastUsedAt = time.Now()
	return true
}

// verifyOwner checks that the session holds this instance's lease.
func (i *Instance) verifyOwner(sessionID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateActive || i.sessionID != sessionID {
		return types.ErrNotLeaseOwner
	}
	return nil
}

// addPage registers a page opened on this instance.
func (i *Instance) addPage(pageID string, p engine.Page) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pages[pageID] = p
	i.lastUsedAt = time.Now()
}

// removePage forgets a page. Returns the handle for the caller to close.
func (i *Instance) removePage(pageID string) (engine.Page, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.pages[pageID]
	if ok {
		delete(i.pages, pageID)
		i.lastUsedAt = time.Now()
	}
	return p, ok
}

// pageCount returns the number of open pages.
func (i *Instance) pageCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pages)
}

// drainPages removes and returns all pages for closing.
func (i *Instance) drainPages() []engine.Page {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]engine.Page, 0, len(i.pages))
	for _, p := range i.pages {
		out = append(out, p)
	}
	i.pages = make(map[string]engine.Page)
	return out
}

// recordHealthFailure bumps the consecutive failure counter and returns
// the new count.
func (i *Instance) recordHealthFailure() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.healthFailures++
	return i.healthFailures
}

// recordHealthSuccess resets the consecutive failure counter.
func (i *Instance) recordHealthSuccess() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.healthFailures = 0
}

func (i *Instance) healthFailureCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.healthFailures
}

// Age returns how long the instance has existed.
func (i *Instance) Age() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return time.Since(i.createdAt)
}

// IdleFor returns how long since the instance was last used.
func (i *Instance) IdleFor() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return time.Since(i.lastUsedAt)
}
