// Package types provides shared types, interfaces, and errors for the
// control plane. Subsystems exchange only ids and value types defined here;
// the stores are the single source of truth for ownership lookups.
package types

import (
	"time"
)

// Roles recognized by the control plane. Role logic is plain string
// comparison; there is no hierarchy beyond admin implying everything.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
	RoleGuest = "guest"
)

// Principal is the authenticated identity attached to an invocation.
// It is immutable for the duration of the invocation.
type Principal struct {
	UserID    string   `json:"userId"`
	Username  string   `json:"username"`
	Roles     []string `json:"roles"`
	SessionID string   `json:"sessionId"`
}

// HasRole reports whether the principal carries the given role.
// Admins implicitly satisfy every role check.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// SessionData is the payload persisted for a session.
type SessionData struct {
	UserID    string            `json:"userId"`
	Username  string            `json:"username"`
	Roles     []string          `json:"roles"`
	CreatedAt time.Time         `json:"createdAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Session binds an authenticated principal to a TTL.
// Invariants: ExpiresAt > CreatedAt; LastAccessedAt >= CreatedAt.
type Session struct {
	ID             string      `json:"id"`
	Data           SessionData `json:"data"`
	LastAccessedAt time.Time   `json:"lastAccessedAt"`
}

// Expired reports whether the session's TTL has elapsed.
func (s *Session) Expired(now time.Time) bool {
	return s.Data.ExpiresAt.Before(now)
}

// Principal derives the principal carried by this session.
func (s *Session) Principal() Principal {
	return Principal{
		UserID:    s.Data.UserID,
		Username:  s.Data.Username,
		Roles:     s.Data.Roles,
		SessionID: s.ID,
	}
}

// ContextStatus is the lifecycle state of a browsing context.
type ContextStatus string

const (
	ContextActive  ContextStatus = "active"
	ContextClosed  ContextStatus = "closed"
)

// Context is a per-session container for pages and configuration.
// Invariant: SessionID references an existing session whose data.UserID
// equals UserID.
type Context struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Config    map[string]any    `json:"config,omitempty"`
	Status    ContextStatus     `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	UserID    string            `json:"userId"`
}

// PageState is the lifecycle state of a page. Closed is absorbing.
type PageState string

const (
	PageActive     PageState = "active"
	PageNavigating PageState = "navigating"
	PageClosed     PageState = "closed"
)

// PageInfo mirrors the live engine page handle.
// Invariants: ContextID and SessionID must belong to the same ownership
// chain; BrowserID must reference a currently leased browser.
type PageInfo struct {
	ID                string    `json:"id"`
	ContextID         string    `json:"contextId"`
	SessionID         string    `json:"sessionId"`
	BrowserID         string    `json:"browserId"`
	URL               string    `json:"url"`
	Title             string    `json:"title"`
	State             PageState `json:"state"`
	CreatedAt         time.Time `json:"createdAt"`
	LastActivityAt    time.Time `json:"lastActivityAt"`
	NavigationHistory []string  `json:"navigationHistory,omitempty"`
	ErrorCount        int       `json:"errorCount"`
}

// ActionType identifies one automation command.
type ActionType string

// The fixed set of action types understood by the executor registry.
const (
	ActionNavigate     ActionType = "navigate"
	ActionClick        ActionType = "click"
	ActionType_        ActionType = "type"
	ActionSelect       ActionType = "select"
	ActionKeyboard     ActionType = "keyboard"
	ActionMouse        ActionType = "mouse"
	ActionScreenshot   ActionType = "screenshot"
	ActionPDF          ActionType = "pdf"
	ActionWait         ActionType = "wait"
	ActionScroll       ActionType = "scroll"
	ActionEvaluate     ActionType = "evaluate"
	ActionUpload       ActionType = "upload"
	ActionCookie       ActionType = "cookie"
	ActionGetAttribute ActionType = "getAttribute"
	ActionContent      ActionType = "content"
)

// ActionInvocation is a single automation request against a page.
// It is ephemeral and does not outlive one request.
type ActionInvocation struct {
	ActionType    ActionType     `json:"actionType"`
	PageID        string         `json:"pageId"`
	Parameters    map[string]any `json:"parameters"`
	Timeout       time.Duration  `json:"timeout,omitempty"`
	Principal     Principal      `json:"principal"`
	CorrelationID string         `json:"correlationId"`
}

// ActionResult is the single response object returned per action.
type ActionResult struct {
	Success    bool           `json:"success"`
	ActionType ActionType     `json:"actionType"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Duration   time.Duration  `json:"duration"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// VerifyOwnership checks the full principal→session→context→page chain.
// Any break is an authorization failure, never a not-found.
func VerifyOwnership(p Principal, s *Session, c *Context, pi *PageInfo) bool {
	if s == nil || c == nil || pi == nil {
		return false
	}
	return p.UserID == s.Data.UserID &&
		s.ID == c.SessionID &&
		c.ID == pi.ContextID &&
		pi.SessionID == s.ID
}
