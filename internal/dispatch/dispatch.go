// Package dispatch is the protocol-agnostic service layer. Every transport
// (REST, gRPC, WebSocket, MCP) normalizes its requests into invocation
// records and calls the same dispatcher operations, so ownership checks,
// resource semantics, and error classification exist exactly once.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/actions"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/auth"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/browser"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/envelope"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/metrics"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/pages"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/store"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

// Dispatcher executes control-plane operations on behalf of transports.
type Dispatcher struct {
	cfg      *config.Config
	stores   *store.Stores
	auth     *auth.Authenticator
	pool     *browser.Pool
	pages    *pages.Manager
	executor *actions.Executor
	tracker  *envelope.Tracker
}

// New wires the dispatcher. The tracker may be nil; failures are then not
// recorded for analysis.
func New(cfg *config.Config, stores *store.Stores, a *auth.Authenticator, pool *browser.Pool, pm *pages.Manager, ex *actions.Executor, tr *envelope.Tracker) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		stores:   stores,
		auth:     a,
		pool:     pool,
		pages:    pm,
		executor: ex,
		tracker:  tr,
	}
}

// Auth exposes the authenticator for transport middleware.
func (d *Dispatcher) Auth() *auth.Authenticator { return d.auth }

// Fail converts an operation error into an envelope bound to the record,
// and feeds the tracker. Transports project the returned envelope onto
// their wire format.
func (d *Dispatcher) Fail(err error, rec *Record) *envelope.Envelope {
	env := envelope.FromError(err)
	if rec != nil {
		env = env.WithRequest(rec.RequestID, rec.CorrelationID).
			WithOperation(rec.Operation, rec.ResourceID)
	}
	if d.tracker != nil {
		d.tracker.Record(env)
	}
	metrics.RecordError(string(env.Category), env.Code)
	return env
}

// CreateSessionParams are the inputs for session creation.
type CreateSessionParams struct {
	Username string            `json:"username"`
	Roles    []string          `json:"roles,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SessionResult pairs a created session with its signed token.
type SessionResult struct {
	Session *types.Session `json:"session"`
	Token   string         `json:"token"`
}

// CreateSession provisions a session and issues a JWT against it.
func (d *Dispatcher) CreateSession(ctx context.Context, params CreateSessionParams) (*SessionResult, error) {
	if params.Username == "" {
		return nil, fmt.Errorf("%w: username is required", types.ErrInvalidParameters)
	}
	roles := params.Roles
	if len(roles) == 0 {
		roles = []string{types.RoleUser}
	}

	created := time.Now()
	sess, err := d.stores.Sessions.Create(ctx, types.SessionData{
		UserID:    uuid.NewString(),
		Username:  params.Username,
		Roles:     roles,
		CreatedAt: created,
		ExpiresAt: created.Add(d.cfg.SessionTTL),
		Metadata:  params.Metadata,
	})
	if err != nil {
		return nil, err
	}

	token, err := d.auth.IssueToken(sess.Principal())
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", sess.ID).
		Str("username", params.Username).
		Time("expires_at", sess.Data.ExpiresAt).
		Msg("Session created")
	return &SessionResult{Session: sess, Token: token}, nil
}

// GetSession returns a session. Principals see only their own session
// unless they are admins.
func (d *Dispatcher) GetSession(ctx context.Context, p types.Principal, sessionID string) (*types.Session, error) {
	sess, err := d.stores.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Data.UserID != p.UserID && !p.HasRole(types.RoleAdmin) {
		return nil, types.ErrAccessDenied
	}
	return sess, nil
}

// DeleteSession tears a session down: its pages, its browser lease, its
// contexts, and finally the session record itself.
func (d *Dispatcher) DeleteSession(ctx context.Context, p types.Principal, sessionID string) error {
	sess, err := d.stores.Sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Data.UserID != p.UserID && !p.HasRole(types.RoleAdmin) {
		return types.ErrAccessDenied
	}

	closed := d.pages.CloseBySession(sessionID)
	removed, err := d.stores.Contexts.DeleteBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := d.stores.Sessions.Delete(ctx, sessionID); err != nil {
		return err
	}

	log.Info().
		Str("session_id", sessionID).
		Int("pages_closed", closed).
		Int("contexts_removed", removed).
		Msg("Session deleted")
	return nil
}

// RefreshSession extends the caller's own session and issues a fresh
// token against the new expiry.
func (d *Dispatcher) RefreshSession(ctx context.Context, p types.Principal) (*SessionResult, error) {
	sess, err := d.callerSession(ctx, p)
	if err != nil {
		return nil, err
	}

	data := sess.Data
	data.ExpiresAt = time.Now().Add(d.cfg.SessionTTL)
	updated, err := d.stores.Sessions.Update(ctx, sess.ID, data)
	if err != nil {
		return nil, err
	}

	token, err := d.auth.IssueToken(updated.Principal())
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", sess.ID).
		Time("expires_at", data.ExpiresAt).
		Msg("Session refreshed")
	return &SessionResult{Session: updated, Token: token}, nil
}

// RevokeSessionParams name the session to revoke. An empty id targets
// the caller's own session.
type RevokeSessionParams struct {
	SessionID string `json:"sessionId,omitempty"`
}

// RevokeSession tears a session down. Callers revoke their own session;
// revoking someone else's requires the admin role (enforced by the
// delete path).
func (d *Dispatcher) RevokeSession(ctx context.Context, p types.Principal, params RevokeSessionParams) error {
	target := params.SessionID
	if target == "" {
		target = p.SessionID
	}
	if target == "" {
		return types.ErrMissingCredential
	}
	return d.DeleteSession(ctx, p, target)
}

// ListSessions is an admin operation that is not yet implemented: session
// stores do not expose cross-user enumeration.
func (d *Dispatcher) ListSessions(_ context.Context, p types.Principal) ([]*types.Session, error) {
	if !p.HasRole(types.RoleAdmin) {
		return nil, types.ErrAccessDenied
	}
	return nil, envelope.New(
		envelope.CodeNotImplemented,
		envelope.CategorySystem,
		envelope.SeverityLow,
		"session enumeration is not implemented",
		"Listing all sessions is not supported by this server.",
	)
}

// CreateContextParams are the inputs for context creation.
type CreateContextParams struct {
	Name   string         `json:"name"`
	Type   string         `json:"type,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// CreateContext creates a browsing context owned by the caller's session.
func (d *Dispatcher) CreateContext(ctx context.Context, p types.Principal, params CreateContextParams) (*types.Context, error) {
	sess, err := d.callerSession(ctx, p)
	if err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, fmt.Errorf("%w: name is required", types.ErrInvalidParameters)
	}

	now := time.Now()
	return d.stores.Contexts.Create(ctx, types.Context{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		UserID:    sess.Data.UserID,
		Name:      params.Name,
		Type:      params.Type,
		Config:    params.Config,
		Status:    types.ContextActive,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// GetContext returns an owned context.
func (d *Dispatcher) GetContext(ctx context.Context, p types.Principal, contextID string) (*types.Context, error) {
	_, bctx, err := d.ownedContext(ctx, p, contextID)
	if err != nil {
		return nil, err
	}
	return bctx, nil
}

// ListContexts returns every context of the caller's session.
func (d *Dispatcher) ListContexts(ctx context.Context, p types.Principal) ([]*types.Context, error) {
	sess, err := d.callerSession(ctx, p)
	if err != nil {
		return nil, err
	}
	return d.stores.Contexts.ListBySession(ctx, sess.ID)
}

// UpdateContextParams patch a context's mutable fields. Nil fields are
// left unchanged.
type UpdateContextParams struct {
	Name   *string        `json:"name,omitempty"`
	Config map[string]any `json:"config,omitempty"`
	Status *string        `json:"status,omitempty"`
}

// UpdateContext patches a context. Closing a context closes its pages.
func (d *Dispatcher) UpdateContext(ctx context.Context, p types.Principal, contextID string, params UpdateContextParams) (*types.Context, error) {
	_, bctx, err := d.ownedContext(ctx, p, contextID)
	if err != nil {
		return nil, err
	}

	if params.Name != nil {
		bctx.Name = *params.Name
	}
	if params.Config != nil {
		bctx.Config = params.Config
	}
	if params.Status != nil {
		switch types.ContextStatus(*params.Status) {
		case types.ContextActive, types.ContextClosed:
			bctx.Status = types.ContextStatus(*params.Status)
		default:
			return nil, fmt.Errorf("%w: invalid status %q", types.ErrInvalidParameters, *params.Status)
		}
	}
	bctx.UpdatedAt = time.Now()

	updated, err := d.stores.Contexts.Update(ctx, *bctx)
	if err != nil {
		return nil, err
	}
	if updated.Status == types.ContextClosed {
		d.pages.CloseByContext(contextID)
	}
	return updated, nil
}

// DeleteContext removes a context and closes its pages.
func (d *Dispatcher) DeleteContext(ctx context.Context, p types.Principal, contextID string) error {
	_, _, err := d.ownedContext(ctx, p, contextID)
	if err != nil {
		return err
	}
	closed := d.pages.CloseByContext(contextID)
	if err := d.stores.Contexts.Delete(ctx, contextID); err != nil {
		return err
	}
	log.Info().Str("context_id", contextID).Int("pages_closed", closed).Msg("Context deleted")
	return nil
}

// ExecuteParams are the inputs for an action execution.
type ExecuteParams struct {
	Action     string         `json:"action"`
	PageID     string         `json:"pageId"`
	Parameters map[string]any `json:"parameters,omitempty"`
	TimeoutMS  int            `json:"timeoutMs,omitempty"`
}

// ExecuteAction runs one automation action inside an owned context.
// Transports that address pages directly may leave contextID empty; it
// is then resolved from the page itself.
func (d *Dispatcher) ExecuteAction(ctx context.Context, p types.Principal, contextID string, params ExecuteParams, correlationID string) (*types.ActionResult, error) {
	if params.PageID == "" {
		return nil, fmt.Errorf("%w: pageId is required", types.ErrInvalidParameters)
	}
	contextID, err := d.pageContext(contextID, params.PageID)
	if err != nil {
		return nil, err
	}
	sess, bctx, err := d.ownedContext(ctx, p, contextID)
	if err != nil {
		return nil, err
	}

	inv := &types.ActionInvocation{
		ActionType:    types.ActionType(params.Action),
		PageID:        params.PageID,
		Parameters:    params.Parameters,
		Timeout:       time.Duration(params.TimeoutMS) * time.Millisecond,
		Principal:     p,
		CorrelationID: correlationID,
	}
	if inv.Parameters == nil {
		inv.Parameters = map[string]any{}
	}
	return d.executor.Execute(ctx, inv, sess, bctx)
}

// CreatePage opens a page inside an owned context.
func (d *Dispatcher) CreatePage(ctx context.Context, p types.Principal, contextID string, params pages.CreatePageParams) (*types.PageInfo, error) {
	sess, bctx, err := d.ownedContext(ctx, p, contextID)
	if err != nil {
		return nil, err
	}
	return d.pages.Create(ctx, sess, bctx, params)
}

// GetPage returns a page mirror after full chain verification. An empty
// contextID is resolved from the page.
func (d *Dispatcher) GetPage(ctx context.Context, p types.Principal, contextID, pageID string) (*types.PageInfo, error) {
	contextID, err := d.pageContext(contextID, pageID)
	if err != nil {
		return nil, err
	}
	sess, bctx, err := d.ownedContext(ctx, p, contextID)
	if err != nil {
		return nil, err
	}
	return d.pages.Get(pageID, p, sess, bctx)
}

// ListPages returns the pages of an owned context.
func (d *Dispatcher) ListPages(ctx context.Context, p types.Principal, contextID string) ([]*types.PageInfo, error) {
	_, _, err := d.ownedContext(ctx, p, contextID)
	if err != nil {
		return nil, err
	}
	return d.pages.ListByContext(contextID), nil
}

// ClosePage closes a page after full chain verification. An empty
// contextID is resolved from the page.
func (d *Dispatcher) ClosePage(ctx context.Context, p types.Principal, contextID, pageID string) error {
	contextID, err := d.pageContext(contextID, pageID)
	if err != nil {
		return err
	}
	sess, bctx, err := d.ownedContext(ctx, p, contextID)
	if err != nil {
		return err
	}
	return d.pages.Close(pageID, p, sess, bctx)
}

// HealthStatus summarizes server readiness for health endpoints.
type HealthStatus struct {
	Status  string            `json:"status"`
	Store   string            `json:"store"`
	Pages   int               `json:"pages"`
	Pool    browser.PoolStats `json:"pool"`
	Version string            `json:"version"`
}

// Health reports liveness plus pool and store state. The server is
// degraded when the breaker is open or no browser is available.
func (d *Dispatcher) Health(version string) *HealthStatus {
	stats := d.pool.Stats()
	status := "ok"
	if stats.Breaker == browser.BreakerOpen || stats.Total == 0 {
		status = "degraded"
	}
	return &HealthStatus{
		Status:  status,
		Store:   d.stores.Backend,
		Pages:   d.pages.Count(),
		Pool:    stats,
		Version: version,
	}
}

// pageContext resolves the owning context when the transport addressed a
// page without naming one. Ownership of the resolved context is still
// verified by the caller.
func (d *Dispatcher) pageContext(contextID, pageID string) (string, error) {
	if contextID != "" {
		return contextID, nil
	}
	if pageID == "" {
		return "", fmt.Errorf("%w: contextId is required", types.ErrInvalidParameters)
	}
	return d.pages.ContextOf(pageID)
}

// callerSession loads the session backing the principal.
func (d *Dispatcher) callerSession(ctx context.Context, p types.Principal) (*types.Session, error) {
	if p.SessionID == "" {
		return nil, types.ErrMissingCredential
	}
	return d.stores.Sessions.Get(ctx, p.SessionID)
}

// ownedContext resolves a context and verifies the principal→session→
// context chain. A context owned by someone else is an authorization
// failure, never a not-found.
func (d *Dispatcher) ownedContext(ctx context.Context, p types.Principal, contextID string) (*types.Session, *types.Context, error) {
	if contextID == "" {
		return nil, nil, fmt.Errorf("%w: contextId is required", types.ErrInvalidParameters)
	}
	sess, err := d.callerSession(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	bctx, err := d.stores.Contexts.Get(ctx, contextID)
	if err != nil {
		return nil, nil, err
	}
	if bctx.UserID != p.UserID || bctx.SessionID != sess.ID {
		return nil, nil, types.ErrAccessDenied
	}
	return sess, bctx, nil
}
