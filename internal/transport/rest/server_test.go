package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/actions"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/auth"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/browser"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/dispatch"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/engine"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/envelope"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/pages"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/store"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		MinBrowsers:         1,
		MaxBrowsers:         2,
		MaxPagesPerBrowser:  5,
		AcquisitionTimeout:  time.Second,
		HealthCheckInterval: time.Hour,
		IdleTimeout:         time.Hour,
		ScaleCooldown:       time.Hour,
		MaxScaleStep:        1,
		MaxBrowserLifetime:  time.Hour,
		RecyclingThreshold:  100,
		RecyclingCooldown:   time.Hour,
		MaxRecycleBatch:     1,
		MaintenanceHourHigh: 24,
		SessionTTL:          time.Hour,
		JWTSecret:           "0123456789abcdef0123456789abcdef",
		JWTExpiry:           time.Hour,
		RateLimitEnabled:    false,
	}

	stores := &store.Stores{
		Sessions: store.NewMemorySessionStore(),
		Contexts: store.NewMemoryContextStore(),
		Backend:  "memory",
	}
	t.Cleanup(func() { _ = stores.Close() })

	a := auth.New(cfg.JWTSecret, cfg.JWTExpiry, stores.Sessions)

	pool, err := browser.NewPool(cfg, engine.NewFakeLauncher())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	pm := pages.NewManager(cfg, pool)
	t.Cleanup(pm.Shutdown)

	policies, err := actions.NewPolicyManager("", false)
	require.NoError(t, err)
	t.Cleanup(policies.Close)

	d := dispatch.New(cfg, stores, a, pool, pm, actions.NewExecutor(cfg, pm, policies), nil)
	s := NewServer(cfg, d)
	t.Cleanup(s.Close)
	return s
}

// do issues a JSON request against the server.
func do(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, s *Server, username string) string {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/v1/sessions", "", map[string]any{"username": username})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var result dispatch.SessionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	return result.Token
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var h dispatch.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "memory", h.Store)
}

func TestSessionCreateAndGet(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/sessions", "", map[string]any{"username": "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var result dispatch.SessionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))

	rec = do(t, s, http.MethodGet, "/api/v1/sessions/"+result.Session.ID, result.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/v1/contexts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	env, err := envelope.ParseREST(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, envelope.CodeAuthRequired, env.Code)
}

func TestContextAndPageFlow(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s, "alice")

	// Create context.
	rec := do(t, s, http.MethodPost, "/api/v1/contexts", token, map[string]any{"name": "work"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var bctx types.Context
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bctx))

	// Create page.
	rec = do(t, s, http.MethodPost, "/api/v1/contexts/"+bctx.ID+"/pages", token, map[string]any{})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var info types.PageInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, bctx.ID, info.ContextID)

	// Execute an action.
	rec = do(t, s, http.MethodPost, "/api/v1/contexts/"+bctx.ID+"/execute", token, map[string]any{
		"action":     "navigate",
		"pageId":     info.ID,
		"parameters": map[string]any{"url": "https://example.com"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result types.ActionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)

	// Convenience navigate endpoint.
	rec = do(t, s, http.MethodPost, "/api/v1/contexts/"+bctx.ID+"/pages/"+info.ID+"/navigate", token,
		map[string]any{"url": "https://example.com/next"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// List pages.
	rec = do(t, s, http.MethodGet, "/api/v1/contexts/"+bctx.ID+"/pages", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []types.PageInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed, 1)

	// Close page, delete context.
	rec = do(t, s, http.MethodDelete, "/api/v1/contexts/"+bctx.ID+"/pages/"+info.ID, token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodDelete, "/api/v1/contexts/"+bctx.ID, token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionRefreshIssuesNewToken(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s, "alice")

	rec := do(t, s, http.MethodPost, "/api/v1/sessions/refresh", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result dispatch.SessionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEmpty(t, result.Token)
	assert.True(t, result.Session.Data.ExpiresAt.After(time.Now()))

	// The fresh token works.
	rec = do(t, s, http.MethodGet, "/api/v1/contexts", result.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionRevokeEndsSession(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s, "alice")

	rec := do(t, s, http.MethodPost, "/api/v1/sessions/revoke", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The token's session is gone.
	rec = do(t, s, http.MethodGet, "/api/v1/contexts", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTopLevelPageRoutes(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s, "alice")

	rec := do(t, s, http.MethodPost, "/api/v1/contexts", token, map[string]any{"name": "work"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var bctx types.Context
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bctx))

	// Create addresses the context through the body.
	rec = do(t, s, http.MethodPost, "/api/v1/pages", token, map[string]any{"contextId": bctx.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var info types.PageInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, bctx.ID, info.ContextID)

	// Get, navigate, and delete resolve the context from the page.
	rec = do(t, s, http.MethodGet, "/api/v1/pages/"+info.ID, token, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/v1/pages/"+info.ID+"/navigate", token,
		map[string]any{"url": "https://example.com"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result types.ActionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)

	rec = do(t, s, http.MethodDelete, "/api/v1/pages/"+info.ID, token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Missing contextId on create is a validation error.
	rec = do(t, s, http.MethodPost, "/api/v1/pages", token, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorsAreEnvelopes(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s, "alice")

	rec := do(t, s, http.MethodGet, "/api/v1/contexts/no-such-context", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env, err := envelope.ParseREST(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, envelope.CodeContextNotFound, env.Code)
	assert.NotEmpty(t, env.RequestID)
}

func TestCrossUserAccessProjectsForbidden(t *testing.T) {
	s := newTestServer(t)
	aliceToken := login(t, s, "alice")
	bobToken := login(t, s, "bob")

	rec := do(t, s, http.MethodPost, "/api/v1/contexts", aliceToken, map[string]any{"name": "private"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var bctx types.Context
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bctx))

	rec = do(t, s, http.MethodGet, "/api/v1/contexts/"+bctx.ID, bobToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminSessionListNotImplemented(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/sessions", "", map[string]any{
		"username": "root", "roles": []string{"admin"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var result dispatch.SessionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))

	rec = do(t, s, http.MethodGet, "/api/v1/admin/sessions", result.Token, nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestValidationErrorProjects400(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s, "alice")

	rec := do(t, s, http.MethodPost, "/api/v1/contexts", token, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
