package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/auth"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/envelope"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/store"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(HeaderRequestID))

	// An inbound id is honored.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "trace-123")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "trace-123", seen)
}

func TestRecovererWritesEnvelope(t *testing.T) {
	h := Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/pages", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env, err := envelope.ParseREST(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, envelope.CodeInternal, env.Code)
	assert.NotContains(t, env.UserMessage, "boom")
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func newAuthenticator(t *testing.T) (*auth.Authenticator, string) {
	t.Helper()
	sessions := store.NewMemorySessionStore()
	t.Cleanup(func() { _ = sessions.Close() })

	a := auth.New("0123456789abcdef0123456789abcdef", time.Hour, sessions)
	now := time.Now()
	sess, err := sessions.Create(context.Background(), types.SessionData{
		UserID:    "u1",
		Username:  "alice",
		Roles:     []string{types.RoleUser},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	token, err := a.IssueToken(sess.Principal())
	require.NoError(t, err)
	return a, token
}

func TestAuthenticate(t *testing.T) {
	a, token := newAuthenticator(t)

	var p types.Principal
	h := Authenticate(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ = Principal(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", p.UserID)
}

func TestAuthenticateMissingCredential(t *testing.T) {
	a, _ := newAuthenticator(t)
	h := Authenticate(a)(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	env, err := envelope.ParseREST(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, envelope.CodeAuthRequired, env.Code)
}

func TestAuthenticateBadToken(t *testing.T) {
	a, _ := newAuthenticator(t)
	h := Authenticate(a)(okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCSRF(t *testing.T) {
	h := CSRF(okHandler())

	// Same-origin POST passes.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "http://api.local/api/v1/contexts", nil)
	req.Host = "api.local"
	req.Header.Set("Origin", "http://api.local")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Cross-origin POST is rejected.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "http://api.local/api/v1/contexts", nil)
	req.Host = "api.local"
	req.Header.Set("Origin", "https://evil.example")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Cross-origin GET is fine.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "http://api.local/api/v1/contexts", nil)
	req.Host = "api.local"
	req.Header.Set("Origin", "https://evil.example")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// No Origin header at all (curl, SDKs) passes.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "http://api.local/api/v1/contexts", nil)
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(2, false)
	defer rl.Close()

	base := time.Now()
	rl.now = func() time.Time { return base }

	ok, _ := rl.Allow("k")
	assert.True(t, ok)
	ok, _ = rl.Allow("k")
	assert.True(t, ok)
	ok, resetAt := rl.Allow("k")
	assert.False(t, ok)
	assert.Equal(t, base.Add(window), resetAt)

	// Another key is unaffected.
	ok, _ = rl.Allow("other")
	assert.True(t, ok)

	// The window resets.
	rl.now = func() time.Time { return base.Add(window + time.Second) }
	ok, _ = rl.Allow("k")
	assert.True(t, ok)
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, false)
	defer rl.Close()
	h := rl.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:4444"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	env, err := envelope.ParseREST(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, envelope.CodeRateLimited, env.Code)
}

func TestRateLimiterKeysByPrincipal(t *testing.T) {
	rl := NewRateLimiter(1, false)
	defer rl.Close()
	h := rl.Middleware(okHandler())

	mkReq := func(userID string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.1.2.3:4444"
		return req.WithContext(WithPrincipal(req.Context(), types.Principal{UserID: userID}))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, mkReq("u1"))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Same address, different user: separate budget.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, mkReq("u2"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, mkReq("u1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimiterProxyHeader(t *testing.T) {
	trusted := NewRateLimiter(100, true)
	defer trusted.Close()
	untrusted := NewRateLimiter(100, false)
	defer untrusted.Close()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1000"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "ip:203.0.113.9", trusted.keyFor(req))
	assert.Equal(t, "ip:10.0.0.1", untrusted.keyFor(req))
}
