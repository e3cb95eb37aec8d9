package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

func TestFromErrorSentinelMapping(t *testing.T) {
	cases := []struct {
		err      error
		code     string
		category Category
		status   int
	}{
		{types.ErrMissingCredential, CodeAuthRequired, CategoryAuthentication, http.StatusUnauthorized},
		{types.ErrInvalidCredential, CodeAuthInvalidToken, CategoryAuthentication, http.StatusUnauthorized},
		{types.ErrSessionNotFound, CodeAuthSessionInvalid, CategorySession, http.StatusUnauthorized},
		{types.ErrAccessDenied, CodeAuthResourceDenied, CategoryAuthorization, http.StatusForbidden},
		{types.ErrContextNotFound, CodeContextNotFound, CategoryResource, http.StatusNotFound},
		{types.ErrPageNotFound, CodePageNotFound, CategoryResource, http.StatusNotFound},
		{types.ErrPageClosed, CodePageNotFound, CategoryResource, http.StatusNotFound},
		{types.ErrSessionAlreadyExists, CodeResourceConflict, CategoryResource, http.StatusConflict},
		{types.ErrPoolExhausted, CodeResourceExhausted, CategoryRateLimit, http.StatusTooManyRequests},
		{types.ErrAcquireTimeout, CodeResourceExhausted, CategoryRateLimit, http.StatusTooManyRequests},
		{types.ErrCircuitOpen, CodeBrowserUnavailable, CategoryBrowser, http.StatusServiceUnavailable},
		{types.ErrShuttingDown, CodeBrowserUnavailable, CategoryBrowser, http.StatusServiceUnavailable},
		{types.ErrUnsafeScript, CodeUnsafeScript, CategoryValidation, http.StatusBadRequest},
		{types.ErrUnknownAction, CodeUnknownAction, CategoryValidation, http.StatusBadRequest},
		{types.ErrInvalidParameters, CodeValidationFailed, CategoryValidation, http.StatusBadRequest},
		{types.ErrActionTimeout, CodeActionTimeout, CategoryPerformance, http.StatusGatewayTimeout},
		{types.ErrEngineNetwork, CodeNetworkFailure, CategoryNetwork, http.StatusBadGateway},
		{types.ErrEngineProtocol, CodeBrowserFailure, CategoryBrowser, http.StatusInternalServerError},
		{types.ErrCanceled, CodeRequestCancelled, CategorySystem, 499},
	}
	for _, tc := range cases {
		env := FromError(tc.err)
		assert.Equal(t, tc.code, env.Code, tc.err.Error())
		assert.Equal(t, tc.category, env.Category, tc.err.Error())
		assert.Equal(t, tc.status, env.StatusCode(), tc.err.Error())
		assert.NotEmpty(t, env.UserMessage)
	}
}

func TestFromErrorWrappedSentinel(t *testing.T) {
	wrapped := fmt.Errorf("acquire: %w", types.ErrPoolExhausted)
	env := FromError(wrapped)
	assert.Equal(t, CodeResourceExhausted, env.Code)
	require.NotNil(t, env.Retry)
	assert.True(t, env.Retry.Retryable)
}

func TestFromErrorUnknownIsInternal(t *testing.T) {
	env := FromError(errors.New("nil pointer dereference somewhere"))
	assert.Equal(t, CodeInternal, env.Code)
	assert.Equal(t, SeverityCritical, env.Severity)
	assert.True(t, env.ShouldReport)
	// The raw message never leaks into the user message.
	assert.NotContains(t, env.UserMessage, "nil pointer")
}

func TestFromErrorPassthrough(t *testing.T) {
	orig := New(CodeRateLimited, CategoryRateLimit, SeverityMedium, "limit", "Too many requests.")
	env := FromError(fmt.Errorf("wrapped: %w", error(orig)))
	assert.Same(t, orig, env)
}

func TestSuggestionsCappedAtThree(t *testing.T) {
	env := New(CodeInternal, CategorySystem, SeverityLow, "m", "u").
		WithSuggestions("a", "b", "c", "d")
	assert.Len(t, env.RecoverySuggestions, 3)
}

func TestSensitiveDetailsWithheld(t *testing.T) {
	env := New(CodeUnsafeScript, CategoryValidation, SeverityHigh, "m", "u").
		WithDetails(map[string]any{"script": "secret"}).
		Sensitive()

	body := env.RESTProject(RESTMeta{Version: "v1"})
	assert.Nil(t, body.Error.Details)

	ws := env.WSProject("msg-1", "conn-1")
	assert.Nil(t, ws.Error.Details)

	mcp := env.MCPProject()
	assert.Nil(t, mcp.Data.Details)
}

func TestWriteRESTHeadersAndRoundTrip(t *testing.T) {
	env := New(CodeValidationFailed, CategoryValidation, SeverityLow, "bad field", "The request failed validation.").
		WithRequest("req-1", "corr-1").
		WithSuggestions(SuggestFixRequest)

	rec := httptest.NewRecorder()
	require.NoError(t, env.WriteREST(rec, RESTMeta{Version: "v1", Endpoint: "/api/v1/pages", Method: "POST"}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))

	// Projection round-trips the canonical fields.
	back, err := ParseREST(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, env.Code, back.Code)
	assert.Equal(t, env.Category, back.Category)
	assert.Equal(t, env.Severity, back.Severity)
	assert.Equal(t, env.UserMessage, back.UserMessage)
	assert.Equal(t, env.RequestID, back.RequestID)
	assert.Equal(t, []string{"corr-1"}, back.CorrelationIDs)
}

func TestGRPCProjection(t *testing.T) {
	cases := []struct {
		env  *Envelope
		code codes.Code
	}{
		{FromError(types.ErrInvalidParameters), codes.InvalidArgument},
		{FromError(types.ErrMissingCredential), codes.Unauthenticated},
		{FromError(types.ErrAccessDenied), codes.PermissionDenied},
		{FromError(types.ErrPageNotFound), codes.NotFound},
		{FromError(types.ErrSessionAlreadyExists), codes.AlreadyExists},
		{FromError(types.ErrPoolExhausted), codes.ResourceExhausted},
		{FromError(types.ErrShuttingDown), codes.Unavailable},
		{FromError(types.ErrActionTimeout), codes.Unavailable},
		{FromError(types.ErrCanceled), codes.Canceled},
		{FromError(errors.New("boom")), codes.Internal},
	}
	for _, tc := range cases {
		st, md := tc.env.GRPCProject()
		assert.Equal(t, tc.code, st.Code(), tc.env.Code)

		// Trailers carry the whole envelope.
		raw := md.Get(GRPCMetadataKey)
		require.Len(t, raw, 1)
		var w wireError
		require.NoError(t, json.Unmarshal([]byte(raw[0]), &w))
		assert.Equal(t, tc.env.Code, w.Code)
	}
}

func TestMCPProjection(t *testing.T) {
	assert.Equal(t, -32602, FromError(types.ErrInvalidParameters).MCPProject().Code)
	assert.Equal(t, -32000, FromError(types.ErrMissingCredential).MCPProject().Code)
	assert.Equal(t, -32000, FromError(types.ErrAccessDenied).MCPProject().Code)
	assert.Equal(t, -32601, FromError(types.ErrPageNotFound).MCPProject().Code)
	assert.Equal(t, -32603, FromError(errors.New("boom")).MCPProject().Code)
}

func TestFingerprintStability(t *testing.T) {
	a := New(CodeBrowserFailure, CategoryBrowser, SeverityHigh, "crash", "u").
		WithOperation("navigate", "page-1")
	b := New(CodeBrowserFailure, CategoryBrowser, SeverityHigh, "crash", "u").
		WithOperation("navigate", "page-1")

	// Timestamps and request ids differ; fingerprints must not.
	a.Timestamp = time.Now().Add(-time.Hour)
	a.RequestID = "r1"
	b.RequestID = "r2"
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Len(t, a.Fingerprint(), 32)

	c := New(CodeBrowserFailure, CategoryBrowser, SeverityHigh, "crash", "u").
		WithOperation("click", "page-1")
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestFingerprintSeparatorPreventsCollisions(t *testing.T) {
	a := FingerprintOf("AB", "c", "m", "o", "r")
	b := FingerprintOf("A", "Bc", "m", "o", "r")
	assert.NotEqual(t, a, b)
}
