// Package middleware provides the HTTP middleware stack shared by the
// REST transport: request ids, structured request logging, panic
// recovery, authentication, CSRF origin checks, rate limiting, and
// security headers. Failures are written as error envelopes so HTTP
// clients see the same shape as every other transport.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/auth"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/envelope"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

type ctxKey int

const (
	principalKey ctxKey = iota
	requestIDKey
)

// HeaderRequestID carries the request id in and out.
const HeaderRequestID = "X-Request-ID"

// Principal returns the authenticated principal stored by Authenticate.
func Principal(ctx context.Context) (types.Principal, bool) {
	p, ok := ctx.Value(principalKey).(types.Principal)
	return p, ok
}

// RequestID returns the request id assigned by the RequestID middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithPrincipal injects a principal; used by transports that authenticate
// outside the HTTP middleware chain.
func WithPrincipal(ctx context.Context, p types.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// RequestIDMiddleware assigns each request an id, honoring an inbound
// X-Request-ID so callers can trace across services.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// Logger emits one structured record per request.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		ev := log.Info()
		if ww.Status() >= 500 {
			ev = log.Error()
		} else if ww.Status() >= 400 {
			ev = log.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", RequestID(r.Context())).
			Msg("Request handled")
	})
}

// Recoverer turns panics into internal-error envelopes instead of broken
// connections.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Any("panic", rec).
					Str("path", r.URL.Path).
					Str("request_id", RequestID(r.Context())).
					Msg("Panic recovered in handler")
				env := envelope.New(
					envelope.CodeInternal,
					envelope.CategorySystem,
					envelope.SeverityCritical,
					"handler panic",
					"An internal error occurred. Please try again later.",
				).WithRequest(RequestID(r.Context()))
				_ = env.WriteREST(w, envelope.RESTMeta{
					Version: "v1", Endpoint: r.URL.Path, Method: r.Method,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// SecurityHeaders sets response headers every endpoint should carry.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'")
		next.ServeHTTP(w, r)
	})
}

// Authenticate resolves request credentials to a principal. Requests
// without a valid credential are rejected with a 401 envelope.
func Authenticate(a *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds := auth.ExtractCredentials(
				r.Header.Get("Authorization"),
				r.Header.Get("X-API-Key"),
				r.Header.Get("X-Session-ID"),
			)
			p, err := a.Authenticate(r.Context(), creds)
			if err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// CSRF rejects state-changing cross-origin requests. The API is
// token-authenticated, so an Origin or Referer disagreeing with Host is
// a forged browser request, not a legitimate client.
func CSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		source := r.Header.Get("Origin")
		if source == "" {
			source = r.Header.Get("Referer")
		}
		if source != "" && !sameHost(source, r.Host) {
			log.Warn().
				Str("audit", "CSRF_REJECTED").
				Str("origin", source).
				Str("host", r.Host).
				Str("path", r.URL.Path).
				Msg("Cross-origin state change rejected")
			env := envelope.New(
				envelope.CodeCSRFRejected,
				envelope.CategorySecurity,
				envelope.SeverityHigh,
				"cross-origin request rejected",
				"This request was rejected for security reasons.",
			).WithRequest(RequestID(r.Context()))
			_ = env.WriteREST(w, envelope.RESTMeta{
				Version: "v1", Endpoint: r.URL.Path, Method: r.Method,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sameHost compares an Origin/Referer value against the request host,
// ignoring scheme and path.
func sameHost(source, host string) bool {
	s := source
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return strings.EqualFold(s, host)
}

// writeError projects an error as a REST envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	env := envelope.FromError(err).WithRequest(RequestID(r.Context()))
	_ = env.WriteREST(w, envelope.RESTMeta{
		Version: "v1", Endpoint: r.URL.Path, Method: r.Method,
	})
}
