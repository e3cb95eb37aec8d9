package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/envelope"
)

// window is the fixed rate-limit window.
const window = time.Minute

// sweepInterval is how often stale counters are dropped.
const sweepInterval = 5 * time.Minute

// bucket is one key's counter within the current window.
type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter enforces a per-key requests-per-minute ceiling. Keys are
// the authenticated user when present, otherwise the client address.
type RateLimiter struct {
	rpm        int
	trustProxy bool

	mu      sync.Mutex
	buckets map[string]*bucket

	now func() time.Time // stubbed in tests

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRateLimiter creates a limiter and starts its sweep loop.
func NewRateLimiter(rpm int, trustProxy bool) *RateLimiter {
	rl := &RateLimiter{
		rpm:        rpm,
		trustProxy: trustProxy,
		buckets:    make(map[string]*bucket),
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
	rl.wg.Add(1)
	go func() {
		defer rl.wg.Done()
		rl.sweepLoop()
	}()
	return rl
}

// Close stops the sweep loop.
func (rl *RateLimiter) Close() {
	close(rl.stopCh)
	rl.wg.Wait()
}

// Allow consumes one request for the key. It reports whether the request
// may proceed and when the window resets.
func (rl *RateLimiter) Allow(key string) (bool, time.Time) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = &bucket{resetAt: now.Add(window)}
		rl.buckets[key] = b
	}
	b.count++
	return b.count <= rl.rpm, b.resetAt
}

// Middleware applies the limiter to an HTTP handler chain.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rl.keyFor(r)
		ok, resetAt := rl.Allow(key)
		if !ok {
			retryIn := time.Until(resetAt)
			if retryIn < 0 {
				retryIn = 0
			}
			log.Warn().
				Str("key", key).
				Str("path", r.URL.Path).
				Time("reset_at", resetAt).
				Msg("Rate limit exceeded")

			w.Header().Set("Retry-After", strconv.Itoa(int(retryIn.Seconds())+1))
			env := envelope.New(
				envelope.CodeRateLimited,
				envelope.CategoryRateLimit,
				envelope.SeverityMedium,
				"rate limit exceeded",
				"Too many requests. Please slow down.",
			).WithRequest(RequestID(r.Context())).
				WithRetry(envelope.RetryConfig{Retryable: true, ResetAt: resetAt})
			_ = env.WriteREST(w, envelope.RESTMeta{
				Version: "v1", Endpoint: r.URL.Path, Method: r.Method,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// keyFor picks the rate-limit key: authenticated user first, client
// address otherwise. X-Forwarded-For is only honored behind a trusted
// proxy, otherwise clients could rotate keys freely.
func (rl *RateLimiter) keyFor(r *http.Request) string {
	if p, ok := Principal(r.Context()); ok && p.UserID != "" {
		return "user:" + p.UserID
	}
	if rl.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first := strings.TrimSpace(strings.Split(fwd, ",")[0])
			if first != "" {
				return "ip:" + first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// sweepLoop drops buckets whose window has long passed.
func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			cutoff := rl.now()
			rl.mu.Lock()
			for key, b := range rl.buckets {
				if cutoff.After(b.resetAt) {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
