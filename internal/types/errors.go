package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Browser pool errors
	ErrPoolExhausted    = errors.New("browser pool exhausted: no browsers available")
	ErrPoolClosed       = errors.New("browser pool is closed")
	ErrAcquireTimeout   = errors.New("timeout waiting for browser lease")
	ErrBrowserNotFound  = errors.New("browser instance not found")
	ErrBrowserUnhealthy = errors.New("browser instance is unhealthy")
	ErrNotLeaseOwner    = errors.New("browser is not leased to this session")
	ErrCircuitOpen      = errors.New("circuit breaker is open")

	// Session errors
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyExists = errors.New("session already exists")
	ErrSessionExpired       = errors.New("session has expired")

	// Context errors
	ErrContextNotFound = errors.New("context not found")
	ErrContextClosed   = errors.New("context is closed")

	// Page errors
	ErrPageNotFound = errors.New("page not found")
	ErrPageClosed   = errors.New("page is closed")

	// Auth errors
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrAccessDenied      = errors.New("access to resource denied")

	// Action errors
	ErrUnknownAction     = errors.New("unknown action type")
	ErrInvalidParameters = errors.New("invalid action parameters")
	ErrUnsafeScript      = errors.New("script contains unsafe code")
	ErrActionTimeout     = errors.New("action timed out")

	// Engine errors. The engine adapter wraps raw CDP failures in one of
	// these so the retry policy can classify them.
	ErrEngineNetwork  = errors.New("engine network failure")
	ErrEngineProtocol = errors.New("engine protocol failure")

	// Store errors
	ErrStoreUnavailable = errors.New("store backend unavailable")

	// Lifecycle errors
	ErrShuttingDown = errors.New("server is shutting down")
	ErrCanceled     = errors.New("operation canceled")
)

// transientErrors are the classes the executor is allowed to retry.
var transientErrors = []error{
	ErrActionTimeout,
	ErrEngineNetwork,
	ErrEngineProtocol,
	ErrBrowserUnhealthy,
}

// IsTransient reports whether an error is safe to retry.
func IsTransient(err error) bool {
	for _, t := range transientErrors {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
