// Package envelope defines the canonical error model shared by all four
// front-ends. Every failure path in the control plane produces an Envelope;
// the transport layers only project it onto their wire format.
package envelope

import (
	"errors"
	"net/http"
	"time"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

// Category classifies an error by subsystem.
type Category string

// Error categories. Each maps to a typical HTTP status in statusForCategory.
const (
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryValidation     Category = "validation"
	CategoryNetwork        Category = "network"
	CategoryBrowser        Category = "browser"
	CategorySession        Category = "session"
	CategoryConfiguration  Category = "configuration"
	CategoryBusinessLogic  Category = "business_logic"
	CategorySystem         Category = "system"
	CategorySecurity       Category = "security"
	CategoryPerformance    Category = "performance"
	CategoryRateLimit      Category = "rate_limit"
	CategoryResource       Category = "resource"
)

// Severity grades an error's operational impact.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Stable error codes. Codes are part of the public contract; clients match
// on them, so they never change meaning.
const (
	CodeAuthRequired          = "AUTH_REQUIRED"
	CodeAuthInvalidToken      = "AUTH_INVALID_TOKEN"
	CodeAuthSessionInvalid    = "AUTH_SESSION_INVALID"
	CodeAuthResourceDenied    = "AUTH_RESOURCE_ACCESS_DENIED"
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodeUnsafeScript          = "VALIDATION_UNSAFE_SCRIPT"
	CodeUnknownAction         = "VALIDATION_UNKNOWN_ACTION"
	CodeSessionNotFound       = "SESSION_NOT_FOUND"
	CodeContextNotFound       = "CONTEXT_NOT_FOUND"
	CodePageNotFound          = "PAGE_NOT_FOUND"
	CodeResourceConflict      = "RESOURCE_CONFLICT"
	CodeResourceExhausted     = "RESOURCE_EXHAUSTED"
	CodeBrowserUnavailable    = "BROWSER_UNAVAILABLE"
	CodeBrowserFailure        = "BROWSER_FAILURE"
	CodeNetworkFailure        = "NETWORK_FAILURE"
	CodeActionTimeout         = "ACTION_TIMEOUT"
	CodeRateLimited           = "RATE_LIMIT_EXCEEDED"
	CodeRequestCancelled      = "REQUEST_CANCELLED"
	CodeNotImplemented        = "NOT_IMPLEMENTED"
	CodeInternal              = "INTERNAL_ERROR"
	CodeShuttingDown          = "SERVER_SHUTTING_DOWN"
	CodeCSRFRejected          = "SECURITY_CSRF_REJECTED"
)

// Recovery suggestion identifiers returned to clients.
const (
	SuggestWaitAndRetry     = "wait_and_retry"
	SuggestCheckCredentials = "check_credentials"
	SuggestReduceLoad       = "reduce_load"
	SuggestFixRequest       = "fix_request"
	SuggestContactAdmin     = "contact_admin"
)

// RetryConfig tells clients how to retry a failed request.
type RetryConfig struct {
	Retryable    bool          `json:"retryable"`
	MaxAttempts  int           `json:"maxAttempts,omitempty"`
	InitialDelay time.Duration `json:"initialDelayMs,omitempty"`
	ResetAt      time.Time     `json:"resetAt,omitzero"`
}

// Envelope is the protocol-agnostic error record.
type Envelope struct {
	Code                  string            `json:"code"`
	Category              Category          `json:"category"`
	Severity              Severity          `json:"severity"`
	Message               string            `json:"message"`
	UserMessage           string            `json:"userMessage"`
	Details               map[string]any    `json:"details,omitempty"`
	RecoverySuggestions   []string          `json:"recoverySuggestions"`
	Retry                 *RetryConfig      `json:"retryConfig,omitempty"`
	HelpLinks             []string          `json:"helpLinks,omitempty"`
	Timestamp             time.Time         `json:"timestamp"`
	RequestID             string            `json:"requestId"`
	CorrelationIDs        []string          `json:"correlationIds"`
	Tags                  map[string]string `json:"tags,omitempty"`
	ContainsSensitiveData bool              `json:"containsSensitiveData"`

	// Operation and Resource identify where the error happened. They feed
	// the fingerprint but are not part of the wire body.
	Operation string `json:"-"`
	Resource  string `json:"-"`

	// ShouldReport marks programmer errors that surfaced through the
	// generic path and deserve operator attention.
	ShouldReport bool `json:"-"`
}

// Error implements the error interface so an Envelope can travel through
// ordinary error returns.
func (e *Envelope) Error() string {
	return e.Code + ": " + e.Message
}

// New creates an envelope with the mandatory fields set and a timestamp.
func New(code string, category Category, severity Severity, message, userMessage string) *Envelope {
	return &Envelope{
		Code:        code,
		Category:    category,
		Severity:    severity,
		Message:     message,
		UserMessage: userMessage,
		Timestamp:   time.Now().UTC(),
	}
}

// WithRequest attaches request identity. Returns the envelope for chaining.
func (e *Envelope) WithRequest(requestID string, correlationIDs ...string) *Envelope {
	e.RequestID = requestID
	e.CorrelationIDs = append(e.CorrelationIDs, correlationIDs...)
	return e
}

// WithOperation records the failing operation and resource for fingerprinting.
func (e *Envelope) WithOperation(operation, resource string) *Envelope {
	e.Operation = operation
	e.Resource = resource
	return e
}

// WithDetails attaches diagnostic details. Suppressed on the wire when
// ContainsSensitiveData is set.
func (e *Envelope) WithDetails(details map[string]any) *Envelope {
	e.Details = details
	return e
}

// WithSuggestions sets up to three recovery suggestions.
func (e *Envelope) WithSuggestions(suggestions ...string) *Envelope {
	if len(suggestions) > 3 {
		suggestions = suggestions[:3]
	}
	e.RecoverySuggestions = suggestions
	return e
}

// WithRetry attaches retry guidance.
func (e *Envelope) WithRetry(rc RetryConfig) *Envelope {
	e.Retry = &rc
	return e
}

// WithTag adds a classification tag.
func (e *Envelope) WithTag(key, value string) *Envelope {
	if e.Tags == nil {
		e.Tags = make(map[string]string)
	}
	e.Tags[key] = value
	return e
}

// Sensitive marks the envelope so details are withheld from wire forms.
func (e *Envelope) Sensitive() *Envelope {
	e.ContainsSensitiveData = true
	return e
}

// StatusCode returns the HTTP status for this envelope. Specific codes
// override the category default.
func (e *Envelope) StatusCode() int {
	switch e.Code {
	case CodeResourceConflict:
		return http.StatusConflict
	case CodeRequestCancelled:
		return 499 // client closed request
	case CodeNotImplemented:
		return http.StatusNotImplemented
	case CodeResourceExhausted, CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeBrowserUnavailable, CodeShuttingDown:
		return http.StatusServiceUnavailable
	case CodeActionTimeout:
		return http.StatusGatewayTimeout
	}
	return statusForCategory(e.Category)
}

// statusForCategory maps a category to its typical HTTP status.
func statusForCategory(c Category) int {
	switch c {
	case CategoryAuthentication, CategorySession:
		return http.StatusUnauthorized
	case CategoryAuthorization, CategorySecurity:
		return http.StatusForbidden
	case CategoryValidation, CategoryBusinessLogic:
		return http.StatusBadRequest
	case CategoryRateLimit:
		return http.StatusTooManyRequests
	case CategoryResource:
		return http.StatusNotFound
	case CategoryNetwork:
		return http.StatusBadGateway
	case CategoryPerformance:
		return http.StatusServiceUnavailable
	case CategoryBrowser, CategoryConfiguration, CategorySystem:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// FromError converts any error into an envelope. Known sentinels map to
// their canonical code and category; everything else becomes an internal
// error with a generic user message and ShouldReport set.
func FromError(err error) *Envelope {
	var env *Envelope
	if errors.As(err, &env) {
		return env
	}

	switch {
	case errors.Is(err, types.ErrMissingCredential):
		return New(CodeAuthRequired, CategoryAuthentication, SeverityMedium,
			err.Error(), "Authentication is required for this operation.").
			WithSuggestions(SuggestCheckCredentials)
	case errors.Is(err, types.ErrInvalidCredential):
		return New(CodeAuthInvalidToken, CategoryAuthentication, SeverityMedium,
			err.Error(), "The provided credential is invalid or expired.").
			WithSuggestions(SuggestCheckCredentials)
	case errors.Is(err, types.ErrSessionExpired), errors.Is(err, types.ErrSessionNotFound):
		return New(CodeAuthSessionInvalid, CategorySession, SeverityMedium,
			err.Error(), "The session is invalid or has expired.").
			WithSuggestions(SuggestCheckCredentials)
	case errors.Is(err, types.ErrAccessDenied):
		return New(CodeAuthResourceDenied, CategoryAuthorization, SeverityHigh,
			err.Error(), "You do not have access to this resource.")
	case errors.Is(err, types.ErrContextNotFound):
		return New(CodeContextNotFound, CategoryResource, SeverityLow,
			err.Error(), "The requested context does not exist.")
	case errors.Is(err, types.ErrPageNotFound), errors.Is(err, types.ErrPageClosed):
		return New(CodePageNotFound, CategoryResource, SeverityLow,
			err.Error(), "The requested page does not exist.")
	case errors.Is(err, types.ErrSessionAlreadyExists):
		return New(CodeResourceConflict, CategoryResource, SeverityLow,
			err.Error(), "The resource already exists.")
	case errors.Is(err, types.ErrPoolExhausted), errors.Is(err, types.ErrAcquireTimeout):
		return New(CodeResourceExhausted, CategoryRateLimit, SeverityHigh,
			err.Error(), "All browsers are busy. Try again shortly.").
			WithSuggestions(SuggestWaitAndRetry, SuggestReduceLoad).
			WithRetry(RetryConfig{Retryable: true, MaxAttempts: 3, InitialDelay: time.Second})
	case errors.Is(err, types.ErrCircuitOpen), errors.Is(err, types.ErrPoolClosed),
		errors.Is(err, types.ErrShuttingDown):
		return New(CodeBrowserUnavailable, CategoryBrowser, SeverityHigh,
			err.Error(), "The browser service is temporarily unavailable.").
			WithSuggestions(SuggestWaitAndRetry).
			WithRetry(RetryConfig{Retryable: true, MaxAttempts: 3, InitialDelay: 5 * time.Second})
	case errors.Is(err, types.ErrUnsafeScript):
		return New(CodeUnsafeScript, CategoryValidation, SeverityHigh,
			err.Error(), "The script was rejected by the security policy.").
			WithSuggestions(SuggestFixRequest).Sensitive()
	case errors.Is(err, types.ErrUnknownAction):
		return New(CodeUnknownAction, CategoryValidation, SeverityLow,
			err.Error(), "The requested action type is not supported.").
			WithSuggestions(SuggestFixRequest)
	case errors.Is(err, types.ErrInvalidParameters):
		return New(CodeValidationFailed, CategoryValidation, SeverityLow,
			err.Error(), "The request failed validation.").
			WithSuggestions(SuggestFixRequest)
	case errors.Is(err, types.ErrActionTimeout):
		return New(CodeActionTimeout, CategoryPerformance, SeverityMedium,
			err.Error(), "The action did not complete in time.").
			WithSuggestions(SuggestWaitAndRetry).
			WithRetry(RetryConfig{Retryable: true, MaxAttempts: 2, InitialDelay: 2 * time.Second})
	case errors.Is(err, types.ErrEngineNetwork):
		return New(CodeNetworkFailure, CategoryNetwork, SeverityMedium,
			err.Error(), "A network failure occurred while talking to the browser.").
			WithSuggestions(SuggestWaitAndRetry)
	case errors.Is(err, types.ErrEngineProtocol), errors.Is(err, types.ErrBrowserUnhealthy),
		errors.Is(err, types.ErrBrowserNotFound), errors.Is(err, types.ErrNotLeaseOwner):
		return New(CodeBrowserFailure, CategoryBrowser, SeverityHigh,
			err.Error(), "The browser engine reported a failure.").
			WithSuggestions(SuggestWaitAndRetry)
	case errors.Is(err, types.ErrCanceled):
		return New(CodeRequestCancelled, CategorySystem, SeverityLow,
			err.Error(), "The request was cancelled.")
	}

	env = New(CodeInternal, CategorySystem, SeverityCritical,
		err.Error(), "An unexpected error occurred. Please try again.")
	env.ShouldReport = true
	return env
}
