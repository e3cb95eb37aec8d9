package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/engine"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/metrics"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/pages"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

// Default timeouts per action category, applied when the invocation does
// not carry one. Everything is clamped to maxActionTimeout.
const (
	navigationTimeout  = 30 * time.Second
	interactionTimeout = 10 * time.Second
	evaluationTimeout  = 10 * time.Second
	extractionTimeout  = 30 * time.Second
	maxActionTimeout   = 300 * time.Second

	maxAttempts   = 3
	retryInterval = 250 * time.Millisecond
)

// nonRetryable actions must never run twice: script side effects and
// cookie mutations are not idempotent.
var nonRetryable = map[types.ActionType]bool{
	types.ActionEvaluate: true,
	types.ActionCookie:   true,
}

// retryDisallowed reports whether an invocation gets exactly one attempt.
// Wait functions carry a caller script, so they inherit the evaluate rule.
func retryDisallowed(inv *types.ActionInvocation) bool {
	if nonRetryable[inv.ActionType] {
		return true
	}
	if inv.ActionType == types.ActionWait {
		if w, _ := inv.Parameters["waitFor"].(string); w == "function" {
			return true
		}
	}
	return false
}

// handlerFunc runs one validated action against a live page.
type handlerFunc func(ctx context.Context, page engine.Page, inv *types.ActionInvocation, timeout time.Duration) (map[string]any, error)

// Executor validates, dispatches, and retries automation actions.
type Executor struct {
	cfg      *config.Config
	pages    *pages.Manager
	policies *PolicyManager
	handlers map[types.ActionType]handlerFunc
}

// NewExecutor builds the executor with the full handler registry.
func NewExecutor(cfg *config.Config, pm *pages.Manager, policies *PolicyManager) *Executor {
	e := &Executor{
		cfg:      cfg,
		pages:    pm,
		policies: policies,
	}
	e.handlers = map[types.ActionType]handlerFunc{
		types.ActionNavigate:     e.handleNavigate,
		types.ActionClick:        e.handleClick,
		types.ActionType_:        e.handleType,
		types.ActionSelect:       e.handleSelect,
		types.ActionKeyboard:     e.handleKeyboard,
		types.ActionMouse:        e.handleMouse,
		types.ActionScreenshot:   e.handleScreenshot,
		types.ActionPDF:          e.handlePDF,
		types.ActionWait:         e.handleWait,
		types.ActionScroll:       e.handleScroll,
		types.ActionEvaluate:     e.handleEvaluate,
		types.ActionUpload:       e.handleUpload,
		types.ActionCookie:       e.handleCookie,
		types.ActionGetAttribute: e.handleGetAttribute,
		types.ActionContent:      e.handleContent,
	}
	return e
}

// SupportedActions lists the registered action types.
func (e *Executor) SupportedActions() []types.ActionType {
	out := make([]types.ActionType, 0, len(e.handlers))
	for t := range e.handlers {
		out = append(out, t)
	}
	return out
}

// timeoutFor resolves the effective timeout for an invocation.
func timeoutFor(inv *types.ActionInvocation) time.Duration {
	t := inv.Timeout
	if t <= 0 {
		switch inv.ActionType {
		case types.ActionNavigate, types.ActionWait:
			t = navigationTimeout
		case types.ActionScreenshot, types.ActionPDF, types.ActionContent, types.ActionGetAttribute:
			t = extractionTimeout
		case types.ActionEvaluate:
			t = evaluationTimeout
		default:
			t = interactionTimeout
		}
	}
	if t > maxActionTimeout {
		t = maxActionTimeout
	}
	return t
}

// Execute runs one action end to end: validation, ownership resolution,
// dispatch with retries, and result assembly. The single ActionResult is
// returned for success and failure alike; a nil error means only that the
// result is well-formed.
func (e *Executor) Execute(ctx context.Context, inv *types.ActionInvocation, sess *types.Session, bctx *types.Context) (*types.ActionResult, error) {
	started := time.Now()

	handler, ok := e.handlers[inv.ActionType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownAction, inv.ActionType)
	}
	if err := e.Validate(inv); err != nil {
		return nil, err
	}

	page, _, err := e.pages.Handle(inv.PageID, inv.Principal, sess, bctx)
	if err != nil {
		return nil, err
	}

	timeout := timeoutFor(inv)
	data, attempts, err := e.runWithRetry(ctx, handler, page, inv, timeout)

	result := &types.ActionResult{
		Success:    err == nil,
		ActionType: inv.ActionType,
		Data:       data,
		Duration:   time.Since(started),
		Timestamp:  time.Now(),
		Metadata: map[string]any{
			"pageId":   inv.PageID,
			"attempts": attempts,
		},
	}

	ev := log.Info()
	if err != nil {
		result.Error = err.Error()
		ev = log.Warn().Err(err)
	}
	ev.Str("audit", "ACTION_EXECUTED").
		Str("action", string(inv.ActionType)).
		Str("page_id", inv.PageID).
		Str("user_id", inv.Principal.UserID).
		Str("correlation_id", inv.CorrelationID).
		Bool("success", result.Success).
		Int("attempts", attempts).
		Dur("duration", result.Duration).
		Msg("Action executed")

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordAction(string(inv.ActionType), status, result.Duration)

	if err != nil {
		return result, err
	}
	return result, nil
}

// runWithRetry executes the handler, retrying transient failures with
// exponential backoff. Non-idempotent actions get exactly one attempt.
func (e *Executor) runWithRetry(ctx context.Context, handler handlerFunc, page engine.Page, inv *types.ActionInvocation, timeout time.Duration) (map[string]any, int, error) {
	attempts := 0
	operation := func() (map[string]any, error) {
		attempts++
		data, err := handler(ctx, page, inv, timeout)
		if err == nil {
			return data, nil
		}
		if retryDisallowed(inv) || !types.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = retryInterval

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(maxAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Debug().
				Err(err).
				Str("action", string(inv.ActionType)).
				Dur("retry_in", d).
				Msg("Retrying transient action failure")
		}),
	)
	return data, attempts, err
}
