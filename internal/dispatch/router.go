package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/metrics"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/pages"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

// Protocols a record can arrive on.
const (
	ProtocolREST = "rest"
	ProtocolGRPC = "grpc"
	ProtocolWS   = "ws"
	ProtocolMCP  = "mcp"
)

// Operation names shared across transports.
const (
	OpSessionCreate  = "session.create"
	OpSessionGet     = "session.get"
	OpSessionDelete  = "session.delete"
	OpSessionRefresh = "session.refresh"
	OpSessionRevoke  = "session.revoke"
	OpSessionList    = "session.list"

	OpContextCreate  = "context.create"
	OpContextGet     = "context.get"
	OpContextList    = "context.list"
	OpContextUpdate  = "context.update"
	OpContextDelete  = "context.delete"
	OpContextExecute = "context.execute"

	OpPageCreate = "page.create"
	OpPageGet    = "page.get"
	OpPageList   = "page.list"
	OpPageClose  = "page.close"
)

// Record is the normalized form of one transport request. Transports fill
// it and hand it to Dispatch; nothing protocol-specific survives past this
// point.
type Record struct {
	Protocol      string          `json:"protocol"`
	Operation     string          `json:"operation"`
	ResourceID    string          `json:"resourceId,omitempty"`
	PageID        string          `json:"pageId,omitempty"`
	Body          json.RawMessage `json:"body,omitempty"`
	Principal     types.Principal `json:"principal"`
	RequestID     string          `json:"requestId"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// decode unmarshals the record body into params. An empty body is allowed.
func (r *Record) decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidParameters, err)
	}
	return nil
}

// Dispatch routes a record to the operation it names. The result is the
// operation's natural return value; callers marshal it per protocol.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *Record) (any, error) {
	started := time.Now()
	out, err := d.dispatch(ctx, rec)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordRequest(rec.Protocol, rec.Operation, status, time.Since(started))
	return out, err
}

func (d *Dispatcher) dispatch(ctx context.Context, rec *Record) (any, error) {
	switch rec.Operation {
	case OpSessionCreate:
		var params CreateSessionParams
		if err := rec.decode(&params); err != nil {
			return nil, err
		}
		return d.CreateSession(ctx, params)

	case OpSessionGet:
		return d.GetSession(ctx, rec.Principal, rec.ResourceID)

	case OpSessionDelete:
		return okResult{}, d.DeleteSession(ctx, rec.Principal, rec.ResourceID)

	case OpSessionRefresh:
		return d.RefreshSession(ctx, rec.Principal)

	case OpSessionRevoke:
		var params RevokeSessionParams
		if err := rec.decode(&params); err != nil {
			return nil, err
		}
		return okResult{}, d.RevokeSession(ctx, rec.Principal, params)

	case OpSessionList:
		return d.ListSessions(ctx, rec.Principal)

	case OpContextCreate:
		var params CreateContextParams
		if err := rec.decode(&params); err != nil {
			return nil, err
		}
		return d.CreateContext(ctx, rec.Principal, params)

	case OpContextGet:
		return d.GetContext(ctx, rec.Principal, rec.ResourceID)

	case OpContextList:
		return d.ListContexts(ctx, rec.Principal)

	case OpContextUpdate:
		var params UpdateContextParams
		if err := rec.decode(&params); err != nil {
			return nil, err
		}
		return d.UpdateContext(ctx, rec.Principal, rec.ResourceID, params)

	case OpContextDelete:
		return okResult{}, d.DeleteContext(ctx, rec.Principal, rec.ResourceID)

	case OpContextExecute:
		var params ExecuteParams
		if err := rec.decode(&params); err != nil {
			return nil, err
		}
		return d.ExecuteAction(ctx, rec.Principal, rec.ResourceID, params, rec.CorrelationID)

	case OpPageCreate:
		var params pages.CreatePageParams
		if err := rec.decode(&params); err != nil {
			return nil, err
		}
		return d.CreatePage(ctx, rec.Principal, rec.ResourceID, params)

	case OpPageGet:
		return d.GetPage(ctx, rec.Principal, rec.ResourceID, rec.PageID)

	case OpPageList:
		return d.ListPages(ctx, rec.Principal, rec.ResourceID)

	case OpPageClose:
		return okResult{}, d.ClosePage(ctx, rec.Principal, rec.ResourceID, rec.PageID)

	default:
		return nil, fmt.Errorf("%w: operation %q", types.ErrInvalidParameters, rec.Operation)
	}
}

// okResult is the body returned by operations without a natural result.
type okResult struct{}

func (okResult) MarshalJSON() ([]byte, error) {
	return []byte(`{"success":true}`), nil
}
