package envelope

import (
	"encoding/json"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// wireError is the envelope as it appears inside wire bodies. Details are
// withheld when the envelope is marked sensitive.
type wireError struct {
	Code                string            `json:"code"`
	Message             string            `json:"message"`
	UserMessage         string            `json:"userMessage"`
	Category            Category          `json:"category"`
	Severity            Severity          `json:"severity"`
	Details             map[string]any    `json:"details,omitempty"`
	RecoverySuggestions []string          `json:"recoverySuggestions"`
	Retry               *RetryConfig      `json:"retryConfig,omitempty"`
	HelpLinks           []string          `json:"helpLinks,omitempty"`
	Timestamp           time.Time         `json:"timestamp"`
	RequestID           string            `json:"requestId"`
	CorrelationIDs      []string          `json:"correlationIds"`
	Tags                map[string]string `json:"tags,omitempty"`
}

// RESTMeta describes the endpoint that produced a REST error response.
type RESTMeta struct {
	Version         string        `json:"version"`
	Endpoint        string        `json:"endpoint"`
	Method          string        `json:"method"`
	RequestDuration time.Duration `json:"requestDuration,omitempty"`
}

// RESTBody is the JSON body of a REST error response.
type RESTBody struct {
	Error wireError `json:"error"`
	Meta  RESTMeta  `json:"meta"`
}

func (e *Envelope) wire() wireError {
	w := wireError{
		Code:                e.Code,
		Message:             e.Message,
		UserMessage:         e.UserMessage,
		Category:            e.Category,
		Severity:            e.Severity,
		RecoverySuggestions: e.RecoverySuggestions,
		Retry:               e.Retry,
		HelpLinks:           e.HelpLinks,
		Timestamp:           e.Timestamp,
		RequestID:           e.RequestID,
		CorrelationIDs:      e.CorrelationIDs,
		Tags:                e.Tags,
	}
	if !e.ContainsSensitiveData {
		w.Details = e.Details
	}
	if w.RecoverySuggestions == nil {
		w.RecoverySuggestions = []string{}
	}
	if w.CorrelationIDs == nil {
		w.CorrelationIDs = []string{}
	}
	return w
}

// RESTProject builds the REST body for this envelope.
func (e *Envelope) RESTProject(meta RESTMeta) RESTBody {
	return RESTBody{Error: e.wire(), Meta: meta}
}

// WriteREST writes the envelope as an HTTP response with the standard
// security headers set.
func (e *Envelope) WriteREST(w http.ResponseWriter, meta RESTMeta) error {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Cache-Control", "no-store")
	if e.RequestID != "" {
		h.Set("X-Request-ID", e.RequestID)
	}
	w.WriteHeader(e.StatusCode())
	return json.NewEncoder(w).Encode(e.RESTProject(meta))
}

// ParseREST recovers an envelope from a REST body. Projection round-trips
// preserve code, category, severity, and userMessage.
func ParseREST(body []byte) (*Envelope, error) {
	var rb RESTBody
	if err := json.Unmarshal(body, &rb); err != nil {
		return nil, err
	}
	return &Envelope{
		Code:                rb.Error.Code,
		Category:            rb.Error.Category,
		Severity:            rb.Error.Severity,
		Message:             rb.Error.Message,
		UserMessage:         rb.Error.UserMessage,
		Details:             rb.Error.Details,
		RecoverySuggestions: rb.Error.RecoverySuggestions,
		Retry:               rb.Error.Retry,
		HelpLinks:           rb.Error.HelpLinks,
		Timestamp:           rb.Error.Timestamp,
		RequestID:           rb.Error.RequestID,
		CorrelationIDs:      rb.Error.CorrelationIDs,
		Tags:                rb.Error.Tags,
	}, nil
}

// GRPCCode maps an HTTP status to its gRPC equivalent.
func GRPCCode(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.AlreadyExists
	case http.StatusPreconditionFailed:
		return codes.FailedPrecondition
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusNotImplemented:
		return codes.Unimplemented
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return codes.Unavailable
	case 499:
		return codes.Canceled
	case http.StatusInternalServerError:
		return codes.Internal
	}
	return codes.Internal
}

// GRPCMetadataKey carries the serialized envelope in gRPC trailers.
const GRPCMetadataKey = "x-error-envelope-bin"

// GRPCProject converts the envelope to a gRPC status plus trailer metadata
// carrying the full envelope JSON.
func (e *Envelope) GRPCProject() (*status.Status, metadata.MD) {
	raw, err := json.Marshal(e.wire())
	if err != nil {
		raw = []byte(`{"code":"` + e.Code + `"}`)
	}
	st := status.New(GRPCCode(e.StatusCode()), e.Code+": "+e.UserMessage)
	md := metadata.Pairs(GRPCMetadataKey, string(raw))
	return st, md
}

// WSError is the websocket projection of an envelope.
type WSError struct {
	Type  string    `json:"type"` // always "error"
	ID    string    `json:"id,omitempty"`
	Error wireError `json:"error"`
	Meta  WSMeta    `json:"meta"`
}

// WSMeta identifies the websocket connection that produced the error.
type WSMeta struct {
	ConnectionID string `json:"connectionId"`
	Protocol     string `json:"protocol"` // always "websocket"
}

// WSProject builds the websocket error message for this envelope.
func (e *Envelope) WSProject(messageID, connectionID string) WSError {
	return WSError{
		Type:  "error",
		ID:    messageID,
		Error: e.wire(),
		Meta:  WSMeta{ConnectionID: connectionID, Protocol: "websocket"},
	}
}

// JSON-RPC 2.0 error codes used by the MCP projection.
const (
	jsonRPCInvalidParams  = -32602
	jsonRPCMethodNotFound = -32601
	jsonRPCServerError    = -32000
	jsonRPCInternalError  = -32603
)

// MCPError is the JSON-RPC 2.0 error object carrying the envelope in data.
type MCPError struct {
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Data    wireError `json:"data"`
}

// MCPProject builds the JSON-RPC error object for this envelope.
func (e *Envelope) MCPProject() MCPError {
	var code int
	switch e.StatusCode() {
	case http.StatusBadRequest:
		code = jsonRPCInvalidParams
	case http.StatusUnauthorized, http.StatusForbidden:
		code = jsonRPCServerError
	case http.StatusNotFound:
		code = jsonRPCMethodNotFound
	default:
		code = jsonRPCInternalError
	}
	return MCPError{Code: code, Message: e.UserMessage, Data: e.wire()}
}
