// Package mcpserver exposes the control plane as a Model Context
// Protocol tool server. A single execute-api tool carries every dispatch
// operation; an api://catalog resource documents the surface. The server
// speaks stdio by default or SSE over HTTP.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	mcpgo "github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/auth"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/dispatch"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/pkg/version"
)

const (
	toolExecuteAPI = "execute-api"
	catalogURI     = "api://catalog"

	resourceMIMEJSON = "application/json"
)

// executeArgs are the arguments of the execute-api tool.
type executeArgs struct {
	Operation  string         `json:"operation"`
	Resource   string         `json:"resource,omitempty"`
	PageID     string         `json:"pageId,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Auth       *authArgs      `json:"auth,omitempty"`
}

type authArgs struct {
	Token     string `json:"token,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

var executeSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "operation": {
      "type": "string",
      "description": "Dispatch operation, e.g. session.create, context.create, context.execute, page.create. Read api://catalog for the full list."
    },
    "resource": {
      "type": "string",
      "description": "Session or context id the operation targets."
    },
    "pageId": {
      "type": "string",
      "description": "Page id for page.get / page.close."
    },
    "parameters": {
      "type": "object",
      "description": "Operation body, e.g. {\"action\":\"navigate\",\"pageId\":\"...\",\"parameters\":{\"url\":\"...\"}} for context.execute."
    },
    "auth": {
      "type": "object",
      "description": "Credentials; one of token, apiKey, sessionId. Not needed for session.create.",
      "properties": {
        "token":     {"type": "string"},
        "apiKey":    {"type": "string"},
        "sessionId": {"type": "string"}
      }
    }
  },
  "required": ["operation"]
}`)

// Server is the MCP front-end.
type Server struct {
	dispatcher *dispatch.Dispatcher
	mcpServer  *mcpgo.MCPServer
}

// NewServer builds the MCP server and registers its tool and resource.
func NewServer(d *dispatch.Dispatcher) *Server {
	srv := mcpgo.NewMCPServer(
		version.ServerName,
		version.Version,
		mcpgo.WithToolCapabilities(true),
		mcpgo.WithResourceCapabilities(true, true),
		mcpgo.WithLogging(),
		mcpgo.WithRecovery(),
	)

	s := &Server{dispatcher: d, mcpServer: srv}

	srv.AddTool(
		mcp.NewToolWithRawSchema(toolExecuteAPI,
			"Invoke any control-plane operation: sessions, browsing contexts, pages, and browser actions.",
			executeSchema),
		s.executeAPI,
	)

	srv.AddResource(
		mcp.NewResource(
			catalogURI,
			"API Catalog",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Operations, REST endpoints, gRPC methods, and WebSocket message types."),
		),
		s.readCatalog,
	)

	return s
}

// Start serves on the configured transport until the context ends.
func (s *Server) Start(ctx context.Context, transport string, port int) error {
	if transport == "http" {
		return s.startSSE(ctx, port)
	}
	log.Info().Msg("MCP server listening on stdio")
	return mcpgo.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

func (s *Server) startSSE(ctx context.Context, port int) error {
	sse := mcpgo.NewSSEServer(s.mcpServer,
		mcpgo.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sse.SSEHandler())
	mux.Handle("/message", sse.MessageHandler())

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("MCP server listening on SSE")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// executeAPI is the handler behind the execute-api tool. Failures come
// back as tool errors carrying the JSON-RPC projection of the envelope,
// never as transport errors.
func (s *Server) executeAPI(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(request.GetArguments())
	if err != nil {
		return s.toolError(nil, fmt.Errorf("%w: %v", types.ErrInvalidParameters, err)), nil
	}
	var args executeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return s.toolError(nil, fmt.Errorf("%w: %v", types.ErrInvalidParameters, err)), nil
	}

	rec := &dispatch.Record{
		Protocol:   dispatch.ProtocolMCP,
		Operation:  args.Operation,
		ResourceID: args.Resource,
		PageID:     args.PageID,
		RequestID:  uuid.NewString(),
	}
	if args.Parameters != nil {
		body, err := json.Marshal(args.Parameters)
		if err != nil {
			return s.toolError(rec, fmt.Errorf("%w: %v", types.ErrInvalidParameters, err)), nil
		}
		rec.Body = body
	}

	// session.create is the bootstrap operation; everything else needs
	// credentials.
	if args.Operation != dispatch.OpSessionCreate {
		if args.Auth == nil {
			return s.toolError(rec, types.ErrMissingCredential), nil
		}
		p, err := s.dispatcher.Auth().Authenticate(ctx, auth.Credentials{
			BearerToken: args.Auth.Token,
			APIKey:      args.Auth.APIKey,
			SessionID:   args.Auth.SessionID,
		})
		if err != nil {
			return s.toolError(rec, err), nil
		}
		rec.Principal = p
	}

	out, err := s.dispatcher.Dispatch(ctx, rec)
	if err != nil {
		return s.toolError(rec, err), nil
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return s.toolError(rec, err), nil
	}
	return &mcp.CallToolResult{
		Result: mcp.Result{
			Meta: &mcp.Meta{AdditionalFields: map[string]any{
				"requestId": rec.RequestID,
				"status":    "ok",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}},
		},
		Content: []mcp.Content{mcp.NewTextContent(string(payload))},
	}, nil
}

// toolError projects an error into the tool result. rec may be nil when
// the arguments never parsed.
func (s *Server) toolError(rec *dispatch.Record, err error) *mcp.CallToolResult {
	env := s.dispatcher.Fail(err, rec)
	payload, merr := json.Marshal(env.MCPProject())
	if merr != nil {
		payload = []byte(`{"code":-32603,"message":"internal error"}`)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(payload))},
		IsError: true,
	}
}

// catalog is the document served at api://catalog.
type catalog struct {
	Name          string            `json:"name"`
	Version       string            `json:"version"`
	Operations    []string          `json:"operations"`
	RESTEndpoints []string          `json:"restEndpoints"`
	GRPCMethods   []string          `json:"grpcMethods"`
	WSMessages    []string          `json:"wsMessages"`
	Actions       []string          `json:"actions"`
	Notes         map[string]string `json:"notes"`
}

func (s *Server) readCatalog(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	doc := catalog{
		Name:    version.ServerName,
		Version: version.Version,
		Operations: []string{
			dispatch.OpSessionCreate, dispatch.OpSessionGet, dispatch.OpSessionDelete, dispatch.OpSessionList,
			dispatch.OpContextCreate, dispatch.OpContextGet, dispatch.OpContextList,
			dispatch.OpContextUpdate, dispatch.OpContextDelete, dispatch.OpContextExecute,
			dispatch.OpPageCreate, dispatch.OpPageGet, dispatch.OpPageList, dispatch.OpPageClose,
		},
		RESTEndpoints: []string{
			"POST /api/v1/sessions",
			"GET /api/v1/sessions/{sessionID}",
			"DELETE /api/v1/sessions/{sessionID}",
			"GET /api/v1/admin/sessions",
			"POST /api/v1/contexts",
			"GET /api/v1/contexts",
			"GET /api/v1/contexts/{contextID}",
			"PATCH /api/v1/contexts/{contextID}",
			"DELETE /api/v1/contexts/{contextID}",
			"POST /api/v1/contexts/{contextID}/execute",
			"POST /api/v1/contexts/{contextID}/pages",
			"GET /api/v1/contexts/{contextID}/pages",
			"GET /api/v1/contexts/{contextID}/pages/{pageID}",
			"DELETE /api/v1/contexts/{contextID}/pages/{pageID}",
			"POST /api/v1/contexts/{contextID}/pages/{pageID}/navigate",
			"POST /api/v1/contexts/{contextID}/pages/{pageID}/screenshot",
			"POST /api/v1/contexts/{contextID}/pages/{pageID}/evaluate",
			"GET /health",
			"GET /ready",
		},
		GRPCMethods: []string{
			"puppeteer.v1.ControlPlane/CreateSession",
			"puppeteer.v1.ControlPlane/CreateContext",
			"puppeteer.v1.ControlPlane/ExecuteCommand",
			"puppeteer.v1.ControlPlane/StreamCommand",
			"puppeteer.v1.ControlPlane/Invoke",
			"puppeteer.v1.ControlPlane/Health",
		},
		WSMessages: []string{"auth", "request", "subscribe", "unsubscribe", "ping"},
		Actions: []string{
			"navigate", "click", "type", "select", "keyboard", "mouse",
			"screenshot", "pdf", "evaluate", "wait", "scroll", "upload",
			"cookies", "content",
		},
		Notes: map[string]string{
			"auth":   "Call execute-api with operation session.create to obtain a token, then pass it in auth.token.",
			"events": "WebSocket clients can subscribe to topic context:<id> for action events.",
		},
	}

	text, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}
