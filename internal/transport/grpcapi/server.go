// Package grpcapi exposes the control plane over gRPC. The service is
// described with a hand-written descriptor and a JSON codec; messages are
// plain structs. Errors travel as gRPC statuses with the full envelope in
// a trailer.
package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/auth"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/dispatch"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/pkg/version"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "puppeteer.v1.ControlPlane"

// CreateContextRequest creates a browsing context.
type CreateContextRequest struct {
	Name   string         `json:"name"`
	Type   string         `json:"type,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// ExecuteCommandRequest runs one action inside a context.
type ExecuteCommandRequest struct {
	ContextID  string         `json:"contextId"`
	Action     string         `json:"action"`
	PageID     string         `json:"pageId"`
	Parameters map[string]any `json:"parameters,omitempty"`
	TimeoutMS  int            `json:"timeoutMs,omitempty"`
}

// CommandSpec is one step of a streamed command sequence.
type CommandSpec struct {
	Action     string         `json:"action"`
	PageID     string         `json:"pageId"`
	Parameters map[string]any `json:"parameters,omitempty"`
	TimeoutMS  int            `json:"timeoutMs,omitempty"`
}

// StreamCommandRequest runs a sequence of actions, streaming each result.
type StreamCommandRequest struct {
	ContextID string        `json:"contextId"`
	Commands  []CommandSpec `json:"commands"`
}

// InvokeRequest is the generic form: any dispatch operation by name.
type InvokeRequest struct {
	Operation  string          `json:"operation"`
	ResourceID string          `json:"resourceId,omitempty"`
	PageID     string          `json:"pageId,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// InvokeResponse wraps the operation result as raw JSON.
type InvokeResponse struct {
	Result json.RawMessage `json:"result"`
}

// HealthRequest is empty.
type HealthRequest struct{}

// ControlPlaneServer is the service contract backing the descriptor.
type ControlPlaneServer interface {
	CreateSession(context.Context, *dispatch.CreateSessionParams) (*dispatch.SessionResult, error)
	CreateContext(context.Context, *CreateContextRequest) (*types.Context, error)
	ExecuteCommand(context.Context, *ExecuteCommandRequest) (*types.ActionResult, error)
	Invoke(context.Context, *InvokeRequest) (*InvokeResponse, error)
	Health(context.Context, *HealthRequest) (*dispatch.HealthStatus, error)
	StreamCommand(*StreamCommandRequest, grpc.ServerStream) error
}

// Server is the gRPC front-end.
type Server struct {
	dispatcher *dispatch.Dispatcher
	grpcServer *grpc.Server
}

// NewServer builds the gRPC server with the JSON codec forced.
func NewServer(d *dispatch.Dispatcher) *Server {
	s := &Server{dispatcher: d}
	s.grpcServer = grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	s.grpcServer.RegisterService(&serviceDesc, s)
	return s
}

// Serve blocks serving the listener.
func (s *Server) Serve(lis net.Listener) error {
	log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// GracefulStop drains in-flight RPCs and stops.
func (s *Server) GracefulStop() { s.grpcServer.GracefulStop() }

// principal authenticates the RPC from its metadata.
func (s *Server) principal(ctx context.Context) (types.Principal, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	get := func(key string) string {
		if vals := md.Get(key); len(vals) > 0 {
			return vals[0]
		}
		return ""
	}
	creds := auth.ExtractCredentials(get("authorization"), get("x-api-key"), get("x-session-id"))
	return s.dispatcher.Auth().Authenticate(ctx, creds)
}

// fail projects an error as a gRPC status and attaches the envelope
// trailer to the RPC.
func (s *Server) fail(ctx context.Context, rec *dispatch.Record, err error) error {
	env := s.dispatcher.Fail(err, rec)
	st, md := env.GRPCProject()
	if terr := grpc.SetTrailer(ctx, md); terr != nil {
		log.Debug().Err(terr).Msg("Error setting gRPC trailer")
	}
	return st.Err()
}

func (s *Server) record(operation, resourceID, pageID string, body []byte, p types.Principal) *dispatch.Record {
	return &dispatch.Record{
		Protocol:   dispatch.ProtocolGRPC,
		Operation:  operation,
		ResourceID: resourceID,
		PageID:     pageID,
		Body:       body,
		Principal:  p,
		RequestID:  uuid.NewString(),
	}
}

// CreateSession provisions a session; the one RPC that needs no metadata
// credentials.
func (s *Server) CreateSession(ctx context.Context, req *dispatch.CreateSessionParams) (*dispatch.SessionResult, error) {
	result, err := s.dispatcher.CreateSession(ctx, *req)
	if err != nil {
		return nil, s.fail(ctx, s.record(dispatch.OpSessionCreate, "", "", nil, types.Principal{}), err)
	}
	return result, nil
}

// CreateContext creates a browsing context for the caller.
func (s *Server) CreateContext(ctx context.Context, req *CreateContextRequest) (*types.Context, error) {
	rec := s.record(dispatch.OpContextCreate, "", "", nil, types.Principal{})
	p, err := s.principal(ctx)
	if err != nil {
		return nil, s.fail(ctx, rec, err)
	}
	rec.Principal = p

	bctx, err := s.dispatcher.CreateContext(ctx, p, dispatch.CreateContextParams{
		Name: req.Name, Type: req.Type, Config: req.Config,
	})
	if err != nil {
		return nil, s.fail(ctx, rec, err)
	}
	return bctx, nil
}

// ExecuteCommand runs one action and returns its result.
func (s *Server) ExecuteCommand(ctx context.Context, req *ExecuteCommandRequest) (*types.ActionResult, error) {
	rec := s.record(dispatch.OpContextExecute, req.ContextID, req.PageID, nil, types.Principal{})
	p, err := s.principal(ctx)
	if err != nil {
		return nil, s.fail(ctx, rec, err)
	}
	rec.Principal = p

	result, err := s.dispatcher.ExecuteAction(ctx, p, req.ContextID, dispatch.ExecuteParams{
		Action:     req.Action,
		PageID:     req.PageID,
		Parameters: req.Parameters,
		TimeoutMS:  req.TimeoutMS,
	}, rec.RequestID)
	if err != nil {
		return nil, s.fail(ctx, rec, err)
	}
	return result, nil
}

// Invoke runs any dispatch operation by name. Clients without generated
// stubs use this for the rest of the surface.
func (s *Server) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	rec := &dispatch.Record{
		Protocol:   dispatch.ProtocolGRPC,
		Operation:  req.Operation,
		ResourceID: req.ResourceID,
		PageID:     req.PageID,
		Body:       req.Body,
		RequestID:  uuid.NewString(),
	}
	p, err := s.principal(ctx)
	if err != nil {
		return nil, s.fail(ctx, rec, err)
	}
	rec.Principal = p

	out, err := s.dispatcher.Dispatch(ctx, rec)
	if err != nil {
		return nil, s.fail(ctx, rec, err)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, s.fail(ctx, rec, err)
	}
	return &InvokeResponse{Result: raw}, nil
}

// Health reports server health. Unauthenticated.
func (s *Server) Health(_ context.Context, _ *HealthRequest) (*dispatch.HealthStatus, error) {
	return s.dispatcher.Health(version.Version), nil
}

// StreamCommand runs a command sequence, streaming each result as it
// completes. The stream aborts on the first failing command.
func (s *Server) StreamCommand(req *StreamCommandRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	rec := s.record(dispatch.OpContextExecute, req.ContextID, "", nil, types.Principal{})
	p, err := s.principal(ctx)
	if err != nil {
		return s.fail(ctx, rec, err)
	}
	rec.Principal = p

	if len(req.Commands) == 0 {
		return s.fail(ctx, rec, fmt.Errorf("%w: commands are required", types.ErrInvalidParameters))
	}
	for _, cmd := range req.Commands {
		result, err := s.dispatcher.ExecuteAction(ctx, p, req.ContextID, dispatch.ExecuteParams{
			Action:     cmd.Action,
			PageID:     cmd.PageID,
			Parameters: cmd.Parameters,
			TimeoutMS:  cmd.TimeoutMS,
		}, rec.RequestID)
		if err != nil {
			// The partial result still travels before the status.
			if result != nil {
				_ = stream.SendMsg(result)
			}
			return s.fail(ctx, rec, err)
		}
		if err := stream.SendMsg(result); err != nil {
			return err
		}
	}
	return nil
}

// Hand-written handlers in place of protoc-generated ones.

func createSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(dispatch.CreateSessionParams)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).CreateSession(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/CreateSession"}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).CreateSession(ctx, req.(*dispatch.CreateSessionParams))
	})
}

func createContextHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(CreateContextRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).CreateContext(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/CreateContext"}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).CreateContext(ctx, req.(*CreateContextRequest))
	})
}

func executeCommandHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(ExecuteCommandRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).ExecuteCommand(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ExecuteCommand"}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).ExecuteCommand(ctx, req.(*ExecuteCommandRequest))
	})
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(InvokeRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).Invoke(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Invoke"}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).Invoke(ctx, req.(*InvokeRequest))
	})
}

func healthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(HealthRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).Health(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Health"}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).Health(ctx, req.(*HealthRequest))
	})
}

func streamCommandHandler(srv any, stream grpc.ServerStream) error {
	req := new(StreamCommandRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(*Server).StreamCommand(req, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlPlaneServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateSession", Handler: createSessionHandler},
		{MethodName: "CreateContext", Handler: createContextHandler},
		{MethodName: "ExecuteCommand", Handler: executeCommandHandler},
		{MethodName: "Invoke", Handler: invokeHandler},
		{MethodName: "Health", Handler: healthHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamCommand", Handler: streamCommandHandler, ServerStreams: true},
	},
	Metadata: "puppeteer/v1/control_plane.json",
}
