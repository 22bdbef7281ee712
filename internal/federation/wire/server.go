package wire

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	eventbus "github.com/hanpama/graphloader/internal/eventbus"
	events "github.com/hanpama/graphloader/internal/events"
	"github.com/hanpama/graphloader/internal/federation"
	"github.com/hanpama/graphloader/internal/invalidation"
	language "github.com/hanpama/graphloader/internal/language"
	"github.com/hanpama/graphloader/internal/logging"
	reqid "github.com/hanpama/graphloader/internal/reqid"
)

const errorDomain = "graphloader"

// Backend answers the fetches of one subgraph; *federation.Service
// implements it.
type Backend interface {
	federation.Client
	Name() string
	Subgraph() *federation.Subgraph
}

type handler interface {
	backendName() string
}

// Server adapts a Backend to the gRPC service.
type Server struct {
	backend Backend
	proto   *Protocol
	logger  *zap.Logger
	bus     *invalidation.Bus
}

type ServerOption func(*Server)

func WithServerLogger(l *zap.Logger) ServerOption { return func(s *Server) { s.logger = l } }

// WithInvalidationBus puts b into the context of every call so that
// mutation resolvers of the backend can publish invalidations.
func WithInvalidationBus(b *invalidation.Bus) ServerOption { return func(s *Server) { s.bus = b } }

// Register serves backend on r under graphloader.federation.v1.Subgraph.
func Register(r grpc.ServiceRegistrar, backend Backend, opts ...ServerOption) (*Server, error) {
	p, err := Descriptors()
	if err != nil {
		return nil, err
	}
	s := &Server{backend: backend, proto: p}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).With(zap.String("subgraph", backend.Name()))
	r.RegisterService(s.serviceDesc(), s)
	return s, nil
}

func (s *Server) backendName() string { return s.backend.Name() }

func (s *Server) serviceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: string(s.proto.Service.FullName()),
		HandlerType: (*handler)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: methodEntities, Handler: s.unary(s.proto.entities, s.fetchEntities)},
			{MethodName: methodRoot, Handler: s.unary(s.proto.root, s.fetchRoot)},
			{MethodName: methodSDL, Handler: s.unary(s.proto.sdl, s.sdl)},
		},
		Metadata: s.proto.File.Path(),
	}
}

type methodFunc func(ctx context.Context, req, resp message) (items int, err error)

func (s *Server) unary(md protoreflect.MethodDescriptor, fn methodFunc) grpc.MethodHandler {
	fullMethod := FullMethod(md)
	return func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := dynamicpb.NewMessage(md.Input())
		if err := dec(req); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, in any) (any, error) {
			start := time.Now()
			ctx = s.callContext(ctx)
			resp := dynamicpb.NewMessage(md.Output())
			items, err := fn(ctx, message{in.(*dynamicpb.Message)}, message{resp})
			if err != nil {
				err = s.toStatus(err)
			}
			eventbus.Publish(ctx, events.GRPCServerFinish{
				Service:  s.backend.Name(),
				Method:   string(md.Name()),
				Items:    items,
				Code:     status.Code(err),
				Duration: time.Since(start),
			})
			if err != nil {
				s.logger.Warn("fetch failed", zap.String("method", fullMethod), zap.Error(err))
				return nil, err
			}
			return resp, nil
		}
		if interceptor == nil {
			return call(ctx, req)
		}
		return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: s, FullMethod: fullMethod}, call)
	}
}

// callContext carries the caller's request ID and the invalidation bus.
func (s *Server) callContext(ctx context.Context) context.Context {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(reqid.MetadataKey); len(ids) > 0 {
			ctx = reqid.WithID(ctx, ids[0])
		}
	}
	if s.bus != nil {
		ctx = invalidation.NewContext(ctx, s.bus)
	}
	return ctx
}

func (s *Server) fetchEntities(ctx context.Context, req, resp message) (int, error) {
	items := req.messages("representations")
	reps := make([]federation.Representation, len(items))
	for i, m := range items {
		fields, err := decodeJSONObject(m.bytes("fields"))
		if err != nil {
			return len(items), status.Errorf(codes.InvalidArgument, "representation %d: %v", i, err)
		}
		reps[i] = federation.Representation{Typename: m.str("typename"), Fields: fields}
	}
	entities, err := s.backend.FetchEntities(ctx, reps, req.strings("fields"))
	if err != nil {
		return len(reps), err
	}
	return len(reps), encodeEntities(resp, "entities", entities)
}

func (s *Server) fetchRoot(ctx context.Context, req, resp message) (int, error) {
	op := language.Operation(req.str("operation"))
	if op != language.Query && op != language.Mutation {
		return 0, status.Errorf(codes.InvalidArgument, "unsupported operation %q", op)
	}
	items := req.messages("calls")
	calls := make([]federation.RootCall, len(items))
	for i, m := range items {
		args, err := decodeJSONObject(m.bytes("arguments"))
		if err != nil {
			return len(items), status.Errorf(codes.InvalidArgument, "call %d: %v", i, err)
		}
		calls[i] = federation.RootCall{Field: m.str("field"), Args: args}
	}
	results, err := s.backend.FetchRoot(ctx, op, calls)
	if err != nil {
		return len(calls), err
	}
	return len(calls), encodeEntities(resp, "results", results)
}

func (s *Server) sdl(_ context.Context, _, resp message) (int, error) {
	resp.setString("name", s.backend.Name())
	resp.setString("sdl", s.backend.Subgraph().SDL)
	return 1, nil
}

func encodeEntities(resp message, field string, entities []federation.Entity) error {
	for _, e := range entities {
		if err := resp.appendMessage(field, func(m message) error { return encodeEntity(m, e) }); err != nil {
			return err
		}
	}
	return nil
}

// toStatus keeps status errors and maps everything else to a status that
// carries the error code as ErrorInfo.
func (s *Server) toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return status.FromContextError(err).Err()
	}
	st := status.New(codes.Internal, err.Error())
	if code := errorCode(err); code != "" {
		if detailed, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: code, Domain: errorDomain}); derr == nil {
			st = detailed
		} else {
			s.logger.Debug("drop error details", zap.Error(fmt.Errorf("with details: %w", derr)))
		}
	}
	return st.Err()
}
