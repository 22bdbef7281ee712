// Package grpctp is the client transport for subgraphs served over gRPC. It
// keeps a fixed set of connections per endpoint, rotates calls over the
// endpoints of a subgraph, fails over to the next endpoint when one is
// unavailable and applies a default deadline to calls without one.
package grpctp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	eventbus "github.com/hanpama/graphloader/internal/eventbus"
	events "github.com/hanpama/graphloader/internal/events"
	"github.com/hanpama/graphloader/internal/logging"
)

// SubgraphHeader is the outgoing metadata key naming the called subgraph.
const SubgraphHeader = "x-graphloader-subgraph"

// Transport calls subgraph methods with dynamic messages.
type Transport struct {
	opts   *Options
	logger *zap.Logger

	mu        sync.Mutex
	endpoints map[string]*endpoint
	cursors   map[string]*atomic.Uint64 // subgraph -> rotation
	closed    atomic.Bool
}

func New(opts ...Option) *Transport {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if len(o.DialOptions) == 0 {
		o.DialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
		}
	}
	if o.MaxConnsPerEndpoint <= 0 {
		o.MaxConnsPerEndpoint = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	return &Transport{
		opts:      o,
		logger:    logging.OrNop(o.Logger),
		endpoints: make(map[string]*endpoint),
		cursors:   make(map[string]*atomic.Uint64),
	}
}

// Call invokes method on an endpoint of subgraph and returns the response as
// a dynamic message of the method's output type. Endpoints are taken in
// rotation; after codes.Unavailable the call moves on to the next one, up to
// MaxAttempts endpoints.
func (t *Transport) Call(ctx context.Context, subgraph string, method protoreflect.MethodDescriptor, request protoreflect.Message) (protoreflect.Message, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if t.opts.Provider == nil {
		return nil, errors.New("grpctp: provider not configured")
	}
	if _, ok := ctx.Deadline(); !ok && t.opts.RPCTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.RPCTimeout)
		defer cancel()
	}
	ctx = metadata.AppendToOutgoingContext(ctx, SubgraphHeader, subgraph)

	targets, err := t.opts.Provider.Endpoints(ctx, subgraph)
	if err != nil {
		return nil, fmt.Errorf("grpctp: endpoints of %s: %w", subgraph, err)
	}
	if len(targets) == 0 {
		return nil, ErrNoEndpoints
	}

	first := int(t.cursor(subgraph).Add(1) - 1)
	attempts := min(t.opts.MaxAttempts, len(targets))
	var resp protoreflect.Message
	for i := range attempts {
		target := targets[(first+i)%len(targets)]
		resp, err = t.callEndpoint(ctx, subgraph, target, method, request)
		if err == nil || status.Code(err) != codes.Unavailable || ctx.Err() != nil {
			return resp, err
		}
		if i+1 < attempts {
			t.logger.Debug("endpoint unavailable, trying next",
				zap.String("subgraph", subgraph), zap.String("target", target), zap.Error(err))
		}
	}
	return nil, err
}

func (t *Transport) callEndpoint(ctx context.Context, subgraph, target string, method protoreflect.MethodDescriptor, request protoreflect.Message) (protoreflect.Message, error) {
	cc, err := t.endpoint(target).conn(t.opts)
	if err != nil {
		return nil, err
	}
	fullMethod := fmt.Sprintf("/%s/%s", method.Parent().FullName(), method.Name())
	start := time.Now()
	eventbus.Publish(ctx, events.GRPCClientStart{Service: subgraph, Method: string(method.Name()), Target: target})
	resp := dynamicpb.NewMessage(method.Output())
	err = cc.Invoke(ctx, fullMethod, request.Interface(), resp)
	eventbus.Publish(ctx, events.GRPCClientFinish{
		Service:  subgraph,
		Method:   string(method.Name()),
		Target:   target,
		Code:     status.Code(err),
		Err:      err,
		Duration: time.Since(start),
	})
	if err != nil {
		t.logger.Debug("subgraph call failed",
			zap.String("subgraph", subgraph), zap.String("method", fullMethod),
			zap.String("target", target), zap.Error(err))
		return nil, err
	}
	return resp, nil
}

func (t *Transport) cursor(subgraph string) *atomic.Uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.cursors[subgraph]
	if c == nil {
		c = new(atomic.Uint64)
		t.cursors[subgraph] = c
	}
	return c
}

func (t *Transport) endpoint(target string) *endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.endpoints[target]
	if e == nil {
		e = &endpoint{target: target}
		t.endpoints[target] = e
	}
	return e
}

// Close closes every connection. Calls made afterwards fail with ErrClosed.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for _, e := range t.endpoints {
		errs = append(errs, e.close())
	}
	t.endpoints = map[string]*endpoint{}
	return errors.Join(errs...)
}

// endpoint holds the connections to one target. They are created on first
// use and connect lazily.
type endpoint struct {
	target string

	once  sync.Once
	conns []*grpc.ClientConn
	err   error
	next  atomic.Uint64
}

func (e *endpoint) conn(opts *Options) (*grpc.ClientConn, error) {
	e.once.Do(func() {
		for range opts.MaxConnsPerEndpoint {
			cc, err := grpc.NewClient(e.target, opts.DialOptions...)
			if err != nil {
				e.err = fmt.Errorf("grpctp: dial %s: %w", e.target, err)
				for _, c := range e.conns {
					_ = c.Close()
				}
				e.conns = nil
				return
			}
			e.conns = append(e.conns, cc)
		}
	})
	if e.err != nil {
		return nil, e.err
	}
	return e.conns[(e.next.Add(1)-1)%uint64(len(e.conns))], nil
}

func (e *endpoint) close() error {
	var errs []error
	for _, cc := range e.conns {
		errs = append(errs, cc.Close())
	}
	return errors.Join(errs...)
}
