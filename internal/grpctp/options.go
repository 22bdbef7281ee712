package grpctp

import (
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Options configures a Transport.
//
// Defaults: two connections per endpoint, a 3s deadline for calls whose
// context has none, two attempts per call and insecure credentials.
// Provider must be set; calls fail without one.
type Options struct {
	Provider EndpointProvider

	// MaxConnsPerEndpoint is the number of client connections opened to each
	// endpoint. Calls are spread over them round robin.
	MaxConnsPerEndpoint int
	RPCTimeout          time.Duration

	// MaxAttempts bounds how many endpoints of a subgraph one call tries.
	// The next endpoint is tried only after codes.Unavailable.
	MaxAttempts int

	DialOptions []grpc.DialOption
	Logger      *zap.Logger
}

type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		MaxConnsPerEndpoint: 2,
		RPCTimeout:          3 * time.Second,
		MaxAttempts:         2,
	}
}

func WithProvider(p EndpointProvider) Option { return func(o *Options) { o.Provider = p } }
func WithMaxConnsPerEndpoint(n int) Option   { return func(o *Options) { o.MaxConnsPerEndpoint = n } }
func WithRPCTimeout(d time.Duration) Option  { return func(o *Options) { o.RPCTimeout = d } }
func WithMaxAttempts(n int) Option           { return func(o *Options) { o.MaxAttempts = n } }
func WithLogger(l *zap.Logger) Option        { return func(o *Options) { o.Logger = l } }
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *Options) { o.DialOptions = opts }
}
