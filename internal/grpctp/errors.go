package grpctp

import "errors"

var (
	// ErrNoEndpoints indicates the provider returned no endpoints for a subgraph.
	ErrNoEndpoints = errors.New("grpctp: no endpoints available")
	// ErrClosed is returned by calls on a closed transport.
	ErrClosed = errors.New("grpctp: closed")
)
