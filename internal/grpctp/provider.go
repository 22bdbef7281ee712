package grpctp

import (
	"context"
	"sync"
)

// EndpointProvider lists the reachable endpoints (host:port or a gRPC target
// URI) of a subgraph, by subgraph name. Implementations must be safe for
// concurrent use.
type EndpointProvider interface {
	Endpoints(ctx context.Context, subgraph string) ([]string, error)
}

// StaticEndpoints is a provider backed by an in-memory map.
type StaticEndpoints struct {
	mu   sync.RWMutex
	data map[string][]string
}

func NewStaticEndpoints(m map[string][]string) *StaticEndpoints {
	s := &StaticEndpoints{data: make(map[string][]string, len(m))}
	for k, v := range m {
		s.Set(k, v...)
	}
	return s
}

// Set replaces the endpoints of subgraph.
func (s *StaticEndpoints) Set(subgraph string, endpoints ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[subgraph] = append([]string(nil), endpoints...)
}

func (s *StaticEndpoints) Endpoints(_ context.Context, subgraph string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.data[subgraph]
	if len(arr) == 0 {
		return nil, ErrNoEndpoints
	}
	return append([]string(nil), arr...), nil
}
