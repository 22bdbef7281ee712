package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/hanpama/graphloader/internal/loader"
	schema "github.com/hanpama/graphloader/internal/schema"
)

// MockResolver resolves a single field instance in tests.
type MockResolver func(ctx context.Context, req *FieldRequest) (any, error)

// NewMockValueResolver returns a MockResolver that always returns the provided value.
func NewMockValueResolver(val any) MockResolver {
	return func(ctx context.Context, req *FieldRequest) (any, error) {
		return val, nil
	}
}

// NewMockErrorResolver returns a MockResolver that always returns the provided error.
func NewMockErrorResolver(err error) MockResolver {
	return func(ctx context.Context, req *FieldRequest) (any, error) {
		return nil, err
	}
}

// NewMockLoadResolver returns a MockResolver that loads Key{typ, id(req)}
// through the execution's scheduler.
func NewMockLoadResolver(typ string, id func(req *FieldRequest) string) MockResolver {
	return func(ctx context.Context, req *FieldRequest) (any, error) {
		return req.Loader.Load(loader.K(typ, id(req))), nil
	}
}

// Call is one recorded Resolve invocation. Tick is the number of scheduler
// dispatches that had run when the resolver was called.
type Call struct {
	ObjectType string
	Field      string
	Source     any
	Args       map[string]any
	Tick       int
}

// MockRuntime implements Runtime with a single resolver registry and a single call log.
type MockRuntime struct {
	mu        sync.Mutex
	resolvers map[string]MockResolver
	calls     []Call

	typeResolver func(value any) (string, error)
	serializer   func(val any, t schema.TypeRef) (any, error)
}

// NewMockRuntime creates a MockRuntime with the provided resolvers.
// The resolvers map keys are of the form "ObjectType.Field". Fields without a
// resolver read the same-named key of a map[string]any source.
func NewMockRuntime(resolvers map[string]MockResolver) *MockRuntime {
	m := &MockRuntime{
		resolvers: make(map[string]MockResolver, len(resolvers)),
		typeResolver: func(value any) (string, error) {
			if m, ok := value.(map[string]any); ok {
				if typename, ok := m["__typename"].(string); ok {
					return typename, nil
				}
			}
			return "", fmt.Errorf("cannot resolve type")
		},
		serializer: func(val any, t schema.TypeRef) (any, error) {
			return val, nil
		},
	}
	for k, v := range resolvers {
		m.resolvers[k] = v
	}
	return m
}

// SetResolver registers or updates a resolver for the given object type and field.
func (m *MockRuntime) SetResolver(objectType, field string, resolver MockResolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolvers[objectType+"."+field] = resolver
}

func SetTypeResolver(r Runtime, f func(value any) (string, error)) {
	if mr, ok := r.(*MockRuntime); ok {
		mr.mu.Lock()
		mr.typeResolver = f
		mr.mu.Unlock()
	}
}

func SetSerializer(r Runtime, f func(val any, t schema.TypeRef) (any, error)) {
	if mr, ok := r.(*MockRuntime); ok {
		mr.mu.Lock()
		mr.serializer = f
		mr.mu.Unlock()
	}
}

// Resolve implements Runtime.Resolve.
func (m *MockRuntime) Resolve(ctx context.Context, req *FieldRequest) (any, error) {
	m.mu.Lock()
	r := m.resolvers[req.ObjectType+"."+req.Field]
	m.calls = append(m.calls, Call{
		ObjectType: req.ObjectType,
		Field:      req.Field,
		Source:     req.Source,
		Args:       req.Args,
		Tick:       req.Loader.Ticks(),
	})
	m.mu.Unlock()

	if r != nil {
		return r(ctx, req)
	}
	if src, ok := req.Source.(map[string]any); ok {
		return src[req.Field], nil
	}
	return nil, nil
}

// ResolveType implements Runtime.ResolveType
func (m *MockRuntime) ResolveType(ctx context.Context, abstractType string, value any) (string, error) {
	m.mu.Lock()
	f := m.typeResolver
	m.mu.Unlock()
	if f == nil {
		return "", fmt.Errorf("type resolver not configured")
	}
	return f(value)
}

// SerializeLeafValue implements Runtime.SerializeLeafValue
func (m *MockRuntime) SerializeLeafValue(ctx context.Context, scalarOrEnumTypeName string, value any) (any, error) {
	m.mu.Lock()
	f := m.serializer
	m.mu.Unlock()
	if f == nil {
		return value, nil
	}
	return f(value, *schema.NamedType(scalarOrEnumTypeName))
}

// GetCalls returns a copy of the recorded calls in order.
func (m *MockRuntime) GetCalls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset clears recorded calls (resolvers remain).
func (m *MockRuntime) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
