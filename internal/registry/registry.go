// Package registry maps (object type, field) pairs to resolver functions and
// implements executor.Runtime on top of that table.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/hanpama/graphloader/internal/executor"
	"github.com/hanpama/graphloader/internal/logging"
	schema "github.com/hanpama/graphloader/internal/schema"
)

// Resolver resolves one field instance. It returns a plain value or a
// *loader.Thunk obtained from req.Loader.
type Resolver func(ctx context.Context, req *executor.FieldRequest) (any, error)

// TypeResolver names the object type of a value returned for an interface or
// union field.
type TypeResolver func(ctx context.Context, value any) (string, error)

// Serializer converts a custom scalar value to its JSON form.
type Serializer func(value any) (any, error)

type fieldKey struct {
	objectType string
	field      string
}

// Registry is the resolver table for one schema. Fields without a resolver
// read the same-named property of their parent value.
type Registry struct {
	schema *schema.Schema
	logger *zap.Logger

	mu            sync.RWMutex
	resolvers     map[fieldKey]Resolver
	typeResolvers map[string]TypeResolver
	serializers   map[string]Serializer
	fallback      Resolver
}

type Option func(*Registry)

func WithLogger(l *zap.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithFallback replaces the property reader used for fields without a
// registered resolver.
func WithFallback(fn Resolver) Option { return func(r *Registry) { r.fallback = fn } }

func New(sch *schema.Schema, opts ...Option) *Registry {
	r := &Registry{
		schema:        sch,
		resolvers:     make(map[fieldKey]Resolver),
		typeResolvers: make(map[string]TypeResolver),
		serializers:   make(map[string]Serializer),
		fallback:      PropertyResolver,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger)
	return r
}

// Schema returns the schema the registry validates against.
func (r *Registry) Schema() *schema.Schema { return r.schema }

// Field registers fn for objectType.field, replacing any earlier resolver.
func (r *Registry) Field(objectType, field string, fn Resolver) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[fieldKey{objectType, field}] = fn
	return r
}

// Fields registers several resolvers of one object type.
func (r *Registry) Fields(objectType string, fns map[string]Resolver) *Registry {
	for field, fn := range fns {
		r.Field(objectType, field, fn)
	}
	return r
}

// AbstractType registers the type resolver of an interface or union.
func (r *Registry) AbstractType(name string, fn TypeResolver) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typeResolvers[name] = fn
	return r
}

// Scalar registers the serializer of a custom scalar.
func (r *Registry) Scalar(name string, fn Serializer) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serializers[name] = fn
	return r
}

// Has reports whether a resolver was registered for objectType.field.
func (r *Registry) Has(objectType, field string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.resolvers[fieldKey{objectType, field}]
	return ok
}

// Validate checks every registration against the schema: resolvers must name
// an existing object field, type resolvers an interface or union, and
// serializers a scalar.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var problems []string
	for k := range r.resolvers {
		t := r.schema.Types[k.objectType]
		switch {
		case t == nil:
			problems = append(problems, fmt.Sprintf("resolver for %s.%s: unknown type %s", k.objectType, k.field, k.objectType))
		case t.Kind != schema.TypeKindObject:
			problems = append(problems, fmt.Sprintf("resolver for %s.%s: %s is %s, not an object type", k.objectType, k.field, k.objectType, t.Kind))
		case t.Field(k.field) == nil:
			problems = append(problems, fmt.Sprintf("resolver for %s.%s: type %s has no field %s", k.objectType, k.field, k.objectType, k.field))
		}
	}
	for name := range r.typeResolvers {
		if t := r.schema.Types[name]; t == nil || (t.Kind != schema.TypeKindInterface && t.Kind != schema.TypeKindUnion) {
			problems = append(problems, fmt.Sprintf("type resolver for %s: not an interface or union", name))
		}
	}
	for name := range r.serializers {
		if t := r.schema.Types[name]; t == nil || t.Kind != schema.TypeKindScalar {
			problems = append(problems, fmt.Sprintf("serializer for %s: not a scalar", name))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return &InvalidError{Problems: problems}
}

// Resolve implements executor.Runtime.
func (r *Registry) Resolve(ctx context.Context, req *executor.FieldRequest) (any, error) {
	r.mu.RLock()
	fn, ok := r.resolvers[fieldKey{req.ObjectType, req.Field}]
	r.mu.RUnlock()
	if !ok {
		fn = r.fallback
	}
	return fn(ctx, req)
}

// ResolveType implements executor.Runtime. Without a registered type
// resolver the value must carry its own type name (see Typename).
func (r *Registry) ResolveType(ctx context.Context, abstractType string, value any) (string, error) {
	r.mu.RLock()
	fn := r.typeResolvers[abstractType]
	r.mu.RUnlock()
	if fn != nil {
		return fn(ctx, value)
	}
	if name, ok := Typename(value); ok {
		return name, nil
	}
	r.logger.Debug("no type name on abstract value", zap.String("type", abstractType), zap.String("go_type", fmt.Sprintf("%T", value)))
	return "", fmt.Errorf("cannot determine the object type of %T for %s", value, abstractType)
}

// SerializeLeafValue implements executor.Runtime.
func (r *Registry) SerializeLeafValue(ctx context.Context, typeName string, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if out, ok, err := serializeBuiltin(typeName, value); ok {
		return out, err
	}
	r.mu.RLock()
	fn := r.serializers[typeName]
	r.mu.RUnlock()
	if fn != nil {
		return fn(value)
	}
	if t := r.schema.Types[typeName]; t != nil && t.Kind == schema.TypeKindEnum {
		return serializeEnum(t, value)
	}
	return value, nil
}

// InvalidError lists the registrations that do not match the schema.
type InvalidError struct {
	Problems []string
}

func (e *InvalidError) Error() string {
	if len(e.Problems) == 1 {
		return "registry: " + e.Problems[0]
	}
	return fmt.Sprintf("registry: %d problems, first: %s", len(e.Problems), e.Problems[0])
}
