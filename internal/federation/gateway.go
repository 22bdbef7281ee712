package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hanpama/graphloader/internal/cache"
	"github.com/hanpama/graphloader/internal/executor"
	"github.com/hanpama/graphloader/internal/invalidation"
	language "github.com/hanpama/graphloader/internal/language"
	"github.com/hanpama/graphloader/internal/loader"
	"github.com/hanpama/graphloader/internal/logging"
	"github.com/hanpama/graphloader/internal/registry"
	schema "github.com/hanpama/graphloader/internal/schema"
)

// EntityKeyType is the loader key type of entity fetches of typ from service.
func EntityKeyType(service, typ string) string { return "_entities:" + service + ":" + typ }

// RootKeyType is the loader key type of root field fetches from service.
func RootKeyType(service string) string { return "_root:" + service }

// EntityTag is the invalidation tag of a cached entity: the lowercased type
// name and the key values, e.g. "book:1".
func EntityTag(typ string, keyValues ...any) string {
	parts := make([]string, len(keyValues))
	for i, v := range keyValues {
		parts[i], _ = registry.IDString(v)
	}
	return strings.ToLower(typ) + ":" + strings.Join(parts, ",")
}

// Gateway resolves a supergraph by delegating every field to the service
// that owns it.
type Gateway struct {
	super     *Supergraph
	clients   map[string]Client
	reg       *registry.Registry
	logger    *zap.Logger
	entityTTL time.Duration
	cache     *cache.Cache // of the loaders passed to Register
}

type GatewayOption func(*Gateway)

func WithGatewayLogger(l *zap.Logger) GatewayOption { return func(g *Gateway) { g.logger = l } }

// WithEntityTTL keeps fetched entities in the shared cache for d, tagged
// with EntityTag.
func WithEntityTTL(d time.Duration) GatewayOption { return func(g *Gateway) { g.entityTTL = d } }

// NewGateway needs a client for every subgraph of super.
func NewGateway(super *Supergraph, clients map[string]Client, opts ...GatewayOption) (*Gateway, error) {
	g := &Gateway{super: super, clients: clients}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrNop(g.logger)
	for _, sub := range super.Subgraphs() {
		if clients[sub.Name] == nil {
			return nil, fmt.Errorf("federation: no client for subgraph %s", sub.Name)
		}
	}
	g.reg = registry.New(super.Schema, registry.WithLogger(g.logger), registry.WithFallback(g.resolve))
	return g, nil
}

// Schema returns the supergraph schema.
func (g *Gateway) Schema() *schema.Schema { return g.super.Schema }

// Runtime returns the executor.Runtime resolving the supergraph.
func (g *Gateway) Runtime() executor.Runtime { return g.reg }

// Register installs the batch functions for root and entity fetches.
func (g *Gateway) Register(l *loader.Loaders) {
	g.cache = l.Cache()
	for _, sub := range g.super.Subgraphs() {
		l.Register(RootKeyType(sub.Name), g.rootBatch(sub.Name), loader.CachePolicy{})
		for typ := range g.super.keys {
			if len(g.super.EntityFields(sub.Name, typ)) == 0 {
				continue
			}
			l.Register(EntityKeyType(sub.Name, typ), g.entityBatch(sub.Name, typ), g.entityPolicy(typ))
		}
	}
}

func (g *Gateway) entityPolicy(typ string) loader.CachePolicy {
	keys := g.super.keys[typ]
	return loader.CachePolicy{
		TTL: g.entityTTL,
		Tags: func(k loader.Key, _ any) []string {
			var fields map[string]any
			if err := json.Unmarshal([]byte(k.ID), &fields); err != nil {
				return nil
			}
			values := make([]any, len(keys))
			for i, key := range keys {
				values[i] = fields[key]
			}
			return []string{EntityTag(typ, values...)}
		},
	}
}

type rootKey struct {
	Operation language.Operation `json:"op"`
	Field     string             `json:"field"`
	Args      map[string]any     `json:"args,omitempty"`
	Nonce     string             `json:"nonce,omitempty"`
}

func (g *Gateway) rootBatch(service string) loader.BatchFunc {
	return func(ctx context.Context, keys []loader.Key) ([]any, error) {
		calls := make([]RootCall, len(keys))
		var op language.Operation
		for i, k := range keys {
			var rk rootKey
			if err := json.Unmarshal([]byte(k.ID), &rk); err != nil {
				return nil, fmt.Errorf("federation: bad root key %s: %w", k, err)
			}
			calls[i] = RootCall{Field: rk.Field, Args: rk.Args}
			op = rk.Operation
		}
		entities, err := g.clients[service].FetchRoot(ctx, op, calls)
		if err != nil {
			return nil, err
		}
		return entityValues(entities), nil
	}
}

func (g *Gateway) entityBatch(service, typ string) loader.BatchFunc {
	fields := g.super.EntityFields(service, typ)
	return func(ctx context.Context, keys []loader.Key) ([]any, error) {
		reps := make([]Representation, len(keys))
		for i, k := range keys {
			var rep map[string]any
			if err := json.Unmarshal([]byte(k.ID), &rep); err != nil {
				return nil, fmt.Errorf("federation: bad representation %s: %w", k, err)
			}
			reps[i] = Representation{Typename: typ, Fields: rep}
		}
		entities, err := g.clients[service].FetchEntities(ctx, reps, fields)
		if err != nil {
			return nil, err
		}
		return entityValues(entities), nil
	}
}

func entityValues(entities []Entity) []any {
	out := make([]any, len(entities))
	for i, e := range entities {
		switch {
		case e.Err != nil:
			out[i] = e.Err
		case e.Data == nil:
			out[i] = loader.NotFound
		default:
			out[i] = e.Data
		}
	}
	return out
}

func (g *Gateway) resolve(ctx context.Context, req *executor.FieldRequest) (any, error) {
	if g.super.isRoot(req.ObjectType) {
		return g.resolveRoot(ctx, req)
	}
	return g.resolveField(req.Loader, req.ObjectType, req.Source, req.Field)
}

func (g *Gateway) resolveRoot(ctx context.Context, req *executor.FieldRequest) (any, error) {
	owner, ok := g.super.Owner(req.ObjectType, req.Field)
	if !ok {
		return nil, fmt.Errorf("no subgraph resolves %s.%s", req.ObjectType, req.Field)
	}
	rk := rootKey{Operation: language.Query, Field: req.Field, Args: req.Args}
	mutation := req.ObjectType == g.super.Schema.MutationType
	if mutation {
		// Every mutation call is executed, even when another one is identical.
		rk.Operation = language.Mutation
		rk.Nonce = uuid.NewString()
	}
	id, err := json.Marshal(rk)
	if err != nil {
		return nil, fmt.Errorf("encode arguments of %s.%s: %w", req.ObjectType, req.Field, err)
	}
	return req.Loader.Load(loader.K(RootKeyType(owner), string(id))).Then(func(v any) (any, error) {
		val, err := fieldOf(v, req.Field)
		if mutation && err == nil {
			g.evictReturned(ctx, req.Loader, val)
		}
		return val, err
	}), nil
}

// evictReturned invalidates the cached entities a mutation returned. The
// subgraph that ran the mutation invalidates only its own process, so the
// gateway drops its copies itself: through the request's bus when there is
// one, from its cache directly otherwise.
func (g *Gateway) evictReturned(ctx context.Context, s *loader.Scheduler, v any) {
	refs := g.entityRefs(v, nil)
	if len(refs) == 0 {
		return
	}
	tags := make([]string, 0, len(refs))
	targets := make([]invalidation.Target, 0, len(refs))
	for _, r := range refs {
		tag := EntityTag(r.typ, r.values...)
		if slices.Contains(tags, tag) {
			continue
		}
		tags = append(tags, tag)
		targets = append(targets, invalidation.Tag(tag))
		g.clearEntity(s, r)
	}

	if _, ok := invalidation.FromContext(ctx); ok {
		_, err := invalidation.Publish(ctx, targets...)
		if err == nil {
			return
		}
		g.logger.Warn("publish entity invalidation, evicting locally",
			zap.Strings("tags", tags), zap.Error(err))
	}
	if g.cache == nil {
		return
	}
	if _, err := g.cache.DeleteByTag(context.WithoutCancel(ctx), tags...); err != nil {
		g.logger.Error("evict returned entities", zap.Strings("tags", tags), zap.Error(err))
	}
}

type entityRef struct {
	typ    string
	values []any
}

// entityRefs collects the keyed entities in a root result. Root selections
// carry __typename and the key fields of every entity.
func (g *Gateway) entityRefs(v any, out []entityRef) []entityRef {
	switch v := v.(type) {
	case []any:
		for _, item := range v {
			out = g.entityRefs(item, out)
		}
	case map[string]any:
		if typ, ok := v["__typename"].(string); ok {
			if keys, ok := g.super.Key(typ); ok {
				values := make([]any, 0, len(keys))
				for _, k := range keys {
					if kv := v[k]; kv != nil {
						values = append(values, kv)
					}
				}
				if len(values) == len(keys) {
					out = append(out, entityRef{typ: typ, values: values})
				}
			}
		}
		names := make([]string, 0, len(v))
		for name := range v {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			out = g.entityRefs(v[name], out)
		}
	}
	return out
}

// clearEntity forgets this execution's loads of the entity by its key
// fields, so later fields of the operation fetch it again.
func (g *Gateway) clearEntity(s *loader.Scheduler, r entityRef) {
	keys, _ := g.super.Key(r.typ)
	rep := make(map[string]any, len(keys))
	for i, k := range keys {
		rep[k] = r.values[i]
	}
	id, err := json.Marshal(rep)
	if err != nil {
		return
	}
	for _, sub := range g.super.Subgraphs() {
		if len(g.super.EntityFields(sub.Name, r.typ)) > 0 {
			s.Clear(loader.K(EntityKeyType(sub.Name, r.typ), string(id)))
		}
	}
}

// resolveField returns typ.field of parent, from the parent itself when the
// service that produced it included the field and from its owner otherwise.
func (g *Gateway) resolveField(s *loader.Scheduler, typ string, parent any, field string) (any, error) {
	if v, ok := registry.Property(parent, field); ok {
		if err, isErr := v.(error); isErr {
			return nil, err
		}
		return v, nil
	}
	owner, ok := g.super.Owner(typ, field)
	if !ok {
		return nil, fmt.Errorf("no subgraph resolves %s.%s", typ, field)
	}
	return g.entity(s, owner, typ, parent).Then(func(v any) (any, error) {
		return fieldOf(v, field)
	}), nil
}

// entity loads the part of parent that owner resolves. Missing @requires
// fields are resolved first; the representation is sent once they are known.
func (g *Gateway) entity(s *loader.Scheduler, owner, typ string, parent any) *loader.Thunk {
	keys, ok := g.super.Key(typ)
	if !ok {
		return loader.Rejected(fmt.Errorf("%s has no @key and cannot be fetched from %s", typ, owner))
	}
	rep := make(map[string]any, len(keys))
	for _, k := range keys {
		v, ok := registry.Property(parent, k)
		if !ok || v == nil {
			return loader.Rejected(fmt.Errorf("%s value lacks key field %s", typ, k))
		}
		rep[k] = v
	}

	var missing []string
	var pending []*loader.Thunk
	for _, r := range g.super.Requires(owner, typ) {
		if v, ok := registry.Property(parent, r); ok {
			if _, isErr := v.(error); !isErr {
				rep[r] = v
				continue
			}
		}
		v, err := g.resolveField(s, typ, parent, r)
		if err != nil {
			return loader.Rejected(err)
		}
		t, ok := v.(*loader.Thunk)
		if !ok {
			t = loader.Resolved(v)
		}
		missing = append(missing, r)
		pending = append(pending, t)
	}

	load := func() (any, error) {
		id, err := json.Marshal(rep)
		if err != nil {
			return nil, fmt.Errorf("encode %s representation: %w", typ, err)
		}
		return s.Load(loader.K(EntityKeyType(owner, typ), string(id))), nil
	}
	if len(pending) == 0 {
		t, err := load()
		if err != nil {
			return loader.Rejected(err)
		}
		return t.(*loader.Thunk)
	}
	return loader.All(pending...).Then(func(v any) (any, error) {
		for i, val := range v.([]any) {
			rep[missing[i]] = val
		}
		return load()
	})
}

func fieldOf(v any, field string) (any, error) {
	if v == nil {
		return nil, nil
	}
	val, _ := registry.Property(v, field)
	if err, ok := val.(error); ok {
		return nil, err
	}
	return val, nil
}
