package federation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hanpama/graphloader/internal/executor"
	language "github.com/hanpama/graphloader/internal/language"
	"github.com/hanpama/graphloader/internal/loader"
	"github.com/hanpama/graphloader/internal/logging"
	"github.com/hanpama/graphloader/internal/registry"
	schema "github.com/hanpama/graphloader/internal/schema"
)

// maxValueDepth bounds how deep value types (objects without @key) are
// expanded in a fetch. Entities are always returned as references.
const maxValueDepth = 4

// EntityResolver returns the entity a representation refers to, or a
// *loader.Thunk for it. Fields the value lacks are read from the
// representation, which carries the key and @requires fields.
type EntityResolver func(ctx context.Context, s *loader.Scheduler, rep Representation) (any, error)

// LoadEntity resolves representations of typ by loading Key{typ, key field}
// through the service's scheduler.
func LoadEntity(typ, keyField string) EntityResolver {
	return func(_ context.Context, s *loader.Scheduler, rep Representation) (any, error) {
		id, ok := registry.IDString(rep.Fields[keyField])
		if !ok {
			return nil, fmt.Errorf("%s representation has no %s", rep.Typename, keyField)
		}
		return s.Load(loader.K(typ, id)), nil
	}
}

// Service is the subgraph side of composition: it answers entity and root
// fetches with the service's own registry and loaders. It implements Client,
// so a gateway may also call it in process.
type Service struct {
	sub    *Subgraph
	reg    *registry.Registry
	exec   *executor.Executor
	logger *zap.Logger

	mu       sync.RWMutex
	entities map[string]EntityResolver
}

type ServiceOption func(*Service)

func WithServiceLogger(l *zap.Logger) ServiceOption { return func(s *Service) { s.logger = l } }

// NewService serves sub with the resolvers in reg, which must have been
// created for sub.Schema(). It registers the _entities and _service fields.
func NewService(sub *Subgraph, reg *registry.Registry, loaders *loader.Loaders, opts ...ServiceOption) *Service {
	s := &Service{sub: sub, reg: reg, entities: make(map[string]EntityResolver)}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).With(zap.String("subgraph", sub.Name))

	query := sub.Schema().QueryType
	reg.Field(query, "_service", func(context.Context, *executor.FieldRequest) (any, error) {
		return map[string]any{"sdl": sub.SDL}, nil
	})
	reg.Field(query, "_entities", s.resolveEntities)
	s.exec = executor.NewExecutor(&serviceRuntime{reg: reg}, sub.Schema(),
		executor.WithLoaders(loaders), executor.WithLogger(s.logger))
	return s
}

// Name returns the subgraph name.
func (s *Service) Name() string { return s.sub.Name }

// Subgraph returns the served subgraph.
func (s *Service) Subgraph() *Subgraph { return s.sub }

// Executor runs arbitrary operations against the subgraph schema.
func (s *Service) Executor() *executor.Executor { return s.exec }

// Entity registers the resolver for representations of typ. Without one the
// representation itself is the entity value.
func (s *Service) Entity(typ string, fn EntityResolver) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[typ] = fn
	return s
}

type entityValue struct {
	typename string
	value    any
	rep      map[string]any
}

type entityFailure struct{ err error }

func (s *Service) resolveEntities(ctx context.Context, req *executor.FieldRequest) (any, error) {
	raw, _ := req.Args["representations"].([]any)
	out := make([]*loader.Thunk, len(raw))
	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			out[i] = loader.Resolved(entityFailure{fmt.Errorf("representation %d is %T, not an object", i, r)})
			continue
		}
		typename, _ := m["__typename"].(string)
		fields := make(map[string]any, len(m))
		for k, v := range m {
			if k != "__typename" {
				fields[k] = v
			}
		}
		out[i] = s.entity(ctx, req.Loader, Representation{Typename: typename, Fields: fields})
	}
	return loader.All(out...), nil
}

// entity never fails: errors become entityFailure values so that one bad
// representation only nulls its own list item.
func (s *Service) entity(ctx context.Context, sched *loader.Scheduler, rep Representation) *loader.Thunk {
	if len(s.sub.Keys(rep.Typename)) == 0 {
		return loader.Resolved(entityFailure{fmt.Errorf("%q is not an entity of %s", rep.Typename, s.sub.Name)})
	}
	s.mu.RLock()
	fn := s.entities[rep.Typename]
	s.mu.RUnlock()
	if fn == nil {
		return loader.Resolved(entityValue{typename: rep.Typename, value: rep.Fields, rep: rep.Fields})
	}

	v, err := fn(ctx, sched, rep)
	if err != nil {
		return loader.Resolved(entityFailure{err})
	}
	t, ok := v.(*loader.Thunk)
	if !ok {
		t = loader.Resolved(v)
	}
	return t.Then(func(v any) (any, error) {
		if v == nil {
			return nil, nil
		}
		return entityValue{typename: rep.Typename, value: v, rep: rep.Fields}, nil
	}).Recover(func(err error) (any, error) {
		return entityFailure{err}, nil
	})
}

// serviceRuntime unwraps entity values for the registry.
type serviceRuntime struct {
	reg *registry.Registry
}

func (r *serviceRuntime) Resolve(ctx context.Context, req *executor.FieldRequest) (any, error) {
	ev, ok := req.Source.(entityValue)
	if !ok {
		return r.reg.Resolve(ctx, req)
	}
	if !r.reg.Has(req.ObjectType, req.Field) {
		if _, found := registry.Property(ev.value, req.Field); !found {
			if v, inRep := ev.rep[req.Field]; inRep {
				return v, nil
			}
		}
	}
	cp := *req
	cp.Source = ev.value
	return r.reg.Resolve(ctx, &cp)
}

func (r *serviceRuntime) ResolveType(ctx context.Context, abstractType string, value any) (string, error) {
	switch v := value.(type) {
	case entityFailure:
		return "", v.err
	case entityValue:
		if abstractType == "_Entity" {
			return v.typename, nil
		}
		return r.reg.ResolveType(ctx, abstractType, v.value)
	}
	return r.reg.ResolveType(ctx, abstractType, value)
}

func (r *serviceRuntime) SerializeLeafValue(ctx context.Context, typeName string, value any) (any, error) {
	return r.reg.SerializeLeafValue(ctx, typeName, value)
}

// FetchEntities implements RepresentationFetcher.
func (s *Service) FetchEntities(ctx context.Context, reps []Representation, fields []string) ([]Entity, error) {
	out := make([]Entity, len(reps))
	var valid []any
	var index []int
	seen := make(map[string]bool)
	var types []string
	for i, rep := range reps {
		if len(s.sub.Keys(rep.Typename)) == 0 {
			out[i].Err = &RemoteError{Service: s.sub.Name, Message: fmt.Sprintf("%q is not an entity of %s", rep.Typename, s.sub.Name)}
			continue
		}
		valid = append(valid, rep.Any())
		index = append(index, i)
		if !seen[rep.Typename] {
			seen[rep.Typename] = true
			types = append(types, rep.Typename)
		}
	}
	if len(valid) == 0 {
		return out, nil
	}

	query := s.entitiesQuery(types, fields)
	doc, err := language.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("federation: entity query for %s: %w", s.sub.Name, err)
	}
	res := s.exec.ExecuteRequest(ctx, doc, "", map[string]any{"representations": valid}, nil)
	data, _ := res.Data.(*executor.Object)
	var items []any
	if data != nil {
		list, _ := data.Get("_entities")
		items, _ = list.([]any)
	}
	if len(items) != len(valid) {
		return nil, s.requestError(res)
	}
	for j, item := range items {
		if obj, ok := item.(*executor.Object); ok && obj != nil {
			out[index[j]].Data = obj.ToMap()
		}
	}
	for _, e := range res.Errors {
		path := pathElements(e.Path)
		j, ok := 0, false
		if len(path) >= 2 && path[0] == "_entities" {
			j, ok = path[1].(int)
		}
		if !ok || j < 0 || j >= len(index) {
			s.logger.Warn("entity error outside _entities", zap.String("message", e.Message))
			continue
		}
		ent := &out[index[j]]
		remote := s.remoteError(e)
		if ent.Data == nil || len(path) == 2 {
			if ent.Err == nil {
				ent.Err = remote
			}
			continue
		}
		if !PlaceError(ent.Data, path[2:], remote) {
			s.logger.Debug("dropped entity error", zap.Any("path", path), zap.String("message", e.Message))
		}
	}
	return out, nil
}

func (s *Service) entitiesQuery(types, fields []string) string {
	var b strings.Builder
	b.WriteString("query($representations: [_Any!]!) { _entities(representations: $representations) { __typename")
	for _, typ := range types {
		fmt.Fprintf(&b, " ... on %s { ", typ)
		s.sub.writeSelection(&b, typ, fields, 0)
		b.WriteString(" }")
	}
	b.WriteString(" } }")
	return b.String()
}

// FetchRoot implements Client.
func (s *Service) FetchRoot(ctx context.Context, operation language.Operation, calls []RootCall) ([]Entity, error) {
	sch := s.sub.Schema()
	root := sch.GetQueryType()
	if operation == language.Mutation {
		root = sch.GetMutationType()
	}
	if root == nil {
		return nil, fmt.Errorf("federation: %s has no %s type", s.sub.Name, operation)
	}

	out := make([]Entity, len(calls))
	aliases := make(map[string]int, len(calls))
	var defs, sels []string
	vars := make(map[string]any)
	for i, c := range calls {
		f := root.Field(c.Field)
		if f == nil {
			out[i].Err = &RemoteError{Service: s.sub.Name, Message: fmt.Sprintf("%s has no field %s.%s", s.sub.Name, root.Name, c.Field)}
			continue
		}
		alias := fmt.Sprintf("r%d", i)
		aliases[alias] = i
		var args []string
		for _, a := range f.Arguments {
			v, ok := c.Args[a.Name]
			if !ok {
				continue
			}
			name := alias + "_" + a.Name
			defs = append(defs, "$"+name+": "+a.Type.String())
			args = append(args, a.Name+": $"+name)
			vars[name] = v
		}
		var b strings.Builder
		b.WriteString(alias + ": " + c.Field)
		if len(args) > 0 {
			b.WriteString("(" + strings.Join(args, ", ") + ")")
		}
		s.sub.writeRootSelection(&b, f.Type)
		sels = append(sels, b.String())
	}
	if len(sels) == 0 {
		return out, nil
	}

	var q strings.Builder
	q.WriteString(string(operation))
	if len(defs) > 0 {
		q.WriteString("(" + strings.Join(defs, ", ") + ")")
	}
	q.WriteString(" { " + strings.Join(sels, " ") + " }")
	doc, err := language.ParseQuery(q.String())
	if err != nil {
		return nil, fmt.Errorf("federation: root query for %s: %w", s.sub.Name, err)
	}
	res := s.exec.ExecuteRequest(ctx, doc, "", vars, nil)
	data, _ := res.Data.(*executor.Object)
	if data == nil && len(res.Errors) > 0 && res.Errors[0].Code() == "GRAPHQL_VALIDATION_FAILED" {
		return nil, s.requestError(res)
	}
	for alias, i := range aliases {
		var v any
		if data != nil {
			v, _ = data.Get(alias)
		}
		out[i].Data = map[string]any{calls[i].Field: executor.Plain(v)}
	}
	for _, e := range res.Errors {
		path := pathElements(e.Path)
		alias, _ := firstString(path)
		i, ok := aliases[alias]
		if !ok {
			s.logger.Warn("root error outside requested fields", zap.String("message", e.Message))
			continue
		}
		path[0] = calls[i].Field
		if !PlaceError(out[i].Data, path, s.remoteError(e)) && out[i].Err == nil {
			out[i].Err = s.remoteError(e)
		}
	}
	return out, nil
}

func firstString(path []any) (string, bool) {
	if len(path) == 0 {
		return "", false
	}
	s, ok := path[0].(string)
	return s, ok
}

func (s *Service) remoteError(e executor.GraphQLError) *RemoteError {
	return &RemoteError{Service: s.sub.Name, Message: e.Message, ErrCode: e.Code()}
}

func (s *Service) requestError(res *executor.ExecutionResult) error {
	if len(res.Errors) == 0 {
		return &RemoteError{Service: s.sub.Name, Message: "subgraph returned no data"}
	}
	return s.remoteError(res.Errors[0])
}

// writeSelection writes the fields this service returns for a value of typ:
// every field it resolves, restricted to only when only is non-empty, with
// nested entities as references and value types expanded.
func (sg *Subgraph) writeSelection(b *strings.Builder, typ string, only []string, depth int) {
	b.WriteString("__typename")
	t := sg.executable.Types[typ]
	if t == nil {
		return
	}
	keys := sg.Keys(typ)
	for _, f := range t.Fields {
		isKey := contains(keys, f.Name)
		if f.Name == "_entities" || f.Name == "_service" || len(f.Arguments) > 0 {
			continue
		}
		if len(only) > 0 && !contains(only, f.Name) && !isKey {
			continue
		}
		if !isKey && !sg.Resolves(typ, f.Name) {
			continue
		}
		sg.writeField(b, f, depth)
	}
}

func (sg *Subgraph) writeField(b *strings.Builder, f *schema.Field, depth int) {
	named := sg.executable.Types[f.Type.GetNamedType()]
	if named == nil {
		return
	}
	switch named.Kind {
	case schema.TypeKindScalar, schema.TypeKindEnum:
		b.WriteString(" " + f.Name)
	case schema.TypeKindObject:
		if len(sg.Keys(named.Name)) == 0 && depth >= maxValueDepth {
			return
		}
		b.WriteString(" " + f.Name + " { ")
		sg.writeObject(b, named.Name, depth+1)
		b.WriteString(" }")
	case schema.TypeKindInterface, schema.TypeKindUnion:
		if depth >= maxValueDepth {
			return
		}
		b.WriteString(" " + f.Name + " { __typename")
		sg.writePossibleTypes(b, named, depth+1, sg.writeObject)
		b.WriteString(" }")
	}
}

// writeObject writes a reference for entities and the full selection for
// value types.
func (sg *Subgraph) writeObject(b *strings.Builder, typ string, depth int) {
	keys := sg.Keys(typ)
	if len(keys) == 0 {
		sg.writeSelection(b, typ, nil, depth)
		return
	}
	b.WriteString("__typename")
	for _, k := range keys {
		b.WriteString(" " + k)
	}
}

func (sg *Subgraph) writePossibleTypes(b *strings.Builder, abstract *schema.Type, depth int, write func(*strings.Builder, string, int)) {
	possible := append([]string(nil), abstract.PossibleTypes...)
	sort.Strings(possible)
	for _, p := range possible {
		fmt.Fprintf(b, " ... on %s { ", p)
		write(b, p, depth)
		b.WriteString(" }")
	}
}

// writeRootSelection writes the sub-selection of a root field. The returned
// object is expanded fully, entity or not.
func (sg *Subgraph) writeRootSelection(b *strings.Builder, ref *schema.TypeRef) {
	named := sg.executable.Types[ref.GetNamedType()]
	if named == nil {
		return
	}
	full := func(b *strings.Builder, typ string, depth int) { sg.writeSelection(b, typ, nil, depth) }
	switch named.Kind {
	case schema.TypeKindObject:
		b.WriteString(" { ")
		full(b, named.Name, 1)
		b.WriteString(" }")
	case schema.TypeKindInterface, schema.TypeKindUnion:
		b.WriteString(" { __typename")
		sg.writePossibleTypes(b, named, 1, full)
		b.WriteString(" }")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
