package executor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hanpama/graphloader/internal/eventbus"
	"github.com/hanpama/graphloader/internal/events"
	language "github.com/hanpama/graphloader/internal/language"
	"github.com/hanpama/graphloader/internal/loader"
	schema "github.com/hanpama/graphloader/internal/schema"
)

type Path []PathElement

type PathElement any

// executionState holds the state during query execution
type executionState struct {
	runtime        Runtime
	schema         *schema.Schema
	document       *language.QueryDocument
	variableValues map[string]any
	context        context.Context
	loader         *loader.Scheduler
	logger         *zap.Logger
	pending        []pendingField
	errors         []GraphQLError
	// prefixes of paths that have been nullified (tombstoned)
	nullifiedPrefix map[string]struct{}
	// set when a Non-Null violation reached the root
	dataNull bool
	plans    map[planKey]*fieldPlan
}

// pendingField is a field whose resolver returned an unsettled thunk.
type pendingField struct {
	thunk     *loader.Thunk
	path      Path
	anchor    Path // nearest nullable position a null here propagates to
	fieldType *schema.TypeRef
	fields    []*language.Field
}

type Executor struct {
	runtime Runtime
	schema  *schema.Schema
	loaders *loader.Loaders
	logger  *zap.Logger
}

type Option func(*Executor)

// WithLoaders sets the process-wide loader registry each execution draws its
// scheduler from. Without it executions get a scheduler with no batch
// functions and no shared cache.
func WithLoaders(l *loader.Loaders) Option { return func(e *Executor) { e.loaders = l } }

func WithLogger(logger *zap.Logger) Option { return func(e *Executor) { e.logger = logger } }

func NewExecutor(runtime Runtime, schema *schema.Schema, opts ...Option) *Executor {
	e := &Executor{runtime: runtime, schema: schema, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	if e.loaders == nil {
		e.loaders = loader.New(nil, loader.WithLogger(e.logger))
	}
	return e
}

// Schema returns the schema the executor was built with.
func (e *Executor) Schema() *schema.Schema { return e.schema }

// Loaders returns the loader registry backing each execution.
func (e *Executor) Loaders() *loader.Loaders { return e.loaders }

func (e *Executor) ExecuteRequest(
	ctx context.Context,
	document *language.QueryDocument,
	operationName string,
	variableValues map[string]any,
	initialValue any,
) *ExecutionResult {
	start := time.Now()
	operation, err := getOperation(document, operationName)
	if err != nil {
		return validationFailure(err)
	}
	eventbus.Publish(ctx, events.QueryStart{OperationName: operation.Name, OperationType: string(operation.Operation)})

	result := e.execute(ctx, document, operation, variableValues, initialValue)

	var errs []error
	for _, gqlErr := range result.Errors {
		errs = append(errs, gqlErr)
	}
	eventbus.Publish(ctx, events.QueryFinish{
		OperationName: operation.Name,
		OperationType: string(operation.Operation),
		Errors:        errs,
		Duration:      time.Since(start),
	})
	return result
}

func (e *Executor) execute(
	ctx context.Context,
	document *language.QueryDocument,
	operation *language.OperationDefinition,
	variableValues map[string]any,
	initialValue any,
) *ExecutionResult {
	var rootType *schema.Type
	switch operation.Operation {
	case language.Query:
		rootType = e.schema.GetQueryType()
	case language.Mutation:
		rootType = e.schema.GetMutationType()
	case language.Subscription:
		return validationFailure(newValidationError(operation.Position, "subscriptions are not supported"))
	}
	if rootType == nil {
		return validationFailure(newValidationError(operation.Position, "schema does not support %s operations", operation.Operation))
	}

	if errs := validateOperation(e.schema, document, operation, rootType); len(errs) > 0 {
		return validationFailure(errs...)
	}

	coercedVariableValues, err := coerceVariableValues(e.schema, operation, variableValues)
	if err != nil {
		return validationFailure(err)
	}

	state := &executionState{
		runtime:         e.runtime,
		schema:          e.schema,
		document:        document,
		variableValues:  coercedVariableValues,
		context:         ctx,
		loader:          e.loaders.NewScheduler(),
		logger:          e.logger,
		errors:          []GraphQLError{},
		nullifiedPrefix: make(map[string]struct{}),
	}

	data := NewObject()
	grouped := collectFields(state, rootType, operation.SelectionSet)
	if operation.Operation == language.Mutation {
		// Each root mutation field, with everything it loads, finishes before
		// the next one starts.
		for _, cf := range grouped.orderedFields() {
			if !executeFields(state, rootType, []collectedField{cf}, initialValue, Path{}, nil, data) {
				state.dataNull = true
			}
			state.drain(data)
			if state.dataNull {
				break
			}
		}
	} else {
		if !executeFields(state, rootType, grouped.orderedFields(), initialValue, Path{}, nil, data) {
			state.dataNull = true
		}
		state.drain(data)
	}

	if state.dataNull {
		return &ExecutionResult{Data: nil, Errors: state.errors}
	}
	return &ExecutionResult{Data: data, Errors: state.errors}
}

// executeSelectionSet executes a selection set into a new response object. It
// returns nil when a Non-Null field of the object is null.
func executeSelectionSet(state *executionState, objectType *schema.Type, selectionSet language.SelectionSet, objectValue any, path, anchor Path) *Object {
	groupedFields := collectFields(state, objectType, selectionSet)
	resultMap := NewObject()
	if !executeFields(state, objectType, groupedFields.orderedFields(), objectValue, path, anchor, resultMap) {
		state.markNullifiedPrefix(path)
		return nil
	}
	return resultMap
}

// executeFields resolves each collected field of objectValue into target. It
// reports false when a Non-Null field completed to null, in which case the
// object itself must become null.
func executeFields(state *executionState, objectType *schema.Type, fields []collectedField, objectValue any, path, anchor Path, target *Object) bool {
	for _, collectedField := range fields {
		responseName := collectedField.ResponseName
		nodes := collectedField.Fields
		fieldPath := appendPath(path, responseName)

		if nodes[0].Name == "__typename" {
			target.Set(responseName, objectType.Name)
			continue
		}

		fieldDef := objectType.Field(nodes[0].Name)
		if fieldDef == nil {
			state.addError(fmt.Errorf("cannot query field %q on type %q", nodes[0].Name, objectType.Name), fieldPath, nodes[0].Position)
			continue
		}

		fieldAnchor := fieldPath
		if schema.IsNonNull(fieldDef.Type) {
			fieldAnchor = anchor
		}

		// Reserve the slot so output order follows the query.
		target.Set(responseName, nil)

		value, ok := executeField(state, objectType, fieldDef, objectValue, nodes, fieldPath, fieldAnchor)
		if !ok {
			// Value is pending; it is written into target once settled.
			continue
		}
		if schema.IsNonNull(fieldDef.Type) && isNullish(value) {
			return false
		}
		if isNullish(value) {
			target.Set(responseName, nil)
		} else {
			target.Set(responseName, value)
		}
	}
	return true
}

// executeField resolves and completes a single field. It reports false when
// the resolver returned a thunk that is not settled yet; the field was queued.
func executeField(state *executionState, objectType *schema.Type, fieldDef *schema.Field, objectValue any, fields []*language.Field, path, anchor Path) (any, bool) {
	args, err := coerceArgumentValues(state.schema, fieldDef, fields[0].Arguments, state.variableValues)
	if err != nil {
		state.addError(err, path, fields[0].Position)
		return nil, true
	}
	req := &FieldRequest{
		ObjectType: objectType.Name,
		Field:      fieldDef.Name,
		Source:     objectValue,
		Args:       args,
		Path:       path,
		ReturnType: fieldDef.Type,
		Loader:     state.loader,
		Fields:     fields,
	}
	value, err := resolveField(state, req)
	if err != nil {
		state.addError(err, path, fields[0].Position)
		return nil, true
	}
	if thunk, ok := value.(*loader.Thunk); ok {
		if !thunk.Settled() {
			state.pending = append(state.pending, pendingField{
				thunk:     thunk,
				path:      path,
				anchor:    anchor,
				fieldType: fieldDef.Type,
				fields:    fields,
			})
			return nil, false
		}
		value, err = thunk.Result()
		if err != nil {
			state.addError(err, path, fields[0].Position)
			return nil, true
		}
	}
	return completeValue(state, fieldDef.Type, fields, value, path, anchor), true
}

func resolveField(state *executionState, req *FieldRequest) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			state.logger.Error("resolver panicked",
				zap.String("type", req.ObjectType),
				zap.String("field", req.Field),
				zap.Any("panic", r))
			value, err = nil, &internalError{msg: fmt.Sprintf("resolver %s.%s panicked: %v", req.ObjectType, req.Field, r)}
		}
	}()
	return state.runtime.Resolve(state.context, req)
}

// drain settles queued fields depth by depth. Fields queued while completing
// one depth form the next.
func (s *executionState) drain(root *Object) {
	for len(s.pending) > 0 && !s.dataNull {
		batch := s.livePending()
		s.await(batch)
		for _, p := range batch {
			if s.dataNull {
				break
			}
			s.completePending(p, root)
		}
	}
	s.pending = nil
}

// livePending takes the queue, dropping fields under nullified paths.
func (s *executionState) livePending() []pendingField {
	filtered := make([]pendingField, 0, len(s.pending))
	for _, p := range s.pending {
		if s.hasNullifiedPrefix(p.path) {
			continue
		}
		filtered = append(filtered, p)
	}
	s.pending = nil
	return filtered
}

// await ticks the scheduler until every thunk of the batch settled. Loads made
// by Then callbacks during one tick are flushed by the next.
func (s *executionState) await(batch []pendingField) {
	for !allSettled(batch) && s.loader.Pending() > 0 {
		s.loader.Dispatch(s.context)
	}
	for _, p := range batch {
		if !p.thunk.Settled() {
			// Settled by someone other than this scheduler.
			_, _ = p.thunk.Wait(s.context)
		}
	}
}

func allSettled(batch []pendingField) bool {
	for _, p := range batch {
		if !p.thunk.Settled() {
			return false
		}
	}
	return true
}

func (s *executionState) completePending(p pendingField, root *Object) {
	if s.hasNullifiedPrefix(p.path) {
		return
	}
	value, err := p.thunk.Result()
	if errors.Is(err, loader.ErrPending) {
		err = &loader.ResolutionError{Err: s.context.Err()}
	}
	if err != nil {
		s.addError(err, p.path, p.fields[0].Position)
		s.nullify(p, root)
		return
	}
	completed := completeValue(s, p.fieldType, p.fields, value, p.path, p.anchor)
	if isNullish(completed) {
		s.nullify(p, root)
		return
	}
	setValueAtPath(root, p.path, completed)
}

// nullify writes null at the anchor of p and drops queued work beneath it.
func (s *executionState) nullify(p pendingField, root *Object) {
	if !schema.IsNonNull(p.fieldType) {
		setValueAtPath(root, p.path, nil)
		s.markNullifiedPrefix(p.path)
		return
	}
	if len(p.anchor) == 0 {
		s.dataNull = true
		return
	}
	setValueAtPath(root, p.anchor, nil)
	s.markNullifiedPrefix(p.anchor)
}

// completeValue completes a value. anchor is the nearest nullable position a
// null at path propagates to.
func completeValue(state *executionState, fieldType *schema.TypeRef, fields []*language.Field, result any, path, anchor Path) any {
	if schema.IsNonNull(fieldType) {
		if isNullish(result) {
			if !state.hasErrorAtPath(path) {
				state.addError(fmt.Errorf("cannot return null for non-nullable field %s", pathToString(path)), path, fields[0].Position)
			}
			return nil
		}
		completed := completeValue(state, schema.Unwrap(fieldType), fields, result, path, anchor)
		if isNullish(completed) {
			return nil
		}
		return completed
	}

	if isNullish(result) {
		return nil
	}

	if schema.IsList(fieldType) {
		return completeListValue(state, fieldType, fields, result, path, anchor)
	}
	namedType := schema.GetNamedType(fieldType)
	typeObj := state.schema.Types[namedType]
	if typeObj == nil {
		state.addError(fmt.Errorf("unknown type %s", namedType), path, fields[0].Position)
		return nil
	}

	switch typeObj.Kind {
	case schema.TypeKindScalar, schema.TypeKindEnum:
		serialized, err := state.runtime.SerializeLeafValue(state.context, namedType, result)
		if err != nil {
			state.addError(err, path, fields[0].Position)
			return nil
		}
		return serialized
	case schema.TypeKindObject:
		return completeObjectValue(state, typeObj, fields, result, path, anchor)
	case schema.TypeKindInterface, schema.TypeKindUnion:
		return completeAbstractValue(state, namedType, fields, result, path, anchor)
	default:
		state.addError(fmt.Errorf("cannot complete value of unexpected type %s", typeObj.Kind), path, fields[0].Position)
		return nil
	}
}

func completeListValue(state *executionState, listType *schema.TypeRef, fields []*language.Field, result any, path, anchor Path) any {
	var items []any
	if direct, ok := result.([]any); ok {
		items = direct
	} else {
		rv := reflect.ValueOf(result)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			state.addError(fmt.Errorf("expected list value, got %T", result), path, fields[0].Position)
			return nil
		}
		items = make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			items[i] = rv.Index(i).Interface()
		}
	}

	inner := schema.Unwrap(listType)
	completed := make([]any, len(items))
	for i, item := range items {
		p := appendPath(path, i)
		itemAnchor := p
		if schema.IsNonNull(inner) {
			itemAnchor = anchor
		}
		v := completeValue(state, inner, fields, item, p, itemAnchor)
		if schema.IsNonNull(inner) && isNullish(v) {
			state.markNullifiedPrefix(path)
			return nil
		}
		if isNullish(v) {
			v = nil
		}
		completed[i] = v
	}
	return completed
}

func completeObjectValue(state *executionState, objectType *schema.Type, fields []*language.Field, result any, path, anchor Path) any {
	sub := mergeSelectionSets(fields)
	obj := executeSelectionSet(state, objectType, sub, result, path, anchor)
	if obj == nil {
		return nil
	}
	return obj
}

func completeAbstractValue(state *executionState, abstractTypeName string, fields []*language.Field, result any, path, anchor Path) any {
	typeName, err := state.runtime.ResolveType(state.context, abstractTypeName, result)
	if err != nil {
		state.addError(err, path, fields[0].Position)
		return nil
	}
	objectType := state.schema.Types[typeName]
	if objectType == nil || objectType.Kind != schema.TypeKindObject || !state.schema.IsPossibleType(abstractTypeName, typeName) {
		state.addError(fmt.Errorf("abstract type %s must resolve to one of its object types at runtime, got %q", abstractTypeName, typeName), path, fields[0].Position)
		return nil
	}
	return completeObjectValue(state, objectType, fields, result, path, anchor)
}

func pathToString(path Path) string {
	var b strings.Builder
	for i, elem := range path {
		switch v := elem.(type) {
		case string:
			if i > 0 {
				b.WriteByte('.')
			}
			b.WriteString(v)
		case int:
			b.WriteByte('[')
			b.WriteString(strconv.Itoa(v))
			b.WriteByte(']')
		}
	}
	return b.String()
}

func appendPath(path Path, elem PathElement) Path {
	newPath := make(Path, len(path)+1)
	copy(newPath, path)
	newPath[len(path)] = elem
	return newPath
}

// Prefix tombstone helpers
func (s *executionState) markNullifiedPrefix(p Path) {
	key := pathToString(p)
	if key != "" {
		s.nullifiedPrefix[key] = struct{}{}
	}
}

func (s *executionState) hasNullifiedPrefix(p Path) bool {
	if len(s.nullifiedPrefix) == 0 {
		return false
	}
	for i := 1; i <= len(p); i++ {
		if _, ok := s.nullifiedPrefix[pathToString(p[:i])]; ok {
			return true
		}
	}
	return false
}

// getOperation retrieves the operation from the document
func getOperation(document *language.QueryDocument, operationName string) (*language.OperationDefinition, error) {
	if document == nil || len(document.Operations) == 0 {
		return nil, newValidationError(nil, "document contains no operations")
	}
	if operationName == "" {
		if len(document.Operations) > 1 {
			return nil, newValidationError(nil, "operation name is required when the document contains several operations")
		}
		return document.Operations[0], nil
	}
	if op := document.Operations.ForName(operationName); op != nil {
		return op, nil
	}
	return nil, newValidationError(nil, "unknown operation %q", operationName)
}

// internalError marks failures of the engine itself rather than of a resolver.
type internalError struct{ msg string }

func (e *internalError) Error() string { return e.msg }

func (e *internalError) Code() string { return "INTERNAL_SERVER_ERROR" }

// errorCode extracts extensions.code from err.
func errorCode(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		if code := coded.Code(); code != "" {
			return code
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "TIMEOUT"
	}
	if errors.Is(err, context.Canceled) {
		return "CANCELLED"
	}
	return "RESOLUTION_FAILED"
}

func (state *executionState) addError(err error, path Path, pos *language.Position) {
	gqlErr := GraphQLError{
		Message:    err.Error(),
		Path:       path,
		Extensions: map[string]any{"code": errorCode(err)},
	}
	if pos != nil {
		gqlErr.Locations = []Location{{Line: pos.Line, Column: pos.Column}}
	}
	state.errors = append(state.errors, gqlErr)
}

// hasErrorAtPath reports whether an error with the given path already exists.
func (state *executionState) hasErrorAtPath(path Path) bool {
	for _, err := range state.errors {
		if reflect.DeepEqual(err.Path, path) {
			return true
		}
	}
	return false
}

// setValueAtPath writes value into an already materialized response tree.
// Missing intermediate nodes mean the branch was nulled; the write is dropped.
func setValueAtPath(root *Object, path Path, value any) {
	if len(path) == 0 {
		return
	}
	var current any = root
	for _, elem := range path[:len(path)-1] {
		switch e := elem.(type) {
		case string:
			obj, ok := current.(*Object)
			if !ok || obj == nil {
				return
			}
			current, _ = obj.Get(e)
		case int:
			slice, ok := current.([]any)
			if !ok || e >= len(slice) {
				return
			}
			current = slice[e]
		}
	}
	switch fe := path[len(path)-1].(type) {
	case string:
		if obj, ok := current.(*Object); ok && obj != nil {
			obj.Set(fe, value)
		}
	case int:
		if slice, ok := current.([]any); ok && fe < len(slice) {
			slice[fe] = value
		}
	}
}

// mergeSelectionSets merges selection sets from multiple fields
func mergeSelectionSets(fields []*language.Field) language.SelectionSet {
	var merged language.SelectionSet
	for _, f := range fields {
		merged = append(merged, f.SelectionSet...)
	}
	return merged
}

// isNullish returns true for nil interfaces and typed nils (map, slice, ptr, interface)
func isNullish(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
