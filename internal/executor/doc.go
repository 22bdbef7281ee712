// Package executor implements a breadth-first GraphQL executor that resolves
// fields through a Runtime and batches data access through a per-execution
// loader.Scheduler.
//
// # Preparation
//
// Before anything is resolved the executor:
//  1. Selects the operation, by name or by uniqueness when unnamed.
//  2. Checks the operation against the schema: fields exist on their parent
//     type, leaf and composite selections match, fragments and arguments are
//     known and every variable used is defined.
//  3. Coerces variables against their definitions.
//
// Any failure here is a ValidationError: the result carries data null and
// errors with extensions.code GRAPHQL_VALIDATION_FAILED.
//
// # Execution Model
//
// Every field instance is resolved with Runtime.Resolve. A resolver either
// returns a value, which is completed on the spot, or a *loader.Thunk taken
// from FieldRequest.Loader. Settled thunks complete immediately; the rest are
// queued together with their response path.
//
// When a depth has been fully expanded the executor ticks the scheduler with
// Dispatch. Every key loaded by that depth is flushed in one batch per key
// type; loads issued by Thunk.Then callbacks are flushed by further ticks
// until the depth's thunks have settled. The queued fields are then completed
// in query order, and the thunks their sub-selections return form the next
// depth. For a query whose loads nest d levels deep the scheduler ticks d
// times, however wide each level is.
//
// Root mutation fields run serially: each field, with all loads beneath it,
// completes before the next one starts.
//
// # Value Completion
//
//   - Non-Null: complete the inner type; a null result is a violation.
//   - List: complete each element with an index-aware path. A null element of
//     a Non-Null item type nulls the list.
//   - Leaf: Runtime.SerializeLeafValue produces the JSON value.
//   - Abstract: Runtime.ResolveType names the object type, which must be a
//     possible type of the interface or union.
//   - Object: collect sub-fields, honouring @skip, @include and fragment type
//     conditions, and resolve them.
//
// # Errors and Partial Success
//
// A failing field becomes null at its position plus a GraphQLError with its
// path, location and extensions.code taken from the error's Code method when it
// has one. A null in a Non-Null position propagates to the nearest nullable
// ancestor; queued fields beneath it are dropped and their sub-selections are
// never resolved. A violation that reaches the root nulls data.
//
// Response objects are *Object values, which marshal their keys in query
// order.
package executor
