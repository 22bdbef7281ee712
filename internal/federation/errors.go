package federation

import (
	"fmt"
	"strings"
)

// CompositionError reports a set of subgraphs that cannot be combined into
// one supergraph.
type CompositionError struct {
	Message string
}

func (e *CompositionError) Error() string { return "compose: " + e.Message }

func compositionErrorf(format string, args ...any) error {
	return &CompositionError{Message: fmt.Sprintf(format, args...)}
}

// CompositionConflictError reports a field resolved by more than one service
// where at least one of them did not mark it @shareable.
type CompositionConflictError struct {
	Type     string
	Field    string
	Services []string
}

func (e *CompositionConflictError) Error() string {
	return fmt.Sprintf("compose: field %s.%s is resolved by %s and is not shareable",
		e.Type, e.Field, strings.Join(e.Services, ", "))
}

// CompositionCycleError reports @requires dependencies that lead back to the
// field they started from. Path lists "Type.field" nodes, first and last equal.
type CompositionCycleError struct {
	Path []string
}

func (e *CompositionCycleError) Error() string {
	return "compose: @requires cycle: " + strings.Join(e.Path, " -> ")
}

// RemoteError is a field error reported by a subgraph.
type RemoteError struct {
	Service string
	Message string
	ErrCode string
	Path    []any
}

func (e *RemoteError) Error() string { return e.Message }

// Code keeps the subgraph's error code in the gateway response.
func (e *RemoteError) Code() string {
	if e.ErrCode == "" {
		return "SUBGRAPH_ERROR"
	}
	return e.ErrCode
}

// UnavailableError wraps transport failures reaching a subgraph.
type UnavailableError struct {
	Service string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("subgraph %s unavailable: %v", e.Service, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Code() string { return "SUBGRAPH_UNAVAILABLE" }
