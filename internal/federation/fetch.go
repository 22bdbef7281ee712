package federation

import (
	"context"
	"encoding/json"

	language "github.com/hanpama/graphloader/internal/language"
)

// Representation identifies an entity to the service that resolves some of
// its fields: the type name, the key fields and any @requires fields.
type Representation struct {
	Typename string
	Fields   map[string]any
}

// MarshalJSON renders the _Any form, with __typename among the fields.
func (r Representation) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Any())
}

// Any returns the representation as passed to the _entities field.
func (r Representation) Any() map[string]any {
	out := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["__typename"] = r.Typename
	return out
}

// Entity is one fetched value. Data is nil when the service has no such
// entity. Field errors are stored in Data at the position of the failed
// field; Err reports a failure of the whole entity.
type Entity struct {
	Data map[string]any
	Err  error
}

// RootCall is one root field fetched from its owning service.
type RootCall struct {
	Field string
	Args  map[string]any
}

// RepresentationFetcher resolves entity fields owned by one service. The
// result is aligned with reps. fields names the fields requested for every
// representation.
type RepresentationFetcher interface {
	FetchEntities(ctx context.Context, reps []Representation, fields []string) ([]Entity, error)
}

// Client is the gateway's connection to one service: entity fetches plus the
// root fields the service owns. FetchRoot returns one Entity per call whose
// Data holds the field value under the field name.
type Client interface {
	RepresentationFetcher
	FetchRoot(ctx context.Context, operation language.Operation, calls []RootCall) ([]Entity, error)
}
