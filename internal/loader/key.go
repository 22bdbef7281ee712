package loader

// Key identifies one loadable value. Equal keys loaded through the same
// Scheduler share a single handle.
type Key struct {
	Type string
	ID   string
}

// K is shorthand for Key{Type: typ, ID: id}.
func K(typ, id string) Key { return Key{Type: typ, ID: id} }

func (k Key) String() string { return k.Type + "#" + k.ID }

type missing struct{}

func (missing) String() string { return "<not found>" }

// NotFound is placed by a BatchFunc at the position of a key it has no value
// for. The key resolves to nil without an error and is not cached.
var NotFound any = missing{}
