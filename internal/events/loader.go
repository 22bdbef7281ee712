package events

import "time"

// BatchFlush is emitted once per key type after a scheduler flush settles.
type BatchFlush struct {
	Type      string
	Keys      int // distinct keys requested in the tick
	CacheHits int
	Shared    int // keys awaited from another execution's in-flight fetch
	Fetched   int // keys passed to the batch function
	Err       error
	Duration  time.Duration
}

// CacheFailure is emitted when the shared cache errors; the lookup is treated as a miss.
type CacheFailure struct {
	Op  string
	Key string
	Err error
}

// Invalidated is emitted after an invalidation event was applied to the shared cache.
type Invalidated struct {
	Kind      string
	Value     string
	Timestamp uint64
	Removed   int
}
