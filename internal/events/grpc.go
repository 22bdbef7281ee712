package events

import (
	"time"

	"google.golang.org/grpc/codes"
)

// GRPCClientStart is emitted before a fetch is sent to a subgraph.
type GRPCClientStart struct {
	Service string
	Method  string
	Target  string
}

// GRPCClientFinish is emitted after a fetch to a subgraph completes.
type GRPCClientFinish struct {
	Service  string
	Method   string
	Target   string
	Code     codes.Code
	Err      error
	Duration time.Duration
}

// GRPCServerFinish is emitted after a subgraph answered a fetch.
type GRPCServerFinish struct {
	Service  string
	Method   string
	Items    int
	Code     codes.Code
	Duration time.Duration
}
