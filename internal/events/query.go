package events

import "time"

// QueryStart is emitted before executing an operation.
type QueryStart struct {
	OperationName string
	OperationType string
}

// QueryFinish is emitted after executing an operation.
type QueryFinish struct {
	OperationName string
	OperationType string
	Errors        []error
	Duration      time.Duration
}
