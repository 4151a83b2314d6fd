package app

import "time"

// Operation statuses.
const (
	OperationSuccess = "success"
	OperationError   = "error"
)

// Operation tracks one CLI command. Its ID tags every log line the command
// writes, so the log of one invocation can be picked out of hb.log.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	Status     string
	StartedAt  time.Time
}

// NewOperation creates an operation started at now. The ID is derived from
// the start time.
func NewOperation(name, parameters string, now time.Time) *Operation {
	return &Operation{
		ID:         now.UTC().Format("20060102T150405Z"),
		Name:       name,
		Parameters: parameters,
		Status:     OperationSuccess,
		StartedAt:  now,
	}
}

// Fail marks the operation as failed.
func (op *Operation) Fail() {
	op.Status = OperationError
}

// Elapsed returns the time since the operation started.
func (op *Operation) Elapsed(now time.Time) time.Duration {
	return now.Sub(op.StartedAt)
}
