package executor

import (
	"fmt"
	"time"
)

// ExecutionError is a RUN command that spawned but failed, or could not
// be spawned at all. It is fatal to the whole build.
type ExecutionError struct {
	Cmd      string
	ExitCode int
	Cause    error
}

func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("executor: %s: %v", e.Cmd, e.Cause)
	}
	return fmt.Sprintf("executor: %s: exit code %d", e.Cmd, e.ExitCode)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// TimeoutError is a RUN command killed for exceeding its time limit.
// errors.As against *ExecutionError matches it too.
type TimeoutError struct {
	ExecutionError
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("executor: %s: killed after %s", e.Cmd, e.Limit)
}

func (e *TimeoutError) Unwrap() error {
	return &e.ExecutionError
}
