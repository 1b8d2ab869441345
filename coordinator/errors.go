package coordinator

import (
	"fmt"

	"goa.design/handoff/workflow"
)

// AlreadyExistsError reports an initiation attempt for a conversation that
// already produced an artifact of the same kind. No confirmation request is
// created.
type AlreadyExistsError struct {
	ThreadKey string
	Kind      workflow.Kind
}

// Error implements the error interface.
func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("thread %s already has a %s", e.ThreadKey, e.Kind)
}

// ExpiredError reports a confirmation that references an unknown or TTL-expired
// request id. This is a hard, user-visible failure: the flow must be started
// over, never silently re-created. A request registered by another process
// instance surfaces the same way.
type ExpiredError struct {
	RequestID string
}

// Error implements the error interface.
func (e *ExpiredError) Error() string {
	return fmt.Sprintf("confirmation %s is unknown or expired", e.RequestID)
}

// ExecutionError reports a failed external create call. The queued action
// stays Pending, so confirming again is safe and retries the execution.
type ExecutionError struct {
	ActionID string
	Err      error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute action %s: %v", e.ActionID, e.Err)
}

// Unwrap returns the underlying executor error.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}
