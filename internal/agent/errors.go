package agent

import "fmt"

// ToolArgumentError means the model produced argument text for a tool
// call that is not a JSON object. The turn is abandoned.
type ToolArgumentError struct {
	Tool      string
	CallID    string
	Arguments string
	Err       error
}

func (e *ToolArgumentError) Error() string {
	return fmt.Sprintf("tool %q call %s: malformed arguments: %v", e.Tool, e.CallID, e.Err)
}

func (e *ToolArgumentError) Unwrap() error { return e.Err }

// ToolExecutionError wraps a failure returned by a tool handler.
type ToolExecutionError struct {
	Tool   string
	CallID string
	Err    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q call %s failed: %v", e.Tool, e.CallID, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// RecursionLimitError is returned when the model keeps requesting tool
// calls past the configured number of rounds.
type RecursionLimitError struct {
	Limit int
}

func (e *RecursionLimitError) Error() string {
	return fmt.Sprintf("tool call limit reached after %d rounds", e.Limit)
}
