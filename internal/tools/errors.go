package tools

import "fmt"

// ErrToolNotFound is returned when a model asks for a tool that is not
// registered. The agent reports it back to the model as a tool result
// instead of failing the turn.
type ErrToolNotFound struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolNotFound) Error() string {
	return fmt.Sprintf("tool %q not found", e.ToolName)
}
