package tools

import (
	"fmt"
	"strings"
)

// ArgumentParseError means the model sent arguments that are not a JSON object.
type ArgumentParseError struct {
	Tool string
	Err  error
}

func (e *ArgumentParseError) Error() string {
	return fmt.Sprintf("Error: could not parse arguments for tool %s: %v", e.Tool, e.Err)
}

func (e *ArgumentParseError) Unwrap() error { return e.Err }

// MalformedArgumentsError means the arguments do not satisfy the tool schema.
type MalformedArgumentsError struct {
	Tool     string
	Problems []string
}

func (e *MalformedArgumentsError) Error() string {
	return fmt.Sprintf("Error: invalid arguments for tool %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

// UnknownToolError means no tool with that name is registered.
type UnknownToolError struct {
	Tool string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("Error: tool %s is not available", e.Tool)
}

// DispatchError wraps a failure raised while the tool ran.
type DispatchError struct {
	Tool    string
	Timeout bool
	Err     error
}

func (e *DispatchError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("Error: tool %s timed out", e.Tool)
	}
	return fmt.Sprintf("Error: tool %s failed: %v", e.Tool, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
