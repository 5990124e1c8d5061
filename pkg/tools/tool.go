// Package tools holds the callable tools offered to the model and dispatches
// the calls it issues.
package tools

import (
	"context"
	"encoding/json"
	"time"
)

// Kind selects how a tool is executed.
type Kind int

const (
	// KindFunc runs an in-process Go function.
	KindFunc Kind = iota
	// KindMCP forwards the call to a tool on an MCP server.
	KindMCP
)

func (k Kind) String() string {
	switch k {
	case KindFunc:
		return "func"
	case KindMCP:
		return "mcp"
	}
	return "unknown"
}

// Presentation controls what the turn does with a tool's output.
type Presentation int

const (
	// PresentToModel feeds the output back to the model for another round.
	PresentToModel Presentation = iota
	// PresentRelay ends the turn with the tool output as the answer, verbatim.
	PresentRelay
	// PresentFollowUp feeds the output back to the model, replacing the system
	// instruction of the next request with Tool.FollowUpInstruction.
	PresentFollowUp
)

// Func is the handler of a KindFunc tool. Non-string results are sent to the
// model as JSON.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Turn is one prior user or assistant message, given to Enrich hooks.
type Turn struct {
	Role    string
	Content string
}

// DispatchContext describes the conversation a call was issued in.
type DispatchContext struct {
	UserID   string
	Mode     string
	UserText string
	History  []Turn
}

// Tool is a registered tool.
type Tool struct {
	Name        string
	Description string
	// Schema is the JSON schema of the arguments object. Empty means any object.
	Schema json.RawMessage
	Kind   Kind
	Fn     Func
	Remote MCPClient

	// Enrich may add context to the parsed arguments before the call runs.
	Enrich func(args map[string]any, dc DispatchContext) map[string]any

	Presentation        Presentation
	FollowUpInstruction string
	// Timeout overrides the registry default when positive.
	Timeout time.Duration
}

// Descriptor is what the model sees of a tool.
type Descriptor struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Call is one tool invocation requested by the model.
type Call struct {
	ID        string
	Name      string
	Arguments string
}

// Result is the outcome of a Call. Err is set when Content describes a
// failure; it is informational and never needs handling by the caller.
type Result struct {
	CallID              string
	Name                string
	Content             string
	Err                 error
	Presentation        Presentation
	FollowUpInstruction string
}
