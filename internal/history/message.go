package history

import "time"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one model-issued request to run a named tool.
type ToolCall struct {
	ID        string `json:"id" bson:"id"`
	Name      string `json:"name" bson:"name"`
	Arguments string `json:"arguments" bson:"arguments"`
}

// Message is a single entry of a session's history.
// Content may be empty on an assistant message that carries ToolCalls; it is
// then stored as "" rather than null, so readers see one document shape.
// ToolCallID is only set on role=tool messages.
type Message struct {
	Role       string     `json:"role" bson:"role"`
	Content    string     `json:"content" bson:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty" bson:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty" bson:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty" bson:"name,omitempty"`
}

// Session is the full ordered history of one user under one bot mode.
type Session struct {
	ID            string
	UserID        string
	BotMode       string
	CreatedAt     time.Time
	LastUpdatedAt time.Time
	Messages      []Message
	SessionInfo   map[string]any
}

// Seed carries the metadata written when an append creates a session.
// It is ignored when the session already exists.
type Seed struct {
	UserID      string
	BotMode     string
	CreatedAt   time.Time
	SessionInfo map[string]any
	// Prefix is written ahead of the appended messages only when the append
	// creates the session.
	Prefix []Message
}

// SystemMessage builds a role=system message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a role=user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds a plain-text role=assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolResultMessage builds the role=tool reply to call.
func ToolResultMessage(call ToolCall, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: call.ID, Name: call.Name}
}
