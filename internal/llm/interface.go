package llm

import (
	"context"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/chatcore/internal/history"
	"github.com/comigor/chatcore/pkg/tools"
)

// Client is minimal subset of openai.Client used by the provider; it is easy to mock in tests.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// StreamClient is implemented by clients that can stream completions.
type StreamClient interface {
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// Provider turns a conversation into either text or tool calls.
type Provider interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// Request is one model round-trip.
type Request struct {
	Messages []history.Message
	Tools    []tools.Descriptor
	Choice   ToolChoice
	// OnDelta, when set, receives text as it is generated.
	OnDelta func(text string)
}

// Completion is the model's reply. When ToolCalls is non-empty the model
// wants tools run before it answers; Text may still hold commentary.
type Completion struct {
	Text      string
	ToolCalls []history.ToolCall
}

// Tool choice modes.
const (
	ChoiceAuto     = "auto"
	ChoiceRequired = "required"
	ChoiceNone     = "none"
)

// ToolChoice tells the model whether it may, must or must not call tools.
// Name forces one specific tool.
type ToolChoice struct {
	Mode string
	Name string
}

// ParseToolChoice reads "auto", "required", "none", or a tool name.
func ParseToolChoice(s string) ToolChoice {
	switch s = strings.TrimSpace(s); strings.ToLower(s) {
	case "", ChoiceAuto:
		return ToolChoice{Mode: ChoiceAuto}
	case ChoiceRequired:
		return ToolChoice{Mode: ChoiceRequired}
	case ChoiceNone:
		return ToolChoice{Mode: ChoiceNone}
	}
	return ToolChoice{Mode: ChoiceRequired, Name: s}
}

// Forcing reports whether the choice obliges the model to call a tool.
func (c ToolChoice) Forcing() bool {
	return c.Mode == ChoiceRequired
}
