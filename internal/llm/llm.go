// Package llm adapts OpenAI-compatible chat completion APIs to the Provider
// used by the turn controller.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/chatcore/internal/config"
	"github.com/comigor/chatcore/internal/history"
	"github.com/comigor/chatcore/internal/logger"
	"github.com/comigor/chatcore/pkg/tools"
)

// NewClient creates a new OpenAI client
func NewClient(cfg config.LLMConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	config.BaseURL = cfg.BaseURL

	return openai.NewClientWithConfig(config)
}

// OpenAI is a Provider backed by the chat completions API.
type OpenAI struct {
	client      Client
	model       string
	maxTokens   int
	temperature float32
	stream      bool
	timeout     time.Duration
}

// NewOpenAI wraps client. Streaming is used only when cfg.Stream is set and
// client implements StreamClient.
func NewOpenAI(client Client, cfg config.LLMConfig) *OpenAI {
	return &OpenAI{
		client:      client,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		stream:      cfg.Stream,
		timeout:     cfg.Timeout,
	}
}

func (p *OpenAI) Complete(ctx context.Context, req Request) (Completion, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	creq := p.buildRequest(req)

	if sc, ok := p.client.(StreamClient); ok && p.stream {
		creq.Stream = true
		stream, err := sc.CreateChatCompletionStream(ctx, creq)
		if err != nil {
			return Completion{}, fmt.Errorf("chat completion stream: %w", err)
		}
		defer stream.Close()
		c, err := assembleStream(stream.Recv, req.OnDelta)
		if err != nil {
			// Keep what was generated so the caller can still use it.
			return c, fmt.Errorf("chat completion stream: %w", err)
		}
		return c, nil
	}

	resp, err := p.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return Completion{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, errors.New("chat completion: response has no choices")
	}
	msg := resp.Choices[0].Message
	c := Completion{Text: msg.Content, ToolCalls: fromOpenAICalls(msg.ToolCalls)}
	if req.OnDelta != nil && c.Text != "" {
		req.OnDelta(c.Text)
	}
	logger.L.Debug("LLM response received", "model", p.model, "tool_calls", len(c.ToolCalls), "usage", resp.Usage.TotalTokens)
	return c, nil
}

func (p *OpenAI) buildRequest(req Request) openai.ChatCompletionRequest {
	creq := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    toOpenAIMessages(req.Messages),
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	}
	if len(req.Tools) == 0 {
		return creq
	}
	creq.Tools = toOpenAITools(req.Tools)
	switch {
	case req.Choice.Name != "":
		creq.ToolChoice = openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: req.Choice.Name},
		}
	case req.Choice.Mode == ChoiceRequired || req.Choice.Mode == ChoiceNone:
		creq.ToolChoice = req.Choice.Mode
	default:
		creq.ToolChoice = ChoiceAuto
	}
	return creq
}

func toOpenAIMessages(msgs []history.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		if m.Role == history.RoleTool {
			om.Name = m.Name
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(ds []tools.Descriptor) []openai.Tool {
	out := make([]openai.Tool, 0, len(ds))
	for _, d := range ds {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Schema,
			},
		})
	}
	return out
}

func fromOpenAICalls(calls []openai.ToolCall) []history.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]history.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, history.ToolCall{ID: callID(c.ID), Name: c.Function.Name, Arguments: c.Function.Arguments})
	}
	return out
}

// callID fills in ids for providers that omit them, so tool results can
// still reference their call.
func callID(id string) string {
	if id != "" {
		return id
	}
	return "call_" + uuid.NewString()
}

// assembleStream reads deltas until the stream ends and joins them into one
// Completion. On error the partial completion is returned with it.
func assembleStream(recv func() (openai.ChatCompletionStreamResponse, error), onDelta func(string)) (Completion, error) {
	var text strings.Builder
	calls := map[int]*history.ToolCall{}
	args := map[int]*strings.Builder{}

	build := func() Completion {
		c := Completion{Text: text.String()}
		idx := make([]int, 0, len(calls))
		for i := range calls {
			idx = append(idx, i)
		}
		sort.Ints(idx)
		for _, i := range idx {
			tc := *calls[i]
			tc.ID = callID(tc.ID)
			tc.Arguments = args[i].String()
			c.ToolCalls = append(c.ToolCalls, tc)
		}
		return c
	}

	for {
		chunk, err := recv()
		if errors.Is(err, io.EOF) {
			return build(), nil
		}
		if err != nil {
			return build(), err
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			if onDelta != nil {
				onDelta(delta.Content)
			}
		}
		for pos, tc := range delta.ToolCalls {
			i := pos
			if tc.Index != nil {
				i = *tc.Index
			}
			cur, ok := calls[i]
			if !ok {
				cur = &history.ToolCall{}
				calls[i] = cur
				args[i] = &strings.Builder{}
			}
			if tc.ID != "" {
				cur.ID = tc.ID
			}
			if tc.Function.Name != "" {
				cur.Name = tc.Function.Name
			}
			args[i].WriteString(tc.Function.Arguments)
		}
	}
}
