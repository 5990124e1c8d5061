package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/comigor/chatcore/internal/config"
	"github.com/comigor/chatcore/internal/history"
	"github.com/comigor/chatcore/pkg/tools"
)

type mockClient struct {
	got  []openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
}

func (m *mockClient) CreateChatCompletion(_ context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.got = append(m.got, r)
	return m.resp, m.err
}

func TestParseToolChoice(t *testing.T) {
	require.Equal(t, ToolChoice{Mode: ChoiceAuto}, ParseToolChoice(""))
	require.Equal(t, ToolChoice{Mode: ChoiceAuto}, ParseToolChoice("AUTO"))
	require.Equal(t, ToolChoice{Mode: ChoiceNone}, ParseToolChoice("none"))
	require.Equal(t, ToolChoice{Mode: ChoiceRequired}, ParseToolChoice(" required "))
	forced := ParseToolChoice("search")
	require.Equal(t, ToolChoice{Mode: ChoiceRequired, Name: "search"}, forced)
	require.True(t, forced.Forcing())
}

func TestComplete_BuildsRequestAndReadsToolCalls(t *testing.T) {
	m := &mockClient{resp: openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		Message: openai.ChatCompletionMessage{ToolCalls: []openai.ToolCall{
			{ID: "call_1", Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: "clock", Arguments: `{}`}},
			{Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: "search", Arguments: `{"query":"x"}`}},
		}},
	}}}}
	p := NewOpenAI(m, config.LLMConfig{Model: "gpt", MaxTokens: 100})

	call := history.ToolCall{ID: "old", Name: "clock", Arguments: `{}`}
	c, err := p.Complete(context.Background(), Request{
		Messages: []history.Message{
			history.SystemMessage("sys"),
			history.UserMessage("hi"),
			{Role: history.RoleAssistant, ToolCalls: []history.ToolCall{call}},
			history.ToolResultMessage(call, "noon"),
		},
		Tools:  []tools.Descriptor{{Name: "clock", Schema: json.RawMessage(`{"type":"object"}`)}},
		Choice: ToolChoice{Mode: ChoiceRequired, Name: "clock"},
	})
	require.NoError(t, err)
	require.Len(t, c.ToolCalls, 2)
	require.Equal(t, "call_1", c.ToolCalls[0].ID)
	require.NotEmpty(t, c.ToolCalls[1].ID, "missing ids are generated")
	require.Equal(t, `{"query":"x"}`, c.ToolCalls[1].Arguments)

	req := m.got[0]
	require.Equal(t, "gpt", req.Model)
	require.Len(t, req.Messages, 4)
	require.Equal(t, "old", req.Messages[2].ToolCalls[0].ID)
	require.Equal(t, "old", req.Messages[3].ToolCallID)
	require.Equal(t, "clock", req.Messages[3].Name)
	require.Len(t, req.Tools, 1)
	require.Equal(t, openai.ToolChoice{Type: openai.ToolTypeFunction, Function: openai.ToolFunction{Name: "clock"}}, req.ToolChoice)
}

func TestComplete_ToolChoiceOmittedWithoutTools(t *testing.T) {
	m := &mockClient{resp: openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		Message: openai.ChatCompletionMessage{Content: "hello"},
	}}}}
	var deltas []string
	p := NewOpenAI(m, config.LLMConfig{Model: "gpt"})
	c, err := p.Complete(context.Background(), Request{
		Messages: []history.Message{history.UserMessage("hi")},
		Choice:   ToolChoice{Mode: ChoiceRequired},
		OnDelta:  func(s string) { deltas = append(deltas, s) },
	})
	require.NoError(t, err)
	require.Equal(t, "hello", c.Text)
	require.Nil(t, m.got[0].ToolChoice)
	require.Equal(t, []string{"hello"}, deltas)
}

func TestComplete_Errors(t *testing.T) {
	p := NewOpenAI(&mockClient{err: context.DeadlineExceeded}, config.LLMConfig{})
	_, err := p.Complete(context.Background(), Request{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p = NewOpenAI(&mockClient{}, config.LLMConfig{})
	_, err = p.Complete(context.Background(), Request{})
	require.ErrorContains(t, err, "no choices")
}

func streamOf(chunks []openai.ChatCompletionStreamResponse, tail error) func() (openai.ChatCompletionStreamResponse, error) {
	i := 0
	return func() (openai.ChatCompletionStreamResponse, error) {
		if i >= len(chunks) {
			return openai.ChatCompletionStreamResponse{}, tail
		}
		i++
		return chunks[i-1], nil
	}
}

func textChunk(s string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{Choices: []openai.ChatCompletionStreamChoice{{
		Delta: openai.ChatCompletionStreamChoiceDelta{Content: s},
	}}}
}

func callChunk(index int, id, name, args string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{Choices: []openai.ChatCompletionStreamChoice{{
		Delta: openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{{
			Index:    &index,
			ID:       id,
			Function: openai.FunctionCall{Name: name, Arguments: args},
		}}},
	}}}
}

func TestAssembleStream_Text(t *testing.T) {
	var seen []string
	c, err := assembleStream(streamOf([]openai.ChatCompletionStreamResponse{
		textChunk("Hel"), {}, textChunk("lo"),
	}, io.EOF), func(s string) { seen = append(seen, s) })
	require.NoError(t, err)
	require.Equal(t, "Hello", c.Text)
	require.Empty(t, c.ToolCalls)
	require.Equal(t, []string{"Hel", "lo"}, seen)
}

func TestAssembleStream_ToolCalls(t *testing.T) {
	c, err := assembleStream(streamOf([]openai.ChatCompletionStreamResponse{
		callChunk(1, "b", "clock", ""),
		callChunk(0, "a", "search", `{"que`),
		callChunk(0, "", "", `ry":"go"}`),
		callChunk(1, "", "", `{}`),
	}, io.EOF), nil)
	require.NoError(t, err)
	require.Equal(t, []history.ToolCall{
		{ID: "a", Name: "search", Arguments: `{"query":"go"}`},
		{ID: "b", Name: "clock", Arguments: `{}`},
	}, c.ToolCalls)
}

func TestAssembleStream_PartialTextSurvivesInterruption(t *testing.T) {
	c, err := assembleStream(streamOf([]openai.ChatCompletionStreamResponse{
		textChunk("The answer "), textChunk("is"),
	}, context.Canceled), nil)
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, "The answer is", c.Text)
}
