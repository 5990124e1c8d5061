package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/chatcore/internal/config"
	"github.com/comigor/chatcore/internal/history"
	"github.com/comigor/chatcore/internal/llm"
	"github.com/comigor/chatcore/pkg/tools"
)

type step struct {
	comp llm.Completion
	err  error
	fn   func(ctx context.Context, req llm.Request) (llm.Completion, error)
}

// mockLLM answers with queued steps and records every request.
type mockLLM struct {
	mu    sync.Mutex
	steps []step
	reqs  []llm.Request
}

func (m *mockLLM) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	m.mu.Lock()
	req.Messages = append([]history.Message(nil), req.Messages...)
	m.reqs = append(m.reqs, req)
	if len(m.steps) == 0 {
		m.mu.Unlock()
		panic(fmt.Sprintf("mockLLM: no more responses configured (call %d)", len(m.reqs)))
	}
	s := m.steps[0]
	m.steps = m.steps[1:]
	m.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, req)
	}
	return s.comp, s.err
}

func text(s string) step { return step{comp: llm.Completion{Text: s}} }

func calls(cs ...history.ToolCall) step { return step{comp: llm.Completion{ToolCalls: cs}} }

func call(id, name, args string) history.ToolCall {
	return history.ToolCall{ID: id, Name: name, Arguments: args}
}

func newRegistry(t *testing.T, ts ...tools.Tool) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(time.Second)
	for _, tool := range ts {
		require.NoError(t, r.Register(tool))
	}
	return r
}

func echoTool() tools.Tool {
	return tools.Tool{
		Name:   "echo",
		Schema: []byte(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Kind:   tools.KindFunc,
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			return "echo: " + args["text"].(string), nil
		},
	}
}

func input(user string) Turn {
	return Turn{
		Messages: []history.Message{history.SystemMessage("Be helpful."), history.UserMessage(user)},
		Dispatch: tools.DispatchContext{UserID: "u1", Mode: "general", UserText: user},
	}
}

func roles(msgs []history.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestRun_DirectAnswer(t *testing.T) {
	m := &mockLLM{steps: []step{text("Hello there.")}}
	c := New(m, newRegistry(t), config.TurnConfig{})

	out, err := c.Run(context.Background(), input("hi"))
	require.NoError(t, err)
	require.Equal(t, "Hello there.", out.Text)
	require.Equal(t, 1, out.RoundTrips)
	require.NoError(t, out.Err)
	require.Equal(t, []history.Message{history.AssistantMessage("Hello there.")}, out.Messages)
	require.Len(t, m.reqs, 1)
	require.Equal(t, "hi", m.reqs[0].Messages[1].Content)
}

func TestRun_ToolThenAnswer(t *testing.T) {
	m := &mockLLM{steps: []step{
		calls(call("c1", "echo", `{"text":"ping"}`)),
		text("The tool said ping."),
	}}
	reg := newRegistry(t, echoTool())
	c := New(m, reg, config.TurnConfig{})

	in := input("use the tool")
	in.Tools = reg.Describe()
	in.Choice = llm.ToolChoice{Mode: llm.ChoiceRequired, Name: "echo"}
	out, err := c.Run(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, "The tool said ping.", out.Text)
	require.Equal(t, 2, out.RoundTrips)
	require.Equal(t, []string{"assistant", "tool", "assistant"}, roles(out.Messages))
	require.Equal(t, "c1", out.Messages[1].ToolCallID)
	require.Equal(t, "echo: ping", out.Messages[1].Content)

	require.Equal(t, llm.ToolChoice{Mode: llm.ChoiceRequired, Name: "echo"}, m.reqs[0].Choice)
	require.Equal(t, llm.ToolChoice{Mode: llm.ChoiceAuto}, m.reqs[1].Choice, "forcing applies to the first round-trip only")
	require.Equal(t, []string{"system", "user", "assistant", "tool"}, roles(m.reqs[1].Messages))
	require.Len(t, m.reqs[1].Tools, 1)
}

func TestRun_ChoiceNoneStaysNone(t *testing.T) {
	m := &mockLLM{steps: []step{calls(call("c1", "echo", `{"text":"x"}`)), text("done")}}
	c := New(m, newRegistry(t, echoTool()), config.TurnConfig{})

	in := input("q")
	in.Choice = llm.ToolChoice{Mode: llm.ChoiceNone}
	_, err := c.Run(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, llm.ChoiceNone, m.reqs[1].Choice.Mode)
}

func TestRun_ToolResultsKeepCallOrder(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			slow := tools.Tool{
				Name: "sleep",
				Kind: tools.KindFunc,
				Fn: func(ctx context.Context, args map[string]any) (any, error) {
					time.Sleep(time.Duration(args["ms"].(float64)) * time.Millisecond)
					return fmt.Sprintf("slept %v", args["ms"]), nil
				},
			}
			m := &mockLLM{steps: []step{
				calls(
					call("a", "sleep", `{"ms":30}`),
					call("b", "missing", `{}`),
					call("c", "sleep", `{"ms":1}`),
				),
				text("ok"),
			}}
			c := New(m, newRegistry(t, slow), config.TurnConfig{ParallelTools: parallel})

			out, err := c.Run(context.Background(), input("go"))
			require.NoError(t, err)
			require.Equal(t, []string{"assistant", "tool", "tool", "tool", "assistant"}, roles(out.Messages))
			require.Equal(t, "a", out.Messages[1].ToolCallID)
			require.Equal(t, "slept 30", out.Messages[1].Content)
			require.Equal(t, "b", out.Messages[2].ToolCallID)
			require.Contains(t, out.Messages[2].Content, "Error:")
			require.Equal(t, "c", out.Messages[3].ToolCallID)
		})
	}
}

func TestRun_RelayEndsTurn(t *testing.T) {
	relay := tools.Tool{
		Name:         "search",
		Kind:         tools.KindFunc,
		Presentation: tools.PresentRelay,
		Fn: func(context.Context, map[string]any) (any, error) {
			return "It opens at 9am.", nil
		},
	}
	m := &mockLLM{steps: []step{calls(call("c1", "search", `{"query":"hours"}`))}}
	c := New(m, newRegistry(t, relay), config.TurnConfig{})

	out, err := c.Run(context.Background(), input("when does it open?"))
	require.NoError(t, err)
	require.True(t, out.Relayed)
	require.Equal(t, "It opens at 9am.", out.Text)
	require.Equal(t, 1, out.RoundTrips)
	require.Equal(t, []string{"assistant", "tool", "assistant"}, roles(out.Messages))
	require.Len(t, m.reqs, 1)
}

func TestRun_FailedRelayGoesBackToModel(t *testing.T) {
	relay := tools.Tool{
		Name:         "search",
		Kind:         tools.KindFunc,
		Presentation: tools.PresentRelay,
		Fn: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("upstream 503")
		},
	}
	m := &mockLLM{steps: []step{calls(call("c1", "search", `{}`)), text("Search is down, sorry.")}}
	c := New(m, newRegistry(t, relay), config.TurnConfig{})

	out, err := c.Run(context.Background(), input("news?"))
	require.NoError(t, err)
	require.False(t, out.Relayed)
	require.Equal(t, "Search is down, sorry.", out.Text)
}

func TestRun_FollowUpInstructionAppliesOnce(t *testing.T) {
	lookup := tools.Tool{
		Name:                "lookup",
		Kind:                tools.KindFunc,
		Presentation:        tools.PresentFollowUp,
		FollowUpInstruction: "Summarize the lookup in one line.",
		Fn: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"rows": 3}, nil
		},
	}
	m := &mockLLM{steps: []step{
		calls(call("c1", "lookup", `{}`)),
		calls(call("c2", "echo", `{"text":"again"}`)),
		text("Three rows."),
	}}
	c := New(m, newRegistry(t, lookup, echoTool()), config.TurnConfig{})

	out, err := c.Run(context.Background(), input("count"))
	require.NoError(t, err)
	require.Equal(t, "Three rows.", out.Text)
	require.Equal(t, `{"rows":3}`, out.Messages[1].Content)

	require.Equal(t, "Be helpful.", m.reqs[0].Messages[0].Content)
	require.Equal(t, "Summarize the lookup in one line.", m.reqs[1].Messages[0].Content)
	require.Equal(t, "Be helpful.", m.reqs[2].Messages[0].Content)
	for _, msg := range out.Messages {
		require.NotEqual(t, history.RoleSystem, msg.Role)
	}
}

func TestRun_MaxRoundTripsBoundary(t *testing.T) {
	loop := func(n int, commentary string) []step {
		out := make([]step, n)
		for i := range out {
			out[i] = step{comp: llm.Completion{
				Text:      commentary,
				ToolCalls: []history.ToolCall{call(fmt.Sprintf("c%d", i), "echo", `{"text":"x"}`)},
			}}
		}
		return out
	}

	t.Run("exhausted without text uses fallback", func(t *testing.T) {
		m := &mockLLM{steps: loop(3, "")}
		c := New(m, newRegistry(t, echoTool()), config.TurnConfig{MaxRoundTrips: 3, FallbackText: "Gave up."})

		out, err := c.Run(context.Background(), input("loop"))
		require.NoError(t, err)
		require.ErrorIs(t, out.Err, ErrMaxRoundTrips)
		require.Equal(t, "Gave up.", out.Text)
		require.Equal(t, 3, out.RoundTrips)
		require.Len(t, m.reqs, 3)
		require.Len(t, out.Messages, 3*2+1)
		require.Equal(t, history.AssistantMessage("Gave up."), out.Messages[len(out.Messages)-1])
	})

	t.Run("exhausted keeps last commentary", func(t *testing.T) {
		m := &mockLLM{steps: loop(2, "Still checking...")}
		c := New(m, newRegistry(t, echoTool()), config.TurnConfig{MaxRoundTrips: 2})

		out, err := c.Run(context.Background(), input("loop"))
		require.NoError(t, err)
		require.ErrorIs(t, out.Err, ErrMaxRoundTrips)
		require.Equal(t, "Still checking...", out.Text)
	})

	t.Run("answer on the last allowed round-trip", func(t *testing.T) {
		m := &mockLLM{steps: append(loop(2, ""), text("Made it."))}
		c := New(m, newRegistry(t, echoTool()), config.TurnConfig{MaxRoundTrips: 3})

		out, err := c.Run(context.Background(), input("loop"))
		require.NoError(t, err)
		require.NoError(t, out.Err)
		require.Equal(t, "Made it.", out.Text)
		require.Equal(t, 3, out.RoundTrips)
	})

	t.Run("default budget is five", func(t *testing.T) {
		m := &mockLLM{steps: loop(5, "")}
		c := New(m, newRegistry(t, echoTool()), config.TurnConfig{})

		out, err := c.Run(context.Background(), input("loop"))
		require.NoError(t, err)
		require.Equal(t, 5, out.RoundTrips)
		require.NotEmpty(t, out.Text)
	})
}

func TestRun_ModelErrorAbortsTurn(t *testing.T) {
	m := &mockLLM{steps: []step{
		calls(call("c1", "echo", `{"text":"x"}`)),
		{err: errors.New("502 bad gateway")},
	}}
	c := New(m, newRegistry(t, echoTool()), config.TurnConfig{})

	out, err := c.Run(context.Background(), input("hi"))
	var mce *ModelCallError
	require.ErrorAs(t, err, &mce)
	require.Equal(t, 2, mce.RoundTrip)
	require.ErrorContains(t, err, "502 bad gateway")
	require.Empty(t, out.Text)
}

func TestRun_CancelledBeforeFirstCall(t *testing.T) {
	m := &mockLLM{}
	c := New(m, newRegistry(t), config.TurnConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := c.Run(ctx, input("hi"))
	require.NoError(t, err)
	require.True(t, out.Interrupted)
	require.Equal(t, "Stopped by user before generation started.", out.Text)
	require.Equal(t, []history.Message{history.AssistantMessage(out.Text)}, out.Messages)
	require.Empty(t, m.reqs, "no model call after cancellation")
}

func TestRun_CancelledWithoutPartialTextUsesStoppedText(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := &mockLLM{steps: []step{{fn: func(ctx context.Context, _ llm.Request) (llm.Completion, error) {
		cancel()
		return llm.Completion{}, ctx.Err()
	}}}}
	c := New(m, newRegistry(t), config.TurnConfig{StoppedText: "Stopped."})

	out, err := c.Run(ctx, input("hi"))
	require.NoError(t, err)
	require.True(t, out.Interrupted)
	require.Equal(t, "Stopped.", out.Text)
	require.Equal(t, []history.Message{history.AssistantMessage("Stopped.")}, out.Messages)
}

func TestRun_CancelledWhileStreamingKeepsPartialText(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var deltas []string
	m := &mockLLM{steps: []step{{fn: func(ctx context.Context, req llm.Request) (llm.Completion, error) {
		req.OnDelta("The answer ")
		req.OnDelta("is")
		cancel()
		return llm.Completion{Text: "The answer is"}, ctx.Err()
	}}}}
	c := New(m, newRegistry(t), config.TurnConfig{})

	in := input("hi")
	in.OnDelta = func(s string) { deltas = append(deltas, s) }
	out, err := c.Run(ctx, in)
	require.NoError(t, err)
	require.True(t, out.Interrupted)
	require.Equal(t, "The answer is", out.Text)
	require.Equal(t, []string{"The answer ", "is"}, deltas)
	require.Equal(t, []history.Message{history.AssistantMessage("The answer is")}, out.Messages)
}

func TestRun_BlankAnswerUsesFallback(t *testing.T) {
	m := &mockLLM{steps: []step{text("  ")}}
	c := New(m, newRegistry(t), config.TurnConfig{FallbackText: "Nothing to say."})

	out, err := c.Run(context.Background(), input("hi"))
	require.NoError(t, err)
	require.Equal(t, "Nothing to say.", out.Text)
}
