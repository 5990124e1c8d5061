// Package agent runs one conversational turn: it alternates model calls and
// tool dispatches until the model answers with text, a relay tool produces
// the answer, or the round-trip budget runs out.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/comigor/chatcore/internal/config"
	"github.com/comigor/chatcore/internal/history"
	"github.com/comigor/chatcore/internal/llm"
	"github.com/comigor/chatcore/internal/logger"
	"github.com/comigor/chatcore/pkg/tools"
)

// State is a turn state.
type State string

const (
	StateIdle          State = "Idle"
	StateAwaitingModel State = "AwaitingModel"
	StateCallingTool   State = "CallingTool"
	StateResponding    State = "Responding"
	StateDone          State = "Done"   // terminal: a reply is ready
	StateFailed        State = "Failed" // terminal: the model call failed
)

// Trigger moves a turn between states.
type Trigger string

const (
	TriggerStart          Trigger = "Start"
	TriggerToolCalls      Trigger = "ModelRequestedTools"
	TriggerText           Trigger = "ModelRespondedWithText"
	TriggerToolsCompleted Trigger = "ToolsCompleted"
	TriggerRelay          Trigger = "ToolRelayed"
	TriggerExhausted      Trigger = "RoundTripsExhausted"
	TriggerInterrupted    Trigger = "Interrupted"
	TriggerModelFailed    Trigger = "ModelFailed"
	TriggerAnswered       Trigger = "Answered"
)

// ErrMaxRoundTrips is recorded on an Outcome whose turn ran out of round-trips.
var ErrMaxRoundTrips = errors.New("maximum model round-trips exceeded")

// ModelCallError aborts a turn: the model could not be reached or failed.
type ModelCallError struct {
	RoundTrip int
	Err       error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("model call failed on round-trip %d: %v", e.RoundTrip, e.Err)
}

func (e *ModelCallError) Unwrap() error { return e.Err }

// Dispatcher runs tool calls. *tools.Registry implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, call tools.Call, dc tools.DispatchContext) tools.Result
}

const (
	defaultFallbackText = "Sorry, I couldn't finish that request. Please try again."
	defaultStoppedText  = "Stopped by user before generation started."
)

// Controller drives turns against a model provider and a tool dispatcher.
type Controller struct {
	provider llm.Provider
	tools    Dispatcher
	maxTrips int
	parallel bool
	fallback string
	stopped  string
}

// New builds a Controller. A non-positive max_round_trips means 5; blank
// fallback and stopped texts get built-in defaults.
func New(provider llm.Provider, dispatcher Dispatcher, cfg config.TurnConfig) *Controller {
	c := &Controller{
		provider: provider,
		tools:    dispatcher,
		maxTrips: cfg.MaxRoundTrips,
		parallel: cfg.ParallelTools,
		fallback: cfg.FallbackText,
		stopped:  cfg.StoppedText,
	}
	if c.maxTrips <= 0 {
		c.maxTrips = 5
	}
	if strings.TrimSpace(c.fallback) == "" {
		c.fallback = defaultFallbackText
	}
	if strings.TrimSpace(c.stopped) == "" {
		c.stopped = defaultStoppedText
	}
	return c
}

// Turn is the input of one turn.
type Turn struct {
	// Messages is the replayable history ending with the user's message.
	// A leading system message carries the mode instructions.
	Messages []history.Message
	Tools    []tools.Descriptor
	Choice   llm.ToolChoice
	Dispatch tools.DispatchContext
	OnDelta  func(text string)
}

// Outcome is the result of a turn.
type Outcome struct {
	Text string
	// Messages are the messages the turn produced, in order: assistant
	// tool-call messages, their tool results and the final assistant reply.
	Messages    []history.Message
	RoundTrips  int
	Relayed     bool
	Interrupted bool
	// Err is ErrMaxRoundTrips when the budget ran out; the turn still
	// produced a reply.
	Err error
}

// Run executes one turn. The only error returned is a *ModelCallError; the
// Outcome then holds whatever the turn produced before the failure.
func (c *Controller) Run(ctx context.Context, in Turn) (Outcome, error) {
	t := &turn{c: c, in: in, msgs: append([]history.Message(nil), in.Messages...)}

	sm := stateless.NewStateMachine(StateIdle)
	sm.Configure(StateIdle).
		Permit(TriggerStart, StateAwaitingModel)
	sm.Configure(StateAwaitingModel).
		Permit(TriggerToolCalls, StateCallingTool).
		Permit(TriggerText, StateResponding).
		Permit(TriggerExhausted, StateResponding).
		Permit(TriggerInterrupted, StateResponding).
		Permit(TriggerModelFailed, StateFailed)
	sm.Configure(StateCallingTool).
		Permit(TriggerToolsCompleted, StateAwaitingModel).
		Permit(TriggerRelay, StateResponding)
	sm.Configure(StateResponding).
		Permit(TriggerAnswered, StateDone)
	sm.OnTransitioned(func(_ context.Context, tr stateless.Transition) {
		logger.L.Debug("turn transition", "user_id", in.Dispatch.UserID, "from", tr.Source, "to", tr.Destination, "trigger", tr.Trigger, "round_trip", t.trips)
	})

	trigger := TriggerStart
	for {
		if err := sm.Fire(trigger); err != nil {
			return t.outcome(), fmt.Errorf("turn state machine: %w", err)
		}
		switch sm.MustState().(State) {
		case StateAwaitingModel:
			trigger = t.awaitModel(ctx)
		case StateCallingTool:
			trigger = t.callTools(ctx)
		case StateResponding:
			trigger = t.respond()
		case StateDone:
			return t.outcome(), nil
		case StateFailed:
			return t.outcome(), t.err
		}
	}
}

type turn struct {
	c  *Controller
	in Turn

	msgs     []history.Message
	produced []history.Message
	pending  []history.ToolCall
	followUp string

	trips       int
	lastText    string
	final       string
	relayed     bool
	interrupted bool
	exhausted   bool
	err         error
}

func (t *turn) awaitModel(ctx context.Context) Trigger {
	if ctx.Err() != nil {
		logger.L.Info("turn interrupted before model call", "user_id", t.in.Dispatch.UserID, "round_trip", t.trips)
		t.interrupted = true
		return TriggerInterrupted
	}
	if t.trips >= t.c.maxTrips {
		logger.L.Warn("max round-trips reached", "user_id", t.in.Dispatch.UserID, "max", t.c.maxTrips)
		t.exhausted = true
		return TriggerExhausted
	}
	t.trips++

	req := llm.Request{
		Messages: t.requestMessages(),
		Tools:    t.in.Tools,
		Choice:   t.choice(),
		OnDelta:  t.in.OnDelta,
	}
	t.followUp = ""

	comp, err := t.c.provider.Complete(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			logger.L.Info("turn interrupted during model call", "user_id", t.in.Dispatch.UserID, "partial_chars", len(comp.Text))
			if comp.Text != "" {
				t.lastText = comp.Text
			}
			t.interrupted = true
			return TriggerInterrupted
		}
		t.err = &ModelCallError{RoundTrip: t.trips, Err: err}
		return TriggerModelFailed
	}

	if len(comp.ToolCalls) > 0 {
		msg := history.Message{Role: history.RoleAssistant, Content: comp.Text, ToolCalls: comp.ToolCalls}
		t.add(msg)
		t.pending = comp.ToolCalls
		if strings.TrimSpace(comp.Text) != "" {
			t.lastText = comp.Text
		}
		return TriggerToolCalls
	}

	t.final = comp.Text
	return TriggerText
}

// choice applies the configured policy to the first round-trip only; later
// round-trips use auto unless tools are disabled.
func (t *turn) choice() llm.ToolChoice {
	if t.trips <= 1 || t.in.Choice.Mode == llm.ChoiceNone {
		return t.in.Choice
	}
	return llm.ToolChoice{Mode: llm.ChoiceAuto}
}

// requestMessages substitutes the pending follow-up instruction for the
// system message of this call only.
func (t *turn) requestMessages() []history.Message {
	if t.followUp == "" {
		return t.msgs
	}
	out := make([]history.Message, 0, len(t.msgs)+1)
	if len(t.msgs) > 0 && t.msgs[0].Role == history.RoleSystem {
		out = append(out, history.SystemMessage(t.followUp))
		return append(out, t.msgs[1:]...)
	}
	out = append(out, history.SystemMessage(t.followUp))
	return append(out, t.msgs...)
}

func (t *turn) callTools(ctx context.Context) Trigger {
	calls := t.pending
	t.pending = nil

	results := make([]tools.Result, len(calls))
	if t.c.parallel && len(calls) > 1 {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = t.dispatch(ctx, call)
			}()
		}
		wg.Wait()
	} else {
		for i, call := range calls {
			results[i] = t.dispatch(ctx, call)
		}
	}

	var relay []string
	for i, res := range results {
		t.add(history.ToolResultMessage(calls[i], res.Content))
		if res.Err != nil {
			continue
		}
		switch res.Presentation {
		case tools.PresentRelay:
			relay = append(relay, res.Content)
		case tools.PresentFollowUp:
			if res.FollowUpInstruction != "" {
				t.followUp = res.FollowUpInstruction
			}
		}
	}

	if len(relay) > 0 {
		t.final = strings.Join(relay, "\n\n")
		t.relayed = true
		return TriggerRelay
	}
	return TriggerToolsCompleted
}

func (t *turn) dispatch(ctx context.Context, call history.ToolCall) tools.Result {
	res := t.c.tools.Dispatch(ctx, tools.Call{ID: call.ID, Name: call.Name, Arguments: call.Arguments}, t.in.Dispatch)
	if res.Err == nil {
		logger.L.Debug("tool call completed", "user_id", t.in.Dispatch.UserID, "tool", call.Name, "call_id", call.ID, "content", logger.Clip(res.Content, 500))
	}
	return res
}

func (t *turn) respond() Trigger {
	switch {
	case t.exhausted:
		t.err = ErrMaxRoundTrips
		t.final = t.lastText
		if strings.TrimSpace(t.final) == "" {
			t.final = t.c.fallback
		}
	case t.interrupted:
		t.final = t.lastText
		if strings.TrimSpace(t.final) == "" {
			t.final = t.c.stopped
		}
	case strings.TrimSpace(t.final) == "":
		t.final = t.c.fallback
	}
	t.add(history.AssistantMessage(t.final))
	return TriggerAnswered
}

func (t *turn) add(m history.Message) {
	t.msgs = append(t.msgs, m)
	t.produced = append(t.produced, m)
}

func (t *turn) outcome() Outcome {
	o := Outcome{
		Text:        t.final,
		Messages:    t.produced,
		RoundTrips:  t.trips,
		Relayed:     t.relayed,
		Interrupted: t.interrupted,
	}
	if errors.Is(t.err, ErrMaxRoundTrips) {
		o.Err = t.err
	}
	return o
}
