// Package router handles one incoming user message end to end: it resolves
// the user's session, loads history, runs the turn and persists the result.
package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/comigor/chatcore/internal/agent"
	"github.com/comigor/chatcore/internal/config"
	"github.com/comigor/chatcore/internal/history"
	"github.com/comigor/chatcore/internal/insight"
	"github.com/comigor/chatcore/internal/logger"
	"github.com/comigor/chatcore/internal/mode"
	"github.com/comigor/chatcore/internal/session"
	"github.com/comigor/chatcore/pkg/tools"
)

// Texts returned to the user when a turn cannot produce an answer.
const (
	ErrorText       = "Sorry, something went wrong. Please try again."
	ModelFailedText = "Sorry, I couldn't reach the assistant right now. Please try again in a moment."
)

// Deliverer pushes a reply to the user's transport.
type Deliverer interface {
	Deliver(ctx context.Context, userID, text string) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, userID, text string) error

func (f DelivererFunc) Deliver(ctx context.Context, userID, text string) error {
	return f(ctx, userID, text)
}

// Runner runs one turn. *agent.Controller implements it.
type Runner interface {
	Run(ctx context.Context, in agent.Turn) (agent.Outcome, error)
}

// Deps are the collaborators of a Router.
type Deps struct {
	Directory session.Directory
	Catalog   history.Catalog
	Modes     *mode.Set
	Tools     *tools.Registry
	Turns     Runner
	// Deliverer is optional. Push transports set it and receive every reply
	// Handle produces, errors included; the HTTP API leaves it nil and answers
	// with the returned Reply.
	Deliverer Deliverer
	// Insights backs principles memory; nil disables it.
	Insights   insight.Store
	Principles config.InsightsConfig
	// OutputLogMaxChars bounds logged replies; 0 logs them whole.
	OutputLogMaxChars int
}

// Router is safe for concurrent use. Turns of one user run one at a time.
type Router struct {
	deps  Deps
	lanes *lanes

	mu           sync.Mutex
	principlesOn map[string]bool
}

// New validates deps and builds a Router.
func New(deps Deps) (*Router, error) {
	switch {
	case deps.Directory == nil:
		return nil, errors.New("router: session directory is required")
	case deps.Catalog == nil:
		return nil, errors.New("router: message store catalog is required")
	case deps.Modes == nil:
		return nil, errors.New("router: modes are required")
	case deps.Tools == nil:
		return nil, errors.New("router: tool registry is required")
	case deps.Turns == nil:
		return nil, errors.New("router: turn runner is required")
	}
	if deps.Principles.Limit <= 0 {
		deps.Principles.Limit = 5
	}
	return &Router{deps: deps, lanes: newLanes(), principlesOn: make(map[string]bool)}, nil
}

// Request is one incoming user message.
type Request struct {
	UserID string
	// Mode selects a bot mode by name or alias. Empty keeps the user's mode.
	Mode        string
	Text        string
	SessionInfo map[string]any
	// OnDelta, when set, receives the reply as it is generated.
	OnDelta func(text string)
}

// Reply is the outcome of Handle. Text is always safe to show to the user.
type Reply struct {
	Text      string
	SessionID string
	Mode      string
	// Persisted is false when the turn could not be stored.
	Persisted bool
	// Degraded is set when the session directory or the message store
	// failed and a fallback was used.
	Degraded bool
	// Err records what went wrong, if anything. A reply with a non-empty
	// Text and an Err is still an answer.
	Err error
}

// Handle processes req. It never panics and never returns an empty Text
// unless the request was cancelled while waiting for the user's lane. Every
// non-empty Text, error texts included, is passed to the Deliverer.
func (r *Router) Handle(ctx context.Context, req Request) (rep Reply) {
	defer func() {
		if p := recover(); p != nil {
			logger.L.Error("panic while handling message", "user_id", req.UserID, "panic", p, "stack", string(debug.Stack()))
			rep = Reply{Text: ErrorText, SessionID: rep.SessionID, Mode: rep.Mode, Err: fmt.Errorf("panic: %v", p)}
		}
		r.deliver(context.WithoutCancel(ctx), req.UserID, rep.Text)
	}()

	if strings.TrimSpace(req.UserID) == "" {
		return Reply{Text: ErrorText, Err: session.ErrEmptyUser}
	}
	if cmd, ok := r.command(req.Text); ok {
		return r.handleCommand(ctx, req.UserID, cmd)
	}

	release, err := r.lanes.acquire(ctx, req.UserID)
	if err != nil {
		return Reply{Err: err}
	}
	defer release()

	return r.turn(ctx, req)
}

func (r *Router) turn(ctx context.Context, req Request) Reply {
	ptr, err := r.deps.Directory.Resolve(ctx, req.UserID, r.deps.Modes.Normalize(req.Mode))
	if err != nil {
		logger.L.Error("failed to resolve session", "user_id", req.UserID, "error", err)
		return Reply{Text: ErrorText, Err: err}
	}
	rep := Reply{SessionID: ptr.ActiveSessionID, Mode: ptr.BotMode, Degraded: ptr.Degraded()}
	profile := r.deps.Modes.Profile(ptr.BotMode)
	store := r.deps.Catalog.ForMode(ptr.BotMode)
	instructions := r.instructions(profile)
	// Persistence outlives a cancelled request so a finished turn is kept.
	persistCtx := context.WithoutCancel(ctx)

	stored, prefix, loaded := r.prepare(persistCtx, store, ptr, instructions)
	if !loaded {
		rep.Degraded = true
	}

	user := history.UserMessage(req.Text)
	in := agent.Turn{
		Messages: append(history.ModelView(stored), user),
		Choice:   profile.ToolChoice,
		Dispatch: tools.DispatchContext{
			UserID:   req.UserID,
			Mode:     ptr.BotMode,
			UserText: req.Text,
			History:  turns(stored),
		},
		OnDelta: req.OnDelta,
	}
	if len(profile.Tools) > 0 {
		in.Tools = r.deps.Tools.Describe(profile.Tools...)
	}
	if note := r.contextNote(ctx, req, ptr); note != "" && in.Messages[0].Role == history.RoleSystem {
		in.Messages[0].Content = strings.TrimSpace(in.Messages[0].Content + "\n\n" + note)
	}

	out, err := r.answer(ctx, req, ptr, in)
	if err != nil {
		logger.L.Error("turn failed", "user_id", req.UserID, "session_id", ptr.ActiveSessionID, "mode", ptr.BotMode, "error", err)
		rep.Text = ModelFailedText
		rep.Err = err
		return rep
	}
	rep.Text = out.Text
	switch {
	case out.Err != nil:
		logger.L.Warn("turn ended early", "user_id", req.UserID, "session_id", ptr.ActiveSessionID, "round_trips", out.RoundTrips, "error", out.Err)
		rep.Err = out.Err
	case out.Interrupted:
		rep.Err = ctx.Err()
	}

	batch := append([]history.Message{user}, out.Messages...)
	seed := history.Seed{
		UserID:      req.UserID,
		BotMode:     ptr.BotMode,
		CreatedAt:   ptr.ActiveSessionCreatedAt,
		SessionInfo: req.SessionInfo,
		Prefix:      prefix,
	}
	if _, err := store.Append(persistCtx, ptr.ActiveSessionID, seed, batch...); err != nil {
		logger.L.Warn("failed to persist turn; answering without history", "user_id", req.UserID, "session_id", ptr.ActiveSessionID, "error", err)
		rep.Degraded = true
		if rep.Err == nil {
			rep.Err = err
		}
	} else {
		rep.Persisted = true
	}

	logger.L.Info("reply",
		"user_id", req.UserID,
		"session_id", ptr.ActiveSessionID,
		"mode", ptr.BotMode,
		"round_trips", out.RoundTrips,
		"relayed", out.Relayed,
		"persisted", rep.Persisted,
		"degraded", rep.Degraded,
		"output", logger.Clip(rep.Text, r.deps.OutputLogMaxChars),
	)
	return rep
}

// answer runs the model turn unless the message is a principles memory
// phrase, which is answered directly.
func (r *Router) answer(ctx context.Context, req Request, ptr session.Pointer, in agent.Turn) (agent.Outcome, error) {
	if text, ok := r.principleIntent(ctx, req, ptr); ok {
		return agent.Outcome{Text: text, Messages: []history.Message{history.AssistantMessage(text)}}, nil
	}
	return r.deps.Turns.Run(ctx, in)
}

// prepare loads the stored history and makes sure it starts with a system
// message. When the session is new or could not be read, the system message
// is also returned as prefix: the turn's append writes it only if that append
// creates the session. An existing session missing one is corrected right
// away, and a blank one is filled in. loaded is false when the store failed.
func (r *Router) prepare(ctx context.Context, store history.Store, ptr session.Pointer, instructions string) (stored, prefix []history.Message, loaded bool) {
	sys := []history.Message{history.SystemMessage(instructions)}
	sess, found, err := store.Load(ctx, ptr.ActiveSessionID)
	if err != nil {
		logger.L.Warn("failed to load history", "user_id", ptr.UserID, "session_id", ptr.ActiveSessionID, "error", err)
		return sys, sys, false
	}
	if !found {
		return sys, sys, true
	}

	msgs := sess.Messages
	switch {
	case len(msgs) == 0 || msgs[0].Role != history.RoleSystem:
		sess.Messages = append(sys, msgs...)
		if _, err := store.Upsert(ctx, sess); err != nil {
			logger.L.Warn("failed to store system message", "session_id", ptr.ActiveSessionID, "error", err)
		}
		return sess.Messages, nil, true
	case history.IsBlank(msgs[0].Content) && !history.IsBlank(instructions):
		if err := store.RefreshSystem(ctx, ptr.ActiveSessionID, instructions); err != nil {
			logger.L.Warn("failed to refresh system message", "session_id", ptr.ActiveSessionID, "error", err)
		}
		msgs = append([]history.Message(nil), msgs...)
		msgs[0].Content = instructions
	}
	return msgs, nil, true
}

// instructions are the mode's instructions followed by the prompts offered by
// MCP servers.
func (r *Router) instructions(p mode.Profile) string {
	parts := []string{strings.TrimSpace(p.Instructions())}
	for _, extra := range r.deps.Tools.Prompts() {
		if extra = strings.TrimSpace(extra); extra != "" {
			parts = append(parts, extra)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

func turns(msgs []history.Message) []tools.Turn {
	out := make([]tools.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == history.RoleUser || m.Role == history.RoleAssistant {
			out = append(out, tools.Turn{Role: m.Role, Content: m.Content})
		}
	}
	return out
}

func (r *Router) deliver(ctx context.Context, userID, text string) {
	if r.deps.Deliverer == nil || text == "" || strings.TrimSpace(userID) == "" {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			logger.L.Error("panic while delivering reply", "user_id", userID, "panic", p)
		}
	}()
	if err := r.deps.Deliverer.Deliver(ctx, userID, text); err != nil {
		logger.L.Error("failed to deliver reply", "user_id", userID, "error", err)
	}
}

func (r *Router) handleCommand(ctx context.Context, userID string, cmd Command) Reply {
	var (
		ptr  session.Pointer
		err  error
		text string
	)
	switch cmd.Kind {
	case CommandReset:
		ptr, err = r.Reset(ctx, userID, "")
		text = "Started a new conversation."
	case CommandMode:
		ptr, err = r.SetMode(ctx, userID, cmd.Mode)
		text = fmt.Sprintf("Switched to %s mode.", cmd.Mode)
	}
	if err != nil {
		return Reply{Text: ErrorText, Err: err}
	}
	return Reply{Text: text, SessionID: ptr.ActiveSessionID, Mode: ptr.BotMode, Degraded: ptr.Degraded()}
}

// ErrUnknownMode is returned by SetMode for names that are neither a mode
// nor an alias.
var ErrUnknownMode = errors.New("unknown mode")

// SetMode switches the user to raw (a mode name or alias) and keeps the
// active session.
func (r *Router) SetMode(ctx context.Context, userID, raw string) (session.Pointer, error) {
	name, ok := r.deps.Modes.Lookup(raw)
	if !ok {
		return session.Pointer{}, fmt.Errorf("%w: %q", ErrUnknownMode, raw)
	}
	release, err := r.lanes.acquire(ctx, userID)
	if err != nil {
		return session.Pointer{}, err
	}
	defer release()

	ptr, err := r.deps.Directory.SetMode(ctx, userID, name)
	if err != nil {
		return session.Pointer{}, fmt.Errorf("set mode: %w", err)
	}
	logger.L.Info("mode switched", "user_id", userID, "mode", ptr.BotMode, "session_id", ptr.ActiveSessionID)
	return ptr, nil
}

// Reset starts a new session for the user. The previous session stays
// loadable by its id. A repeated non-empty token returns the first result.
func (r *Router) Reset(ctx context.Context, userID, token string) (session.Pointer, error) {
	release, err := r.lanes.acquire(ctx, userID)
	if err != nil {
		return session.Pointer{}, err
	}
	defer release()

	ptr, err := r.deps.Directory.Reset(ctx, userID, token)
	if err != nil {
		return session.Pointer{}, fmt.Errorf("reset session: %w", err)
	}
	logger.L.Info("session reset", "user_id", userID, "mode", ptr.BotMode, "session_id", ptr.ActiveSessionID)
	return ptr, nil
}

// Session loads a stored session of mode by id. An empty or unknown mode
// reads from the default mode.
func (r *Router) Session(ctx context.Context, modeName, id string) (history.Session, bool, error) {
	name := r.deps.Modes.Normalize(modeName)
	if name == "" {
		name = r.deps.Modes.Default()
	}
	return r.deps.Catalog.ForMode(name).Load(ctx, id)
}
