package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/comigor/chatcore/internal/logger"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

type registered struct {
	tool   Tool
	schema *gojsonschema.Schema
}

// Registry holds the tools available to the model. Tools are registered at
// startup and read concurrently afterwards.
type Registry struct {
	mu             sync.RWMutex
	tools          map[string]*registered
	order          []string
	prompts        []string
	defaultTimeout time.Duration
	closers        []MCPClient
}

// NewRegistry creates an empty registry. Calls time out after defaultTimeout
// unless the tool sets its own.
func NewRegistry(defaultTimeout time.Duration) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	return &Registry{tools: make(map[string]*registered), defaultTimeout: defaultTimeout}
}

// Register adds t. Names must be unique and schemas must compile.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tool name cannot be empty")
	}
	switch t.Kind {
	case KindFunc:
		if t.Fn == nil {
			return fmt.Errorf("tool %s: func tool without handler", t.Name)
		}
	case KindMCP:
		if t.Remote == nil {
			return fmt.Errorf("tool %s: mcp tool without client", t.Name)
		}
	default:
		return fmt.Errorf("tool %s: unknown kind %d", t.Name, t.Kind)
	}
	if len(t.Schema) == 0 || string(t.Schema) == "null" || string(t.Schema) == "{}" {
		t.Schema = emptyObjectSchema
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(t.Schema))
	if err != nil {
		return fmt.Errorf("tool %s: invalid schema: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s is already registered", t.Name)
	}
	r.tools[t.Name] = &registered{tool: t, schema: schema}
	r.order = append(r.order, t.Name)
	logger.L.Info("registered tool", "tool", t.Name, "kind", t.Kind.String())
	return nil
}

// Get returns the tool called name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return reg.tool, true
}

// Describe returns the descriptors of the named tools in registration order.
// No names, or "*", selects every tool. Unknown names are skipped.
func (r *Registry) Describe(names ...string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := len(names) == 0
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if n == "*" {
			all = true
		}
		want[n] = true
	}
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		if !all && !want[name] {
			continue
		}
		t := r.tools[name].tool
		out = append(out, Descriptor{Name: t.Name, Description: t.Description, Schema: t.Schema})
	}
	return out
}

// Prompts returns the system prompts discovered on MCP servers.
func (r *Registry) Prompts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.prompts...)
}

// Dispatch runs call and always returns a Result; failures are reported as
// content for the model.
func (r *Registry) Dispatch(ctx context.Context, call Call, dc DispatchContext) Result {
	res := Result{CallID: call.ID, Name: call.Name}
	fail := func(err error) Result {
		res.Err = err
		res.Content = err.Error()
		logger.L.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "error", err)
		return res
	}

	args, err := parseArguments(call.Arguments)
	if err != nil {
		return fail(&ArgumentParseError{Tool: call.Name, Err: err})
	}

	r.mu.RLock()
	reg, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return fail(&UnknownToolError{Tool: call.Name})
	}
	res.Presentation = reg.tool.Presentation
	res.FollowUpInstruction = reg.tool.FollowUpInstruction

	if problems := validate(reg.schema, args); len(problems) > 0 {
		return fail(&MalformedArgumentsError{Tool: call.Name, Problems: problems})
	}
	if reg.tool.Enrich != nil {
		args = reg.tool.Enrich(args, dc)
	}

	timeout := reg.tool.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	logger.L.Debug("dispatching tool", "tool", call.Name, "call_id", call.ID, "kind", reg.tool.Kind.String())
	out, err := invoke(ctx, reg.tool, args, timeout)
	if err != nil {
		return fail(err)
	}
	res.Content = out
	return res
}

// Close closes the MCP clients the registry connected to.
func (r *Registry) Close() error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func parseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func validate(schema *gojsonschema.Schema, args map[string]any) []string {
	if schema == nil {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return []string{err.Error()}
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return problems
}

type outcome struct {
	out string
	err error
}

// invoke runs the tool in its own goroutine so a handler that ignores its
// context still cannot hold the turn past timeout.
func invoke(ctx context.Context, t Tool, args map[string]any, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: &DispatchError{Tool: t.Name, Err: fmt.Errorf("panic: %v", p)}}
			}
		}()
		var (
			v   any
			err error
		)
		switch t.Kind {
		case KindFunc:
			v, err = t.Fn(ctx, args)
		case KindMCP:
			v, err = callRemote(ctx, t.Remote, t.Name, args)
		}
		if err != nil {
			done <- outcome{err: &DispatchError{Tool: t.Name, Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}}
			return
		}
		done <- outcome{out: render(v)}
	}()

	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		return "", &DispatchError{Tool: t.Name, Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded), Err: ctx.Err()}
	}
}

func render(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
