package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/comigor/chatcore/internal/config"
	"github.com/comigor/chatcore/internal/logger"
)

// MCPClient is the subset of the mcp-go client the registry uses.
type MCPClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	ListPrompts(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	GetPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	Close() error
}

// ConnectMCP starts a client for every configured server and registers its
// tools. Servers that fail are logged and skipped. It returns the number of
// tools registered.
func (r *Registry) ConnectMCP(ctx context.Context, servers []config.MCPServerConfig) int {
	total := 0
	connected := 0
	for _, srv := range servers {
		c, err := newMCPClient(ctx, srv)
		if err != nil {
			logger.L.Error("Failed to create MCP client", "name", srv.Name, "type", srv.Type, "error", err)
			continue
		}
		n, err := r.AddMCPServer(ctx, srv.Name, c)
		if err != nil {
			logger.L.Error("Failed to initialize MCP client", "name", srv.Name, "error", err)
			if cerr := c.Close(); cerr != nil {
				logger.L.Warn("MCP client close error after init failure", "error", cerr)
			}
			continue
		}
		connected++
		total += n
	}
	if connected == 0 && len(servers) > 0 {
		logger.L.Warn("No MCP clients were successfully initialized despite servers configured.", "length", len(servers))
	}
	return total
}

func newMCPClient(ctx context.Context, srv config.MCPServerConfig) (*client.Client, error) {
	var (
		c   *client.Client
		err error
	)
	switch srv.Type {
	case config.ClientTypeSSE:
		var opts []transport.ClientOption
		if len(srv.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(srv.Headers))
		}
		c, err = client.NewSSEMCPClient(srv.URL, opts...)
	case config.ClientTypeStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(srv.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(srv.Headers))
		}
		c, err = client.NewStreamableHttpClient(srv.URL, opts...)
	case config.ClientTypeStdio:
		var env []string
		for k, v := range srv.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		// Stdio clients are started by the constructor.
		return client.NewStdioMCPClient(srv.Command, env, srv.Args...)
	case "":
		return nil, errors.New("type not set; use sse, streamable_http or stdio")
	default:
		return nil, fmt.Errorf("unsupported type %q", srv.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("start transport: %w", err)
	}
	return c, nil
}

// AddMCPServer initializes c and registers the tools it lists. Tools whose
// name is already taken are skipped. The registry closes c on Close.
func (r *Registry) AddMCPServer(ctx context.Context, name string, c MCPClient) (int, error) {
	initResult, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "chatcore", Version: "1.0.0"},
			Capabilities:    mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		return 0, err
	}
	logger.L.Info("Server initialized", "name", name)

	r.mu.Lock()
	r.closers = append(r.closers, c)
	r.mu.Unlock()

	if initResult != nil && initResult.Capabilities.Prompts != nil {
		if prompt := firstServerPrompt(ctx, name, c); prompt != "" {
			r.mu.Lock()
			r.prompts = append(r.prompts, prompt)
			r.mu.Unlock()
			logger.L.Info("Discovered system prompt from MCP server", "name", name)
		}
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		logger.L.Warn("Failed to list tools for MCP client", "name", name, "error", err)
		return 0, nil
	}
	added := 0
	for _, t := range listed.Tools {
		err := r.Register(Tool{
			Name:        t.Name,
			Description: t.Description,
			Schema:      mcpSchema(t),
			Kind:        KindMCP,
			Remote:      c,
		})
		if err != nil {
			logger.L.Warn("Skipping tool from MCP server", "tool", t.Name, "name", name, "error", err)
			continue
		}
		added++
	}
	return added, nil
}

// firstServerPrompt returns the assistant text of the server's first
// argument-less prompt.
func firstServerPrompt(ctx context.Context, name string, c MCPClient) string {
	prompts, err := c.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil || prompts == nil {
		logger.L.Warn("Failed to list prompts", "name", name, "error", err)
		return ""
	}
	i := slices.IndexFunc(prompts.Prompts, func(p mcp.Prompt) bool { return len(p.Arguments) == 0 })
	if i == -1 {
		return ""
	}
	got, err := c.GetPrompt(ctx, mcp.GetPromptRequest{Params: mcp.GetPromptParams{Name: prompts.Prompts[i].Name}})
	if err != nil || got == nil {
		logger.L.Warn("Failed to get prompt", "name", name, "error", err)
		return ""
	}
	for _, m := range got.Messages {
		if m.Role != mcp.RoleAssistant {
			continue
		}
		if text, ok := m.Content.(mcp.TextContent); ok {
			return text.Text
		}
	}
	return ""
}

func mcpSchema(t mcp.Tool) json.RawMessage {
	if len(t.RawInputSchema) > 0 && string(t.RawInputSchema) != "null" {
		return t.RawInputSchema
	}
	if t.InputSchema.Type == "" {
		return emptyObjectSchema
	}
	b, err := json.Marshal(t.InputSchema)
	if err != nil || string(b) == "{}" || string(b) == "null" {
		return emptyObjectSchema
	}
	return b
}

func callRemote(ctx context.Context, c MCPClient, name string, args map[string]any) (any, error) {
	res, err := c.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New("empty result")
	}
	text := ""
	for _, item := range res.Content {
		if tc, ok := item.(mcp.TextContent); ok {
			text = tc.Text
			break
		}
	}
	if res.IsError {
		if text == "" {
			text = "tool reported an error without details"
		}
		return nil, errors.New(text)
	}
	if text != "" {
		return text, nil
	}
	return res, nil
}
