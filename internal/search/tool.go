package search

import (
	"context"
	"encoding/json"

	"github.com/comigor/chatcore/pkg/tools"
)

// ToolName is the name the model calls search by.
const ToolName = "search"

// Tool exposes s as the "search" tool. The model's query is replaced by the
// user's verbatim message when there is one, and the recent conversation is
// sent along. With relay set the search answer is the final reply.
func (s *Searcher) Tool(relay bool) tools.Tool {
	presentation := tools.PresentToModel
	if relay {
		presentation = tools.PresentRelay
	}
	return tools.Tool{
		Name:        ToolName,
		Description: "Searches the web for current information: news, prices, schedules, recent events, or anything after your knowledge cutoff.",
		Schema:      ToolDefinition(),
		Kind:        tools.KindFunc,
		Enrich: func(args map[string]any, dc tools.DispatchContext) map[string]any {
			if dc.UserText != "" {
				args["query"] = dc.UserText
			}
			args["_context"] = dispatchContext(dc)
			return args
		},
		Fn:           ToolHandler(s),
		Presentation: presentation,
	}
}

// dispatchContext carries the turns through the args map to the handler.
type dispatchContext tools.DispatchContext

// ToolHandler returns the handler of the search tool.
func ToolHandler(s *Searcher) tools.Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		var turns []tools.Turn
		if dc, ok := args["_context"].(dispatchContext); ok {
			turns = dc.History
		}
		return s.Search(ctx, query, turns)
	}
}

// ToolDefinition returns the JSON Schema parameters of the search tool.
func ToolDefinition() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "What to search for."}
		},
		"required": ["query"]
	}`)
}
