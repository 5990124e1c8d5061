package history

// ModelView returns the messages that can be replayed to a model.
//
// Storage is append-only, so a crash between an assistant tool-call message
// and its tool results leaves an orphan behind. Such assistant messages, and
// tool messages that do not answer the immediately preceding call list, are
// left out of the view. The stored history is not modified.
func ModelView(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for i := 0; i < len(msgs); {
		m := msgs[i]
		switch {
		case m.Role == RoleTool:
			i++
		case m.Role == RoleAssistant && len(m.ToolCalls) > 0:
			j := i + 1
			for j < len(msgs) && msgs[j].Role == RoleTool {
				j++
			}
			if results, ok := answered(m.ToolCalls, msgs[i+1:j]); ok {
				out = append(out, m)
				out = append(out, results...)
			}
			i = j
		default:
			out = append(out, m)
			i++
		}
	}
	return out
}

// answered pairs each call with its tool result, in call order.
func answered(calls []ToolCall, results []Message) ([]Message, bool) {
	byID := make(map[string]Message, len(results))
	for _, r := range results {
		if _, dup := byID[r.ToolCallID]; !dup {
			byID[r.ToolCallID] = r
		}
	}
	out := make([]Message, 0, len(calls))
	for _, c := range calls {
		r, ok := byID[c.ID]
		if !ok {
			return nil, false
		}
		out = append(out, r)
	}
	return out, true
}
