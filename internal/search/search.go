// Package search answers questions that need fresh information by asking a
// search-grounded chat model (Perplexity by default) through its
// OpenAI-compatible API.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/chatcore/internal/config"
	"github.com/comigor/chatcore/internal/history"
	"github.com/comigor/chatcore/internal/llm"
	"github.com/comigor/chatcore/internal/logger"
	"github.com/comigor/chatcore/pkg/tools"
)

const systemPrompt = "You are a web search assistant. Answer the user's latest message using current, reliable sources. Be concise and mention where the information comes from."

// Searcher sends a question and its recent conversation to the search model.
type Searcher struct {
	client       llm.Client
	model        string
	contextTurns int
}

// New builds a Searcher from cfg.
func New(cfg config.SearchConfig) *Searcher {
	return NewWithClient(llm.NewClient(config.LLMConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL}), cfg)
}

// NewWithClient uses client instead of building one from cfg.
func NewWithClient(client llm.Client, cfg config.SearchConfig) *Searcher {
	model := cfg.Model
	if model == "" {
		model = "sonar"
	}
	return &Searcher{client: client, model: model, contextTurns: cfg.ContextTurns}
}

// Search answers query. turns are the prior user and assistant messages of
// the conversation, oldest first.
func (s *Searcher) Search(ctx context.Context, query string, turns []tools.Turn) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", errors.New("search: query is required")
	}
	msgs := append([]openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: systemPrompt}},
		contextMessages(turns, s.contextTurns, query)...)

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{Model: s.model, Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("search: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", errors.New("search: empty answer")
	}
	logger.L.Debug("search answered", "model", s.model, "context_messages", len(msgs)-2)
	return resp.Choices[0].Message.Content, nil
}

// contextMessages keeps the last n turns and shapes them into the strictly
// alternating user/assistant sequence search models require, ending with query.
func contextMessages(turns []tools.Turn, n int, query string) []openai.ChatCompletionMessage {
	var kept []tools.Turn
	for _, t := range turns {
		if (t.Role == history.RoleUser || t.Role == history.RoleAssistant) && strings.TrimSpace(t.Content) != "" {
			kept = append(kept, t)
		}
	}
	if n >= 0 && len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	kept = append(kept, tools.Turn{Role: history.RoleUser, Content: query})

	var out []openai.ChatCompletionMessage
	for _, t := range kept {
		if len(out) == 0 && t.Role != history.RoleUser {
			continue
		}
		if last := len(out) - 1; last >= 0 && out[last].Role == t.Role {
			out[last].Content += "\n\n" + t.Content
			continue
		}
		out = append(out, openai.ChatCompletionMessage{Role: t.Role, Content: t.Content})
	}
	return out
}
