package router

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/comigor/chatcore/internal/insight"
	"github.com/comigor/chatcore/internal/logger"
	"github.com/comigor/chatcore/internal/session"
)

const principleMaxChars = 220

var addPrinciplePattern = regexp.MustCompile(`(?i)^\s*add\s+a\s+cooking\s+prini?ciple\s+into\s+memory\s*:\s*(.+?)\s*$`)

// parseAddPrinciple returns the principle in "add a cooking principle into
// memory: <text>", or "" when text is not that phrase.
func parseAddPrinciple(text string) string {
	m := addPrinciplePattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.Join(strings.Fields(m[1]), " ")
}

func isLoadPrinciples(text string) bool {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ") == "load principles into memory"
}

// contextNote is appended to the system message of the model request only;
// the stored system message is not changed.
func (r *Router) contextNote(ctx context.Context, req Request, ptr session.Pointer) string {
	var parts []string
	if note := frontendNote(req.SessionInfo); note != "" {
		parts = append(parts, note)
	}
	if note := r.principlesNote(ctx, req.UserID, ptr.BotMode); note != "" {
		parts = append(parts, note)
	}
	return strings.Join(parts, "\n\n")
}

// frontendNote names the front end that sent the message, read from the
// "source_interface" (or "source") session info key.
func frontendNote(info map[string]any) string {
	source, _ := info["source_interface"].(string)
	if strings.TrimSpace(source) == "" {
		source, _ = info["source"].(string)
	}
	var name string
	switch strings.ToLower(strings.TrimSpace(source)) {
	case "telegram":
		name = "Telegram chat"
	case "web":
		name = "Web UI chat"
	default:
		return ""
	}
	return "Frontend context:\n" +
		"- Current frontend: " + name + ".\n" +
		"- Same user may switch frontends in one shared session.\n" +
		"- Continue only from stored conversation history."
}

func (r *Router) principlesMode(mode string) bool {
	return r.deps.Insights != nil && r.deps.Principles.Mode != "" && mode == r.deps.Principles.Mode
}

func (r *Router) enablePrinciples(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.principlesOn[userID] = true
}

func (r *Router) principlesEnabled(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.principlesOn[userID]
}

func (r *Router) loadPrinciples(ctx context.Context, userID, mode string) []insight.Insight {
	items, err := r.deps.Insights.List(ctx, insight.Query{
		UserID:         userID,
		Mode:           mode,
		PrinciplesOnly: true,
		Limit:          r.deps.Principles.Limit,
	})
	if err != nil {
		logger.L.Warn("failed to load principles", "user_id", userID, "error", err)
		return nil
	}
	return items
}

// principleIntent answers the principles memory phrases. Either phrase turns
// principles on for the user until the process restarts.
func (r *Router) principleIntent(ctx context.Context, req Request, ptr session.Pointer) (string, bool) {
	if !r.principlesMode(ptr.BotMode) {
		return "", false
	}
	if text := parseAddPrinciple(req.Text); text != "" {
		r.enablePrinciples(req.UserID)
		_, err := r.deps.Insights.Add(ctx, insight.Insight{
			UserID:          req.UserID,
			SourceMode:      ptr.BotMode,
			SourceSessionID: ptr.ActiveSessionID,
			Text:            text,
			Principle:       true,
		})
		if err != nil {
			logger.L.Warn("failed to add principle", "user_id", req.UserID, "error", err)
			return "Could not add principle to memory.", true
		}
		n := len(r.loadPrinciples(ctx, req.UserID, ""))
		return fmt.Sprintf("Principle added to memory (%d total): \"%s\".", n, text), true
	}
	if isLoadPrinciples(req.Text) {
		r.enablePrinciples(req.UserID)
		n := len(r.loadPrinciples(ctx, req.UserID, ""))
		if n == 0 {
			return "No principle insights found to load yet.", true
		}
		return fmt.Sprintf("Loaded %d principle insights into memory.", n), true
	}
	return "", false
}

func (r *Router) principlesNote(ctx context.Context, userID, mode string) string {
	if !r.principlesMode(mode) || !r.principlesEnabled(userID) {
		return ""
	}
	filter := ""
	if r.deps.Principles.FilterByMode {
		filter = mode
	}
	lines := []string{
		"User-defined principles context:",
		"- These principles are explicit user-defined rules from prior conversations.",
		"- Treat them as anchor reasoning for future suggestions unless user overrides them now.",
	}
	header := len(lines)
	for _, p := range r.loadPrinciples(ctx, userID, filter) {
		text := strings.Join(strings.Fields(p.Text), " ")
		if text == "" {
			continue
		}
		if rs := []rune(text); len(rs) > principleMaxChars {
			text = strings.TrimRight(string(rs[:principleMaxChars]), " ") + "..."
		}
		source := p.SourceMode
		if source == "" {
			source = "unknown"
		}
		lines = append(lines, fmt.Sprintf("- (%s) %s", source, text))
	}
	if len(lines) == header {
		return ""
	}
	return strings.Join(lines, "\n")
}
