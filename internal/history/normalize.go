package history

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the ISO-8601 UTC layout used for persisted timestamps.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t as a persisted timestamp.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

// ParseTime reads a persisted timestamp. Offsets other than UTC (written by
// older clients) are accepted and converted.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// Normalize returns a copy of s in the form every backend persists: UTC
// timestamps at microsecond precision and session_info values reduced to
// their JSON form, with values that cannot be encoded replaced by their
// string representation.
func Normalize(s Session) Session {
	out := s
	out.CreatedAt = normalizeTime(s.CreatedAt)
	out.LastUpdatedAt = normalizeTime(s.LastUpdatedAt)
	out.SessionInfo = normalizeInfo(s.SessionInfo)
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		if len(m.ToolCalls) == 0 {
			m.ToolCalls = nil
		} else {
			m.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
		}
		out.Messages[i] = m
	}
	return out
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Microsecond)
}

func normalizeInfo(info map[string]any) map[string]any {
	if len(info) == 0 {
		return nil
	}
	out := make(map[string]any, len(info))
	for k, v := range info {
		out[k] = jsonSafe(v)
	}
	return out
}

func jsonSafe(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return string(b)
	}
	return out
}

// IsBlank reports whether a system instruction is missing its content.
func IsBlank(content string) bool {
	return strings.TrimSpace(content) == ""
}
