package router

import (
	"regexp"
	"strings"
)

// commandPattern matches "/name" and "/name@botname" at the start of a message.
var commandPattern = regexp.MustCompile(`^\s*/(\w+)(?:@\w+)?(?:\s|$)`)

// Command kinds.
const (
	CommandReset = "reset"
	CommandMode  = "mode"
)

// Command is a control input that changes the user's session instead of
// being sent to the model.
type Command struct {
	Kind string
	// Mode is the resolved mode name of a CommandMode.
	Mode string
}

// ParseCommand extracts the command word of text, lower-cased. ok is false
// when text does not start with a slash command.
func ParseCommand(text string) (name string, ok bool) {
	m := commandPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}

// command maps text to a Command. /restart and /reset start a new session;
// /<mode or alias> switches mode. Other slash words are ordinary text.
func (r *Router) command(text string) (Command, bool) {
	name, ok := ParseCommand(text)
	if !ok {
		return Command{}, false
	}
	switch name {
	case "restart", "reset":
		return Command{Kind: CommandReset}, true
	}
	if m, ok := r.deps.Modes.Lookup(name); ok {
		return Command{Kind: CommandMode, Mode: m}, true
	}
	return Command{}, false
}
