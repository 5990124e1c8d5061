// Package mode knows the bot modes a user can be in: their aliases, system
// instructions, storage namespace and tool policy.
package mode

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/comigor/chatcore/internal/config"
	"github.com/comigor/chatcore/internal/llm"
	"github.com/comigor/chatcore/internal/logger"
)

// Profile is one configured mode.
type Profile struct {
	Name             string
	Aliases          []string
	Collection       string
	Tools            []string
	ToolChoice       llm.ToolChoice
	instructions     string
	instructionsPath string
}

// Set is the immutable collection of modes.
type Set struct {
	def      string
	profiles map[string]Profile
	aliases  map[string]string
}

// Builtin returns the modes used when none are configured.
func Builtin() map[string]config.ModeProfile {
	return map[string]config.ModeProfile{
		"general": {Aliases: []string{"brainstorm", "chat_general"}, Tools: []string{"search", "clock"}},
		"cheflog": {Aliases: []string{"chef", "cook", "main"}, Tools: []string{"clock"}},
		"dietlog": {Aliases: []string{"diet", "log"}, Tools: []string{"clock"}},
		"nano":    {Aliases: []string{"recipe"}},
	}
}

// New builds a Set. The default mode is added with no instructions when the
// configuration does not define it.
func New(cfg config.ModesConfig) (*Set, error) {
	profiles := cfg.Profiles
	if len(profiles) == 0 {
		profiles = Builtin()
	}
	s := &Set{
		def:      key(cfg.Default),
		profiles: make(map[string]Profile, len(profiles)+1),
		aliases:  make(map[string]string),
	}
	if s.def == "" {
		return nil, errors.New("default mode cannot be empty")
	}
	for name, p := range profiles {
		name = key(name)
		s.profiles[name] = Profile{
			Name:             name,
			Aliases:          p.Aliases,
			Collection:       p.Collection,
			Tools:            p.Tools,
			ToolChoice:       llm.ParseToolChoice(p.ToolChoice),
			instructions:     p.Instructions,
			instructionsPath: p.InstructionsPath,
		}
	}
	if _, ok := s.profiles[s.def]; !ok {
		s.profiles[s.def] = Profile{Name: s.def, ToolChoice: llm.ParseToolChoice("")}
	}
	for name, p := range s.profiles {
		for _, a := range p.Aliases {
			a = key(a)
			if other, taken := s.aliases[a]; taken && other != name {
				return nil, fmt.Errorf("alias %q is used by modes %s and %s", a, other, name)
			}
			if _, isMode := s.profiles[a]; isMode && a != name {
				return nil, fmt.Errorf("alias %q of mode %s is itself a mode", a, name)
			}
			s.aliases[a] = name
		}
	}
	return s, nil
}

func key(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "/"))
}

// Default returns the default mode name.
func (s *Set) Default() string { return s.def }

// Lookup resolves a mode name or alias.
func (s *Set) Lookup(raw string) (string, bool) {
	k := key(raw)
	if _, ok := s.profiles[k]; ok {
		return k, true
	}
	name, ok := s.aliases[k]
	return name, ok
}

// Normalize resolves raw to a mode name. Empty input stays empty, meaning
// "keep the current mode"; unknown input falls back to the default mode.
func (s *Set) Normalize(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	if name, ok := s.Lookup(raw); ok {
		return name
	}
	logger.L.Warn("unknown bot mode; using default", "mode", raw, "default", s.def)
	return s.def
}

// Profile returns the profile of name, or the default profile.
func (s *Set) Profile(name string) Profile {
	if p, ok := s.profiles[name]; ok {
		return p
	}
	return s.profiles[s.def]
}

// Names lists the mode names, sorted.
func (s *Set) Names() []string {
	out := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Collections maps each mode to its configured storage collection.
func (s *Set) Collections() map[string]string {
	out := make(map[string]string)
	for name, p := range s.profiles {
		if p.Collection != "" {
			out[name] = p.Collection
		}
	}
	return out
}

// Instructions returns the system instructions of a mode. Instruction files
// are read on every call so edits apply without a restart. When the file
// cannot be read the inline instructions are used, which may be empty.
func (p Profile) Instructions() string {
	if p.instructionsPath == "" {
		return p.instructions
	}
	b, err := os.ReadFile(p.instructionsPath)
	if err != nil {
		logger.L.Warn("failed to read mode instructions", "mode", p.Name, "path", p.instructionsPath, "error", err)
		return p.instructions
	}
	return string(b)
}
