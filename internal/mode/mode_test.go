package mode

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comigor/chatcore/internal/config"
	"github.com/comigor/chatcore/internal/llm"
)

func TestNormalize_Builtin(t *testing.T) {
	s, err := New(config.ModesConfig{Default: "general"})
	require.NoError(t, err)

	require.Equal(t, "cheflog", s.Normalize("chef"))
	require.Equal(t, "cheflog", s.Normalize("/Cook"))
	require.Equal(t, "dietlog", s.Normalize("log"))
	require.Equal(t, "nano", s.Normalize("recipe"))
	require.Equal(t, "general", s.Normalize("brainstorm"))
	require.Equal(t, "general", s.Normalize("no-such-mode"))
	require.Equal(t, "", s.Normalize("  "))

	_, ok := s.Lookup("restart")
	require.False(t, ok)
	require.Equal(t, []string{"cheflog", "dietlog", "general", "nano"}, s.Names())
}

func TestNew_AddsMissingDefault(t *testing.T) {
	s, err := New(config.ModesConfig{Default: "plain", Profiles: map[string]config.ModeProfile{
		"other": {Tools: []string{"search"}, ToolChoice: "search", Collection: "other_sessions"},
	}})
	require.NoError(t, err)
	require.Equal(t, "plain", s.Profile("plain").Name)
	require.Equal(t, "plain", s.Profile("missing").Name)
	require.Equal(t, llm.ToolChoice{Mode: llm.ChoiceRequired, Name: "search"}, s.Profile("other").ToolChoice)
	require.Equal(t, map[string]string{"other": "other_sessions"}, s.Collections())
}

func TestNew_AliasConflicts(t *testing.T) {
	_, err := New(config.ModesConfig{Default: "a", Profiles: map[string]config.ModeProfile{
		"a": {Aliases: []string{"x"}},
		"b": {Aliases: []string{"x"}},
	}})
	require.Error(t, err)

	_, err = New(config.ModesConfig{Default: "a", Profiles: map[string]config.ModeProfile{
		"a": {Aliases: []string{"b"}},
		"b": {},
	}})
	require.Error(t, err)

	_, err = New(config.ModesConfig{})
	require.Error(t, err)
}

func TestInstructions_FromFileAreReread(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chef.txt")
	s, err := New(config.ModesConfig{Default: "cheflog", Profiles: map[string]config.ModeProfile{
		"cheflog": {InstructionsPath: path},
		"inline":  {Instructions: "Be brief."},
	}})
	require.NoError(t, err)

	require.Equal(t, "", s.Profile("cheflog").Instructions(), "missing file yields blank instructions")
	require.NoError(t, os.WriteFile(path, []byte("You log meals."), 0o600))
	require.Equal(t, "You log meals.", s.Profile("cheflog").Instructions())
	require.Equal(t, "Be brief.", s.Profile("inline").Instructions())
}
