package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	LLM        LLMConfig
	Server     ServerConfig
	Log        LogConfig
	Storage    StorageConfig
	Turn       TurnConfig
	Modes      ModesConfig
	Search     SearchConfig
	Insights   InsightsConfig
	MCPServers []MCPServerConfig `mapstructure:"mcp_servers"`
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	Provider    string        `mapstructure:"provider"`
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float32       `mapstructure:"temperature"`
	Stream      bool          `mapstructure:"stream"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// LogConfig holds logging options.
type LogConfig struct {
	Level          string `mapstructure:"level"`
	OutputMaxChars int    `mapstructure:"output_max_chars"`
}

// Storage backends.
const (
	BackendAuto   = "auto"
	BackendMongo  = "mongo"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// StorageConfig selects and configures the message store and session directory.
type StorageConfig struct {
	Backend string        `mapstructure:"backend"`
	Timeout time.Duration `mapstructure:"timeout"`
	Mongo   MongoConfig   `mapstructure:"mongo"`
	File    FileConfig    `mapstructure:"file"`
	SQLite  SQLiteConfig  `mapstructure:"sqlite"`
}

// MongoConfig holds the external document store connection.
type MongoConfig struct {
	URI                 string `mapstructure:"uri"`
	Database            string `mapstructure:"database"`
	DirectoryCollection string `mapstructure:"directory_collection"`
	InsightsCollection  string `mapstructure:"insights_collection"`
}

// FileConfig holds the local file store location.
type FileConfig struct {
	Dir string `mapstructure:"dir"`
}

// SQLiteConfig holds the local session directory database.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// TurnConfig bounds a single conversational turn.
type TurnConfig struct {
	MaxRoundTrips int           `mapstructure:"max_round_trips"`
	ToolTimeout   time.Duration `mapstructure:"tool_timeout"`
	ParallelTools bool          `mapstructure:"parallel_tools"`
	FallbackText  string        `mapstructure:"fallback_text"`
	StoppedText   string        `mapstructure:"stopped_text"`
}

// ModesConfig lists the bot modes a user can switch between.
type ModesConfig struct {
	Default  string                 `mapstructure:"default"`
	Profiles map[string]ModeProfile `mapstructure:"profiles"`
}

// ModeProfile configures one bot mode.
type ModeProfile struct {
	Aliases          []string `mapstructure:"aliases"`
	Instructions     string   `mapstructure:"instructions"`
	InstructionsPath string   `mapstructure:"instructions_path"`
	Collection       string   `mapstructure:"collection"`
	Tools            []string `mapstructure:"tools"`
	ToolChoice       string   `mapstructure:"tool_choice"`
}

// SearchConfig configures the web search tool.
type SearchConfig struct {
	APIKey       string `mapstructure:"api_key"`
	BaseURL      string `mapstructure:"base_url"`
	Model        string `mapstructure:"model"`
	ContextTurns int    `mapstructure:"context_turns"`
	Relay        bool   `mapstructure:"relay"`
}

// InsightsConfig configures principles memory: users of Mode can ask the
// assistant to remember principles, which are then added to its context.
// An empty Mode disables the feature.
type InsightsConfig struct {
	Mode         string `mapstructure:"mode"`
	Limit        int    `mapstructure:"limit"`
	FilterByMode bool   `mapstructure:"filter_by_mode"`
}

// ClientType is the transport used to reach an MCP server.
type ClientType string

const (
	ClientTypeSSE            ClientType = "sse"
	ClientTypeStreamableHTTP ClientType = "streamable_http"
	ClientTypeStdio          ClientType = "stdio"
)

// MCPServerConfig describes one MCP server whose tools are offered to the model.
type MCPServerConfig struct {
	Name    string            `mapstructure:"name"`
	Type    ClientType        `mapstructure:"type"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 180*time.Second)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.stream", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.output_max_chars", 4000)
	v.SetDefault("storage.backend", BackendAuto)
	v.SetDefault("storage.timeout", 10*time.Second)
	v.SetDefault("storage.mongo.uri", "")
	v.SetDefault("storage.mongo.database", "chatcore")
	v.SetDefault("storage.mongo.directory_collection", "bot_modes")
	v.SetDefault("storage.mongo.insights_collection", "insights_general")
	v.SetDefault("storage.file.dir", "chat_history_logs")
	v.SetDefault("storage.sqlite.path", "directory.db")
	v.SetDefault("turn.max_round_trips", 5)
	v.SetDefault("turn.tool_timeout", 60*time.Second)
	v.SetDefault("turn.parallel_tools", false)
	v.SetDefault("turn.fallback_text", "Sorry, I couldn't finish that request. Please try again.")
	v.SetDefault("turn.stopped_text", "Stopped by user before generation started.")
	v.SetDefault("modes.default", "general")
	v.SetDefault("search.api_key", "")
	v.SetDefault("search.base_url", "https://api.perplexity.ai")
	v.SetDefault("search.model", "sonar")
	v.SetDefault("search.context_turns", 8)
	v.SetDefault("search.relay", true)
	v.SetDefault("insights.mode", "general")
	v.SetDefault("insights.limit", 5)
	v.SetDefault("insights.filter_by_mode", false)
}

// Load reads config.yaml (or the file named by CONFIG_PATH) and applies
// CHATCORE_* environment overrides. A missing default config file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHATCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendAuto, BackendMongo, BackendFile, BackendMemory:
	default:
		return fmt.Errorf("storage.backend %q must be one of auto, mongo, file, memory", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendMongo && c.Storage.Mongo.URI == "" {
		return errors.New("storage.backend is mongo but storage.mongo.uri is empty")
	}
	if c.Turn.MaxRoundTrips <= 0 {
		return errors.New("turn.max_round_trips must be > 0")
	}
	if c.Modes.Default == "" {
		return errors.New("modes.default cannot be empty")
	}
	return nil
}
