// Package config handles Scribe configuration loading.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/scribe/config.yaml, /etc/scribe/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "scribe", "config.yaml"))
	}

	paths = append(paths, "/etc/scribe/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no explicit path was given
// and none of the default locations exist.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all Scribe configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Model      ModelConfig      `yaml:"model"`
	Parser     ParserConfig     `yaml:"parser"`
	Agent      AgentConfig      `yaml:"agent"`
	Tools      ToolsConfig      `yaml:"tools"`
	Transcript TranscriptConfig `yaml:"transcript"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelConfig selects the chat-completion backend.
type ModelConfig struct {
	// Provider is "ollama" (default) or "openai" for any server that
	// speaks the OpenAI Responses API (vLLM, llama.cpp, LM Studio).
	Provider string `yaml:"provider"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	// BaseURL overrides Host/Port when set.
	BaseURL string `yaml:"base_url"`
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	// Think asks Ollama to return reasoning in the native thinking field.
	Think bool `yaml:"think"`
	// Temperature is forwarded as a model option when non-zero.
	Temperature float64 `yaml:"temperature"`
	// Routes maps additional model names to providers for MultiClient.
	Routes []ModelRoute `yaml:"routes"`
	Retry  RetryConfig  `yaml:"retry"`
}

// ModelRoute pins a model name to a provider.
type ModelRoute struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
}

// RetryConfig bounds retries of model calls that fail with a
// transient connectivity error.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// ParserConfig controls how raw model output is split into reasoning,
// answer, and tool calls.
type ParserConfig struct {
	// Mode is "strict" (Harmony channels first, pattern fallback) or
	// "fallback" (pattern extraction only).
	Mode                string          `yaml:"mode"`
	ReasoningDelimiters []DelimiterPair `yaml:"reasoning_delimiters"`
	AnswerDelimiter     *DelimiterPair  `yaml:"answer_delimiter"`
}

// DelimiterPair is an opening and closing marker, e.g. <think> and </think>.
type DelimiterPair struct {
	Open  string `yaml:"open"`
	Close string `yaml:"close"`
}

// AgentConfig bounds a single conversational turn.
type AgentConfig struct {
	MaxToolIterations int           `yaml:"max_tool_iterations"`
	TurnTimeout       time.Duration `yaml:"turn_timeout"`
	// SystemPrompt replaces the built-in prompt when non-empty.
	SystemPrompt string `yaml:"system_prompt"`
}

// ToolsConfig toggles optional built-in tools.
type ToolsConfig struct {
	WebFetch bool `yaml:"web_fetch"`
	// Disabled lists built-in tool names that should not be registered.
	Disabled []string `yaml:"disabled"`
}

// TranscriptConfig selects where conversation transcripts are persisted.
type TranscriptConfig struct {
	// Driver is "none" (default), "sqlite", or "postgres".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"` // sqlite database file
	DSN    string `yaml:"dsn"`  // postgres connection string
}

// MQTTConfig configures the optional event bridge. Leave Broker empty
// to disable it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// Configured reports whether the MQTT bridge should start.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. ${VAR} references are
// expanded from the environment before parsing, defaults fill any
// omitted values, and the OLLAMA_* variables override the model
// section last.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	cfg.ApplyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a runnable configuration pointed at a local Ollama.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Model.Provider == "" {
		c.Model.Provider = "ollama"
	}
	if c.Model.Host == "" {
		c.Model.Host = "localhost"
	}
	if c.Model.Port == 0 {
		c.Model.Port = 11434
	}
	if c.Model.Name == "" {
		c.Model.Name = "gpt-oss:20b"
	}
	if c.Model.Retry.MaxAttempts == 0 {
		c.Model.Retry.MaxAttempts = 3
	}
	if c.Model.Retry.InitialDelay == 0 {
		c.Model.Retry.InitialDelay = 500 * time.Millisecond
	}
	if c.Model.Retry.MaxDelay == 0 {
		c.Model.Retry.MaxDelay = 5 * time.Second
	}
	if c.Model.Retry.Multiplier == 0 {
		c.Model.Retry.Multiplier = 2
	}
	if c.Parser.Mode == "" {
		c.Parser.Mode = "strict"
	}
	if len(c.Parser.ReasoningDelimiters) == 0 {
		c.Parser.ReasoningDelimiters = DefaultReasoningDelimiters()
	}
	if c.Parser.AnswerDelimiter == nil {
		c.Parser.AnswerDelimiter = &DelimiterPair{Open: "<answer>", Close: "</answer>"}
	}
	if c.Agent.MaxToolIterations == 0 {
		c.Agent.MaxToolIterations = 5
	}
	if c.Agent.TurnTimeout == 0 {
		c.Agent.TurnTimeout = 2 * time.Minute
	}
	if c.Transcript.Driver == "" {
		c.Transcript.Driver = "none"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "scribe"
	}
}

// DefaultReasoningDelimiters returns the reasoning block markers the
// pattern parser looks for when none are configured.
func DefaultReasoningDelimiters() []DelimiterPair {
	return []DelimiterPair{
		{Open: "<think>", Close: "</think>"},
		{Open: "<thinking>", Close: "</thinking>"},
		{Open: "<reasoning>", Close: "</reasoning>"},
	}
}

// ApplyEnv overrides the model endpoint from OLLAMA_HOST, OLLAMA_PORT,
// and OLLAMA_MODEL. OLLAMA_HOST may be a bare host, host:port, or a
// full URL. getenv is injected so tests need not touch the process
// environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if host := strings.TrimSpace(getenv("OLLAMA_HOST")); host != "" {
		switch {
		case strings.Contains(host, "://"):
			c.Model.BaseURL = strings.TrimRight(host, "/")
		default:
			if h, p, err := net.SplitHostPort(host); err == nil {
				c.Model.Host = h
				if n, err := strconv.Atoi(p); err == nil {
					c.Model.Port = n
				}
			} else {
				c.Model.Host = host
			}
			c.Model.BaseURL = ""
		}
	}
	if port := strings.TrimSpace(getenv("OLLAMA_PORT")); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Model.Port = n
		}
	}
	if model := strings.TrimSpace(getenv("OLLAMA_MODEL")); model != "" {
		c.Model.Name = model
	}
}

// Validate rejects configurations that cannot produce a working runtime.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "ollama", "openai":
	default:
		return fmt.Errorf("model.provider %q is not supported (valid: ollama, openai)", c.Model.Provider)
	}
	if c.Model.Provider == "openai" && c.Model.BaseURL == "" {
		return fmt.Errorf("model.base_url is required for provider openai")
	}
	for _, r := range c.Model.Routes {
		if r.Name == "" || (r.Provider != "ollama" && r.Provider != "openai") {
			return fmt.Errorf("model.routes: invalid route %+v", r)
		}
	}
	switch c.Parser.Mode {
	case "strict", "fallback":
	default:
		return fmt.Errorf("parser.mode %q is not supported (valid: strict, fallback)", c.Parser.Mode)
	}
	for _, d := range c.Parser.ReasoningDelimiters {
		if d.Open == "" || d.Close == "" {
			return fmt.Errorf("parser.reasoning_delimiters: open and close must both be set")
		}
	}
	if c.Agent.MaxToolIterations < 1 {
		return fmt.Errorf("agent.max_tool_iterations must be at least 1")
	}
	if c.Agent.TurnTimeout < 0 {
		return fmt.Errorf("agent.turn_timeout must not be negative")
	}
	if c.Model.Retry.MaxAttempts < 1 {
		return fmt.Errorf("model.retry.max_attempts must be at least 1")
	}
	switch c.Transcript.Driver {
	case "none":
	case "sqlite":
		if c.Transcript.Path == "" {
			return fmt.Errorf("transcript.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Transcript.DSN == "" {
			return fmt.Errorf("transcript.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("transcript.driver %q is not supported (valid: none, sqlite, postgres)", c.Transcript.Driver)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q is not supported (valid: text, json)", c.LogFormat)
	}
	return nil
}

// ModelURL returns the base URL of the model backend.
func (c *Config) ModelURL() string {
	if c.Model.BaseURL != "" {
		return c.Model.BaseURL
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(c.Model.Host, strconv.Itoa(c.Model.Port)))
}
