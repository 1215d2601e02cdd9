package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Config represents the main mcpilot configuration
type Config struct {
	// AI configuration
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Conversation and correction bounds
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// MCP servers keyed by name
	Servers map[string]ServerConfig `json:"servers" mapstructure:"servers"`

	// Server used by `chat --server` when none is given
	DefaultServer string `json:"default_server" mapstructure:"default_server"`

	// Tools
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Planner
	Planner PlannerConfig `json:"planner" mapstructure:"planner"`

	// Classifier
	Classifier ClassifierConfig `json:"classifier" mapstructure:"classifier"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Transcript directory; empty disables transcripts
	TranscriptDir string `json:"transcript_dir" mapstructure:"transcript_dir"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // openai, anthropic
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	Model    string `json:"model,omitempty" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// AgentConfig holds the orchestration bounds
type AgentConfig struct {
	SystemPrompt          string  `json:"system_prompt" mapstructure:"system_prompt"`
	Model                 string  `json:"model" mapstructure:"model"` // Overrides every profile's model when set
	Temperature           float64 `json:"temperature" mapstructure:"temperature"`
	CorrectionTemperature float64 `json:"correction_temperature" mapstructure:"correction_temperature"`
	MaxTokens             int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxRounds             int     `json:"max_rounds" mapstructure:"max_rounds"`
	MaxAttempts           int     `json:"max_attempts" mapstructure:"max_attempts"`
	HistoryLimit          int     `json:"history_limit" mapstructure:"history_limit"`
	LLMMaxRetries         int     `json:"llm_max_retries" mapstructure:"llm_max_retries"`
	AnswerMaxChars        int     `json:"answer_max_chars" mapstructure:"answer_max_chars"`
}

// ServerConfig describes one stdio MCP server
type ServerConfig struct {
	Command     string            `json:"command" mapstructure:"command"`
	Args        []string          `json:"args,omitempty" mapstructure:"args"`
	Env         map[string]string `json:"env,omitempty" mapstructure:"env"`
	Description string            `json:"description,omitempty" mapstructure:"description"`
	Enabled     bool              `json:"enabled" mapstructure:"enabled"`
}

// ToolsConfig holds tool invocation limits
type ToolsConfig struct {
	TimeoutSeconds        int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	RequestTimeoutSeconds int `json:"request_timeout_seconds" mapstructure:"request_timeout_seconds"`
	MaxOutputBytes        int `json:"max_output_bytes" mapstructure:"max_output_bytes"`
}

// Timeout is the per-invocation deadline.
func (t ToolsConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// RequestTimeout bounds a single JSON-RPC exchange with a server.
func (t ToolsConfig) RequestTimeout() time.Duration {
	return time.Duration(t.RequestTimeoutSeconds) * time.Second
}

// PlannerConfig holds task decomposition settings
type PlannerConfig struct {
	Enabled   bool `json:"enabled" mapstructure:"enabled"`
	Confirm   bool `json:"confirm" mapstructure:"confirm"`
	FailFast  bool `json:"fail_fast" mapstructure:"fail_fast"`
	Summarize bool `json:"summarize" mapstructure:"summarize"`
	MaxTasks  int  `json:"max_tasks" mapstructure:"max_tasks"`
}

// ClassifierConfig extends the failure vocabulary
type ClassifierConfig struct {
	ExtraIndicators []string `json:"extra_indicators,omitempty" mapstructure:"extra_indicators"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Console   bool   `json:"console" mapstructure:"console"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Addr    string `json:"addr" mapstructure:"addr"`
	Tracing bool   `json:"tracing" mapstructure:"tracing"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Agent: AgentConfig{
			Temperature:           0.7,
			CorrectionTemperature: 0.2,
			MaxTokens:             4096,
			MaxRounds:             10,
			MaxAttempts:           3,
			HistoryLimit:          40,
			LLMMaxRetries:         3,
			AnswerMaxChars:        2000,
		},
		Servers: map[string]ServerConfig{},
		Tools: ToolsConfig{
			TimeoutSeconds:        60,
			RequestTimeoutSeconds: 30,
			MaxOutputBytes:        64 * 1024,
		},
		Planner: PlannerConfig{
			Enabled:   true,
			Confirm:   true,
			FailFast:  false,
			Summarize: true,
			MaxTasks:  8,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Metrics: MetricsConfig{},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// ServerNames returns the configured server names in sorted order
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnabledServers returns the names of enabled servers in sorted order.
// A non-empty only restricts the result to that one server, enabled or not.
func (c *Config) EnabledServers(only string) ([]string, error) {
	if only != "" {
		if _, ok := c.Servers[only]; !ok {
			return nil, fmt.Errorf("unknown server %q", only)
		}
		return []string{only}, nil
	}
	var names []string
	for _, name := range c.ServerNames() {
		if c.Servers[name].Enabled {
			names = append(names, name)
		}
	}
	return names, nil
}

// SetServerEnabled toggles one server
func (c *Config) SetServerEnabled(name string, enabled bool) error {
	server, ok := c.Servers[name]
	if !ok {
		return fmt.Errorf("unknown server %q", name)
	}
	server.Enabled = enabled
	c.Servers[name] = server
	return nil
}

// SetDefaultServer marks name as the default server and enables it
func (c *Config) SetDefaultServer(name string) error {
	if err := c.SetServerEnabled(name, true); err != nil {
		return err
	}
	c.DefaultServer = name
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Require at least one AI profile
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: set OPENAI_API_KEY or add an ai.profiles entry")
	}

	seen := make(map[string]bool, len(c.AI.Profiles))
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if seen[profile.ID] {
			return fmt.Errorf("AI profile %s: duplicate ID", profile.ID)
		}
		seen[profile.ID] = true
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		switch profile.Provider {
		case "", "openai", "anthropic":
		default:
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: openai, anthropic)", profile.ID, profile.Provider)
		}
	}

	if c.Agent.MaxRounds <= 0 {
		return fmt.Errorf("agent.max_rounds must be positive")
	}
	if c.Agent.MaxAttempts <= 0 {
		return fmt.Errorf("agent.max_attempts must be positive")
	}

	for name, server := range c.Servers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("server with empty name")
		}
		if strings.TrimSpace(server.Command) == "" {
			return fmt.Errorf("server %s: command is required", name)
		}
	}
	if c.DefaultServer != "" {
		if _, ok := c.Servers[c.DefaultServer]; !ok {
			return fmt.Errorf("default_server %s is not configured", c.DefaultServer)
		}
	}

	return nil
}
