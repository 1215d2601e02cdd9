package config

import (
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"strings"
)

var serverNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Validator validates configuration values
type Validator struct {
	lookPath func(string) (string, error)
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{lookPath: exec.LookPath}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	}

	// OpenAI-compatible gateways issue keys in many formats.
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateServerName validates an MCP server name
func (v *Validator) ValidateServerName(name string) error {
	if !serverNamePattern.MatchString(name) {
		return fmt.Errorf("invalid server name %q (letters, digits, '-' and '_' only)", name)
	}
	return nil
}

// ValidateServerCommand checks that the launch command resolves on PATH
func (v *Validator) ValidateServerCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("server command cannot be empty")
	}
	if _, err := v.lookPath(command); err != nil {
		return fmt.Errorf("server command %s not found: %w", command, err)
	}
	return nil
}

// ValidateMetricsAddr validates a host:port listen address
func (v *Validator) ValidateMetricsAddr(addr string) error {
	if addr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid metrics address %q: %w", addr, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation. Problems are collected,
// not returned on the first hit.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, profile := range cfg.AI.Profiles {
		if profile.Provider != "" {
			if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
				errors = append(errors, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
			}
		}
	}

	if err := v.ValidateTemperature(cfg.Agent.Temperature); err != nil {
		errors = append(errors, fmt.Errorf("agent: %w", err))
	}
	if err := v.ValidateTemperature(cfg.Agent.CorrectionTemperature); err != nil {
		errors = append(errors, fmt.Errorf("agent correction: %w", err))
	}
	if cfg.Agent.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.Agent.MaxTokens); err != nil {
			errors = append(errors, fmt.Errorf("agent: %w", err))
		}
	}
	if cfg.Agent.HistoryLimit < 0 {
		errors = append(errors, fmt.Errorf("agent.history_limit must be >= 0"))
	}
	if cfg.Agent.AnswerMaxChars < 0 {
		errors = append(errors, fmt.Errorf("agent.answer_max_chars must be >= 0"))
	}

	for _, name := range cfg.ServerNames() {
		if err := v.ValidateServerName(name); err != nil {
			errors = append(errors, err)
		}
		server := cfg.Servers[name]
		if !server.Enabled {
			continue
		}
		if err := v.ValidateServerCommand(server.Command); err != nil {
			errors = append(errors, fmt.Errorf("server %s: %w", name, err))
		}
	}

	if cfg.Tools.TimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("tools.timeout_seconds must be >= 0"))
	}
	if cfg.Tools.RequestTimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("tools.request_timeout_seconds must be >= 0"))
	}
	if cfg.Tools.MaxOutputBytes < 0 {
		errors = append(errors, fmt.Errorf("tools.max_output_bytes must be >= 0"))
	}
	if cfg.Planner.MaxTasks < 0 {
		errors = append(errors, fmt.Errorf("planner.max_tasks must be >= 0"))
	}

	if err := v.ValidateMetricsAddr(cfg.Metrics.Addr); err != nil {
		errors = append(errors, err)
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
