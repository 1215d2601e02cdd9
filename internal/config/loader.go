package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appDirName     = ".mcpilot"
	configFileName = "config.json"

	// EnvProfileID names the profile synthesized from OPENAI_API_KEY.
	EnvProfileID = "env"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
	getenv     func(string) string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		getenv:     os.Getenv,
	}
}

// Load loads the configuration from file. A missing file yields the defaults,
// still completed from the environment.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to get home directory")
	}

	// Setup viper
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	// Read environment variables
	v.SetEnvPrefix("MCPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	// Unmarshal into config struct
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Servers == nil {
		cfg.Servers = map[string]ServerConfig{}
	}

	l.applyEnvProfile(cfg)

	// Set data directory if not specified
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, appDirName)
	}

	// Set logging file path if not specified
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "mcpilot.log")
	}

	return cfg, nil
}

// bindEnvKeys makes AutomaticEnv see nested keys that have no file value.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"agent.model",
		"agent.system_prompt",
		"agent.temperature",
		"agent.max_rounds",
		"agent.max_attempts",
		"agent.history_limit",
		"default_server",
		"logging.level",
		"logging.file",
		"metrics.addr",
		"data_dir",
		"transcript_dir",
	} {
		_ = v.BindEnv(key)
	}
}

// applyEnvProfile synthesizes an OpenAI-compatible profile from OPENAI_API_KEY,
// BASE_URL and MODEL when the file configures no profile.
func (l *Loader) applyEnvProfile(cfg *Config) {
	if len(cfg.AI.Profiles) > 0 {
		return
	}
	apiKey := strings.TrimSpace(l.getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return
	}
	model := strings.TrimSpace(l.getenv("MODEL"))
	cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{
		ID:       EnvProfileID,
		Provider: "openai",
		APIKey:   apiKey,
		BaseURL:  strings.TrimSpace(l.getenv("BASE_URL")),
		Model:    model,
	})
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to get home directory")
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Setup viper
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	// The synthesized profile comes from the environment and is never persisted.
	profiles := make([]AIProfile, 0, len(cfg.AI.Profiles))
	for _, profile := range cfg.AI.Profiles {
		if profile.ID != EnvProfileID {
			profiles = append(profiles, profile)
		}
	}

	v.Set("ai", AIConfig{Profiles: profiles})
	v.Set("agent", cfg.Agent)
	v.Set("servers", cfg.Servers)
	v.Set("default_server", cfg.DefaultServer)
	v.Set("tools", cfg.Tools)
	v.Set("planner", cfg.Planner)
	v.Set("classifier", cfg.Classifier)
	v.Set("logging", cfg.Logging)
	v.Set("metrics", cfg.Metrics)
	v.Set("data_dir", cfg.DataDir)
	v.Set("transcript_dir", cfg.TranscriptDir)

	// Write config file
	if err := v.WriteConfig(); err != nil {
		// If file doesn't exist, create it
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, appDirName, configFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
