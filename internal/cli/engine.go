package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/mcpilot/internal/config"
	"github.com/harun/mcpilot/internal/logger"
	"github.com/harun/mcpilot/internal/observability"
	"github.com/harun/mcpilot/internal/tracing"
	"github.com/harun/mcpilot/pkg/agent"
	"github.com/harun/mcpilot/pkg/classifier"
	"github.com/harun/mcpilot/pkg/orchestrator"
	"github.com/harun/mcpilot/pkg/planner"
	"github.com/harun/mcpilot/pkg/retry"
	"github.com/harun/mcpilot/pkg/session"
	"github.com/harun/mcpilot/pkg/toolexecutor"
)

// Fallback models for profiles that name none.
var defaultModels = map[string]string{
	"openai":    "gpt-4o-mini",
	"":          "gpt-4o-mini",
	"anthropic": "claude-sonnet-4-20250514",
}

// newProvider builds the model backend from the configured profiles.
// Tests replace it with a scripted provider.
var newProvider = func(cfg *config.Config, log zerolog.Logger) (agent.LLMProvider, error) {
	profiles := make([]agent.AuthProfile, 0, len(cfg.AI.Profiles))
	for _, p := range cfg.AI.Profiles {
		model := p.Model
		if model == "" {
			model = defaultModels[p.Provider]
		}
		profiles = append(profiles, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Model:    model,
			Priority: p.Priority,
		})
	}
	return agent.NewFailoverProvider(agent.FailoverConfig{
		Profiles:   profiles,
		MaxRetries: cfg.Agent.LLMMaxRetries,
		Logger:     log.With().Str("component", "model").Logger(),
	})
}

// engine wires the components a chat or ask run needs.
type engine struct {
	cfg          *config.Config
	provider     agent.LLMProvider
	executor     *toolexecutor.ToolExecutor
	registry     *toolexecutor.Registry
	orchestrator *orchestrator.Orchestrator
	planner      *planner.Planner
	transcript   *session.Transcript
	statuses     []toolexecutor.ServerStatus
	logger       zerolog.Logger
}

func newEngine(cfg *config.Config, provider agent.LLMProvider, executor *toolexecutor.ToolExecutor, log zerolog.Logger) (*engine, error) {
	if cfg.Tools.TimeoutSeconds > 0 {
		executor.SetTimeout(cfg.Tools.Timeout())
	}
	if cfg.Tools.MaxOutputBytes > 0 {
		executor.SetMaxOutputBytes(cfg.Tools.MaxOutputBytes)
	}

	vocab := classifier.DefaultVocabulary.With(cfg.Classifier.ExtraIndicators...)

	controller, err := retry.New(retry.Config{
		Provider:    provider,
		Invoker:     executor,
		Classifier:  classifier.New(vocab),
		Model:       cfg.Agent.Model,
		MaxAttempts: cfg.Agent.MaxAttempts,
		Temperature: cfg.Agent.CorrectionTemperature,
		MaxTokens:   cfg.Agent.MaxTokens,
		Logger:      log.With().Str("component", "retry").Logger(),
	})
	if err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Provider:       provider,
		Resolver:       controller,
		Model:          cfg.Agent.Model,
		SystemPrompt:   cfg.Agent.SystemPrompt,
		Temperature:    cfg.Agent.Temperature,
		MaxTokens:      cfg.Agent.MaxTokens,
		MaxRounds:      cfg.Agent.MaxRounds,
		HistoryLimit:   cfg.Agent.HistoryLimit,
		AnswerMaxChars: cfg.Agent.AnswerMaxChars,
		Logger:         log.With().Str("component", "orchestrator").Logger(),
	})
	if err != nil {
		return nil, err
	}

	plan, err := planner.New(planner.Config{
		Provider:  provider,
		Turner:    orch,
		Model:     cfg.Agent.Model,
		MaxTokens: cfg.Agent.MaxTokens,
		MaxTasks:  cfg.Planner.MaxTasks,
		Logger:    log.With().Str("component", "planner").Logger(),
	})
	if err != nil {
		return nil, err
	}

	var transcript *session.Transcript
	if cfg.TranscriptDir != "" {
		transcript, err = session.NewTranscript(cfg.TranscriptDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open transcript directory: %w", err)
		}
	}

	return &engine{
		cfg:          cfg,
		provider:     provider,
		executor:     executor,
		registry:     toolexecutor.NewRegistry(executor, cfg.Tools.RequestTimeout()),
		orchestrator: orch,
		planner:      plan,
		transcript:   transcript,
		logger:       log,
	}, nil
}

// connect starts the enabled servers, or only the named one.
func (e *engine) connect(ctx context.Context, only string) ([]toolexecutor.ServerStatus, error) {
	names, err := e.cfg.EnabledServers(only)
	if err != nil {
		return nil, err
	}
	specs := make([]toolexecutor.ServerSpec, 0, len(names))
	for _, name := range names {
		server := e.cfg.Servers[name]
		specs = append(specs, toolexecutor.ServerSpec{
			ID:          name,
			Command:     server.Command,
			Args:        server.Args,
			Env:         server.Env,
			Description: server.Description,
		})
	}
	e.statuses = e.registry.ConnectAll(ctx, specs)
	return e.statuses, nil
}

// reconnect stops every server and starts them again from the current config.
func (e *engine) reconnect(ctx context.Context, only string) ([]toolexecutor.ServerStatus, error) {
	if err := e.registry.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to stop MCP servers")
	}
	return e.connect(ctx, only)
}

func (e *engine) newSession() *session.Session {
	opts := []session.Option{session.WithLogger(e.logger.With().Str("component", "session").Logger())}
	if e.transcript != nil {
		opts = append(opts, session.WithTranscript(e.transcript))
	}
	return session.New(e.executor.Definitions(), opts...)
}

func (e *engine) close() {
	if err := e.registry.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to stop MCP servers")
	}
}

// bootstrap loads and validates the config and sets up logging, audit and tracing.
// The returned cleanup must run before exit.
func bootstrap() (*config.Config, *logger.Logger, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}
	for _, problem := range config.NewValidator().ValidateConfig(cfg) {
		fmt.Fprintf(os.Stderr, "warning: %v\n", problem)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.jsonl")); err != nil {
		log.Warn().Err(err).Msg("Audit log disabled")
	}
	if cfg.Metrics.Tracing {
		if err := tracing.InitOpenTelemetry(tracing.DefaultServiceName); err != nil {
			log.Warn().Err(err).Msg("Tracing disabled")
		}
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(ctx)
		_ = observability.GetAuditLogger().Close()
		_ = log.Close()
	}
	return cfg, log, cleanup, nil
}

// startEngine is bootstrap plus the model backend and a fresh executor.
func startEngine() (*engine, func(), error) {
	cfg, log, cleanup, err := bootstrap()
	if err != nil {
		return nil, nil, err
	}
	provider, err := newProvider(cfg, log.GetZerolog())
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	eng, err := newEngine(cfg, provider, toolexecutor.New(), log.GetZerolog())
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return eng, func() {
		eng.close()
		cleanup()
	}, nil
}
