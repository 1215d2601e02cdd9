package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/mcpilot/internal/observability"
	"github.com/harun/mcpilot/internal/tracing"
	"github.com/harun/mcpilot/pkg/agent"
	"github.com/harun/mcpilot/pkg/retry"
	"github.com/harun/mcpilot/pkg/session"
)

const (
	DefaultMaxRounds      = 10
	DefaultAnswerMaxChars = 2000
	DefaultSystemPrompt   = "You are an assistant that completes requests by calling the available tools. " +
		"Call tools when the request needs them and answer directly when it does not. " +
		"When a tool fails and cannot be fixed, say so briefly. Keep final answers short and summarize tool output instead of repeating it."
)

// ErrMaxRounds is returned when the model keeps proposing tool calls past the round limit.
var ErrMaxRounds = errors.New("maximum tool rounds reached")

// Resolver turns one proposed tool call into a terminal outcome.
type Resolver interface {
	Resolve(ctx context.Context, call agent.ToolCall, sess *session.Session) retry.Resolution
}

// Config configures an Orchestrator
type Config struct {
	Provider       agent.LLMProvider
	Resolver       Resolver
	Model          string
	SystemPrompt   string
	Temperature    float64
	MaxTokens      int
	MaxRounds      int
	HistoryLimit   int // Messages sent to the model per request; 0 sends the whole history
	AnswerMaxChars int
	Logger         zerolog.Logger
}

// Orchestrator drives session turns
type Orchestrator struct {
	provider       agent.LLMProvider
	resolver       Resolver
	model          string
	systemPrompt   string
	temperature    float64
	maxTokens      int
	maxRounds      int
	historyLimit   int
	answerMaxChars int
	logger         zerolog.Logger
}

// New creates an orchestrator
func New(cfg Config) (*Orchestrator, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, fmt.Errorf("model provider is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("tool call resolver is required")
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.AnswerMaxChars <= 0 {
		cfg.AnswerMaxChars = DefaultAnswerMaxChars
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.HistoryLimit < 0 {
		cfg.HistoryLimit = 0
	}

	return &Orchestrator{
		provider:       cfg.Provider,
		resolver:       cfg.Resolver,
		model:          cfg.Model,
		systemPrompt:   cfg.SystemPrompt,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		maxRounds:      cfg.MaxRounds,
		historyLimit:   cfg.HistoryLimit,
		answerMaxChars: cfg.AnswerMaxChars,
		logger:         cfg.Logger,
	}, nil
}

// TurnOption adjusts a single turn
type TurnOption func(*turnOptions)

type turnOptions struct {
	toolHint string
}

// WithToolHint narrows the offered catalog to tools matching hint.
func WithToolHint(hint string) TurnOption {
	return func(o *turnOptions) {
		o.toolHint = hint
	}
}

// TurnResult is what one turn produced
type TurnResult struct {
	Answer      string             `json:"answer"`
	Resolutions []retry.Resolution `json:"resolutions,omitempty"`
	Rounds      int                `json:"rounds"`
	Usage       agent.TokenUsage   `json:"usage"`
}

// Failed reports whether any tool call ended in a terminal failure.
func (r TurnResult) Failed() bool {
	for _, res := range r.Resolutions {
		if !res.Succeeded() {
			return true
		}
	}
	return false
}

// Failures returns one concise line per failed tool call.
func (r TurnResult) Failures() []string {
	var out []string
	for _, res := range r.Resolutions {
		if !res.Succeeded() {
			out = append(out, fmt.Sprintf("%s: %s", res.Call.Name, res.Outcome.Reason))
		}
	}
	return out
}

// Turn runs one user request to a final answer.
func (o *Orchestrator) Turn(ctx context.Context, userText string, sess *session.Session, opts ...TurnOption) (result TurnResult, err error) {
	var options turnOptions
	for _, opt := range opts {
		opt(&options)
	}

	userText = strings.TrimSpace(userText)
	if userText == "" {
		return result, fmt.Errorf("request cannot be empty")
	}

	release, err := sess.Begin()
	if err != nil {
		return result, err
	}
	defer release()

	ctx = tracing.NewTurnContext(ctx, sess.ID())
	ctx, span := tracing.StartSpan(
		ctx,
		"mcpilot.orchestrator",
		"orchestrator.turn",
		attribute.String("session_id", sess.ID()),
		attribute.String("tool_hint", options.toolHint),
	)
	logger := tracing.LoggerFromContext(ctx, o.logger)
	defer func() {
		if calls, held := sess.Unanswered(); calls > 0 {
			logger.Warn().Int("unanswered", calls).Int("held", held).Msg("Turn ended with unanswered tool calls")
		}
		observability.RecordTurn(result.Rounds, err == nil && !result.Failed())
		span.SetAttributes(
			attribute.Int("rounds", result.Rounds),
			attribute.Int("resolutions", len(result.Resolutions)),
		)
		tracing.EndSpan(span, err)
	}()

	sess.Append(agent.Message{Role: agent.RoleUser, Content: userText})
	tools := agent.ToolSpecsFromDefinitions(sess.ToolsFor(options.toolHint))

	logger.Debug().Int("tools", len(tools)).Msg("Turn started")

	for round := 1; round <= o.maxRounds; round++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.Answer = o.interruptedAnswer(result)
			return result, ctxErr
		}

		messages := sess.Window(o.historyLimit)
		logger.Debug().
			Int("round", round).
			Int("messages", len(messages)).
			Int("estimated_tokens", agent.EstimateTokens(messages)).
			Msg("Requesting model round")
		resp, callErr := o.provider.Call(ctx, agent.LLMRequest{
			Model:        o.model,
			Messages:     messages,
			Tools:        tools,
			Temperature:  o.temperature,
			MaxTokens:    o.maxTokens,
			SystemPrompt: o.systemPrompt,
		})
		result.Rounds = round
		if callErr != nil {
			logger.Error().Err(callErr).Int("round", round).Msg("Model call failed")
			result.Answer = o.interruptedAnswer(result)
			return result, fmt.Errorf("model call failed: %w", callErr)
		}
		result.Usage.Add(resp.Usage)

		if !resp.HasToolCalls() {
			content := strings.TrimSpace(resp.Content)
			sess.Append(agent.Message{Role: agent.RoleAssistant, Content: content})
			result.Answer = o.concise(content)
			logger.Debug().Int("rounds", round).Bool("failed", result.Failed()).Msg("Turn completed")
			return result, nil
		}

		calls := agent.EnsureToolCallIDs(resp.ToolCalls)
		origin := sess.NextIndex()
		for i := range calls {
			calls[i].Origin = origin
			if calls[i].Arguments == nil {
				calls[i].Arguments = map[string]interface{}{}
			}
		}
		sess.Append(agent.Message{Role: agent.RoleAssistant, Content: resp.Content, ToolCalls: calls})

		for _, call := range calls {
			if _, known := sess.Tool(call.Name); !known {
				logger.Warn().Str("tool", call.Name).Msg("Model proposed a tool outside the session catalog")
			}
			logger.Info().Int("round", round).Str("call", call.String()).Msg("Resolving tool call")
			result.Resolutions = append(result.Resolutions, o.resolver.Resolve(ctx, call, sess))
		}
	}

	logger.Warn().Int("max_rounds", o.maxRounds).Msg("Turn stopped at round limit")
	result.Answer = o.interruptedAnswer(result)
	return result, ErrMaxRounds
}

// interruptedAnswer summarizes a turn that ended without a model answer.
func (o *Orchestrator) interruptedAnswer(result TurnResult) string {
	succeeded := 0
	for _, res := range result.Resolutions {
		if res.Succeeded() {
			succeeded++
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Stopped before a final answer: %d of %d tool calls succeeded.", succeeded, len(result.Resolutions))
	for _, failure := range result.Failures() {
		b.WriteString(" ")
		b.WriteString(failure)
	}
	return o.concise(b.String())
}

// concise caps text at the configured answer length.
func (o *Orchestrator) concise(text string) string {
	if utf8.RuneCountInString(text) <= o.answerMaxChars {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:o.answerMaxChars-1])) + "…"
}
