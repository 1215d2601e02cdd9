package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/mcpilot/internal/observability"
	"github.com/harun/mcpilot/internal/tracing"
	"github.com/harun/mcpilot/pkg/agent"
	"github.com/harun/mcpilot/pkg/classifier"
	"github.com/harun/mcpilot/pkg/session"
	"github.com/harun/mcpilot/pkg/toolexecutor"
)

const (
	DefaultMaxAttempts           = 3
	DefaultCorrectionTemperature = 0.2
	DefaultContextMessages       = 6
	reasonMaxChars               = 160
)

// Invoker runs one tool call.
type Invoker interface {
	Invoke(ctx context.Context, name string, params map[string]interface{}) toolexecutor.RawOutcome
}

// Config configures a Controller
type Config struct {
	Provider        agent.LLMProvider
	Invoker         Invoker
	Classifier      *classifier.Classifier
	Model           string // Empty uses the provider's default
	MaxAttempts     int
	Temperature     float64 // Used for corrective analysis requests
	MaxTokens       int
	ContextMessages int // Recent session messages shown to the analysis request
	Logger          zerolog.Logger
}

// Controller drives the invoke, classify, analyze, correct cycle.
type Controller struct {
	provider        agent.LLMProvider
	invoker         Invoker
	classifier      *classifier.Classifier
	model           string
	maxAttempts     int
	temperature     float64
	maxTokens       int
	contextMessages int
	logger          zerolog.Logger
}

// New creates a retry controller
func New(cfg Config) (*Controller, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, fmt.Errorf("model provider is required")
	}
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("tool invoker is required")
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classifier.New(classifier.DefaultVocabulary)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultCorrectionTemperature
	}
	if cfg.ContextMessages <= 0 {
		cfg.ContextMessages = DefaultContextMessages
	}

	return &Controller{
		provider:        cfg.Provider,
		invoker:         cfg.Invoker,
		classifier:      cfg.Classifier,
		model:           cfg.Model,
		maxAttempts:     cfg.MaxAttempts,
		temperature:     cfg.Temperature,
		maxTokens:       cfg.MaxTokens,
		contextMessages: cfg.ContextMessages,
		logger:          cfg.Logger,
	}, nil
}

// MaxAttempts returns the attempt bound
func (c *Controller) MaxAttempts() int {
	return c.maxAttempts
}

// Resolve invokes call and, on failure, asks the model for corrected calls
// until one succeeds or the attempt bound is reached. The caller must hold
// the session's turn.
func (c *Controller) Resolve(ctx context.Context, call agent.ToolCall, sess *session.Session) Resolution {
	ctx, span := tracing.StartSpan(
		ctx,
		"mcpilot.retry",
		"retry.resolve",
		attribute.String("tool", call.Name),
		attribute.String("call_id", call.ID),
		attribute.Int("max_attempts", c.maxAttempts),
	)
	logger := tracing.LoggerFromContext(ctx, c.logger).With().Str("tool", call.Name).Str("call_id", call.ID).Logger()

	res := Resolution{Call: call, Final: call}
	defer func() {
		observability.RecordResolution(string(res.Result), len(res.Attempts))
		span.SetAttributes(
			attribute.String("result", string(res.Result)),
			attribute.Int("attempts", len(res.Attempts)),
		)
		tracing.EndSpan(span, res.Err)
	}()

	if err := ctx.Err(); err != nil {
		// The call already sits in an assistant message; answer it so the
		// transcript stays well formed.
		res.Outcome = classifier.Failure(classifier.KindCanceled, "canceled before invocation")
		res.Result = ResultCanceled
		res.Err = err
		c.appendOutcome(sess, call, res.Outcome, "")
		return res
	}

	current := call
	for n := 1; n <= c.maxAttempts; n++ {
		if n > 1 {
			if err := ctx.Err(); err != nil {
				logger.Info().Int("attempt", n).Msg("Resolution canceled between attempts")
				res.Result = ResultCanceled
				res.Err = err
				res.Outcome = canceledOutcome(res.Outcome)
				return res
			}
		}

		var attempt Attempt
		if n == 1 {
			attempt = c.invoke(ctx, n, call, nil, sess)
		} else {
			attempt = c.correct(ctx, n, call, current, res.Attempts, sess)
		}
		res.Attempts = append(res.Attempts, attempt)
		res.Outcome = attempt.Outcome
		if attempt.Invoked {
			current = attempt.Call()
			res.Final = current
		}

		if attempt.Outcome.Succeeded() {
			res.Result = ResultFirstTry
			if n > 1 {
				res.Result = ResultRecovered
			}
			logger.Debug().Int("attempt", n).Str("result", string(res.Result)).Msg("Tool call resolved")
			return res
		}

		logger.Info().
			Int("attempt", n).
			Str("kind", string(attempt.Outcome.Kind)).
			Str("reason", shorten(attempt.Outcome.Reason, reasonMaxChars)).
			Msg("Tool call attempt failed")

		if ctx.Err() != nil && !attempt.Invoked {
			res.Result = ResultCanceled
			res.Err = ctx.Err()
			res.Outcome = canceledOutcome(res.Outcome)
			return res
		}
	}

	exhausted := &ExhaustedError{Tool: call.Name}
	for _, a := range res.Attempts {
		exhausted.Reasons = append(exhausted.Reasons, shorten(a.Outcome.Reason, reasonMaxChars))
	}
	res.Result = ResultExhausted
	res.Err = exhausted
	res.Outcome = classifier.Failure(classifier.KindExhausted, exhausted.Error())
	logger.Warn().Int("attempts", len(res.Attempts)).Msg("Tool call exhausted all attempts")
	return res
}

// invoke runs one call on a context detached from cancellation and records it.
func (c *Controller) invoke(ctx context.Context, n int, prior agent.ToolCall, corrected *agent.ToolCall, sess *session.Session) Attempt {
	attempt := Attempt{Number: n, Prior: prior, Corrected: corrected, Invoked: true}
	call := attempt.Call()

	ctx, span := tracing.StartSpan(
		ctx,
		"mcpilot.retry",
		"retry.invoke",
		attribute.String("tool", call.Name),
		attribute.Int("attempt", n),
	)

	raw := c.invoker.Invoke(context.WithoutCancel(ctx), call.Name, call.Arguments)
	attempt.Duration = raw.Duration
	attempt.Outcome = c.classifier.Classify(raw.Payload, raw.Err())

	observability.RecordToolInvocation(call.Name, raw.Duration, string(attempt.Outcome.Status))
	if !attempt.Outcome.Succeeded() {
		observability.RecordClassifiedFailure(string(attempt.Outcome.Kind))
	}
	observability.RecordInvocationAudit(ctx, call.Name, sess.ID(), string(attempt.Outcome.Status), map[string]interface{}{
		"attempt":   n,
		"call_id":   call.ID,
		"kind":      string(attempt.Outcome.Kind),
		"truncated": raw.Truncated,
	})

	var spanErr error
	if !attempt.Outcome.Succeeded() {
		spanErr = errors.New(attempt.Outcome.Reason)
	}
	tracing.EndSpan(span, spanErr)

	c.appendOutcome(sess, call, attempt.Outcome, raw.Payload)
	return attempt
}

// correct asks the model for a corrected call and invokes it.
func (c *Controller) correct(ctx context.Context, n int, original, prior agent.ToolCall, history []Attempt, sess *session.Session) Attempt {
	start := time.Now()
	analysis, corrected, err := c.analyze(ctx, original, history, sess)
	if err != nil {
		reason := fmt.Sprintf("analysis failed: %v", err)
		if ctx.Err() != nil {
			reason = "analysis interrupted"
		}
		c.logger.Warn().Err(err).Int("attempt", n).Str("tool", original.Name).Msg("Failed to obtain corrected tool call")
		return Attempt{
			Number:   n,
			Prior:    prior,
			Analysis: analysis,
			Outcome:  classifier.Failure(classifier.KindBusiness, reason),
			Duration: time.Since(start),
		}
	}

	corrected.Origin = sess.NextIndex()
	sess.Append(agent.Message{
		Role:      agent.RoleAssistant,
		Content:   analysis,
		ToolCalls: []agent.ToolCall{corrected},
		Metadata:  map[string]interface{}{"retry_attempt": n, "retry_of": original.ID},
	})

	c.logger.Info().
		Int("attempt", n).
		Str("corrected", corrected.String()).
		Msg("Retrying with corrected tool call")

	attempt := c.invoke(ctx, n, prior, &corrected, sess)
	attempt.Analysis = analysis
	return attempt
}

func (c *Controller) appendOutcome(sess *session.Session, call agent.ToolCall, outcome classifier.Outcome, payload string) {
	content := payload
	if !outcome.Succeeded() {
		content = failureContent(outcome, payload)
	}
	sess.Append(agent.Message{
		Role:       agent.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		Status:     outcome.Status,
		Metadata:   map[string]interface{}{"tool": call.Name},
	})
}

// failureContent is what the model sees for a failed call.
func failureContent(outcome classifier.Outcome, payload string) string {
	if payload != "" && outcome.Kind == classifier.KindBusiness && outcome.Indicator != "" {
		return payload
	}
	if payload != "" {
		return fmt.Sprintf("Error: %s\n%s", outcome.Reason, payload)
	}
	return "Error: " + outcome.Reason
}

func canceledOutcome(last classifier.Outcome) classifier.Outcome {
	reason := "canceled"
	if last.Reason != "" {
		reason = "canceled after: " + shorten(last.Reason, reasonMaxChars)
	}
	return classifier.Failure(classifier.KindCanceled, reason)
}
