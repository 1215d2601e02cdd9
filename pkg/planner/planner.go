package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/mcpilot/internal/observability"
	"github.com/harun/mcpilot/internal/tracing"
	"github.com/harun/mcpilot/pkg/agent"
	"github.com/harun/mcpilot/pkg/orchestrator"
	"github.com/harun/mcpilot/pkg/session"
)

const (
	DefaultMaxTasks = 8
	generalHint     = session.GeneralHint
)

const planSystemPrompt = `You split a user request into an ordered list of atomic tasks that can be executed one after another.
Rules:
1. Use as few tasks as the request needs; a simple request is a single task.
2. Each task must be concrete and executable on its own by calling tools.
3. Order tasks so that a task only relies on results of earlier tasks, and say so in its description when it does.
4. Give each task the tool type that fits it best, for example: bash, file, weather, calendar, email, web, database, media, document, or general when no category fits.
5. Answer with raw JSON and no markdown: {"tasks": [{"description": "...", "tool_type": "..."}]}`

var fencePattern = regexp.MustCompile("(?s)```(?:json)?(.*?)```")

// Turner runs one orchestrator turn
type Turner interface {
	Turn(ctx context.Context, userText string, sess *session.Session, opts ...orchestrator.TurnOption) (orchestrator.TurnResult, error)
}

// Config configures a Planner
type Config struct {
	Provider    agent.LLMProvider
	Turner      Turner
	Model       string
	Temperature float64
	MaxTokens   int
	MaxTasks    int
	Logger      zerolog.Logger
}

// Planner decomposes requests and executes the resulting tasks
type Planner struct {
	provider    agent.LLMProvider
	turner      Turner
	model       string
	temperature float64
	maxTokens   int
	maxTasks    int
	logger      zerolog.Logger
}

// New creates a planner instance
func New(cfg Config) (*Planner, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, fmt.Errorf("model provider is required")
	}
	if cfg.Turner == nil {
		return nil, fmt.Errorf("turn runner is required")
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = DefaultMaxTasks
	}

	return &Planner{
		provider:    cfg.Provider,
		turner:      cfg.Turner,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		maxTasks:    cfg.MaxTasks,
		logger:      cfg.Logger,
	}, nil
}

// Plan asks the model for an ordered task list. Output that cannot be
// parsed, or that holds no tasks, degrades to a single task carrying the
// whole request. Only a failed model call is an error.
func (p *Planner) Plan(ctx context.Context, userText string) (tasks []Task, err error) {
	ctx, span := tracing.StartSpan(ctx, "mcpilot.planner", "planner.plan")
	defer func() {
		span.SetAttributes(attribute.Int("tasks", len(tasks)))
		tracing.EndSpan(span, err)
	}()
	logger := tracing.LoggerFromContext(ctx, p.logger)

	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil, &DecompositionError{Err: ErrEmptyRequest}
	}

	resp, err := p.provider.Call(ctx, agent.LLMRequest{
		Model:        p.model,
		SystemPrompt: planSystemPrompt,
		Messages: []agent.Message{{
			Role:    agent.RoleUser,
			Content: "Split this request into executable steps: " + userText,
		}},
		Temperature:  p.temperature,
		MaxTokens:    p.maxTokens,
		JSONResponse: true,
	})
	if err != nil {
		return nil, &DecompositionError{Request: userText, Err: err}
	}

	drafts, parseErr := parsePlan(resp.Content)
	if parseErr != nil {
		logger.Warn().Err(parseErr).Msg("Failed to parse plan, running the request as one task")
	}
	if len(drafts) == 0 {
		drafts = []Task{{Description: userText, ToolHint: generalHint}}
	}
	if len(drafts) > p.maxTasks {
		logger.Warn().Int("planned", len(drafts)).Int("max", p.maxTasks).Msg("Plan exceeds task limit, merging the remaining steps into the last task")
		drafts = mergeOverflow(drafts, p.maxTasks)
	}

	for i := range drafts {
		drafts[i].ID = uuid.NewString()
		drafts[i].Ordinal = i + 1
		drafts[i].Status = TaskStatusPending
	}

	logger.Info().Int("tasks", len(drafts)).Msg("Request planned")
	return drafts, nil
}

// mergeOverflow folds every task past limit into the last kept task so no
// planned step is dropped.
func mergeOverflow(tasks []Task, limit int) []Task {
	kept := append([]Task(nil), tasks[:limit]...)
	last := &kept[limit-1]

	steps := []string{last.Description}
	hint := last.ToolHint
	for _, t := range tasks[limit:] {
		steps = append(steps, t.Description)
		if t.ToolHint != hint {
			hint = generalHint
		}
	}
	last.Description = strings.Join(steps, "; then ")
	last.ToolHint = hint
	return kept
}

type planPayload struct {
	Tasks []struct {
		Description string `json:"description"`
		ToolType    string `json:"tool_type"`
	} `json:"tasks"`
}

// parsePlan extracts tasks from the model reply, tolerating markdown fences.
func parsePlan(content string) ([]Task, error) {
	cleaned := strings.TrimSpace(content)
	if strings.Contains(cleaned, "```") {
		if m := fencePattern.FindStringSubmatch(cleaned); m != nil {
			cleaned = strings.TrimSpace(m[1])
		} else {
			cleaned = strings.TrimSpace(strings.NewReplacer("```json", "", "```", "").Replace(cleaned))
		}
	}

	var payload planPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, fmt.Errorf("invalid plan json: %w", err)
	}

	tasks := make([]Task, 0, len(payload.Tasks))
	for _, t := range payload.Tasks {
		desc := strings.TrimSpace(t.Description)
		if desc == "" {
			continue
		}
		hint := strings.ToLower(strings.TrimSpace(t.ToolType))
		if hint == "" {
			hint = generalHint
		}
		tasks = append(tasks, Task{Description: desc, ToolHint: hint})
	}
	return tasks, nil
}
