package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/mcpilot/internal/tracing"
	"github.com/harun/mcpilot/pkg/agent"
)

const summarySystemPrompt = "You report the results of executed tasks. Be brief and complete: say what was done, what came out of it, and what failed. Write in the first person as the assistant that did the work."

// Summarize asks the model for a short first-person report of the run. On
// model failure the deterministic rendering is returned along with the error.
func (p *Planner) Summarize(ctx context.Context, userText string, summary ExecutionSummary) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "mcpilot.planner", "planner.summarize")

	resp, err := p.provider.Call(ctx, agent.LLMRequest{
		Model:        p.model,
		SystemPrompt: summarySystemPrompt,
		Messages: []agent.Message{{
			Role:    agent.RoleUser,
			Content: summaryPrompt(userText, summary),
		}},
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
		ToolChoice:  agent.ToolChoiceNone,
	})
	if err == nil && strings.TrimSpace(resp.Content) == "" {
		err = fmt.Errorf("model returned an empty summary")
	}
	tracing.EndSpan(span, err)

	if err != nil {
		logger := tracing.LoggerFromContext(ctx, p.logger)
		logger.Warn().Err(err).Msg("Falling back to plain summary")
		return RenderSummary(userText, summary), err
	}
	return strings.TrimSpace(resp.Content), nil
}

func summaryPrompt(userText string, summary ExecutionSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original request: %s\n\nTasks:\n", userText)
	for _, t := range summary.Tasks {
		fmt.Fprintf(&b, "%d. %s (tool type: %s)\n", t.Ordinal, t.Description, t.ToolHint)
	}
	b.WriteString("\nResults:\n")
	for _, t := range summary.Tasks {
		fmt.Fprintf(&b, "Task %d [%s]: %s\n", t.Ordinal, t.Status, taskOutcome(t))
	}
	b.WriteString("\nSummarize for the user what was done, what it achieved, and any next steps.")
	return b.String()
}

// RenderSummary is a plain, deterministic report of a run.
func RenderSummary(userText string, summary ExecutionSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n", userText)
	for _, t := range summary.Tasks {
		fmt.Fprintf(&b, "%d. [%s] %s", t.Ordinal, t.Status, t.Description)
		if outcome := taskOutcome(t); outcome != "" {
			fmt.Fprintf(&b, ": %s", outcome)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%d of %d tasks succeeded.", summary.Count(TaskStatusSucceeded), len(summary.Tasks))
	return b.String()
}

func taskOutcome(t Task) string {
	if t.Status == TaskStatusSucceeded {
		return t.Answer
	}
	if t.Error != "" {
		return t.Error
	}
	return t.Answer
}
