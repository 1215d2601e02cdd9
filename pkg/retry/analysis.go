package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/mcpilot/internal/tracing"
	"github.com/harun/mcpilot/pkg/agent"
	"github.com/harun/mcpilot/pkg/session"
)

const analysisSystemPrompt = `You repair failed tool calls.
Find the root cause of the failure from the error and the conversation, then call a tool again with corrected arguments.
Change what caused the failure (for example pick a different file name when one already exists, fix a path, or use another tool).
Start your reply with one short sentence naming the root cause. Always answer with a tool call.`

const contextMessageMaxChars = 400

// errNoCorrection is returned when the model answered without a tool call.
var errNoCorrection = errors.New("model proposed no corrected tool call")

// analyze asks the model for the root cause of the latest failure and a corrected call.
func (c *Controller) analyze(ctx context.Context, original agent.ToolCall, history []Attempt, sess *session.Session) (string, agent.ToolCall, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"mcpilot.retry",
		"retry.analyze",
		attribute.String("tool", original.Name),
		attribute.Int("attempt", len(history)+1),
	)

	request := agent.LLMRequest{
		Model:        c.model,
		SystemPrompt: analysisSystemPrompt,
		Messages: []agent.Message{{
			Role:    agent.RoleUser,
			Content: buildAnalysisPrompt(original, history, sess.Recent(c.contextMessages+len(history)*2)),
		}},
		Tools:       agent.ToolSpecsFromDefinitions(sess.Catalog()),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		ToolChoice:  agent.ToolChoiceRequired,
	}

	resp, err := c.provider.Call(ctx, request)
	if err != nil {
		tracing.EndSpan(span, err)
		return "", agent.ToolCall{}, err
	}
	if !resp.HasToolCalls() {
		tracing.EndSpan(span, errNoCorrection)
		return strings.TrimSpace(resp.Content), agent.ToolCall{}, errNoCorrection
	}

	corrected := agent.EnsureToolCallIDs(resp.ToolCalls[:1])[0]
	if corrected.Arguments == nil {
		corrected.Arguments = map[string]interface{}{}
	}
	tracing.EndSpan(span, nil)
	return strings.TrimSpace(resp.Content), corrected, nil
}

// buildAnalysisPrompt renders the failure history and recent conversation as one request.
func buildAnalysisPrompt(original agent.ToolCall, history []Attempt, recent []agent.Message) string {
	var b strings.Builder

	if len(recent) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, msg := range recent {
			fmt.Fprintf(&b, "- %s: %s\n", msg.Role, renderContextMessage(msg))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Original call: %s\n", original.String())
	fmt.Fprintf(&b, "Tool: %s\n", original.Name)
	fmt.Fprintf(&b, "Arguments: %s\n\n", agent.FormatArguments(original.Arguments))

	b.WriteString("Failed attempts:\n")
	for _, a := range history {
		call := a.Call()
		if a.Invoked {
			fmt.Fprintf(&b, "%d. %s\n   failure: %s\n", a.Number, call.String(), a.Outcome.Reason)
		} else {
			fmt.Fprintf(&b, "%d. no call was made\n   failure: %s\n", a.Number, a.Outcome.Reason)
		}
		if a.Analysis != "" {
			fmt.Fprintf(&b, "   analysis: %s\n", a.Analysis)
		}
	}

	b.WriteString("\nPropose one corrected tool call that avoids these failures.")
	return b.String()
}

func renderContextMessage(msg agent.Message) string {
	text := msg.Content
	if len(msg.ToolCalls) > 0 {
		calls := make([]string, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			calls = append(calls, tc.String())
		}
		if text != "" {
			text += " "
		}
		text += "[calls " + strings.Join(calls, ", ") + "]"
	}
	if msg.Status != "" {
		text = "(" + string(msg.Status) + ") " + text
	}
	return shorten(strings.Join(strings.Fields(text), " "), contextMessageMaxChars)
}

// shorten cuts s to at most max runes, marking the cut with an ellipsis.
func shorten(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}
