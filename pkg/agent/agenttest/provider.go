// Package agenttest provides a scripted model backend for tests.
package agenttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/mcpilot/pkg/agent"
)

// Step is one scripted model reply. Exactly one of Response or Err is used.
type Step struct {
	Response *agent.LLMResponse
	Err      error
}

// Text scripts a plain answer.
func Text(content string) Step {
	return Step{Response: &agent.LLMResponse{Content: content, Usage: &agent.TokenUsage{InputTokens: 10, OutputTokens: 5}}}
}

// Call scripts a single proposed tool call.
func Call(id, name string, args map[string]interface{}) Step {
	return Calls(agent.ToolCall{ID: id, Name: name, Arguments: args})
}

// Calls scripts several proposed tool calls in one reply.
func Calls(calls ...agent.ToolCall) Step {
	return Step{Response: &agent.LLMResponse{ToolCalls: calls, Usage: &agent.TokenUsage{InputTokens: 10, OutputTokens: 5}}}
}

// Fail scripts a backend error.
func Fail(err error) Step {
	return Step{Err: err}
}

// Provider replays scripted steps in order and records every request.
type Provider struct {
	mu       sync.Mutex
	steps    []Step
	requests []agent.LLMRequest
}

// NewProvider creates a provider that answers with steps in order.
func NewProvider(steps ...Step) *Provider {
	return &Provider{steps: steps}
}

// Provider returns the provider name
func (p *Provider) Provider() string {
	return "scripted"
}

// Call returns the next scripted step. Running out of steps is an error.
func (p *Provider) Call(ctx context.Context, request agent.LLMRequest) (*agent.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := request
	snapshot.Messages = append([]agent.Message(nil), request.Messages...)
	p.requests = append(p.requests, snapshot)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(p.steps) == 0 {
		return nil, fmt.Errorf("scripted provider exhausted after %d calls", len(p.requests))
	}

	step := p.steps[0]
	p.steps = p.steps[1:]
	if step.Err != nil {
		return nil, step.Err
	}

	resp := *step.Response
	resp.ToolCalls = append([]agent.ToolCall(nil), step.Response.ToolCalls...)
	return &resp, nil
}

// Requests returns every request received so far.
func (p *Provider) Requests() []agent.LLMRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]agent.LLMRequest(nil), p.requests...)
}

// Remaining returns the number of unused steps.
func (p *Provider) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.steps)
}
