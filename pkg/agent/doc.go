// Package agent talks to model backends on behalf of the orchestrator.
//
// Invariants:
// - Every backend is reached through LLMProvider; callers never see SDK types.
// - ToolChoiceRequired forces the model to answer with at least one tool call.
// - Failed auth profiles cool down and the next profile by priority is tried.
//
// Usage:
//
//	provider, _ := agent.NewFailoverProvider(agent.FailoverConfig{
//		Profiles: []agent.AuthProfile{{ID: "default", Provider: "openai", APIKey: key, Model: "gpt-4o-mini"}},
//	})
//	resp, _ := provider.Call(ctx, agent.LLMRequest{Messages: history, Tools: specs})
//	_ = resp
package agent
