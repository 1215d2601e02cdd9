// Package orchestrator runs conversation turns: it asks the model, resolves
// the tool calls it proposes, and returns a concise final answer.
//
// Invariants:
// - One turn at a time per session; history only grows.
// - Tool calls of one round resolve sequentially in the order proposed.
// - A turn stops at MaxRounds model calls with ErrMaxRounds.
// - A plain-text model reply ends the turn without touching the retry controller.
//
// Usage:
//
//	orch, _ := orchestrator.New(orchestrator.Config{Provider: provider, Resolver: ctrl})
//	result, err := orch.Turn(ctx, "list the files in /tmp", sess)
//	if err != nil {
//		return err
//	}
//	fmt.Println(result.Answer)
package orchestrator
