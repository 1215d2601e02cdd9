// Package planner splits a compound request into ordered tasks and runs each
// task as one orchestrator turn over a shared session.
//
// Invariants:
// - Tasks run strictly in planned order, never concurrently.
// - Execute returns exactly one result per planned task, in order.
// - A task is Running only while its turn is in flight.
// - Tasks that never ran stay Pending.
//
// Usage:
//
//	p, _ := planner.New(planner.Config{Provider: provider, Turner: orch})
//	tasks, _ := p.Plan(ctx, "create directory projects and copy the .txt files into it")
//	summary := p.Execute(ctx, tasks, sess, planner.ExecuteOptions{})
//	report, _ := p.Summarize(ctx, request, summary)
package planner
