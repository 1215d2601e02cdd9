package planner

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/mcpilot/internal/observability"
	"github.com/harun/mcpilot/internal/tracing"
	"github.com/harun/mcpilot/pkg/orchestrator"
	"github.com/harun/mcpilot/pkg/session"
)

const (
	notRunCanceled = "not run: request canceled"
	notRunFailFast = "not run: an earlier task failed"
)

// Observer is told when each task starts and finishes.
type Observer interface {
	TaskStarted(task Task)
	TaskFinished(task Task)
}

// ObserverFuncs adapts plain functions to Observer. Nil funcs are skipped.
type ObserverFuncs struct {
	Started  func(Task)
	Finished func(Task)
}

func (o ObserverFuncs) TaskStarted(task Task) {
	if o.Started != nil {
		o.Started(task)
	}
}

func (o ObserverFuncs) TaskFinished(task Task) {
	if o.Finished != nil {
		o.Finished(task)
	}
}

// FailureStrategy defines how to handle task failures
type FailureStrategy string

const (
	FailContinue FailureStrategy = "continue" // Run the remaining tasks
	FailAbort    FailureStrategy = "abort"    // Leave the remaining tasks pending
)

// ExecuteOptions adjusts plan execution
type ExecuteOptions struct {
	FailFast bool
	Observer Observer
}

func (o ExecuteOptions) strategy() FailureStrategy {
	if o.FailFast {
		return FailAbort
	}
	return FailContinue
}

// Execute runs tasks one by one, each as a turn over sess, and reports
// every task in planned order. The input slice is not modified.
func (p *Planner) Execute(ctx context.Context, tasks []Task, sess *session.Session, opts ExecuteOptions) ExecutionSummary {
	start := time.Now()
	strategy := opts.strategy()

	ctx, span := tracing.StartSpan(
		ctx,
		"mcpilot.planner",
		"planner.execute",
		attribute.Int("tasks", len(tasks)),
		attribute.String("failure_strategy", string(strategy)),
	)
	logger := tracing.LoggerFromContext(ctx, p.logger)

	results := make([]Task, len(tasks))
	copy(results, tasks)
	for i := range results {
		results[i].Status = TaskStatusPending
		results[i].Answer = ""
		results[i].Error = ""
	}

	stopReason := ""
	for i := range results {
		task := &results[i]

		if stopReason == "" && ctx.Err() != nil {
			stopReason = notRunCanceled
		}
		if stopReason != "" {
			task.Error = stopReason
			observability.RecordTask(string(task.Status))
			continue
		}

		p.runTask(ctx, task, sess, opts.Observer)

		if task.Status == TaskStatusFailed && strategy == FailAbort {
			logger.Info().Int("ordinal", task.Ordinal).Msg("Stopping plan after failed task")
			stopReason = notRunFailFast
		}
	}

	summary := ExecutionSummary{
		Tasks:    results,
		Success:  len(results) > 0,
		Duration: time.Since(start),
	}
	for _, t := range results {
		if t.Status != TaskStatusSucceeded {
			summary.Success = false
		}
	}

	span.SetAttributes(
		attribute.Bool("success", summary.Success),
		attribute.Int("succeeded", summary.Count(TaskStatusSucceeded)),
	)
	tracing.EndSpan(span, nil)

	logger.Info().
		Int("tasks", len(results)).
		Int("succeeded", summary.Count(TaskStatusSucceeded)).
		Int("failed", summary.Count(TaskStatusFailed)).
		Bool("success", summary.Success).
		Msg("Plan executed")

	return summary
}

// runTask runs one task as an orchestrator turn and records its outcome.
func (p *Planner) runTask(ctx context.Context, task *Task, sess *session.Session, observer Observer) {
	ctx = tracing.PropagateToTask(ctx, task.ID)
	logger := tracing.LoggerFromContext(ctx, p.logger)

	task.Status = TaskStatusRunning
	if observer != nil {
		observer.TaskStarted(*task)
	}
	logger.Info().Int("ordinal", task.Ordinal).Str("tool_type", task.ToolHint).Msg("Task started")

	started := time.Now()
	result, err := p.turner.Turn(ctx, task.Description, sess, orchestrator.WithToolHint(task.ToolHint))
	task.Duration = time.Since(started)
	task.Answer = result.Answer

	switch {
	case err != nil:
		task.Status = TaskStatusFailed
		task.Error = err.Error()
	case result.Failed():
		task.Status = TaskStatusFailed
		task.Error = strings.Join(result.Failures(), "; ")
	default:
		task.Status = TaskStatusSucceeded
	}

	observability.RecordTask(string(task.Status))
	logger.Info().
		Int("ordinal", task.Ordinal).
		Str("status", string(task.Status)).
		Dur("duration", task.Duration).
		Msg("Task finished")

	if observer != nil {
		observer.TaskFinished(*task)
	}
}
