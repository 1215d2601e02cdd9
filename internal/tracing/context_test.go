package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestWithTurnID(t *testing.T) {
	ctx := WithTurnID(context.Background(), "turn-1")

	if got := GetTurnID(ctx); got != "turn-1" {
		t.Errorf("Expected turn ID turn-1, got %s", got)
	}
}

func TestWithSessionID(t *testing.T) {
	ctx := WithSessionID(context.Background(), "session-1")

	if got := GetSessionID(ctx); got != "session-1" {
		t.Errorf("Expected session ID session-1, got %s", got)
	}
}

func TestGettersEmpty(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" || GetTurnID(ctx) != "" || GetSessionID(ctx) != "" || GetTaskID(ctx) != "" {
		t.Error("Expected empty tracing values on a bare context")
	}
}

func TestNewContext(t *testing.T) {
	tc := &TraceContext{
		TraceID:   "trace-1",
		TurnID:    "turn-1",
		SessionID: "session-1",
		TaskID:    "task-1",
	}

	ctx := NewContext(context.Background(), tc)
	got := FromContext(ctx)

	if *got != *tc {
		t.Errorf("Expected %+v, got %+v", tc, got)
	}
}

func TestNewContextPartial(t *testing.T) {
	ctx := NewContext(context.Background(), &TraceContext{TraceID: "trace-1"})

	if GetTraceID(ctx) != "trace-1" {
		t.Error("Trace ID not set")
	}
	if GetTurnID(ctx) != "" {
		t.Error("Turn ID should be empty")
	}
}

func TestNewTurnContext(t *testing.T) {
	ctx := NewTurnContext(context.Background(), "session-1")

	if GetTraceID(ctx) == "" {
		t.Error("Trace ID not generated")
	}
	if GetTurnID(ctx) == "" {
		t.Error("Turn ID not generated")
	}
	if GetSessionID(ctx) != "session-1" {
		t.Error("Session ID not set")
	}

	next := NewTurnContext(ctx, "session-1")
	if GetTraceID(next) != GetTraceID(ctx) {
		t.Error("Trace ID should be kept across turns")
	}
	if GetTurnID(next) == GetTurnID(ctx) {
		t.Error("Each turn should get its own turn ID")
	}
}
