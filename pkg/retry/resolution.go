package retry

import (
	"fmt"
	"strings"
	"time"

	"github.com/harun/mcpilot/pkg/agent"
	"github.com/harun/mcpilot/pkg/classifier"
)

// Attempt records one step of a resolution.
type Attempt struct {
	Number    int                `json:"number"`
	Prior     agent.ToolCall     `json:"prior"`               // Call that was invoked or analyzed before this attempt
	Analysis  string             `json:"analysis,omitempty"`  // Root-cause text from the model
	Corrected *agent.ToolCall    `json:"corrected,omitempty"` // nil on attempt 1 and when analysis yields no call
	Outcome   classifier.Outcome `json:"outcome"`
	Invoked   bool               `json:"invoked"`
	Duration  time.Duration      `json:"duration"`
}

// Call returns the call this attempt invoked.
func (a Attempt) Call() agent.ToolCall {
	if a.Corrected != nil {
		return *a.Corrected
	}
	return a.Prior
}

// Result labels how a resolution ended.
type Result string

const (
	ResultFirstTry  Result = "first_try"
	ResultRecovered Result = "recovered"
	ResultExhausted Result = "exhausted"
	ResultCanceled  Result = "canceled"
)

// Resolution is the terminal result of resolving one tool call.
type Resolution struct {
	Call     agent.ToolCall     `json:"call"`
	Final    agent.ToolCall     `json:"final"` // Last call actually invoked
	Attempts []Attempt          `json:"attempts"`
	Outcome  classifier.Outcome `json:"outcome"`
	Result   Result             `json:"result"`
	Err      error              `json:"-"` // *ExhaustedError or a context error
}

// Succeeded reports whether the call ended in success.
func (r Resolution) Succeeded() bool {
	return r.Outcome.Succeeded()
}

// Invocations counts attempts that reached the tool.
func (r Resolution) Invocations() int {
	n := 0
	for _, a := range r.Attempts {
		if a.Invoked {
			n++
		}
	}
	return n
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Tool    string
	Reasons []string // One per attempt, in order
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %s", e.Tool, len(e.Reasons), e.Explain())
}

// Explain joins every attempt's reason into one short sentence.
func (e *ExhaustedError) Explain() string {
	parts := make([]string, 0, len(e.Reasons))
	for i, reason := range e.Reasons {
		parts = append(parts, fmt.Sprintf("(%d) %s", i+1, reason))
	}
	return strings.Join(parts, "; ")
}
