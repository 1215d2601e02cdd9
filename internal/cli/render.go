package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/harun/mcpilot/pkg/planner"
	"github.com/harun/mcpilot/pkg/retry"
	"github.com/harun/mcpilot/pkg/toolexecutor"
)

var (
	successColor = lipgloss.Color("#10B981") // green
	errorColor   = lipgloss.Color("#EF4444") // red
	warnColor    = lipgloss.Color("#F59E0B") // amber
	mutedColor   = lipgloss.Color("#6B7280") // gray
	accentColor  = lipgloss.Color("#06B6D4") // cyan

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	successStyle = lipgloss.NewStyle().Foreground(successColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
	warnStyle    = lipgloss.NewStyle().Foreground(warnColor)
	answerStyle  = lipgloss.NewStyle().PaddingLeft(2)
)

func statusMark(status planner.TaskStatus) string {
	switch status {
	case planner.TaskStatusSucceeded:
		return successStyle.Render("[✓]")
	case planner.TaskStatusFailed:
		return errorStyle.Render("[✗]")
	case planner.TaskStatusRunning:
		return warnStyle.Render("[…]")
	default:
		return mutedStyle.Render("[ ]")
	}
}

// renderCatalog prints the connected servers and their tools.
func renderCatalog(w io.Writer, statuses []toolexecutor.ServerStatus) {
	connected := 0
	tools := 0
	for _, status := range statuses {
		if status.Connected() {
			connected++
			tools += len(status.Tools)
		}
	}
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Connected %d of %d servers, %d tools available", connected, len(statuses), tools)))

	for _, status := range statuses {
		if !status.Connected() {
			fmt.Fprintf(w, "%s %s: %v\n", errorStyle.Render("✗"), status.ID, status.Err)
			continue
		}
		header := status.ID
		if status.Description != "" {
			header += mutedStyle.Render(" - " + status.Description)
		}
		fmt.Fprintf(w, "%s %s (%d)\n", successStyle.Render("✓"), header, len(status.Tools))
		for _, name := range status.Tools {
			fmt.Fprintf(w, "    - %s\n", name)
		}
	}
}

// renderPlan prints the numbered task list with tool hints.
func renderPlan(w io.Writer, tasks []planner.Task) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Planned %d tasks:", len(tasks))))
	for _, task := range tasks {
		fmt.Fprintf(w, "%d. %s %s\n", task.Ordinal, task.Description, mutedStyle.Render("("+task.ToolHint+")"))
	}
}

// renderChecklist prints every task with its current status.
func renderChecklist(w io.Writer, tasks []planner.Task) {
	for _, task := range tasks {
		line := fmt.Sprintf("%d. %s %s", task.Ordinal, statusMark(task.Status), task.Description)
		if task.Status == planner.TaskStatusFailed && task.Error != "" {
			line += errorStyle.Render(" - " + task.Error)
		}
		fmt.Fprintln(w, line)
	}
}

// renderResolutions prints one trace line per resolved tool call.
func renderResolutions(w io.Writer, resolutions []retry.Resolution) {
	for _, res := range resolutions {
		call := res.Call.String()
		if final := res.Final; final.Name != "" {
			call = final.String()
		}
		switch res.Result {
		case retry.ResultFirstTry:
			fmt.Fprintf(w, "  %s %s\n", successStyle.Render("tool"), call)
		case retry.ResultRecovered:
			fmt.Fprintf(w, "  %s %s %s\n", successStyle.Render("tool"), call,
				warnStyle.Render(fmt.Sprintf("(corrected after %d attempts)", len(res.Attempts))))
		default:
			fmt.Fprintf(w, "  %s %s: %s\n", errorStyle.Render("tool"), call, res.Outcome.Reason)
		}
	}
}

func renderAnswer(w io.Writer, answer string) {
	if strings.TrimSpace(answer) == "" {
		return
	}
	fmt.Fprintln(w, answerStyle.Render(answer))
}
