package session

import (
	"strings"

	"github.com/harun/mcpilot/pkg/toolexecutor"
)

// GeneralHint is the planner's hint for tasks that may use any tool.
const GeneralHint = "general"

// matchesHint reports whether the hint names the owning server or appears in the tool name.
func matchesHint(def toolexecutor.ToolDefinition, hint string) bool {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" || hint == GeneralHint {
		return false
	}
	if strings.EqualFold(def.Server, hint) {
		return true
	}
	return strings.Contains(strings.ToLower(def.Name), hint)
}
