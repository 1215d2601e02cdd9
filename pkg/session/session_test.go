package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/mcpilot/pkg/agent"
	"github.com/harun/mcpilot/pkg/toolexecutor"
)

func testCatalog() []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{
		{Name: "list_directory", Description: "List", Server: "filesystem"},
		{Name: "create_file", Description: "Create", Server: "filesystem"},
		{Name: "get_forecast", Description: "Forecast", Server: "weather"},
	}
}

func user(text string) agent.Message {
	return agent.Message{Role: agent.RoleUser, Content: text}
}

func TestNew(t *testing.T) {
	catalog := testCatalog()
	sess := New(catalog)
	defer sess.Close()

	assert.NotEmpty(t, sess.ID())
	assert.False(t, sess.CreatedAt().IsZero())

	got := sess.Catalog()
	require.Len(t, got, 3)
	assert.Equal(t, "create_file", got[0].Name)
	assert.Equal(t, "get_forecast", got[2].Name)

	// Mutating the caller's slice does not leak into the snapshot.
	catalog[0].Name = "changed"
	_, ok := sess.Tool("list_directory")
	assert.True(t, ok)

	other := New(nil, WithID("fixed"))
	defer other.Close()
	assert.Equal(t, "fixed", other.ID())
	assert.NotEqual(t, sess.ID(), New(nil).ID())
}

func TestToolsFor(t *testing.T) {
	sess := New(testCatalog())
	defer sess.Close()

	tests := []struct {
		hint string
		want []string
	}{
		{"", []string{"create_file", "list_directory", "get_forecast"}},
		{"general", []string{"create_file", "list_directory", "get_forecast"}},
		{"weather", []string{"get_forecast"}},
		{"FileSystem", []string{"create_file", "list_directory"}},
		{"directory", []string{"list_directory"}},
		{"database", []string{"create_file", "list_directory", "get_forecast"}},
	}

	for _, tt := range tests {
		t.Run(tt.hint, func(t *testing.T) {
			var names []string
			for _, def := range sess.ToolsFor(tt.hint) {
				names = append(names, def.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestBegin(t *testing.T) {
	sess := New(nil)
	defer sess.Close()

	release, err := sess.Begin()
	require.NoError(t, err)
	assert.True(t, sess.Busy())

	_, err = sess.Begin()
	assert.ErrorIs(t, err, ErrBusy)

	release()
	release()
	assert.False(t, sess.Busy())

	release, err = sess.Begin()
	require.NoError(t, err)
	release()
}

func TestBegin_Concurrent(t *testing.T) {
	sess := New(nil)
	defer sess.Close()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
	)
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := sess.Begin(); err == nil {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, acquired)
}

func TestAppend(t *testing.T) {
	sess := New(nil)
	defer sess.Close()

	first := sess.Append(user("one"))
	assert.Equal(t, 0, first)

	first = sess.Append(
		agent.Message{Role: agent.RoleAssistant, Content: "two"},
		user("three"),
	)
	assert.Equal(t, 1, first)
	assert.Equal(t, 3, sess.Len())

	history := sess.History()
	require.Len(t, history, 3)
	assert.Equal(t, "one", history[0].Content)
	assert.Equal(t, "three", history[2].Content)
	assert.False(t, history[0].CreatedAt.IsZero())

	// The returned copy is detached from the session.
	history[0].Content = "mutated"
	assert.Equal(t, "one", sess.History()[0].Content)
}

func proposal(ids ...string) agent.Message {
	calls := make([]agent.ToolCall, 0, len(ids))
	for _, id := range ids {
		calls = append(calls, agent.ToolCall{ID: id, Name: "create_file"})
	}
	return agent.Message{Role: agent.RoleAssistant, ToolCalls: calls}
}

func result(id string) agent.Message {
	return agent.Message{Role: agent.RoleTool, ToolCallID: id, Content: "result " + id}
}

func TestAppend_HoldsMessagesUntilCallsAreAnswered(t *testing.T) {
	sess := New(nil)
	defer sess.Close()

	sess.Append(user("create two files"))
	assert.Equal(t, 1, sess.Append(proposal("a", "b")))
	assert.Equal(t, 2, sess.Append(result("a")))

	// A correction for a arrives while b is still open.
	assert.Equal(t, 4, sess.NextIndex())
	assert.Equal(t, 4, sess.Append(proposal("a2")))
	assert.Equal(t, 5, sess.Append(result("a2")))
	assert.Equal(t, 3, sess.Len())
	calls, held := sess.Unanswered()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, held)

	assert.Equal(t, 3, sess.Append(result("b")))
	calls, held = sess.Unanswered()
	assert.Zero(t, calls)
	assert.Zero(t, held)

	var shape []string
	for _, msg := range sess.History() {
		switch msg.Role {
		case agent.RoleAssistant:
			ids := ""
			for _, call := range msg.ToolCalls {
				ids += call.ID
			}
			shape = append(shape, "assistant:"+ids)
		case agent.RoleTool:
			shape = append(shape, "tool:"+msg.ToolCallID)
		default:
			shape = append(shape, string(msg.Role))
		}
	}
	assert.Equal(t, []string{"user", "assistant:ab", "tool:a", "tool:b", "assistant:a2", "tool:a2"}, shape)
}

func TestAppend_NestedCorrectionsKeepOrder(t *testing.T) {
	sess := New(nil)
	defer sess.Close()

	sess.Append(proposal("a", "b"))
	sess.Append(result("a"), proposal("a2"), result("a2"), proposal("a3"), result("a3"))
	sess.Append(result("b"), proposal("b2"), result("b2"))

	var ids []string
	for _, msg := range sess.History() {
		if msg.Role == agent.RoleTool {
			ids = append(ids, msg.ToolCallID)
		}
	}
	assert.Equal(t, []string{"a", "b", "a2", "a3", "b2"}, ids)
	calls, held := sess.Unanswered()
	assert.Zero(t, calls)
	assert.Zero(t, held)
}

func TestRecent(t *testing.T) {
	sess := New(nil)
	defer sess.Close()
	sess.Append(user("a"), user("b"), user("c"))

	assert.Len(t, sess.Recent(0), 3)
	assert.Len(t, sess.Recent(10), 3)
	recent := sess.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].Content)
}

func TestWindow(t *testing.T) {
	toolRound := func(id string) []agent.Message {
		return []agent.Message{
			{Role: agent.RoleAssistant, ToolCalls: []agent.ToolCall{{ID: id, Name: "list_directory"}}},
			{Role: agent.RoleTool, ToolCallID: id, Content: "ok"},
		}
	}

	history := []agent.Message{user("first")}
	history = append(history, toolRound("1")...)
	history = append(history, agent.Message{Role: agent.RoleAssistant, Content: "done"})
	history = append(history, user("second"))
	history = append(history, toolRound("2")...)

	t.Run("no limit keeps everything", func(t *testing.T) {
		assert.Len(t, window(history, 0), len(history))
	})

	t.Run("limit larger than history", func(t *testing.T) {
		assert.Len(t, window(history, 100), len(history))
	})

	t.Run("cut moves forward to a user message", func(t *testing.T) {
		got := window(history, 4)
		require.Len(t, got, 3)
		assert.Equal(t, agent.RoleUser, got[0].Role)
		assert.Equal(t, "second", got[0].Content)
	})

	t.Run("latest user message is always kept", func(t *testing.T) {
		got := window(history, 1)
		require.NotEmpty(t, got)
		assert.Equal(t, "second", got[0].Content)
	})

	t.Run("session window matches", func(t *testing.T) {
		sess := New(nil)
		defer sess.Close()
		sess.Append(history...)
		got := sess.Window(4)
		want := window(history, 4)
		require.Len(t, got, len(want))
		for i := range want {
			assert.Equal(t, want[i].Role, got[i].Role)
			assert.Equal(t, want[i].Content, got[i].Content)
		}
		assert.Equal(t, len(history), sess.Len())
	})
}
