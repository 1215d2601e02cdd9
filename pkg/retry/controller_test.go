package retry

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/harun/mcpilot/pkg/agent"
	"github.com/harun/mcpilot/pkg/agent/agenttest"
	"github.com/harun/mcpilot/pkg/classifier"
	"github.com/harun/mcpilot/pkg/session"
	"github.com/harun/mcpilot/pkg/toolexecutor"
)

type mockInvoker struct {
	mock.Mock
}

func (m *mockInvoker) Invoke(ctx context.Context, name string, params map[string]interface{}) toolexecutor.RawOutcome {
	args := m.Called(ctx, name, params)
	return args.Get(0).(toolexecutor.RawOutcome)
}

type invokerFunc func(ctx context.Context, name string, params map[string]interface{}) toolexecutor.RawOutcome

func (f invokerFunc) Invoke(ctx context.Context, name string, params map[string]interface{}) toolexecutor.RawOutcome {
	return f(ctx, name, params)
}

func ok(tool, payload string) toolexecutor.RawOutcome {
	return toolexecutor.RawOutcome{Tool: tool, Payload: payload}
}

func toolFailure(tool, msg string) toolexecutor.RawOutcome {
	return toolexecutor.RawOutcome{
		Tool:  tool,
		Fault: &toolexecutor.Fault{Kind: toolexecutor.FaultTool, Tool: tool, Err: errors.New(msg)},
	}
}

func newSession(t *testing.T) *session.Session {
	t.Helper()
	sess := session.New([]toolexecutor.ToolDefinition{
		{
			Name:        "create_file",
			Description: "Create a file",
			Server:      "filesystem",
			Parameters:  []toolexecutor.ToolParameter{{Name: "filename", Type: "string", Required: true}},
		},
	})
	t.Cleanup(sess.Close)
	return sess
}

// propose appends the assistant message that proposes call, as the orchestrator does.
func propose(sess *session.Session, call agent.ToolCall) agent.ToolCall {
	sess.Append(agent.Message{Role: agent.RoleUser, Content: "create test.txt"})
	call.Origin = sess.Len()
	sess.Append(agent.Message{Role: agent.RoleAssistant, ToolCalls: []agent.ToolCall{call}})
	return call
}

func newController(t *testing.T, provider agent.LLMProvider, invoker Invoker) *Controller {
	t.Helper()
	ctrl, err := New(Config{
		Provider: provider,
		Invoker:  invoker,
		Logger:   zerolog.New(os.Stdout).Level(zerolog.ErrorLevel),
	})
	require.NoError(t, err)
	return ctrl
}

func toolMessages(sess *session.Session) []agent.Message {
	var out []agent.Message
	for _, msg := range sess.History() {
		if msg.Role == agent.RoleTool {
			out = append(out, msg)
		}
	}
	return out
}

func createFile(id, name string) agent.ToolCall {
	return agent.ToolCall{ID: id, Name: "create_file", Arguments: map[string]interface{}{"filename": name}}
}

func TestNew(t *testing.T) {
	_, err := New(Config{Invoker: &mockInvoker{}})
	assert.Error(t, err)

	_, err = New(Config{Provider: agenttest.NewProvider()})
	assert.Error(t, err)

	ctrl, err := New(Config{Provider: agenttest.NewProvider(), Invoker: &mockInvoker{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, ctrl.MaxAttempts())
	assert.Equal(t, DefaultCorrectionTemperature, ctrl.temperature)
}

func TestResolve_FirstTrySuccess(t *testing.T) {
	invoker := &mockInvoker{}
	invoker.On("Invoke", mock.Anything, "create_file", map[string]interface{}{"filename": "test.txt"}).
		Return(ok("create_file", "Created test.txt")).Once()
	provider := agenttest.NewProvider()
	ctrl := newController(t, provider, invoker)

	sess := newSession(t)
	call := propose(sess, createFile("call_1", "test.txt"))

	res := ctrl.Resolve(context.Background(), call, sess)

	assert.True(t, res.Succeeded())
	assert.Equal(t, ResultFirstTry, res.Result)
	assert.Len(t, res.Attempts, 1)
	assert.Nil(t, res.Attempts[0].Corrected)
	assert.NoError(t, res.Err)
	assert.Empty(t, provider.Requests(), "no analysis after a success")
	invoker.AssertExpectations(t)

	msgs := toolMessages(sess)
	require.Len(t, msgs, 1)
	assert.Equal(t, "call_1", msgs[0].ToolCallID)
	assert.Equal(t, classifier.StatusSuccess, msgs[0].Status)
	assert.Equal(t, "Created test.txt", msgs[0].Content)
}

func TestResolve_CorrectsExistingFile(t *testing.T) {
	invoker := &mockInvoker{}
	invoker.On("Invoke", mock.Anything, "create_file", map[string]interface{}{"filename": "test.txt"}).
		Return(toolFailure("create_file", "file already exists")).Once()
	invoker.On("Invoke", mock.Anything, "create_file", map[string]interface{}{"filename": "test_1.txt"}).
		Return(ok("create_file", "Created test_1.txt")).Once()

	provider := agenttest.NewProvider(
		agenttest.Call("call_2", "create_file", map[string]interface{}{"filename": "test_1.txt"}),
	)
	ctrl := newController(t, provider, invoker)

	sess := newSession(t)
	call := propose(sess, createFile("call_1", "test.txt"))
	before := sess.Len()

	res := ctrl.Resolve(context.Background(), call, sess)

	require.True(t, res.Succeeded())
	assert.Equal(t, ResultRecovered, res.Result)
	assert.Len(t, res.Attempts, 2)
	assert.Equal(t, 2, res.Invocations())
	assert.Equal(t, "test_1.txt", res.Final.Arguments["filename"])
	require.NotNil(t, res.Attempts[1].Corrected)
	assert.Equal(t, "call_1", res.Attempts[1].Prior.ID)
	invoker.AssertExpectations(t)

	msgs := toolMessages(sess)
	require.Len(t, msgs, 2)
	assert.Equal(t, classifier.StatusFailure, msgs[0].Status)
	assert.Equal(t, "call_1", msgs[0].ToolCallID)
	assert.Contains(t, msgs[0].Content, "file already exists")
	assert.Equal(t, classifier.StatusSuccess, msgs[1].Status)
	assert.Equal(t, "call_2", msgs[1].ToolCallID)

	// tool, assistant(corrected call), tool
	history := sess.History()
	assert.Equal(t, before+3, len(history))
	corrective := history[before+1]
	assert.Equal(t, agent.RoleAssistant, corrective.Role)
	require.Len(t, corrective.ToolCalls, 1)
	assert.Equal(t, before+1, corrective.ToolCalls[0].Origin)

	reqs := provider.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, agent.ToolChoiceRequired, reqs[0].ToolChoice)
	assert.Equal(t, DefaultCorrectionTemperature, reqs[0].Temperature)
	require.Len(t, reqs[0].Tools, 1)
	prompt := reqs[0].Messages[0].Content
	assert.Contains(t, prompt, `create_file(filename="test.txt")`)
	assert.Contains(t, prompt, "file already exists")
}

func TestResolve_CorrectionUsesConfiguredModel(t *testing.T) {
	invoker := &mockInvoker{}
	invoker.On("Invoke", mock.Anything, "create_file", map[string]interface{}{"filename": "test.txt"}).
		Return(toolFailure("create_file", "file already exists")).Once()
	invoker.On("Invoke", mock.Anything, "create_file", map[string]interface{}{"filename": "test_1.txt"}).
		Return(ok("create_file", "Created test_1.txt")).Once()

	provider := agenttest.NewProvider(
		agenttest.Call("call_2", "create_file", map[string]interface{}{"filename": "test_1.txt"}),
	)
	ctrl, err := New(Config{
		Provider: provider,
		Invoker:  invoker,
		Model:    "gpt-4o-mini",
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	sess := newSession(t)
	res := ctrl.Resolve(context.Background(), propose(sess, createFile("call_1", "test.txt")), sess)

	require.True(t, res.Succeeded())
	reqs := provider.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "gpt-4o-mini", reqs[0].Model)
}

func TestResolve_Exhausted(t *testing.T) {
	invoker := &mockInvoker{}
	invoker.On("Invoke", mock.Anything, "create_file", mock.Anything).
		Return(toolFailure("create_file", "permission denied"))

	provider := agenttest.NewProvider(
		agenttest.Call("call_2", "create_file", map[string]interface{}{"filename": "b.txt"}),
		agenttest.Call("call_3", "create_file", map[string]interface{}{"filename": "c.txt"}),
		agenttest.Call("call_4", "create_file", map[string]interface{}{"filename": "d.txt"}),
	)
	ctrl := newController(t, provider, invoker)

	sess := newSession(t)
	call := propose(sess, createFile("call_1", "a.txt"))

	res := ctrl.Resolve(context.Background(), call, sess)

	assert.False(t, res.Succeeded())
	assert.Equal(t, ResultExhausted, res.Result)
	assert.Len(t, res.Attempts, DefaultMaxAttempts)
	invoker.AssertNumberOfCalls(t, "Invoke", 3)
	assert.Equal(t, 1, provider.Remaining(), "no analysis after the final attempt")
	assert.Equal(t, classifier.KindExhausted, res.Outcome.Kind)

	var exhausted *ExhaustedError
	require.ErrorAs(t, res.Err, &exhausted)
	assert.Equal(t, "create_file", exhausted.Tool)
	assert.Len(t, exhausted.Reasons, 3)
	assert.Contains(t, res.Outcome.Reason, "after 3 attempts")

	// The third analysis sees both earlier attempts.
	reqs := provider.Requests()
	require.Len(t, reqs, 2)
	prompt := reqs[1].Messages[0].Content
	assert.Contains(t, prompt, `filename="a.txt"`)
	assert.Contains(t, prompt, `filename="b.txt"`)

	for _, msg := range toolMessages(sess) {
		assert.Equal(t, classifier.StatusFailure, msg.Status)
	}
	assert.Len(t, toolMessages(sess), 3)
}

func TestResolve_NeverExceedsThreeInvocations(t *testing.T) {
	for _, failures := range []int{0, 1, 2, 3} {
		outcomes := make([]toolexecutor.RawOutcome, 0, 3)
		for i := 0; i < 3; i++ {
			if i < failures {
				outcomes = append(outcomes, toolFailure("create_file", "Error: disk full"))
			} else {
				outcomes = append(outcomes, ok("create_file", "done"))
			}
		}
		n := 0
		invoker := invokerFunc(func(context.Context, string, map[string]interface{}) toolexecutor.RawOutcome {
			out := outcomes[n]
			n++
			return out
		})

		steps := []agenttest.Step{
			agenttest.Call("c2", "create_file", map[string]interface{}{"filename": "2"}),
			agenttest.Call("c3", "create_file", map[string]interface{}{"filename": "3"}),
		}
		ctrl := newController(t, agenttest.NewProvider(steps...), invoker)
		sess := newSession(t)

		res := ctrl.Resolve(context.Background(), propose(sess, createFile("c1", "1")), sess)

		invocations := failures + 1
		if invocations > 3 {
			invocations = 3
		}
		assert.Equal(t, invocations, n, "failures=%d", failures)
		assert.Equal(t, failures < 3, res.Succeeded(), "failures=%d", failures)
	}
}

func TestResolve_AnalysisWithoutToolCall(t *testing.T) {
	invoker := &mockInvoker{}
	invoker.On("Invoke", mock.Anything, "create_file", map[string]interface{}{"filename": "test.txt"}).
		Return(toolFailure("create_file", "file already exists")).Once()
	invoker.On("Invoke", mock.Anything, "create_file", map[string]interface{}{"filename": "test_2.txt"}).
		Return(ok("create_file", "Created test_2.txt")).Once()

	provider := agenttest.NewProvider(
		agenttest.Text("I am not sure what to do."),
		agenttest.Call("call_3", "create_file", map[string]interface{}{"filename": "test_2.txt"}),
	)
	ctrl := newController(t, provider, invoker)
	sess := newSession(t)

	res := ctrl.Resolve(context.Background(), propose(sess, createFile("call_1", "test.txt")), sess)

	require.True(t, res.Succeeded())
	require.Len(t, res.Attempts, 3)
	assert.False(t, res.Attempts[1].Invoked)
	assert.Nil(t, res.Attempts[1].Corrected)
	assert.Contains(t, res.Attempts[1].Outcome.Reason, "no corrected tool call")
	assert.Equal(t, 2, res.Invocations())
	assert.Len(t, toolMessages(sess), 2)
}

func TestResolve_ProviderErrors(t *testing.T) {
	invoker := &mockInvoker{}
	invoker.On("Invoke", mock.Anything, "create_file", mock.Anything).
		Return(toolFailure("create_file", "file already exists")).Once()

	provider := agenttest.NewProvider(
		agenttest.Fail(errors.New("backend down")),
		agenttest.Fail(errors.New("backend down")),
	)
	ctrl := newController(t, provider, invoker)
	sess := newSession(t)

	res := ctrl.Resolve(context.Background(), propose(sess, createFile("call_1", "test.txt")), sess)

	assert.Equal(t, ResultExhausted, res.Result)
	assert.Len(t, res.Attempts, 3)
	assert.Equal(t, 1, res.Invocations())
	invoker.AssertExpectations(t)
}

func TestResolve_CanceledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	invoker := &mockInvoker{}
	invoker.On("Invoke", mock.Anything, "create_file", mock.Anything).
		Run(func(args mock.Arguments) {
			cancel()
			// The invocation itself is not interrupted.
			assert.NoError(t, args.Get(0).(context.Context).Err())
		}).
		Return(toolFailure("create_file", "file already exists")).Once()

	provider := agenttest.NewProvider(agenttest.Call("call_2", "create_file", map[string]interface{}{"filename": "x"}))
	ctrl := newController(t, provider, invoker)
	sess := newSession(t)

	res := ctrl.Resolve(ctx, propose(sess, createFile("call_1", "test.txt")), sess)

	assert.Equal(t, ResultCanceled, res.Result)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, classifier.KindCanceled, res.Outcome.Kind)
	assert.Len(t, res.Attempts, 1)
	assert.Empty(t, provider.Requests())
	assert.Len(t, toolMessages(sess), 1)
}

func TestResolve_CanceledBeforeInvocation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	invoker := &mockInvoker{}
	ctrl := newController(t, agenttest.NewProvider(), invoker)
	sess := newSession(t)

	res := ctrl.Resolve(ctx, propose(sess, createFile("call_1", "test.txt")), sess)

	assert.Equal(t, ResultCanceled, res.Result)
	assert.Empty(t, res.Attempts)
	invoker.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything)

	msgs := toolMessages(sess)
	require.Len(t, msgs, 1)
	assert.Equal(t, "call_1", msgs[0].ToolCallID)
	assert.Equal(t, classifier.StatusFailure, msgs[0].Status)
}

func TestResolve_BusinessFailureInPayload(t *testing.T) {
	invoker := &mockInvoker{}
	invoker.On("Invoke", mock.Anything, "create_file", map[string]interface{}{"filename": "test.txt"}).
		Return(ok("create_file", "操作失败：文件已存在")).Once()
	invoker.On("Invoke", mock.Anything, "create_file", map[string]interface{}{"filename": "test_1.txt"}).
		Return(ok("create_file", "文件创建成功")).Once()

	provider := agenttest.NewProvider(
		agenttest.Call("call_2", "create_file", map[string]interface{}{"filename": "test_1.txt"}),
	)
	ctrl := newController(t, provider, invoker)
	sess := newSession(t)

	res := ctrl.Resolve(context.Background(), propose(sess, createFile("call_1", "test.txt")), sess)

	require.True(t, res.Succeeded())
	assert.Equal(t, classifier.KindBusiness, res.Attempts[0].Outcome.Kind)
	msgs := toolMessages(sess)
	require.Len(t, msgs, 2)
	assert.Equal(t, "操作失败：文件已存在", msgs[0].Content)
}

func TestBuildAnalysisPrompt(t *testing.T) {
	original := createFile("call_1", "test.txt")
	corrected := createFile("call_2", "test_1.txt")
	history := []Attempt{
		{Number: 1, Prior: original, Invoked: true, Outcome: classifier.Failure(classifier.KindBusiness, "file already exists")},
		{Number: 2, Prior: original, Corrected: &corrected, Invoked: true, Analysis: "Name clash.", Outcome: classifier.Failure(classifier.KindBusiness, "permission denied")},
		{Number: 3, Prior: corrected, Outcome: classifier.Failure(classifier.KindBusiness, "analysis failed: timeout")},
	}
	recent := []agent.Message{
		{Role: agent.RoleUser, Content: "create test.txt"},
		{Role: agent.RoleTool, Content: "Error: file already exists", Status: classifier.StatusFailure},
	}

	prompt := buildAnalysisPrompt(original, history, recent)

	assert.Contains(t, prompt, "Recent conversation:")
	assert.Contains(t, prompt, "- tool: (failure) Error: file already exists")
	assert.Contains(t, prompt, `Arguments: filename="test.txt"`)
	assert.Contains(t, prompt, `2. create_file(filename="test_1.txt")`)
	assert.Contains(t, prompt, "analysis: Name clash.")
	assert.Contains(t, prompt, "3. no call was made")
	assert.True(t, strings.HasSuffix(prompt, "avoids these failures."))
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "short", shorten("short", 10))
	assert.Equal(t, "abcd…", shorten("abcdefghij", 5))
	assert.Equal(t, "文件已…", shorten("文件已存在的", 4))
	assert.Equal(t, "anything", shorten("anything", 0))
}

func TestExhaustedError(t *testing.T) {
	err := &ExhaustedError{Tool: "create_file", Reasons: []string{"a", "b"}}
	assert.Equal(t, "create_file failed after 2 attempts: (1) a; (2) b", err.Error())
}
