package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() ToolDefinition {
	return ToolDefinition{
		Name:        "echo",
		Description: "Echo tool",
		Parameters: []ToolParameter{
			{
				Name:        "message",
				Type:        "string",
				Description: "Message to echo",
				Required:    true,
			},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return params["message"], nil
		},
	}
}

func TestToolExecutor_RegisterTool(t *testing.T) {
	te := New()

	err := te.RegisterTool(echoTool())
	assert.NoError(t, err)

	tool := te.GetTool("echo")
	require.NotNil(t, tool)
	assert.Equal(t, "echo", tool.Name)
}

func TestToolExecutor_RegisterTool_InvalidDefinition(t *testing.T) {
	te := New()
	noop := func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil }

	tests := []struct {
		name string
		def  ToolDefinition
	}{
		{
			name: "empty name",
			def:  ToolDefinition{Description: "Test", Handler: noop},
		},
		{
			name: "empty description",
			def:  ToolDefinition{Name: "test", Handler: noop},
		},
		{
			name: "nil handler",
			def:  ToolDefinition{Name: "test", Description: "Test"},
		},
		{
			name: "bad parameter type",
			def: ToolDefinition{
				Name: "test", Description: "Test", Handler: noop,
				Parameters: []ToolParameter{{Name: "x", Type: "date"}},
			},
		},
		{
			name: "duplicate parameter",
			def: ToolDefinition{
				Name: "test", Description: "Test", Handler: noop,
				Parameters: []ToolParameter{{Name: "x", Type: "string"}, {Name: "x", Type: "number"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := te.RegisterTool(tt.def)
			assert.Error(t, err)
		})
	}
}

func TestToolExecutor_Invoke_Success(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(echoTool()))

	out := te.Invoke(context.Background(), "echo", map[string]interface{}{
		"message": "Hello, World!",
	})

	assert.Nil(t, out.Fault)
	assert.NoError(t, out.Err())
	assert.Equal(t, "Hello, World!", out.Payload)
	assert.Equal(t, "echo", out.Tool)
}

func TestToolExecutor_Invoke_DoesNotJudgePayload(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(echoTool()))

	out := te.Invoke(context.Background(), "echo", map[string]interface{}{
		"message": "Error: file already exists",
	})

	assert.Nil(t, out.Fault)
	assert.Equal(t, "Error: file already exists", out.Payload)
}

func TestToolExecutor_Invoke_StructuredPayload(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "stat",
		Description: "Stat a file",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"size": 12}, nil
		},
	}))

	out := te.Invoke(context.Background(), "stat", nil)
	require.Nil(t, out.Fault)
	assert.JSONEq(t, `{"size":12}`, out.Payload)
	assert.Equal(t, map[string]interface{}{"size": 12}, out.Structured)
}

func TestToolExecutor_Invoke_UnknownTool(t *testing.T) {
	te := New()

	out := te.Invoke(context.Background(), "nonexistent", map[string]interface{}{})

	require.NotNil(t, out.Fault)
	assert.Equal(t, FaultUnknownTool, out.Fault.Kind)
	assert.True(t, out.Fault.TransportFault())
	assert.ErrorIs(t, out.Err(), ErrToolNotFound)
}

func TestToolExecutor_Invoke_InvalidArguments(t *testing.T) {
	te := New()
	called := false
	def := echoTool()
	def.Handler = func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		called = true
		return nil, nil
	}
	require.NoError(t, te.RegisterTool(def))

	out := te.Invoke(context.Background(), "echo", map[string]interface{}{"unexpected": 1})

	require.NotNil(t, out.Fault)
	assert.Equal(t, FaultInvalidArguments, out.Fault.Kind)
	assert.False(t, out.Fault.TransportFault())
	assert.Contains(t, out.Fault.Error(), "invalid arguments")
	assert.False(t, called)
}

func TestToolExecutor_Invoke_HandlerError(t *testing.T) {
	te := New()

	expectedErr := errors.New("handler error")
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "failing_tool",
		Description: "A tool that fails",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, expectedErr
		},
	}))

	out := te.Invoke(context.Background(), "failing_tool", map[string]interface{}{})

	require.NotNil(t, out.Fault)
	assert.Equal(t, FaultTool, out.Fault.Kind)
	assert.ErrorIs(t, out.Err(), expectedErr)
	assert.Equal(t, "failing_tool tool_error: handler error", out.Fault.Error())
}

func TestToolExecutor_Invoke_KeepsTransportFaultFromHandler(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "remote",
		Description: "A remote tool",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, &Fault{Kind: FaultTransport, Err: ErrServerClosed}
		},
	}))

	out := te.Invoke(context.Background(), "remote", nil)

	require.NotNil(t, out.Fault)
	assert.Equal(t, FaultTransport, out.Fault.Kind)
	assert.Equal(t, "remote", out.Fault.Tool)
	assert.ErrorIs(t, out.Err(), ErrServerClosed)
}

func TestToolExecutor_Invoke_Timeout(t *testing.T) {
	te := New()
	te.SetTimeout(50 * time.Millisecond)

	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "slow_tool",
		Description: "A slow tool",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			select {
			case <-time.After(2 * time.Second):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))

	out := te.Invoke(context.Background(), "slow_tool", map[string]interface{}{})

	require.NotNil(t, out.Fault)
	assert.Equal(t, FaultTimeout, out.Fault.Kind)
	assert.True(t, out.Fault.TransportFault())
}

func TestToolExecutor_Invoke_OutputTruncation(t *testing.T) {
	te := New()
	te.SetMaxOutputBytes(1024)

	large := strings.Repeat("A", 15*1024)
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "large_output",
		Description: "Tool with large output",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return large, nil
		},
	}))

	out := te.Invoke(context.Background(), "large_output", map[string]interface{}{})

	require.Nil(t, out.Fault)
	assert.True(t, out.Truncated)
	assert.Contains(t, out.Payload, "[output truncated]")
	assert.Less(t, len(out.Payload), 1100)
}

func TestTruncateOutput_RuneBoundary(t *testing.T) {
	text := strings.Repeat("文", 10)
	out, truncated := truncateOutput(text, 4)
	assert.True(t, truncated)
	assert.True(t, strings.HasPrefix(out, "文\n"))
}

func TestToolExecutor_ListToolsAndDefinitions(t *testing.T) {
	te := New()

	for i, name := range []string{"tool3", "tool1", "tool2"} {
		server := "b"
		if i == 0 {
			server = "a"
		}
		require.NoError(t, te.RegisterTool(ToolDefinition{
			Name:        name,
			Description: "Test tool",
			Server:      server,
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return nil, nil
			},
		}))
	}

	assert.Equal(t, []string{"tool1", "tool2", "tool3"}, te.ListTools())
	assert.Equal(t, 3, te.GetToolCount())

	defs := te.Definitions()
	require.Len(t, defs, 3)
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, fmt.Sprintf("%s/%s", def.Server, def.Name))
	}
	assert.Equal(t, []string{"a/tool3", "b/tool1", "b/tool2"}, names)

	te.UnregisterTool("tool1")
	assert.Nil(t, te.GetTool("tool1"))
	assert.Equal(t, 2, te.GetToolCount())
}

func TestToolExecutor_ParameterTypes(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "typed",
		Description: "Typed parameters",
		Parameters: []ToolParameter{
			{Name: "count", Type: "integer", Required: true},
			{Name: "ratio", Type: "number"},
			{Name: "force", Type: "boolean"},
			{Name: "tags", Type: "array"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "ok", nil
		},
	}))

	ok := te.Invoke(context.Background(), "typed", map[string]interface{}{
		"count": 3, "ratio": 0.5, "force": true, "tags": []interface{}{"a"},
	})
	assert.Nil(t, ok.Fault)

	bad := te.Invoke(context.Background(), "typed", map[string]interface{}{"count": "three"})
	require.NotNil(t, bad.Fault)
	assert.Equal(t, FaultInvalidArguments, bad.Fault.Kind)
}

func TestParametersSchema(t *testing.T) {
	schema := ParametersSchema([]ToolParameter{
		{Name: "path", Type: "string", Description: "File path", Required: true},
		{Name: "mode", Type: "string", Default: "w"},
	})

	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, false, schema["additionalProperties"])
	assert.Equal(t, []string{"path"}, schema["required"])
	props := schema["properties"].(map[string]interface{})
	assert.Equal(t, "w", props["mode"].(map[string]interface{})["default"])
}

const bashInputSchema = `{
	"type": "object",
	"properties": {
		"command": {"type": "string"},
		"args": {"type": "array", "items": {"type": "string"}},
		"shell": {"type": "string", "enum": ["bash", "sh"]},
		"env": {"type": "object", "properties": {"HOME": {"type": "string"}}}
	},
	"required": ["command"]
}`

func TestToolDefinition_Schema(t *testing.T) {
	t.Run("server schema is kept whole", func(t *testing.T) {
		def := ToolDefinition{
			Name:        "execute_bash_command",
			Parameters:  []ToolParameter{{Name: "args", Type: "array"}, {Name: "command", Type: "string", Required: true}},
			InputSchema: json.RawMessage(bashInputSchema),
		}

		props := def.Schema()["properties"].(map[string]interface{})
		args := props["args"].(map[string]interface{})
		assert.Equal(t, map[string]interface{}{"type": "string"}, args["items"])
		assert.Equal(t, []interface{}{"bash", "sh"}, props["shell"].(map[string]interface{})["enum"])
		assert.Contains(t, props["env"], "properties")
	})

	t.Run("missing object keywords are filled in", func(t *testing.T) {
		schema := ToolDefinition{InputSchema: json.RawMessage(`{}`)}.Schema()
		assert.Equal(t, "object", schema["type"])
		assert.Equal(t, map[string]interface{}{}, schema["properties"])
	})

	t.Run("parameters are used without a server schema", func(t *testing.T) {
		for _, raw := range []json.RawMessage{nil, json.RawMessage(`null`), json.RawMessage(`[1]`)} {
			schema := ToolDefinition{Parameters: []ToolParameter{{Name: "path", Type: "string"}}, InputSchema: raw}.Schema()
			assert.Equal(t, false, schema["additionalProperties"])
			assert.Contains(t, schema["properties"], "path")
		}
	})
}

func TestToolExecutor_Invoke_ValidatesAgainstServerSchema(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "execute_bash_command",
		Description: "Run a command",
		Parameters:  []ToolParameter{{Name: "args", Type: "array"}, {Name: "command", Type: "string", Required: true}},
		InputSchema: json.RawMessage(bashInputSchema),
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "ran " + params["command"].(string), nil
		},
	}))

	ok := te.Invoke(context.Background(), "execute_bash_command", map[string]interface{}{
		"command": "ls", "args": []interface{}{"-la"},
	})
	require.Nil(t, ok.Fault)
	assert.Equal(t, "ran ls", ok.Payload)

	badItems := te.Invoke(context.Background(), "execute_bash_command", map[string]interface{}{
		"command": "ls", "args": []interface{}{1, 2},
	})
	require.NotNil(t, badItems.Fault)
	assert.Equal(t, FaultInvalidArguments, badItems.Fault.Kind)

	badEnum := te.Invoke(context.Background(), "execute_bash_command", map[string]interface{}{
		"command": "ls", "shell": "zsh",
	})
	require.NotNil(t, badEnum.Fault)
	assert.Equal(t, FaultInvalidArguments, badEnum.Fault.Kind)

	defs := te.Definitions()
	require.Len(t, defs, 1)
	assert.JSONEq(t, bashInputSchema, string(defs[0].InputSchema))
}

func TestToolExecutor_RegisterTool_UncompilableServerSchemaFallsBack(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "odd",
		Description: "Tool with a broken schema",
		Parameters:  []ToolParameter{{Name: "path", Type: "string", Required: true}},
		InputSchema: json.RawMessage(`{"type": "object", "properties": {"path": {"type": 7}}}`),
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "ok", nil
		},
	}))

	missing := te.Invoke(context.Background(), "odd", map[string]interface{}{})
	require.NotNil(t, missing.Fault)
	assert.Equal(t, FaultInvalidArguments, missing.Fault.Kind)

	assert.Nil(t, te.Invoke(context.Background(), "odd", map[string]interface{}{"path": "/tmp"}).Fault)
}
