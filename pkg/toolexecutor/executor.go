package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxOutputBytes = 10 * 1024
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"` // Server-supplied argument schema; takes precedence over Parameters
	Server      string          `json:"server,omitempty"`       // Owning MCP server, empty for local tools
	Handler     ToolHandler     `json:"-"`
}

// Schema returns the JSON Schema object describing the tool's arguments.
// A server-supplied input schema is returned as is, with an object type and
// an empty properties map filled in when missing. Otherwise the schema is
// built from Parameters.
func (d ToolDefinition) Schema() map[string]interface{} {
	if raw, ok := decodeInputSchema(d.InputSchema); ok {
		return raw
	}
	return ParametersSchema(d.Parameters)
}

func decodeInputSchema(data json.RawMessage) (map[string]interface{}, bool) {
	if len(data) == 0 {
		return nil, false
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(data, &schema); err != nil || schema == nil {
		return nil, false
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	if _, ok := schema["properties"].(map[string]interface{}); !ok {
		schema["properties"] = map[string]interface{}{}
	}
	return schema, true
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RawOutcome is an unclassified invocation result: a payload or a fault.
type RawOutcome struct {
	Tool       string        `json:"tool"`
	Payload    string        `json:"payload,omitempty"`
	Structured interface{}   `json:"structured,omitempty"`
	Truncated  bool          `json:"truncated,omitempty"`
	Duration   time.Duration `json:"duration"`
	Fault      *Fault        `json:"-"`
}

// Err returns the fault as an error, or nil.
func (r RawOutcome) Err() error {
	if r.Fault == nil {
		return nil
	}
	return r.Fault
}

// ToolExecutor manages and invokes tools
type ToolExecutor struct {
	tools          map[string]*ToolDefinition
	schemas        map[string]*gojsonschema.Schema
	timeout        time.Duration
	maxOutputBytes int
	mu             sync.RWMutex
}

// New creates a new ToolExecutor
func New() *ToolExecutor {
	te := &ToolExecutor{
		tools:          make(map[string]*ToolDefinition),
		schemas:        make(map[string]*gojsonschema.Schema),
		timeout:        DefaultTimeout,
		maxOutputBytes: DefaultMaxOutputBytes,
	}

	log.Debug().Msg("Tool executor initialized")

	return te
}

// SetTimeout sets the per-invocation timeout
func (te *ToolExecutor) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	te.mu.Lock()
	defer te.mu.Unlock()
	te.timeout = timeout
}

// SetMaxOutputBytes sets the payload truncation limit
func (te *ToolExecutor) SetMaxOutputBytes(n int) {
	if n <= 0 {
		return
	}
	te.mu.Lock()
	defer te.mu.Unlock()
	te.maxOutputBytes = n
}

// RegisterTool registers a new tool
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := te.validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := te.generateJSONSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema

	log.Debug().Str("tool", def.Name).Str("server", def.Server).Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool
func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	delete(te.tools, name)
	delete(te.schemas, name)

	log.Debug().Str("tool", name).Msg("Tool unregistered")
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// ListTools returns all registered tool names, sorted
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tools := make([]string, 0, len(te.tools))
	for name := range te.tools {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	return tools
}

// Definitions returns a copy of every tool definition ordered by server, then name.
func (te *ToolExecutor) Definitions() []ToolDefinition {
	te.mu.RLock()
	defs := make([]ToolDefinition, 0, len(te.tools))
	for _, def := range te.tools {
		copied := *def
		copied.Parameters = append([]ToolParameter(nil), def.Parameters...)
		copied.InputSchema = append(json.RawMessage(nil), def.InputSchema...)
		defs = append(defs, copied)
	}
	te.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Server != defs[j].Server {
			return defs[i].Server < defs[j].Server
		}
		return defs[i].Name < defs[j].Name
	})
	return defs
}

// GetToolCount returns the number of registered tools
func (te *ToolExecutor) GetToolCount() int {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return len(te.tools)
}

// Invoke performs exactly one external operation for the named tool.
// It reports transport and business faults but never judges a well-formed payload.
func (te *ToolExecutor) Invoke(ctx context.Context, toolName string, params map[string]interface{}) RawOutcome {
	startTime := time.Now()
	outcome := RawOutcome{Tool: toolName}

	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	timeout := te.timeout
	maxOutput := te.maxOutputBytes
	te.mu.RUnlock()

	if tool == nil {
		log.Warn().Str("tool", toolName).Msg("Tool not found")
		outcome.Fault = &Fault{Kind: FaultUnknownTool, Tool: toolName, Err: ErrToolNotFound}
		return outcome
	}

	if params == nil {
		params = map[string]interface{}{}
	}

	if err := te.validateParameters(schema, params); err != nil {
		log.Warn().Str("tool", toolName).Err(err).Msg("Parameter validation failed")
		outcome.Fault = &Fault{Kind: FaultInvalidArguments, Tool: toolName, Err: err}
		return outcome
	}

	log.Debug().Str("tool", toolName).Msg("Invoking tool")

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		result, err := tool.Handler(timeoutCtx, params)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- result
		}
	}()

	select {
	case result := <-resultChan:
		outcome.Duration = time.Since(startTime)
		outcome.Payload, outcome.Structured = renderPayload(result)
		outcome.Payload, outcome.Truncated = truncateOutput(outcome.Payload, maxOutput)

		log.Debug().
			Str("tool", toolName).
			Dur("duration", outcome.Duration).
			Bool("truncated", outcome.Truncated).
			Msg("Tool invocation completed")

	case err := <-errChan:
		outcome.Duration = time.Since(startTime)
		kind := FaultTool
		if errors.Is(err, context.DeadlineExceeded) {
			kind = FaultTimeout
		}
		outcome.Fault = asFault(toolName, kind, err)

		log.Warn().
			Str("tool", toolName).
			Str("kind", string(outcome.Fault.Kind)).
			Dur("duration", outcome.Duration).
			Err(err).
			Msg("Tool invocation failed")

	case <-timeoutCtx.Done():
		outcome.Duration = time.Since(startTime)
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			outcome.Fault = &Fault{Kind: FaultTimeout, Tool: toolName, Err: fmt.Errorf("tool execution timeout after %v", timeout)}
		} else {
			outcome.Fault = &Fault{Kind: FaultTransport, Tool: toolName, Err: timeoutCtx.Err()}
		}

		log.Warn().
			Str("tool", toolName).
			Dur("duration", outcome.Duration).
			Msg("Tool invocation interrupted")
	}

	return outcome
}

// validateToolDefinition validates a tool definition
func (te *ToolExecutor) validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	seen := make(map[string]bool, len(def.Parameters))
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[param.Name] {
			return fmt.Errorf("duplicate parameter %s", param.Name)
		}
		seen[param.Name] = true
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}

		validTypes := map[string]bool{
			"string": true, "number": true, "boolean": true,
			"object": true, "array": true, "integer": true,
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// generateJSONSchema compiles the validator for a tool's arguments. A server
// schema gojsonschema cannot compile falls back to one built from Parameters.
func (te *ToolExecutor) generateJSONSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	if raw, ok := decodeInputSchema(def.InputSchema); ok {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(raw))
		if err == nil {
			return schema, nil
		}
		log.Warn().Err(err).Str("tool", def.Name).Msg("Server input schema rejected, validating declared parameters only")
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(ParametersSchema(def.Parameters)))
}

// ParametersSchema renders tool parameters as a JSON Schema object.
func ParametersSchema(params []ToolParameter) map[string]interface{} {
	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           make(map[string]interface{}),
	}

	properties := schemaMap["properties"].(map[string]interface{})
	required := []string{}

	for _, param := range params {
		paramSchema := map[string]interface{}{
			"type": param.Type,
		}
		if param.Description != "" {
			paramSchema["description"] = param.Description
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}

		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return schemaMap
}

// validateParameters validates parameters against a JSON Schema
func (te *ToolExecutor) validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		problems := []string{}
		for _, err := range result.Errors() {
			problems = append(problems, err.String())
		}
		return fmt.Errorf("invalid arguments: %s", strings.Join(problems, "; "))
	}

	return nil
}

// renderPayload turns a handler result into text while keeping the structured value.
func renderPayload(result interface{}) (string, interface{}) {
	switch v := result.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case *CallResult:
		if v == nil {
			return "", nil
		}
		return v.Text, v.Structured
	case fmt.Stringer:
		return v.String(), result
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result), result
	}
	return string(data), result
}

// truncateOutput truncates text beyond maxSize bytes on a rune boundary
func truncateOutput(text string, maxSize int) (string, bool) {
	if maxSize <= 0 || len(text) <= maxSize {
		return text, false
	}

	cut := maxSize
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}

	log.Warn().
		Int("original", len(text)).
		Int("truncated", cut).
		Msg("Output truncated")

	return text[:cut] + "\n... [output truncated]", true
}
