package toolexecutor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	mcpProtocolVersion = "2024-11-05"
	mcpClientName      = "mcpilot"
	mcpClientVersion   = "0.3.0"

	DefaultMCPRequestTimeout = 10 * time.Second

	maxMCPLineBytes = 4 * 1024 * 1024
)

// MCP JSON-RPC messages
type mcpRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      interface{} `json:"id,omitempty"`
}

type mcpResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *mcpError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

// mcpReply answers a request the server sent to the client.
type mcpReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *mcpError       `json:"error,omitempty"`
}

type mcpError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// MCPServerConfig describes how to launch one stdio MCP server.
type MCPServerConfig struct {
	ID      string
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

// ContentBlock is one entry of a tools/call result.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallResult is the decoded result of a tools/call request.
type CallResult struct {
	Content    []ContentBlock `json:"content"`
	IsError    bool           `json:"isError,omitempty"`
	Structured interface{}    `json:"structuredContent,omitempty"`
	Text       string         `json:"-"`
}

// MCPServerAdapter speaks JSON-RPC over the stdio of an MCP server process.
type MCPServerAdapter struct {
	cfg MCPServerConfig

	mu           sync.Mutex
	writeMu      sync.Mutex
	process      *exec.Cmd
	stdin        io.WriteCloser
	id           int
	pending      map[int]chan *mcpResponse
	done         chan struct{}
	closed       bool
	serverName   string
	hasResources bool
}

// NewMCPServerAdapter creates a new adapter for an MCP server
func NewMCPServerAdapter(cfg MCPServerConfig) *MCPServerAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultMCPRequestTimeout
	}
	return &MCPServerAdapter{
		cfg:     cfg,
		pending: make(map[int]chan *mcpResponse),
		done:    make(chan struct{}),
	}
}

// ServerID returns the configured server name.
func (a *MCPServerAdapter) ServerID() string {
	return a.cfg.ID
}

// HasResources reports whether the server advertised the resources capability.
func (a *MCPServerAdapter) HasResources() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasResources
}

// Start launches the server process and performs the initialize handshake.
// The process outlives ctx; it is stopped by Stop.
func (a *MCPServerAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.process != nil {
		a.mu.Unlock()
		return nil
	}
	if a.closed {
		a.mu.Unlock()
		return &Fault{Kind: FaultTransport, Err: ErrServerClosed}
	}

	cmd := exec.Command(a.cfg.Command, a.cfg.Args...)
	cmd.Env = os.Environ()
	for key, value := range a.cfg.Env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		a.mu.Unlock()
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.mu.Unlock()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		a.mu.Unlock()
		return err
	}

	if err := cmd.Start(); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("failed to start MCP server %s: %w", a.cfg.ID, err)
	}

	a.process = cmd
	a.stdin = stdin
	a.mu.Unlock()

	go a.listen(stdout)
	go a.drainStderr(stderr)

	if err := a.initialize(ctx); err != nil {
		_ = a.Stop()
		return fmt.Errorf("MCP server %s initialize failed: %w", a.cfg.ID, err)
	}

	log.Info().
		Str("server", a.cfg.ID).
		Str("server_name", a.serverName).
		Bool("resources", a.HasResources()).
		Msg("MCP server connected")

	return nil
}

func (a *MCPServerAdapter) listen(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxMCPLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var resp mcpResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Warn().Err(err).Str("server", a.cfg.ID).Msg("Failed to unmarshal MCP message")
			continue
		}

		if resp.Method != "" && resp.ID != nil {
			go a.answer(resp.ID, resp.Method)
			continue
		}
		if resp.ID == nil || resp.Method != "" {
			log.Debug().Str("server", a.cfg.ID).Str("method", resp.Method).Msg("MCP server message ignored")
			continue
		}

		id, ok := resp.ID.(float64)
		if !ok {
			log.Warn().Str("server", a.cfg.ID).Interface("id", resp.ID).Msg("MCP response with unexpected id")
			continue
		}

		a.mu.Lock()
		ch, exists := a.pending[int(id)]
		if exists {
			delete(a.pending, int(id))
		}
		a.mu.Unlock()

		if exists {
			ch <- &resp
		}
	}

	if err := scanner.Err(); err != nil {
		log.Debug().Err(err).Str("server", a.cfg.ID).Msg("MCP stdout closed with error")
	}
	a.markClosed()
}

// answer replies to a server request. Only ping is supported; anything else
// gets method not found so the server never waits on a reply.
func (a *MCPServerAdapter) answer(id interface{}, method string) {
	reply := mcpReply{JSONRPC: "2.0", ID: id}
	if method == "ping" {
		reply.Result = json.RawMessage(`{}`)
	} else {
		reply.Error = &mcpError{Code: -32601, Message: "method not found: " + method}
	}
	if err := a.write(reply); err != nil {
		log.Debug().Err(err).Str("server", a.cfg.ID).Str("method", method).Msg("Failed to answer MCP server request")
	}
}

func (a *MCPServerAdapter) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.Debug().Str("server", a.cfg.ID).Str("stderr", scanner.Text()).Msg("MCP server output")
	}
}

func (a *MCPServerAdapter) markClosed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	close(a.done)
	a.pending = make(map[int]chan *mcpResponse)
}

func (a *MCPServerAdapter) initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": mcpProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    mcpClientName,
			"version": mcpClientVersion,
		},
	}
	resp, err := a.call(ctx, "initialize", params)
	if err != nil {
		return err
	}

	var initResult struct {
		Capabilities map[string]json.RawMessage `json:"capabilities"`
		ServerInfo   struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &initResult); err != nil {
			return &Fault{Kind: FaultMalformedResponse, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
		}
	}

	a.mu.Lock()
	a.serverName = initResult.ServerInfo.Name
	_, a.hasResources = initResult.Capabilities["resources"]
	a.mu.Unlock()

	return a.notify("notifications/initialized", nil)
}

func (a *MCPServerAdapter) write(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	a.mu.Lock()
	stdin := a.stdin
	a.mu.Unlock()
	if stdin == nil {
		return &Fault{Kind: FaultTransport, Err: ErrServerClosed}
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return &Fault{Kind: FaultTransport, Err: fmt.Errorf("%w: %v", ErrServerClosed, err)}
	}
	return nil
}

func (a *MCPServerAdapter) notify(method string, params interface{}) error {
	return a.write(mcpRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (a *MCPServerAdapter) call(ctx context.Context, method string, params interface{}) (*mcpResponse, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, &Fault{Kind: FaultTransport, Err: ErrServerClosed}
	}
	a.id++
	id := a.id
	ch := make(chan *mcpResponse, 1)
	a.pending[id] = ch
	a.mu.Unlock()

	forget := func() {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
	}

	if err := a.write(mcpRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}); err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(a.cfg.Timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp, nil
	case <-a.done:
		return nil, &Fault{Kind: FaultTransport, Err: ErrServerClosed}
	case <-ctx.Done():
		forget()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Fault{Kind: FaultTimeout, Err: ctx.Err()}
		}
		return nil, &Fault{Kind: FaultTransport, Err: ctx.Err()}
	case <-timer.C:
		forget()
		return nil, &Fault{Kind: FaultTimeout, Err: fmt.Errorf("%w: %s after %v", ErrRequestTimeout, method, a.cfg.Timeout)}
	}
}

// CallTool executes a tool on the MCP server. A result flagged isError is returned as a tool fault.
func (a *MCPServerAdapter) CallTool(ctx context.Context, name string, params map[string]interface{}) (*CallResult, error) {
	callParams := map[string]interface{}{
		"name":      name,
		"arguments": params,
	}

	resp, err := a.call(ctx, "tools/call", callParams)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil, &Fault{Kind: FaultTool, Err: rpcErr}
		}
		return nil, err
	}

	var result CallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &Fault{Kind: FaultMalformedResponse, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	result.Text = contentText(result)

	if result.IsError {
		msg := result.Text
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, &Fault{Kind: FaultTool, Err: errors.New(msg)}
	}

	return &result, nil
}

func contentText(result CallResult) string {
	parts := make([]string, 0, len(result.Content))
	for _, block := range result.Content {
		switch block.Type {
		case "text":
			parts = append(parts, block.Text)
		case "":
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		default:
			parts = append(parts, fmt.Sprintf("[%s %s]", block.Type, block.MimeType))
		}
	}
	if len(parts) == 0 && result.Structured != nil {
		if data, err := json.Marshal(result.Structured); err == nil {
			return string(data)
		}
	}
	return strings.Join(parts, "\n")
}

// ListResources fetches resource listings from the MCP server.
func (a *MCPServerAdapter) ListResources(ctx context.Context) ([]map[string]interface{}, error) {
	resp, err := a.call(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}

	var listResult struct {
		Resources []map[string]interface{} `json:"resources"`
	}
	if err := json.Unmarshal(resp.Result, &listResult); err != nil {
		return nil, &Fault{Kind: FaultMalformedResponse, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}

	return listResult.Resources, nil
}

// ReadResource reads a specific resource from the MCP server.
func (a *MCPServerAdapter) ReadResource(ctx context.Context, uri string) (map[string]interface{}, error) {
	resp, err := a.call(ctx, "resources/read", map[string]interface{}{"uri": uri})
	if err != nil {
		return nil, err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &Fault{Kind: FaultMalformedResponse, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}

	return result, nil
}

// ListTools fetches the tool definitions advertised by the MCP server
func (a *MCPServerAdapter) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	resp, err := a.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var listResult struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}

	if err := json.Unmarshal(resp.Result, &listResult); err != nil {
		return nil, &Fault{Kind: FaultMalformedResponse, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}

	defs := make([]ToolDefinition, 0, len(listResult.Tools))
	for _, t := range listResult.Tools {
		description := t.Description
		if description == "" {
			description = t.Name
		}
		defs = append(defs, ToolDefinition{
			Name:        t.Name,
			Description: description,
			Parameters:  parseMCPToolParameters(t.InputSchema),
			InputSchema: t.InputSchema,
			Server:      a.cfg.ID,
		})
	}

	return defs, nil
}

// Stop stops the MCP server process
func (a *MCPServerAdapter) Stop() error {
	a.mu.Lock()
	process := a.process
	stdin := a.stdin
	a.stdin = nil
	a.mu.Unlock()

	a.markClosed()

	if stdin != nil {
		_ = stdin.Close()
	}
	if process == nil || process.Process == nil {
		return nil
	}
	if err := process.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	_ = process.Wait()
	return nil
}

func parseMCPToolParameters(schema json.RawMessage) []ToolParameter {
	if len(schema) == 0 {
		return nil
	}

	var schemaMap map[string]interface{}
	if err := json.Unmarshal(schema, &schemaMap); err != nil {
		return nil
	}

	properties, ok := schemaMap["properties"].(map[string]interface{})
	if !ok {
		return nil
	}

	required := make(map[string]bool)
	if reqList, ok := schemaMap["required"].([]interface{}); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	params := make([]ToolParameter, 0, len(properties))
	for name, propData := range properties {
		prop, ok := propData.(map[string]interface{})
		if !ok {
			continue
		}
		param := ToolParameter{
			Name:     name,
			Type:     "string",
			Required: required[name],
		}
		if typeVal, ok := prop["type"].(string); ok && typeVal != "null" {
			param.Type = typeVal
		}
		if desc, ok := prop["description"].(string); ok {
			param.Description = desc
		}
		if defVal, ok := prop["default"]; ok {
			param.Default = defVal
		}
		params = append(params, param)
	}

	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })

	return params
}
