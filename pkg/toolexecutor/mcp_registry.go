package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const maxParallelConnects = 4

// ServerSpec describes a configured MCP server.
type ServerSpec struct {
	ID          string
	Command     string
	Args        []string
	Env         map[string]string
	Description string
}

// ServerStatus is the connection state of one server after ConnectAll.
type ServerStatus struct {
	ID          string
	Description string
	Tools       []string
	Err         error
}

// Connected reports whether the server came up and registered its tools.
func (s ServerStatus) Connected() bool {
	return s.Err == nil
}

// Registry owns the MCP server processes feeding a ToolExecutor.
type Registry struct {
	executor       *ToolExecutor
	requestTimeout time.Duration

	mu       sync.Mutex
	adapters map[string]*MCPServerAdapter
	statuses []ServerStatus
}

// NewRegistry creates a registry that registers tools into executor.
func NewRegistry(executor *ToolExecutor, requestTimeout time.Duration) *Registry {
	return &Registry{
		executor:       executor,
		requestTimeout: requestTimeout,
		adapters:       make(map[string]*MCPServerAdapter),
	}
}

type connectResult struct {
	spec    ServerSpec
	adapter *MCPServerAdapter
	tools   []ToolDefinition
	err     error
}

// ConnectAll starts every server concurrently and registers the tools of those
// that came up. A server that fails is logged and skipped; the others continue.
// Registration happens in input order so name conflicts resolve deterministically.
func (r *Registry) ConnectAll(ctx context.Context, specs []ServerSpec) []ServerStatus {
	results := make([]connectResult, len(specs))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelConnects)

	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			results[i] = r.connect(gCtx, spec)
			return nil
		})
	}
	_ = g.Wait()

	statuses := make([]ServerStatus, 0, len(results))
	for _, res := range results {
		status := ServerStatus{ID: res.spec.ID, Description: res.spec.Description, Err: res.err}
		if res.err == nil {
			status.Tools, status.Err = r.register(res.spec.ID, res.adapter, res.tools)
		}
		if status.Err != nil {
			log.Warn().Err(status.Err).Str("server", res.spec.ID).Msg("MCP server unavailable")
			if res.adapter != nil {
				_ = res.adapter.Stop()
			}
		} else {
			r.mu.Lock()
			r.adapters[res.spec.ID] = res.adapter
			r.mu.Unlock()
		}
		statuses = append(statuses, status)
	}

	r.mu.Lock()
	r.statuses = statuses
	r.mu.Unlock()

	return statuses
}

func (r *Registry) connect(ctx context.Context, spec ServerSpec) connectResult {
	res := connectResult{spec: spec}
	if strings.TrimSpace(spec.ID) == "" {
		res.err = fmt.Errorf("mcp server id is required")
		return res
	}
	if strings.TrimSpace(spec.Command) == "" {
		res.err = fmt.Errorf("mcp server %s has no command", spec.ID)
		return res
	}

	adapter := NewMCPServerAdapter(MCPServerConfig{
		ID:      spec.ID,
		Command: spec.Command,
		Args:    spec.Args,
		Env:     spec.Env,
		Timeout: r.requestTimeout,
	})
	if err := adapter.Start(ctx); err != nil {
		res.err = err
		return res
	}
	res.adapter = adapter

	tools, err := adapter.ListTools(ctx)
	if err != nil {
		res.err = fmt.Errorf("failed to fetch MCP tools: %w", err)
		return res
	}
	res.tools = tools
	return res
}

// register adds a server's tools to the executor, prefixing names that collide.
func (r *Registry) register(serverID string, adapter *MCPServerAdapter, tools []ToolDefinition) ([]string, error) {
	te := r.executor
	registered := make([]string, 0, len(tools)+2)

	for _, tool := range tools {
		originalName := tool.Name
		if originalName == "" {
			continue
		}

		toolName := originalName
		if te.GetTool(toolName) != nil {
			toolName = fmt.Sprintf("%s_%s", serverID, originalName)
			log.Warn().
				Str("original_name", originalName).
				Str("prefixed_name", toolName).
				Str("server", serverID).
				Msg("Tool name conflict resolved by prefixing with server name")
		}
		tool.Name = toolName
		tool.Server = serverID
		tool.Handler = func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return adapter.CallTool(ctx, originalName, params)
		}

		if err := te.RegisterTool(tool); err != nil {
			r.unregister(registered)
			return nil, fmt.Errorf("failed to register MCP tool %s: %w", toolName, err)
		}
		registered = append(registered, toolName)
	}

	if !adapter.HasResources() {
		return registered, nil
	}

	listTool := ToolDefinition{
		Name:        r.uniqueName(serverID, fmt.Sprintf("mcp_%s_resources_list", serverID)),
		Description: "List resources exposed by MCP server " + serverID,
		Server:      serverID,
		Handler: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			return adapter.ListResources(ctx)
		},
	}
	if err := te.RegisterTool(listTool); err != nil {
		r.unregister(registered)
		return nil, fmt.Errorf("failed to register MCP resources list tool: %w", err)
	}
	registered = append(registered, listTool.Name)

	readTool := ToolDefinition{
		Name:        r.uniqueName(serverID, fmt.Sprintf("mcp_%s_resource_read", serverID)),
		Description: "Read a resource exposed by MCP server " + serverID,
		Server:      serverID,
		Parameters: []ToolParameter{{
			Name:        "uri",
			Type:        "string",
			Description: "Resource URI",
			Required:    true,
		}},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			uri, _ := params["uri"].(string)
			if strings.TrimSpace(uri) == "" {
				return nil, fmt.Errorf("uri parameter is required")
			}
			return adapter.ReadResource(ctx, uri)
		},
	}
	if err := te.RegisterTool(readTool); err != nil {
		r.unregister(registered)
		return nil, fmt.Errorf("failed to register MCP resource read tool: %w", err)
	}
	registered = append(registered, readTool.Name)

	return registered, nil
}

func (r *Registry) uniqueName(serverID, name string) string {
	if r.executor.GetTool(name) != nil {
		return fmt.Sprintf("%s_%s", serverID, name)
	}
	return name
}

func (r *Registry) unregister(names []string) {
	for _, name := range names {
		r.executor.UnregisterTool(name)
	}
}

// Statuses returns the result of the last ConnectAll.
func (r *Registry) Statuses() []ServerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ServerStatus(nil), r.statuses...)
}

// Close stops every connected server and removes their tools.
func (r *Registry) Close() error {
	r.mu.Lock()
	adapters := r.adapters
	statuses := r.statuses
	r.adapters = make(map[string]*MCPServerAdapter)
	r.statuses = nil
	r.mu.Unlock()

	for _, status := range statuses {
		r.unregister(status.Tools)
	}

	ids := make([]string, 0, len(adapters))
	for id := range adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var firstErr error
	for _, id := range ids {
		if err := adapters[id].Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to stop MCP server %s: %w", id, err)
		}
	}
	return firstErr
}
