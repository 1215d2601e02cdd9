// Package toolexecutor registers tools and invokes them, locally or on MCP servers over stdio.
//
// Invariants:
// - Tool names are unique; MCP tools that collide are prefixed with their server ID.
// - Arguments are schema-validated before dispatch.
// - Each Invoke performs at most one external operation.
// - Transport faults (closed connection, malformed response, unknown tool, timeout)
//   are reported distinctly from tool faults. Payloads are returned unjudged.
//
// Usage:
//
//	exec := toolexecutor.New()
//	registry := toolexecutor.NewRegistry(exec, 10*time.Second)
//	registry.ConnectAll(ctx, []toolexecutor.ServerSpec{{ID: "files", Command: "files-mcp"}})
//	out := exec.Invoke(ctx, "create_file", map[string]interface{}{"name": "test.txt"})
//	if out.Fault != nil {
//		fmt.Println(out.Fault.Kind)
//	}
package toolexecutor
