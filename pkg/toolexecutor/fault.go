package toolexecutor

import (
	"errors"
	"fmt"
)

// FaultKind identifies where an invocation broke down.
type FaultKind string

const (
	// Transport-level faults: the tool never produced a usable answer.
	FaultTransport         FaultKind = "transport"
	FaultMalformedResponse FaultKind = "malformed_response"
	FaultUnknownTool       FaultKind = "unknown_tool"
	FaultTimeout           FaultKind = "timeout"

	// Business-level faults: the tool was reached and rejected the request.
	FaultInvalidArguments FaultKind = "invalid_arguments"
	FaultTool             FaultKind = "tool_error"
)

var (
	ErrToolNotFound      = errors.New("tool not found")
	ErrServerClosed      = errors.New("mcp server connection closed")
	ErrMalformedResponse = errors.New("malformed mcp response")
	ErrRequestTimeout    = errors.New("mcp request timeout")
)

// Fault is a raised invocation error.
type Fault struct {
	Kind FaultKind
	Tool string
	Err  error
}

func (f *Fault) Error() string {
	if f.Tool == "" {
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("%s %s: %v", f.Tool, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// TransportFault reports whether the fault happened before the tool could answer.
func (f *Fault) TransportFault() bool {
	switch f.Kind {
	case FaultTransport, FaultMalformedResponse, FaultUnknownTool, FaultTimeout:
		return true
	}
	return false
}

// RPCError is a JSON-RPC error object returned by an MCP server.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("MCP error (%d): %s", e.Code, e.Message)
}

// asFault returns err as a *Fault, wrapping it with the fallback kind when needed.
func asFault(tool string, kind FaultKind, err error) *Fault {
	var fault *Fault
	if errors.As(err, &fault) {
		if fault.Tool == "" {
			return &Fault{Kind: fault.Kind, Tool: tool, Err: fault.Err}
		}
		return fault
	}
	return &Fault{Kind: kind, Tool: tool, Err: err}
}
