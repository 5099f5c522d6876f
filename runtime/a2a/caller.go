// Package a2a provides the agent-to-agent (A2A) client and registry types
// used to discover and invoke remote agents over JSON-RPC. Callers adapt
// transport-specific clients (HTTP, in the common case) to the unified
// Caller interface used by the principal router and the workflow
// orchestrator.
package a2a

import (
	"context"

	"github.com/agentmesh/router/runtime/a2a/types"
)

// JSON-RPC canonical error codes per the JSON-RPC 2.0 specification.
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// Caller invokes the message/send A2A method on a remote agent. It is
// implemented by transport-specific clients; the only transport shipped by
// this repository is httpclient.Client.
type Caller interface {
	// SendTask delivers a single task to the remote agent and returns its
	// reply message. Implementations apply their own retry/backoff policy
	// internally (see httpclient.Client) and return a non-nil error only
	// once that policy is exhausted or the failure is not retryable.
	SendTask(ctx context.Context, req SendTaskRequest) (SendTaskResponse, error)

	// HealthCheck reports whether the remote agent currently answers
	// liveness probes. Implementations should apply a short, fixed timeout
	// distinct from SendTask's.
	HealthCheck(ctx context.Context) bool
}

// Error represents a JSON-RPC error object returned by a remote agent.
type Error struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// SendTaskRequest describes a task delegated to a remote agent.
type SendTaskRequest struct {
	// TaskID is an optional caller-supplied task identifier.
	// httpclient.Client does not send it on the wire and generates none
	// when it is empty.
	TaskID string
	// Message is the outbound message, normally a single text part carrying
	// the delegated instruction.
	Message types.Message
}

// SendTaskResponse captures the remote agent's reply.
type SendTaskResponse struct {
	// Message is the agent's reply message.
	Message types.Message
}

// Text concatenates the text of every text part in the response message,
// in order, separated by nothing extra (callers insert their own
// separators if they stitch multiple responses together).
func (r SendTaskResponse) Text() string {
	var out string
	for _, p := range r.Message.Parts {
		if p.Kind == "text" {
			out += p.Text
		}
	}
	return out
}
