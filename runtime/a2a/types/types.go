// Package types defines the wire types exchanged between the principal
// router and remote agents over the A2A JSON-RPC protocol. Field names use
// camelCase JSON tags to match the wire format described by the routing
// runtime's specification.
package types

import "encoding/json"

// Message represents a single turn in an agent conversation. It is the
// payload carried by both the inbound message/send request and the
// outbound agent-to-agent call.
type Message struct {
	// Role is the message role: "user", "agent", or "system".
	Role string `json:"role"`
	// Parts are the ordered content parts that make up the message.
	Parts []Part `json:"parts"`
	// MessageID is an optional caller-supplied identifier for the message,
	// used to derive a conversation id when no task id is present.
	MessageID string `json:"messageId,omitempty"`
}

// Part represents one part of a Message. Only Kind == "text" parts carry
// text; other kinds (for example "data") are accepted on the wire but
// ignored by the text-extraction step of the pipeline (see
// router.ExtractText).
type Part struct {
	// Kind identifies the part type: "text" or "data".
	Kind string `json:"kind"`
	// Text is the textual content when Kind == "text".
	Text string `json:"text,omitempty"`
	// Data is an opaque structured payload when Kind == "data".
	Data json.RawMessage `json:"data,omitempty"`
}

// NewTextPart is a convenience constructor for a text-kind Part.
func NewTextPart(text string) Part {
	return Part{Kind: "text", Text: text}
}

// AgentCard describes a remote agent known to the registry: its URL,
// declared capabilities, and descriptive metadata. It is the in-memory and
// on-disk representation used by the agent registry (see
// runtime/a2a.Registry).
type AgentCard struct {
	// Name uniquely identifies the agent within a registry snapshot.
	Name string `json:"name"`
	// URL is the base JSON-RPC endpoint for the agent.
	URL string `json:"url"`
	// Capabilities is the set of free-form capability tags the agent
	// advertises, used for capability-based discovery.
	Capabilities []string `json:"capabilities,omitempty"`
	// Description is a human-readable summary of the agent.
	Description string `json:"description,omitempty"`
	// Version is the agent implementation version.
	Version string `json:"version,omitempty"`
	// Metadata carries implementation-defined agent metadata.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AgentCardFile is the on-disk shape of the agent registry file consulted
// during the registry's load order step 2 ("read a JSON file whose shape
// is {"agents": [...]}").
type AgentCardFile struct {
	Agents []AgentCard `json:"agents"`
}
