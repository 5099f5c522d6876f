// Package session implements conversation memory (spec §4.7): a
// per-conversation bounded message log, keyed by conversation id, with
// an optional durable ConversationRepository mirror.
package session

import (
	"context"
	"errors"
	"time"
)

type (
	// Role is one of the three closed-set message roles spec §3 names.
	Role string

	// Status is a conversation's lifecycle state.
	Status string

	// Conversation is the durable conversation header: everything except
	// its message tail, which Store keeps separately so trimming does not
	// require rewriting conversation metadata.
	Conversation struct {
		ID          string
		UserID      string
		Title       string
		Intent      string
		Status      Status
		CreatedAt   time.Time
		LastUpdated time.Time
	}

	// Message is a single appended turn.
	Message struct {
		ID             string
		ConversationID string
		Role           Role
		Content        string
		Intent         string
		ModelUsed      string
		Cost           float64
		Metadata       map[string]any
		CreatedAt      time.Time
	}

	// Repository is the optional durable mirror named in spec §6. This
	// module ships no implementation of it.
	// Persistence errors must never block the in-memory path (spec §4.7).
	Repository interface {
		AppendMessage(ctx context.Context, msg Message) error
		RecentMessages(ctx context.Context, conversationID string, max int) ([]Message, error)
	}

	// Store is the in-memory conversation log. Construct with New.
	Store interface {
		// AddMessage creates the conversation lazily, appends msg, updates
		// last_updated, and trims the in-memory tail to the store's
		// configured max_messages.
		AddMessage(ctx context.Context, conversationID string, role Role, content string, metadata map[string]any) (Message, error)
		// GetHistory returns the conversation's tail in chronological
		// order, at most max messages (0 means the store's default).
		GetHistory(ctx context.Context, conversationID string, max int) ([]Message, error)
		// GetContextSummary renders the tail as "User: …" / "Agent: …"
		// lines, newline-joined.
		GetContextSummary(ctx context.Context, conversationID string) (string, error)
		// CleanupOld drops conversations whose last_updated predates
		// maxAge, returning the number dropped.
		CleanupOld(maxAge time.Duration) int
	}
)

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"

	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"

	// DefaultMaxMessages is the default in-memory tail length per
	// conversation (spec §4.7 "max_messages, default 10").
	DefaultMaxMessages = 10
	// DefaultMaxAge is the default cleanup_old threshold.
	DefaultMaxAge = 24 * time.Hour
)

// ErrInvalidRole is returned when AddMessage is called with a role
// outside the closed set.
var ErrInvalidRole = errors.New("session: role must be user, agent, or system")
