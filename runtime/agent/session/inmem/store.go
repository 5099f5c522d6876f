// Package inmem provides the in-memory implementation of session.Store
// used as the default conversation memory backend, optionally mirrored
// to a durable session.Repository.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/agentmesh/router/runtime/agent/session"
)

// Store is an in-memory, per-conversation bounded message log. It is
// safe for concurrent use.
type Store struct {
	mu            sync.Mutex
	conversations map[string]*session.Conversation
	messages      map[string][]session.Message
	maxMessages   int
	repo          session.Repository
	now           func() time.Time
	seq           int
}

// Option configures a Store.
type Option func(*Store)

// WithMaxMessages overrides the default in-memory tail length.
func WithMaxMessages(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxMessages = n
		}
	}
}

// WithRepository attaches an optional durable mirror. Every append is
// mirrored to it; mirror failures never block the in-memory write.
func WithRepository(repo session.Repository) Option {
	return func(s *Store) { s.repo = repo }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		conversations: make(map[string]*session.Conversation),
		messages:      make(map[string][]session.Message),
		maxMessages:   session.DefaultMaxMessages,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddMessage implements session.Store.
func (s *Store) AddMessage(ctx context.Context, conversationID string, role session.Role, content string, metadata map[string]any) (session.Message, error) {
	if !isValidRole(role) {
		return session.Message{}, session.ErrInvalidRole
	}

	s.mu.Lock()
	now := s.now()
	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &session.Conversation{
			ID:          conversationID,
			Status:      session.StatusActive,
			CreatedAt:   now,
			LastUpdated: now,
		}
		s.conversations[conversationID] = conv
	}
	conv.LastUpdated = now

	s.seq++
	msg := session.Message{
		ID:             strconv.Itoa(s.seq),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Metadata:       metadata,
		CreatedAt:      now,
	}

	tail := append(s.messages[conversationID], msg)
	if len(tail) > s.maxMessages {
		tail = tail[len(tail)-s.maxMessages:]
	}
	s.messages[conversationID] = tail
	repo := s.repo
	s.mu.Unlock()

	if repo != nil {
		_ = repo.AppendMessage(ctx, msg) // persistence errors never block the in-memory path
	}

	return msg, nil
}

// GetHistory implements session.Store.
func (s *Store) GetHistory(ctx context.Context, conversationID string, max int) ([]session.Message, error) {
	s.mu.Lock()
	tail := append([]session.Message(nil), s.messages[conversationID]...)
	s.mu.Unlock()

	if len(tail) == 0 && s.repo != nil {
		fallback, err := s.repo.RecentMessages(ctx, conversationID, s.maxMessages)
		if err == nil {
			tail = fallback
		}
	}

	if max > 0 && len(tail) > max {
		tail = tail[len(tail)-max:]
	}
	return tail, nil
}

// GetContextSummary implements session.Store.
func (s *Store) GetContextSummary(ctx context.Context, conversationID string) (string, error) {
	tail, err := s.GetHistory(ctx, conversationID, 0)
	if err != nil {
		return "", err
	}
	var out string
	for i, m := range tail {
		label := "Agent"
		if m.Role == session.RoleUser {
			label = "User"
		} else if m.Role == session.RoleSystem {
			label = "System"
		}
		if i > 0 {
			out += "\n"
		}
		out += fmt.Sprintf("%s: %s", label, m.Content)
	}
	return out, nil
}

// CleanupOld implements session.Store.
func (s *Store) CleanupOld(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = session.DefaultMaxAge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	dropped := 0
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic iteration for tests
	for _, id := range ids {
		conv := s.conversations[id]
		if conv.LastUpdated.Before(cutoff) {
			delete(s.conversations, id)
			delete(s.messages, id)
			dropped++
		}
	}
	return dropped
}

func isValidRole(r session.Role) bool {
	return r == session.RoleUser || r == session.RoleAgent || r == session.RoleSystem
}

var _ session.Store = (*Store)(nil)
