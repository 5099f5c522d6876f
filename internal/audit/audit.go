// Package audit implements the audit sink (spec §4.4): an append-only
// structured event log written to per-day JSONL files under a single
// writer lock, with an optional durable AuditRepository mirror and an
// in-process fan-out bus for live subscribers (admin dashboards, tests).
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Severity is one of the five levels spec §4.4 names.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// EventType enumerates the convenience kinds spec §4.4 requires.
type EventType string

const (
	EventBlockedContent    EventType = "blocked_content"
	EventPIIDetected       EventType = "pii_detected"
	EventSecurityEvent     EventType = "security_event"
	EventToolExecution     EventType = "tool_execution"
	EventRateLimitExceeded EventType = "rate_limit_exceeded"
	EventAuthentication    EventType = "authentication"
	EventDataAccess        EventType = "data_access"
	EventCircuitBreaker    EventType = "circuit_breaker"
	EventCompliance        EventType = "compliance"
)

// Event is the append-only structured record written by the sink.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType EventType      `json:"event_type"`
	Severity  Severity       `json:"severity"`
	UserID    string         `json:"user_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Repository is the optional durable mirror named in spec §6. This
// module ships no implementation of it.
type Repository interface {
	Insert(ctx context.Context, event Event) error
}

// Subscriber receives every event written through the sink, in addition
// to the durable write. Used for live tailing (e.g. an admin websocket);
// errors from a subscriber never block or fail the write path.
type Subscriber interface {
	HandleEvent(ctx context.Context, event Event) error
}

// Sink is the audit sink. Construct with New; the zero value is not
// usable.
type Sink struct {
	dir  string
	repo Repository
	now  func() time.Time

	writeMu sync.Mutex // serializes appends to the current day's file

	subMu sync.Mutex
	subs  map[int]Subscriber
	nextID int

	onWriteError func(error)
}

// Option configures a Sink.
type Option func(*Sink)

// WithRepository attaches an optional durable AuditRepository mirror.
func WithRepository(repo Repository) Option {
	return func(s *Sink) { s.repo = repo }
}

// WithWriteErrorHandler installs a callback invoked (out-of-band, never
// on the request path) whenever a file write fails.
func WithWriteErrorHandler(fn func(error)) Option {
	return func(s *Sink) { s.onWriteError = fn }
}

// New constructs a Sink that writes under dir.
func New(dir string, opts ...Option) *Sink {
	s := &Sink{
		dir:  dir,
		now:  time.Now,
		subs: make(map[int]Subscriber),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers sub to receive every future event. The returned
// function unregisters it; it is safe to call more than once.
func (s *Sink) Subscribe(sub Subscriber) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// Record appends event to the current day's file, mirrors it to the
// repository if one is configured, and fans it out to subscribers. A
// write failure is swallowed (per spec §4.4: "must not break the request
// path") and reported only via the configured error handler.
func (s *Sink) Record(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	if err := s.append(event); err != nil {
		if s.onWriteError != nil {
			s.onWriteError(err)
		}
	}

	if s.repo != nil {
		if err := s.repo.Insert(ctx, event); err != nil && s.onWriteError != nil {
			s.onWriteError(fmt.Errorf("audit repository insert: %w", err))
		}
	}

	s.subMu.Lock()
	subs := make([]Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subMu.Unlock()
	for _, sub := range subs {
		_ = sub.HandleEvent(ctx, event) // subscriber errors never affect the write path
	}
}

// Emit is a convenience wrapper around Record for the given event type.
func (s *Sink) Emit(ctx context.Context, eventType EventType, severity Severity, userID string, details map[string]any) {
	s.Record(ctx, Event{EventType: eventType, Severity: severity, UserID: userID, Details: details})
}

func (s *Sink) append(event Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	path := filepath.Join(s.dir, fmt.Sprintf("audit_%s.jsonl", s.now().Format("20060102")))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) //nolint:gosec // audit_dir is operator-controlled
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// GetRecent reads only the current day's file, returning up to limit of
// the most recent events (optionally filtered by severity and/or event
// type). A missing file yields an empty slice, not an error.
func (s *Sink) GetRecent(limit int, severity *Severity, eventType *EventType) ([]Event, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("audit_%s.jsonl", s.now().Format("20060102")))
	f, err := os.Open(path) //nolint:gosec // audit_dir is operator-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var all []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // tolerate a partially-written final line
		}
		if severity != nil && e.Severity != *severity {
			continue
		}
		if eventType != nil && e.EventType != *eventType {
			continue
		}
		all = append(all, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit file: %w", err)
	}

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	// Most-recent-first, matching get_recent's intent.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}
