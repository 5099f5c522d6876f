// Package breaker implements the circuit breaker (spec §4.3): a
// Closed/Open/Half-Open state machine per named upstream, built on top
// of github.com/sony/gobreaker so the counting and half-open probe
// logic is battle-tested rather than hand-rolled. A thin adapter
// translates gobreaker's vocabulary into the three state names spec.md
// uses, and layers the manual reset/force-open operations gobreaker does
// not expose natively on top.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State names the three states spec.md §4.3 defines.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned by Call when the breaker is Open; the wrapped
// function is never invoked.
var ErrOpen = errors.New("circuit breaker open")

// Config configures a Breaker. Zero values fall back to spec.md's
// defaults (failure_threshold=5, success_threshold=2, timeout=60s).
type Config struct {
	Name             string
	FailureThreshold uint32
	SuccessThreshold uint32
	Timeout          time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// Breaker wraps a gobreaker.CircuitBreaker for one named upstream, with
// an overlay bit for the manual force_open operation gobreaker has no
// API for.
type Breaker struct {
	mu       sync.Mutex
	cb       *gobreaker.CircuitBreaker
	settings gobreaker.Settings
	forced   bool
}

// New constructs a Breaker per cfg. gobreaker's MaxRequests is set to
// SuccessThreshold: Half-Open admits up to SuccessThreshold requests,
// closes after that many consecutive successes, and reopens on any
// half-open failure. Those requests may run concurrently; half-open
// probes are not serialized to one caller at a time.
func New(cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.SuccessThreshold,
		Interval:    0,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}
	return &Breaker{
		cb:       gobreaker.NewCircuitBreaker(settings),
		settings: settings,
	}
}

// Call executes fn through the breaker. In Open state, or while
// force_open is set, it returns ErrOpen immediately without invoking fn.
func (b *Breaker) Call(fn func() (any, error)) (any, error) {
	b.mu.Lock()
	if b.forced {
		b.mu.Unlock()
		return nil, ErrOpen
	}
	cb := b.cb
	b.mu.Unlock()

	result, err := cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) {
		return nil, ErrOpen
	}
	return result, err
}

// CallCtx is a context-aware convenience wrapper around Call.
func (b *Breaker) CallCtx(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	return b.Call(func() (any, error) { return fn(ctx) })
}

// State returns the breaker's current state using spec.md's vocabulary.
func (b *Breaker) State() State {
	b.mu.Lock()
	if b.forced {
		b.mu.Unlock()
		return StateOpen
	}
	cb := b.cb
	b.mu.Unlock()

	switch cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Counts is a snapshot of the breaker's observability counters.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Snapshot returns the current state and counters for observability.
func (b *Breaker) Snapshot() (State, Counts) {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()

	counts := cb.Counts()
	return b.State(), Counts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// Reset forces the breaker back to Closed with zeroed counters,
// discarding the force_open overlay if one was set. Safe for concurrent
// use with Call.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = false
	b.cb = gobreaker.NewCircuitBreaker(b.settings)
}

// ForceOpen makes every Call fail with ErrOpen until Reset is called,
// regardless of gobreaker's own state. Safe for concurrent use with Call.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = true
}

// Name returns the upstream name this breaker guards.
func (b *Breaker) Name() string { return b.settings.Name }

// Manager maps an upstream name to its own Breaker, constructing one
// lazily on first access (spec §5: "circuit breakers wrap each named
// upstream agent URL"). Mirrors the map+lazy-construct idiom
// runtime/a2a.Pool uses for sharing one Caller per URL.
//
// Manager is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewManager returns an empty Manager. cfg is applied (with defaults
// filled in) to every Breaker it constructs; only cfg.Name is
// overridden per-upstream.
func NewManager(cfg Config) *Manager {
	return &Manager{breakers: make(map[string]*Breaker), cfg: cfg}
}

// Get returns the Breaker for name, constructing and caching one on
// first access.
func (m *Manager) Get(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	cfg := m.cfg
	cfg.Name = name
	b := New(cfg)
	m.breakers[name] = b
	return b
}

// Snapshots returns every known upstream's current counters, keyed by
// name; the breaker state is not included. Intended for the
// admin/observability surface.
func (m *Manager) Snapshots() map[string]Counts {
	m.mu.Lock()
	names := make([]string, 0, len(m.breakers))
	breakers := make([]*Breaker, 0, len(m.breakers))
	for name, b := range m.breakers {
		names = append(names, name)
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	out := make(map[string]Counts, len(names))
	for i, name := range names {
		_, counts := breakers[i].Snapshot()
		out[name] = counts
	}
	return out
}
