package classifier

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"
)

// TokenBudget gates the LLM tier behind an AIMD-style adaptive token
// bucket: it estimates the cost of a classification prompt, blocks the
// caller until capacity is available, and shrinks/grows its effective
// tokens-per-minute budget based on whether calls succeed. When backed
// by a Pulse replicated map it coordinates that budget across every
// router process sharing the same provider account instead of each
// process rate-limiting independently.
type TokenBudget struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64

	onBackoff func(newTPM float64)
	onProbe   func(newTPM float64)
}

// clusterMap is the subset of rmap.Map the cluster-aware budget needs.
type clusterMap interface {
	Get(key string) (string, bool)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
	Subscribe() <-chan rmap.EventKind
}

type rmapClusterMap struct {
	m *rmap.Map
}

func (m *rmapClusterMap) Get(key string) (string, bool) { return m.m.Get(key) }

func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}

func (m *rmapClusterMap) Subscribe() <-chan rmap.EventKind { return m.m.Subscribe() }

// NewTokenBudget constructs a TokenBudget with a tokens-per-minute cap.
// When m and key are both set, the budget coordinates capacity with
// every other process watching the same key via a Pulse replicated
// map; otherwise it runs process-local.
func NewTokenBudget(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *TokenBudget {
	var cm clusterMap
	if m != nil {
		cm = &rmapClusterMap{m: m}
	}
	return newClusterTokenBudget(ctx, cm, key, initialTPM, maxTPM)
}

func newTokenBudget(initialTPM, maxTPM float64) *TokenBudget {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &TokenBudget{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wait blocks until enough budget is available to cover text's
// estimated token cost, or returns ctx.Err() if ctx is done first.
func (b *TokenBudget) Wait(ctx context.Context, text string) error {
	return b.limiter.WaitN(ctx, estimatePromptTokens(text))
}

// Observe adjusts the budget based on the outcome of the call Wait
// just gated: a nil error probes upward, any error backs off. The LLM
// tier's Provider interface does not distinguish rate-limit errors
// from other failures, so this backs off conservatively on every
// error rather than only on confirmed 429s.
func (b *TokenBudget) Observe(err error) {
	if err == nil {
		b.probe()
		return
	}
	b.backoff()
}

func (b *TokenBudget) backoff() {
	b.mu.Lock()
	newTPM := b.currentTPM * 0.5
	if newTPM < b.minTPM {
		newTPM = b.minTPM
	}
	if newTPM == b.currentTPM {
		b.mu.Unlock()
		return
	}
	b.currentTPM = newTPM
	b.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	b.limiter.SetBurst(int(newTPM))
	cb := b.onBackoff
	b.mu.Unlock()
	if cb != nil {
		cb(newTPM)
	}
}

func (b *TokenBudget) probe() {
	b.mu.Lock()
	newTPM := b.currentTPM + b.recoveryRate
	if newTPM > b.maxTPM {
		newTPM = b.maxTPM
	}
	if newTPM == b.currentTPM {
		b.mu.Unlock()
		return
	}
	b.currentTPM = newTPM
	b.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	b.limiter.SetBurst(int(newTPM))
	cb := b.onProbe
	b.mu.Unlock()
	if cb != nil {
		cb(newTPM)
	}
}

// estimatePromptTokens approximates the token cost of a classification
// prompt: roughly one token per three characters of the user's
// message, plus a fixed buffer for the fixed instruction wrapper
// (classifyPrompt) and provider framing.
func estimatePromptTokens(text string) int {
	if len(text) == 0 {
		return 64
	}
	tokens := len(text) / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 64
}

func (b *TokenBudget) replaceTPM(tpm float64) {
	b.mu.Lock()
	if tpm < b.minTPM {
		tpm = b.minTPM
	}
	if tpm > b.maxTPM {
		tpm = b.maxTPM
	}
	if tpm == b.currentTPM {
		b.mu.Unlock()
		return
	}
	b.currentTPM = tpm
	b.limiter.SetLimit(rate.Limit(tpm / 60.0))
	b.limiter.SetBurst(int(tpm))
	b.mu.Unlock()
}

func (b *TokenBudget) setClusterCallbacks(onBackoff, onProbe func(newTPM float64)) {
	b.mu.Lock()
	b.onBackoff = onBackoff
	b.onProbe = onProbe
	b.mu.Unlock()
}

func newClusterTokenBudget(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *TokenBudget {
	if key == "" || m == nil {
		return newTokenBudget(initialTPM, maxTPM)
	}

	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			return newTokenBudget(initialTPM, maxTPM)
		}
	}

	sharedTPM := initialTPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedTPM = v
		}
	}

	b := newTokenBudget(sharedTPM, maxTPM)

	min := b.minTPM
	max := b.maxTPM
	step := b.recoveryRate

	b.setClusterCallbacks(
		func(_ float64) { go globalBudgetBackoff(context.Background(), m, key, min) },
		func(_ float64) { go globalBudgetProbe(context.Background(), m, key, step, max) },
	)

	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(cur, 64)
			if err != nil || v <= 0 {
				continue
			}
			b.replaceTPM(v)
		}
	}()

	return b
}

func globalBudgetBackoff(ctx context.Context, m clusterMap, key string, floor float64) {
	const maxAttempts = 3
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := cur * 0.5
		if next < floor {
			next = floor
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}

func globalBudgetProbe(ctx context.Context, m clusterMap, key string, step, ceiling float64) {
	const maxAttempts = 3
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 || cur >= ceiling {
			return
		}
		next := cur + step
		if next > ceiling {
			next = ceiling
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}
