// Package classifier implements the tiered intent classifier (spec
// §4.8): cache → deterministic pattern matching with confidence → small
// LLM fallback.
package classifier

import (
	"context"
	"crypto/md5" //nolint:gosec // used as a cache key, not for security
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Intent is one of the closed-set classification outcomes. Weather and
// insurance extend the base spec's four (SPEC_FULL.md's domain-stack
// supplement for the weather and insurance task handlers).
type Intent string

const (
	IntentTickets   Intent = "tickets"
	IntentAccount   Intent = "account"
	IntentPayments  Intent = "payments"
	IntentGeneral   Intent = "general"
	IntentWeather   Intent = "weather"
	IntentInsurance Intent = "insurance"
	IntentUnknown   Intent = "unknown"
)

const (
	strongConfidence = 0.95
	weakConfidence   = 0.60
	unknownConfidence = 0.30

	// DefaultTTL is the cache entry lifetime.
	DefaultTTL = time.Hour
	// DefaultThreshold is the minimum deterministic confidence that skips
	// the LLM tier.
	DefaultThreshold = 0.80
)

// precedence is the fixed tie-break order among intents that match at
// the same confidence level.
var precedence = []Intent{
	IntentTickets, IntentAccount, IntentPayments, IntentGeneral,
	IntentWeather, IntentInsurance,
}

type phrasePattern struct {
	intent Intent
	re     *regexp.Regexp
}

// Strong phrases (confidence 0.95): near-unambiguous statements of intent.
var strongPhrases = []phrasePattern{
	{IntentTickets, regexp.MustCompile(`(?i)create ticket|open a ticket|support ticket`)},
	{IntentAccount, regexp.MustCompile(`(?i)my account|account settings|account details`)},
	{IntentPayments, regexp.MustCompile(`(?i)make payment|make a payment|pay my bill`)},
	{IntentGeneral, regexp.MustCompile(`(?i)^\s*hello\s*[!.]?\s*$|^\s*hi\s*[!.]?\s*$`)},
	{IntentWeather, regexp.MustCompile(`(?i)what'?s the weather|what is the weather|weather forecast`)},
	{IntentInsurance, regexp.MustCompile(`(?i)file a claim|insurance claim|insurance policy`)},
}

// Weak keywords (confidence 0.60): loose topical signals.
var weakPhrases = []phrasePattern{
	{IntentTickets, regexp.MustCompile(`(?i)ticket|issue|problem`)},
	{IntentAccount, regexp.MustCompile(`(?i)account|profile`)},
	{IntentPayments, regexp.MustCompile(`(?i)payment|billing|invoice`)},
	{IntentGeneral, regexp.MustCompile(`(?i)help`)},
	{IntentWeather, regexp.MustCompile(`(?i)weather|forecast|temperature`)},
	{IntentInsurance, regexp.MustCompile(`(?i)insurance|policy|claim`)},
}

// Result is the outcome of a single classification, including the
// confidence that produced it and whether it came from cache.
type Result struct {
	Intent     Intent
	Confidence float64
	FromCache  bool
	UsedLLM    bool
}

// Provider invokes a small/cheap LLM to classify text when the
// deterministic tier is not confident enough.
type Provider interface {
	// ClassifyIntent returns the raw model text response; the classifier
	// parses it by substring match against intent names.
	ClassifyIntent(ctx context.Context, text string) (string, error)
}

// Metrics mirrors the five counters spec §4.8 names. All methods must be
// safe for concurrent use; each classification increments
// total_requests plus one tier counter, and llm_calls as well when the
// LLM tier is invoked.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
}

type cacheEntry struct {
	intent    Intent
	timestamp time.Time
}

// Classifier implements the three-tier classification pipeline.
type Classifier struct {
	mu    sync.Mutex
	cache map[string]cacheEntry

	ttl       time.Duration
	threshold float64
	provider  Provider
	metrics   Metrics
	budget    *TokenBudget
	now       func() time.Time
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithTTL overrides the cache entry lifetime.
func WithTTL(d time.Duration) Option {
	return func(c *Classifier) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithThreshold overrides the deterministic confidence threshold.
func WithThreshold(t float64) Option {
	return func(c *Classifier) { c.threshold = t }
}

// WithProvider attaches the LLM tier. A nil provider (the default)
// silently downgrades use_llm to false, per spec §4.8's "selection
// failures silently downgrade" rule.
func WithProvider(p Provider) Option {
	return func(c *Classifier) { c.provider = p }
}

// WithMetrics attaches the counters sink.
func WithMetrics(m Metrics) Option {
	return func(c *Classifier) { c.metrics = m }
}

// WithBudget gates the LLM tier behind an adaptive token budget so a
// burst of low-confidence classifications cannot exhaust the
// provider's rate limit. A nil budget (the default) calls the
// provider unthrottled.
func WithBudget(b *TokenBudget) Option {
	return func(c *Classifier) { c.budget = b }
}

// New constructs a Classifier.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		cache:     make(map[string]cacheEntry),
		ttl:       DefaultTTL,
		threshold: DefaultThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func normalize(text string) string {
	return strings.TrimSpace(strings.ToLower(text))
}

func cacheKey(text string) string {
	sum := md5.Sum([]byte(normalize(text))) //nolint:gosec // cache key only
	return hex.EncodeToString(sum[:])
}

func (c *Classifier) incCounter(name string) {
	if c.metrics != nil {
		c.metrics.IncCounter(name, 1)
	}
}

// Classify runs the full tiered pipeline and returns the resolved
// intent.
func (c *Classifier) Classify(ctx context.Context, text string) Result {
	c.incCounter("total_requests")

	key := cacheKey(text)
	if intent, ok := c.lookupCache(key); ok {
		c.incCounter("cache_hits")
		return Result{Intent: intent, FromCache: true}
	}

	intent, confidence := deterministicClassify(text)
	if confidence >= c.threshold {
		c.incCounter("deterministic_high_confidence")
		c.writeCache(key, intent)
		return Result{Intent: intent, Confidence: confidence}
	}
	c.incCounter("deterministic_low_confidence")

	if c.provider != nil {
		c.incCounter("llm_calls")
		if llmIntent, ok := c.classifyViaLLM(ctx, text); ok {
			c.writeCache(key, llmIntent)
			return Result{Intent: llmIntent, Confidence: confidence, UsedLLM: true}
		}
	}

	c.writeCache(key, intent)
	return Result{Intent: intent, Confidence: confidence}
}

func (c *Classifier) classifyViaLLM(ctx context.Context, text string) (Intent, bool) {
	if c.budget != nil {
		if err := c.budget.Wait(ctx, text); err != nil {
			return "", false // no budget available before ctx gave up
		}
	}
	raw, err := c.provider.ClassifyIntent(ctx, text)
	if c.budget != nil {
		c.budget.Observe(err)
	}
	if err != nil {
		return "", false // LLM errors fall through to the deterministic result
	}
	return parseLLMIntent(raw), true
}

// parseLLMIntent parses the model's raw text by substring match against
// the known intent names, falling back to unknown if none appear.
func parseLLMIntent(raw string) Intent {
	lower := strings.ToLower(raw)
	for _, intent := range precedence {
		if strings.Contains(lower, string(intent)) {
			return intent
		}
	}
	return IntentUnknown
}

func (c *Classifier) lookupCache(key string) (Intent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache[key]
	if !ok {
		return "", false
	}
	if c.now().Sub(entry.timestamp) >= c.ttl {
		delete(c.cache, key)
		return "", false
	}
	return entry.intent, true
}

func (c *Classifier) writeCache(key string, intent Intent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = cacheEntry{intent: intent, timestamp: c.now()}
}

// deterministicClassify matches text against the strong then weak
// phrase tables, applying the fixed tickets/account/payments/general
// precedence among same-tier matches.
func deterministicClassify(text string) (Intent, float64) {
	if intent, ok := firstMatch(text, strongPhrases); ok {
		return intent, strongConfidence
	}
	if intent, ok := firstMatch(text, weakPhrases); ok {
		return intent, weakConfidence
	}
	return IntentUnknown, unknownConfidence
}

func firstMatch(text string, table []phrasePattern) (Intent, bool) {
	matched := make(map[Intent]bool, len(table))
	for _, p := range table {
		if p.re.MatchString(text) {
			matched[p.intent] = true
		}
	}
	for _, intent := range precedence {
		if matched[intent] {
			return intent, true
		}
	}
	return "", false
}
