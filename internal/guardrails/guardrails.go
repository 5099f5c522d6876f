// Package guardrails implements input/output content validation (spec
// §4.9): length, rate limiting, blocked-content, PII detection, and
// injection pattern checks, plus output sanitization.
package guardrails

import (
	"context"
	"fmt"
	"regexp"

	"github.com/agentmesh/router/internal/audit"
	"github.com/agentmesh/router/internal/ratelimit"
)

// DefaultMaxMessageLength is the input length ceiling.
const DefaultMaxMessageLength = 10000

// Rejection reason strings. These are user-facing and pinned by tests —
// do not reword without updating callers that branch on them.
const (
	ReasonEmpty           = "message must not be empty"
	ReasonTooLong         = "message exceeds the maximum allowed length"
	ReasonRateLimited     = "rate limit exceeded"
	ReasonBlockedContent  = "message contains blocked content"
	ReasonInjection       = "message contains a disallowed script or query pattern"
	ReasonPromptInjection = "message contains a disallowed instruction override pattern"
	ReasonOutputPII       = "response was rejected: contains personally identifying information"
	ReasonOutputUnsafe    = "response was rejected: contains a disallowed pattern"
)

type patternEntry struct {
	name string
	re   *regexp.Regexp
}

// Blocked-content: prompt-injection attempts and harmful-instruction asks.
var blockedContentPatterns = []patternEntry{
	{"ignore_previous_instructions", regexp.MustCompile(`(?i)ignore (all )?previous instructions`)},
	{"role_override", regexp.MustCompile(`(?i)you are now\b`)},
	{"persona_override", regexp.MustCompile(`(?i)pretend you are\b`)},
	{"harmful_howto", regexp.MustCompile(`(?i)how to hack\b`)},
}

// PII detection (logged, not rejected on input).
var piiPatterns = []patternEntry{
	{"EMAIL", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"CREDIT_CARD", regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)},
	{"PHONE", regexp.MustCompile(`\b\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`)},
	{"API_KEY", regexp.MustCompile(`\b[A-Za-z0-9_\-]{32,}\b`)},
	{"IPV4", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
}

// XSS and SQL injection patterns, checked on both input and output.
var injectionPatterns = []patternEntry{
	{"xss_script_tag", regexp.MustCompile(`(?i)<script[^>]*>`)},
	{"xss_event_handler", regexp.MustCompile(`(?i)\bon\w+\s*=`)},
	{"xss_javascript_uri", regexp.MustCompile(`(?i)javascript:`)},
	{"sql_union_select", regexp.MustCompile(`(?i)union\s+select`)},
	{"sql_drop", regexp.MustCompile(`(?i);\s*drop\b`)},
}

// Prompt-injection preamble markers.
var preamblePatterns = []patternEntry{
	{"preamble_instruction_block", regexp.MustCompile(`(?i)###\s*instruction`)},
	{"preamble_system_marker", regexp.MustCompile(`(?i)\[system\]`)},
	{"preamble_system_roleplay", regexp.MustCompile(`(?i)system:\s*you are\b`)},
}

var xssScriptTag = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
var xssEventHandler = regexp.MustCompile(`(?i)\bon\w+\s*=\s*"[^"]*"|\bon\w+\s*=\s*'[^']*'`)
var xssJavascriptURI = regexp.MustCompile(`(?i)javascript:`)

// Audit is the subset of the audit sink guardrails records to: blocked
// content and PII detections.
type Audit interface {
	Emit(ctx context.Context, eventType audit.EventType, severity audit.Severity, userID string, details map[string]any)
}

// Limiter is the minimal rate-limit check guardrails needs.
type Limiter interface {
	Check(identity string, limits ratelimit.Limits) bool
}

// Checker runs the input/output validation chain.
type Checker struct {
	maxMessageLength int
	limiter          Limiter
	audit            Audit
}

// Option configures a Checker.
type Option func(*Checker)

// WithMaxMessageLength overrides DefaultMaxMessageLength.
func WithMaxMessageLength(n int) Option {
	return func(c *Checker) {
		if n > 0 {
			c.maxMessageLength = n
		}
	}
}

// WithLimiter attaches the rate-limit tier.
func WithLimiter(l Limiter) Option {
	return func(c *Checker) { c.limiter = l }
}

// WithAudit attaches the audit sink for blocked_content/pii_detected events.
func WithAudit(a Audit) Option {
	return func(c *Checker) { c.audit = a }
}

// New constructs a Checker.
func New(opts ...Option) *Checker {
	c := &Checker{maxMessageLength: DefaultMaxMessageLength}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Decision is the outcome of a validation pass.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func reject(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// CheckInput runs the full ordered input validation chain (spec §4.9,
// steps 1-6) for a single identity/message pair.
func (c *Checker) CheckInput(ctx context.Context, identity, userID, text string, limits ratelimit.Limits) Decision {
	if len(text) == 0 {
		return reject(ReasonEmpty)
	}
	if len(text) > c.maxMessageLength {
		return reject(ReasonTooLong)
	}
	if c.limiter != nil && !c.limiter.Check(identity, limits) {
		return reject(ReasonRateLimited)
	}
	if name, ok := firstMatch(text, blockedContentPatterns); ok {
		c.emit(ctx, audit.EventBlockedContent, audit.SeverityWarning, userID, map[string]any{"pattern": name})
		return reject(ReasonBlockedContent)
	}
	if found := matchAll(text, piiPatterns); len(found) > 0 {
		c.emit(ctx, audit.EventPIIDetected, audit.SeverityInfo, userID, map[string]any{"types": found})
	}
	if name, ok := firstMatch(text, injectionPatterns); ok {
		c.emit(ctx, audit.EventBlockedContent, audit.SeverityWarning, userID, map[string]any{"pattern": name})
		return reject(ReasonInjection)
	}
	if name, ok := firstMatch(text, preamblePatterns); ok {
		c.emit(ctx, audit.EventBlockedContent, audit.SeverityWarning, userID, map[string]any{"pattern": name})
		return reject(ReasonPromptInjection)
	}
	return allow()
}

// CheckOutput rejects a response that still contains PII after
// sanitize_output, or that matches the injection pattern set.
func (c *Checker) CheckOutput(text string) Decision {
	if found := matchAll(text, piiPatterns); len(found) > 0 {
		return reject(ReasonOutputPII)
	}
	if _, ok := firstMatch(text, injectionPatterns); ok {
		return reject(ReasonOutputUnsafe)
	}
	return allow()
}

// SanitizeOutput replaces every PII match with [REDACTED_<TYPE>] when
// redactPII is true, and always strips script tags, inline event-handler
// attributes, and javascript: URIs.
func SanitizeOutput(text string, redactPII bool) string {
	out := text
	if redactPII {
		for _, p := range piiPatterns {
			out = p.re.ReplaceAllString(out, fmt.Sprintf("[REDACTED_%s]", p.name))
		}
	}
	out = xssScriptTag.ReplaceAllString(out, "")
	out = xssEventHandler.ReplaceAllString(out, "")
	out = xssJavascriptURI.ReplaceAllString(out, "")
	return out
}

func (c *Checker) emit(ctx context.Context, eventType audit.EventType, severity audit.Severity, userID string, details map[string]any) {
	if c.audit != nil {
		c.audit.Emit(ctx, eventType, severity, userID, details)
	}
}

func firstMatch(text string, table []patternEntry) (string, bool) {
	for _, p := range table {
		if p.re.MatchString(text) {
			return p.name, true
		}
	}
	return "", false
}

func matchAll(text string, table []patternEntry) []string {
	var found []string
	for _, p := range table {
		if p.re.MatchString(text) {
			found = append(found, p.name)
		}
	}
	return found
}
