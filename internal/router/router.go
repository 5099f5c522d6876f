// Package router implements the principal router (spec §4.11): the
// pipeline that owns one request from text extraction through guardrails,
// intent classification, dispatch to a local handler or remote agent, and
// response emission.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentmesh/router/internal/audit"
	"github.com/agentmesh/router/internal/breaker"
	"github.com/agentmesh/router/internal/classifier"
	"github.com/agentmesh/router/internal/guardrails"
	"github.com/agentmesh/router/internal/handlers"
	"github.com/agentmesh/router/internal/ratelimit"
	"github.com/agentmesh/router/runtime/a2a"
	"github.com/agentmesh/router/runtime/a2a/types"
	"github.com/agentmesh/router/runtime/agent/session"
)

// delegationVerbs are the fixed phrases spec §4.11 step 5 names. Order
// does not matter; every one is checked.
var delegationVerbs = []string{
	"ask the", "check with", "consult", "delegate to", "get help from",
	"forward to", "send to", "talk to",
}

// externalIntentAgents is the fixed intent->external-agent-name mapping
// spec §4.11 step 7 references.
var externalIntentAgents = map[string]string{
	"insurance": "insurance_agent",
	"weather":   "weather_agent",
}

// historyTail is the fixed "tail of 5" spec §4.11 step 3 names.
const historyTail = 5

// Router wires C5-C10 together into the pipeline spec §4.11 describes.
type Router struct {
	sessions   session.Store
	registry   *a2a.Registry
	pool       *a2a.Pool
	classifier *classifier.Classifier
	guard      *guardrails.Checker
	limiter    *ratelimit.Limiter
	handlers   *handlers.Set
	audit      *audit.Sink
	breakers   *breaker.Manager
	a2aEnabled bool
}

// Config configures a Router.
type Config struct {
	Sessions   session.Store
	Registry   *a2a.Registry
	Pool       *a2a.Pool
	Classifier *classifier.Classifier
	Guard      *guardrails.Checker
	Limiter    *ratelimit.Limiter
	Handlers   *handlers.Set
	Audit      *audit.Sink
	// Breakers guards each remote agent call by upstream name. A nil
	// value falls back to a fresh Manager with spec.md's breaker
	// defaults.
	Breakers *breaker.Manager
	// A2AEnabled gates the delegation heuristic (spec §4.11 step 5).
	A2AEnabled bool
}

// New constructs a Router from cfg. A nil Handlers falls back to
// handlers.Default(); a nil Breakers falls back to a fresh Manager.
func New(cfg Config) *Router {
	hs := cfg.Handlers
	if hs == nil {
		hs = handlers.Default()
	}
	breakers := cfg.Breakers
	if breakers == nil {
		breakers = breaker.NewManager(breaker.Config{})
	}
	return &Router{
		sessions:   cfg.Sessions,
		registry:   cfg.Registry,
		pool:       cfg.Pool,
		classifier: cfg.Classifier,
		guard:      cfg.Guard,
		limiter:    cfg.Limiter,
		handlers:   hs,
		audit:      cfg.Audit,
		breakers:   breakers,
		a2aEnabled: cfg.A2AEnabled,
	}
}

// Request bundles the inputs the pipeline needs beyond the inbound
// message itself.
type Request struct {
	Message  types.Message
	TaskID   string
	UserID   string
	Identity string
	Limits   ratelimit.Limits
}

// conversationID derives task_id ?? message_id ?? "default" per spec
// §4.11's opening line.
func (r Request) conversationID() string {
	if r.TaskID != "" {
		return r.TaskID
	}
	if r.Message.MessageID != "" {
		return r.Message.MessageID
	}
	return "default"
}

// Result is the pipeline's outcome: a single response part plus the
// classification metadata the admin/API surface may want to expose
// alongside it (SPEC_FULL.md's §9 open-question resolution: metadata
// travels out-of-band on Result rather than being smuggled into the
// response body).
type Result struct {
	Text       string
	Intent     string
	Confidence float64
	UsedLLM    bool
	Rejected   bool
}

// ExtractText concatenates the text of every "text"-kind part in msg, in
// order, ignoring other part kinds (spec §4.11 step 1; SPEC_FULL.md §9's
// resolution of the historical part.root.text / dict["text"] polymorphism
// into a single typed extraction site).
func ExtractText(msg types.Message) string {
	var b strings.Builder
	for _, p := range msg.Parts {
		if p.Kind == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Handle runs the full pipeline described by spec §4.11 and returns the
// single response the caller should emit.
func (r *Router) Handle(ctx context.Context, req Request) (Result, error) {
	convID := req.conversationID()
	text := ExtractText(req.Message)

	if _, err := r.sessions.AddMessage(ctx, convID, session.RoleUser, text, nil); err != nil {
		return Result{}, fmt.Errorf("persist user turn: %w", err)
	}

	history, err := r.sessions.GetHistory(ctx, convID, historyTail)
	if err != nil {
		return Result{}, fmt.Errorf("read history: %w", err)
	}

	if decision := r.guard.CheckInput(ctx, req.Identity, req.UserID, text, req.Limits); !decision.Allowed {
		return r.finish(ctx, convID, Result{
			Text:     "❌ " + decision.Reason,
			Intent:   "rejected",
			Rejected: true,
		})
	}

	var (
		resultText string
		intent     string
		confidence float64
		usedLLM    bool
	)

	if req.a2aDelegationEligible(r.a2aEnabled) {
		if card, task, ok := r.resolveDelegation(text); ok {
			resultText, err = r.callRemote(ctx, card, task)
			if err != nil {
				resultText = err.Error()
			}
			intent = "delegation"
			return r.finish(ctx, convID, Result{Text: resultText, Intent: intent})
		}
	}

	classified := r.classifier.Classify(ctx, text)
	intent = string(classified.Intent)
	confidence = classified.Confidence
	usedLLM = classified.UsedLLM

	resultText, err = r.dispatch(ctx, intent, text, history)
	if err != nil {
		resultText = "❌ " + err.Error()
	}

	return r.finish(ctx, convID, Result{
		Text:       resultText,
		Intent:     intent,
		Confidence: confidence,
		UsedLLM:    usedLLM,
	})
}

// a2aDelegationEligible reports whether req's text matches a delegation
// verb and A2A dispatch is enabled (spec §4.11 step 5).
func (req Request) a2aDelegationEligible(enabled bool) bool {
	if !enabled {
		return false
	}
	lower := strings.ToLower(ExtractText(req.Message))
	for _, verb := range delegationVerbs {
		if strings.Contains(lower, verb) {
			return true
		}
	}
	return false
}

// resolveDelegation extracts the named agent by scanning registered
// agent names and strips the delegation phrase + agent name to form the
// task text (spec §4.11 step 5).
func (r *Router) resolveDelegation(text string) (types.AgentCard, string, bool) {
	card, ok := r.registry.FindByNameSubstring(text)
	if !ok {
		return types.AgentCard{}, "", false
	}
	task := stripDelegationPhrase(text, card.Name)
	return card, task, true
}

func stripDelegationPhrase(text, agentName string) string {
	lower := strings.ToLower(text)
	cut := text
	for _, verb := range delegationVerbs {
		if idx := strings.Index(lower, verb); idx >= 0 {
			cut = text[idx+len(verb):]
			break
		}
	}
	cut = strings.ReplaceAll(cut, agentName, "")
	return strings.TrimSpace(cut)
}

// dispatch implements spec §4.11 step 7: resolve the fixed intent
// mapping to an external agent, otherwise call the corresponding local
// task handler, otherwise return the fixed help string.
func (r *Router) dispatch(ctx context.Context, intent, text string, history []session.Message) (string, error) {
	if agentName, ok := externalIntentAgents[intent]; ok {
		if card, ok := r.registry.Get(agentName); ok {
			reply, err := r.callRemote(ctx, card, text)
			if err == nil {
				return reply, nil
			}
			// Fall through to the local stub handler below when the
			// external agent is unreachable.
		}
	}

	reg, ok := r.handlers.Lookup(intent)
	if !ok {
		return handlers.HelpText, nil
	}
	out, err := reg.Handler.Invoke(ctx, handlers.Input{Text: text, History: history})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s **%s**: %s", reg.Emoji, reg.DisplayName, out), nil
}

// callRemote invokes a remote agent through the pooled client, guarded
// by a per-upstream circuit breaker (spec §5: "circuit breakers wrap
// each named upstream agent URL"), rendering unreachability or an open
// breaker as the user-visible message spec §4.11's failure semantics
// describe.
func (r *Router) callRemote(ctx context.Context, card types.AgentCard, task string) (string, error) {
	caller, err := r.pool.Get(card.URL)
	if err != nil {
		return "", fmt.Errorf("agent %s at %s is unreachable: %w", card.Name, card.URL, err)
	}

	result, err := r.breakers.Get(card.Name).CallCtx(ctx, func(ctx context.Context) (any, error) {
		return caller.SendTask(ctx, a2a.SendTaskRequest{
			Message: types.Message{Role: "user", Parts: []types.Part{types.NewTextPart(task)}},
		})
	})
	if errors.Is(err, breaker.ErrOpen) {
		if r.audit != nil {
			r.audit.Emit(ctx, audit.EventCircuitBreaker, audit.SeverityWarning, "", map[string]any{
				"agent": card.Name, "url": card.URL,
			})
		}
		return "", fmt.Errorf("agent %s is temporarily unavailable (circuit open)", card.Name)
	}
	if err != nil {
		return "", fmt.Errorf("agent %s at %s did not respond: %w", card.Name, card.URL, err)
	}

	resp, _ := result.(a2a.SendTaskResponse)
	return fmt.Sprintf("%s: %s", card.Name, resp.Text()), nil
}

// finish applies the output guardrail, persists the agent turn, and
// returns the final Result (spec §4.11 steps 8-10, minus streaming).
func (r *Router) finish(ctx context.Context, convID string, res Result) (Result, error) {
	if !res.Rejected {
		if decision := r.guard.CheckOutput(res.Text); !decision.Allowed {
			res.Text = fixedOutputFailure
		} else {
			res.Text = guardrails.SanitizeOutput(res.Text, true)
		}
	}

	metadata := map[string]any{
		"intent":   res.Intent,
		"used_llm": res.UsedLLM,
	}
	if _, err := r.sessions.AddMessage(ctx, convID, session.RoleAgent, res.Text, metadata); err != nil {
		return Result{}, fmt.Errorf("persist agent turn: %w", err)
	}
	return res, nil
}

// fixedOutputFailure is the fixed replacement text spec §4.11 step 8
// requires on an output guardrail rejection.
const fixedOutputFailure = "❌ I'm unable to share that response as written. Please rephrase your request."

// MarshalResponse renders res as the JSON-RPC result Message spec §6
// describes: an agent-role message with a single text part.
func MarshalResponse(res Result) types.Message {
	return types.Message{
		Role:  "agent",
		Parts: []types.Part{types.NewTextPart(res.Text)},
	}
}
