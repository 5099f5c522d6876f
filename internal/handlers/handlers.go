// Package handlers implements the task-handler contract (spec §4.13):
// side-effect-free responders for the classifier's local intents, each
// returning a single string for the principal router to prefix and emit.
package handlers

import (
	"context"

	"github.com/agentmesh/router/runtime/agent/session"
)

// Input is the pipeline-local context a handler receives. History is the
// tail of recent conversation messages; handlers must not mutate it.
type Input struct {
	Text    string
	History []session.Message
}

// Handler is a local task handler. Implementations must be side-effect-free
// on the router's own data — any effect a handler has belongs to whatever
// downstream system it calls, not to the router's conversation/audit state.
type Handler interface {
	Invoke(ctx context.Context, input Input) (string, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, input Input) (string, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, input Input) (string, error) { return f(ctx, input) }

// DisplayName and Emoji name the fixed presentation spec §4.11 step 7
// prefixes onto a handler's result: "<emoji> **<name>**: <result>".
type Registration struct {
	Intent      string
	DisplayName string
	Emoji       string
	Handler     Handler
}

// Set is the fixed registration table for the reference handlers spec.md
// §4.13 names (tickets, account, payments, general) plus the SPEC_FULL.md
// supplement (weather, insurance) used as a local fallback when no remote
// agent answers the fixed intent->agent mapping.
type Set struct {
	byIntent map[string]Registration
}

// NewSet builds a Set from the given registrations, keyed by intent.
func NewSet(regs ...Registration) *Set {
	s := &Set{byIntent: make(map[string]Registration, len(regs))}
	for _, r := range regs {
		s.byIntent[r.Intent] = r
	}
	return s
}

// Lookup returns the registration for intent, if any.
func (s *Set) Lookup(intent string) (Registration, bool) {
	r, ok := s.byIntent[intent]
	return r, ok
}

// Default builds the standard reference Set: tickets, account, payments
// (always refuses), general, weather, and insurance.
func Default() *Set {
	return NewSet(
		Registration{Intent: "tickets", DisplayName: "Tickets Agent", Emoji: "🎫", Handler: HandlerFunc(Tickets)},
		Registration{Intent: "account", DisplayName: "Account Agent", Emoji: "👤", Handler: HandlerFunc(Account)},
		Registration{Intent: "payments", DisplayName: "Payments Agent", Emoji: "💳", Handler: HandlerFunc(Payments)},
		Registration{Intent: "general", DisplayName: "General Agent", Emoji: "💬", Handler: HandlerFunc(General)},
		Registration{Intent: "weather", DisplayName: "Weather Agent", Emoji: "🌤️", Handler: HandlerFunc(Weather)},
		Registration{Intent: "insurance", DisplayName: "Insurance Agent", Emoji: "🛡️", Handler: HandlerFunc(Insurance)},
	)
}

// HelpText is the fixed response for an unknown intent (spec §4.11 step 7).
const HelpText = "I can help with: tickets, account, payments, general questions, weather, and insurance. Could you rephrase your request around one of these topics?"

// PaymentsRefusal is the fixed not-supported string the payments handler
// always returns, per spec §4.13: "the payments handler always refuses
// execution by returning a fixed not-supported string."
const PaymentsRefusal = "Payment execution is not supported by this assistant. Please use your organization's payment portal to complete transactions."
