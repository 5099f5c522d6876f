package handlers

import (
	"context"
	"strings"
)

// Account implements the reference account handler (spec §4.13): a
// side-effect-free responder for account-management questions. It has no
// backing store of its own — account state lives behind the API-key
// service (C10) — so it answers generically rather than mutating
// anything.
func Account(ctx context.Context, input Input) (string, error) {
	text := strings.ToLower(strings.TrimSpace(input.Text))

	switch {
	case containsAny(text, "update", "change", "edit"):
		return "To update your account, please specify what you'd like to change: name, email, or notification preferences.", nil
	case containsAny(text, "status", "active", "suspended"):
		return "Your account is active. Contact your organization administrator if you believe this is incorrect.", nil
	default:
		return "I can help with your account: viewing profile details, checking account status, or updating settings. What would you like to do?", nil
	}
}
