// Package auth holds the request-scoped AuthContext and the scope checks
// that the principal router and admin surface depend on (spec §4.10).
// API key validation lives in internal/apikey and rate limiting in
// internal/ratelimit.
package auth

import (
	"context"
	"strings"
)

type contextKey int

const authContextKey contextKey = iota + 1

// WildcardScope grants every required scope, per spec §4.10 check_scope.
const WildcardScope = "*"

// AuthContext is the request-scoped record derived from a validated API
// key. It is never persisted; it is built by the auth middleware,
// attached to the request context, and dropped once the response is
// sent (spec §3 AuthContext).
type AuthContext struct {
	KeyID            string
	OrganizationID   string
	Scopes           []string
	EffectiveRateMin int
	Environment      string
	MonthlyLimit     int
}

// WithContext attaches ac to ctx.
func WithContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}

// FromContext retrieves the AuthContext attached by the auth middleware,
// if any.
func FromContext(ctx context.Context) *AuthContext {
	ac, _ := ctx.Value(authContextKey).(*AuthContext)
	return ac
}

// CheckScope reports whether granted satisfies required. A granted
// WildcardScope ("*") satisfies any required scope; otherwise required
// must be present verbatim in granted.
func CheckScope(granted []string, required string) bool {
	for _, g := range granted {
		if g == WildcardScope || g == required {
			return true
		}
	}
	return false
}

// CheckAnyScope reports whether granted satisfies at least one of required.
func CheckAnyScope(granted []string, required []string) bool {
	for _, r := range required {
		if CheckScope(granted, r) {
			return true
		}
	}
	return len(required) == 0
}

// CheckAllScopes reports whether granted satisfies every entry of required.
func CheckAllScopes(granted []string, required []string) bool {
	for _, r := range required {
		if !CheckScope(granted, r) {
			return false
		}
	}
	return true
}

// NormalizeScopes trims whitespace and drops empty entries from a
// comma-separated scope list, as accepted from the admin API's
// `scopes?` request field.
func NormalizeScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
