package apikey

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/agentmesh/router/internal/auth"
	"github.com/agentmesh/router/internal/ratelimit"
	"github.com/agentmesh/router/internal/apikey/store"
)

// DefaultPublicPaths are exempt from the authentication middleware.
var DefaultPublicPaths = map[string]bool{
	"/health":        true,
	"/":              true,
	"/docs":          true,
	"/openapi.json":  true,
	"/redoc":         true,
}

// UsageTracker is the narrow surface the middleware uses to fire-and-forget
// usage tracking after the handler returns.
type UsageTracker interface {
	TrackUsage(ctx context.Context, rec store.UsageRecord) error
}

// QuotaChecker is the narrow surface the middleware uses for the monthly
// quota check.
type QuotaChecker interface {
	CheckMonthlyQuota(ctx context.Context, keyID string, limit int) error
}

// Validator is the narrow surface the middleware uses to authenticate a
// presented key.
type Validator interface {
	Validate(ctx context.Context, plaintext string) (*auth.AuthContext, error)
}

// Middleware implements spec §4.10's request pipeline: bearer extraction,
// key validation, per-key rate limiting, monthly quota enforcement,
// AuthContext attachment, and fire-and-forget usage tracking.
type Middleware struct {
	validator   Validator
	quota       QuotaChecker
	tracker     UsageTracker
	limiter     *ratelimit.Limiter
	publicPaths map[string]bool
	onTrackErr  func(error)
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware)

// WithPublicPaths overrides DefaultPublicPaths.
func WithPublicPaths(paths map[string]bool) MiddlewareOption {
	return func(m *Middleware) { m.publicPaths = paths }
}

// WithTrackErrorHandler overrides the default (silent) usage-tracking
// error handler.
func WithTrackErrorHandler(f func(error)) MiddlewareOption {
	return func(m *Middleware) { m.onTrackErr = f }
}

// NewMiddleware constructs a Middleware.
func NewMiddleware(validator Validator, quota QuotaChecker, tracker UsageTracker, limiter *ratelimit.Limiter, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		validator:   validator,
		quota:       quota,
		tracker:     tracker,
		limiter:     limiter,
		publicPaths: DefaultPublicPaths,
		onTrackErr:  func(error) {},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handler wraps next with the auth pipeline, for use with chi's r.Use.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		key, ok := extractBearer(r.Header.Get("Authorization"))
		if !ok {
			writeAuthError(w, StatusUnauthorized, "missing or malformed authorization header")
			return
		}

		ctx := r.Context()
		authCtx, err := m.validator.Validate(ctx, key)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		if !CheckRateLimit(m.limiter, authCtx.KeyID, authCtx.EffectiveRateMin) {
			writeAuthError(w, StatusTooManyRequests, ErrRateLimited.Reason)
			return
		}

		if m.quota != nil {
			if err := m.quota.CheckMonthlyQuota(ctx, authCtx.KeyID, authCtx.MonthlyLimit); err != nil {
				writeServiceError(w, err)
				return
			}
		}

		remaining := remainingHeaderValue(m.limiter, authCtx)
		reset := m.limiter.ResetAt(authCtx.KeyID).Minute
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(authCtx.EffectiveRateMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !reset.IsZero() {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		}

		ctx = auth.WithContext(ctx, authCtx)
		rec := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&rec, r.WithContext(ctx))

		if m.tracker != nil {
			go m.track(authCtx.KeyID, r, rec.status)
		}
	})
}

func (m *Middleware) track(keyID string, r *http.Request, status int) {
	defer func() {
		if p := recover(); p != nil {
			m.onTrackErr(fmt.Errorf("usage tracking panicked: %v", p))
		}
	}()
	rec := store.UsageRecord{
		KeyID:      keyID,
		Method:     r.Method,
		Path:       r.URL.Path,
		StatusCode: status,
		ClientIP:   clientIP(r),
		UserAgent:  r.UserAgent(),
	}
	if err := m.tracker.TrackUsage(context.Background(), rec); err != nil {
		m.onTrackErr(err)
	}
}

func remainingHeaderValue(limiter *ratelimit.Limiter, authCtx *auth.AuthContext) int {
	rem := limiter.Remaining(authCtx.KeyID, ratelimit.Limits{
		PerMinute: authCtx.EffectiveRateMin,
		PerHour:   authCtx.EffectiveRateMin * 60,
		PerDay:    authCtx.EffectiveRateMin * 60 * 24,
	})
	return rem.Minute
}

func extractBearer(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")), true
	}
	return header, true
}

// clientIP honors X-Forwarded-For's first entry, then X-Real-IP, then the
// socket peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	host, _, err := splitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, "", nil
	}
	return addr[:idx], addr[idx+1:], nil
}

func writeAuthError(w http.ResponseWriter, status Status, reason string) {
	http.Error(w, reason, int(status))
}

func writeServiceError(w http.ResponseWriter, err error) {
	if svcErr, ok := err.(*Error); ok {
		http.Error(w, svcErr.Reason, int(svcErr.Status))
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
