// Package apikey implements the API-key service and its HTTP middleware
// (spec §4.10): key validation, creation, revocation, scope/quota
// enforcement, and usage tracking.
package apikey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/router/internal/auth"
	"github.com/agentmesh/router/internal/ratelimit"
	"github.com/agentmesh/router/internal/apikey/store"
)

// Status is the typed HTTP status family a validation failure maps to.
type Status int

const (
	StatusUnauthorized    Status = 401
	StatusForbidden       Status = 403
	StatusTooManyRequests Status = 429
	StatusInternal        Status = 500
)

// Error is a typed service error carrying its fixed HTTP status, per
// spec §4.10's validate() failure-path table.
type Error struct {
	Status Status
	Reason string
}

func (e *Error) Error() string { return e.Reason }

func newError(status Status, reason string) *Error { return &Error{Status: status, Reason: reason} }

var (
	ErrInvalidFormat     = newError(StatusUnauthorized, "api key format is invalid")
	ErrKeyNotFound       = newError(StatusUnauthorized, "api key not found")
	ErrKeyRevoked        = newError(StatusUnauthorized, "api key has been revoked")
	ErrKeyExpired        = newError(StatusUnauthorized, "api key has expired")
	ErrOrgInactive       = newError(StatusForbidden, "organization is not active")
	ErrInsufficientScope = newError(StatusForbidden, "insufficient scope")
	ErrKeyLimitReached   = newError(StatusForbidden, "organization has reached its api key limit")
	ErrRateLimited       = newError(StatusTooManyRequests, "rate limit exceeded")
	ErrQuotaExceeded     = newError(StatusTooManyRequests, "monthly quota exceeded")
)

// DefaultScopes is applied to create() when the caller doesn't specify any.
var DefaultScopes = []string{auth.WildcardScope}

// Service implements the high-level API-key operations, composed on top
// of this package's own Generate/Hash/Verify/ValidFormat primitives (C1).
type Service struct {
	orgs  store.OrganizationRepository
	keys  store.APIKeyRepository
	usage store.UsageRepository
	now   func() time.Time
	newID func() string
}

// New constructs a Service.
func New(orgs store.OrganizationRepository, keys store.APIKeyRepository, usage store.UsageRepository) *Service {
	return &Service{
		orgs: orgs, keys: keys, usage: usage,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// Validate implements validate(plaintext) from spec §4.10.
func (s *Service) Validate(ctx context.Context, plaintext string) (*auth.AuthContext, error) {
	if !ValidFormat(plaintext) {
		return nil, ErrInvalidFormat
	}
	hash := Hash(plaintext)
	key, err := s.keys.GetByHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, newError(StatusInternal, fmt.Sprintf("lookup api key: %v", err))
	}
	if key.Revoked() {
		return nil, ErrKeyRevoked
	}
	now := s.now()
	if key.Expired(now) {
		return nil, ErrKeyExpired
	}
	org, err := s.orgs.Get(ctx, key.OrganizationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(StatusInternal, "organization not found for api key")
	}
	if err != nil {
		return nil, newError(StatusInternal, fmt.Sprintf("lookup organization: %v", err))
	}
	if !org.Active {
		return nil, ErrOrgInactive
	}

	key.LastUsedAt = &now
	if err := s.keys.Update(ctx, key); err != nil {
		return nil, newError(StatusInternal, fmt.Sprintf("touch last_used_at: %v", err))
	}

	effectiveRate := org.RateLimit
	if key.CustomRateLimit > 0 {
		effectiveRate = key.CustomRateLimit
	}
	return &auth.AuthContext{
		KeyID:            key.ID,
		OrganizationID:   org.ID,
		Scopes:           key.Scopes,
		EffectiveRateMin: effectiveRate,
		Environment:      key.Environment,
		MonthlyLimit:     org.MonthlyLimit,
	}, nil
}

// CreateParams configures Create.
type CreateParams struct {
	OrganizationID  string
	Name            string
	Environment     Environment
	Scopes          []string
	CustomRateLimit int
	ExpiresInDays   int
}

// Create implements create() from spec §4.10. Returns the plaintext key
// exactly once; only its hash is persisted.
func (s *Service) Create(ctx context.Context, p CreateParams) (plaintext string, key store.APIKey, err error) {
	org, err := s.orgs.Get(ctx, p.OrganizationID)
	if errors.Is(err, store.ErrNotFound) {
		return "", store.APIKey{}, newError(StatusForbidden, "organization not found")
	}
	if err != nil {
		return "", store.APIKey{}, newError(StatusInternal, fmt.Sprintf("lookup organization: %v", err))
	}
	if !org.Active {
		return "", store.APIKey{}, ErrOrgInactive
	}

	active, err := s.keys.CountActiveByOrganization(ctx, org.ID)
	if err != nil {
		return "", store.APIKey{}, newError(StatusInternal, fmt.Sprintf("count active keys: %v", err))
	}
	if active >= org.MaxAPIKeys {
		return "", store.APIKey{}, ErrKeyLimitReached
	}

	generated, err := Generate(p.Environment)
	if err != nil {
		return "", store.APIKey{}, newError(StatusInternal, fmt.Sprintf("generate key: %v", err))
	}

	scopes := p.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	now := s.now()
	record := store.APIKey{
		ID:              s.newID(),
		OrganizationID:  org.ID,
		Name:            p.Name,
		KeyHash:         generated.KeyHash,
		KeyHint:         generated.KeyHint,
		KeyPrefix:       generated.KeyPrefix,
		Environment:     string(p.Environment),
		Scopes:          scopes,
		CustomRateLimit: p.CustomRateLimit,
		CreatedAt:       now,
	}
	if p.ExpiresInDays > 0 {
		expiry := now.AddDate(0, 0, p.ExpiresInDays)
		record.ExpiresAt = &expiry
	}

	if err := s.keys.Create(ctx, record); err != nil {
		return "", store.APIKey{}, newError(StatusInternal, fmt.Sprintf("persist api key: %v", err))
	}
	return generated.FullKey, record, nil
}

// Revoke implements revoke() — idempotent on an already-revoked key
// (spec §8 property 5).
func (s *Service) Revoke(ctx context.Context, keyID, reason, revokedBy string) error {
	key, err := s.keys.Get(ctx, keyID)
	if errors.Is(err, store.ErrNotFound) {
		return newError(StatusForbidden, "api key not found")
	}
	if err != nil {
		return newError(StatusInternal, fmt.Sprintf("lookup api key: %v", err))
	}
	if key.Revoked() {
		return nil
	}
	now := s.now()
	key.RevokedAt = &now
	key.RevokedReason = reason
	key.RevokedBy = revokedBy
	if err := s.keys.Update(ctx, key); err != nil {
		return newError(StatusInternal, fmt.Sprintf("persist revocation: %v", err))
	}
	return nil
}

// List implements list() — redacted key records, no plaintext ever.
func (s *Service) List(ctx context.Context, orgID string) ([]store.APIKey, error) {
	keys, err := s.keys.ListByOrganization(ctx, orgID)
	if err != nil {
		return nil, newError(StatusInternal, fmt.Sprintf("list api keys: %v", err))
	}
	for i := range keys {
		keys[i].KeyHash = ""
	}
	return keys, nil
}

// CheckMonthlyQuota implements check_monthly_quota().
func (s *Service) CheckMonthlyQuota(ctx context.Context, keyID string, limit int) error {
	now := s.now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	count, err := s.usage.CountSince(ctx, keyID, monthStart)
	if err != nil {
		return newError(StatusInternal, fmt.Sprintf("count monthly usage: %v", err))
	}
	if count >= limit {
		return ErrQuotaExceeded
	}
	return nil
}

// TrackUsage implements track_usage(): appends a usage row and
// increments the key's total-requests counter.
func (s *Service) TrackUsage(ctx context.Context, rec store.UsageRecord) error {
	rec.ID = s.newID()
	rec.CreatedAt = s.now()
	if err := s.usage.Insert(ctx, rec); err != nil {
		return fmt.Errorf("track usage: %w", err)
	}
	key, err := s.keys.Get(ctx, rec.KeyID)
	if err != nil {
		return fmt.Errorf("load key for usage increment: %w", err)
	}
	key.TotalRequests++
	if err := s.keys.Update(ctx, key); err != nil {
		return fmt.Errorf("increment total requests: %w", err)
	}
	return nil
}

// OrganizationParams configures CreateOrganization.
type OrganizationParams struct {
	Name         string
	RateLimit    int
	MaxAPIKeys   int
	MonthlyLimit int
}

// CreateOrganization implements the admin "create organization" operation
// (spec §6 / SPEC_FULL.md C14): a new, active tenant with the given
// limits.
func (s *Service) CreateOrganization(ctx context.Context, p OrganizationParams) (store.Organization, error) {
	org := store.Organization{
		ID:           s.newID(),
		Name:         p.Name,
		Active:       true,
		RateLimit:    p.RateLimit,
		MaxAPIKeys:   p.MaxAPIKeys,
		MonthlyLimit: p.MonthlyLimit,
		CreatedAt:    s.now(),
	}
	if err := s.orgs.Create(ctx, org); err != nil {
		return store.Organization{}, newError(StatusInternal, fmt.Sprintf("create organization: %v", err))
	}
	return org, nil
}

// GetOrganization looks up a single organization by id.
func (s *Service) GetOrganization(ctx context.Context, id string) (store.Organization, error) {
	org, err := s.orgs.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Organization{}, newError(StatusForbidden, "organization not found")
	}
	if err != nil {
		return store.Organization{}, newError(StatusInternal, fmt.Sprintf("lookup organization: %v", err))
	}
	return org, nil
}

// ListOrganizations implements the admin paginated listing operation.
func (s *Service) ListOrganizations(ctx context.Context, limit, offset int, activeOnly *bool) ([]store.Organization, int, error) {
	orgs, total, err := s.orgs.List(ctx, limit, offset, activeOnly)
	if err != nil {
		return nil, 0, newError(StatusInternal, fmt.Sprintf("list organizations: %v", err))
	}
	return orgs, total, nil
}

// UsageSummary counts every tracked request made during the given
// calendar year/month (UTC) against any of orgID's keys (spec §6's
// GET /admin/organizations/{id}/usage).
func (s *Service) UsageSummary(ctx context.Context, orgID string, year int, month time.Month) (int, error) {
	keys, err := s.keys.ListByOrganization(ctx, orgID)
	if err != nil {
		return 0, newError(StatusInternal, fmt.Sprintf("list api keys: %v", err))
	}
	keyIDs := make([]string, len(keys))
	for i, k := range keys {
		keyIDs[i] = k.ID
	}
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	count, err := s.usage.CountInRange(ctx, keyIDs, from, to)
	if err != nil {
		return 0, newError(StatusInternal, fmt.Sprintf("count usage in range: %v", err))
	}
	return count, nil
}

// CheckRateLimit runs the per-key sliding-window check using the
// caller's effective rate (custom or org default) against all three
// windows scaled from the per-minute rate.
func CheckRateLimit(limiter *ratelimit.Limiter, keyID string, effectiveRateMin int) bool {
	return limiter.Check(keyID, ratelimit.Limits{
		PerMinute: effectiveRateMin,
		PerHour:   effectiveRateMin * 60,
		PerDay:    effectiveRateMin * 60 * 24,
	})
}
