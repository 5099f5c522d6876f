// Package store defines the persistence contracts for organizations, API
// keys, and usage records that the API-key service (spec §4.10) depends
// on, independent of the backing engine (in-memory for tests, SQL for
// production).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by repository lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// Organization is the tenant that owns API keys.
type Organization struct {
	ID           string
	Name         string
	Active       bool
	RateLimit    int
	MaxAPIKeys   int
	MonthlyLimit int
	CreatedAt    time.Time
}

// APIKey is the persisted (hashed) record of a generated key. The
// plaintext is never stored.
type APIKey struct {
	ID               string
	OrganizationID   string
	Name             string
	KeyHash          string
	KeyHint          string
	KeyPrefix        string
	Environment      string
	Scopes           []string
	CustomRateLimit  int // 0 means "use organization default"
	TotalRequests    int64
	CreatedAt        time.Time
	ExpiresAt        *time.Time
	LastUsedAt       *time.Time
	RevokedAt        *time.Time
	RevokedReason    string
	RevokedBy        string
}

// Revoked reports whether the key has been revoked.
func (k APIKey) Revoked() bool { return k.RevokedAt != nil }

// Expired reports whether the key has passed its expiration time, as of now.
func (k APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// UsageRecord is a single tracked request against an API key.
type UsageRecord struct {
	ID         string
	KeyID      string
	Method     string
	Path       string
	StatusCode int
	ClientIP   string
	UserAgent  string
	CreatedAt  time.Time
}

// OrganizationRepository persists Organization records.
type OrganizationRepository interface {
	Get(ctx context.Context, id string) (Organization, error)
	Create(ctx context.Context, org Organization) error
	Update(ctx context.Context, org Organization) error
	// List returns up to limit organizations starting at offset, in
	// creation order, optionally filtered by Active when activeOnly is
	// non-nil. It also returns the total count of matching organizations.
	List(ctx context.Context, limit, offset int, activeOnly *bool) ([]Organization, int, error)
}

// APIKeyRepository persists APIKey records.
type APIKeyRepository interface {
	Create(ctx context.Context, key APIKey) error
	GetByHash(ctx context.Context, hash string) (APIKey, error)
	Get(ctx context.Context, id string) (APIKey, error)
	Update(ctx context.Context, key APIKey) error
	ListByOrganization(ctx context.Context, orgID string) ([]APIKey, error)
	CountActiveByOrganization(ctx context.Context, orgID string) (int, error)
}

// UsageRepository persists UsageRecord rows and supports monthly counting.
type UsageRepository interface {
	Insert(ctx context.Context, rec UsageRecord) error
	CountSince(ctx context.Context, keyID string, since time.Time) (int, error)
	// CountInRange counts usage records for any of keyIDs with CreatedAt
	// in [from, to), for the admin usage-summary endpoint. Callers resolve
	// the organization's key ids first (via APIKeyRepository).
	CountInRange(ctx context.Context, keyIDs []string, from, to time.Time) (int, error)
}
