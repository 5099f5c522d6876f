// Package memory provides in-memory implementations of the API-key
// service's repositories, suitable for development, testing, and
// single-node deployments where persistence across restarts is not
// required.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/router/internal/apikey/store"
)

// OrganizationStore is an in-memory store.OrganizationRepository. It is
// safe for concurrent use.
type OrganizationStore struct {
	mu    sync.RWMutex
	orgs  map[string]store.Organization
}

var _ store.OrganizationRepository = (*OrganizationStore)(nil)

// NewOrganizationStore creates a new in-memory organization store.
func NewOrganizationStore() *OrganizationStore {
	return &OrganizationStore{orgs: make(map[string]store.Organization)}
}

func (s *OrganizationStore) Get(ctx context.Context, id string) (store.Organization, error) {
	select {
	case <-ctx.Done():
		return store.Organization{}, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return store.Organization{}, store.ErrNotFound
	}
	return org, nil
}

func (s *OrganizationStore) Create(ctx context.Context, org store.Organization) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[org.ID] = org
	return nil
}

func (s *OrganizationStore) Update(ctx context.Context, org store.Organization) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; !ok {
		return store.ErrNotFound
	}
	s.orgs[org.ID] = org
	return nil
}

func (s *OrganizationStore) List(ctx context.Context, limit, offset int, activeOnly *bool) ([]store.Organization, int, error) {
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]store.Organization, 0, len(s.orgs))
	for _, org := range s.orgs {
		if activeOnly != nil && org.Active != *activeOnly {
			continue
		}
		matched = append(matched, org)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })

	total := len(matched)
	if offset >= total {
		return []store.Organization{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// APIKeyStore is an in-memory store.APIKeyRepository.
type APIKeyStore struct {
	mu   sync.RWMutex
	keys map[string]store.APIKey
}

var _ store.APIKeyRepository = (*APIKeyStore)(nil)

// NewAPIKeyStore creates a new in-memory API key store.
func NewAPIKeyStore() *APIKeyStore {
	return &APIKeyStore{keys: make(map[string]store.APIKey)}
}

func (s *APIKeyStore) Create(ctx context.Context, key store.APIKey) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *APIKeyStore) GetByHash(ctx context.Context, hash string) (store.APIKey, error) {
	select {
	case <-ctx.Done():
		return store.APIKey{}, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.KeyHash == hash {
			return k, nil
		}
	}
	return store.APIKey{}, store.ErrNotFound
}

func (s *APIKeyStore) Get(ctx context.Context, id string) (store.APIKey, error) {
	select {
	case <-ctx.Done():
		return store.APIKey{}, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return store.APIKey{}, store.ErrNotFound
	}
	return k, nil
}

func (s *APIKeyStore) Update(ctx context.Context, key store.APIKey) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return store.ErrNotFound
	}
	s.keys[key.ID] = key
	return nil
}

func (s *APIKeyStore) ListByOrganization(ctx context.Context, orgID string) ([]store.APIKey, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]store.APIKey, 0)
	for _, k := range s.keys {
		if k.OrganizationID == orgID {
			result = append(result, k)
		}
	}
	return result, nil
}

func (s *APIKeyStore) CountActiveByOrganization(ctx context.Context, orgID string) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, k := range s.keys {
		if k.OrganizationID == orgID && !k.Revoked() {
			count++
		}
	}
	return count, nil
}

// UsageStore is an in-memory store.UsageRepository.
type UsageStore struct {
	mu      sync.RWMutex
	records []store.UsageRecord
}

var _ store.UsageRepository = (*UsageStore)(nil)

// NewUsageStore creates a new in-memory usage store.
func NewUsageStore() *UsageStore {
	return &UsageStore{}
}

func (s *UsageStore) Insert(ctx context.Context, rec store.UsageRecord) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *UsageStore) CountSince(ctx context.Context, keyID string, since time.Time) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, r := range s.records {
		if r.KeyID == keyID && !r.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *UsageStore) CountInRange(ctx context.Context, keyIDs []string, from, to time.Time) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	want := make(map[string]bool, len(keyIDs))
	for _, id := range keyIDs {
		want[id] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, r := range s.records {
		if want[r.KeyID] && !r.CreatedAt.Before(from) && r.CreatedAt.Before(to) {
			count++
		}
	}
	return count, nil
}
