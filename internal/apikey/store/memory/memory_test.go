package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentmesh/router/internal/apikey/store"
	"github.com/agentmesh/router/internal/apikey/store/memory"
)

func TestOrganizationStore_GetMissingReturnsErrNotFound(t *testing.T) {
	s := memory.NewOrganizationStore()
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOrganizationStore_UpdateMissingReturnsErrNotFound(t *testing.T) {
	s := memory.NewOrganizationStore()
	err := s.Update(context.Background(), store.Organization{ID: "missing"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOrganizationStore_RespectsCancelledContext(t *testing.T) {
	s := memory.NewOrganizationStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Get(ctx, "any"); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestAPIKeyStore_GetByHashMissingReturnsErrNotFound(t *testing.T) {
	s := memory.NewAPIKeyStore()
	_, err := s.GetByHash(context.Background(), "nonexistent-hash")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAPIKeyStore_CountActiveByOrganizationExcludesRevoked(t *testing.T) {
	s := memory.NewAPIKeyStore()
	now := time.Now()
	if err := s.Create(context.Background(), store.APIKey{ID: "k1", OrganizationID: "org1"}); err != nil {
		t.Fatalf("create k1: %v", err)
	}
	if err := s.Create(context.Background(), store.APIKey{ID: "k2", OrganizationID: "org1", RevokedAt: &now}); err != nil {
		t.Fatalf("create k2: %v", err)
	}

	count, err := s.CountActiveByOrganization(context.Background(), "org1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 active key, got %d", count)
	}
}

func TestAPIKeyStore_ListByOrganizationFiltersByOrg(t *testing.T) {
	s := memory.NewAPIKeyStore()
	if err := s.Create(context.Background(), store.APIKey{ID: "k1", OrganizationID: "org1"}); err != nil {
		t.Fatalf("create k1: %v", err)
	}
	if err := s.Create(context.Background(), store.APIKey{ID: "k2", OrganizationID: "org2"}); err != nil {
		t.Fatalf("create k2: %v", err)
	}

	keys, err := s.ListByOrganization(context.Background(), "org1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != "k1" {
		t.Fatalf("expected only k1, got %+v", keys)
	}
}

func TestUsageStore_CountSinceExcludesOlderRecords(t *testing.T) {
	s := memory.NewUsageStore()
	now := time.Now()
	if err := s.Insert(context.Background(), store.UsageRecord{ID: "u1", KeyID: "k1", CreatedAt: now.Add(-48 * time.Hour)}); err != nil {
		t.Fatalf("insert old: %v", err)
	}
	if err := s.Insert(context.Background(), store.UsageRecord{ID: "u2", KeyID: "k1", CreatedAt: now}); err != nil {
		t.Fatalf("insert recent: %v", err)
	}

	count, err := s.CountSince(context.Background(), "k1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 record since cutoff, got %d", count)
	}
}
