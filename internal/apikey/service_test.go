package apikey_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/agentmesh/router/internal/apikey"
	"github.com/agentmesh/router/internal/apikey/store"
	"github.com/agentmesh/router/internal/apikey/store/memory"
)

func newTestService(t *testing.T) (*apikey.Service, *memory.OrganizationStore, *memory.APIKeyStore, *memory.UsageStore) {
	t.Helper()
	orgs := memory.NewOrganizationStore()
	keys := memory.NewAPIKeyStore()
	usage := memory.NewUsageStore()
	svc := apikey.New(orgs, keys, usage)
	return svc, orgs, keys, usage
}

func mustCreateOrg(t *testing.T, orgs *memory.OrganizationStore, org store.Organization) {
	t.Helper()
	if err := orgs.Create(context.Background(), org); err != nil {
		t.Fatalf("create org: %v", err)
	}
}

func TestCreate_ReturnsPlaintextOnceAndPersistsOnlyHash(t *testing.T) {
	svc, orgs, _, _ := newTestService(t)
	mustCreateOrg(t, orgs, store.Organization{ID: "org1", Name: "Acme", Active: true, RateLimit: 60, MaxAPIKeys: 5, MonthlyLimit: 1000})

	plaintext, key, err := svc.Create(context.Background(), apikey.CreateParams{
		OrganizationID: "org1",
		Name:           "ci key",
		Environment:    apikey.EnvTest,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if plaintext == "" {
		t.Fatal("expected non-empty plaintext key")
	}
	if key.KeyHash == "" {
		t.Fatal("expected persisted key to carry a hash")
	}
	if key.KeyHash == plaintext {
		t.Fatal("hash must not equal plaintext")
	}
}

func TestCreate_RejectsWhenOrgInactive(t *testing.T) {
	svc, orgs, _, _ := newTestService(t)
	mustCreateOrg(t, orgs, store.Organization{ID: "org1", Active: false, MaxAPIKeys: 5, MonthlyLimit: 1000})

	_, _, err := svc.Create(context.Background(), apikey.CreateParams{OrganizationID: "org1", Environment: apikey.EnvTest})
	if !errors.Is(err, apikey.ErrOrgInactive) {
		t.Fatalf("expected ErrOrgInactive, got %v", err)
	}
}

func TestCreate_RejectsWhenKeyLimitReached(t *testing.T) {
	svc, orgs, _, _ := newTestService(t)
	mustCreateOrg(t, orgs, store.Organization{ID: "org1", Active: true, MaxAPIKeys: 1, MonthlyLimit: 1000})

	_, _, err := svc.Create(context.Background(), apikey.CreateParams{OrganizationID: "org1", Environment: apikey.EnvTest})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, _, err = svc.Create(context.Background(), apikey.CreateParams{OrganizationID: "org1", Environment: apikey.EnvTest})
	if !errors.Is(err, apikey.ErrKeyLimitReached) {
		t.Fatalf("expected ErrKeyLimitReached, got %v", err)
	}
}

func TestValidate_SucceedsForFreshKey(t *testing.T) {
	svc, orgs, _, _ := newTestService(t)
	mustCreateOrg(t, orgs, store.Organization{ID: "org1", Active: true, RateLimit: 60, MaxAPIKeys: 5, MonthlyLimit: 1000})
	plaintext, _, err := svc.Create(context.Background(), apikey.CreateParams{OrganizationID: "org1", Environment: apikey.EnvTest})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	authCtx, err := svc.Validate(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if authCtx.OrganizationID != "org1" {
		t.Fatalf("expected org1, got %s", authCtx.OrganizationID)
	}
	if authCtx.EffectiveRateMin != 60 {
		t.Fatalf("expected effective rate 60, got %d", authCtx.EffectiveRateMin)
	}
}

func TestValidate_RejectsMalformedKey(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.Validate(context.Background(), "not-a-real-key")
	if !errors.Is(err, apikey.ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}
}

func TestValidate_RejectsRevokedKey(t *testing.T) {
	svc, orgs, _, _ := newTestService(t)
	mustCreateOrg(t, orgs, store.Organization{ID: "org1", Active: true, RateLimit: 60, MaxAPIKeys: 5, MonthlyLimit: 1000})
	plaintext, key, err := svc.Create(context.Background(), apikey.CreateParams{OrganizationID: "org1", Environment: apikey.EnvTest})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Revoke(context.Background(), key.ID, "compromised", "admin"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	_, err = svc.Validate(context.Background(), plaintext)
	if !errors.Is(err, apikey.ErrKeyRevoked) {
		t.Fatalf("expected ErrKeyRevoked, got %v", err)
	}
}

func TestValidate_RejectsExpiredKey(t *testing.T) {
	svc, orgs, keys, _ := newTestService(t)
	mustCreateOrg(t, orgs, store.Organization{ID: "org1", Active: true, RateLimit: 60, MaxAPIKeys: 5, MonthlyLimit: 1000})
	plaintext, key, err := svc.Create(context.Background(), apikey.CreateParams{OrganizationID: "org1", Environment: apikey.EnvTest})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	key.ExpiresAt = &past
	if err := keys.Update(context.Background(), key); err != nil {
		t.Fatalf("update: %v", err)
	}

	_, err = svc.Validate(context.Background(), plaintext)
	if !errors.Is(err, apikey.ErrKeyExpired) {
		t.Fatalf("expected ErrKeyExpired, got %v", err)
	}
}

func TestValidate_RejectsOrgInactiveAfterKeyIssued(t *testing.T) {
	svc, orgs, _, _ := newTestService(t)
	mustCreateOrg(t, orgs, store.Organization{ID: "org1", Active: true, RateLimit: 60, MaxAPIKeys: 5, MonthlyLimit: 1000})
	plaintext, _, err := svc.Create(context.Background(), apikey.CreateParams{OrganizationID: "org1", Environment: apikey.EnvTest})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	org, err := orgs.Get(context.Background(), "org1")
	if err != nil {
		t.Fatalf("get org: %v", err)
	}
	org.Active = false
	if err := orgs.Update(context.Background(), org); err != nil {
		t.Fatalf("update org: %v", err)
	}

	_, err = svc.Validate(context.Background(), plaintext)
	if !errors.Is(err, apikey.ErrOrgInactive) {
		t.Fatalf("expected ErrOrgInactive, got %v", err)
	}
}

func TestRevoke_IsIdempotent(t *testing.T) {
	svc, orgs, _, _ := newTestService(t)
	mustCreateOrg(t, orgs, store.Organization{ID: "org1", Active: true, RateLimit: 60, MaxAPIKeys: 5, MonthlyLimit: 1000})
	_, key, err := svc.Create(context.Background(), apikey.CreateParams{OrganizationID: "org1", Environment: apikey.EnvTest})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Revoke(context.Background(), key.ID, "reason1", "admin1"); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := svc.Revoke(context.Background(), key.ID, "reason2", "admin2"); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
}

func TestProperty_RevokeIsAlwaysIdempotent(t *testing.T) {
	params := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(params)

	properties.Property("revoking N times leaves the key revoked with the first revocation's metadata", prop.ForAll(
		func(calls int) bool {
			if calls < 1 {
				calls = 1
			}
			orgs := memory.NewOrganizationStore()
			keys := memory.NewAPIKeyStore()
			usage := memory.NewUsageStore()
			svc := apikey.New(orgs, keys, usage)
			if err := orgs.Create(context.Background(), store.Organization{ID: "org1", Active: true, RateLimit: 60, MaxAPIKeys: 5, MonthlyLimit: 1000}); err != nil {
				return false
			}
			_, key, err := svc.Create(context.Background(), apikey.CreateParams{OrganizationID: "org1", Environment: apikey.EnvTest})
			if err != nil {
				return false
			}
			for i := 0; i < calls; i++ {
				reason, by := "r-later", "u-later"
				if i == 0 {
					reason, by = "r-first", "u-first"
				}
				if err := svc.Revoke(context.Background(), key.ID, reason, by); err != nil {
					return false
				}
			}
			final, err := keys.Get(context.Background(), key.ID)
			if err != nil {
				return false
			}
			return final.Revoked() && final.RevokedReason == "r-first" && final.RevokedBy == "u-first"
		},
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func TestList_RedactsKeyHash(t *testing.T) {
	svc, orgs, _, _ := newTestService(t)
	mustCreateOrg(t, orgs, store.Organization{ID: "org1", Active: true, RateLimit: 60, MaxAPIKeys: 5, MonthlyLimit: 1000})
	_, _, err := svc.Create(context.Background(), apikey.CreateParams{OrganizationID: "org1", Environment: apikey.EnvTest})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	keys, err := svc.List(context.Background(), "org1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(keys))
	}
	if keys[0].KeyHash != "" {
		t.Fatal("expected redacted key hash in list results")
	}
}

func TestCheckMonthlyQuota_RejectsAtLimit(t *testing.T) {
	svc, orgs, _, usage := newTestService(t)
	mustCreateOrg(t, orgs, store.Organization{ID: "org1", Active: true, RateLimit: 60, MaxAPIKeys: 5, MonthlyLimit: 1000})
	_, key, err := svc.Create(context.Background(), apikey.CreateParams{OrganizationID: "org1", Environment: apikey.EnvTest})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now()
	for i := 0; i < 3; i++ {
		if err := usage.Insert(context.Background(), store.UsageRecord{ID: "u" + string(rune('0'+i)), KeyID: key.ID, CreatedAt: now}); err != nil {
			t.Fatalf("insert usage: %v", err)
		}
	}

	if err := svc.CheckMonthlyQuota(context.Background(), key.ID, 3); !errors.Is(err, apikey.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if err := svc.CheckMonthlyQuota(context.Background(), key.ID, 4); err != nil {
		t.Fatalf("expected quota not exceeded, got %v", err)
	}
}

func TestTrackUsage_IncrementsKeyTotalRequests(t *testing.T) {
	svc, orgs, keys, _ := newTestService(t)
	mustCreateOrg(t, orgs, store.Organization{ID: "org1", Active: true, RateLimit: 60, MaxAPIKeys: 5, MonthlyLimit: 1000})
	_, key, err := svc.Create(context.Background(), apikey.CreateParams{OrganizationID: "org1", Environment: apikey.EnvTest})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.TrackUsage(context.Background(), store.UsageRecord{KeyID: key.ID, Method: "POST", Path: "/v1/messages", StatusCode: 200}); err != nil {
		t.Fatalf("track usage: %v", err)
	}

	updated, err := keys.Get(context.Background(), key.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if updated.TotalRequests != 1 {
		t.Fatalf("expected total requests 1, got %d", updated.TotalRequests)
	}
}
