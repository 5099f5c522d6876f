package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckScope_Wildcard(t *testing.T) {
	assert.True(t, CheckScope([]string{"*"}, "payments.write"))
	assert.True(t, CheckScope([]string{"tickets.read"}, "tickets.read"))
	assert.False(t, CheckScope([]string{"tickets.read"}, "payments.write"))
}

func TestCheckAnyAndAllScopes(t *testing.T) {
	granted := []string{"tickets.read", "account.read"}
	assert.True(t, CheckAnyScope(granted, []string{"payments.write", "account.read"}))
	assert.False(t, CheckAnyScope(granted, []string{"payments.write"}))
	assert.True(t, CheckAllScopes(granted, []string{"tickets.read", "account.read"}))
	assert.False(t, CheckAllScopes(granted, []string{"tickets.read", "payments.write"}))
}

func TestNormalizeScopes(t *testing.T) {
	assert.Equal(t, []string{"tickets.read", "account.read"}, NormalizeScopes(" tickets.read, account.read ,"))
	assert.Nil(t, NormalizeScopes(""))
}

func TestContextRoundTrip(t *testing.T) {
	ac := &AuthContext{KeyID: "k1", OrganizationID: "o1", Scopes: []string{"*"}}
	ctx := WithContext(context.Background(), ac)
	assert.Equal(t, ac, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
}
