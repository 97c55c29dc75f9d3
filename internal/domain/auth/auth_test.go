package auth

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleCustomer, PermOrdersCreate, true},
		{RoleCustomer, PermOrdersCancelAny, false},
		{RoleCustomer, PermOrdersManage, false},
		{RoleSupport, PermOrdersCreate, true},
		{RoleSupport, PermOrdersCancelAny, true},
		{RoleSupport, PermOrdersManage, false},
		{RoleAdmin, PermPricingRead, true},
		{RoleAdmin, PermOrdersReadAny, true},
		{RoleAdmin, PermOrdersManage, true},
		{Role("GUEST"), PermPricingRead, false},
		{Role(""), PermPricingRead, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.perm), func(t *testing.T) {
			assert.Equal(t, tt.want, HasPermission(Principal{UserID: "u1", Role: tt.role}, tt.perm))
		})
	}
}

func TestSystemPrincipal(t *testing.T) {
	assert.True(t, RBAC{}.HasPermission(System(), PermOrdersManage))
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFrom(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{UserID: "u7", Role: RoleCustomer})
	p, ok := PrincipalFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "u7", p.UserID)
}

type mockKeys struct {
	byHash map[string]*APIKeyInfo
}

func (m *mockKeys) FindByHash(_ context.Context, hash string) (*APIKeyInfo, error) {
	info, ok := m.byHash[hash]
	if !ok {
		return nil, errors.New("api key not found")
	}
	return info, nil
}

func TestAuthenticator(t *testing.T) {
	pepper := []byte("pepper")
	hash := HashAPIKey("secret-key", pepper)
	keys := &mockKeys{byHash: map[string]*APIKeyInfo{
		hash: {ID: "k1", KeyHash: hash, UserID: "u1", Role: RoleSupport, CustomerGroup: "vip"},
	}}
	a := NewAuthenticator(keys, pepper)

	p, err := a.Authenticate(context.Background(), "secret-key")
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "u1", Role: RoleSupport, CustomerGroup: "vip"}, p)

	_, err = a.Authenticate(context.Background(), "wrong-key")
	require.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = a.Authenticate(context.Background(), "")
	require.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestAuthenticator_StoredHashMismatch(t *testing.T) {
	pepper := []byte("pepper")
	hash := HashAPIKey("secret-key", pepper)
	keys := &mockKeys{byHash: map[string]*APIKeyInfo{
		hash: {ID: "k1", KeyHash: HashAPIKey("other", pepper), UserID: "u1", Role: RoleCustomer},
	}}

	_, err := NewAuthenticator(keys, pepper).Authenticate(context.Background(), "secret-key")
	require.ErrorIs(t, err, ErrInvalidAPIKey)
}
