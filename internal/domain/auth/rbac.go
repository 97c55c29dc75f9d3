// Package auth identifies callers and decides what they may do.
package auth

import "context"

// Role names a set of permissions. Roles inherit from their parent.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleSupport  Role = "SUPPORT"
	RoleAdmin    Role = "ADMIN"
)

// Permission names a guarded operation.
type Permission string

const (
	PermPricingRead     Permission = "pricing:read"
	PermOrdersCreate    Permission = "orders:create"
	PermOrdersReadAny   Permission = "orders:read:any"
	PermOrdersCancelAny Permission = "orders:cancel:any"
	PermOrdersManage    Permission = "orders:manage"
)

type roleDef struct {
	parent      Role
	permissions []Permission
}

var roles = map[Role]roleDef{
	RoleCustomer: {permissions: []Permission{PermPricingRead, PermOrdersCreate}},
	RoleSupport:  {parent: RoleCustomer, permissions: []Permission{PermOrdersReadAny, PermOrdersCancelAny}},
	RoleAdmin:    {parent: RoleSupport, permissions: []Permission{PermOrdersManage}},
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roles[r]
	return ok
}

// Principal is an authenticated caller.
type Principal struct {
	UserID        string
	Role          Role
	CustomerGroup string
}

// SystemUserID identifies actions taken by the service itself, such as
// workflow status updates.
const SystemUserID = "system"

// System returns the principal used for internal actions.
func System() Principal {
	return Principal{UserID: SystemUserID, Role: RoleAdmin}
}

// HasPermission reports whether p's role, or any role it inherits from,
// grants perm. Unknown roles grant nothing.
func HasPermission(p Principal, perm Permission) bool {
	seen := make(map[Role]bool, len(roles))
	for role := p.Role; role != "" && !seen[role]; {
		seen[role] = true
		def, ok := roles[role]
		if !ok {
			return false
		}
		for _, granted := range def.permissions {
			if granted == perm {
				return true
			}
		}
		role = def.parent
	}
	return false
}

// RBAC adapts HasPermission to the interface consumed by services.
type RBAC struct{}

// HasPermission reports whether p holds perm.
func (RBAC) HasPermission(p Principal, perm Permission) bool {
	return HasPermission(p, perm)
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored in ctx.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
