package actions

import (
	"context"
	"slices"

	"ctfsentinel/internal/state"
	"ctfsentinel/internal/transport"
)

// ChatPermissions allows a user to manage a tenant when any of these hold:
//   - the user is a global owner
//   - the tenant is the user's private chat
//   - the user is listed in the tenant's admin_users setting
//   - the platform reports the user as a chat administrator
type ChatPermissions struct {
	Owners  []int64
	Tenants *state.Tenants
	Admins  transport.AdminChecker
}

func (p ChatPermissions) CanManage(ctx context.Context, tenant, user int64) (bool, error) {
	if user == 0 {
		return false, nil
	}
	if slices.Contains(p.Owners, user) || tenant == user {
		return true, nil
	}
	if p.Tenants != nil && p.Tenants.Settings(tenant).IsAdmin(user) {
		return true, nil
	}
	if p.Admins == nil {
		return false, nil
	}
	return p.Admins.IsChatAdmin(ctx, tenant, user)
}
