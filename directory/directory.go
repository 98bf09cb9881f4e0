// Package directory resolves approver roles and cancel permissions from a
// static role table, typically loaded from configuration.
package directory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/songzhibin97/approval-engine/types"
)

// StaticDirectory maps roles to user identities.
type StaticDirectory struct {
	mu    sync.RWMutex
	roles map[string][]string
}

// NewStaticDirectory copies roles into a new directory.
func NewStaticDirectory(roles map[string][]string) *StaticDirectory {
	d := &StaticDirectory{roles: make(map[string][]string, len(roles))}
	for role, users := range roles {
		d.SetRole(role, users)
	}
	return d
}

// SetRole replaces the members of role.
func (d *StaticDirectory) SetRole(role string, users []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[role] = append([]string(nil), users...)
}

// UsersWithRole returns the members of role in configured order. Unknown
// roles have no members.
func (d *StaticDirectory) UsersWithRole(ctx context.Context, role string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.roles[role]...), nil
}

// UserRoles returns the roles user belongs to, sorted.
func (d *StaticDirectory) UserRoles(ctx context.Context, user string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for role, users := range d.roles {
		if slices.Contains(users, user) {
			out = append(out, role)
		}
	}
	sort.Strings(out)
	return out, nil
}

// RoleLookup returns the roles held by a user.
type RoleLookup interface {
	UserRoles(ctx context.Context, user string) ([]string, error)
}

// RoleAuthorizer lets holders of any privileged role cancel requests they
// did not raise.
type RoleAuthorizer struct {
	lookup     RoleLookup
	privileged []string
}

// NewRoleAuthorizer creates an authorizer for the given privileged roles.
func NewRoleAuthorizer(lookup RoleLookup, privileged ...string) *RoleAuthorizer {
	return &RoleAuthorizer{lookup: lookup, privileged: privileged}
}

// CanCancel reports whether actor holds a privileged role.
func (a *RoleAuthorizer) CanCancel(ctx context.Context, actor string, _ types.RequestView) (bool, error) {
	roles, err := a.lookup.UserRoles(ctx, actor)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if slices.Contains(a.privileged, r) {
			return true, nil
		}
	}
	return false, nil
}
