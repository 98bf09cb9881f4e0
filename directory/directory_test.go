package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/types"
)

func TestStaticDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewStaticDirectory(map[string][]string{
		"finance_manager": {"alice", "bob"},
		"cfo":             {"carla"},
		"ap_admin":        {"alice"},
	})

	users, err := d.UsersWithRole(ctx, "finance_manager")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)

	users[0] = "mallory"
	again, err := d.UsersWithRole(ctx, "finance_manager")
	require.NoError(t, err)
	assert.Equal(t, "alice", again[0])

	users, err = d.UsersWithRole(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, users)

	roles, err := d.UserRoles(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"ap_admin", "finance_manager"}, roles)

	d.SetRole("cfo", []string{"dan"})
	users, err = d.UsersWithRole(ctx, "cfo")
	require.NoError(t, err)
	assert.Equal(t, []string{"dan"}, users)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = d.UsersWithRole(cancelled, "cfo")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRoleAuthorizer(t *testing.T) {
	ctx := context.Background()
	d := NewStaticDirectory(map[string][]string{
		"ap_admin":        {"alice"},
		"finance_manager": {"bob"},
	})
	a := NewRoleAuthorizer(d, "ap_admin")

	ok, err := a.CanCancel(ctx, "alice", types.RequestView{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.CanCancel(ctx, "bob", types.RequestView{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.CanCancel(ctx, "nobody", types.RequestView{})
	require.NoError(t, err)
	assert.False(t, ok)
}
