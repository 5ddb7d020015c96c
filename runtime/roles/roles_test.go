package roles_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/driveline-ai/driveline/runtime/roles"
	"github.com/driveline-ai/driveline/runtime/tenant"
)

func profile(role tenant.Role) tenant.UserProfile {
	return tenant.UserProfile{ID: uuid.New(), Role: role}
}

func TestLevelOrdering(t *testing.T) {
	require.Greater(t, roles.Level(tenant.RoleOwner), roles.Level(tenant.RoleManager))
	require.Greater(t, roles.Level(tenant.RoleManager), roles.Level(tenant.RoleSalesperson))
	require.Greater(t, roles.Level(tenant.RoleSalesperson), roles.Level(tenant.Role("intern")))
	require.Zero(t, roles.Level(tenant.Role("intern")))
}

func TestPermissions(t *testing.T) {
	owner := profile(tenant.RoleOwner)
	manager := profile(tenant.RoleManager)
	sales := profile(tenant.RoleSalesperson)

	require.True(t, roles.CanManageSettings(owner))
	require.True(t, roles.CanManageSettings(manager))
	require.False(t, roles.CanManageSettings(sales))

	require.True(t, roles.CanInvite(manager))
	require.False(t, roles.CanInvite(sales))

	require.True(t, roles.CanAssignRoles(owner))
	require.False(t, roles.CanAssignRoles(manager))

	require.True(t, roles.CanManageInventory(sales))
	require.False(t, roles.CanManageInventory(profile(tenant.Role("intern"))))
}

func TestCheckRoleChange(t *testing.T) {
	owner := profile(tenant.RoleOwner)
	manager := profile(tenant.RoleManager)
	target := uuid.New()

	require.NoError(t, roles.CheckRoleChange(owner, target))
	require.ErrorIs(t, roles.CheckRoleChange(owner, owner.ID), roles.ErrSelfChange)
	require.EqualError(t, roles.CheckRoleChange(manager, target), "roles: assigning roles requires owner")
}

func TestCheckRemoval(t *testing.T) {
	manager := profile(tenant.RoleManager)
	sales := profile(tenant.RoleSalesperson)
	target := uuid.New()

	require.NoError(t, roles.CheckRemoval(manager, target))
	require.ErrorIs(t, roles.CheckRemoval(manager, manager.ID), roles.ErrSelfChange)
	require.EqualError(t, roles.CheckRemoval(sales, target), "roles: removing staff requires manager")
}
