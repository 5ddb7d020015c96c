// Package roles maps dealership roles to permission levels.
//
// The hierarchy is fixed: owner outranks manager outranks salesperson.
// Callers load a profile from the tenant store and ask this package whether
// the action is allowed; nothing here touches storage.
package roles

import (
	"errors"

	"github.com/google/uuid"

	"github.com/driveline-ai/driveline/runtime/tenant"
)

// Permission levels per role. Gaps leave room for new roles without
// renumbering.
const (
	LevelOwner       = 100
	LevelManager     = 80
	LevelSalesperson = 40
)

// ErrSelfChange is returned when a user tries to demote or remove their own
// profile.
var ErrSelfChange = errors.New("roles: cannot change own role or membership")

// Level returns the permission level for a role. Unknown roles rank below
// every known one.
func Level(r tenant.Role) int {
	switch r {
	case tenant.RoleOwner:
		return LevelOwner
	case tenant.RoleManager:
		return LevelManager
	case tenant.RoleSalesperson:
		return LevelSalesperson
	}
	return 0
}

// HasLevel reports whether the profile's role meets the required level.
func HasLevel(p tenant.UserProfile, required int) bool {
	return Level(p.Role) >= required
}

// CanManageSettings reports whether the profile may write dealership
// settings. Requires manager or above.
func CanManageSettings(p tenant.UserProfile) bool {
	return HasLevel(p, LevelManager)
}

// CanInvite reports whether the profile may invite staff. Requires manager
// or above.
func CanInvite(p tenant.UserProfile) bool {
	return HasLevel(p, LevelManager)
}

// CanAssignRoles reports whether the profile may change another profile's
// role. Owners only.
func CanAssignRoles(p tenant.UserProfile) bool {
	return HasLevel(p, LevelOwner)
}

// CanManageInventory reports whether the profile may create, update, or
// delete vehicles. Any staff role qualifies.
func CanManageInventory(p tenant.UserProfile) bool {
	return HasLevel(p, LevelSalesperson)
}

// CheckRoleChange validates that actor may set target's role. Owners may
// change anyone but themselves.
func CheckRoleChange(actor tenant.UserProfile, targetProfileID uuid.UUID) error {
	if actor.ID == targetProfileID {
		return ErrSelfChange
	}
	if !CanAssignRoles(actor) {
		return errors.New("roles: assigning roles requires owner")
	}
	return nil
}

// CheckRemoval validates that actor may remove target from the dealership.
// Managers and owners may remove staff; nobody removes themselves.
func CheckRemoval(actor tenant.UserProfile, targetProfileID uuid.UUID) error {
	if actor.ID == targetProfileID {
		return ErrSelfChange
	}
	if !HasLevel(actor, LevelManager) {
		return errors.New("roles: removing staff requires manager")
	}
	return nil
}
