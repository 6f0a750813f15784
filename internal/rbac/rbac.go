// Package rbac maps the numeric account roles to the actions they allow.
package rbac

// Roles are stored as integers. Lower is more privileged.
const (
	RoleAdmin   = 0
	RoleTrainer = 1
	RoleTrainee = 2
)

// Actions the HTTP layer checks before dispatching.
const (
	ActionRead    = "read"
	ActionWrite   = "write"
	ActionApprove = "approve"
	ActionAdmin   = "admin"
)

var rolePermissions = map[int]map[string]bool{
	RoleAdmin: {
		ActionRead:    true,
		ActionWrite:   true,
		ActionApprove: true,
		ActionAdmin:   true,
	},
	RoleTrainer: {
		ActionRead:    true,
		ActionWrite:   true,
		ActionApprove: true,
	},
	RoleTrainee: {
		ActionRead:  true,
		ActionWrite: true,
	},
}

// Can reports whether the role may perform the action. Unknown roles can do
// nothing.
func Can(role int, action string) bool {
	return rolePermissions[role][action]
}

// Normalize coerces out-of-range role values to trainee so a corrupted row
// never grants extra privilege.
func Normalize(role int) int {
	if role < RoleAdmin || role > RoleTrainee {
		return RoleTrainee
	}
	return role
}

// ValidRole reports whether the value names a known role, used when admins
// assign roles to accounts.
func ValidRole(role int) bool {
	_, ok := rolePermissions[role]
	return ok
}

// Label returns a human-readable role name for responses and logs.
func Label(role int) string {
	switch role {
	case RoleAdmin:
		return "admin"
	case RoleTrainer:
		return "trainer"
	case RoleTrainee:
		return "trainee"
	default:
		return "unknown"
	}
}
