package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleOwner  Role = "owner"
)

const (
	ActionRead        Action = "read"
	ActionWrite       Action = "write"
	ActionInvite      Action = "invite"
	ActionDeleteBoard Action = "delete_board"
)

func rank(role Role) int {
	switch role {
	case RoleOwner:
		return 3
	case RoleMember:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether role grants everything required grants.
func AtLeast(role, required Role) bool {
	return rank(role) > 0 && rank(role) >= rank(required)
}

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Required is the weakest role allowed to perform action.
func Required(action Action) Role {
	switch action {
	case ActionRead:
		return RoleViewer
	case ActionWrite:
		return RoleMember
	default:
		return RoleOwner
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleMember, RoleOwner:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Valid reports whether role is one of the known roles.
func Valid(role string) bool {
	return rank(Role(role)) > 0
}
