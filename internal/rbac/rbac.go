package rbac

type Role string
type Action string

const (
	RoleClient Role = "client"
	RoleAdmin  Role = "admin"
)

const (
	ActionView     Action = "view"
	ActionAnnotate Action = "annotate"
	ActionApprove  Action = "approve"
	ActionUnlock   Action = "unlock"
	ActionRevise   Action = "revise"
	ActionEditMeta Action = "edit_meta"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleClient:
		return action == ActionView || action == ActionAnnotate || action == ActionApprove
	default:
		return false
	}
}

// ReadOnly reports whether role may only view a proof. A client loses write
// access once the proof is approved.
func ReadOnly(role Role, locked bool) bool {
	if !Can(role, ActionAnnotate) {
		return true
	}
	return role == RoleClient && locked
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleClient, RoleAdmin:
		return Role(role)
	default:
		return RoleClient
	}
}
