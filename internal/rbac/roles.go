package rbac

// Role names. Keep these stable; they are carried in access tokens.
const (
	RoleUser      = "user"
	RoleTherapist = "therapist"
	RoleAdmin     = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

// Valid reports whether role is one the service issues.
func Valid(role string) bool {
	switch role {
	case RoleUser, RoleTherapist, RoleAdmin:
		return true
	default:
		return false
	}
}
