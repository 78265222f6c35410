// Package role defines the closed set of account roles and what each may do.
package role

import "fmt"

// Role is an account role. The zero value is not a valid role.
type Role string

const (
	Superadmin Role = "superadmin"
	Admin      Role = "admin"
	Editor     Role = "editor"
	Support    Role = "support"
	Writer     Role = "writer"
	Client     Role = "client"
)

var all = []Role{Superadmin, Admin, Editor, Support, Writer, Client}

// All returns every role.
func All() []Role {
	out := make([]Role, len(all))
	copy(out, all)
	return out
}

// Parse converts s into a Role, rejecting anything outside the closed set.
func Parse(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	switch r {
	case Superadmin, Admin, Editor, Support, Writer, Client:
		return true
	}
	return false
}

func (r Role) String() string { return string(r) }

// IsAdmin is true for superadmin and admin.
func (r Role) IsAdmin() bool { return r == Superadmin || r == Admin }

// IsStaff is true for every role that works for the platform rather than buying from it.
func (r Role) IsStaff() bool { return r == Superadmin || r == Admin || r == Editor || r == Support }

// CanSelfRegister is true for roles that may be chosen at sign-up.
func (r Role) CanSelfRegister() bool { return r == Client || r == Writer }

// CanRequestEmailChange: only clients go through the admin-approved email change flow.
func (r Role) CanRequestEmailChange() bool { return r == Client }

func (r Role) CanApproveEmailChange() bool { return r.IsAdmin() }

// CanManageAccounts covers admin lock/unlock, lockout inspection and the security event log.
func (r Role) CanManageAccounts() bool { return r.IsAdmin() || r == Support }

func (r Role) CanManageDeletion() bool { return r.IsAdmin() }

// CanManageSessionPolicy covers changing another user's session limit policy.
func (r Role) CanManageSessionPolicy() bool { return r.IsAdmin() }
