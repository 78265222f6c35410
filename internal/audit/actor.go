package audit

import (
	"acad-system/backend/internal/audit/domain"
	userdomain "acad-system/backend/internal/user/domain"
)

// ActorOf resolves the audit identity of u. A nil user yields the empty (system) actor.
func ActorOf(u *userdomain.User) domain.Actor {
	if u == nil {
		return domain.Actor{}
	}
	return domain.Actor{UserID: u.ID, Email: u.Email, Role: string(u.Role)}
}
