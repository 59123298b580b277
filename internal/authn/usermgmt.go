package authn

// UserAdmin is the opaque user-management contract for the admin CRUD
// message types in the WebSocket protocol (spec §4.6's "administrative"
// type family). Kept distinct from Store: Store is the narrow contract the
// login/session path needs, UserAdmin is the broader one only the admin
// console touches. A deployment without an admin console can satisfy Store
// alone and leave UserAdmin nil.
type UserAdmin interface {
	ListUsers() ([]User, error)
	CreateUser(username, password string, isAdmin bool) error
	DeleteUser(username string) error
	SetPassword(username, newPassword string) error
	SetLocked(username string, locked bool) error
	SetAdmin(username string, isAdmin bool) error
}
