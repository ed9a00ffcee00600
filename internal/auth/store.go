package auth

import (
	"context"
	"time"
)

// UserStore reads identities.
type UserStore interface {
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
}

// GraphStore reads the user -> role -> permission graph.
type GraphStore interface {
	// ActiveRoles returns roles whose assignment to userID is in effect at now.
	ActiveRoles(ctx context.Context, userID string, now time.Time) ([]Role, error)
	PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error)
}

// RBACStore mutates roles, permissions and assignments.
type RBACStore interface {
	GraphStore

	ListPermissions(ctx context.Context) ([]Permission, error)
	PermissionsByName(ctx context.Context, names []string) ([]Permission, error)
	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	DeletePermission(ctx context.Context, name string) error

	ListRoles(ctx context.Context, organizationID string) ([]Role, error)
	GetRole(ctx context.Context, id string) (Role, error)
	CreateRole(ctx context.Context, r Role) (Role, error)
	DeleteRole(ctx context.Context, id string) error
	AddRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error
	RemoveRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error
	// RolesWithPermission lists roles currently holding the permission.
	RolesWithPermission(ctx context.Context, permissionID string) ([]string, error)

	AssignRole(ctx context.Context, a UserRole) (UserRole, error)
	RevokeRole(ctx context.Context, userID, roleID string, at time.Time) error
	// UsersWithRole lists users holding an active assignment of roleID.
	UsersWithRole(ctx context.Context, roleID string) ([]string, error)
}

// SessionStore persists login sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	// RotateSessionSecret swaps oldHash for newHash on an active session. It
	// returns ErrNotFound when the session is gone or oldHash no longer matches.
	RotateSessionSecret(ctx context.Context, id, oldHash, newHash string, at time.Time) error
	RevokeSession(ctx context.Context, id string, at time.Time) error
	RevokeUserSessions(ctx context.Context, userID string, at time.Time) (int64, error)
}

// Store is everything the auth core needs from persistence.
type Store interface {
	UserStore
	RBACStore
	SessionStore
}

// AuditEvent is a best-effort record of an authentication or RBAC action.
type AuditEvent struct {
	Action       string
	ActorUserID  string
	ActorOrgID   string
	ResourceType string
	ResourceID   string
	Metadata     map[string]string
	OccurredAt   time.Time
}

// AuditNotifier receives audit events. Notify must not block the request
// path and has no error to report.
type AuditNotifier interface {
	Notify(ctx context.Context, event AuditEvent)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, AuditEvent) {}
