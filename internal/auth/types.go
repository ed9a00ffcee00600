package auth

import (
	"sort"
	"time"
)

// User is the identity whose permissions are resolved. Users are never
// deleted, only deactivated. UpdatedAt doubles as the permission version
// clock: any profile write moves it forward.
type User struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	PasswordHash   string    `json:"-"`
	IsActive       bool      `json:"is_active"`
	OrganizationID string    `json:"organization_id,omitempty"`
	DepartmentID   string    `json:"department_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PermissionVersion returns the coarse version clock embedded in tokens.
func (u User) PermissionVersion() int64 {
	return u.UpdatedAt.Unix()
}

// Role bundles permissions. An empty OrganizationID means a global role.
type Role struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	IsSystemRole   bool      `json:"is_system_role"`
	OrganizationID string    `json:"organization_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Permission is an atomic capability named resource.action.
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Category    string    `json:"category,omitempty"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	IsSystem    bool      `json:"is_system"`
	CreatedAt   time.Time `json:"created_at"`
}

// AssignmentState is the lifecycle state of a user-role assignment.
type AssignmentState int

const (
	AssignmentActive AssignmentState = iota
	AssignmentExpired
	AssignmentRevoked
)

func (s AssignmentState) String() string {
	switch s {
	case AssignmentActive:
		return "active"
	case AssignmentExpired:
		return "expired"
	case AssignmentRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// UserRole assigns a role to a user, optionally until ValidUntil.
type UserRole struct {
	UserID     string     `json:"user_id"`
	RoleID     string     `json:"role_id"`
	IsActive   bool       `json:"is_active"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	AssignedAt time.Time  `json:"assigned_at"`
}

// State reports whether the assignment is in effect at now. Revocation wins
// over expiry.
func (a UserRole) State(now time.Time) AssignmentState {
	if !a.IsActive {
		return AssignmentRevoked
	}
	if a.ValidUntil != nil && !a.ValidUntil.After(now) {
		return AssignmentExpired
	}
	return AssignmentActive
}

// SessionState is the lifecycle state of a login session. Expired and
// Revoked are terminal.
type SessionState int

const (
	SessionActive SessionState = iota
	SessionExpired
	SessionRevoked
)

func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionExpired:
		return "expired"
	case SessionRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Session backs a refresh-credential lineage.
type Session struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	RefreshTokenHash string     `json:"-"`
	ExpiresAt        time.Time  `json:"expires_at"`
	IsActive         bool       `json:"is_active"`
	LastActivity     time.Time  `json:"last_activity"`
	CreatedAt        time.Time  `json:"created_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	IPAddress        string     `json:"ip_address,omitempty"`
	UserAgent        string     `json:"user_agent,omitempty"`
}

// State derives the lifecycle state at now.
func (s Session) State(now time.Time) SessionState {
	if !s.IsActive || s.RevokedAt != nil {
		return SessionRevoked
	}
	if !s.ExpiresAt.After(now) {
		return SessionExpired
	}
	return SessionActive
}

// Touch records activity on an active session. Terminal sessions are left
// unchanged and reported as not touched.
func (s *Session) Touch(now time.Time) bool {
	if s.State(now) != SessionActive {
		return false
	}
	s.LastActivity = now
	return true
}

// Revoke moves an active session to Revoked. Expired sessions stay expired.
func (s *Session) Revoke(now time.Time) bool {
	if s.State(now) != SessionActive {
		return false
	}
	s.IsActive = false
	s.RevokedAt = &now
	return true
}

// StringSet is an unordered set of names.
type StringSet map[string]struct{}

// NewStringSet builds a set, ignoring empty values.
func NewStringSet(values ...string) StringSet {
	set := make(StringSet, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}

func (s StringSet) Has(v string) bool {
	_, ok := s[v]
	return ok
}

func (s StringSet) Add(v string) {
	if v != "" {
		s[v] = struct{}{}
	}
}

// Sorted returns the members in lexical order, for deterministic encoding.
func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Equal reports set equality.
func (s StringSet) Equal(o StringSet) bool {
	if len(s) != len(o) {
		return false
	}
	for k := range s {
		if !o.Has(k) {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s StringSet) Clone() StringSet {
	out := make(StringSet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// PermissionSet is the flattened result of resolving a user's roles.
type PermissionSet struct {
	Permissions StringSet
	Roles       StringSet
}

// Clone returns a deep copy so cached sets cannot be mutated by callers.
func (p PermissionSet) Clone() PermissionSet {
	return PermissionSet{Permissions: p.Permissions.Clone(), Roles: p.Roles.Clone()}
}
