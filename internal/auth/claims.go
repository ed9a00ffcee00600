package auth

import "strings"

// Policy names the permissions with special meaning to the decision layer.
type Policy struct {
	SystemAdminPermission      string
	CrossDepartmentPermissions []string
}

// DefaultPolicy returns the stock policy.
func DefaultPolicy() Policy {
	return Policy{
		SystemAdminPermission:      PermSystemAdmin,
		CrossDepartmentPermissions: []string{PermDeviceManage, PermOrganizationAdmin},
	}
}

// Claims is the verified identity of a caller. It is built once per request
// from the access token and passed down explicitly.
type Claims struct {
	UserID            string
	Username          string
	OrganizationID    string
	DepartmentID      string
	SessionID         string
	TokenID           string
	PermissionVersion int64

	permissions StringSet
	roles       StringSet
	policy      Policy
}

// NewClaims builds Claims under policy.
func (p Policy) NewClaims(userID, username, orgID, deptID string, permissions, roles []string) *Claims {
	return &Claims{
		UserID:         userID,
		Username:       username,
		OrganizationID: orgID,
		DepartmentID:   deptID,
		permissions:    NewStringSet(nonEmpty(permissions)...),
		roles:          NewStringSet(roles...),
		policy:         p,
	}
}

// FromAccessClaims converts verified token claims.
func (p Policy) FromAccessClaims(ac *AccessClaims) *Claims {
	c := p.NewClaims(ac.Subject, ac.Username, ac.OrganizationID, ac.DepartmentID, ac.Permissions, ac.Roles)
	c.SessionID = ac.SessionID
	c.TokenID = ac.ID
	c.PermissionVersion = ac.PermissionVersion
	return c
}

// HasPermission reports an exact match on the permission name. Names are
// canonical from creation on, so no folding happens here.
func (c *Claims) HasPermission(name string) bool {
	if c == nil || name == "" {
		return false
	}
	return c.permissions.Has(name)
}

// HasRole reports membership by role name.
func (c *Claims) HasRole(name string) bool {
	if c == nil {
		return false
	}
	return c.roles.Has(strings.TrimSpace(name))
}

// IsSystemAdmin reports whether the caller holds the system-admin permission.
func (c *Claims) IsSystemAdmin() bool {
	if c == nil || c.policy.SystemAdminPermission == "" {
		return false
	}
	return c.HasPermission(c.policy.SystemAdminPermission)
}

// CanCrossDepartments reports whether the caller holds any cross-department
// permission.
func (c *Claims) CanCrossDepartments() bool {
	if c == nil {
		return false
	}
	for _, p := range c.policy.CrossDepartmentPermissions {
		if c.HasPermission(p) {
			return true
		}
	}
	return false
}

// Permissions returns the sorted permission names.
func (c *Claims) Permissions() []string {
	if c == nil {
		return nil
	}
	return c.permissions.Sorted()
}

// Roles returns the sorted role names.
func (c *Claims) Roles() []string {
	if c == nil {
		return nil
	}
	return c.roles.Sorted()
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
