package auth

import (
	"fmt"
	"strings"
)

// Permissions gating the administrative API.
const (
	PermSystemAdmin       = "system.admin"
	PermOrganizationAdmin = "organization.admin"
	PermDeviceManage      = "device.manage"
	PermPermissionRead    = "permission.read"
	PermPermissionManage  = "permission.manage"
	PermRoleRead          = "role.read"
	PermRoleManage        = "role.manage"
	PermUserManageRoles   = "user.manage_roles"
)

// DefaultHiddenPermissions are internal bootstrap capabilities that must never
// be listed or assigned through the API.
var DefaultHiddenPermissions = []string{
	"system.bootstrap",
	"system.internal",
	"system.impersonate",
}

// HiddenFilter is the single boundary where hidden permissions are removed.
// Every listing, assignment and token issue goes through it.
type HiddenFilter struct {
	names StringSet
}

// NewHiddenFilter builds a filter for the reserved names.
func NewHiddenFilter(names ...string) HiddenFilter {
	normalized := make([]string, 0, len(names))
	for _, n := range names {
		normalized = append(normalized, normalizePermissionName(n))
	}
	return HiddenFilter{names: NewStringSet(normalized...)}
}

// IsHidden reports whether name is reserved.
func (f HiddenFilter) IsHidden(name string) bool {
	return f.names.Has(normalizePermissionName(name))
}

// Filter returns a new set without hidden names. The input is not modified.
func (f HiddenFilter) Filter(set StringSet) StringSet {
	out := make(StringSet, len(set))
	for name := range set {
		if f.IsHidden(name) {
			continue
		}
		out[name] = struct{}{}
	}
	return out
}

// FilterPermissions drops hidden permissions from a listing.
func (f HiddenFilter) FilterPermissions(perms []Permission) []Permission {
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		if f.IsHidden(p.Name) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// FirstHidden returns the first hidden name in names, if any.
func (f HiddenFilter) FirstHidden(names []string) (string, bool) {
	for _, n := range names {
		if f.IsHidden(n) {
			return n, true
		}
	}
	return "", false
}

// ParsePermissionName splits a dotted resource.action name.
func ParsePermissionName(name string) (resource, action string, err error) {
	name = normalizePermissionName(name)
	resource, action, ok := strings.Cut(name, ".")
	if !ok || resource == "" || action == "" || strings.Contains(action, ".") {
		return "", "", fmt.Errorf("%w: permission %q must be resource.action", ErrInvalidInput, name)
	}
	return resource, action, nil
}

func normalizePermissionName(name string) string {
	return strings.TrimSpace(strings.ToLower(name))
}

func normalizeNames(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = normalizePermissionName(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
