package auth

import (
	"fmt"
	"strings"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/obs"
)

// DenyReason explains a denial.
type DenyReason string

const (
	ReasonInsufficientPermission DenyReason = "INSUFFICIENT_PERMISSION"
	ReasonOrganizationMismatch   DenyReason = "ORGANIZATION_MISMATCH"
	ReasonDepartmentMismatch     DenyReason = "DEPARTMENT_MISMATCH"
	ReasonVisibilityRestricted   DenyReason = "VISIBILITY_RESTRICTED"
	ReasonUnauthenticated        DenyReason = "UNAUTHENTICATED"
)

// Scope locates a resource in the organization/department hierarchy. Empty
// fields are not checked.
type Scope struct {
	OrganizationID string `json:"organization_id,omitempty"`
	DepartmentID   string `json:"department_id,omitempty"`
}

// Resource is a scoped resource with a visibility tier.
type Resource struct {
	Scope
	Visibility Visibility `json:"visibility"`
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed            bool       `json:"allowed"`
	Reason             DenyReason `json:"reason,omitempty"`
	RequiredPermission string     `json:"required_permission,omitempty"`
	Scope              *Scope     `json:"scope,omitempty"`
}

// Err returns nil for an allow and a *DeniedError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Decision: d}
}

// DeniedError carries a denial through error returns. It matches ErrForbidden.
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	switch e.Decision.Reason {
	case ReasonInsufficientPermission:
		return fmt.Sprintf("missing permission %q", e.Decision.RequiredPermission)
	case ReasonOrganizationMismatch:
		return "resource belongs to another organization"
	case ReasonDepartmentMismatch:
		return "resource belongs to another department"
	case ReasonVisibilityRestricted:
		return "resource is not visible to caller"
	default:
		return "access denied"
	}
}

func (e *DeniedError) Unwrap() error { return ErrForbidden }

func allow() Decision {
	obs.Decision(true, "")
	return Decision{Allowed: true}
}

func deny(reason DenyReason, permission string, scope *Scope) Decision {
	obs.Decision(false, string(reason))
	return Decision{Reason: reason, RequiredPermission: permission, Scope: scope}
}

// Authorize decides whether claims may exercise permission on a resource in
// scope. The checks run in a fixed order: system-admin bypass, exact
// permission match, organization, department.
func Authorize(claims *Claims, permission string, scope Scope) Decision {
	if claims == nil {
		return deny(ReasonUnauthenticated, permission, nil)
	}
	if claims.IsSystemAdmin() {
		return allow()
	}
	if strings.TrimSpace(permission) == "" || !claims.HasPermission(permission) {
		return deny(ReasonInsufficientPermission, permission, nil)
	}
	if d, ok := checkOrganization(claims, scope); !ok {
		return d
	}
	if dept := strings.TrimSpace(scope.DepartmentID); dept != "" &&
		claims.DepartmentID != "" && claims.DepartmentID != dept &&
		!claims.CanCrossDepartments() {
		return deny(ReasonDepartmentMismatch, "", &Scope{DepartmentID: dept})
	}
	return allow()
}

// AuthorizeResource applies Authorize's permission and organization checks
// and then the visibility tier of res. Public resources are visible within
// the organization, department resources need a matching department or a
// cross-department permission, and private resources only to system admins.
// Anything that cannot be placed in a department is denied.
func AuthorizeResource(claims *Claims, permission string, res Resource) Decision {
	if claims == nil {
		return deny(ReasonUnauthenticated, permission, nil)
	}
	if claims.IsSystemAdmin() {
		return allow()
	}
	if strings.TrimSpace(permission) == "" || !claims.HasPermission(permission) {
		return deny(ReasonInsufficientPermission, permission, nil)
	}
	if d, ok := checkOrganization(claims, res.Scope); !ok {
		return d
	}

	switch res.Visibility {
	case VisibilityPublic:
		return allow()
	case VisibilityDepartment:
		if claims.CanCrossDepartments() {
			return allow()
		}
		dept := strings.TrimSpace(res.DepartmentID)
		if dept == "" || claims.DepartmentID == "" || claims.DepartmentID != dept {
			return deny(ReasonDepartmentMismatch, "", &Scope{DepartmentID: dept})
		}
		return allow()
	default:
		return deny(ReasonVisibilityRestricted, "", nil)
	}
}

func checkOrganization(claims *Claims, scope Scope) (Decision, bool) {
	org := strings.TrimSpace(scope.OrganizationID)
	if org == "" || org == claims.OrganizationID {
		return Decision{}, true
	}
	return deny(ReasonOrganizationMismatch, "", &Scope{OrganizationID: org}), false
}
