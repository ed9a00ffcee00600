package auth

import (
	"fmt"
	"strings"
)

// Visibility is the tier of a device-like resource.
type Visibility string

const (
	VisibilityPublic     Visibility = "public"
	VisibilityDepartment Visibility = "department"
	VisibilityPrivate    Visibility = "private"
)

// ParseVisibility normalizes v and rejects unknown tiers.
func ParseVisibility(v string) (Visibility, error) {
	switch vis := Visibility(strings.TrimSpace(strings.ToLower(v))); vis {
	case VisibilityPublic, VisibilityDepartment, VisibilityPrivate:
		return vis, nil
	default:
		return "", fmt.Errorf("%w: unknown visibility %q", ErrInvalidInput, v)
	}
}

// NormalizeVisibility enforces the write-time consistency of a visibility
// change and returns the department id to store. A private resource loses its
// department with a warning; a department resource without a department is
// kept but flagged.
func NormalizeVisibility(visibility, departmentID string) (Visibility, string, []string, error) {
	vis, err := ParseVisibility(visibility)
	if err != nil {
		return "", departmentID, nil, err
	}
	departmentID = strings.TrimSpace(departmentID)
	var warnings []string
	switch vis {
	case VisibilityPrivate:
		if departmentID != "" {
			warnings = append(warnings, fmt.Sprintf("department_id %s cleared: private resources cannot belong to a department", departmentID))
			departmentID = ""
		}
	case VisibilityDepartment:
		if departmentID == "" {
			warnings = append(warnings, "department visibility without department_id: only cross-department callers will see this resource")
		}
	}
	return vis, departmentID, warnings, nil
}
