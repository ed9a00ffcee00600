package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/auth"
)

type createPermissionRequest struct {
	Name        string `json:"name" validate:"required,max=128"`
	Category    string `json:"category" validate:"max=64"`
	Description string `json:"description" validate:"max=512"`
}

type createRoleRequest struct {
	Name           string `json:"name" validate:"required,max=128"`
	Description    string `json:"description" validate:"max=512"`
	OrganizationID string `json:"organization_id" validate:"max=64"`
	IsSystemRole   bool   `json:"is_system_role"`
}

// rolePermissionsRequest accepts a single name or a bulk list.
type rolePermissionsRequest struct {
	Permission  string   `json:"permission" validate:"max=128"`
	Permissions []string `json:"permissions" validate:"omitempty,max=100,dive,required,max=128"`
}

func (req rolePermissionsRequest) names() []string {
	names := append([]string(nil), req.Permissions...)
	if p := strings.TrimSpace(req.Permission); p != "" {
		names = append(names, p)
	}
	return names
}

type assignRoleRequest struct {
	RoleID     string     `json:"role_id" validate:"required,max=64"`
	ValidUntil *time.Time `json:"valid_until"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func list[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Count: len(items)}
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.rbac.ListPermissions(r.Context(), claimsFrom(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(perms))
}

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	perm, err := a.rbac.CreatePermission(r.Context(), claimsFrom(r), auth.PermissionInput{
		Name:        req.Name,
		Category:    req.Category,
		Description: req.Description,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/permissions/"+url.PathEscape(perm.Name))
	writeJSON(w, http.StatusCreated, perm)
}

func (a *API) handleDeletePermission(w http.ResponseWriter, r *http.Request) {
	if err := a.rbac.DeletePermission(r.Context(), claimsFrom(r), chi.URLParam(r, "name")); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.rbac.ListRoles(r.Context(), claimsFrom(r), r.URL.Query().Get("organization_id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(roles))
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	role, err := a.rbac.CreateRole(r.Context(), claimsFrom(r), auth.RoleInput{
		Name:           req.Name,
		Description:    req.Description,
		OrganizationID: req.OrganizationID,
		IsSystemRole:   req.IsSystemRole,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := a.rbac.DeleteRole(r.Context(), claimsFrom(r), chi.URLParam(r, "id")); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.rbac.RolePermissions(r.Context(), claimsFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(perms))
}

func (a *API) handleAssignPermissions(w http.ResponseWriter, r *http.Request) {
	var req rolePermissionsRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	names := req.names()
	if len(names) == 0 {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "permission or permissions is required")
		return
	}
	if err := a.rbac.AssignPermissions(r.Context(), claimsFrom(r), chi.URLParam(r, "id"), names...); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRemovePermissions(w http.ResponseWriter, r *http.Request) {
	var req rolePermissionsRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	names := req.names()
	if len(names) == 0 {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "permission or permissions is required")
		return
	}
	if err := a.rbac.RemovePermissions(r.Context(), claimsFrom(r), chi.URLParam(r, "id"), names...); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	assignment, err := a.rbac.AssignRole(r.Context(), claimsFrom(r), chi.URLParam(r, "id"), req.RoleID, req.ValidUntil)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, assignment)
}

func (a *API) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	if err := a.rbac.RevokeRole(r.Context(), claimsFrom(r), chi.URLParam(r, "id"), chi.URLParam(r, "roleID")); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
