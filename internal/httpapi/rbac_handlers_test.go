package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/auth"
)

type stubRBAC struct {
	listPermissionsFn   func(context.Context, *auth.Claims) ([]auth.Permission, error)
	createPermissionFn  func(context.Context, *auth.Claims, auth.PermissionInput) (auth.Permission, error)
	deletePermissionFn  func(context.Context, *auth.Claims, string) error
	listRolesFn         func(context.Context, *auth.Claims, string) ([]auth.Role, error)
	createRoleFn        func(context.Context, *auth.Claims, auth.RoleInput) (auth.Role, error)
	deleteRoleFn        func(context.Context, *auth.Claims, string) error
	rolePermissionsFn   func(context.Context, *auth.Claims, string) ([]auth.Permission, error)
	assignPermissionsFn func(context.Context, *auth.Claims, string, ...string) error
	removePermissionsFn func(context.Context, *auth.Claims, string, ...string) error
	assignRoleFn        func(context.Context, *auth.Claims, string, string, *time.Time) (auth.UserRole, error)
	revokeRoleFn        func(context.Context, *auth.Claims, string, string) error
}

func (s *stubRBAC) ListPermissions(ctx context.Context, c *auth.Claims) ([]auth.Permission, error) {
	if s.listPermissionsFn != nil {
		return s.listPermissionsFn(ctx, c)
	}
	return nil, nil
}

func (s *stubRBAC) CreatePermission(ctx context.Context, c *auth.Claims, in auth.PermissionInput) (auth.Permission, error) {
	if s.createPermissionFn != nil {
		return s.createPermissionFn(ctx, c, in)
	}
	return auth.Permission{Name: in.Name}, nil
}

func (s *stubRBAC) DeletePermission(ctx context.Context, c *auth.Claims, name string) error {
	if s.deletePermissionFn != nil {
		return s.deletePermissionFn(ctx, c, name)
	}
	return nil
}

func (s *stubRBAC) ListRoles(ctx context.Context, c *auth.Claims, orgID string) ([]auth.Role, error) {
	if s.listRolesFn != nil {
		return s.listRolesFn(ctx, c, orgID)
	}
	return nil, nil
}

func (s *stubRBAC) CreateRole(ctx context.Context, c *auth.Claims, in auth.RoleInput) (auth.Role, error) {
	if s.createRoleFn != nil {
		return s.createRoleFn(ctx, c, in)
	}
	return auth.Role{ID: "role-new", Name: in.Name}, nil
}

func (s *stubRBAC) DeleteRole(ctx context.Context, c *auth.Claims, roleID string) error {
	if s.deleteRoleFn != nil {
		return s.deleteRoleFn(ctx, c, roleID)
	}
	return nil
}

func (s *stubRBAC) RolePermissions(ctx context.Context, c *auth.Claims, roleID string) ([]auth.Permission, error) {
	if s.rolePermissionsFn != nil {
		return s.rolePermissionsFn(ctx, c, roleID)
	}
	return nil, nil
}

func (s *stubRBAC) AssignPermissions(ctx context.Context, c *auth.Claims, roleID string, names ...string) error {
	if s.assignPermissionsFn != nil {
		return s.assignPermissionsFn(ctx, c, roleID, names...)
	}
	return nil
}

func (s *stubRBAC) RemovePermissions(ctx context.Context, c *auth.Claims, roleID string, names ...string) error {
	if s.removePermissionsFn != nil {
		return s.removePermissionsFn(ctx, c, roleID, names...)
	}
	return nil
}

func (s *stubRBAC) AssignRole(ctx context.Context, c *auth.Claims, userID, roleID string, validUntil *time.Time) (auth.UserRole, error) {
	if s.assignRoleFn != nil {
		return s.assignRoleFn(ctx, c, userID, roleID, validUntil)
	}
	return auth.UserRole{UserID: userID, RoleID: roleID, IsActive: true}, nil
}

func (s *stubRBAC) RevokeRole(ctx context.Context, c *auth.Claims, userID, roleID string) error {
	if s.revokeRoleFn != nil {
		return s.revokeRoleFn(ctx, c, userID, roleID)
	}
	return nil
}

func adminAPI(rbac *stubRBAC) http.Handler {
	return newTestAPI(tokenClaims(map[string]*auth.Claims{
		"manager": claimsWith(auth.PermRoleRead, auth.PermRoleManage, auth.PermPermissionRead,
			auth.PermPermissionManage, auth.PermUserManageRoles),
		"viewer": claimsWith("device.read"),
		"root":   claimsWith(auth.PermSystemAdmin),
	}), rbac)
}

func TestRoutesRequirePermission(t *testing.T) {
	h := adminAPI(&stubRBAC{})
	cases := []struct {
		method, path string
		body         any
		required     string
	}{
		{http.MethodGet, "/v1/permissions", nil, auth.PermPermissionRead},
		{http.MethodPost, "/v1/permissions", map[string]any{"name": "alert.ack"}, auth.PermPermissionManage},
		{http.MethodDelete, "/v1/permissions/alert.ack", nil, auth.PermPermissionManage},
		{http.MethodGet, "/v1/roles", nil, auth.PermRoleRead},
		{http.MethodPost, "/v1/roles", map[string]any{"name": "nurse"}, auth.PermRoleManage},
		{http.MethodDelete, "/v1/roles/r1", nil, auth.PermRoleManage},
		{http.MethodGet, "/v1/roles/r1/permissions", nil, auth.PermRoleRead},
		{http.MethodPost, "/v1/roles/r1/permissions", map[string]any{"permission": "device.read"}, auth.PermRoleManage},
		{http.MethodDelete, "/v1/roles/r1/permissions", map[string]any{"permission": "device.read"}, auth.PermRoleManage},
		{http.MethodPost, "/v1/users/u2/roles", map[string]any{"role_id": "r1"}, auth.PermUserManageRoles},
		{http.MethodDelete, "/v1/users/u2/roles/r1", nil, auth.PermUserManageRoles},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rr := doRequest(t, h, tc.method, tc.path, tc.body, withBearer("viewer"))
			require.Equal(t, http.StatusForbidden, rr.Code)
			body := decode[map[string]any](t, rr)
			assert.Equal(t, "INSUFFICIENT_PERMISSION", body["code"])
			assert.Equal(t, tc.required, body["required_permission"])

			rr = doRequest(t, h, tc.method, tc.path, tc.body, withBearer("root"))
			assert.Less(t, rr.Code, 300, "system admin should pass: %s", rr.Body.String())

			rr = doRequest(t, h, tc.method, tc.path, tc.body, nil)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
		})
	}
}

func TestListRolesPassesOrganizationFilter(t *testing.T) {
	var gotOrg string
	h := adminAPI(&stubRBAC{listRolesFn: func(_ context.Context, c *auth.Claims, org string) ([]auth.Role, error) {
		gotOrg = org
		return []auth.Role{{ID: "r1", Name: "viewer"}}, nil
	}})

	rr := doRequest(t, h, http.MethodGet, "/v1/roles?organization_id=org-a", nil, withBearer("manager"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "org-a", gotOrg)
	body := decode[map[string]any](t, rr)
	assert.EqualValues(t, 1, body["count"])
}

func TestEmptyListsEncodeAsArrays(t *testing.T) {
	rr := doRequest(t, adminAPI(&stubRBAC{}), http.MethodGet, "/v1/permissions", nil, withBearer("manager"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"items":[],"count":0}`, rr.Body.String())
}

func TestCreateRole(t *testing.T) {
	var got auth.RoleInput
	h := adminAPI(&stubRBAC{createRoleFn: func(_ context.Context, c *auth.Claims, in auth.RoleInput) (auth.Role, error) {
		got = in
		return auth.Role{ID: "r9", Name: in.Name, OrganizationID: "org-a"}, nil
	}})

	rr := doRequest(t, h, http.MethodPost, "/v1/roles", map[string]any{"name": "nurse", "description": "ward"}, withBearer("manager"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "/v1/roles/r9", rr.Header().Get("Location"))
	assert.Equal(t, "nurse", got.Name)
	assert.Equal(t, "ward", got.Description)

	rr = doRequest(t, h, http.MethodPost, "/v1/roles", map[string]any{"description": "no name"}, withBearer("manager"))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "name is required", decode[map[string]any](t, rr)["error"])

	rr = doRequest(t, h, http.MethodPost, "/v1/roles", map[string]any{"name": "x", "color": "red"}, withBearer("manager"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAssignPermissionsSingleAndBulk(t *testing.T) {
	var calls [][]string
	h := adminAPI(&stubRBAC{assignPermissionsFn: func(_ context.Context, _ *auth.Claims, roleID string, names ...string) error {
		calls = append(calls, names)
		return nil
	}})

	rr := doRequest(t, h, http.MethodPost, "/v1/roles/r1/permissions", map[string]any{"permission": "device.read"}, withBearer("manager"))
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = doRequest(t, h, http.MethodPost, "/v1/roles/r1/permissions",
		map[string]any{"permissions": []string{"device.read", "alert.read"}}, withBearer("manager"))
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = doRequest(t, h, http.MethodPost, "/v1/roles/r1/permissions", map[string]any{}, withBearer("manager"))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	assert.Equal(t, [][]string{{"device.read"}, {"device.read", "alert.read"}}, calls)
}

func TestRBACErrorTaxonomy(t *testing.T) {
	denied := auth.Decision{Reason: auth.ReasonOrganizationMismatch, Scope: &auth.Scope{OrganizationID: "org-b"}}
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"hidden", fmt.Errorf("%w: system.internal", auth.ErrHiddenPermission), http.StatusForbidden, "HIDDEN_PERMISSION"},
		{"system role", fmt.Errorf("%w: admin", auth.ErrSystemRoleProtected), http.StatusForbidden, "SYSTEM_ROLE_PROTECTED"},
		{"system permission", auth.ErrSystemPermissionProtected, http.StatusForbidden, "SYSTEM_PERMISSION_PROTECTED"},
		{"conflict", fmt.Errorf("%w: role nurse already exists", auth.ErrConflict), http.StatusConflict, "CONFLICT"},
		{"not found", fmt.Errorf("%w: role r1", auth.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"invalid", fmt.Errorf("%w: bad name", auth.ErrInvalidInput), http.StatusBadRequest, "INVALID_INPUT"},
		{"org mismatch", denied.Err(), http.StatusForbidden, "ORGANIZATION_MISMATCH"},
		{"unexpected", fmt.Errorf("connection reset"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := adminAPI(&stubRBAC{deleteRoleFn: func(context.Context, *auth.Claims, string) error { return tc.err }})
			rr := doRequest(t, h, http.MethodDelete, "/v1/roles/r1", nil, withBearer("manager"))
			require.Equal(t, tc.status, rr.Code)
			body := decode[map[string]any](t, rr)
			assert.Equal(t, tc.code, body["code"])
			if tc.code == "INTERNAL" {
				assert.Equal(t, "internal error", body["error"])
			}
			if tc.code == "ORGANIZATION_MISMATCH" {
				assert.Equal(t, map[string]any{"organization_id": "org-b"}, body["scope"])
			}
		})
	}
}

func TestAssignAndRevokeRole(t *testing.T) {
	until := t0.Add(48 * time.Hour)
	var gotUntil *time.Time
	var revoked []string
	h := adminAPI(&stubRBAC{
		assignRoleFn: func(_ context.Context, _ *auth.Claims, userID, roleID string, validUntil *time.Time) (auth.UserRole, error) {
			gotUntil = validUntil
			return auth.UserRole{UserID: userID, RoleID: roleID, IsActive: true, ValidUntil: validUntil, AssignedAt: t0}, nil
		},
		revokeRoleFn: func(_ context.Context, _ *auth.Claims, userID, roleID string) error {
			revoked = append(revoked, userID+"/"+roleID)
			return nil
		},
	})

	rr := doRequest(t, h, http.MethodPost, "/v1/users/u2/roles",
		map[string]any{"role_id": "r1", "valid_until": until.Format(time.RFC3339)}, withBearer("manager"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.NotNil(t, gotUntil)
	assert.True(t, gotUntil.Equal(until))
	assert.Equal(t, "u2", decode[map[string]any](t, rr)["user_id"])

	rr = doRequest(t, h, http.MethodPost, "/v1/users/u2/roles", map[string]any{}, withBearer("manager"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(t, h, http.MethodDelete, "/v1/users/u2/roles/r1", nil, withBearer("manager"))
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, []string{"u2/r1"}, revoked)
}

func TestAuthzCheck(t *testing.T) {
	h := newTestAPI(tokenClaims(map[string]*auth.Claims{"t": claimsWith("device.read")}), nil)

	rr := doRequest(t, h, http.MethodPost, "/v1/authz/check",
		map[string]any{"permission": "device.read", "organization_id": "org-a", "department_id": "dept-1"}, withBearer("t"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decode[map[string]any](t, rr)["allowed"])

	rr = doRequest(t, h, http.MethodPost, "/v1/authz/check",
		map[string]any{"permission": "device.manage"}, withBearer("t"))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[map[string]any](t, rr)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "INSUFFICIENT_PERMISSION", body["reason"])
	assert.Equal(t, "device.manage", body["required_permission"])

	rr = doRequest(t, h, http.MethodPost, "/v1/authz/check",
		map[string]any{"permission": "device.read", "organization_id": "org-a", "department_id": "dept-2", "visibility": "department"}, withBearer("t"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "DEPARTMENT_MISMATCH", decode[map[string]any](t, rr)["reason"])

	rr = doRequest(t, h, http.MethodPost, "/v1/authz/check",
		map[string]any{"permission": "device.read", "visibility": "private"}, withBearer("t"))
	assert.Equal(t, "VISIBILITY_RESTRICTED", decode[map[string]any](t, rr)["reason"])

	rr = doRequest(t, h, http.MethodPost, "/v1/authz/check",
		map[string]any{"permission": "device.read", "visibility": "secret"}, withBearer("t"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
