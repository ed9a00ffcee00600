package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

type rbacFixture struct {
	st    *memStore
	inv   *recordingInvalidator
	audit *recordingNotifier
	svc   *RBACService
}

func newRBACFixture(t *testing.T) *rbacFixture {
	t.Helper()
	st := seededStore()
	st.addRole(Role{ID: "r-sys", Name: "administrator", IsSystemRole: true}, "system.admin")
	st.addRole(Role{ID: "r-b", Name: "b-tech", OrganizationID: "org-b"}, "device.read")
	st.addPermission(Permission{ID: "perm-alert.ack", Name: "alert.ack", Resource: "alert", Action: "ack"})
	st.addPermission(Permission{ID: "perm-user.read", Name: "user.read", Resource: "user", Action: "read", IsSystem: true})
	st.addUser(User{ID: "u3", Username: "carol", IsActive: true, OrganizationID: "org-b"})
	st.assign("u2", "r-manager", nil)

	inv := &recordingInvalidator{}
	audit := &recordingNotifier{}
	svc, err := NewRBACService(st, inv, NewHiddenFilter(DefaultHiddenPermissions...),
		WithRBACAudit(audit), WithRBACClock(func() time.Time { return t0 }))
	if err != nil {
		t.Fatalf("NewRBACService: %v", err)
	}
	return &rbacFixture{st: st, inv: inv, audit: audit, svc: svc}
}

var (
	sysAdmin   = DefaultPolicy().NewClaims("root", "root", "", "", []string{PermSystemAdmin}, nil)
	orgAdminA  = DefaultPolicy().NewClaims("admin-a", "admin-a", "org-a", "", []string{PermRoleManage, PermUserManageRoles, PermOrganizationAdmin, "alert.ack", "alert.read"}, nil)
	anonClaims *Claims
)

func TestRoleAssignmentInvalidatesUser(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	until := t0.Add(24 * time.Hour)

	a, err := f.svc.AssignRole(ctx, orgAdminA, "u2", "r-viewer", &until)
	if err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if !a.IsActive || a.ValidUntil == nil || !a.ValidUntil.Equal(until) {
		t.Fatalf("unexpected assignment %+v", a)
	}
	if err := f.svc.RevokeRole(ctx, orgAdminA, "u2", "r-viewer"); err != nil {
		t.Fatalf("RevokeRole: %v", err)
	}
	if !slices.Equal(f.inv.users, []string{"u2", "u2"}) {
		t.Fatalf("invalidated users = %v", f.inv.users)
	}
	acts := f.audit.actions()
	if !slices.Contains(acts, ActionUserRoleAssign) || !slices.Contains(acts, ActionUserRoleRevoke) {
		t.Fatalf("audit actions = %v", acts)
	}
}

func TestAssignRoleValidation(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	past := t0.Add(-time.Minute)

	if _, err := f.svc.AssignRole(ctx, orgAdminA, "u2", "r-viewer", &past); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for past expiry, got %v", err)
	}
	if _, err := f.svc.AssignRole(ctx, orgAdminA, "u2", "r-sys", nil); !errors.Is(err, ErrSystemRoleProtected) {
		t.Fatalf("expected ErrSystemRoleProtected, got %v", err)
	}
	if _, err := f.svc.AssignRole(ctx, orgAdminA, "u3", "r-viewer", nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for user of another organization, got %v", err)
	}
	if _, err := f.svc.AssignRole(ctx, orgAdminA, "u2", "r-b", nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for role of another organization, got %v", err)
	}
	if _, err := f.svc.AssignRole(ctx, orgAdminA, "ghost", "r-viewer", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.AssignRole(ctx, anonClaims, "u2", "r-viewer", nil); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if _, err := f.svc.AssignRole(ctx, sysAdmin, "u3", "r-sys", nil); err != nil {
		t.Fatalf("system admin may assign system roles: %v", err)
	}
	if len(f.inv.users) != 1 || f.inv.users[0] != "u3" {
		t.Fatalf("only the successful assignment should invalidate, got %v", f.inv.users)
	}
}

func TestRolePermissionChangesInvalidateByRole(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()

	if err := f.svc.AssignPermissions(ctx, orgAdminA, "r-manager", "alert.ack", "ALERT.READ"); err != nil {
		t.Fatalf("AssignPermissions: %v", err)
	}
	if err := f.svc.RemovePermissions(ctx, orgAdminA, "r-manager", "device.manage"); err != nil {
		t.Fatalf("RemovePermissions: %v", err)
	}
	if !slices.Equal(f.inv.roles, []string{"r-manager", "r-manager"}) {
		t.Fatalf("invalidated roles = %v", f.inv.roles)
	}
	perms, err := f.svc.RolePermissions(ctx, orgAdminA, "r-manager")
	if err != nil {
		t.Fatalf("RolePermissions: %v", err)
	}
	var names []string
	for _, p := range perms {
		names = append(names, p.Name)
	}
	if !slices.Equal(names, []string{"alert.ack", "alert.read", "device.read"}) {
		t.Fatalf("role permissions = %v", names)
	}
}

func TestHiddenPermissionsRejectedForEveryone(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	f.st.addPermission(Permission{ID: "perm-system.bootstrap", Name: "system.bootstrap"})

	for _, caller := range []*Claims{sysAdmin, orgAdminA} {
		if err := f.svc.AssignPermissions(ctx, caller, "r-manager", "device.read", "system.bootstrap"); !errors.Is(err, ErrHiddenPermission) {
			t.Fatalf("expected ErrHiddenPermission, got %v", err)
		}
	}
	if _, err := f.svc.CreatePermission(ctx, sysAdmin, PermissionInput{Name: "system.internal"}); !errors.Is(err, ErrHiddenPermission) {
		t.Fatalf("expected ErrHiddenPermission on create, got %v", err)
	}
	if err := f.svc.DeletePermission(ctx, sysAdmin, "system.bootstrap"); !errors.Is(err, ErrHiddenPermission) {
		t.Fatalf("expected ErrHiddenPermission on delete, got %v", err)
	}
	if len(f.inv.roles) != 0 || len(f.inv.users) != 0 {
		t.Fatal("rejected mutations must not invalidate")
	}

	listed, err := f.svc.ListPermissions(ctx, sysAdmin)
	if err != nil {
		t.Fatalf("ListPermissions: %v", err)
	}
	for _, p := range listed {
		if p.Name == "system.bootstrap" || p.Name == "system.internal" {
			t.Fatalf("hidden permission %s listed", p.Name)
		}
	}
	rolePerms, err := f.svc.RolePermissions(ctx, sysAdmin, "r-manager")
	if err != nil {
		t.Fatalf("RolePermissions: %v", err)
	}
	for _, p := range rolePerms {
		if p.Name == "system.internal" {
			t.Fatal("hidden permission listed on role")
		}
	}
}

func TestSystemRoleProtection(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()

	if err := f.svc.AssignPermissions(ctx, orgAdminA, "r-sys", "alert.ack"); !errors.Is(err, ErrSystemRoleProtected) {
		t.Fatalf("expected ErrSystemRoleProtected, got %v", err)
	}
	if err := f.svc.AssignPermissions(ctx, sysAdmin, "r-sys", "alert.ack"); err != nil {
		t.Fatalf("system admin may change system roles: %v", err)
	}
	if err := f.svc.DeleteRole(ctx, sysAdmin, "r-sys"); !errors.Is(err, ErrSystemRoleProtected) {
		t.Fatalf("system roles cannot be deleted, got %v", err)
	}
	if _, err := f.svc.CreateRole(ctx, orgAdminA, RoleInput{Name: "root-ish", IsSystemRole: true}); !errors.Is(err, ErrSystemRoleProtected) {
		t.Fatalf("expected ErrSystemRoleProtected, got %v", err)
	}
	if err := f.svc.AssignPermissions(ctx, orgAdminA, "r-viewer", "alert.ack"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("global roles are managed by system admins only, got %v", err)
	}
}

func TestOrgAdminCannotEscalate(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()

	role, err := f.svc.CreateRole(ctx, orgAdminA, RoleInput{Name: "escalate"})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := f.svc.AssignPermissions(ctx, orgAdminA, role.ID, PermSystemAdmin); !errors.Is(err, ErrForbidden) {
		t.Fatalf("granting %s: expected ErrForbidden, got %v", PermSystemAdmin, err)
	}
	err = f.svc.AssignPermissions(ctx, orgAdminA, role.ID, "alert.ack", "device.manage")
	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Decision.Reason != ReasonInsufficientPermission ||
		denied.Decision.RequiredPermission != "device.manage" {
		t.Fatalf("granting an unheld permission: got %v", err)
	}
	if perms, _ := f.st.PermissionsForRole(ctx, role.ID); len(perms) != 0 {
		t.Fatalf("rejected grants must not reach the store, role has %v", permissionNames(perms))
	}

	// A custom role that already carries system.admin cannot be handed out by non-admins.
	f.st.addRole(Role{ID: "r-legacy-root", Name: "legacy-root", OrganizationID: "org-a"}, PermSystemAdmin)
	if _, err := f.svc.AssignRole(ctx, orgAdminA, "u2", "r-legacy-root", nil); !errors.Is(err, ErrSystemRoleProtected) {
		t.Fatalf("expected ErrSystemRoleProtected, got %v", err)
	}
	set, err := newTestResolver(f.st).Resolve(ctx, "u2")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if set.Permissions.Has(PermSystemAdmin) {
		t.Fatal("u2 gained system admin")
	}

	if err := f.svc.AssignPermissions(ctx, sysAdmin, role.ID, PermSystemAdmin); err != nil {
		t.Fatalf("system admins may grant anything: %v", err)
	}
}

func TestRolePermissionValidation(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	if err := f.svc.AssignPermissions(ctx, orgAdminA, "r-manager"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := f.svc.AssignPermissions(ctx, orgAdminA, "r-manager", "device.read", "device.fly"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := f.svc.AssignPermissions(ctx, orgAdminA, "missing", "device.read"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for role, got %v", err)
	}
	if err := f.svc.AssignPermissions(ctx, orgAdminA, "r-b", "device.read"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestDeleteRoleInvalidatesHolders(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	if err := f.svc.DeleteRole(ctx, orgAdminA, "r-manager"); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	if !slices.Equal(f.inv.users, []string{"u1", "u2"}) {
		t.Fatalf("invalidated users = %v", f.inv.users)
	}

	f = newRBACFixture(t)
	f.st.failMembers = errBoom
	if err := f.svc.DeleteRole(ctx, orgAdminA, "r-manager"); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	if f.inv.flushes != 1 {
		t.Fatal("unknown holders must flush the whole cache")
	}
}

func TestCreateRoleScoping(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()

	role, err := f.svc.CreateRole(ctx, orgAdminA, RoleInput{Name: " nurse ", Description: "ward staff"})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if role.Name != "nurse" || role.OrganizationID != "org-a" || role.ID == "" {
		t.Fatalf("unexpected role %+v", role)
	}
	if !slices.Contains(f.inv.roles, role.ID) {
		t.Fatalf("role creation not invalidated: %v", f.inv.roles)
	}
	if _, err := f.svc.CreateRole(ctx, orgAdminA, RoleInput{Name: "x", OrganizationID: "org-b"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.CreateRole(ctx, orgAdminA, RoleInput{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	global, err := f.svc.CreateRole(ctx, sysAdmin, RoleInput{Name: "auditor"})
	if err != nil || global.OrganizationID != "" {
		t.Fatalf("system admin creates global roles: %+v %v", global, err)
	}
}

func TestListRolesScoping(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()

	roles, err := f.svc.ListRoles(ctx, orgAdminA, "")
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	for _, r := range roles {
		if r.OrganizationID == "org-b" {
			t.Fatalf("role of another organization listed: %+v", r)
		}
	}
	if _, err := f.svc.ListRoles(ctx, orgAdminA, "org-b"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	all, err := f.svc.ListRoles(ctx, sysAdmin, "")
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	if len(all) <= len(roles) {
		t.Fatalf("system admin should see every role, got %d vs %d", len(all), len(roles))
	}
}

func TestPermissionLifecycle(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()

	p, err := f.svc.CreatePermission(ctx, sysAdmin, PermissionInput{Name: "Maintenance.Schedule"})
	if err != nil {
		t.Fatalf("CreatePermission: %v", err)
	}
	if p.Name != "maintenance.schedule" || p.Resource != "maintenance" || p.Action != "schedule" || p.Category != "maintenance" {
		t.Fatalf("unexpected permission %+v", p)
	}
	if _, err := f.svc.CreatePermission(ctx, sysAdmin, PermissionInput{Name: "nodot"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.svc.CreatePermission(ctx, sysAdmin, PermissionInput{Name: "maintenance.schedule"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if err := f.svc.DeletePermission(ctx, sysAdmin, "user.read"); !errors.Is(err, ErrSystemPermissionProtected) {
		t.Fatalf("expected ErrSystemPermissionProtected, got %v", err)
	}
	if err := f.svc.DeletePermission(ctx, sysAdmin, "device.read"); err != nil {
		t.Fatalf("DeletePermission: %v", err)
	}
	slices.Sort(f.inv.roles)
	if !slices.Equal(f.inv.roles, []string{"r-b", "r-manager", "r-viewer"}) {
		t.Fatalf("invalidated roles = %v", f.inv.roles)
	}
	if err := f.svc.DeletePermission(ctx, sysAdmin, "device.read"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRBACMutationsReachTheCache(t *testing.T) {
	st := seededStore()
	clock := newFakeClock(t0)
	cache := NewPermissionCache(NewResolver(st, st, NewHiddenFilter(DefaultHiddenPermissions...), WithResolverClock(clock.Now)),
		WithCacheClock(clock.Now), WithRoleMembership(st))
	svc, err := NewRBACService(st, cache, NewHiddenFilter(DefaultHiddenPermissions...), WithRBACClock(clock.Now))
	if err != nil {
		t.Fatalf("NewRBACService: %v", err)
	}
	ctx := context.Background()

	set, _ := cache.Get(ctx, "u1")
	if !set.Permissions.Has("device.manage") {
		t.Fatalf("precondition: %v", set.Permissions.Sorted())
	}
	if err := svc.RemovePermissions(ctx, sysAdmin, "r-manager", "device.manage"); err != nil {
		t.Fatalf("RemovePermissions: %v", err)
	}
	set, _ = cache.Get(ctx, "u1")
	if set.Permissions.Has("device.manage") {
		t.Fatal("role permission removal not visible within TTL")
	}

	if _, err := svc.AssignRole(ctx, sysAdmin, "u2", "r-viewer", nil); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	set, _ = cache.Get(ctx, "u2")
	if !set.Permissions.Has("device.read") {
		t.Fatal("new assignment not visible within TTL")
	}
}
