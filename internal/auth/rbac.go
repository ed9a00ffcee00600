package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/ids"
	"github.com/namphuong20146470/BE-IOMT-sub005/internal/obs"
)

// Audit actions emitted by RBACService.
const (
	ActionRoleCreate       = "rbac.role.create"
	ActionRoleDelete       = "rbac.role.delete"
	ActionRolePermsAssign  = "rbac.role.permissions.assign"
	ActionRolePermsRemove  = "rbac.role.permissions.remove"
	ActionPermissionCreate = "rbac.permission.create"
	ActionPermissionDelete = "rbac.permission.delete"
	ActionUserRoleAssign   = "rbac.user.role.assign"
	ActionUserRoleRevoke   = "rbac.user.role.revoke"
)

// RoleInput describes a role to create.
type RoleInput struct {
	Name           string
	Description    string
	OrganizationID string
	IsSystemRole   bool
}

// PermissionInput describes a permission to create.
type PermissionInput struct {
	Name        string
	Category    string
	Description string
}

// RBACService mutates the role-permission graph. Every mutation invalidates
// the permission cache for the affected users before returning.
type RBACService struct {
	store  Store
	cache  Invalidator
	hidden HiddenFilter
	audit  AuditNotifier
	now    func() time.Time
}

// RBACOption configures RBACService.
type RBACOption func(*RBACService)

// WithRBACAudit sets the receiver of mutation events.
func WithRBACAudit(n AuditNotifier) RBACOption {
	return func(s *RBACService) {
		if n != nil {
			s.audit = n
		}
	}
}

// WithRBACClock overrides the time source.
func WithRBACClock(fn func() time.Time) RBACOption {
	return func(s *RBACService) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewRBACService(store Store, cache Invalidator, hidden HiddenFilter, opts ...RBACOption) (*RBACService, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	if cache == nil {
		return nil, errors.New("permission cache is required")
	}
	s := &RBACService{store: store, cache: cache, hidden: hidden, audit: nopNotifier{}, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ListPermissions returns every visible permission.
func (s *RBACService) ListPermissions(ctx context.Context, caller *Claims) ([]Permission, error) {
	if caller == nil {
		return nil, ErrUnauthenticated
	}
	perms, err := s.store.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}
	return s.hidden.FilterPermissions(perms), nil
}

// ListRoles returns global roles plus the roles of organizationID. Callers
// other than system admins only see their own organization.
func (s *RBACService) ListRoles(ctx context.Context, caller *Claims, organizationID string) ([]Role, error) {
	if caller == nil {
		return nil, ErrUnauthenticated
	}
	organizationID = strings.TrimSpace(organizationID)
	if !caller.IsSystemAdmin() {
		if organizationID == "" {
			organizationID = caller.OrganizationID
		}
		if organizationID != caller.OrganizationID {
			return nil, deny(ReasonOrganizationMismatch, "", &Scope{OrganizationID: organizationID}).Err()
		}
	}
	roles, err := s.store.ListRoles(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if caller.IsSystemAdmin() {
		return roles, nil
	}
	visible := roles[:0]
	for _, r := range roles {
		if roleVisible(caller, r) {
			visible = append(visible, r)
		}
	}
	return visible, nil
}

// RolePermissions returns the visible permissions of roleID.
func (s *RBACService) RolePermissions(ctx context.Context, caller *Claims, roleID string) ([]Permission, error) {
	role, err := s.loadRole(ctx, caller, roleID)
	if err != nil {
		return nil, err
	}
	if err := s.canViewRole(caller, role); err != nil {
		return nil, err
	}
	perms, err := s.store.PermissionsForRole(ctx, role.ID)
	if err != nil {
		return nil, err
	}
	return s.hidden.FilterPermissions(perms), nil
}

func (s *RBACService) CreateRole(ctx context.Context, caller *Claims, in RoleInput) (Role, error) {
	if caller == nil {
		return Role{}, ErrUnauthenticated
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	orgID := strings.TrimSpace(in.OrganizationID)
	if !caller.IsSystemAdmin() {
		if in.IsSystemRole {
			return Role{}, fmt.Errorf("%w: system roles require %s", ErrSystemRoleProtected, caller.policy.SystemAdminPermission)
		}
		if orgID == "" {
			orgID = caller.OrganizationID
		}
		if orgID == "" || orgID != caller.OrganizationID {
			return Role{}, deny(ReasonOrganizationMismatch, "", &Scope{OrganizationID: orgID}).Err()
		}
	}
	now := s.now().UTC()
	role, err := s.store.CreateRole(ctx, Role{
		ID:             ids.New(),
		Name:           name,
		Description:    strings.TrimSpace(in.Description),
		IsSystemRole:   in.IsSystemRole,
		OrganizationID: orgID,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return Role{}, err
	}
	s.invalidateRole(ctx, role.ID)
	s.notify(ctx, caller, ActionRoleCreate, "role", role.ID, map[string]string{"name": role.Name})
	return role, nil
}

// DeleteRole removes a custom role and every assignment of it.
func (s *RBACService) DeleteRole(ctx context.Context, caller *Claims, roleID string) error {
	role, err := s.loadRole(ctx, caller, roleID)
	if err != nil {
		return err
	}
	if role.IsSystemRole {
		return fmt.Errorf("%w: role %s cannot be deleted", ErrSystemRoleProtected, role.Name)
	}
	if err := s.canManageRole(caller, role); err != nil {
		return err
	}
	// Holders must be captured before the delete cascades their assignments.
	holders, lookupErr := s.store.UsersWithRole(ctx, role.ID)
	if err := s.store.DeleteRole(ctx, role.ID); err != nil {
		return err
	}
	if lookupErr != nil {
		obs.Logger().Warn("rbac: role holders lookup failed, flushing permission cache",
			zap.String("role_id", role.ID), zap.Error(lookupErr))
		s.cache.InvalidateAll(ctx)
	} else {
		s.cache.Invalidate(ctx, holders...)
	}
	s.notify(ctx, caller, ActionRoleDelete, "role", role.ID, map[string]string{"name": role.Name})
	return nil
}

// AssignPermissions grants one or more permissions to a role. Hidden names
// are refused for every caller, system admins included. Other callers may only
// grant permissions they hold themselves, and never the system-admin one.
func (s *RBACService) AssignPermissions(ctx context.Context, caller *Claims, roleID string, names ...string) error {
	role, perms, err := s.prepareRolePermissions(ctx, caller, roleID, names)
	if err != nil {
		return err
	}
	if err := canGrant(caller, perms); err != nil {
		return err
	}
	if err := s.store.AddRolePermissions(ctx, role.ID, permissionIDs(perms)); err != nil {
		return err
	}
	s.invalidateRole(ctx, role.ID)
	s.notify(ctx, caller, ActionRolePermsAssign, "role", role.ID,
		map[string]string{"permissions": strings.Join(permissionNames(perms), ",")})
	return nil
}

// RemovePermissions takes one or more permissions away from a role.
func (s *RBACService) RemovePermissions(ctx context.Context, caller *Claims, roleID string, names ...string) error {
	role, perms, err := s.prepareRolePermissions(ctx, caller, roleID, names)
	if err != nil {
		return err
	}
	if err := s.store.RemoveRolePermissions(ctx, role.ID, permissionIDs(perms)); err != nil {
		return err
	}
	s.invalidateRole(ctx, role.ID)
	s.notify(ctx, caller, ActionRolePermsRemove, "role", role.ID,
		map[string]string{"permissions": strings.Join(permissionNames(perms), ",")})
	return nil
}

func (s *RBACService) prepareRolePermissions(ctx context.Context, caller *Claims, roleID string, names []string) (Role, []Permission, error) {
	if caller == nil {
		return Role{}, nil, ErrUnauthenticated
	}
	names = normalizeNames(names)
	if len(names) == 0 {
		return Role{}, nil, fmt.Errorf("%w: at least one permission is required", ErrInvalidInput)
	}
	if name, ok := s.hidden.FirstHidden(names); ok {
		return Role{}, nil, fmt.Errorf("%w: %s", ErrHiddenPermission, name)
	}
	role, err := s.loadRole(ctx, caller, roleID)
	if err != nil {
		return Role{}, nil, err
	}
	if err := s.canManageRole(caller, role); err != nil {
		return Role{}, nil, err
	}
	perms, err := s.store.PermissionsByName(ctx, names)
	if err != nil {
		return Role{}, nil, err
	}
	if missing := missingNames(names, perms); len(missing) > 0 {
		return Role{}, nil, fmt.Errorf("%w: permissions %s", ErrNotFound, strings.Join(missing, ", "))
	}
	return role, perms, nil
}

func (s *RBACService) CreatePermission(ctx context.Context, caller *Claims, in PermissionInput) (Permission, error) {
	if caller == nil {
		return Permission{}, ErrUnauthenticated
	}
	name := normalizePermissionName(in.Name)
	resource, action, err := ParsePermissionName(name)
	if err != nil {
		return Permission{}, err
	}
	if s.hidden.IsHidden(name) {
		return Permission{}, fmt.Errorf("%w: %s", ErrHiddenPermission, name)
	}
	category := strings.TrimSpace(in.Category)
	if category == "" {
		category = resource
	}
	perm, err := s.store.CreatePermission(ctx, Permission{
		ID:          ids.New(),
		Name:        name,
		Category:    category,
		Resource:    resource,
		Action:      action,
		Description: strings.TrimSpace(in.Description),
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return Permission{}, err
	}
	s.notify(ctx, caller, ActionPermissionCreate, "permission", perm.ID, map[string]string{"name": perm.Name})
	return perm, nil
}

// DeletePermission removes a custom permission from every role holding it.
func (s *RBACService) DeletePermission(ctx context.Context, caller *Claims, name string) error {
	if caller == nil {
		return ErrUnauthenticated
	}
	name = normalizePermissionName(name)
	if name == "" {
		return fmt.Errorf("%w: permission name is required", ErrInvalidInput)
	}
	if s.hidden.IsHidden(name) {
		return fmt.Errorf("%w: %s", ErrHiddenPermission, name)
	}
	found, err := s.store.PermissionsByName(ctx, []string{name})
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return fmt.Errorf("%w: permission %s", ErrNotFound, name)
	}
	perm := found[0]
	if perm.IsSystem {
		return fmt.Errorf("%w: %s", ErrSystemPermissionProtected, name)
	}
	roles, lookupErr := s.store.RolesWithPermission(ctx, perm.ID)
	if err := s.store.DeletePermission(ctx, perm.Name); err != nil {
		return err
	}
	if lookupErr != nil {
		obs.Logger().Warn("rbac: permission holders lookup failed, flushing permission cache",
			zap.String("permission", perm.Name), zap.Error(lookupErr))
		s.cache.InvalidateAll(ctx)
	} else {
		for _, roleID := range roles {
			s.invalidateRole(ctx, roleID)
		}
	}
	s.notify(ctx, caller, ActionPermissionDelete, "permission", perm.ID, map[string]string{"name": perm.Name})
	return nil
}

// AssignRole gives userID the role, optionally until validUntil.
func (s *RBACService) AssignRole(ctx context.Context, caller *Claims, userID, roleID string, validUntil *time.Time) (UserRole, error) {
	role, err := s.prepareAssignment(ctx, caller, userID, roleID)
	if err != nil {
		return UserRole{}, err
	}
	if !caller.IsSystemAdmin() {
		perms, err := s.store.PermissionsForRole(ctx, role.ID)
		if err != nil {
			return UserRole{}, err
		}
		if slices.Contains(permissionNames(perms), caller.policy.SystemAdminPermission) {
			return UserRole{}, fmt.Errorf("%w: role %s grants %s", ErrSystemRoleProtected, role.Name, caller.policy.SystemAdminPermission)
		}
	}
	now := s.now().UTC()
	if validUntil != nil && !validUntil.After(now) {
		return UserRole{}, fmt.Errorf("%w: valid_until must be in the future", ErrInvalidInput)
	}
	assignment, err := s.store.AssignRole(ctx, UserRole{
		UserID:     strings.TrimSpace(userID),
		RoleID:     role.ID,
		IsActive:   true,
		ValidUntil: validUntil,
		AssignedAt: now,
	})
	if err != nil {
		return UserRole{}, err
	}
	s.cache.Invalidate(ctx, assignment.UserID)
	s.notify(ctx, caller, ActionUserRoleAssign, "user", assignment.UserID, map[string]string{"role_id": role.ID})
	return assignment, nil
}

// RevokeRole soft-disables the assignment of roleID to userID.
func (s *RBACService) RevokeRole(ctx context.Context, caller *Claims, userID, roleID string) error {
	role, err := s.prepareAssignment(ctx, caller, userID, roleID)
	if err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if err := s.store.RevokeRole(ctx, userID, role.ID, s.now().UTC()); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, userID)
	s.notify(ctx, caller, ActionUserRoleRevoke, "user", userID, map[string]string{"role_id": role.ID})
	return nil
}

func (s *RBACService) prepareAssignment(ctx context.Context, caller *Claims, userID, roleID string) (Role, error) {
	if caller == nil {
		return Role{}, ErrUnauthenticated
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Role{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	role, err := s.loadRole(ctx, caller, roleID)
	if err != nil {
		return Role{}, err
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return Role{}, err
	}
	if caller.IsSystemAdmin() {
		return role, nil
	}
	if role.IsSystemRole {
		return Role{}, fmt.Errorf("%w: role %s", ErrSystemRoleProtected, role.Name)
	}
	if user.OrganizationID != caller.OrganizationID {
		return Role{}, deny(ReasonOrganizationMismatch, "", &Scope{OrganizationID: user.OrganizationID}).Err()
	}
	if err := s.canViewRole(caller, role); err != nil {
		return Role{}, err
	}
	return role, nil
}

func (s *RBACService) loadRole(ctx context.Context, caller *Claims, roleID string) (Role, error) {
	if caller == nil {
		return Role{}, ErrUnauthenticated
	}
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.GetRole(ctx, roleID)
}

// roleVisible allows global roles and roles of the caller's organization.
func roleVisible(caller *Claims, role Role) bool {
	return caller.IsSystemAdmin() || role.OrganizationID == "" || role.OrganizationID == caller.OrganizationID
}

func (s *RBACService) canViewRole(caller *Claims, role Role) error {
	if roleVisible(caller, role) {
		return nil
	}
	return deny(ReasonOrganizationMismatch, "", &Scope{OrganizationID: role.OrganizationID}).Err()
}

// canManageRole allows system admins everything and other callers only the
// custom roles of their own organization.
func (s *RBACService) canManageRole(caller *Claims, role Role) error {
	if caller.IsSystemAdmin() {
		return nil
	}
	if role.IsSystemRole {
		return fmt.Errorf("%w: role %s", ErrSystemRoleProtected, role.Name)
	}
	if role.OrganizationID == "" || role.OrganizationID != caller.OrganizationID {
		return deny(ReasonOrganizationMismatch, "", &Scope{OrganizationID: role.OrganizationID}).Err()
	}
	return nil
}

// canGrant keeps non-admin callers from handing out more than they hold.
func canGrant(caller *Claims, perms []Permission) error {
	if caller.IsSystemAdmin() {
		return nil
	}
	for _, p := range perms {
		if p.Name == caller.policy.SystemAdminPermission {
			return fmt.Errorf("%w: only system administrators grant %s", ErrForbidden, p.Name)
		}
		if !caller.HasPermission(p.Name) {
			return deny(ReasonInsufficientPermission, p.Name, nil).Err()
		}
	}
	return nil
}

func (s *RBACService) invalidateRole(ctx context.Context, roleID string) {
	if err := s.cache.InvalidateByRole(ctx, roleID); err != nil {
		obs.Logger().Warn("rbac: invalidate by role degraded to full flush",
			zap.String("role_id", roleID), zap.Error(err))
	}
}

func (s *RBACService) notify(ctx context.Context, caller *Claims, action, resourceType, resourceID string, meta map[string]string) {
	s.audit.Notify(ctx, AuditEvent{
		Action:       action,
		ActorUserID:  caller.UserID,
		ActorOrgID:   caller.OrganizationID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     meta,
		OccurredAt:   s.now().UTC(),
	})
}

func permissionIDs(perms []Permission) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, p.ID)
	}
	return out
}

func permissionNames(perms []Permission) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, p.Name)
	}
	return out
}

func missingNames(want []string, found []Permission) []string {
	have := make(StringSet, len(found))
	for _, p := range found {
		have.Add(p.Name)
	}
	var missing []string
	for _, n := range want {
		if !have.Has(n) {
			missing = append(missing, n)
		}
	}
	return missing
}
