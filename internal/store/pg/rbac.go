package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/auth"
)

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select `+permissionColumns+` from permissions p order by p.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPermissions(rows)
}

func (s *Store) PermissionsByName(ctx context.Context, names []string) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`select `+permissionColumns+` from permissions p where p.name in (`+placeholders(1, len(names))+`) order by p.name`,
		stringArgs(names)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPermissions(rows)
}

func (s *Store) CreatePermission(ctx context.Context, p auth.Permission) (auth.Permission, error) {
	if s.db == nil {
		return auth.Permission{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		insert into permissions (id, name, category, resource, action, description, is_system)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning id, name, category, resource, action, description, is_system, created_at
	`, p.ID, p.Name, nullIfEmpty(p.Category), p.Resource, p.Action, nullIfEmpty(p.Description), p.IsSystem)
	created, err := scanPermission(row)
	if err != nil {
		return auth.Permission{}, mapWriteError(err, "permission "+p.Name)
	}
	return created, nil
}

// DeletePermission removes a non-system permission. Role grants cascade.
func (s *Store) DeletePermission(ctx context.Context, name string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from permissions where name = $1 and not is_system`, name)
	if err != nil {
		return err
	}
	return requireAffected(res, fmt.Errorf("%w: permission %s", auth.ErrNotFound, name))
}

// ListRoles returns every role when organizationID is empty, otherwise the
// global roles plus those of the organization.
func (s *Store) ListRoles(ctx context.Context, organizationID string) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		rows *sql.Rows
		err  error
	)
	if organizationID == "" {
		rows, err = s.db.QueryContext(ctx, `select `+roleColumns+` from roles r order by r.name`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			select `+roleColumns+`
			from roles r
			where r.organization_id is null or r.organization_id = $1
			order by r.name
		`, organizationID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoles(rows)
}

func (s *Store) GetRole(ctx context.Context, id string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	role, err := scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles r where r.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, fmt.Errorf("%w: role %s", auth.ErrNotFound, id)
	}
	return role, err
}

func (s *Store) CreateRole(ctx context.Context, r auth.Role) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		insert into roles (id, name, description, is_system_role, organization_id)
		values ($1, $2, $3, $4, $5)
		returning id, name, description, is_system_role, organization_id, created_at, updated_at
	`, r.ID, r.Name, nullIfEmpty(r.Description), r.IsSystemRole, nullIfEmpty(r.OrganizationID))
	created, err := scanRole(row)
	if err != nil {
		return auth.Role{}, mapWriteError(err, "role "+r.Name)
	}
	return created, nil
}

// DeleteRole removes a role. Grants and assignments cascade.
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res, fmt.Errorf("%w: role %s", auth.ErrNotFound, id))
}

func (s *Store) AddRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, permID := range permissionIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2)
			on conflict do nothing
		`, roleID, permID); err != nil {
			return mapWriteError(err, "role permission")
		}
	}
	if _, err := tx.ExecContext(ctx, `update roles set updated_at = now() where id = $1`, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RemoveRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	if s.db == nil {
		return errNoDB
	}
	if len(permissionIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`delete from role_permissions where role_id = $1 and permission_id in (`+placeholders(2, len(permissionIDs))+`)`,
		stringArgs(permissionIDs, roleID)...); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `update roles set updated_at = now() where id = $1`, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RolesWithPermission(ctx context.Context, permissionID string) ([]string, error) {
	return s.ids(ctx, `select role_id from role_permissions where permission_id = $1 order by role_id`, permissionID)
}

// AssignRole creates the assignment or reactivates a revoked one.
func (s *Store) AssignRole(ctx context.Context, a auth.UserRole) (auth.UserRole, error) {
	if s.db == nil {
		return auth.UserRole{}, errNoDB
	}
	var (
		out        auth.UserRole
		validUntil sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		insert into user_roles (user_id, role_id, is_active, valid_until, assigned_at)
		values ($1, $2, true, $3, $4)
		on conflict (user_id, role_id) do update
		set is_active = true, valid_until = excluded.valid_until, assigned_at = excluded.assigned_at, revoked_at = null
		returning user_id, role_id, is_active, valid_until, assigned_at
	`, a.UserID, a.RoleID, nullTime(a.ValidUntil), a.AssignedAt).Scan(
		&out.UserID, &out.RoleID, &out.IsActive, &validUntil, &out.AssignedAt)
	if err != nil {
		return auth.UserRole{}, mapWriteError(err, "user role")
	}
	out.ValidUntil = timePtr(validUntil)
	return out, nil
}

// RevokeRole soft-disables an active assignment.
func (s *Store) RevokeRole(ctx context.Context, userID, roleID string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update user_roles set is_active = false, revoked_at = $3
		where user_id = $1 and role_id = $2 and is_active
	`, userID, roleID, at)
	if err != nil {
		return err
	}
	return requireAffected(res, fmt.Errorf("%w: active assignment of role %s", auth.ErrNotFound, roleID))
}

func (s *Store) UsersWithRole(ctx context.Context, roleID string) ([]string, error) {
	return s.ids(ctx, `select user_id from user_roles where role_id = $1 and is_active order by user_id`, roleID)
}

func (s *Store) ids(ctx context.Context, query string, arg string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
