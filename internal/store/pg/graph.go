package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/auth"
)

const (
	roleColumns       = `r.id, r.name, r.description, r.is_system_role, r.organization_id, r.created_at, r.updated_at`
	permissionColumns = `p.id, p.name, p.category, p.resource, p.action, p.description, p.is_system, p.created_at`
)

// ActiveRoles returns the roles whose assignment to userID is in effect at now.
func (s *Store) ActiveRoles(ctx context.Context, userID string, now time.Time) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+roleColumns+`
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		  and ur.is_active
		  and (ur.valid_until is null or ur.valid_until > $2)
		order by r.name
	`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoles(rows)
}

func (s *Store) PermissionsForRole(ctx context.Context, roleID string) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+permissionColumns+`
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.name
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPermissions(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRole(sc scanner) (auth.Role, error) {
	var (
		r    auth.Role
		desc sql.NullString
		org  sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.Name, &desc, &r.IsSystemRole, &org, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return auth.Role{}, err
	}
	r.Description = desc.String
	r.OrganizationID = org.String
	return r, nil
}

func scanRoles(rows *sql.Rows) ([]auth.Role, error) {
	var out []auth.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanPermission(sc scanner) (auth.Permission, error) {
	var (
		p              auth.Permission
		category, desc sql.NullString
	)
	if err := sc.Scan(&p.ID, &p.Name, &category, &p.Resource, &p.Action, &desc, &p.IsSystem, &p.CreatedAt); err != nil {
		return auth.Permission{}, err
	}
	p.Category = category.String
	p.Description = desc.String
	return p, nil
}

func scanPermissions(rows *sql.Rows) ([]auth.Permission, error) {
	var out []auth.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
