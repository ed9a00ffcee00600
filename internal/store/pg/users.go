package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/auth"
)

const userColumns = `id, username, password_hash, is_active, organization_id, department_id, created_at, updated_at`

func (s *Store) GetUser(ctx context.Context, id string) (auth.User, error) {
	return s.getUser(ctx, `select `+userColumns+` from users where id = $1`, id)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (auth.User, error) {
	return s.getUser(ctx, `select `+userColumns+` from users where username = $1`, username)
}

func (s *Store) getUser(ctx context.Context, query, arg string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	var (
		u         auth.User
		org, dept sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Username, &u.PasswordHash, &u.IsActive, &org, &dept, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	u.OrganizationID = org.String
	u.DepartmentID = dept.String
	return u, nil
}
