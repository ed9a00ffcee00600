package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/auth"
)

func (s *Store) CreateSession(ctx context.Context, sess auth.Session) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_sessions (id, user_id, refresh_token_hash, expires_at, is_active, last_activity, created_at, ip_address, user_agent)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sess.ID, sess.UserID, sess.RefreshTokenHash, sess.ExpiresAt, sess.IsActive, sess.LastActivity, sess.CreatedAt,
		nullIfEmpty(sess.IPAddress), nullIfEmpty(sess.UserAgent))
	return mapWriteError(err, "session")
}

func (s *Store) GetSession(ctx context.Context, id string) (auth.Session, error) {
	if s.db == nil {
		return auth.Session{}, errNoDB
	}
	var (
		sess      auth.Session
		revokedAt sql.NullTime
		ip, ua    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, refresh_token_hash, expires_at, is_active, last_activity, created_at, revoked_at, ip_address, user_agent
		from user_sessions
		where id = $1
	`, id).Scan(&sess.ID, &sess.UserID, &sess.RefreshTokenHash, &sess.ExpiresAt, &sess.IsActive,
		&sess.LastActivity, &sess.CreatedAt, &revokedAt, &ip, &ua)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Session{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Session{}, err
	}
	sess.RevokedAt = timePtr(revokedAt)
	sess.IPAddress = ip.String
	sess.UserAgent = ua.String
	return sess, nil
}

// TouchSession records activity. Terminal sessions are not touched.
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		update user_sessions set last_activity = $2
		where id = $1 and is_active and expires_at > $2
	`, id, at)
	return err
}

// RotateSessionSecret replaces the refresh hash of an active session, but only
// while it still holds oldHash.
func (s *Store) RotateSessionSecret(ctx context.Context, id, oldHash, newHash string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update user_sessions set refresh_token_hash = $3, last_activity = $4
		where id = $1 and refresh_token_hash = $2 and is_active and expires_at > $4
	`, id, oldHash, newHash, at)
	if err != nil {
		return err
	}
	return requireAffected(res, fmt.Errorf("%w: active session %s", auth.ErrNotFound, id))
}

// RevokeSession marks a session revoked. Revoking a terminal session is a no-op.
func (s *Store) RevokeSession(ctx context.Context, id string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		update user_sessions set is_active = false, revoked_at = $2
		where id = $1 and is_active
	`, id, at)
	return err
}

func (s *Store) RevokeUserSessions(ctx context.Context, userID string, at time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update user_sessions set is_active = false, revoked_at = $2
		where user_id = $1 and is_active
	`, userID, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
