package pg

import (
	"context"
	"database/sql"
	"time"

	"otportal.org/internal/auth"
)

const sessionColumns = `id, user_id, token_hash, expires_at, revoked, revoked_at, last_activity_at,
	coalesce(ip, ''), coalesce(user_agent, ''), created_at`

type sessionStore struct{ q querier }

func scanSession(row scanner) (*auth.Session, error) {
	var (
		s         auth.Session
		revokedAt sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.TokenHash, &s.ExpiresAt, &s.Revoked, &revokedAt,
		&s.LastActivityAt, &s.IP, &s.UserAgent, &s.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	s.RevokedAt = timePtr(revokedAt)
	return &s, nil
}

func (s sessionStore) Create(ctx context.Context, sess *auth.Session) error {
	_, err := s.q.ExecContext(ctx, `
		insert into sessions (id, user_id, token_hash, expires_at, revoked, last_activity_at, ip, user_agent, created_at)
		values ($1, $2, $3, $4, false, $5, $6, $7, $8)
	`, sess.ID, sess.UserID, sess.TokenHash, sess.ExpiresAt, sess.LastActivityAt,
		nullIfEmpty(sess.IP), nullIfEmpty(sess.UserAgent), sess.CreatedAt)
	return mapError(err)
}

func (s sessionStore) Touch(ctx context.Context, hash string, now time.Time) (*auth.Session, error) {
	return scanSession(s.q.QueryRowContext(ctx, `
		update sessions set last_activity_at = $2
		where token_hash = $1 and not revoked and expires_at > $2
		returning `+sessionColumns, hash, now))
}

func (s sessionStore) Rotate(ctx context.Context, oldHash, newHash string, expiresAt, now time.Time, meta auth.ClientMeta) (*auth.Session, error) {
	return scanSession(s.q.QueryRowContext(ctx, `
		update sessions
		set token_hash = $2, expires_at = $3, last_activity_at = $4,
			ip = coalesce($5, ip), user_agent = coalesce($6, user_agent)
		where token_hash = $1 and not revoked and expires_at > $4
		returning `+sessionColumns,
		oldHash, newHash, expiresAt, now, nullIfEmpty(meta.IP), nullIfEmpty(meta.UserAgent)))
}

func (s sessionStore) Revoke(ctx context.Context, hash, userID string, now time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		update sessions set revoked = true, revoked_at = $3
		where token_hash = $1 and ($2 = '' or user_id = $2) and not revoked
	`, hash, userID, now)
	return err
}

func (s sessionStore) RevokeAll(ctx context.Context, userID string, now time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		update sessions set revoked = true, revoked_at = $2
		where user_id = $1 and not revoked
	`, userID, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s sessionStore) ListActive(ctx context.Context, userID string, now time.Time) ([]auth.Session, error) {
	rows, err := s.q.QueryContext(ctx, `
		select `+sessionColumns+`
		from sessions
		where user_id = $1 and not revoked and expires_at > $2
		order by last_activity_at desc
	`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type csrfStore struct{ q querier }

func (c csrfStore) Create(ctx context.Context, t auth.CSRFToken) error {
	_, err := c.q.ExecContext(ctx, `
		insert into csrf_tokens (token_hash, session_ref, expires_at, created_at)
		values ($1, $2, $3, $4)
	`, t.TokenHash, t.SessionRef, t.ExpiresAt, t.CreatedAt)
	return mapError(err)
}

// Consume is the whole check: the row is claimed only when it is unused and
// unexpired, so exactly one of any concurrent callers sees a row affected.
func (c csrfStore) Consume(ctx context.Context, hash string, now time.Time) (bool, error) {
	res, err := c.q.ExecContext(ctx, `
		update csrf_tokens set used_at = $2
		where token_hash = $1 and used_at is null and expires_at > $2
	`, hash, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c csrfStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := c.q.ExecContext(ctx, `delete from csrf_tokens where used_at is not null or expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
