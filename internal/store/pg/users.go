package pg

import (
	"context"
	"database/sql"
	"time"

	"otportal.org/internal/auth"
)

const userColumns = `id, email, password_hash, active, failed_attempts, locked_until,
	last_login_at, coalesce(last_login_ip, ''), deleted_at, created_at, updated_at`

type userStore struct{ q querier }

func scanUser(row scanner) (*auth.User, error) {
	var (
		u                        auth.User
		locked, lastLogin, delAt sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Active, &u.FailedAttempts, &locked,
		&lastLogin, &u.LastLoginIP, &delAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	u.LockedUntil = timePtr(locked)
	u.LastLoginAt = timePtr(lastLogin)
	u.DeletedAt = timePtr(delAt)
	return &u, nil
}

func (s userStore) Create(ctx context.Context, u *auth.User) error {
	_, err := s.q.ExecContext(ctx, `
		insert into users (id, email, password_hash, active, failed_attempts, created_at, updated_at)
		values ($1, lower($2), $3, $4, 0, $5, $6)
	`, u.ID, u.Email, u.PasswordHash, u.Active, u.CreatedAt, u.UpdatedAt)
	return mapError(err)
}

func (s userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return scanUser(s.q.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

func (s userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return scanUser(s.q.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where lower(email) = lower($1) and deleted_at is null
	`, email))
}

func (s userStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `select count(*) from users`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// RecordFailure evaluates every right-hand side against the pre-update row,
// so the counter restart and the new lock are decided in one statement.
func (s userStore) RecordFailure(ctx context.Context, userID string, threshold int, lockFor time.Duration, now time.Time) (*auth.User, error) {
	return scanUser(s.q.QueryRowContext(ctx, `
		update users set
			failed_attempts = case when locked_until <= $2 then 1 else failed_attempts + 1 end,
			locked_until = case
				when (case when locked_until <= $2 then 1 else failed_attempts + 1 end) >= $3 then $4
				when locked_until <= $2 then null
				else locked_until
			end,
			updated_at = $2
		where id = $1
		returning `+userColumns,
		userID, now, threshold, now.Add(lockFor)))
}

func (s userStore) RecordSuccess(ctx context.Context, userID, ip string, now time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		update users
		set failed_attempts = 0, locked_until = null, last_login_at = $2, last_login_ip = $3, updated_at = $2
		where id = $1
	`, userID, now, nullIfEmpty(ip))
	return affected(res, err)
}

func (s userStore) UpdatePassword(ctx context.Context, userID, passwordHash string, now time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		update users
		set password_hash = $2, failed_attempts = 0, locked_until = null, updated_at = $3
		where id = $1
	`, userID, passwordHash, now)
	return affected(res, err)
}

// affected turns a zero-row update into ErrNotFound.
func affected(res sql.Result, err error) error {
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
