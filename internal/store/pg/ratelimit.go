package pg

import (
	"context"
	"database/sql"
	"time"

	"otportal.org/internal/auth"
)

type rateLimitStore struct{ q querier }

func scanLimit(row scanner) (auth.RateLimitRecord, error) {
	var (
		rec     auth.RateLimitRecord
		blocked sql.NullTime
	)
	if err := row.Scan(&rec.Identifier, &rec.Action, &rec.Attempts, &blocked, &rec.UpdatedAt); err != nil {
		return auth.RateLimitRecord{}, mapError(err)
	}
	rec.BlockedUntil = timePtr(blocked)
	return rec, nil
}

func (r rateLimitStore) Get(ctx context.Context, identifier, action string) (*auth.RateLimitRecord, error) {
	rec, err := scanLimit(r.q.QueryRowContext(ctx, `
		select identifier, action, attempts, blocked_until, updated_at
		from rate_limits
		where identifier = $1 and action = $2
	`, identifier, action))
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Increment is a single upsert. The conflict branch restarts the counter
// when the previous block has elapsed or the row is older than the window,
// and sets blocked_until the first time attempts reach max.
func (r rateLimitStore) Increment(ctx context.Context, identifier, action string, max int, window time.Duration, now time.Time) (auth.RateLimitRecord, error) {
	return scanLimit(r.q.QueryRowContext(ctx, `
		insert into rate_limits as rl (identifier, action, attempts, blocked_until, updated_at)
		values ($1, $2, 1, case when 1 >= $3::int then $4::timestamptz end, $5)
		on conflict (identifier, action) do update set
			attempts = case
				when (rl.blocked_until is not null and rl.blocked_until <= $5)
					or (rl.blocked_until is null and rl.updated_at <= $6) then 1
				else rl.attempts + 1
			end,
			blocked_until = case
				when (rl.blocked_until is not null and rl.blocked_until <= $5)
					or (rl.blocked_until is null and rl.updated_at <= $6)
					then case when 1 >= $3::int then $4::timestamptz end
				when rl.blocked_until is null and rl.attempts + 1 >= $3::int then $4::timestamptz
				else rl.blocked_until
			end,
			updated_at = $5
		returning identifier, action, attempts, blocked_until, updated_at
	`, identifier, action, max, now.Add(window), now, now.Add(-window)))
}

func (r rateLimitStore) Reset(ctx context.Context, identifier, action string) error {
	_, err := r.q.ExecContext(ctx, `delete from rate_limits where identifier = $1 and action = $2`, identifier, action)
	return err
}

func (r rateLimitStore) Purge(ctx context.Context, staleBefore time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
		delete from rate_limits
		where (blocked_until is null or blocked_until <= $1) and updated_at < $1
	`, staleBefore)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type resetStore struct{ q querier }

func (r resetStore) Put(ctx context.Context, reset auth.PasswordReset) error {
	_, err := r.q.ExecContext(ctx, `
		insert into password_resets (user_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4)
		on conflict (user_id) do update
		set token_hash = excluded.token_hash, expires_at = excluded.expires_at, created_at = excluded.created_at
	`, reset.UserID, reset.TokenHash, reset.ExpiresAt, reset.CreatedAt)
	return mapError(err)
}

func (r resetStore) Consume(ctx context.Context, hash string, now time.Time) (string, error) {
	var userID string
	err := r.q.QueryRowContext(ctx, `
		delete from password_resets
		where token_hash = $1 and expires_at > $2
		returning user_id
	`, hash, now).Scan(&userID)
	if err != nil {
		return "", mapError(err)
	}
	return userID, nil
}

func (r resetStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, `delete from password_resets where expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
