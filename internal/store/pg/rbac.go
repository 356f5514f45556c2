package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"otportal.org/internal/auth"
)

type roleStore struct{ s *Store }

// EnsureCatalog upserts roles and permissions and replaces the grants of
// every role named in grants.
func (r roleStore) EnsureCatalog(ctx context.Context, roles []auth.Role, perms []auth.Permission, grants map[string][]string) error {
	return r.s.WithTx(ctx, func(tx auth.Store) error {
		q := tx.(*Store).q
		for _, role := range roles {
			if _, err := q.ExecContext(ctx, `
				insert into roles (name, description) values ($1, $2)
				on conflict (name) do update set description = excluded.description
			`, role.Name, role.Description); err != nil {
				return fmt.Errorf("upsert role %s: %w", role.Name, err)
			}
		}
		for _, p := range perms {
			if _, err := q.ExecContext(ctx, `
				insert into permissions (key, description) values ($1, $2)
				on conflict (key) do update set description = excluded.description
			`, p.Key, p.Description); err != nil {
				return fmt.Errorf("upsert permission %s: %w", p.Key, err)
			}
		}
		for role, keys := range grants {
			if _, err := q.ExecContext(ctx, `delete from role_permissions where role_name = $1`, role); err != nil {
				return fmt.Errorf("clear grants %s: %w", role, err)
			}
			for _, key := range keys {
				if _, err := q.ExecContext(ctx, `
					insert into role_permissions (role_name, permission_key) values ($1, $2)
					on conflict do nothing
				`, role, key); err != nil {
					return fmt.Errorf("grant %s to %s: %w", key, role, mapError(err))
				}
			}
		}
		return nil
	})
}

func (r roleStore) Assign(ctx context.Context, a auth.Assignment) error {
	_, err := r.s.q.ExecContext(ctx, `
		insert into user_roles (user_id, role_name, expires_at, created_at)
		values ($1, $2, $3, $4)
		on conflict (user_id, role_name) do update set expires_at = excluded.expires_at
	`, a.UserID, a.Role, nullTime(a.ExpiresAt), a.CreatedAt)
	return mapError(err)
}

func (r roleStore) Revoke(ctx context.Context, userID, role string) error {
	_, err := r.s.q.ExecContext(ctx, `delete from user_roles where user_id = $1 and role_name = $2`, userID, role)
	return err
}

func (r roleStore) Assignments(ctx context.Context, userID string) ([]auth.Assignment, error) {
	rows, err := r.s.q.QueryContext(ctx, `
		select user_id, role_name, expires_at, created_at
		from user_roles
		where user_id = $1
		order by role_name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Assignment
	for rows.Next() {
		var (
			a   auth.Assignment
			exp sql.NullTime
		)
		if err := rows.Scan(&a.UserID, &a.Role, &exp, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.ExpiresAt = timePtr(exp)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type profileStore struct{ q querier }

func (p profileStore) Create(ctx context.Context, pr *auth.Profile) error {
	_, err := p.q.ExecContext(ctx, `
		insert into ot_profiles (user_id, first_name, last_name, practice_name, phone, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, pr.UserID, pr.FirstName, pr.LastName, nullIfEmpty(pr.PracticeName), nullIfEmpty(pr.Phone), pr.CreatedAt)
	return mapError(err)
}

func (p profileStore) Find(ctx context.Context, userID string) (*auth.Profile, error) {
	var pr auth.Profile
	err := p.q.QueryRowContext(ctx, `
		select user_id, first_name, last_name, coalesce(practice_name, ''), coalesce(phone, ''), created_at
		from ot_profiles
		where user_id = $1
	`, userID).Scan(&pr.UserID, &pr.FirstName, &pr.LastName, &pr.PracticeName, &pr.Phone, &pr.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &pr, nil
}

const signupSelect = `
	select r.id, r.user_id, u.email, r.requested_role, r.status, coalesce(r.decided_by, ''), r.decided_at, r.created_at
	from signup_requests r
	join users u on u.id = r.user_id`

type signupStore struct{ q querier }

func scanSignup(row scanner) (*auth.SignupRequest, error) {
	var (
		r       auth.SignupRequest
		decided sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.Email, &r.RequestedRole, &r.Status, &r.DecidedBy, &decided, &r.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	r.DecidedAt = timePtr(decided)
	return &r, nil
}

func (s signupStore) Create(ctx context.Context, r *auth.SignupRequest) error {
	_, err := s.q.ExecContext(ctx, `
		insert into signup_requests (id, user_id, requested_role, status, created_at)
		values ($1, $2, $3, $4, $5)
	`, r.ID, r.UserID, r.RequestedRole, r.Status, r.CreatedAt)
	return mapError(err)
}

func (s signupStore) Find(ctx context.Context, id string) (*auth.SignupRequest, error) {
	return scanSignup(s.q.QueryRowContext(ctx, signupSelect+` where r.id = $1`, id))
}

func (s signupStore) ListPending(ctx context.Context) ([]auth.SignupRequest, error) {
	rows, err := s.q.QueryContext(ctx, signupSelect+` where r.status = $1 order by r.created_at`, auth.SignupPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.SignupRequest
	for rows.Next() {
		r, err := scanSignup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Decide only moves pending rows, so two approvers racing on one request
// cannot both succeed.
func (s signupStore) Decide(ctx context.Context, id, status, decidedBy string, now time.Time) (*auth.SignupRequest, error) {
	r, err := scanSignup(s.q.QueryRowContext(ctx, `
		with decided as (
			update signup_requests
			set status = $2, decided_by = $3, decided_at = $4
			where id = $1 and status = 'pending'
			returning id, user_id, requested_role, status, decided_by, decided_at, created_at
		)
		select d.id, d.user_id, u.email, d.requested_role, d.status, coalesce(d.decided_by, ''), d.decided_at, d.created_at
		from decided d
		join users u on u.id = d.user_id
	`, id, status, nullIfEmpty(decidedBy), now))
	if !errors.Is(err, auth.ErrNotFound) {
		return r, err
	}
	if _, err := s.Find(ctx, id); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: signup request already decided", auth.ErrConflict)
}
