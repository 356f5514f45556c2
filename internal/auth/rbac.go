package auth

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// Resolver maps users to their live roles and roles to permissions. All
// authorization decisions go through it.
type Resolver struct {
	roles RoleStore
	now   func() time.Time
}

func NewResolver(roles RoleStore, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{roles: roles, now: now}
}

// RolesFor returns the user's roles whose assignment has not expired. The
// result is memoized for the lifetime of a request when ctx carries a
// request cache.
func (r *Resolver) RolesFor(ctx context.Context, userID string) ([]string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if roles, ok := cachedRoles(ctx, userID); ok {
		return roles, nil
	}
	assignments, err := r.roles.Assignments(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	roles := make([]string, 0, len(assignments))
	for _, a := range assignments {
		if a.ActiveAt(now) {
			roles = append(roles, a.Role)
		}
	}
	roles = dedupeRoles(roles)
	sort.Strings(roles)
	storeCachedRoles(ctx, userID, roles)
	return roles, nil
}

func (r *Resolver) HasRole(ctx context.Context, userID, role string) (bool, error) {
	roles, err := r.RolesFor(ctx, userID)
	if err != nil {
		return false, err
	}
	return slices.Contains(roles, strings.ToLower(strings.TrimSpace(role))), nil
}

func (r *Resolver) HasPermission(ctx context.Context, userID, perm string) (bool, error) {
	roles, err := r.RolesFor(ctx, userID)
	if err != nil {
		return false, err
	}
	return slices.Contains(PermissionsFor(roles), perm), nil
}

// RequireRole fails with ErrForbidden unless the user holds one of roles.
func (r *Resolver) RequireRole(ctx context.Context, userID string, roles ...string) error {
	have, err := r.RolesFor(ctx, userID)
	if err != nil {
		return err
	}
	for _, want := range roles {
		if slices.Contains(have, want) {
			return nil
		}
	}
	return fmt.Errorf("%w: requires role %s", ErrForbidden, strings.Join(roles, " or "))
}

// RequirePermission fails with ErrForbidden unless a role grants perm.
func (r *Resolver) RequirePermission(ctx context.Context, userID, perm string) error {
	ok, err := r.HasPermission(ctx, userID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: requires permission %s", ErrForbidden, perm)
	}
	return nil
}

// Assign grants role to userID until expiresAt, or indefinitely when nil.
func (r *Resolver) Assign(ctx context.Context, userID, role string, expiresAt *time.Time) error {
	if !IsBuiltinRole(role) {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	err := r.roles.Assign(ctx, Assignment{UserID: userID, Role: role, ExpiresAt: expiresAt, CreatedAt: r.now().UTC()})
	if err != nil {
		return err
	}
	forgetCachedRoles(ctx, userID)
	return nil
}

func (r *Resolver) Revoke(ctx context.Context, userID, role string) error {
	if err := r.roles.Revoke(ctx, userID, role); err != nil {
		return err
	}
	forgetCachedRoles(ctx, userID)
	return nil
}
