package auth

import (
	"context"
	"sync"
)

type principalContextKey struct{}
type roleCacheContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}

type roleCache struct {
	mu    sync.Mutex
	roles map[string][]string
}

// WithRequestCache returns a context whose resolved roles are memoized until
// the context is discarded. Install it once per request.
func WithRequestCache(ctx context.Context) context.Context {
	if _, ok := ctx.Value(roleCacheContextKey{}).(*roleCache); ok {
		return ctx
	}
	return context.WithValue(ctx, roleCacheContextKey{}, &roleCache{roles: make(map[string][]string)})
}

func cachedRoles(ctx context.Context, userID string) ([]string, bool) {
	c, ok := ctx.Value(roleCacheContextKey{}).(*roleCache)
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	roles, ok := c.roles[userID]
	if !ok {
		return nil, false
	}
	return append([]string(nil), roles...), true
}

func storeCachedRoles(ctx context.Context, userID string, roles []string) {
	c, ok := ctx.Value(roleCacheContextKey{}).(*roleCache)
	if !ok {
		return
	}
	c.mu.Lock()
	c.roles[userID] = append([]string(nil), roles...)
	c.mu.Unlock()
}

func forgetCachedRoles(ctx context.Context, userID string) {
	c, ok := ctx.Value(roleCacheContextKey{}).(*roleCache)
	if !ok {
		return
	}
	c.mu.Lock()
	delete(c.roles, userID)
	c.mu.Unlock()
}
