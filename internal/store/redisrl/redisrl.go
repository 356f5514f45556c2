// Package redisrl keeps rate-limit counters in Redis so every API instance
// shares one view of blocked identifiers.
package redisrl

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"otportal.org/internal/auth"
)

const defaultPrefix = "otportal:ratelimit"

// incrementScript applies the counter rule atomically. Times are unix
// milliseconds supplied by the caller so the limiter clock stays injectable.
var incrementScript = redis.NewScript(`
local key = KEYS[1]
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
local blocked = tonumber(redis.call('HGET', key, 'blocked_until') or '0')
local updated = tonumber(redis.call('HGET', key, 'updated_at') or '0')
if attempts == 0 or (blocked > 0 and blocked <= now) or (blocked == 0 and updated <= now - window) then
	attempts = 0
	blocked = 0
end
attempts = attempts + 1
if attempts >= max and blocked == 0 then
	blocked = now + window
end
redis.call('HSET', key, 'attempts', attempts, 'blocked_until', string.format('%d', blocked), 'updated_at', string.format('%d', now))
local ttl = window
if blocked > now then
	ttl = blocked - now + window
end
redis.call('PEXPIRE', key, ttl)
return {attempts, blocked, now}
`)

// Store implements auth.RateLimitStore on Redis hashes.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ auth.RateLimitStore = (*Store)(nil)

func New(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// Open connects using a redis:// URL.
func Open(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(redis.NewClient(opts), ""), nil
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *Store) key(identifier, action string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, action, identifier)
}

func (s *Store) Get(ctx context.Context, identifier, action string) (*auth.RateLimitRecord, error) {
	vals, err := s.rdb.HGetAll(ctx, s.key(identifier, action)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, auth.ErrNotFound
	}
	attempts, _ := strconv.ParseInt(vals["attempts"], 10, 64)
	blocked, _ := strconv.ParseInt(vals["blocked_until"], 10, 64)
	updated, _ := strconv.ParseInt(vals["updated_at"], 10, 64)
	rec := record(identifier, action, attempts, blocked, updated)
	return &rec, nil
}

func (s *Store) Increment(ctx context.Context, identifier, action string, max int, window time.Duration, now time.Time) (auth.RateLimitRecord, error) {
	reply, err := incrementScript.Run(ctx, s.rdb, []string{s.key(identifier, action)},
		max, window.Milliseconds(), now.UnixMilli()).Slice()
	if err != nil {
		return auth.RateLimitRecord{}, fmt.Errorf("rate limit increment: %w", err)
	}
	if len(reply) != 3 {
		return auth.RateLimitRecord{}, fmt.Errorf("rate limit increment: unexpected reply %v", reply)
	}
	var vals [3]int64
	for i, v := range reply {
		n, ok := v.(int64)
		if !ok {
			return auth.RateLimitRecord{}, fmt.Errorf("rate limit increment: unexpected reply %v", reply)
		}
		vals[i] = n
	}
	return record(identifier, action, vals[0], vals[1], vals[2]), nil
}

func (s *Store) Reset(ctx context.Context, identifier, action string) error {
	return s.rdb.Del(ctx, s.key(identifier, action)).Err()
}

// Purge is a no-op; every key carries its own expiry.
func (s *Store) Purge(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func record(identifier, action string, attempts, blockedMs, updatedMs int64) auth.RateLimitRecord {
	rec := auth.RateLimitRecord{
		Identifier: identifier,
		Action:     action,
		Attempts:   int(attempts),
		UpdatedAt:  time.UnixMilli(updatedMs).UTC(),
	}
	if blockedMs > 0 {
		until := time.UnixMilli(blockedMs).UTC()
		rec.BlockedUntil = &until
	}
	return rec
}
