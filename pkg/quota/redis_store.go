package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const quotaFields = `"monthly_cap", "current_usage", "last_reset_ns"`

// redisCreateScript stores a quota only when none exists.
// KEYS[1] = quota hash key
// ARGV[1..3] = monthly_cap, current_usage, last_reset_ns
var redisCreateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    redis.call("HSET", KEYS[1], "monthly_cap", ARGV[1], "current_usage", ARGV[2], "last_reset_ns", ARGV[3])
end
return redis.call("HMGET", KEYS[1], ` + quotaFields + `)
`)

// redisResetScript zeroes usage when the last reset predates the month.
// KEYS[1] = quota hash key
// ARGV[1] = month start (unix ns), ARGV[2] = now (unix ns)
var redisResetScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return false
end
local reset = 0
if tonumber(redis.call("HGET", KEYS[1], "last_reset_ns")) < tonumber(ARGV[1]) then
    redis.call("HSET", KEYS[1], "current_usage", "0", "last_reset_ns", ARGV[2])
    reset = 1
end
local q = redis.call("HMGET", KEYS[1], ` + quotaFields + `)
return {q[1], q[2], q[3], reset}
`)

// redisSetCapScript changes only the cap of an existing quota.
// KEYS[1] = quota hash key
// ARGV[1] = monthly_cap
var redisSetCapScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return false
end
redis.call("HSET", KEYS[1], "monthly_cap", ARGV[1])
return redis.call("HMGET", KEYS[1], ` + quotaFields + `)
`)

// redisIncrementScript appends a usage record and bumps current_usage atomically.
// KEYS[1] = quota hash key
// KEYS[2] = usage list key
// ARGV[1] = amount
// ARGV[2] = usage record JSON
var redisIncrementScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return false
end

redis.call("HINCRBYFLOAT", KEYS[1], "current_usage", ARGV[1])
redis.call("RPUSH", KEYS[2], ARGV[2])

return redis.call("HMGET", KEYS[1], ` + quotaFields + `)
`)

// redisHoldScript expires stale holds, sums the rest and records the new
// hold only if it fits under the cap.
// KEYS[1] = quota hash key
// KEYS[2] = hold amounts hash (id -> amount)
// KEYS[3] = hold expiry sorted set (score = expiry unix ms)
// ARGV[1] = hold id, ARGV[2] = amount, ARGV[3] = expiry ms, ARGV[4] = now ms
var redisHoldScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return false
end
for _, id in ipairs(redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", ARGV[4])) do
    redis.call("HDEL", KEYS[2], id)
end
redis.call("ZREMRANGEBYSCORE", KEYS[3], "-inf", ARGV[4])

local held = 0
for _, v in ipairs(redis.call("HVALS", KEYS[2])) do
    held = held + tonumber(v)
end

local q = redis.call("HMGET", KEYS[1], ` + quotaFields + `)
local admitted = 0
if tonumber(q[2]) + held + tonumber(ARGV[2]) <= tonumber(q[1]) then
    redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
    redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
    admitted = 1
end
return {q[1], q[2], q[3], tostring(held), admitted}
`)

// redisHeldScript sums holds that expire after now.
// KEYS[1] = hold amounts hash, KEYS[2] = hold expiry sorted set
// ARGV[1] = now ms
var redisHeldScript = redis.NewScript(`
local held = 0
for _, id in ipairs(redis.call("ZRANGEBYSCORE", KEYS[2], "(" .. ARGV[1], "+inf")) do
    local v = redis.call("HGET", KEYS[1], id)
    if v then
        held = held + tonumber(v)
    end
end
return tostring(held)
`)

// RedisStore implements Store using Redis hashes and lists.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new store backed by Redis.
func NewRedisStore(addr string, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// The {user} hash tag keeps both keys in one cluster slot for the script.
func quotaKey(user string) string { return fmt.Sprintf("quota:{%s}", user) }
func usageKey(user string) string { return fmt.Sprintf("quota:{%s}:usage", user) }
func holdsKey(user string) string { return fmt.Sprintf("quota:{%s}:holds", user) }
func holdExpiryKey(user string) string {
	return fmt.Sprintf("quota:{%s}:hold_expiry", user)
}

func (s *RedisStore) Get(ctx context.Context, userAddress string) (*Quota, error) {
	vals, err := s.client.HGetAll(ctx, quotaKey(userAddress)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis quota get: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return parseRedisQuota(userAddress, vals["monthly_cap"], vals["current_usage"], vals["last_reset_ns"])
}

// Upsert replaces the user's record wholesale. Gates never call it; it seeds
// and restores records.
func (s *RedisStore) Upsert(ctx context.Context, q *Quota) error {
	err := s.client.HSet(ctx, quotaKey(q.UserAddress),
		"monthly_cap", formatFloat(q.MonthlyCap),
		"current_usage", formatFloat(q.CurrentUsage),
		"last_reset_ns", strconv.FormatInt(q.LastResetDate.UTC().UnixNano(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("redis quota upsert: %w", err)
	}
	return nil
}

func (s *RedisStore) Create(ctx context.Context, q *Quota) (*Quota, error) {
	res, err := redisCreateScript.Run(ctx, s.client, []string{quotaKey(q.UserAddress)},
		formatFloat(q.MonthlyCap), formatFloat(q.CurrentUsage), strconv.FormatInt(q.LastResetDate.UTC().UnixNano(), 10),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("redis quota create: %w", err)
	}
	return quotaFromScript(q.UserAddress, res, 3)
}

func (s *RedisStore) ResetMonth(ctx context.Context, userAddress string, monthStart, now time.Time) (*Quota, bool, error) {
	res, err := redisResetScript.Run(ctx, s.client, []string{quotaKey(userAddress)},
		strconv.FormatInt(monthStart.UTC().UnixNano(), 10), strconv.FormatInt(now.UTC().UnixNano(), 10),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis quota reset: %w", err)
	}
	q, err := quotaFromScript(userAddress, res, 4)
	if err != nil {
		return nil, false, err
	}
	fields := res.([]interface{})
	reset, _ := fields[3].(int64)
	return q, reset == 1, nil
}

func (s *RedisStore) SetMonthlyCap(ctx context.Context, userAddress string, monthlyCap float64) (*Quota, error) {
	res, err := redisSetCapScript.Run(ctx, s.client, []string{quotaKey(userAddress)}, formatFloat(monthlyCap)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis quota set cap: %w", err)
	}
	return quotaFromScript(userAddress, res, 3)
}

func (s *RedisStore) Increment(ctx context.Context, rec UsageRecord) (*Quota, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("redis quota: marshal usage record: %w", err)
	}

	res, err := redisIncrementScript.Run(ctx, s.client,
		[]string{quotaKey(rec.UserAddress), usageKey(rec.UserAddress)},
		formatFloat(rec.Amount), string(payload),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis quota increment: %w", err)
	}
	return quotaFromScript(rec.UserAddress, res, 3)
}

func (s *RedisStore) Hold(ctx context.Context, h Hold, now time.Time) (*Quota, float64, bool, error) {
	res, err := redisHoldScript.Run(ctx, s.client,
		[]string{quotaKey(h.UserAddress), holdsKey(h.UserAddress), holdExpiryKey(h.UserAddress)},
		h.ID, formatFloat(h.Amount),
		strconv.FormatInt(h.ExpiresAt.UnixMilli(), 10), strconv.FormatInt(now.UnixMilli(), 10),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, 0, false, ErrNotFound
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("redis quota hold: %w", err)
	}
	q, err := quotaFromScript(h.UserAddress, res, 5)
	if err != nil {
		return nil, 0, false, err
	}
	fields := res.([]interface{})
	heldStr, _ := fields[3].(string)
	held, err := strconv.ParseFloat(heldStr, 64)
	if err != nil {
		return nil, 0, false, fmt.Errorf("redis quota hold: invalid held total %q: %w", heldStr, err)
	}
	admitted, _ := fields[4].(int64)
	return q, held, admitted == 1, nil
}

func (s *RedisStore) Held(ctx context.Context, userAddress string, now time.Time) (float64, error) {
	res, err := redisHeldScript.Run(ctx, s.client,
		[]string{holdsKey(userAddress), holdExpiryKey(userAddress)},
		strconv.FormatInt(now.UnixMilli(), 10),
	).Text()
	if err != nil {
		return 0, fmt.Errorf("redis quota held: %w", err)
	}
	held, err := strconv.ParseFloat(res, 64)
	if err != nil {
		return 0, fmt.Errorf("redis quota held: invalid total %q: %w", res, err)
	}
	return held, nil
}

func (s *RedisStore) ReleaseHold(ctx context.Context, userAddress, holdID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, holdsKey(userAddress), holdID)
		pipe.ZRem(ctx, holdExpiryKey(userAddress), holdID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis quota release hold: %w", err)
	}
	return nil
}

func (s *RedisStore) ListUsage(ctx context.Context, userAddress string, period Period) ([]UsageRecord, error) {
	raw, err := s.client.LRange(ctx, usageKey(userAddress), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis usage list: %w", err)
	}
	var out []UsageRecord
	for _, item := range raw {
		var r UsageRecord
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("corrupt usage record for %s: %w", userAddress, err)
		}
		if period.Contains(r.Timestamp) {
			out = append(out, r)
		}
	}
	return out, nil
}

func parseRedisQuota(user, capStr, usageStr, resetStr string) (*Quota, error) {
	monthlyCap, err := strconv.ParseFloat(capStr, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt monthly_cap for %s: %w", user, err)
	}
	usage, err := strconv.ParseFloat(usageStr, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt current_usage for %s: %w", user, err)
	}
	resetNs, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt last_reset_ns for %s: %w", user, err)
	}
	return &Quota{
		UserAddress:   user,
		MonthlyCap:    monthlyCap,
		CurrentUsage:  usage,
		LastResetDate: time.Unix(0, resetNs).UTC(),
	}, nil
}

// quotaFromScript decodes the leading monthly_cap, current_usage and
// last_reset_ns fields of a script reply of the given length.
func quotaFromScript(user string, res interface{}, n int) (*Quota, error) {
	fields, ok := res.([]interface{})
	if !ok || len(fields) != n {
		return nil, fmt.Errorf("redis quota: invalid response from lua script")
	}
	str := func(v interface{}) string {
		s, _ := v.(string)
		return s
	}
	return parseRedisQuota(user, str(fields[0]), str(fields[1]), str(fields[2]))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
