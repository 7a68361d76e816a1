package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// reserveScript prunes expired entries and reserves ARGV[4] units if they fit.
// KEYS: log (zset of id by ms), amounts (hash of id -> amount), sum.
// ARGV: now_ms, period_ms, limit, amount, id.
// Returns {1, 0} when reserved, {0, wait_ms} otherwise.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local period = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local n = tonumber(ARGV[4])
local cutoff = now - period

local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', cutoff)
if #expired > 0 then
  for _, member in ipairs(expired) do
    local amount = redis.call('HGET', KEYS[2], member)
    if amount then
      redis.call('DECRBY', KEYS[3], amount)
      redis.call('HDEL', KEYS[2], member)
    end
  end
  redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', cutoff)
end

local used = tonumber(redis.call('GET', KEYS[3]) or '0')
if used + n <= limit then
  redis.call('ZADD', KEYS[1], ARGV[1], ARGV[5])
  redis.call('HSET', KEYS[2], ARGV[5], ARGV[4])
  redis.call('INCRBY', KEYS[3], ARGV[4])
  for i = 1, 3 do
    redis.call('PEXPIRE', KEYS[i], ARGV[2])
  end
  return {1, 0}
end

local need = used + n - limit
local freed = 0
local entries = redis.call('ZRANGE', KEYS[1], 0, -1, 'WITHSCORES')
for i = 1, #entries, 2 do
  freed = freed + tonumber(redis.call('HGET', KEYS[2], entries[i]) or '0')
  if freed >= need then
    return {0, tonumber(entries[i + 1]) + period - now}
  end
end
return {0, period}
`)

// refundScript removes one reservation if it has not expired yet.
var refundScript = redis.NewScript(`
local amount = redis.call('HGET', KEYS[2], ARGV[1])
if not amount then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DECRBY', KEYS[3], amount)
return 1
`)

// RedisLedger keeps a window's log in redis so that every gateway process
// using the same backend account draws from one budget. Timestamps come from
// the caller's clock at millisecond resolution.
type RedisLedger struct {
	client redis.UniversalClient
	keys   []string
	limit  Limit
}

// NewRedisLedger creates a ledger stored under keys derived from prefix.
func NewRedisLedger(client redis.UniversalClient, prefix string, l Limit) *RedisLedger {
	// one hash slot per window
	tag := "{" + prefix + "}"
	return &RedisLedger{
		client: client,
		keys:   []string{tag + ":log", tag + ":amounts", tag + ":sum"},
		limit:  l,
	}
}

// Reserve implements Ledger.
func (r *RedisLedger) Reserve(ctx context.Context, now time.Time, n int64) (Reservation, time.Duration, error) {
	id := uuid.NewString()
	res, err := reserveScript.Run(ctx, r.client, r.keys,
		now.UnixMilli(), r.limit.Period.Milliseconds(), r.limit.Amount, n, id).Int64Slice()
	if err != nil {
		return Reservation{}, 0, fmt.Errorf("%w: reserve: %v", ErrLedger, err)
	}
	if len(res) != 2 {
		return Reservation{}, 0, fmt.Errorf("%w: reserve: unexpected reply %v", ErrLedger, res)
	}
	if res[0] == 0 {
		wait := time.Duration(res[1]) * time.Millisecond
		if wait <= 0 {
			wait = time.Millisecond
		}
		return Reservation{}, wait, nil
	}
	return Reservation{ID: id, Amount: n, At: now}, 0, nil
}

// Refund implements Ledger.
func (r *RedisLedger) Refund(ctx context.Context, res Reservation) error {
	if err := refundScript.Run(ctx, r.client, r.keys, res.ID).Err(); err != nil {
		return fmt.Errorf("%w: refund: %v", ErrLedger, err)
	}
	return nil
}

// Used returns the amount currently recorded in redis, without pruning.
func (r *RedisLedger) Used(ctx context.Context) (int64, error) {
	n, err := r.client.Get(ctx, r.keys[2]).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLedger, err)
	}
	return n, nil
}
