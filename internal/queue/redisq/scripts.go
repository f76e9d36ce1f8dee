package redisq

import "github.com/redis/go-redis/v9"

// Scripts are loaded by SHA on first use and fall back to EVAL when the
// server has not seen them yet.

// enqueueScript writes the job hash and places the key on the waiting list
// or the delayed set. The EXISTS check is the dedup point: a key the broker
// already holds (in any state, including retained terminal ones) is a no-op.
//
// KEYS: 1=job hash, 2=waiting list, 3=delayed zset
// ARGV: 1=jobKey, 2=type, 3=payload, 4=maxAttempts, 5=backoffMs,
//
//	6=enqueuedAtMs, 7=readyAtMs (0 for immediate)
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'type', ARGV[2], 'payload', ARGV[3], 'attempt', '0',
  'max_attempts', ARGV[4], 'backoff_ms', ARGV[5], 'enqueued_at', ARGV[6])
if tonumber(ARGV[7]) > 0 then
  redis.call('HSET', KEYS[1], 'state', 'delayed')
  redis.call('ZADD', KEYS[3], ARGV[7], ARGV[1])
else
  redis.call('HSET', KEYS[1], 'state', 'waiting')
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return 1
`)

// promoteScript moves due members of a zset back onto the waiting list.
// Used both for delayed jobs whose readyAt has passed and for active jobs
// whose visibility deadline expired (worker crash reclaim).
//
// KEYS: 1=source zset, 2=waiting list
// ARGV: 1=nowMs, 2=limit, 3=job hash prefix
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, k in ipairs(due) do
  redis.call('ZREM', KEYS[1], k)
  redis.call('RPUSH', KEYS[2], k)
  redis.call('HSET', ARGV[3] .. k, 'state', 'waiting')
end
return #due
`)

// ackScript settles a delivered job as completed. The hash is retained with
// a TTL so dedup holds across the retention window; the completed zset is
// trimmed past the same cutoff.
//
// KEYS: 1=active zset, 2=completed zset, 3=job hash
// ARGV: 1=jobKey, 2=nowMs, 3=ttlSec, 4=trimCutoffMs
var ackScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[4])
redis.call('HSET', KEYS[3], 'state', 'completed')
redis.call('EXPIRE', KEYS[3], ARGV[3])
return 1
`)

// failScript settles a delivered job as failed, recording the last error.
//
// KEYS: 1=active zset, 2=failed zset, 3=job hash
// ARGV: 1=jobKey, 2=nowMs, 3=ttlSec, 4=trimCutoffMs, 5=error
var failScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[4])
redis.call('HSET', KEYS[3], 'state', 'failed', 'error', ARGV[5])
redis.call('EXPIRE', KEYS[3], ARGV[3])
return 1
`)

// retryScript reschedules a delivered job for a later attempt.
//
// KEYS: 1=active zset, 2=delayed zset, 3=job hash
// ARGV: 1=jobKey, 2=readyAtMs, 3=error
var retryScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'delayed', 'error', ARGV[3])
return 1
`)

// removeScript cancels a waiting or delayed job. Active jobs are never
// touched; they run to completion.
//
// KEYS: 1=waiting list, 2=delayed zset, 3=job hash
// ARGV: 1=jobKey
var removeScript = redis.NewScript(`
local n = redis.call('LREM', KEYS[1], 0, ARGV[1])
n = n + redis.call('ZREM', KEYS[2], ARGV[1])
if n > 0 then
  redis.call('DEL', KEYS[3])
end
return n
`)

// releaseLockScript releases a lock only when the caller still owns it.
//
// KEYS: 1=lock key
// ARGV: 1=owner
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
