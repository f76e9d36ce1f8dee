// Package redisq is the Redis implementation of the queue broker: per-type
// waiting lists and delayed sets, visibility-timeout reclaim for crashed
// consumers, jittered exponential retry, TTL-based retention of settled
// jobs, and the browser-profile locks.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/postpilot/postpilot/internal/config"
	"github.com/postpilot/postpilot/internal/domain"
	"github.com/postpilot/postpilot/internal/queue"
)

const (
	promoteBatch = 100
	maxBackoff   = 5 * time.Minute
)

// Broker implements queue.Broker and queue.Locker on a Redis server.
type Broker struct {
	rdb redis.UniversalClient
	cfg config.BrokerConfig
	log *slog.Logger
	now func() time.Time
}

var (
	_ queue.Broker = (*Broker)(nil)
	_ queue.Locker = (*Broker)(nil)
)

func New(rdb redis.UniversalClient, cfg config.BrokerConfig, log *slog.Logger) *Broker {
	return &Broker{rdb: rdb, cfg: cfg, log: log, now: time.Now}
}

func (b *Broker) jobHashKey(jobKey string) string {
	return b.cfg.Namespace + ":job:" + jobKey
}

func (b *Broker) jobHashPrefix() string {
	return b.cfg.Namespace + ":job:"
}

func (b *Broker) queueKey(typ domain.JobType, part string) string {
	return fmt.Sprintf("%s:q:%s:%s", b.cfg.Namespace, typ, part)
}

func (b *Broker) lockKey(name string) string {
	return b.cfg.Namespace + ":lock:" + name
}

// Enqueue places a job under its deterministic key. A key the broker
// already holds is left alone, which makes re-enqueue after a crash or a
// reconciliation pass idempotent.
func (b *Broker) Enqueue(ctx context.Context, typ domain.JobType, payload []byte, opts queue.Options) error {
	if opts.JobKey == "" {
		return fmt.Errorf("enqueue %s: job key required", typ)
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = b.cfg.DefaultAttempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = b.cfg.BackoffBase
	}
	now := b.now()
	readyAt := int64(0)
	if opts.Delay > 0 {
		readyAt = now.Add(opts.Delay).UnixMilli()
	}

	added, err := enqueueScript.Run(ctx, b.rdb,
		[]string{b.jobHashKey(opts.JobKey), b.queueKey(typ, "waiting"), b.queueKey(typ, "delayed")},
		opts.JobKey, string(typ), payload, attempts, backoff.Milliseconds(), now.UnixMilli(), readyAt,
	).Int()
	if err != nil {
		return fmt.Errorf("enqueue %s %q: %w", typ, opts.JobKey, err)
	}
	if added == 0 {
		b.log.DebugContext(ctx, "enqueue deduplicated", "type", typ, "jobKey", opts.JobKey)
	}
	return nil
}

// Consume delivers jobs of one type, one at a time, until ctx is cancelled.
// Delivery is at-least-once: a consumer that dies mid-job loses its
// visibility deadline and the job returns to the waiting list.
func (b *Broker) Consume(ctx context.Context, typ domain.JobType, h queue.Handler) error {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		paused, err := b.rdb.Exists(ctx, b.queueKey(typ, "paused")).Result()
		if err != nil {
			b.log.ErrorContext(ctx, "poll pause flag failed", "type", typ, "error", err)
			continue
		}
		if paused > 0 {
			continue
		}

		if err := b.promoteDue(ctx, typ); err != nil {
			b.log.ErrorContext(ctx, "promote due jobs failed", "type", typ, "error", err)
			continue
		}

		for {
			jobKey, err := b.rdb.LPop(ctx, b.queueKey(typ, "waiting")).Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				b.log.ErrorContext(ctx, "pop waiting job failed", "type", typ, "error", err)
				break
			}
			b.deliver(ctx, typ, jobKey, h)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

// promoteDue moves expired active jobs (crashed consumers) and due delayed
// jobs back to the waiting list.
func (b *Broker) promoteDue(ctx context.Context, typ domain.JobType) error {
	nowMs := b.now().UnixMilli()
	waiting := b.queueKey(typ, "waiting")
	for _, src := range []string{b.queueKey(typ, "active"), b.queueKey(typ, "delayed")} {
		if err := promoteScript.Run(ctx, b.rdb, []string{src, waiting},
			nowMs, promoteBatch, b.jobHashPrefix()).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) deliver(ctx context.Context, typ domain.JobType, jobKey string, h queue.Handler) {
	active := b.queueKey(typ, "active")
	hashKey := b.jobHashKey(jobKey)
	now := b.now()

	fields, err := b.rdb.HGetAll(ctx, hashKey).Result()
	if err != nil {
		b.log.ErrorContext(ctx, "read job hash failed", "jobKey", jobKey, "error", err)
		return
	}
	if len(fields) == 0 {
		// Hash expired or was removed; nothing to run.
		return
	}

	deadline := now.Add(b.cfg.VisibilityTimeout).UnixMilli()
	if err := b.rdb.ZAdd(ctx, active, redis.Z{Score: float64(deadline), Member: jobKey}).Err(); err != nil {
		b.log.ErrorContext(ctx, "mark job active failed", "jobKey", jobKey, "error", err)
		return
	}
	attempt, err := b.rdb.HIncrBy(ctx, hashKey, "attempt", 1).Result()
	if err != nil {
		b.log.ErrorContext(ctx, "bump job attempt failed", "jobKey", jobKey, "error", err)
		return
	}
	_ = b.rdb.HSet(ctx, hashKey, "state", "active").Err()

	maxAttempts, _ := strconv.Atoi(fields["max_attempts"])
	backoffMs, _ := strconv.ParseInt(fields["backoff_ms"], 10, 64)
	enqueuedMs, _ := strconv.ParseInt(fields["enqueued_at"], 10, 64)

	msg := &queue.Message{
		JobKey:      jobKey,
		Type:        typ,
		Payload:     []byte(fields["payload"]),
		Attempt:     int(attempt),
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.UnixMilli(enqueuedMs),
	}

	handlerErr := h(ctx, msg)
	if handlerErr == nil {
		b.ack(ctx, typ, jobKey)
		return
	}

	if queue.IsPermanent(handlerErr) || msg.FinalAttempt() {
		b.fail(ctx, typ, jobKey, handlerErr)
		return
	}
	b.retry(ctx, typ, jobKey, msg.Attempt, time.Duration(backoffMs)*time.Millisecond, handlerErr)
}

func (b *Broker) ack(ctx context.Context, typ domain.JobType, jobKey string) {
	now := b.now()
	cutoff := now.Add(-b.cfg.CompletedTTL).UnixMilli()
	err := ackScript.Run(ctx, b.rdb,
		[]string{b.queueKey(typ, "active"), b.queueKey(typ, "completed"), b.jobHashKey(jobKey)},
		jobKey, now.UnixMilli(), int64(b.cfg.CompletedTTL.Seconds()), cutoff,
	).Err()
	if err != nil {
		b.log.ErrorContext(ctx, "ack job failed", "jobKey", jobKey, "error", err)
		return
	}

	tpKey := b.throughputKey(typ, now)
	pipe := b.rdb.Pipeline()
	pipe.Incr(ctx, tpKey)
	pipe.Expire(ctx, tpKey, 2*time.Minute)
	_, _ = pipe.Exec(ctx)
}

func (b *Broker) fail(ctx context.Context, typ domain.JobType, jobKey string, cause error) {
	now := b.now()
	cutoff := now.Add(-b.cfg.FailedTTL).UnixMilli()
	err := failScript.Run(ctx, b.rdb,
		[]string{b.queueKey(typ, "active"), b.queueKey(typ, "failed"), b.jobHashKey(jobKey)},
		jobKey, now.UnixMilli(), int64(b.cfg.FailedTTL.Seconds()), cutoff, cause.Error(),
	).Err()
	if err != nil {
		b.log.ErrorContext(ctx, "settle failed job failed", "jobKey", jobKey, "error", err)
	}
}

func (b *Broker) retry(ctx context.Context, typ domain.JobType, jobKey string, attempt int, base time.Duration, cause error) {
	delay := backoffWithJitter(base, attempt)
	readyAt := b.now().Add(delay).UnixMilli()
	err := retryScript.Run(ctx, b.rdb,
		[]string{b.queueKey(typ, "active"), b.queueKey(typ, "delayed"), b.jobHashKey(jobKey)},
		jobKey, readyAt, cause.Error(),
	).Err()
	if err != nil {
		b.log.ErrorContext(ctx, "reschedule job failed", "jobKey", jobKey, "error", err)
		return
	}
	b.log.WarnContext(ctx, "job retry scheduled",
		"type", typ, "jobKey", jobKey, "attempt", attempt, "delay", delay, "error", cause)
}

// backoffWithJitter returns a full-jitter exponential delay: uniform over
// (0, base·2^(attempt-1)], capped.
func backoffWithJitter(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceil := base << (attempt - 1)
	if ceil > maxBackoff || ceil <= 0 {
		ceil = maxBackoff
	}
	return time.Duration(rand.Int64N(int64(ceil))) + time.Millisecond
}

// Remove cancels a waiting or delayed job. Active jobs run to completion.
func (b *Broker) Remove(ctx context.Context, typ domain.JobType, jobKey string) (bool, error) {
	n, err := removeScript.Run(ctx, b.rdb,
		[]string{b.queueKey(typ, "waiting"), b.queueKey(typ, "delayed"), b.jobHashKey(jobKey)},
		jobKey,
	).Int()
	if err != nil {
		return false, fmt.Errorf("remove %q: %w", jobKey, err)
	}
	return n > 0, nil
}

// Pause halts dispatch for one type; in-flight jobs run to completion.
func (b *Broker) Pause(ctx context.Context, typ domain.JobType) error {
	if err := b.rdb.Set(ctx, b.queueKey(typ, "paused"), "1", 0).Err(); err != nil {
		return fmt.Errorf("pause %s: %w", typ, err)
	}
	return nil
}

func (b *Broker) Resume(ctx context.Context, typ domain.JobType) error {
	if err := b.rdb.Del(ctx, b.queueKey(typ, "paused")).Err(); err != nil {
		return fmt.Errorf("resume %s: %w", typ, err)
	}
	return nil
}

// Introspect returns per-state counts and the rolling per-minute completion
// throughput for one type.
func (b *Broker) Introspect(ctx context.Context, typ domain.JobType) (queue.Counts, error) {
	now := b.now()
	pipe := b.rdb.Pipeline()
	waiting := pipe.LLen(ctx, b.queueKey(typ, "waiting"))
	active := pipe.ZCard(ctx, b.queueKey(typ, "active"))
	delayed := pipe.ZCard(ctx, b.queueKey(typ, "delayed"))
	pipe.ZRemRangeByScore(ctx, b.queueKey(typ, "completed"), "-inf",
		strconv.FormatInt(now.Add(-b.cfg.CompletedTTL).UnixMilli(), 10))
	pipe.ZRemRangeByScore(ctx, b.queueKey(typ, "failed"), "-inf",
		strconv.FormatInt(now.Add(-b.cfg.FailedTTL).UnixMilli(), 10))
	completed := pipe.ZCard(ctx, b.queueKey(typ, "completed"))
	failed := pipe.ZCard(ctx, b.queueKey(typ, "failed"))
	tpNow := pipe.Get(ctx, b.throughputKey(typ, now))
	tpPrev := pipe.Get(ctx, b.throughputKey(typ, now.Add(-time.Minute)))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return queue.Counts{}, fmt.Errorf("introspect %s: %w", typ, err)
	}

	perMinute := int64(0)
	if v, err := tpNow.Int64(); err == nil {
		perMinute += v
	}
	if v, err := tpPrev.Int64(); err == nil {
		perMinute += v
	}
	return queue.Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		PerMinute: perMinute,
	}, nil
}

func (b *Broker) throughputKey(typ domain.JobType, t time.Time) string {
	return b.queueKey(typ, "tp:"+strconv.FormatInt(t.Unix()/60, 10))
}

// Exists reports whether a key is live in the broker: waiting, delayed or
// active. Settled jobs held for retention do not count.
func (b *Broker) Exists(ctx context.Context, jobKey string) (bool, error) {
	state, err := b.rdb.HGet(ctx, b.jobHashKey(jobKey), "state").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %q: %w", jobKey, err)
	}
	switch state {
	case "waiting", "delayed", "active":
		return true, nil
	}
	return false, nil
}

// AcquireLock takes a named lock for owner. Returns false when another
// owner holds it. The TTL bounds the damage of a crashed holder.
func (b *Broker) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, b.lockKey(name), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", name, err)
	}
	return ok, nil
}

// ReleaseLock releases a named lock iff the caller still owns it.
func (b *Broker) ReleaseLock(ctx context.Context, name, owner string) error {
	if err := releaseLockScript.Run(ctx, b.rdb, []string{b.lockKey(name)}, owner).Err(); err != nil {
		return fmt.Errorf("release lock %q: %w", name, err)
	}
	return nil
}
