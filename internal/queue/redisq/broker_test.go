package redisq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/postpilot/postpilot/internal/config"
	"github.com/postpilot/postpilot/internal/domain"
	"github.com/postpilot/postpilot/internal/queue"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b, _ := newTestBrokerWithRedis(t)
	return b
}

func newTestBrokerWithRedis(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.DefaultBrokerConfig()
	cfg.Addr = mr.Addr()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.BackoffBase = time.Millisecond

	return New(rdb, cfg, slog.New(slog.NewTextHandler(io.Discard, nil))), mr
}

func consumeFor(t *testing.T, b *Broker, typ domain.JobType, h queue.Handler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Consume(ctx, typ, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestEnqueue_DeduplicatesOnJobKey(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, domain.JobCreatePost, []byte(`{"a":1}`), queue.Options{JobKey: "run1_seq1"}))
	require.NoError(t, b.Enqueue(ctx, domain.JobCreatePost, []byte(`{"a":2}`), queue.Options{JobKey: "run1_seq1"}))

	counts, err := b.Introspect(ctx, domain.JobCreatePost)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Waiting)
}

func TestConsume_DeliversAndCompletes(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	var got atomic.Pointer[queue.Message]
	consumeFor(t, b, domain.JobCreatePost, func(_ context.Context, msg *queue.Message) error {
		got.Store(msg)
		return nil
	})

	require.NoError(t, b.Enqueue(ctx, domain.JobCreatePost, []byte(`{"seq":1}`), queue.Options{JobKey: "k1"}))

	require.Eventually(t, func() bool { return got.Load() != nil }, time.Second, 10*time.Millisecond)
	msg := got.Load()
	require.Equal(t, "k1", msg.JobKey)
	require.Equal(t, domain.JobCreatePost, msg.Type)
	require.Equal(t, 1, msg.Attempt)
	require.JSONEq(t, `{"seq":1}`, string(msg.Payload))

	require.Eventually(t, func() bool {
		counts, err := b.Introspect(ctx, domain.JobCreatePost)
		return err == nil && counts.Completed == 1 && counts.Active == 0
	}, time.Second, 10*time.Millisecond)

	// Settled jobs are no longer live.
	live, err := b.Exists(ctx, "k1")
	require.NoError(t, err)
	require.False(t, live)
}

func TestConsume_RetriesUntilSuccess(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	var calls atomic.Int32
	consumeFor(t, b, domain.JobSyncPosts, func(_ context.Context, msg *queue.Message) error {
		if calls.Add(1) < 3 {
			return context.DeadlineExceeded
		}
		return nil
	})

	require.NoError(t, b.Enqueue(ctx, domain.JobSyncPosts, nil, queue.Options{JobKey: "k2", Attempts: 3}))

	require.Eventually(t, func() bool {
		counts, err := b.Introspect(ctx, domain.JobSyncPosts)
		return err == nil && counts.Completed == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(3), calls.Load())
}

func TestConsume_ExhaustedAttemptsFail(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	var calls atomic.Int32
	consumeFor(t, b, domain.JobVerifySession, func(_ context.Context, _ *queue.Message) error {
		calls.Add(1)
		return context.DeadlineExceeded
	})

	require.NoError(t, b.Enqueue(ctx, domain.JobVerifySession, nil, queue.Options{JobKey: "k3", Attempts: 2}))

	require.Eventually(t, func() bool {
		counts, err := b.Introspect(ctx, domain.JobVerifySession)
		return err == nil && counts.Failed == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(2), calls.Load())
}

func TestConsume_PermanentErrorSkipsRetry(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	var calls atomic.Int32
	consumeFor(t, b, domain.JobCreatePost, func(_ context.Context, _ *queue.Message) error {
		calls.Add(1)
		return queue.Permanent(domain.ErrCredentialCorrupt)
	})

	require.NoError(t, b.Enqueue(ctx, domain.JobCreatePost, nil, queue.Options{JobKey: "k4", Attempts: 3}))

	require.Eventually(t, func() bool {
		counts, err := b.Introspect(ctx, domain.JobCreatePost)
		return err == nil && counts.Failed == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

func TestSettledJobRetention(t *testing.T) {
	b, mr := newTestBrokerWithRedis(t)
	ctx := context.Background()

	consumeFor(t, b, domain.JobCreatePost, func(_ context.Context, msg *queue.Message) error {
		if msg.JobKey == "done" {
			return nil
		}
		return queue.Permanent(errors.New("board rejected the post"))
	})

	require.NoError(t, b.Enqueue(ctx, domain.JobCreatePost, nil, queue.Options{JobKey: "done"}))
	require.NoError(t, b.Enqueue(ctx, domain.JobCreatePost, nil, queue.Options{JobKey: "dead"}))

	require.Eventually(t, func() bool {
		counts, err := b.Introspect(ctx, domain.JobCreatePost)
		return err == nil && counts.Completed == 1 && counts.Failed == 1
	}, time.Second, 10*time.Millisecond)

	// Settling stamps each hash with its retention window: completions are
	// short-lived, failures are kept around for inspection.
	doneHash := b.jobHashKey("done")
	deadHash := b.jobHashKey("dead")
	doneTTL := mr.TTL(doneHash)
	deadTTL := mr.TTL(deadHash)
	require.Greater(t, doneTTL, time.Duration(0))
	require.LessOrEqual(t, doneTTL, b.cfg.CompletedTTL)
	require.Greater(t, deadTTL, b.cfg.CompletedTTL)
	require.LessOrEqual(t, deadTTL, b.cfg.FailedTTL)

	// One hour past the completed window the success is gone and its key is
	// free for reuse; the failure is still held.
	mr.FastForward(b.cfg.CompletedTTL + time.Hour)
	require.False(t, mr.Exists(doneHash))
	require.True(t, mr.Exists(deadHash))

	mr.FastForward(b.cfg.FailedTTL)
	require.False(t, mr.Exists(deadHash))
}

func TestEnqueue_DelayLandsInDelayedSet(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, domain.JobDeletePost, nil,
		queue.Options{JobKey: "k5", Delay: time.Hour}))

	counts, err := b.Introspect(ctx, domain.JobDeletePost)
	require.NoError(t, err)
	require.Equal(t, int64(0), counts.Waiting)
	require.Equal(t, int64(1), counts.Delayed)

	live, err := b.Exists(ctx, "k5")
	require.NoError(t, err)
	require.True(t, live)
}

func TestRemove_OnlyWaitingOrDelayed(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, domain.JobDeletePost, nil,
		queue.Options{JobKey: "k6", Delay: time.Hour}))

	removed, err := b.Remove(ctx, domain.JobDeletePost, "k6")
	require.NoError(t, err)
	require.True(t, removed)

	live, err := b.Exists(ctx, "k6")
	require.NoError(t, err)
	require.False(t, live)

	removed, err = b.Remove(ctx, domain.JobDeletePost, "missing")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestPauseHaltsDispatch(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	var calls atomic.Int32
	consumeFor(t, b, domain.JobCreatePost, func(_ context.Context, _ *queue.Message) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, b.Pause(ctx, domain.JobCreatePost))
	require.NoError(t, b.Enqueue(ctx, domain.JobCreatePost, nil, queue.Options{JobKey: "k7"}))

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(0), calls.Load())

	require.NoError(t, b.Resume(ctx, domain.JobCreatePost))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestProfileLock_MutualExclusion(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	ok, err := b.AcquireLock(ctx, "profile-a", "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.AcquireLock(ctx, "profile-a", "worker-2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// A non-owner release is a no-op.
	require.NoError(t, b.ReleaseLock(ctx, "profile-a", "worker-2"))
	ok, err = b.AcquireLock(ctx, "profile-a", "worker-2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.ReleaseLock(ctx, "profile-a", "worker-1"))
	ok, err = b.AcquireLock(ctx, "profile-a", "worker-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
