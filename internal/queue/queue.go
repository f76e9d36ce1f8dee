// Package queue defines the broker contract the scheduler and worker share:
// a typed durable FIFO with per-job keys, delay, bounded retries, pause
// controls and introspection. The Redis implementation lives in redisq.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/postpilot/postpilot/internal/domain"
)

// Options carries per-job enqueue parameters.
type Options struct {
	// JobKey is the deterministic identity of the job. Enqueueing a key the
	// broker already holds is a no-op.
	JobKey string
	// Delay postpones the first delivery.
	Delay time.Duration
	// Attempts bounds total deliveries, including the first. Zero means the
	// broker default.
	Attempts int
	// Backoff overrides the broker's base backoff between retries.
	Backoff time.Duration
}

// Message is one delivery handed to a consumer.
type Message struct {
	JobKey      string
	Type        domain.JobType
	Payload     []byte
	Attempt     int
	MaxAttempts int
	EnqueuedAt  time.Time
}

// FinalAttempt reports whether a failure of this delivery exhausts the
// retry budget.
func (m *Message) FinalAttempt() bool {
	return m.Attempt >= m.MaxAttempts
}

// Handler processes one delivery. A nil return acks the job. An error
// schedules a retry unless it is permanent or the budget is exhausted.
type Handler func(ctx context.Context, msg *Message) error

// Counts is the per-type introspection snapshot.
type Counts struct {
	Waiting   int64
	Active    int64
	Delayed   int64
	Completed int64
	Failed    int64
	// PerMinute is the rolling completion throughput.
	PerMinute int64
}

// Broker is the durable typed queue.
type Broker interface {
	Enqueue(ctx context.Context, typ domain.JobType, payload []byte, opts Options) error
	// Consume delivers jobs of one type until ctx is cancelled.
	Consume(ctx context.Context, typ domain.JobType, h Handler) error
	// Remove cancels a waiting or delayed job; it never touches an active
	// one. Returns false when the key was not removable.
	Remove(ctx context.Context, typ domain.JobType, jobKey string) (bool, error)
	Pause(ctx context.Context, typ domain.JobType) error
	Resume(ctx context.Context, typ domain.JobType) error
	Introspect(ctx context.Context, typ domain.JobType) (Counts, error)
	// Exists reports whether the key is live in the broker (waiting,
	// delayed or active).
	Exists(ctx context.Context, jobKey string) (bool, error)
}

// Locker is the shared-resource guard for browser profiles: one worker per
// profile at a time.
type Locker interface {
	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error
}

// permanentError marks a handler failure that must not be retried even when
// attempts remain (platform-side 403/404, challenge states).
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the broker fails the job without further retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the no-retry marker.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
