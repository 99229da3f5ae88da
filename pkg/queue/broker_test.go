package queue

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/invitely-backend/pkg/logger"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type recordingMetrics struct {
	outcomes []Outcome
}

func (m *recordingMetrics) ObserveJob(_ string, outcome Outcome, _ time.Duration) {
	m.outcomes = append(m.outcomes, outcome)
}

type failure struct {
	job    Job
	reason FailureReason
	err    error
}

type broker struct {
	mr      *miniredis.Miniredis
	rdb     *redis.Client
	queue   *Queue
	clock   *testClock
	metrics *recordingMetrics
	failed  []failure
	calls   int
}

func newBroker(t *testing.T) *broker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q, err := New(rdb, "event-photos")
	require.NoError(t, err)
	clock := &testClock{now: time.UnixMilli(1767000000000).UTC()}
	q.now = clock.Now
	return &broker{mr: mr, rdb: rdb, queue: q, clock: clock, metrics: &recordingMetrics{}}
}

func (b *broker) consumer(t *testing.T, name string, visibility time.Duration, handler Handler) *Consumer {
	t.Helper()
	c, err := NewConsumer(ConsumerParams{
		Queue:   b.queue,
		Logger:  logger.New(logger.Options{ServiceName: "queue-test", Output: io.Discard}),
		Handler: handler,
		OnFailed: func(_ context.Context, job *Job, reason FailureReason, err error) {
			b.failed = append(b.failed, failure{job: *job, reason: reason, err: err})
		},
		Metrics:           b.metrics,
		Consumer:          name,
		Block:             10 * time.Millisecond,
		VisibilityTimeout: visibility,
	})
	require.NoError(t, err)
	require.NoError(t, c.EnsureGroup(context.Background()))
	return c
}

func (b *broker) failing(cause error) Handler {
	return func(context.Context, *Job) error {
		b.calls++
		return cause
	}
}

func deliver(t *testing.T, c *Consumer) redis.XMessage {
	t.Helper()
	msg, ok, err := c.next(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "expected a delivery")
	return msg
}

func (b *broker) delayedAt(t *testing.T, id string) time.Time {
	t.Helper()
	score, err := b.rdb.ZScore(context.Background(), b.queue.keys.delayed, id).Result()
	require.NoError(t, err)
	return time.UnixMilli(int64(score)).UTC()
}

func TestEnqueueDeduplicatesOnJobID(t *testing.T) {
	t.Parallel()
	b := newBroker(t)
	ctx := context.Background()

	id, err := b.queue.Enqueue(ctx, []byte(`{"n":1}`), EnqueueOptions{JobID: "event_photo:7:photo:a.png"})
	require.NoError(t, err)
	assert.Equal(t, "event_photo:7:photo:a.png", id)

	again, err := b.queue.Enqueue(ctx, []byte(`{"n":2}`), EnqueueOptions{JobID: "event_photo:7:photo:a.png"})
	require.NoError(t, err)
	assert.Equal(t, id, again)

	length, err := b.rdb.XLen(ctx, b.queue.keys.stream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	job, err := b.queue.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(job.Payload))
	assert.Equal(t, StateWaiting, job.State)
	assert.Equal(t, DefaultMaxAttempts, job.MaxAttempts)
	assert.Equal(t, DefaultBackoff, job.Backoff)
	assert.Equal(t, b.clock.now, job.CreatedAt)

	generated, err := b.queue.Enqueue(ctx, []byte(`{}`), EnqueueOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, generated)
	assert.NotEqual(t, id, generated)

	_, err = b.queue.Job(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestConsumerRetriesWithExponentialBackoff(t *testing.T) {
	t.Parallel()
	b := newBroker(t)
	ctx := context.Background()
	c := b.consumer(t, "w1", time.Minute, b.failing(errors.New("transcode failed")))

	id, err := b.queue.Enqueue(ctx, []byte(`{}`), EnqueueOptions{JobID: "j1", MaxAttempts: 3, Backoff: 5 * time.Second})
	require.NoError(t, err)

	c.handle(ctx, deliver(t, c))

	job, err := b.queue.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "transcode failed", job.FailedReason)
	assert.Equal(t, b.clock.now.Add(5*time.Second), b.delayedAt(t, id))

	counts, err := b.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Delayed: 1}, counts)

	promoted, err := b.queue.Promote(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, promoted, "retry is not due yet")

	b.clock.Advance(5 * time.Second)
	promoted, err = b.queue.Promote(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)
	job, err = b.queue.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, job.State)

	c.handle(ctx, deliver(t, c))
	assert.Equal(t, b.clock.now.Add(10*time.Second), b.delayedAt(t, id))

	assert.Equal(t, 2, b.calls)
	assert.Empty(t, b.failed)
	assert.Equal(t, []Outcome{OutcomeRetried, OutcomeRetried}, b.metrics.outcomes)
}

func TestConsumerExhaustionCallsFailedHook(t *testing.T) {
	t.Parallel()
	b := newBroker(t)
	ctx := context.Background()
	cause := errors.New("storage unavailable")
	c := b.consumer(t, "w1", time.Minute, b.failing(cause))

	id, err := b.queue.Enqueue(ctx, []byte(`{"record_id":7}`), EnqueueOptions{JobID: "j1", MaxAttempts: 2, Backoff: time.Second})
	require.NoError(t, err)

	c.handle(ctx, deliver(t, c))
	require.Empty(t, b.failed)
	b.clock.Advance(time.Second)
	_, err = b.queue.Promote(ctx, 10)
	require.NoError(t, err)
	c.handle(ctx, deliver(t, c))

	require.Len(t, b.failed, 1)
	got := b.failed[0]
	assert.Equal(t, FailureMaxAttempts, got.reason)
	assert.ErrorIs(t, got.err, cause)
	assert.Equal(t, id, got.job.ID)
	assert.Equal(t, 2, got.job.Attempts)
	assert.Equal(t, `{"record_id":7}`, string(got.job.Payload))
	assert.Equal(t, StateFailed, got.job.State)

	counts, err := b.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Failed: 1}, counts)

	failed, err := b.queue.Failed(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "storage unavailable", failed[0].FailedReason)
	assert.Equal(t, b.clock.now, failed[0].FinishedAt)

	_, ok, err := c.next(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "failed job must not be redelivered")
	assert.Equal(t, []Outcome{OutcomeRetried, OutcomeFailed}, b.metrics.outcomes)
}

func TestConsumerUnrecoverableFailsImmediately(t *testing.T) {
	t.Parallel()
	b := newBroker(t)
	ctx := context.Background()
	c := b.consumer(t, "w1", time.Minute, b.failing(Unrecoverable(errors.New("bad payload"))))

	_, err := b.queue.Enqueue(ctx, []byte(`{}`), EnqueueOptions{JobID: "j1", MaxAttempts: 5})
	require.NoError(t, err)
	c.handle(ctx, deliver(t, c))

	require.Len(t, b.failed, 1)
	assert.Equal(t, FailureNonRetryable, b.failed[0].reason)
	assert.Equal(t, 1, b.failed[0].job.Attempts)
	assert.Equal(t, 1, b.calls)
}

func TestConsumerCompletion(t *testing.T) {
	t.Parallel()
	b := newBroker(t)
	ctx := context.Background()
	c := b.consumer(t, "w1", time.Minute, b.failing(nil))

	kept, err := b.queue.Enqueue(ctx, []byte(`{}`), EnqueueOptions{JobID: "kept"})
	require.NoError(t, err)
	removed, err := b.queue.Enqueue(ctx, []byte(`{}`), EnqueueOptions{JobID: "removed", RemoveOnComplete: true})
	require.NoError(t, err)

	c.handle(ctx, deliver(t, c))
	c.handle(ctx, deliver(t, c))

	job, err := b.queue.Job(ctx, kept)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	assert.Equal(t, b.clock.now, job.FinishedAt)
	assert.Equal(t, b.clock.now, job.ProcessedAt)

	_, err = b.queue.Job(ctx, removed)
	assert.ErrorIs(t, err, ErrJobNotFound)

	counts, err := b.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{}, counts)
	assert.Equal(t, []Outcome{OutcomeCompleted, OutcomeCompleted}, b.metrics.outcomes)
}

func TestConsumerReclaimsStalledDelivery(t *testing.T) {
	t.Parallel()
	b := newBroker(t)
	ctx := context.Background()
	crashed := b.consumer(t, "crashed", time.Minute, b.failing(nil))
	survivor := b.consumer(t, "survivor", time.Millisecond, b.failing(nil))

	id, err := b.queue.Enqueue(ctx, []byte(`{}`), EnqueueOptions{JobID: "j1", MaxAttempts: 2})
	require.NoError(t, err)

	// the first worker read the job, then died twice mid-attempt
	lost := deliver(t, crashed)
	require.NoError(t, b.rdb.HSet(ctx, b.queue.keys.job(id), "attempts", 2, "state", string(StateActive)).Err())

	counts, err := b.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Pending)

	time.Sleep(20 * time.Millisecond)
	reclaimed := deliver(t, survivor)
	assert.Equal(t, lost.ID, reclaimed.ID)
	survivor.handle(ctx, reclaimed)

	assert.Zero(t, b.calls, "stalled job must not run again")
	require.Len(t, b.failed, 1)
	assert.Equal(t, FailureStalled, b.failed[0].reason)
	assert.Equal(t, 3, b.failed[0].job.Attempts)

	counts, err = b.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Failed: 1}, counts)
}

func TestConsumerSkipsRemovedJob(t *testing.T) {
	t.Parallel()
	b := newBroker(t)
	ctx := context.Background()
	c := b.consumer(t, "w1", time.Minute, b.failing(nil))

	id, err := b.queue.Enqueue(ctx, []byte(`{}`), EnqueueOptions{JobID: "j1"})
	require.NoError(t, err)
	msg := deliver(t, c)
	require.NoError(t, b.queue.Remove(ctx, id))

	c.handle(ctx, msg)

	assert.Zero(t, b.calls)
	exists, err := b.rdb.Exists(ctx, b.queue.keys.job(id)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "claim must not leave a bare hash behind")
	counts, err := b.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{}, counts)
}

func TestRetryAndRemoveFailedJob(t *testing.T) {
	t.Parallel()
	b := newBroker(t)
	ctx := context.Background()
	c := b.consumer(t, "w1", time.Minute, b.failing(Unrecoverable(errors.New("boom"))))

	id, err := b.queue.Enqueue(ctx, []byte(`{}`), EnqueueOptions{JobID: "j1", MaxAttempts: 2})
	require.NoError(t, err)
	assert.ErrorIs(t, b.queue.Retry(ctx, id), ErrJobNotFailed)
	assert.ErrorIs(t, b.queue.Retry(ctx, "missing"), ErrJobNotFound)

	c.handle(ctx, deliver(t, c))
	require.Len(t, b.failed, 1)

	require.NoError(t, b.queue.Retry(ctx, id))
	job, err := b.queue.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, job.State)
	assert.Zero(t, job.Attempts)
	assert.Empty(t, job.FailedReason)
	counts, err := b.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Stream: 1}, counts)

	c.handle(ctx, deliver(t, c))
	require.Len(t, b.failed, 2)
	assert.Equal(t, 1, b.failed[1].job.Attempts, "retry restores the full attempt budget")

	require.NoError(t, b.queue.Remove(ctx, id))
	_, err = b.queue.Job(ctx, id)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, b.queue.Remove(ctx, id), ErrJobNotFound)
	counts, err = b.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{}, counts)
}

func TestFailedReasonKeepsRunesWhole(t *testing.T) {
	t.Parallel()
	b := newBroker(t)
	ctx := context.Background()
	cause := errors.New(strings.Repeat("a", 1023) + "é tail")
	c := b.consumer(t, "w1", time.Minute, b.failing(Unrecoverable(cause)))

	id, err := b.queue.Enqueue(ctx, []byte(`{}`), EnqueueOptions{JobID: "j1"})
	require.NoError(t, err)
	c.handle(ctx, deliver(t, c))

	job, err := b.queue.Job(ctx, id)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(job.FailedReason))
	assert.Equal(t, strings.Repeat("a", 1023), job.FailedReason)
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc", truncate("abcdef", 3))
	assert.Equal(t, "a", truncate("aé", 2))
	assert.Equal(t, "aé", truncate("aéb", 3))
	assert.Equal(t, "", truncate("日本", 2))
}
