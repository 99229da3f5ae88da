// Package queue implements a durable named job queue over Redis Streams.
//
// Each job lives in a hash keyed by its id; the stream only carries the id.
// Enqueueing an id that already has a hash is a no-op, which makes job ids
// idempotency keys for producers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	rediskeys "github.com/angelmondragon/invitely-backend/pkg/redis"
)

// State is the lifecycle position of a job inside the queue.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 5 * time.Second
	streamMaxLen       = 10000
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrJobNotFailed = errors.New("job is not in the failed set")
)

// Job is the decoded view of a job hash.
type Job struct {
	ID               string
	Queue            string
	Payload          []byte
	Attempts         int
	MaxAttempts      int
	Backoff          time.Duration
	RemoveOnComplete bool
	State            State
	FailedReason     string
	CreatedAt        time.Time
	ProcessedAt      time.Time
	FinishedAt       time.Time
}

// EnqueueOptions controls retry policy and identity of a new job.
type EnqueueOptions struct {
	JobID            string
	MaxAttempts      int
	Backoff          time.Duration
	RemoveOnComplete bool
}

// Counts summarizes queue depth.
type Counts struct {
	Stream  int64 `json:"stream"`
	Pending int64 `json:"pending"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

// Queue is a producer and inspection handle for one named queue.
type Queue struct {
	rdb  redis.UniversalClient
	name string
	keys keys
	now  func() time.Time
}

type keys struct {
	stream    string
	group     string
	delayed   string
	failed    string
	jobPrefix string
}

func keysFor(name string) keys {
	prefix := rediskeys.QueueKeyPrefix(name)
	return keys{
		stream:    prefix + ":stream",
		group:     name + "-workers",
		delayed:   prefix + ":delayed",
		failed:    prefix + ":failed",
		jobPrefix: prefix + ":job:",
	}
}

func (k keys) job(id string) string {
	return k.jobPrefix + id
}

// New returns a handle for the named queue.
func New(rdb redis.UniversalClient, name string) (*Queue, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	return &Queue{rdb: rdb, name: name, keys: keysFor(name), now: time.Now}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return ARGV[1]
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1],
  'name', ARGV[2],
  'payload', ARGV[3],
  'attempts', 0,
  'max_attempts', ARGV[4],
  'backoff_ms', ARGV[5],
  'remove_on_complete', ARGV[6],
  'state', 'waiting',
  'created_at', ARGV[7])
redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[8], '*', 'job_id', ARGV[1])
return ARGV[1]
`)

// Enqueue durably records a job and returns its id. When opts.JobID names a
// job the queue still holds, the existing id is returned and nothing is added.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, opts EnqueueOptions) (string, error) {
	id := strings.TrimSpace(opts.JobID)
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	res, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.keys.job(id), q.keys.stream},
		id,
		q.name,
		string(payload),
		maxAttempts,
		backoff.Milliseconds(),
		boolFlag(opts.RemoveOnComplete),
		q.now().UTC().UnixMilli(),
		streamMaxLen,
	).Text()
	if err != nil {
		return "", fmt.Errorf("enqueue job %s on %s: %w", id, q.name, err)
	}
	return res, nil
}

// Job loads a job by id.
func (q *Queue) Job(ctx context.Context, id string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.keys.job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	job := decodeJob(fields)
	return &job, nil
}

// Counts reports stream length, unacknowledged deliveries, and the delayed and failed sets.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var counts Counts
	pipe := q.rdb.Pipeline()
	streamLen := pipe.XLen(ctx, q.keys.stream)
	delayed := pipe.ZCard(ctx, q.keys.delayed)
	failed := pipe.ZCard(ctx, q.keys.failed)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return counts, fmt.Errorf("queue counts: %w", err)
	}
	counts.Stream = streamLen.Val()
	counts.Delayed = delayed.Val()
	counts.Failed = failed.Val()

	pending, err := q.rdb.XPending(ctx, q.keys.stream, q.keys.group).Result()
	if err != nil && !isMissingGroup(err) {
		return counts, fmt.Errorf("queue pending: %w", err)
	}
	if pending != nil {
		counts.Pending = pending.Count
	}
	return counts, nil
}

// Failed lists terminally failed jobs, most recent first.
func (q *Queue) Failed(ctx context.Context, offset, limit int64) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	ids, err := q.rdb.ZRevRange(ctx, q.keys.failed, offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.Job(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

var retryScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'attempts', 0, 'state', 'waiting', 'failed_reason', '')
redis.call('XADD', KEYS[3], 'MAXLEN', '~', ARGV[2], '*', 'job_id', ARGV[1])
return 1
`)

// Retry moves a failed job back onto the stream with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	res, err := retryScript.Run(ctx, q.rdb,
		[]string{q.keys.job(id), q.keys.failed, q.keys.stream},
		id, streamMaxLen,
	).Int()
	if err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	switch res {
	case -1:
		return ErrJobNotFound
	case 0:
		return ErrJobNotFailed
	}
	return nil
}

// Remove deletes a job hash and drops it from the delayed and failed sets.
func (q *Queue) Remove(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.keys.delayed, id)
	pipe.ZRem(ctx, q.keys.failed, id)
	del := pipe.Del(ctx, q.keys.job(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	if del.Val() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func decodeJob(fields map[string]string) Job {
	return Job{
		ID:               fields["id"],
		Queue:            fields["name"],
		Payload:          []byte(fields["payload"]),
		Attempts:         toInt(fields["attempts"]),
		MaxAttempts:      toInt(fields["max_attempts"]),
		Backoff:          time.Duration(toInt(fields["backoff_ms"])) * time.Millisecond,
		RemoveOnComplete: fields["remove_on_complete"] == "1",
		State:            State(fields["state"]),
		FailedReason:     fields["failed_reason"],
		CreatedAt:        fromMillis(fields["created_at"]),
		ProcessedAt:      fromMillis(fields["processed_at"]),
		FinishedAt:       fromMillis(fields["finished_at"]),
	}
}

// backoffFor returns the delay before the next attempt after attempt failed:
// base * 2^(attempt-1).
func backoffFor(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	return base << shift
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func toInt(v string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}

func fromMillis(v string) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func isMissingGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
