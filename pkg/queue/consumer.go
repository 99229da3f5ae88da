package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/invitely-backend/pkg/logger"
)

// Handler processes one job. Returning nil completes the job; returning an
// error schedules a retry unless the error is Unrecoverable or the attempt
// budget is spent.
type Handler func(ctx context.Context, job *Job) error

// FailureReason explains why a job left the queue unsuccessfully.
type FailureReason string

const (
	FailureMaxAttempts  FailureReason = "max_attempts"
	FailureNonRetryable FailureReason = "non_retryable"
	FailureStalled      FailureReason = "stalled"
)

// FailedHook runs once a job has terminally failed.
type FailedHook func(ctx context.Context, job *Job, reason FailureReason, err error)

// Outcome labels a finished delivery for metrics.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
)

// Metrics receives one observation per handled delivery.
type Metrics interface {
	ObserveJob(queue string, outcome Outcome, duration time.Duration)
}

type unrecoverableError struct {
	err error
}

func (e unrecoverableError) Error() string { return e.err.Error() }
func (e unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks err so the consumer fails the job without retrying.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err was marked with Unrecoverable.
func IsUnrecoverable(err error) bool {
	var target unrecoverableError
	return errors.As(err, &target)
}

type ConsumerParams struct {
	Queue             *Queue
	Logger            *logger.Logger
	Handler           Handler
	OnFailed          FailedHook
	Metrics           Metrics
	Concurrency       int
	Consumer          string
	Block             time.Duration
	VisibilityTimeout time.Duration
	PromoteInterval   time.Duration
}

// Consumer runs a fixed pool of workers over one queue.
type Consumer struct {
	queue             *Queue
	logg              *logger.Logger
	handler           Handler
	onFailed          FailedHook
	metrics           Metrics
	concurrency       int
	consumer          string
	block             time.Duration
	visibilityTimeout time.Duration
	promoteInterval   time.Duration
}

func NewConsumer(params ConsumerParams) (*Consumer, error) {
	if params.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Handler == nil {
		return nil, errors.New("handler is required")
	}
	c := &Consumer{
		queue:             params.Queue,
		logg:              params.Logger,
		handler:           params.Handler,
		onFailed:          params.OnFailed,
		metrics:           params.Metrics,
		concurrency:       params.Concurrency,
		consumer:          strings.TrimSpace(params.Consumer),
		block:             params.Block,
		visibilityTimeout: params.VisibilityTimeout,
		promoteInterval:   params.PromoteInterval,
	}
	if c.concurrency <= 0 {
		c.concurrency = 1
	}
	if c.consumer == "" {
		host, _ := os.Hostname()
		c.consumer = fmt.Sprintf("%s-%d", strings.TrimSpace(host), os.Getpid())
	}
	if c.block <= 0 {
		c.block = 5 * time.Second
	}
	if c.visibilityTimeout <= 0 {
		c.visibilityTimeout = 5 * time.Minute
	}
	if c.promoteInterval <= 0 {
		c.promoteInterval = time.Second
	}
	return c, nil
}

// EnsureGroup creates the consumer group and the stream when missing.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.queue.rdb.XGroupCreateMkStream(ctx, c.queue.keys.stream, c.queue.keys.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Run blocks until ctx is cancelled. Workers finish their current job before returning.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group %s: %w", c.queue.keys.group, err)
	}
	ctx = c.logg.WithFields(ctx, map[string]any{
		"queue":    c.queue.name,
		"consumer": c.consumer,
	})
	c.logg.Info(ctx, fmt.Sprintf("queue consumer starting workers=%d", c.concurrency))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.promoteLoop(ctx)
	}()
	for i := 0; i < c.concurrency; i++ {
		workerCtx := c.logg.WithField(ctx, "worker", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(workerCtx)
		}()
	}
	wg.Wait()
	c.logg.Info(ctx, "queue consumer stopped")
	return nil
}

func (c *Consumer) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, ok, err := c.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logg.Error(ctx, "queue read failed", err)
			sleep(ctx, c.block)
			continue
		}
		if !ok {
			continue
		}
		// handled deliveries run to completion on a detached context
		c.handle(context.WithoutCancel(ctx), msg)
	}
}

// next reclaims one delivery left idle past the visibility timeout, or reads a new one.
func (c *Consumer) next(ctx context.Context) (redis.XMessage, bool, error) {
	claimed, _, err := c.queue.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.queue.keys.stream,
		Group:    c.queue.keys.group,
		Consumer: c.consumer,
		MinIdle:  c.visibilityTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return redis.XMessage{}, false, err
	}
	if len(claimed) > 0 {
		return claimed[0], true, nil
	}

	streams, err := c.queue.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.queue.keys.group,
		Consumer: c.consumer,
		Streams:  []string{c.queue.keys.stream, ">"},
		Count:    1,
		Block:    c.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return redis.XMessage{}, false, nil
	}
	if err != nil {
		return redis.XMessage{}, false, err
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			return s.Messages[0], true, nil
		}
	}
	return redis.XMessage{}, false, nil
}

func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) {
	jobID, _ := msg.Values["job_id"].(string)
	if jobID == "" {
		c.ack(ctx, msg.ID)
		return
	}
	ctx = c.logg.WithJobID(ctx, jobID)
	jobKey := c.queue.keys.job(jobID)

	attempt, err := c.queue.rdb.HIncrBy(ctx, jobKey, "attempts", 1).Result()
	if err != nil {
		c.logg.Error(ctx, "queue claim failed", err)
		return
	}
	fields, err := c.queue.rdb.HGetAll(ctx, jobKey).Result()
	if err != nil {
		c.logg.Error(ctx, "queue load failed", err)
		return
	}
	if fields["id"] == "" {
		// job was removed; HINCRBY recreated a bare hash
		_ = c.queue.rdb.Del(ctx, jobKey).Err()
		c.ack(ctx, msg.ID)
		return
	}
	job := decodeJob(fields)
	job.Attempts = int(attempt)
	if job.State == StateCompleted || job.State == StateFailed {
		c.ack(ctx, msg.ID)
		return
	}
	if job.MaxAttempts > 0 && job.Attempts > job.MaxAttempts {
		c.fail(ctx, msg.ID, &job, FailureStalled, errors.New("job stalled past its attempt budget"), 0)
		return
	}

	started := c.queue.now()
	c.queue.rdb.HSet(ctx, jobKey, "state", string(StateActive), "processed_at", started.UTC().UnixMilli())
	job.State = StateActive
	job.ProcessedAt = started.UTC()

	herr := c.invoke(ctx, &job)
	elapsed := c.queue.now().Sub(started)

	switch {
	case herr == nil:
		c.complete(ctx, msg.ID, &job)
		c.observe(OutcomeCompleted, elapsed)
	case IsUnrecoverable(herr):
		c.fail(ctx, msg.ID, &job, FailureNonRetryable, herr, elapsed)
	case job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts:
		c.fail(ctx, msg.ID, &job, FailureMaxAttempts, herr, elapsed)
	default:
		c.retry(ctx, msg.ID, &job, herr)
		c.observe(OutcomeRetried, elapsed)
	}
}

func (c *Consumer) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return c.handler(ctx, job)
}

func (c *Consumer) complete(ctx context.Context, msgID string, job *Job) {
	jobKey := c.queue.keys.job(job.ID)
	if job.RemoveOnComplete {
		if err := c.queue.rdb.Del(ctx, jobKey).Err(); err != nil {
			c.logg.Error(ctx, "queue remove completed job failed", err)
		}
	} else {
		c.queue.rdb.HSet(ctx, jobKey, "state", string(StateCompleted), "finished_at", c.queue.now().UTC().UnixMilli())
	}
	c.ack(ctx, msgID)
	c.logg.Info(ctx, "queue job completed")
}

func (c *Consumer) retry(ctx context.Context, msgID string, job *Job, cause error) {
	delay := backoffFor(job.Backoff, job.Attempts)
	due := c.queue.now().Add(delay)
	pipe := c.queue.rdb.TxPipeline()
	pipe.HSet(ctx, c.queue.keys.job(job.ID), "state", string(StateDelayed), "failed_reason", truncate(cause.Error(), 1024))
	pipe.ZAdd(ctx, c.queue.keys.delayed, redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		// leave the delivery unacknowledged so it is reclaimed after the visibility timeout
		c.logg.Error(ctx, "queue schedule retry failed", err)
		return
	}
	c.ack(ctx, msgID)
	c.logg.Warn(ctx, fmt.Sprintf("queue job attempt %d/%d failed, retrying in %s: %v", job.Attempts, job.MaxAttempts, delay, cause))
}

func (c *Consumer) fail(ctx context.Context, msgID string, job *Job, reason FailureReason, cause error, elapsed time.Duration) {
	now := c.queue.now()
	pipe := c.queue.rdb.TxPipeline()
	pipe.HSet(ctx, c.queue.keys.job(job.ID),
		"state", string(StateFailed),
		"failed_reason", truncate(cause.Error(), 1024),
		"finished_at", now.UTC().UnixMilli(),
	)
	pipe.ZAdd(ctx, c.queue.keys.failed, redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		c.logg.Error(ctx, "queue record failure failed", err)
		return
	}
	c.ack(ctx, msgID)
	job.State = StateFailed
	job.FailedReason = cause.Error()
	c.observe(OutcomeFailed, elapsed)
	c.logg.Error(ctx, fmt.Sprintf("queue job failed reason=%s attempts=%d", reason, job.Attempts), cause)

	if c.onFailed != nil {
		c.runFailedHook(ctx, job, reason, cause)
	}
}

func (c *Consumer) runFailedHook(ctx context.Context, job *Job, reason FailureReason, cause error) {
	defer func() {
		if r := recover(); r != nil {
			c.logg.Error(ctx, "queue failed hook panic", fmt.Errorf("%v", r))
		}
	}()
	c.onFailed(ctx, job, reason, cause)
}

func (c *Consumer) ack(ctx context.Context, msgID string) {
	pipe := c.queue.rdb.Pipeline()
	pipe.XAck(ctx, c.queue.keys.stream, c.queue.keys.group, msgID)
	pipe.XDel(ctx, c.queue.keys.stream, msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logg.Error(ctx, "queue ack failed", err)
	}
}

func (c *Consumer) observe(outcome Outcome, elapsed time.Duration) {
	if c.metrics != nil {
		c.metrics.ObserveJob(c.queue.name, outcome, elapsed)
	}
}

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jobKey = ARGV[3] .. id
  if redis.call('EXISTS', jobKey) == 1 then
    redis.call('HSET', jobKey, 'state', 'waiting')
    redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[4], '*', 'job_id', id)
  end
end
return #ids
`)

// Promote moves delayed jobs whose retry time has passed back onto the stream.
func (q *Queue) Promote(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.keys.delayed, q.keys.stream},
		q.now().UnixMilli(), limit, q.keys.jobPrefix, streamMaxLen,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs on %s: %w", q.name, err)
	}
	return n, nil
}

func (c *Consumer) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(c.promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.queue.Promote(ctx, 100); err != nil && ctx.Err() == nil {
				c.logg.Error(ctx, "queue promote failed", err)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// truncate cuts value to at most max bytes without splitting a rune.
func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
