// Package queue implements the Durable Queue (C3): named job channels with
// retry, visibility-timeout leases, cancellation, and progress, backed by
// Redis (github.com/redis/go-redis/v9).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Kind is a named job channel (spec §4.1).
type Kind string

const (
	KindExecute       Kind = "execute"
	KindExecuteHybrid Kind = "execute-hybrid"
	KindExecuteAgent  Kind = "execute-agent"
	KindExecuteSuite  Kind = "execute-suite"
	KindSelfHeal      Kind = "self-heal"
)

// EnqueueOptions controls retry/cleanup behavior for one job (spec §4.1).
type EnqueueOptions struct {
	Attempts         int
	Backoff          BackoffPolicy
	RemoveOnComplete int
	RemoveOnFail     int
	DelayMs          int64
}

// DefaultEnqueueOptions matches the spec's documented defaults.
func DefaultEnqueueOptions() EnqueueOptions {
	return EnqueueOptions{
		Attempts:         3,
		Backoff:          DefaultBackoffPolicy(),
		RemoveOnComplete: 100,
		RemoveOnFail:     100,
	}
}

// Job is one persisted unit of work.
type Job struct {
	ID        string
	Kind      Kind
	Payload   json.RawMessage
	Opts      EnqueueOptions
	Attempt   int
	Cancelled bool
	CreatedAt time.Time
}

// Progress is a mutable channel a Handler uses to report monotonic
// progress (P2) back to the queue/status pipe.
type Progress chan int

// Handler processes one job. It must observe ctx cancellation cooperatively
// (the queue cancels ctx when Cancel(id) is called against a running job)
// and report progress through the given Progress channel.
type Handler func(ctx context.Context, job *Job, progress Progress) error

var ErrCancelled = errors.New("queue: job was cancelled")

// Key helpers. Jobs live in a Redis list per kind for
// FIFO ordering; a claimed job's lock key carries the lease and its
// cancellation flag lives in a separate key so cancel() never races a
// handler's own writes to the job payload.
const (
	keyPrefix = "dapptest:queue:"
)

func listKey(kind Kind) string    { return keyPrefix + "list:" + string(kind) }
func jobKey(id string) string     { return keyPrefix + "job:" + id }
func lockKey(id string) string    { return keyPrefix + "lock:" + id }
func cancelKey(id string) string  { return keyPrefix + "cancel:" + id }

// Queue is the Redis-backed Durable Queue.
type Queue struct {
	rdb *redis.Client
}

// New builds a Queue against an already-configured redis client.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Enqueue persists a job with a unique id and returns immediately (spec
// §4.1 enqueue). If opts.DelayMs is set, the job becomes visible to
// Consume only after that delay elapses.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload any, opts EnqueueOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshal payload: %w", err)
	}
	id := uuid.NewString()
	job := &Job{ID: id, Kind: kind, Payload: raw, Opts: opts, CreatedAt: time.Now()}
	jb, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue: marshal job: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(id), jb, 0)
	if opts.DelayMs > 0 {
		pipe.ZAdd(ctx, listKey(kind)+":delayed", redis.Z{
			Score:  float64(time.Now().Add(time.Duration(opts.DelayMs) * time.Millisecond).UnixMilli()),
			Member: id,
		})
	} else {
		pipe.RPush(ctx, listKey(kind), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return id, nil
}

// Cancel marks a job cancelled. A running handler observes this
// cooperatively (§4.1); a not-yet-claimed job is simply never dispatched.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	return q.rdb.Set(ctx, cancelKey(id), "1", 24*time.Hour).Err()
}

// isCancelled polls the cancellation flag for id.
func (q *Queue) isCancelled(ctx context.Context, id string) bool {
	v, err := q.rdb.Get(ctx, cancelKey(id)).Result()
	return err == nil && v == "1"
}

// Consume runs handler for every job of the given kinds until ctx is
// cancelled, honoring concurrency, lock duration/renewal, and a rate limit
// of 5/min (spec §4.1 consume defaults).
func (q *Queue) Consume(ctx context.Context, kinds []Kind, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	limiter := rate.NewLimiter(rate.Limit(5.0/60.0), 5)
	sem := make(chan struct{}, concurrency)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		id, kind, ok := q.claimNext(ctx, kinds)
		if !ok {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		sem <- struct{}{}
		go func(id string, kind Kind) {
			defer func() { <-sem }()
			q.run(ctx, id, kind, handler)
		}(id, kind)
	}
}

// claimNext pops the next visible job id from any of kinds, promoting due
// delayed jobs first.
func (q *Queue) claimNext(ctx context.Context, kinds []Kind) (string, Kind, bool) {
	now := float64(time.Now().UnixMilli())
	for _, k := range kinds {
		due, err := q.rdb.ZRangeByScore(ctx, listKey(k)+":delayed", &redis.ZRangeBy{
			Min: "-inf", Max: fmt.Sprintf("%f", now), Count: 10,
		}).Result()
		if err == nil {
			for _, id := range due {
				q.rdb.ZRem(ctx, listKey(k)+":delayed", id)
				q.rdb.RPush(ctx, listKey(k), id)
			}
		}
	}
	for _, k := range kinds {
		id, err := q.rdb.LPop(ctx, listKey(k)).Result()
		if err == nil && id != "" {
			return id, k, true
		}
	}
	return "", "", false
}

// run claims the lock lease, renews it, dispatches to handler, and applies
// retry/backoff on failure.
func (q *Queue) run(ctx context.Context, id string, kind Kind, handler Handler) {
	jb, err := q.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		return
	}
	var job Job
	if err := json.Unmarshal(jb, &job); err != nil {
		return
	}
	if q.isCancelled(ctx, id) {
		q.rdb.Del(ctx, jobKey(id))
		return
	}
	job.Attempt++

	lockDuration := 300 * time.Second
	ok, err := q.rdb.SetNX(ctx, lockKey(id), "1", lockDuration).Result()
	if err != nil || !ok {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopRenew := make(chan struct{})
	go q.renewLock(runCtx, id, lockDuration, stopRenew)
	go q.watchCancellation(runCtx, id, cancel, stopRenew)

	progress := make(Progress, 8)
	done := make(chan error, 1)
	go func() { done <- handler(runCtx, &job, progress) }()

	var herr error
	select {
	case herr = <-done:
	case <-runCtx.Done():
		herr = ErrCancelled
	}
	close(stopRenew)
	q.rdb.Del(ctx, lockKey(id))

	if herr == nil {
		if job.Opts.RemoveOnComplete >= 0 {
			q.rdb.Del(ctx, jobKey(id))
		}
		return
	}
	if errors.Is(herr, ErrCancelled) || q.isCancelled(ctx, id) {
		q.rdb.Del(ctx, jobKey(id))
		return
	}
	if job.Attempt < job.Opts.Attempts {
		delay := job.Opts.Backoff.DelayForAttempt(job.Attempt+1, id)
		job.Opts.DelayMs = delay.Milliseconds()
		jb2, _ := json.Marshal(job)
		q.rdb.Set(ctx, jobKey(id), jb2, 0)
		q.rdb.ZAdd(ctx, listKey(kind)+":delayed", redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: id,
		})
		return
	}
	if job.Opts.RemoveOnFail >= 0 {
		q.rdb.Del(ctx, jobKey(id))
	}
}

func (q *Queue) renewLock(ctx context.Context, id string, ttl time.Duration, stop <-chan struct{}) {
	renewEvery := 60 * time.Second
	t := time.NewTicker(renewEvery)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			q.rdb.Expire(ctx, lockKey(id), ttl)
		}
	}
}

func (q *Queue) watchCancellation(ctx context.Context, id string, cancel context.CancelFunc, stop <-chan struct{}) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			if q.isCancelled(ctx, id) {
				cancel()
				return
			}
		}
	}
}
