package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb)
}

func TestEnqueueAndClaimNextIsFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, KindExecute, map[string]string{"a": "1"}, DefaultEnqueueOptions())
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, KindExecute, map[string]string{"a": "2"}, DefaultEnqueueOptions())
	require.NoError(t, err)

	gotID, kind, ok := q.claimNext(ctx, []Kind{KindExecute})
	require.True(t, ok)
	assert.Equal(t, id1, gotID)
	assert.Equal(t, KindExecute, kind)

	gotID2, _, ok := q.claimNext(ctx, []Kind{KindExecute})
	require.True(t, ok)
	assert.Equal(t, id2, gotID2)

	_, _, ok = q.claimNext(ctx, []Kind{KindExecute})
	assert.False(t, ok, "queue should be drained")
}

func TestClaimNextPromotesDueDelayedJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	opts := DefaultEnqueueOptions()
	opts.DelayMs = 200
	id, err := q.Enqueue(ctx, KindSelfHeal, map[string]string{}, opts)
	require.NoError(t, err)

	_, _, ok := q.claimNext(ctx, []Kind{KindSelfHeal})
	assert.False(t, ok, "job delay has not yet elapsed")

	time.Sleep(250 * time.Millisecond)
	gotID, kind, ok := q.claimNext(ctx, []Kind{KindSelfHeal})
	require.True(t, ok, "due delayed job must be promoted to the live list")
	assert.Equal(t, id, gotID)
	assert.Equal(t, KindSelfHeal, kind)
}

func TestCancelSetsFlagObservedByIsCancelled(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	assert.False(t, q.isCancelled(ctx, "job-1"))
	require.NoError(t, q.Cancel(ctx, "job-1"))
	assert.True(t, q.isCancelled(ctx, "job-1"))
}

func TestRunRemovesJobOnSuccess(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	opts := DefaultEnqueueOptions()
	id, err := q.Enqueue(ctx, KindExecute, map[string]string{}, opts)
	require.NoError(t, err)

	called := false
	handler := func(ctx context.Context, job *Job, progress Progress) error {
		called = true
		assert.Equal(t, 1, job.Attempt)
		return nil
	}
	q.run(ctx, id, KindExecute, handler)

	assert.True(t, called)
	n, err := q.rdb.Exists(ctx, jobKey(id)).Result()
	require.NoError(t, err)
	assert.Zero(t, n, "a completed job is removed when RemoveOnComplete >= 0")
}

func TestRunRequeuesWithBackoffOnFailure(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	opts := DefaultEnqueueOptions()
	opts.Attempts = 3
	id, err := q.Enqueue(ctx, KindExecuteAgent, map[string]string{}, opts)
	require.NoError(t, err)

	handler := func(ctx context.Context, job *Job, progress Progress) error {
		return errors.New("boom")
	}
	q.run(ctx, id, KindExecuteAgent, handler)

	raw, err := q.rdb.Get(ctx, jobKey(id)).Bytes()
	require.NoError(t, err, "a job with attempts remaining is not deleted")
	var job Job
	require.NoError(t, json.Unmarshal(raw, &job))
	assert.Equal(t, 1, job.Attempt)
	assert.Positive(t, job.Opts.DelayMs, "failed job must be rescheduled with a backoff delay")

	members, err := q.rdb.ZCard(ctx, listKey(KindExecuteAgent)+":delayed").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), members)
}

func TestRunDropsJobAfterExhaustingAttempts(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	opts := DefaultEnqueueOptions()
	opts.Attempts = 1
	id, err := q.Enqueue(ctx, KindExecute, map[string]string{}, opts)
	require.NoError(t, err)

	handler := func(ctx context.Context, job *Job, progress Progress) error {
		return errors.New("boom")
	}
	q.run(ctx, id, KindExecute, handler)

	n, err := q.rdb.Exists(ctx, jobKey(id)).Result()
	require.NoError(t, err)
	assert.Zero(t, n, "a job out of attempts is removed, not rescheduled")
}

func TestRunRemovesJobOnCancelledError(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	opts := DefaultEnqueueOptions()
	opts.Attempts = 5
	id, err := q.Enqueue(ctx, KindExecute, map[string]string{}, opts)
	require.NoError(t, err)

	handler := func(ctx context.Context, job *Job, progress Progress) error {
		return ErrCancelled
	}
	q.run(ctx, id, KindExecute, handler)

	n, err := q.rdb.Exists(ctx, jobKey(id)).Result()
	require.NoError(t, err)
	assert.Zero(t, n, "a cancelled job is removed even with attempts remaining")
}

func TestRunHoldsLockDuringHandlerExecution(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, KindExecute, map[string]string{}, DefaultEnqueueOptions())
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		q.run(ctx, id, KindExecute, func(ctx context.Context, job *Job, progress Progress) error {
			close(started)
			<-release
			return nil
		})
		close(done)
	}()

	<-started
	locked, err := q.rdb.Exists(ctx, lockKey(id)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), locked, "lock key must be held while the handler runs")

	close(release)
	<-done

	locked, err = q.rdb.Exists(ctx, lockKey(id)).Result()
	require.NoError(t, err)
	assert.Zero(t, locked, "lock key is released once the handler returns")
}
