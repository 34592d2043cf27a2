package statuspipe

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeStatusReader struct {
	status atomic.Value
}

func newFakeStatusReader(initial string) *fakeStatusReader {
	r := &fakeStatusReader{}
	r.status.Store(initial)
	return r
}

func (r *fakeStatusReader) GetRunStatus(ctx context.Context, runID string) (string, error) {
	return r.status.Load().(string), nil
}

func TestPollerInvokesCancelOnceOnCancelledStatus(t *testing.T) {
	orig := pollInterval
	pollInterval = 10 * time.Millisecond
	defer func() { pollInterval = orig }()

	reader := newFakeStatusReader("RUNNING")
	var cancelled int32
	p := NewPoller(reader, "run-1", func() { atomic.AddInt32(&cancelled, 1) })

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	reader.status.Store(statusCancelled)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not observe CANCELLED within timeout")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&cancelled))
}

func TestProgressReporterRejectsNonIncreasingValues(t *testing.T) {
	r := &ProgressReporter{}
	for _, v := range []int{10, 20, 80, 100} {
		got, ok := r.Report(v)
		assert.True(t, ok)
		assert.Equal(t, v, got)
	}
	got, ok := r.Report(50)
	assert.False(t, ok)
	assert.Equal(t, 100, got)
}
