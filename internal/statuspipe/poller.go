// Package statuspipe implements the Cancellation & Status Pipe (C9): a
// background poller that watches for cooperative cancellation, a
// monotonic-progress reporter, and an SSE broadcaster for run status.
// Grounded on kilroy's internal/server/sse.go Broadcaster.
package statuspipe

import (
	"context"
	"time"
)

// pollInterval is how often the poller checks for CANCELLED (spec §4.7). A
// var, not a const, so tests can shorten it.
var pollInterval = 5 * time.Second

// StatusReader is the narrow read used by Poller; dispatch adapts the Store
// to it (statusReaderAdapter).
type StatusReader interface {
	GetRunStatus(ctx context.Context, runID string) (string, error)
}

const statusCancelled = "CANCELLED"

// Poller watches one running handler's run row and signals Cancel() the
// first time it observes CANCELLED, then stops — it never overwrites the
// status itself (P6: the handler, not the poller, is the writer).
type Poller struct {
	reader StatusReader
	runID  string
	cancel func()
}

// NewPoller builds a Poller for runID; cancel is invoked at most once, the
// first time CANCELLED is observed.
func NewPoller(reader StatusReader, runID string, cancel func()) *Poller {
	return &Poller{reader: reader, runID: runID, cancel: cancel}
}

// Run polls every 5s until ctx is done or CANCELLED is observed.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := p.reader.GetRunStatus(ctx, p.runID)
			if err != nil {
				continue // storage error: best-effort, retried next tick (spec §7.7)
			}
			if status == statusCancelled {
				p.cancel()
				return
			}
		}
	}
}

// ProgressBoundaries are the fixed checkpoints progress must hit, strictly
// increasing (spec §4.7, P2).
var ProgressBoundaries = []int{10, 20, 80, 100}

// ProgressReporter enforces P2 (strictly increasing progress) in-process
// before a value ever reaches the Store's own monotonic guard.
type ProgressReporter struct {
	last int
}

// Report returns the value to persist and whether it represents forward
// progress; values <= the last reported value are rejected.
func (p *ProgressReporter) Report(value int) (int, bool) {
	if value <= p.last {
		return p.last, false
	}
	p.last = value
	return value, true
}
