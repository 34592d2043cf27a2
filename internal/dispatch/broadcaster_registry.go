package dispatch

import (
	"sync"

	"github.com/deathcap/dapptest/internal/statuspipe"
)

// BroadcasterRegistry owns one statuspipe.Broadcaster per in-flight run,
// created on first progress/status event and left for the run-control HTTP
// API's SSE endpoint to subscribe against until the run's Close().
type BroadcasterRegistry struct {
	mu sync.Mutex
	m  map[string]*statuspipe.Broadcaster
}

// NewBroadcasterRegistry builds an empty registry.
func NewBroadcasterRegistry() *BroadcasterRegistry {
	return &BroadcasterRegistry{m: map[string]*statuspipe.Broadcaster{}}
}

// Get returns the run's Broadcaster, creating it on first use.
func (r *BroadcasterRegistry) Get(runID string) *statuspipe.Broadcaster {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.m[runID]
	if !ok {
		b = statuspipe.NewBroadcaster()
		r.m[runID] = b
	}
	return b
}

// Drop removes a run's Broadcaster once its SSE clients have had a chance
// to observe the terminal "done" event.
func (r *BroadcasterRegistry) Drop(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, runID)
}
