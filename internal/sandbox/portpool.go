package sandbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// PortPool is the process-wide set of streaming ports, allocated and
// released atomically under a single lock (spec §5). Ports are drawn from
// [5901..5910] with their paired control ports in [6081..6090].
type PortPool struct {
	mu       sync.Mutex
	min, max int
	holders  map[int]portHolder
}

type portHolder struct {
	acquiredAt time.Time
	aliveFn    func() bool // reports whether the holder process is still alive; nil means liveness is unknown and the port is reclaimed once past maxAge
}

// NewPortPool builds a pool over [min,max] inclusive.
func NewPortPool(min, max int) *PortPool {
	return &PortPool{min: min, max: max, holders: map[int]portHolder{}}
}

// Acquire claims the lowest free port in range, or an error if the pool is
// exhausted.
func (p *PortPool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := p.min; port <= p.max; port++ {
		if _, held := p.holders[port]; !held {
			p.holders[port] = portHolder{acquiredAt: time.Now()}
			return port, nil
		}
	}
	return 0, fmt.Errorf("sandbox: port pool [%d..%d] exhausted", p.min, p.max)
}

// Release frees port, a no-op if it was not held.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.holders, port)
}

// ReclaimStale releases any port whose holder has exceeded maxAge and whose
// aliveFn (if supplied at acquisition) reports false. This is the periodic
// cleanup pass of spec §5 ("leakage is bounded by a periodic cleanup pass
// that reclaims any port whose holder is no longer alive after
// maxAgeMinutes, default 60").
func (p *PortPool) ReclaimStale(maxAge time.Duration) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var reclaimed []int
	now := time.Now()
	for port, h := range p.holders {
		if now.Sub(h.acquiredAt) < maxAge {
			continue
		}
		if h.aliveFn != nil && h.aliveFn() {
			continue
		}
		delete(p.holders, port)
		reclaimed = append(reclaimed, port)
	}
	return reclaimed
}

// Janitor runs PortPool.ReclaimStale on a schedule via robfig/cron.
type Janitor struct {
	cron *cron.Cron
	pool *PortPool
	maxAge time.Duration
	onReclaim func(ports []int)
}

// NewJanitor builds a Janitor that sweeps every minute for ports whose
// holder has exceeded maxAge.
func NewJanitor(pool *PortPool, maxAge time.Duration, onReclaim func(ports []int)) *Janitor {
	return &Janitor{cron: cron.New(), pool: pool, maxAge: maxAge, onReclaim: onReclaim}
}

// Start schedules the sweep ("@every 1m") and begins running it in the
// background.
func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc("@every 1m", func() {
		reclaimed := j.pool.ReclaimStale(j.maxAge)
		if len(reclaimed) > 0 && j.onReclaim != nil {
			j.onReclaim(reclaimed)
		}
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}
