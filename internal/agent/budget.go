package agent

import "sync"

// ModelUsage tallies token counts for a single model name.
type ModelUsage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	Calls               int64
}

// CostTracker accumulates Usage across every Planner call in a run, keyed
// by model (spec §4.5/§6: the cost snapshot persisted onto the Run is
// broken down per model, since self-heal and hybrid recovery may call a
// cheaper model than full takeover).
type CostTracker struct {
	mu     sync.Mutex
	models map[string]*ModelUsage
}

// NewCostTracker builds an empty tracker.
func NewCostTracker() *CostTracker {
	return &CostTracker{models: map[string]*ModelUsage{}}
}

// Record folds one response's usage into the model's running total.
func (c *CostTracker) Record(model string, u Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.models[model]
	if !ok {
		m = &ModelUsage{}
		c.models[model] = m
	}
	m.InputTokens += u.InputTokens
	m.OutputTokens += u.OutputTokens
	m.CacheReadTokens += u.CacheReadTokens
	m.CacheCreationTokens += u.CacheCreationTokens
	m.Calls++
}

// Snapshot returns a copy of the current per-model totals, suitable for
// persisting onto model.CostSnapshot.
func (c *CostTracker) Snapshot() map[string]ModelUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ModelUsage, len(c.models))
	for k, v := range c.models {
		out[k] = *v
	}
	return out
}

// BudgetExceededError is returned by Budget.Consume once a configured
// ceiling is hit; the caller must stop issuing Planner calls for the
// offending scope.
type BudgetExceededError struct {
	Scope string // "run" or "step"
	Limit int
}

func (e *BudgetExceededError) Error() string {
	if e.Scope == "" {
		return "agent: budget exceeded"
	}
	return "agent: " + e.Scope + " budget exceeded (limit " + itoaBudget(e.Limit) + ")"
}

func itoaBudget(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Budget enforces the per-run maxApiCalls and per-step maxCallsPerStep
// ceilings (spec §4.5, P7). A rate-limited response is retried after a
// sleep without consuming either counter (spec §4.5: "rate limit triggers
// sleep, not a consumed budget slot").
type Budget struct {
	mu           sync.Mutex
	maxRunCalls  int
	maxStepCalls int
	runCalls     int
	stepCalls    int
}

// NewBudget builds a Budget from the configured ceilings. A zero value
// means "unbounded" for that scope.
func NewBudget(maxRunCalls, maxStepCalls int) *Budget {
	return &Budget{maxRunCalls: maxRunCalls, maxStepCalls: maxStepCalls}
}

// ResetStep clears the per-step counter when a new step begins.
func (b *Budget) ResetStep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stepCalls = 0
}

// Consume charges one Planner call against both counters, returning
// BudgetExceededError if either ceiling would be crossed. The call is not
// charged if it would exceed a limit.
func (b *Budget) Consume() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxStepCalls > 0 && b.stepCalls+1 > b.maxStepCalls {
		return &BudgetExceededError{Scope: "step", Limit: b.maxStepCalls}
	}
	if b.maxRunCalls > 0 && b.runCalls+1 > b.maxRunCalls {
		return &BudgetExceededError{Scope: "run", Limit: b.maxRunCalls}
	}
	b.stepCalls++
	b.runCalls++
	return nil
}

// RunCalls reports the number of Planner calls charged against the run so far.
func (b *Budget) RunCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runCalls
}
