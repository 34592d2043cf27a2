package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetConsumeEnforcesStepAndRunCeilings(t *testing.T) {
	b := NewBudget(3, 2)
	require.NoError(t, b.Consume())
	require.NoError(t, b.Consume())
	err := b.Consume()
	require.Error(t, err)
	var bee *BudgetExceededError
	assert.ErrorAs(t, err, &bee)
	assert.Equal(t, "step", bee.Scope)
}

func TestBudgetResetStepAllowsFreshCeiling(t *testing.T) {
	b := NewBudget(10, 1)
	require.NoError(t, b.Consume())
	require.Error(t, b.Consume())
	b.ResetStep()
	require.NoError(t, b.Consume())
	assert.Equal(t, 2, b.RunCalls())
}

func TestCostTrackerRecordAccumulatesPerModel(t *testing.T) {
	c := NewCostTracker()
	c.Record("claude-sonnet", Usage{InputTokens: 100, OutputTokens: 20})
	c.Record("claude-sonnet", Usage{InputTokens: 50, OutputTokens: 10, CacheReadTokens: 5})
	snap := c.Snapshot()
	got := snap["claude-sonnet"]
	assert.Equal(t, int64(150), got.InputTokens)
	assert.Equal(t, int64(30), got.OutputTokens)
	assert.Equal(t, int64(5), got.CacheReadTokens)
	assert.Equal(t, int64(2), got.Calls)
}

type scriptedPlanner struct {
	responses []any // *CompleteResponse or error
	calls     int
}

func (p *scriptedPlanner) Complete(ctx context.Context, req CompleteRequest) (*CompleteResponse, error) {
	r := p.responses[p.calls]
	p.calls++
	if err, ok := r.(error); ok {
		return nil, err
	}
	return r.(*CompleteResponse), nil
}

type nopDispatcher struct{ lastCall ToolCall }

func (d *nopDispatcher) ExecuteCall(ctx context.Context, env ExecutionEnvironment, call ToolCall) ToolExecResult {
	d.lastCall = call
	return ToolExecResult{ToolName: call.Name, CallID: call.ID, Output: "ok"}
}

func TestRunStopsOnEndTurnWithoutToolCalls(t *testing.T) {
	p := &scriptedPlanner{responses: []any{
		&CompleteResponse{Text: "done", StopReason: StopEndTurn},
	}}
	d := &nopDispatcher{}
	res := Run(context.Background(), p, d, nil, NewBudget(0, 0), NewCostTracker(), CompleteRequest{Model: "m"})
	assert.NoError(t, res.Err)
	assert.Equal(t, "done", res.FinalText)
	assert.Equal(t, StopEndTurn, res.StopReason)
}

func TestRunStopsImmediatelyOnTerminalTool(t *testing.T) {
	p := &scriptedPlanner{responses: []any{
		&CompleteResponse{
			StopReason: StopToolUse,
			ToolCalls:  []ToolCall{{ID: "1", Name: "step_complete"}, {ID: "2", Name: "browser_click"}},
		},
	}}
	d := &nopDispatcher{}
	res := Run(context.Background(), p, d, nil, NewBudget(0, 0), NewCostTracker(), CompleteRequest{Model: "m"})
	assert.NoError(t, res.Err)
	assert.Len(t, res.ToolTrace, 1, "loop must stop at the first terminal tool call: later calls in the same batch are not dispatched and no further Planner turn is requested")
}

func TestRunRetriesRateLimitWithoutConsumingBudget(t *testing.T) {
	orig := rateLimitSleep
	rateLimitSleep = time.Millisecond
	defer func() { rateLimitSleep = orig }()

	p := &scriptedPlanner{responses: []any{
		&RateLimitedError{},
		&CompleteResponse{Text: "ok", StopReason: StopEndTurn},
	}}
	d := &nopDispatcher{}
	b := NewBudget(1, 0)

	res := Run(context.Background(), p, d, nil, b, NewCostTracker(), CompleteRequest{Model: "m"})
	assert.NoError(t, res.Err)
	assert.Equal(t, "ok", res.FinalText)
	assert.Equal(t, 1, b.RunCalls(), "the rate-limited attempt must not have consumed the one-call budget")
}
