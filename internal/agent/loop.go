package agent

import (
	"context"
	"time"

	"github.com/deathcap/dapptest/internal/metrics"
	"github.com/deathcap/dapptest/internal/telemetry"
)

// rateLimitSleep is how long the loop waits before retrying a rate-limited
// Planner call. The retry does not consume a budget slot (spec §4.5). A
// var, not a const, so tests can shorten it.
var rateLimitSleep = 5 * time.Second

// ToolDispatcher executes one ToolCall against the live environment and
// returns the result fed back to the Planner as the next user turn.
type ToolDispatcher interface {
	ExecuteCall(ctx context.Context, env ExecutionEnvironment, call ToolCall) ToolExecResult
}

// LoopResult is what Run returns once the conversation reaches a terminal
// state: the Planner signalled end_turn, a terminal tool (step_complete,
// step_failed, test_complete) was called, or a budget/context error
// occurred.
type LoopResult struct {
	FinalText  string
	ToolTrace  []ToolExecResult
	StopReason StopReason
	Err        error
}

// terminalTools end the loop the moment they are dispatched, without
// waiting for a further Planner turn (spec §4.5: these are explicit
// handoff signals, not ordinary actions to report back on).
var terminalTools = map[string]bool{
	"step_complete": true,
	"step_failed":   true,
	"test_complete": true,
}

// Run drives the budgeted, tool-call-dispatch-then-feedback cycle: ask the
// Planner to complete, execute any tool calls it requested, feed the
// results back as the next turn, and repeat until a terminal condition is
// reached. Grounded on legator's internal/runner conversationLoop shape.
func Run(ctx context.Context, planner Planner, registry ToolDispatcher, env ExecutionEnvironment, budget *Budget, costs *CostTracker, req CompleteRequest) LoopResult {
	messages := append([]Message(nil), req.Messages...)
	var trace []ToolExecResult

	for {
		if err := ctx.Err(); err != nil {
			return LoopResult{ToolTrace: trace, Err: err}
		}

		if err := budget.Consume(); err != nil {
			return LoopResult{ToolTrace: trace, Err: err}
		}

		turnReq := req
		turnReq.Messages = messages

		spanCtx, span := telemetry.StartPlannerCallSpan(ctx, req.Model)
		resp, err := planner.Complete(spanCtx, turnReq)
		telemetry.EndSpan(span, err)
		if err != nil {
			if _, ok := err.(*RateLimitedError); ok {
				// Refund the slot this attempt charged; a rate limit is not
				// a consumed call (spec §4.5).
				budget.mu.Lock()
				budget.runCalls--
				budget.stepCalls--
				budget.mu.Unlock()
				select {
				case <-time.After(rateLimitSleep):
				case <-ctx.Done():
					return LoopResult{ToolTrace: trace, Err: ctx.Err()}
				}
				continue
			}
			return LoopResult{ToolTrace: trace, Err: err}
		}

		costs.Record(req.Model, resp.Usage)
		metrics.AgentTokens.WithLabelValues(req.Model, "input").Add(float64(resp.Usage.InputTokens))
		metrics.AgentTokens.WithLabelValues(req.Model, "output").Add(float64(resp.Usage.OutputTokens))
		metrics.AgentTokens.WithLabelValues(req.Model, "cache_read").Add(float64(resp.Usage.CacheReadTokens))
		metrics.AgentTokens.WithLabelValues(req.Model, "cache_creation").Add(float64(resp.Usage.CacheCreationTokens))

		if len(resp.ToolCalls) == 0 {
			return LoopResult{FinalText: resp.Text, ToolTrace: trace, StopReason: resp.StopReason}
		}

		messages = append(messages, Message{Role: RoleAssistant, Text: resp.Text, ToolCalls: resp.ToolCalls})

		var results []ToolResult
		terminal := false
		for _, call := range resp.ToolCalls {
			res := registry.ExecuteCall(ctx, env, call)
			trace = append(trace, res)
			results = append(results, ToolResult{ToolUseID: res.CallID, Content: res.Output, IsError: res.IsError})
			if terminalTools[call.Name] {
				terminal = true
				break
			}
		}
		messages = append(messages, Message{Role: RoleUser, ToolResults: results})

		if terminal {
			return LoopResult{FinalText: resp.Text, ToolTrace: trace, StopReason: resp.StopReason}
		}
	}
}
