package dispatch

import (
	"context"
	"fmt"

	"github.com/deathcap/dapptest/internal/agent"
	"github.com/deathcap/dapptest/internal/hybrid"
	"github.com/deathcap/dapptest/internal/model"
	"github.com/deathcap/dapptest/internal/sandbox"
)

// jsStepExecutor evaluates a parsed step's body as a JavaScript expression
// against the live page, the StepExecutor the Hybrid Executor depends on
// (spec §4.4/§9: "implementers should precompile step bodies").
type jsStepExecutor struct{}

func (jsStepExecutor) Execute(ctx context.Context, sb *sandbox.Sandbox, body string) error {
	_, err := sb.Page.Evaluate(ctx, body)
	return err
}

// agentStepRecovery implements hybrid.AgentRecovery by driving the Agent
// Loop with a narrowly scoped system prompt per phase (spec §4.5 "single-
// step agent").
type agentStepRecovery struct {
	d *Dispatcher
}

const clearBlockersSystemPrompt = `You are recovering a failed browser test step. Your only job right now is
to dismiss any modal, overlay, cookie banner, or wallet popup currently
blocking the page. Do not attempt the original step itself. Call
browser_snapshot first, clear any blockers you find, then call
step_complete.`

// singleStepAgentCallCap is the fixed planner-call budget for the single-
// step agent invoked by Hybrid recovery (spec §4.5: "same contract but with
// a hard cap of 15 planner calls"). Unlike ordinary Agent Mode, this cap is
// not operator-configurable.
const singleStepAgentCallCap = 15

func (r agentStepRecovery) ClearBlockers(ctx context.Context, sb *sandbox.Sandbox) ([]hybrid.Action, error) {
	env := agent.NewSandboxEnv(sb)
	budget := agent.NewBudget(r.d.Cfg.Agent.MaxAPICalls, singleStepAgentCallCap)
	costs := agent.NewCostTracker()
	req := agent.CompleteRequest{
		Model:        r.d.Cfg.Agent.Model,
		MaxTokens:    4096,
		SystemPrompt: clearBlockersSystemPrompt,
		Tools:        r.d.Tools.Definitions(),
		Messages:     []agent.Message{{Role: agent.RoleUser, Text: "Clear any blockers on the current page."}},
	}
	result := agent.Run(ctx, r.d.Planner, r.d.Tools, env, budget, costs, req)
	return actionsFromTrace(result.ToolTrace), result.Err
}

func fullTakeoverSystemPrompt(goal hybrid.RecoveryContext) string {
	return fmt.Sprintf(`You are taking over one failed test step entirely. Goal: %s
Dapp URL: %s
The original step code was:
%s
It failed with: %s
Drive the browser and wallet tools to accomplish the goal yourself, then
call step_complete with a summary, or step_failed if you cannot.`,
		goal.Goal, goal.DappURL, goal.FailedStepCode, goal.Error)
}

// FullTakeover drives the single-step agent through the rest of the failed
// step. skipRemaining reports whether the agent ended the takeover by
// calling test_complete rather than step_complete — i.e. it judged the
// whole remaining test already satisfied, not just this one step (spec
// §4.4: "skipping any subsequent step whose work the agent already
// performed").
func (r agentStepRecovery) FullTakeover(ctx context.Context, sb *sandbox.Sandbox, goal hybrid.RecoveryContext) (actions []hybrid.Action, ok bool, skipRemaining bool, err error) {
	env := agent.NewSandboxEnv(sb)
	budget := agent.NewBudget(r.d.Cfg.Agent.MaxAPICalls, singleStepAgentCallCap)
	costs := agent.NewCostTracker()
	req := agent.CompleteRequest{
		Model:        r.d.Cfg.Agent.Model,
		MaxTokens:    4096,
		SystemPrompt: fullTakeoverSystemPrompt(goal),
		Tools:        r.d.Tools.Definitions(),
		Messages:     []agent.Message{{Role: agent.RoleUser, Text: goal.Goal}},
	}
	result := agent.Run(ctx, r.d.Planner, r.d.Tools, env, budget, costs, req)
	if result.Err != nil {
		return actionsFromTrace(result.ToolTrace), false, false, result.Err
	}
	ok = !anyFailed(result.ToolTrace) && (result.StopReason == agent.StopEndTurn ||
		calledTool(result.ToolTrace, "step_complete") || calledTool(result.ToolTrace, "test_complete"))
	skipRemaining = ok && calledTool(result.ToolTrace, "test_complete")
	return actionsFromTrace(result.ToolTrace), ok, skipRemaining, nil
}

func anyFailed(trace []agent.ToolExecResult) bool {
	return calledTool(trace, "step_failed")
}

func calledTool(trace []agent.ToolExecResult, name string) bool {
	for _, t := range trace {
		if t.ToolName == name {
			return true
		}
	}
	return false
}

// runHybridMode executes a Spec's program with deterministic-first,
// agent-fallback step recovery, and applies any resulting patches back onto
// the Spec's stored code (spec §4.4).
func (d *Dispatcher) runHybridMode(ctx context.Context, sb *sandbox.Sandbox, run *model.Run, sp *model.Spec) executeResult {
	recovery := agentStepRecovery{d: d}
	rr := hybrid.Run(ctx, sb, jsStepExecutor{}, recovery, sp.Code, "")

	run.AgentData = &model.AgentData{}
	for _, s := range rr.Steps {
		run.AgentData.Steps = append(run.AgentData.Steps, model.StepResult{
			StepNumber: s.StepNumber, Mode: s.Mode, Passed: s.Passed,
			DurationMs: s.DurationMs, Error: s.Error,
		})
	}

	result := executeResult{Passed: rr.Passed, Error: rr.FatalError, AgentTookOver: rr.AgentTookOver}
	if rr.Passed && len(rr.Patches) > 0 {
		steps := hybrid.ParseSteps(sp.Code)
		newCode, err := hybrid.ApplyPatches(steps, rr.Patches)
		if err == nil {
			result.NewSpecVersion = true
			result.PatchedCode = newCode
		}
	}
	if !rr.Passed {
		result.FastFail = hybrid.IsFastFail(rr.FatalError)
	}
	return result
}
