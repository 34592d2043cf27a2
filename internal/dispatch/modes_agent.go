package dispatch

import (
	"context"
	"fmt"

	"github.com/deathcap/dapptest/internal/agent"
	"github.com/deathcap/dapptest/internal/hybrid"
	"github.com/deathcap/dapptest/internal/model"
	"github.com/deathcap/dapptest/internal/sandbox"
)

const agentSystemPrompt = `You are driving an end-to-end browser test against a dApp. Work through
the test goal one step at a time. Call browser_snapshot before acting on
any element. End each step with step_complete or step_failed, and end the
whole test with test_complete once every step is done.`

func agentGoalPrompt(sp *model.Spec) string {
	return fmt.Sprintf("Test goal, derived from the recorded program below. Carry out the same"+
		" user flow using the available tools rather than replaying this code verbatim:\n\n%s", sp.Code)
}

// runAgentMode drives a Run through the Agent Loop, one planner-turn batch
// per parsed step (spec §4.5 completion rules: a step ends on
// step_complete/step_failed, the run ends on test_complete or the last step
// completing). Deterministic short-circuit (spec §4.5): a step whose body
// is purely scripted (e.g. a bare navigate) is run directly and never
// reaches the planner.
func (d *Dispatcher) runAgentMode(ctx context.Context, sb *sandbox.Sandbox, run *model.Run, sp *model.Spec) executeResult {
	env := agent.NewSandboxEnv(sb)
	budget := agent.NewBudget(d.Cfg.Agent.MaxAPICalls, d.Cfg.Agent.MaxCallsPerStep)
	costs := agent.NewCostTracker()

	steps := hybrid.ParseSteps(sp.Code)
	messages := []agent.Message{{Role: agent.RoleUser, Text: agentGoalPrompt(sp)}}
	run.AgentData = &model.AgentData{}
	agentInvoked := false

	for _, step := range steps {
		body := hybrid.StripTypeAnnotations(step.Body)
		if hybrid.IsDeterministicStep(body) {
			if err := (jsStepExecutor{}).Execute(ctx, sb, body); err != nil {
				run.AgentData.Steps = append(run.AgentData.Steps, model.StepResult{
					StepNumber: step.Number, Mode: "spec", Passed: false, Error: err.Error(),
				})
				return executeResult{Passed: false, Error: err.Error(), AgentTookOver: agentInvoked}
			}
			run.AgentData.Steps = append(run.AgentData.Steps, model.StepResult{
				StepNumber: step.Number, Mode: "spec", Passed: true,
			})
			continue
		}

		agentInvoked = true
		budget.ResetStep()
		messages = append(messages, agent.Message{
			Role: agent.RoleUser,
			Text: fmt.Sprintf("Step %d: %s\n\n%s", step.Number, step.Description, step.Body),
		})
		req := agent.CompleteRequest{
			Model:        d.Cfg.Agent.Model,
			MaxTokens:    4096,
			SystemPrompt: agentSystemPrompt,
			Tools:        d.Tools.Definitions(),
			Messages:     messages,
		}
		result := agent.Run(ctx, d.Planner, d.Tools, env, budget, costs, req)
		run.AgentData.Cost = snapshotToCost(costs.Snapshot())
		if err := d.Store.SetAgentData(ctx, run.ID, run.AgentData); err != nil {
			run.AppendLog("agent data persistence error: " + err.Error())
		}

		if result.Err != nil {
			return executeResult{Passed: false, Error: result.Err.Error(), AgentTookOver: true}
		}

		if failed, reason := stepFailedFrom(result.ToolTrace); failed {
			run.AgentData.Steps = append(run.AgentData.Steps, model.StepResult{
				StepNumber: step.Number, Mode: "agent", Passed: false, Error: reason,
			})
			return executeResult{Passed: false, Error: reason, AgentTookOver: true}
		}

		run.AgentData.Steps = append(run.AgentData.Steps, model.StepResult{
			StepNumber: step.Number, Mode: "agent", Passed: true,
		})

		if done, passed := testCompleteFrom(result.ToolTrace); done {
			return executeResult{Passed: passed, AgentTookOver: true}
		}

		messages = append(messages,
			agent.Message{Role: agent.RoleAssistant, Text: result.FinalText},
			agent.Message{Role: agent.RoleUser, Text: "Step complete. Proceed to the next step, or call test_complete if the test is finished."},
		)
	}

	return executeResult{Passed: true, AgentTookOver: agentInvoked}
}

func stepFailedFrom(trace []agent.ToolExecResult) (bool, string) {
	for _, t := range trace {
		if t.ToolName == "step_failed" {
			return true, t.Output
		}
	}
	return false, ""
}

func testCompleteFrom(trace []agent.ToolExecResult) (done bool, passed bool) {
	for _, t := range trace {
		if t.ToolName == "test_complete" {
			return true, t.Output == "passed=true"
		}
	}
	return false, false
}

func snapshotToCost(snap map[string]agent.ModelUsage) model.CostSnapshot {
	out := model.CostSnapshot{ByModel: make(map[string]model.ModelUsage, len(snap))}
	for name, u := range snap {
		out.ByModel[name] = model.ModelUsage{
			InputTokens:         u.InputTokens,
			OutputTokens:        u.OutputTokens,
			CacheReadTokens:     u.CacheReadTokens,
			CacheCreationTokens: u.CacheCreationTokens,
		}
	}
	return out
}
