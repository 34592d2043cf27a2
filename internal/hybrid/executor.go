package hybrid

import (
	"context"
	"regexp"
	"time"

	"github.com/deathcap/dapptest/internal/sandbox"
)

// codeBugRe and networkRe are the two fast-fail patterns of spec §4.4: a
// step failure matching either aborts the run with no agent invocation
// (B1) and no self-heal (spec §4.6 mutual exclusivity is enforced one
// layer up, by the dispatcher never enqueueing self-heal after a hybrid
// fast-fail).
var (
	codeBugRe = regexp.MustCompile(`ReferenceError|SyntaxError|TypeError|Cannot find module`)
	networkRe = regexp.MustCompile(`net::ERR_|ECONNREFUSED|ENOTFOUND|ETIMEDOUT`)
)

// IsCodeBug reports whether err matches the code-bug fast-fail pattern.
func IsCodeBug(errText string) bool { return codeBugRe.MatchString(errText) }

// IsNetworkFailure reports whether err matches the network fast-fail pattern.
func IsNetworkFailure(errText string) bool { return networkRe.MatchString(errText) }

// IsFastFail reports whether errText should abort the run with no agent
// recovery attempted at all (spec §4.4 step 4, B1).
func IsFastFail(errText string) bool {
	return IsCodeBug(errText) || IsNetworkFailure(errText)
}

// StepExecutor evaluates a parsed step's body against a live sandbox. The
// Hybrid Executor depends only on this interface (spec §9: "implementers
// should precompile step bodies ... rather than string-evaluating at
// runtime" — the interface boundary is where that choice lives; any
// compiled-AST or string-eval backend can satisfy it).
type StepExecutor interface {
	Execute(ctx context.Context, sb *sandbox.Sandbox, body string) error
}

// AgentRecovery is the single-step agent contract invoked by Hybrid for
// three-phase recovery (spec §4.5 "single-step agent").
type AgentRecovery interface {
	// ClearBlockers runs phase 1: a narrow task to dismiss overlays/modals
	// without performing the step itself. Returns the actions it took.
	ClearBlockers(ctx context.Context, sb *sandbox.Sandbox) ([]Action, error)
	// FullTakeover runs phase 3: the agent drives the entire step. Returns
	// the actions it took, whether the step ultimately succeeded, and
	// whether the agent's work already covers every step after this one
	// (spec §4.4: "skipping any subsequent step whose work the agent
	// already performed") — Run must not re-execute those steps.
	FullTakeover(ctx context.Context, sb *sandbox.Sandbox, goal RecoveryContext) (actions []Action, ok bool, skipRemaining bool, err error)
}

// RecoveryContext is the richer opening context handed to the single-step
// agent (spec §4.5): goal, dApp URL, failed spec code, error, already
// completed steps, and upcoming step descriptions.
type RecoveryContext struct {
	Goal                 string
	DappURL              string
	FailedStepCode       string
	Error                string
	CompletedSteps       []StepResult
	UpcomingDescriptions []string
}

// StepResult is the per-step outcome tracked across a run (mirrors
// model.StepResult but kept local to avoid a hybrid->model->hybrid import
// cycle concern; the dispatcher translates between the two at the
// component boundary).
type StepResult struct {
	StepNumber int
	Mode       string // "spec" | "agent"
	Passed     bool
	DurationMs int64
	Error      string
}

// RunResult is the aggregate Hybrid Executor outcome for one spec program.
type RunResult struct {
	Steps   []StepResult
	Patches []*Patch
	Passed  bool
	FatalError string

	// AgentTookOver reports whether the recovery ladder (which starts with
	// the phase-1 agent blocker clearing) was entered for any step,
	// regardless of outcome. The dispatcher uses
	// this to enforce spec §4.6's mutual exclusivity between hybrid agent
	// recovery and self-heal.
	AgentTookOver bool
}

// Run executes every parsed step of programText in order against sb,
// invoking recovery on non-fast-fail failures (spec §4.4).
func Run(ctx context.Context, sb *sandbox.Sandbox, exec StepExecutor, recovery AgentRecovery, programText, dappURL string) RunResult {
	steps := ParseSteps(programText)
	result := RunResult{Passed: true}

	for i := 0; i < len(steps); i++ {
		step := steps[i]
		start := time.Now()
		body := StripTypeAnnotations(step.Body)

		err := exec.Execute(ctx, sb, body)
		if err == nil {
			result.Steps = append(result.Steps, StepResult{
				StepNumber: step.Number, Mode: "spec", Passed: true,
				DurationMs: time.Since(start).Milliseconds(),
			})
			continue
		}

		if IsFastFail(err.Error()) {
			result.Steps = append(result.Steps, StepResult{
				StepNumber: step.Number, Mode: "spec", Passed: false,
				DurationMs: time.Since(start).Milliseconds(), Error: err.Error(),
			})
			result.Passed = false
			result.FatalError = err.Error()
			return result
		}

		result.AgentTookOver = true
		sr, patch, skipRemaining := recoverStep(ctx, sb, exec, recovery, step, body, err, dappURL, result.Steps, steps[i+1:])
		result.Steps = append(result.Steps, sr)
		if patch != nil {
			result.Patches = append(result.Patches, patch)
		}
		if !sr.Passed {
			result.Passed = false
			result.FatalError = sr.Error
			return result
		}

		if skipRemaining {
			for _, s := range steps[i+1:] {
				result.Steps = append(result.Steps, StepResult{
					StepNumber: s.Number, Mode: "agent", Passed: true,
				})
			}
			break
		}
	}
	return result
}

// recoverStep implements the three-phase recovery ladder (spec §4.4).
// skipRemaining is only ever true alongside a passing result, and signals
// that the agent's phase-3 takeover already finished the rest of the test.
func recoverStep(
	ctx context.Context, sb *sandbox.Sandbox, exec StepExecutor, recovery AgentRecovery,
	step Step, strippedBody string, originalErr error, dappURL string,
	completed []StepResult, upcoming []Step,
) (result StepResult, patch *Patch, skipRemaining bool) {
	start := time.Now()

	// Phase 1: clear blockers.
	phase1Actions, _ := recovery.ClearBlockers(ctx, sb)

	// Phase 2: retry the original step body.
	if err := exec.Execute(ctx, sb, strippedBody); err == nil {
		p := BuildPhase2Patch(step.Number, phase1Actions, step.Body)
		return StepResult{
			StepNumber: step.Number, Mode: "agent", Passed: true,
			DurationMs: time.Since(start).Milliseconds(),
		}, p, false
	}

	// Phase 3: full takeover.
	var upcomingDesc []string
	for _, s := range upcoming {
		upcomingDesc = append(upcomingDesc, s.Description)
	}
	localCompleted := make([]StepResult, len(completed))
	copy(localCompleted, completed)

	rc := RecoveryContext{
		Goal:                 step.Description,
		DappURL:              dappURL,
		FailedStepCode:       step.Body,
		Error:                originalErr.Error(),
		CompletedSteps:       localCompleted,
		UpcomingDescriptions: upcomingDesc,
	}
	takeoverActions, ok, skip, err := recovery.FullTakeover(ctx, sb, rc)
	if !ok || err != nil {
		errMsg := originalErr.Error()
		if err != nil {
			errMsg = err.Error()
		}
		return StepResult{
			StepNumber: step.Number, Mode: "agent", Passed: false,
			DurationMs: time.Since(start).Milliseconds(), Error: errMsg,
		}, nil, false
	}

	p := BuildPhase3Patch(step.Number, takeoverActions)
	return StepResult{
		StepNumber: step.Number, Mode: "agent", Passed: true,
		DurationMs: time.Since(start).Milliseconds(),
	}, p, skip
}
