package hybrid

import (
	"fmt"
	"strings"
)

// StateChangingTools is the closed set of agent tools that translate into
// spec code (spec §4.4). Read-only tools (browser_snapshot,
// browser_evaluate, diagnostic browser_navigate) never appear in a patch.
var StateChangingTools = map[string]bool{
	"browser_click":         true,
	"browser_type":          true,
	"browser_press_key":     true,
	"browser_select":        true,
	"wallet_approve":        true,
	"wallet_confirm_transaction": true,
	"wallet_switch_network": true,
}

// Action is one recorded agent tool call, already translated into a line
// of spec code by the caller (internal/dispatch's actionsFromTrace does that
// translation; hybrid only filters and assembles).
type Action struct {
	ToolName string
	Code     string // the spec-code line this tool call translates to
}

// FilterStateChanging keeps only actions whose tool is in
// StateChangingTools, preserving order (R2: round-tripping action -> code
// -> parse yields the same action set restricted to state-changing tools).
func FilterStateChanging(actions []Action) []Action {
	var out []Action
	for _, a := range actions {
		if StateChangingTools[a.ToolName] {
			out = append(out, a)
		}
	}
	return out
}

// Patch is a rewrite of one step's body, produced either by a phase-2 retry
// (original step body prefixed by phase-1 clear-blocker actions) or a
// phase-3 full takeover (agent's state-changing actions only).
type Patch struct {
	StepNumber int
	NewBody    string
}

// BuildPhase2Patch composes "<phase-1 actions as code> + <original step>"
// (spec §4.4 phase 2).
func BuildPhase2Patch(stepNumber int, phase1Actions []Action, originalBody string) *Patch {
	filtered := FilterStateChanging(phase1Actions)
	if len(filtered) == 0 {
		return &Patch{StepNumber: stepNumber, NewBody: originalBody}
	}
	var b strings.Builder
	for _, a := range filtered {
		b.WriteString(a.Code)
		b.WriteString("\n")
	}
	b.WriteString(originalBody)
	return &Patch{StepNumber: stepNumber, NewBody: b.String()}
}

// BuildPhase3Patch composes the agent's state-changing actions only (spec
// §4.4 phase 3). An empty filtered list means no patch is emitted (nil).
func BuildPhase3Patch(stepNumber int, takeoverActions []Action) *Patch {
	filtered := FilterStateChanging(takeoverActions)
	if len(filtered) == 0 {
		return nil
	}
	var b strings.Builder
	for i, a := range filtered {
		b.WriteString(a.Code)
		if i < len(filtered)-1 {
			b.WriteString("\n")
		}
	}
	return &Patch{StepNumber: stepNumber, NewBody: b.String()}
}

// RemapFlowStep implements the prelude-offset remapping for flow specs run
// with a prepended connection prelude: flowStep = composite - connectionStepCount.
// Returns ok=false when the remapped number is non-positive, per B3 (such
// patches are discarded) — this spec additionally surfaces a warning
// (spec §9 open question resolution, see DESIGN.md) rather than silently
// dropping, via the returned warning string.
func RemapFlowStep(compositeStepNumber, connectionStepCount int) (flowStep int, warning string, ok bool) {
	remapped := compositeStepNumber - connectionStepCount
	if remapped <= 0 {
		return 0, fmt.Sprintf("patch touches prelude region (composite step %d, connection has %d steps); discarded", compositeStepNumber, connectionStepCount), false
	}
	return remapped, "", true
}

// ApplyPatches applies a set of patches to a spec's step list in reverse
// step-number order (so earlier offsets remain valid), returning the
// reserialized program. Patch application is all-or-nothing for the
// provided set; the caller is responsible for bumping the stored Spec's
// version atomically once this succeeds (spec §4.4, P4).
func ApplyPatches(steps []Step, patches []*Patch) (string, error) {
	byNumber := make(map[int]*Patch, len(patches))
	for _, p := range patches {
		if p == nil {
			continue
		}
		byNumber[p.StepNumber] = p
	}

	out := make([]Step, len(steps))
	copy(out, steps)

	// Apply in reverse step-number order, matching spec §4.4.
	order := make([]int, 0, len(byNumber))
	for n := range byNumber {
		order = append(order, n)
	}
	sortDescending(order)

	for _, n := range order {
		found := false
		for i := range out {
			if out[i].Number == n {
				out[i].Body = byNumber[n].NewBody
				found = true
				break
			}
		}
		if !found {
			return "", fmt.Errorf("hybrid: patch targets unknown step %d", n)
		}
	}
	return Reserialize(out), nil
}

func sortDescending(xs []int) {
	for i := 1; i < len(xs); i++ {
		v := xs[i]
		j := i - 1
		for j >= 0 && xs[j] < v {
			xs[j+1] = xs[j]
			j--
		}
		xs[j+1] = v
	}
}
