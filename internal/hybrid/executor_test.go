package hybrid

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deathcap/dapptest/internal/sandbox"
)

func TestIsFastFailPatterns(t *testing.T) {
	assert.True(t, IsFastFail("ReferenceError: pag is not defined"))
	assert.True(t, IsFastFail("net::ERR_CONNECTION_REFUSED"))
	assert.False(t, IsFastFail("locator.click: Timeout 30000ms exceeded"))
}

type fakeStepExecutor struct {
	err error
}

func (f *fakeStepExecutor) Execute(ctx context.Context, sb *sandbox.Sandbox, body string) error {
	return f.err
}

type fakeRecovery struct {
	clearBlockersCalls int
	phase2Succeeds     bool
	takeoverSucceeds   bool
	takeoverSkipsRest  bool
	takeoverActions    []Action
}

func (f *fakeRecovery) ClearBlockers(ctx context.Context, sb *sandbox.Sandbox) ([]Action, error) {
	f.clearBlockersCalls++
	return nil, nil
}

func (f *fakeRecovery) FullTakeover(ctx context.Context, sb *sandbox.Sandbox, goal RecoveryContext) ([]Action, bool, bool, error) {
	return f.takeoverActions, f.takeoverSucceeds, f.takeoverSkipsRest, nil
}

func TestRunFastFailAbortsWithoutAgent(t *testing.T) {
	program := "test('t', () => {\n" +
		"// =====================\n" +
		"// STEP 1: typo\n" +
		"// =====================\n" +
		"pag.goto('x');\n" +
		"});"
	exec := &fakeStepExecutor{err: errors.New("ReferenceError: pag is not defined")}
	rec := &fakeRecovery{}
	res := Run(context.Background(), nil, exec, rec, program, "https://x.test")
	assert.False(t, res.Passed)
	assert.Equal(t, 0, rec.clearBlockersCalls, "agent must not be invoked on a code-bug fast-fail (B1)")
}

func TestRunRecoversViaPhase3Takeover(t *testing.T) {
	program := "test('t', () => {\n" +
		"// =====================\n" +
		"// STEP 1: click swap\n" +
		"// =====================\n" +
		"await page.getByRole('button', { name: 'Swap' }).click();\n" +
		"});"
	exec := &fakeStepExecutor{err: errors.New("locator.click: Timeout 30000ms exceeded")}
	rec := &fakeRecovery{
		takeoverSucceeds: true,
		takeoverActions:  []Action{{ToolName: "browser_click", Code: "await page.getByRole('button', { name: 'Accept' }).click();"}},
	}
	res := Run(context.Background(), nil, exec, rec, program, "https://x.test")
	assert.True(t, res.Passed)
	assert.True(t, res.AgentTookOver, "recovery was invoked so self-heal must be skipped (spec §4.6)")
	require.Len(t, res.Patches, 1)
	assert.Contains(t, res.Patches[0].NewBody, "Accept")
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "agent", res.Steps[0].Mode)
}

func TestRunSkipsUpcomingStepsAfterTestCompleteTakeover(t *testing.T) {
	program := "test('t', () => {\n" +
		"// =====================\n" +
		"// STEP 1: click swap\n" +
		"// =====================\n" +
		"await page.getByRole('button', { name: 'Swap' }).click();\n" +
		"// =====================\n" +
		"// STEP 2: confirm in wallet\n" +
		"// =====================\n" +
		"await wallet.confirmTransaction();\n" +
		"});"
	exec := &fakeStepExecutor{err: errors.New("locator.click: Timeout 30000ms exceeded")}
	rec := &fakeRecovery{
		takeoverSucceeds:  true,
		takeoverSkipsRest: true,
		takeoverActions:   []Action{{ToolName: "browser_click", Code: "await page.click(\"sel\");"}},
	}
	res := Run(context.Background(), nil, exec, rec, program, "https://x.test")
	assert.True(t, res.Passed)
	require.Len(t, res.Steps, 2, "step 2 must be recorded as agent-completed, not re-executed")
	assert.Equal(t, 2, res.Steps[1].StepNumber)
	assert.Equal(t, "agent", res.Steps[1].Mode)
	assert.True(t, res.Steps[1].Passed)
}

func TestApplyPatchesRequiresNonNilResultWhenNoPatches(t *testing.T) {
	steps := ParseSteps("test('t', () => { doA(); });")
	out, err := ApplyPatches(steps, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}
