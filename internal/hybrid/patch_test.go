package hybrid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterStateChangingExcludesReadOnly(t *testing.T) {
	actions := []Action{
		{ToolName: "browser_snapshot", Code: "snap()"},
		{ToolName: "browser_click", Code: "await page.click('#a');"},
		{ToolName: "browser_evaluate", Code: "evaluate()"},
		{ToolName: "wallet_approve", Code: "await wallet.approve();"},
	}
	got := FilterStateChanging(actions)
	require.Len(t, got, 2)
	assert.Equal(t, "browser_click", got[0].ToolName)
	assert.Equal(t, "wallet_approve", got[1].ToolName)
}

func TestBuildPhase3PatchEmptyMeansNoPatch(t *testing.T) {
	actions := []Action{{ToolName: "browser_snapshot", Code: "snap()"}}
	p := BuildPhase3Patch(2, actions)
	assert.Nil(t, p)
}

func TestBuildPhase2PatchComposesActionsThenOriginal(t *testing.T) {
	actions := []Action{{ToolName: "browser_click", Code: "await page.getByRole('button', { name: 'Accept' }).click();"}}
	original := "await page.getByRole('button', { name: 'Swap' }).click();"
	p := BuildPhase2Patch(2, actions, original)
	require.NotNil(t, p)
	assert.True(t, indexOf(p.NewBody, "Accept") < indexOf(p.NewBody, "Swap"))
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func TestRemapFlowStepDiscardsNonPositive(t *testing.T) {
	_, warn, ok := RemapFlowStep(1, 2)
	assert.False(t, ok)
	assert.NotEmpty(t, warn)

	n, _, ok := RemapFlowStep(3, 2)
	assert.True(t, ok)
	assert.Equal(t, 1, n)
}

func TestApplyPatchesReverseOrderPreservesOffsets(t *testing.T) {
	steps := []Step{
		{Number: 1, Body: "doA();"},
		{Number: 2, Body: "doB();"},
		{Number: 3, Body: "doC();"},
	}
	patches := []*Patch{
		{StepNumber: 1, NewBody: "doA(); doA2();"},
		{StepNumber: 3, NewBody: "doC(); doC2();"},
	}
	out, err := ApplyPatches(steps, patches)
	require.NoError(t, err)
	assert.Contains(t, out, "doA2()")
	assert.Contains(t, out, "doC2()")
	assert.Contains(t, out, "doB()")
}

func TestApplyPatchesUnknownStepErrors(t *testing.T) {
	steps := []Step{{Number: 1, Body: "doA();"}}
	_, err := ApplyPatches(steps, []*Patch{{StepNumber: 9, NewBody: "x"}})
	assert.Error(t, err)
}
