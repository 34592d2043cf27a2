package generator

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deathcap/dapptest/internal/agent"
	"github.com/deathcap/dapptest/internal/model"
	"github.com/deathcap/dapptest/internal/selfheal"
)

type fakePlanner struct {
	text string
	err  error
}

func (p *fakePlanner) Complete(ctx context.Context, req agent.CompleteRequest) (*agent.CompleteResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &agent.CompleteResponse{Text: p.text, StopReason: agent.StopEndTurn}, nil
}

func sampleRecording() *model.Recording {
	return &model.Recording{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Type:      model.RecordingFlow,
		Actions: []model.RecordingAction{
			{Kind: "navigation", URL: "https://example-dapp.test"},
			{Kind: "click", Target: "connect-wallet"},
			{Kind: "wallet", Target: "approve"},
		},
	}
}

func TestAnalyzeSplitsSummaryAndSteps(t *testing.T) {
	planner := &fakePlanner{text: "User connects a wallet then approves a prompt.\n\n1. Click connect\n2. Approve in wallet"}
	gen := NewAnthropicGenerator(planner, "claude-sonnet-4")
	an, err := gen.Analyze(context.Background(), sampleRecording())
	require.NoError(t, err)
	assert.Equal(t, "User connects a wallet then approves a prompt.", an.Summary)
	assert.Equal(t, []string{"1. Click connect", "2. Approve in wallet"}, an.Steps)
}

func TestGenerateReturnsTrimmedCode(t *testing.T) {
	planner := &fakePlanner{text: "\n  await page.click(\"connect\")\n"}
	gen := NewAnthropicGenerator(planner, "claude-sonnet-4")
	code, err := gen.Generate(context.Background(), sampleRecording(), Analysis{Summary: "connects a wallet"})
	require.NoError(t, err)
	assert.Equal(t, `await page.click("connect")`, code)
}

func TestRegenerateReportsUnfixable(t *testing.T) {
	planner := &fakePlanner{text: "UNFIXABLE"}
	gen := NewAnthropicGenerator(planner, "claude-sonnet-4")
	out, err := gen.Regenerate(context.Background(), selfheal.Analysis{Class: selfheal.FailureUnknown}, selfheal.GeneratorInput{Error: "timeout"})
	require.NoError(t, err)
	assert.False(t, out.Valid)
	assert.Contains(t, out.Reason, "unrelated")
}

func TestRegeneratePropagatesPlannerError(t *testing.T) {
	planner := &fakePlanner{err: assert.AnError}
	gen := NewAnthropicGenerator(planner, "claude-sonnet-4")
	_, err := gen.Regenerate(context.Background(), selfheal.Analysis{}, selfheal.GeneratorInput{})
	require.Error(t, err)
}
