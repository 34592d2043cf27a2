package selfheal

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deathcap/dapptest/internal/model"
)

type fakeGenerator struct {
	out GeneratorOutput
	err error
}

func (g *fakeGenerator) Regenerate(ctx context.Context, analysis Analysis, in GeneratorInput) (GeneratorOutput, error) {
	return g.out, g.err
}

func baseParent() *model.Spec {
	return &model.Spec{
		ID:          uuid.New(),
		RecordingID: uuid.New(),
		ProjectID:   uuid.New(),
		Status:      model.SpecReady,
		Version:     1,
		Attempt:     1,
		MaxAttempts: 3,
	}
}

func TestRegenerateSkipsWhenRunNotFailed(t *testing.T) {
	run := &model.Run{Status: model.RunPassed}
	res, err := Regenerate(context.Background(), &fakeGenerator{}, run, baseParent(), GeneratorInput{})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestRegenerateSkipsWhenParentExhaustedAttempts(t *testing.T) {
	parent := baseParent()
	parent.Attempt = 3
	parent.MaxAttempts = 3
	run := &model.Run{Status: model.RunFailed}
	res, err := Regenerate(context.Background(), &fakeGenerator{}, run, parent, GeneratorInput{})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Contains(t, res.Reason, "maxAttempts")
}

func TestRegenerateBuildsChildSpecOnValidOutput(t *testing.T) {
	parent := baseParent()
	gen := &fakeGenerator{out: GeneratorOutput{Valid: true, Code: "test('fixed', () => {});"}}
	run := &model.Run{Status: model.RunFailed}
	res, err := Regenerate(context.Background(), gen, run, parent, GeneratorInput{Error: "Timeout exceeded"})
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.NotNil(t, res.NewSpec)
	assert.Equal(t, parent.Version+1, res.NewSpec.Version)
	assert.Equal(t, parent.Attempt+1, res.NewSpec.Attempt)
	assert.Equal(t, parent.MaxAttempts, res.NewSpec.MaxAttempts)
	require.NotNil(t, res.NewSpec.ParentSpecID)
	assert.Equal(t, parent.ID, *res.NewSpec.ParentSpecID)
	assert.Equal(t, ClassTimeout, res.Class)
}

func TestRegenerateRecordsReasonWhenGeneratorRejects(t *testing.T) {
	parent := baseParent()
	gen := &fakeGenerator{out: GeneratorOutput{Valid: false, Reason: "could not infer a fix"}}
	run := &model.Run{Status: model.RunFailed}
	res, err := Regenerate(context.Background(), gen, run, parent, GeneratorInput{})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "could not infer a fix", res.Reason)
	assert.Nil(t, res.NewSpec)
}

func TestBuildFailureContextBoundsLogTailAndScreenshotCount(t *testing.T) {
	logs := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		logs = append(logs, "0123456789012345678901234567890123456789")
	}
	shots := []string{"a", "b", "c", "d", "e", "f", "g"}
	in := BuildFailureContext("code", "err", logs, shots, nil)
	assert.LessOrEqual(t, len(in.Logs), logsTailChars)
	assert.Len(t, in.ScreenshotsB64, maxScreenshotsGather)
	assert.Equal(t, []string{"c", "d", "e", "f", "g"}, in.ScreenshotsB64)
}
