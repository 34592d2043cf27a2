package dispatch

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deathcap/dapptest/internal/config"
	"github.com/deathcap/dapptest/internal/model"
	"github.com/deathcap/dapptest/internal/queue"
)

// fakeStore is a minimal in-memory RecordStore double, covering only the
// methods runAndFinalize's call graph touches.
type fakeStore struct {
	run        *model.Run
	recording  *model.Recording
	transition struct {
		called bool
		status model.RunStatus
	}
	connectionSpecSet *uuid.UUID
	agentDataSet      bool
	getRecordingErr   error
}

func (f *fakeStore) GetSpec(ctx context.Context, id uuid.UUID) (*model.Spec, error) { return nil, nil }
func (f *fakeStore) GetRecording(ctx context.Context, id uuid.UUID) (*model.Recording, error) {
	return f.recording, f.getRecordingErr
}
func (f *fakeStore) GetProject(ctx context.Context, id uuid.UUID) (*model.Project, error) {
	return nil, nil
}
func (f *fakeStore) GetRun(ctx context.Context, id string) (*model.Run, error) { return f.run, nil }
func (f *fakeStore) GetRunStatus(ctx context.Context, runID string) (model.RunStatus, error) {
	return f.run.Status, nil
}
func (f *fakeStore) GetSuiteRun(ctx context.Context, id string) (*model.SuiteRun, error) {
	return nil, nil
}
func (f *fakeStore) TransitionRunning(ctx context.Context, runID string) error { return nil }
func (f *fakeStore) TransitionTerminal(ctx context.Context, runID string, status model.RunStatus, runErr string, logs []string, durationMs int64) error {
	f.transition.called = true
	f.transition.status = status
	return nil
}
func (f *fakeStore) SetProgress(ctx context.Context, runID string, progress int) error { return nil }
func (f *fakeStore) SetAgentData(ctx context.Context, runID string, data *model.AgentData) error {
	f.agentDataSet = true
	return nil
}
func (f *fakeStore) SetConnectionSpecID(ctx context.Context, projectID uuid.UUID, specID *uuid.UUID) error {
	f.connectionSpecSet = specID
	return nil
}
func (f *fakeStore) ApplyPatch(ctx context.Context, specID uuid.UUID, newCode string) (int, error) {
	return 0, nil
}
func (f *fakeStore) CreateSpec(ctx context.Context, sp *model.Spec) error       { return nil }
func (f *fakeStore) CreateArtifact(ctx context.Context, a *model.Artifact) error { return nil }
func (f *fakeStore) ListArtifacts(ctx context.Context, runID string) ([]model.Artifact, error) {
	return nil, nil
}
func (f *fakeStore) FinalizeSuiteRun(ctx context.Context, sr *model.SuiteRun) error { return nil }

// fakeQueue is a JobQueue double that just records every enqueue call.
type fakeQueue struct {
	enqueued []queue.Kind
}

func (f *fakeQueue) Enqueue(ctx context.Context, kind queue.Kind, payload any, opts queue.EnqueueOptions) (string, error) {
	f.enqueued = append(f.enqueued, kind)
	return "job-1", nil
}

func newTestDispatcher(st *fakeStore, q *fakeQueue) *Dispatcher {
	return &Dispatcher{
		Log:          logr.Discard(),
		Cfg:          &config.Config{},
		Store:        st,
		Queue:        q,
		Broadcasters: NewBroadcasterRegistry(),
	}
}

// TestMaybeEnqueueSelfHealGuard exercises the guard in runAndFinalize that
// decides whether to call maybeEnqueueSelfHeal, independent of executing a
// full run (which needs a live sandbox). This isolates the self-heal
// mutual-exclusivity decision itself.
func TestMaybeEnqueueSelfHealGuard(t *testing.T) {
	cases := []struct {
		name          string
		passed        bool
		fastFail      bool
		agentTookOver bool
		wantEnqueued  bool
	}{
		{"failed, no agent takeover, not fast-fail: self-heal enqueued", false, false, false, true},
		{"failed, agent took over: self-heal skipped", false, false, true, false},
		{"failed, fast-fail: self-heal skipped", false, true, false, false},
		{"passed: self-heal skipped", true, false, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := &fakeQueue{}
			d := newTestDispatcher(&fakeStore{}, q)

			result := executeResult{Passed: tc.passed, FastFail: tc.fastFail, AgentTookOver: tc.agentTookOver}
			if shouldEnqueueSelfHeal(result) {
				d.maybeEnqueueSelfHeal(context.Background(), "run-1")
			}

			if tc.wantEnqueued {
				require.Len(t, q.enqueued, 1)
				assert.Equal(t, queue.KindSelfHeal, q.enqueued[0])
			} else {
				assert.Empty(t, q.enqueued)
			}
		})
	}
}

// TestMaybeSetConnectionSpecIDOnlyForConnectionRecordings covers review
// finding 2: a passing run of a connection-type recording's spec must set
// the project's connectionSpecId; a flow-type recording must not.
func TestMaybeSetConnectionSpecIDOnlyForConnectionRecordings(t *testing.T) {
	t.Run("connection recording sets connectionSpecId", func(t *testing.T) {
		sp := &model.Spec{ID: uuid.New(), ProjectID: uuid.New(), RecordingID: uuid.New()}
		st := &fakeStore{recording: &model.Recording{ID: sp.RecordingID, Type: model.RecordingConnection}}
		d := newTestDispatcher(st, &fakeQueue{})

		d.maybeSetConnectionSpecID(context.Background(), sp)

		require.NotNil(t, st.connectionSpecSet)
		assert.Equal(t, sp.ID, *st.connectionSpecSet)
	})

	t.Run("flow recording leaves connectionSpecId untouched", func(t *testing.T) {
		sp := &model.Spec{ID: uuid.New(), ProjectID: uuid.New(), RecordingID: uuid.New()}
		st := &fakeStore{recording: &model.Recording{ID: sp.RecordingID, Type: model.RecordingFlow}}
		d := newTestDispatcher(st, &fakeQueue{})

		d.maybeSetConnectionSpecID(context.Background(), sp)

		assert.Nil(t, st.connectionSpecSet)
	})
}
