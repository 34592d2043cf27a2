package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunValidTerminal(t *testing.T) {
	r := &Run{Status: RunRunning}
	assert.True(t, r.ValidTerminal())

	now := time.Now()
	r.CompletedAt = &now
	assert.False(t, r.ValidTerminal(), "completedAt set while non-terminal violates P1")

	r.Status = RunPassed
	assert.True(t, r.ValidTerminal())
}

func TestSpecEligibleForSelfHeal(t *testing.T) {
	s := &Spec{Attempt: 2, MaxAttempts: DefaultMaxAttempts}
	assert.True(t, s.EligibleForSelfHeal())

	s.Attempt = 3
	assert.False(t, s.EligibleForSelfHeal())
}

func TestRunCancellable(t *testing.T) {
	assert.True(t, (&Run{Status: RunPending}).Cancellable())
	assert.True(t, (&Run{Status: RunRunning}).Cancellable())
	assert.False(t, (&Run{Status: RunPassed}).Cancellable())
}

func TestSuiteRunReconcile(t *testing.T) {
	sr := &SuiteRun{}
	runs := []*Run{
		{Status: RunPassed},
		{Status: RunFailed},
		{Status: RunRunning},
	}
	sr.Reconcile(runs)
	assert.Equal(t, 1, sr.PassedTests)
	assert.Equal(t, 1, sr.FailedTests)
	assert.NotEqual(t, RunPassed, sr.Status, "suite must not be terminal while a child run is still running")

	runs[2].Status = RunPassed
	sr.Reconcile(runs)
	assert.Equal(t, 2, sr.PassedTests)
	assert.Equal(t, 1, sr.FailedTests)
	assert.Equal(t, RunFailed, sr.Status, "one failed child run fails the whole suite")
}
