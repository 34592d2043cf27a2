package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayForAttemptExponential(t *testing.T) {
	p := DefaultBackoffPolicy()
	assert.Equal(t, 1*time.Second, p.DelayForAttempt(1, ""))
	assert.Equal(t, 2*time.Second, p.DelayForAttempt(2, ""))
	assert.Equal(t, 4*time.Second, p.DelayForAttempt(3, ""))
}

func TestDelayForAttemptCapped(t *testing.T) {
	p := DefaultBackoffPolicy()
	d := p.DelayForAttempt(20, "")
	assert.Equal(t, p.MaxDelay, d)
}

func TestDelayForAttemptJitterDeterministic(t *testing.T) {
	p := DefaultBackoffPolicy()
	p.Jitter = true
	d1 := p.DelayForAttempt(3, "job-1")
	d2 := p.DelayForAttempt(3, "job-1")
	assert.Equal(t, d1, d2, "jitter must be deterministic for a given seed+attempt")

	d3 := p.DelayForAttempt(3, "job-2")
	assert.NotEqual(t, d1, d3, "different seeds should (almost always) jitter differently")
}
