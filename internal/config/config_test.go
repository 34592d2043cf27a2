package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	assert.NoError(t, err)
	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.Equal(t, 300_000, cfg.Worker.LockDurationMs)
	assert.Equal(t, 3, cfg.Agent.MaxAPICalls/20) // sanity: non-zero default present
	assert.Equal(t, 15, cfg.Agent.MaxCallsPerStep)
	assert.Equal(t, 5901, cfg.Streaming.VNCPortRange[0])
	assert.Equal(t, 6090, cfg.Streaming.WSPortRange[1])
}

func TestControlPortFor(t *testing.T) {
	assert.Equal(t, 6081, ControlPortFor(5901))
	assert.Equal(t, 6090, ControlPortFor(5910))
}
