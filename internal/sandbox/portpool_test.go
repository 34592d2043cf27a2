package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortPoolAcquireReleaseAndControlPort(t *testing.T) {
	p := NewPortPool(5901, 5902)
	a, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 5901, a)
	assert.Equal(t, 6081, ControlPortFor(a))

	b, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 5902, b)

	_, err = p.Acquire()
	assert.Error(t, err, "pool of size 2 must be exhausted after 2 acquisitions")

	p.Release(a)
	c, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 5901, c, "released port should be the next one handed out")
}

func TestPortPoolReclaimStale(t *testing.T) {
	p := NewPortPool(5901, 5901)
	port, err := p.Acquire()
	require.NoError(t, err)
	p.holders[port] = portHolder{acquiredAt: time.Now().Add(-2 * time.Hour), aliveFn: func() bool { return false }}

	reclaimed := p.ReclaimStale(60 * time.Minute)
	assert.Equal(t, []int{port}, reclaimed)

	_, err = p.Acquire()
	assert.NoError(t, err, "reclaimed port should be acquirable again")
}

func TestPortPoolReclaimStaleSkipsAlive(t *testing.T) {
	p := NewPortPool(5901, 5901)
	port, err := p.Acquire()
	require.NoError(t, err)
	p.holders[port] = portHolder{acquiredAt: time.Now().Add(-2 * time.Hour), aliveFn: func() bool { return true }}

	reclaimed := p.ReclaimStale(60 * time.Minute)
	assert.Empty(t, reclaimed, "a still-alive holder must not be reclaimed even past maxAge")
}
