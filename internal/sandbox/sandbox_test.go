package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePage struct{}

func (fakePage) Goto(context.Context, string) error                 { return nil }
func (fakePage) URL() string                                        { return "" }
func (fakePage) Click(context.Context, string) error                { return nil }
func (fakePage) Type(context.Context, string, string) error         { return nil }
func (fakePage) Select(context.Context, string, string) error       { return nil }
func (fakePage) PressKey(context.Context, string) error             { return nil }
func (fakePage) Evaluate(context.Context, string) (any, error)       { return nil, nil }
func (fakePage) Screenshot(context.Context) ([]byte, error)          { return nil, nil }
func (fakePage) GoBack(context.Context) error                        { return nil }
func (fakePage) Snapshot(context.Context) (string, error)            { return "", nil }

type fakeWallet struct{}

func (fakeWallet) Approve(context.Context) error                 { return nil }
func (fakeWallet) Sign(context.Context) error                    { return nil }
func (fakeWallet) ConfirmTransaction(context.Context) error       { return nil }
func (fakeWallet) SwitchNetwork(context.Context, string) error    { return nil }
func (fakeWallet) Reject(context.Context) error                  { return nil }
func (fakeWallet) AddNetwork(context.Context, string) error       { return nil }
func (fakeWallet) GetAddress(context.Context) (string, error)     { return "0xabc", nil }

type fakeContext struct{}

func (fakeContext) OpenTabs(context.Context) ([]TabInfo, error)             { return nil, nil }
func (fakeContext) BringForward(context.Context, string) error              { return nil }
func (fakeContext) Screenshot(context.Context, bool) ([]byte, error)        { return nil, nil }

type fakeTracing struct{ stopped bool }

func (t *fakeTracing) Start(context.Context) error { return nil }
func (t *fakeTracing) Stop(context.Context) ([]byte, error) {
	t.stopped = true
	return []byte("trace"), nil
}

// fakeDriver fails Launch a configurable number of times before succeeding,
// so Bootstrap's retry-with-backoff path (spec §4.2) is exercised without a
// real browser subprocess.
type fakeDriver struct {
	failures  int
	launches  int
	closed    bool
	tracing   *fakeTracing
	pid       int
}

func (d *fakeDriver) Launch(ctx context.Context, opts LaunchOptions) error {
	d.launches++
	if d.launches <= d.failures {
		d.pid = 1000 + d.launches
		return errors.New("simulated launch failure")
	}
	d.tracing = &fakeTracing{}
	return nil
}

func (d *fakeDriver) Close(ctx context.Context) error { d.closed = true; return nil }
func (d *fakeDriver) Page() Page                      { return fakePage{} }
func (d *fakeDriver) Wallet() Wallet                  { return fakeWallet{} }
func (d *fakeDriver) Context() TabContext             { return fakeContext{} }
func (d *fakeDriver) Tracing() Tracing                { return d.tracing }
func (d *fakeDriver) PID() int                        { return d.pid }

func TestBootstrapRetriesThenSucceeds(t *testing.T) {
	drivers := []*fakeDriver{{failures: 2}}
	idx := 0
	sup := NewSupervisor(logr.Discard(), NewPortPool(5901, 5910), func() BrowserDriver {
		d := drivers[idx]
		return d
	})

	sb, err := sup.Bootstrap(context.Background(), "seed", "NONE")
	require.NoError(t, err)
	assert.Equal(t, 3, drivers[0].launches, "must retry until the 3rd attempt succeeds")

	require.NoError(t, sup.Teardown(context.Background(), sb))
	assert.True(t, drivers[0].closed)
}

func TestBootstrapExhaustsAttempts(t *testing.T) {
	d := &fakeDriver{failures: 10}
	sup := NewSupervisor(logr.Discard(), NewPortPool(5901, 5910), func() BrowserDriver { return d })

	_, err := sup.Bootstrap(context.Background(), "seed", "NONE")
	assert.Error(t, err)
	assert.Equal(t, 3, d.launches, "bootstrap must give up after 3 attempts (spec §4.2)")
}

func TestBootstrapVNCAllocatesPairedPorts(t *testing.T) {
	d := &fakeDriver{}
	sup := NewSupervisor(logr.Discard(), NewPortPool(5901, 5910), func() BrowserDriver { return d })

	sb, err := sup.Bootstrap(context.Background(), "seed", "VNC")
	require.NoError(t, err)
	assert.Equal(t, 5901, sb.PixelPort)
	assert.Equal(t, 6081, sb.ControlPort)

	require.NoError(t, sup.Teardown(context.Background(), sb))
}
