// Package sandbox implements the Sandbox Supervisor (C4): allocation of an
// isolated browser session preloaded with a wallet identity, the race-safe
// wallet popup protocol, port-pool management for VNC streaming, and
// guaranteed teardown.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
)

// Page is the primary tab handle against the dApp under test.
type Page interface {
	Goto(ctx context.Context, url string) error
	URL() string
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Select(ctx context.Context, selector, value string) error
	PressKey(ctx context.Context, key string) error
	Evaluate(ctx context.Context, expr string) (any, error)
	Screenshot(ctx context.Context) ([]byte, error)
	GoBack(ctx context.Context) error
	Snapshot(ctx context.Context) (string, error) // textual accessibility tree with opaque refs
}

// Wallet exposes the extension-driving operations of spec §4.2.
type Wallet interface {
	Approve(ctx context.Context) error
	Sign(ctx context.Context) error
	ConfirmTransaction(ctx context.Context) error
	SwitchNetwork(ctx context.Context, name string) error
	Reject(ctx context.Context) error
	AddNetwork(ctx context.Context, name string) error
	GetAddress(ctx context.Context) (string, error)
}

// TabContext is the set of open tabs, including wallet-extension pages.
type TabContext interface {
	OpenTabs(ctx context.Context) ([]TabInfo, error)
	BringForward(ctx context.Context, tabID string) error
	Screenshot(ctx context.Context, excludeExtensionTabs bool) ([]byte, error)
}

// TabInfo describes one open tab.
type TabInfo struct {
	ID        string
	URL       string
	IsWallet  bool
}

// Tracing controls sealed DOM-snapshot + screencast capture (spec §6).
type Tracing interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (traceArchive []byte, err error)
}

// Sandbox is the handle returned to every component driving a browser.
type Sandbox struct {
	Page    Page
	Wallet  Wallet
	Context TabContext
	Tracing Tracing

	StreamingMode string
	PixelPort     int
	ControlPort   int

	driver BrowserDriver
}

// BrowserDriver is the subprocess/IPC-driven backend a Sandbox wraps. No
// browser-automation SDK exists in the retrieved example pack (confirmed by
// survey), so the driver is expressed as an interface over a JSON-over-stdio
// child process, in the style of AlexsJones-kubeclaw's internal/ipc
// protocol (TaskInput/ExecRequest/ExecResult message shapes).
type BrowserDriver interface {
	Launch(ctx context.Context, opts LaunchOptions) error
	Close(ctx context.Context) error
	Page() Page
	Wallet() Wallet
	Context() TabContext
	Tracing() Tracing
	PID() int
}

// LaunchOptions configures one browser session.
type LaunchOptions struct {
	Headless     bool
	WalletSeed   string
	Network      string
	StreamingVNC bool
	PixelPort    int
	ControlPort  int
}

// Supervisor bootstraps and tears down Sandboxes, owning the process-wide
// port pool shared across every run on this worker (spec §5: "Global
// mutable state... is confined to the Supervisor; access is serialized by a
// single lock per pool").
type Supervisor struct {
	log   logr.Logger
	ports *PortPool
	newDriver func() BrowserDriver
}

// NewSupervisor builds a Supervisor. newDriver constructs a fresh
// BrowserDriver per bootstrap attempt (so a failed attempt's process tree
// never leaks into the next attempt).
func NewSupervisor(log logr.Logger, ports *PortPool, newDriver func() BrowserDriver) *Supervisor {
	return &Supervisor{log: log, ports: ports, newDriver: newDriver}
}

const (
	bootstrapMaxAttempts = 3
	bootstrapBackoff     = 5 * time.Second
)

// Bootstrap allocates an isolated browsing session, retrying up to 3 times
// with 5s backoff; before each attempt all residual browser processes from
// the previous attempt are forcibly terminated (spec §4.2).
func (s *Supervisor) Bootstrap(ctx context.Context, seed string, streamingMode string) (*Sandbox, error) {
	var lastErr error
	var lastPID int

	for attempt := 1; attempt <= bootstrapMaxAttempts; attempt++ {
		if lastPID != 0 {
			KillResidual(lastPID)
			lastPID = 0
		}

		driver := s.newDriver()
		opts := LaunchOptions{Headless: true, WalletSeed: seed}

		var pixelPort, controlPort int
		if streamingMode == "VNC" {
			p, err := s.ports.Acquire()
			if err != nil {
				lastErr = fmt.Errorf("sandbox: acquire port: %w", err)
				s.log.Info("bootstrap attempt failed: port pool exhausted", "attempt", attempt)
				s.sleepBetweenAttempts(ctx, attempt)
				continue
			}
			pixelPort = p
			controlPort = ControlPortFor(p)
			opts.StreamingVNC = true
			opts.PixelPort = pixelPort
			opts.ControlPort = controlPort
		}

		if err := driver.Launch(ctx, opts); err != nil {
			lastErr = err
			lastPID = driver.PID()
			s.log.Info("bootstrap attempt failed", "attempt", attempt, "err", err)
			if pixelPort != 0 {
				s.ports.Release(pixelPort)
			}
			s.sleepBetweenAttempts(ctx, attempt)
			continue
		}

		sb := &Sandbox{
			Page: driver.Page(), Wallet: driver.Wallet(), Context: driver.Context(),
			Tracing: driver.Tracing(), StreamingMode: streamingMode,
			PixelPort: pixelPort, ControlPort: controlPort, driver: driver,
		}
		return sb, nil
	}
	return nil, fmt.Errorf("sandbox: bootstrap failed after %d attempts: %w", bootstrapMaxAttempts, lastErr)
}

func (s *Supervisor) sleepBetweenAttempts(ctx context.Context, attempt int) {
	if attempt == bootstrapMaxAttempts {
		return
	}
	select {
	case <-time.After(bootstrapBackoff):
	case <-ctx.Done():
	}
}

// Teardown stops tracing, closes the context, frees ports, and removes any
// auxiliary isolated environment (spec §4.2).
func (s *Supervisor) Teardown(ctx context.Context, sb *Sandbox) error {
	var err error
	if sb.Tracing != nil {
		if _, terr := sb.Tracing.Stop(ctx); terr != nil {
			err = terr
		}
	}
	if sb.driver != nil {
		if cerr := sb.driver.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	if sb.PixelPort != 0 {
		s.ports.Release(sb.PixelPort)
	}
	return err
}

// ControlPortFor derives the paired control port for a VNC pixel port
// (spec §4.2): portControl = 6081 + (portPixel - 5901).
func ControlPortFor(pixelPort int) int {
	return 6081 + (pixelPort - 5901)
}
