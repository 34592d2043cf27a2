package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// IPCDriver is the default BrowserDriver: it launches a configured
// subprocess binary (a thin adapter around the real headless-browser +
// wallet-extension runtime, out of scope per spec §1) and speaks a
// newline-delimited JSON request/response protocol over its stdin/stdout,
// in the style of kubeclaw's internal/ipc TaskInput/ExecRequest/ExecResult
// file-based protocol, collapsed to a stdio pipe since this driver talks to
// exactly one child per Sandbox rather than fanning out across a shared
// IPC directory.
type IPCDriver struct {
	binPath string
	args    []string

	cmd    *exec.Cmd
	stdin  *json.Encoder
	stdout *bufio.Scanner

	mu      sync.Mutex
	nextID  int64
	pending map[string]chan ipcResponse
}

// ipcRequest is one call sent to the child: Op names a browser/wallet/
// context/tracing verb, Args carries its JSON-encoded parameters.
type ipcRequest struct {
	ID   string          `json:"id"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ipcResponse is the child's reply to one ipcRequest.
type ipcResponse struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NewIPCDriver builds a driver that will exec binPath (plus args) on
// Launch. binPath is typically the platform's browser-bridge binary,
// configured via DAPPTEST_SANDBOX_DRIVERPATH.
func NewIPCDriver(binPath string, args ...string) *IPCDriver {
	return &IPCDriver{binPath: binPath, args: args}
}

// Launch starts the child process and performs the initial handshake,
// passing launch options as the first request's args.
func (d *IPCDriver) Launch(ctx context.Context, opts LaunchOptions) error {
	argv := append([]string{}, d.args...)
	cmd := exec.CommandContext(ctx, d.binPath, argv...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ipcdriver: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ipcdriver: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ipcdriver: start: %w", err)
	}

	d.cmd = cmd
	d.stdin = json.NewEncoder(stdin)
	d.stdout = bufio.NewScanner(stdout)
	d.stdout.Buffer(make([]byte, 64*1024), 16*1024*1024)
	d.pending = make(map[string]chan ipcResponse)

	go d.readLoop()

	argsJSON, _ := json.Marshal(opts)
	_, err = d.call(ctx, "launch", argsJSON)
	return err
}

// readLoop demultiplexes child responses to the pending call waiting on
// each request id. A read error (child exited, pipe closed) fails every
// still-pending call rather than hanging callers forever.
func (d *IPCDriver) readLoop() {
	for d.stdout.Scan() {
		var resp ipcResponse
		if err := json.Unmarshal(d.stdout.Bytes(), &resp); err != nil {
			continue
		}
		d.mu.Lock()
		ch, ok := d.pending[resp.ID]
		if ok {
			delete(d.pending, resp.ID)
		}
		d.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
	d.mu.Lock()
	for id, ch := range d.pending {
		delete(d.pending, id)
		ch <- ipcResponse{ID: id, OK: false, Error: "ipcdriver: child process exited"}
	}
	d.mu.Unlock()
}

func (d *IPCDriver) call(ctx context.Context, op string, args json.RawMessage) (json.RawMessage, error) {
	id := fmt.Sprintf("%d", atomic.AddInt64(&d.nextID, 1))
	ch := make(chan ipcResponse, 1)
	d.mu.Lock()
	d.pending[id] = ch
	d.mu.Unlock()

	if err := d.stdin.Encode(ipcRequest{ID: id, Op: op, Args: args}); err != nil {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		return nil, fmt.Errorf("ipcdriver: write %s: %w", op, err)
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			return nil, fmt.Errorf("ipcdriver: %s: %s", op, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close terminates the child process, waiting briefly for a clean exit
// before killing the process tree.
func (d *IPCDriver) Close(ctx context.Context) error {
	if d.cmd == nil || d.cmd.Process == nil {
		return nil
	}
	_, _ = d.call(ctx, "close", nil)
	done := make(chan error, 1)
	go func() { done <- d.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		KillResidual(d.cmd.Process.Pid)
	}
	return nil
}

// PID returns the child process id, or 0 if never launched.
func (d *IPCDriver) PID() int {
	if d.cmd == nil || d.cmd.Process == nil {
		return 0
	}
	return d.cmd.Process.Pid
}

func (d *IPCDriver) Page() Page           { return ipcPage{d} }
func (d *IPCDriver) Wallet() Wallet       { return ipcWallet{d} }
func (d *IPCDriver) Context() TabContext  { return ipcTabContext{d} }
func (d *IPCDriver) Tracing() Tracing     { return ipcTracing{d} }

type ipcPage struct{ d *IPCDriver }

func (p ipcPage) Goto(ctx context.Context, url string) error {
	args, _ := json.Marshal(map[string]string{"url": url})
	_, err := p.d.call(ctx, "page.goto", args)
	return err
}

func (p ipcPage) URL() string {
	res, err := p.d.call(context.Background(), "page.url", nil)
	if err != nil {
		return ""
	}
	var url string
	_ = json.Unmarshal(res, &url)
	return url
}

func (p ipcPage) Click(ctx context.Context, selector string) error {
	args, _ := json.Marshal(map[string]string{"selector": selector})
	_, err := p.d.call(ctx, "page.click", args)
	return err
}

func (p ipcPage) Type(ctx context.Context, selector, text string) error {
	args, _ := json.Marshal(map[string]string{"selector": selector, "text": text})
	_, err := p.d.call(ctx, "page.type", args)
	return err
}

func (p ipcPage) Select(ctx context.Context, selector, value string) error {
	args, _ := json.Marshal(map[string]string{"selector": selector, "value": value})
	_, err := p.d.call(ctx, "page.select", args)
	return err
}

func (p ipcPage) PressKey(ctx context.Context, key string) error {
	args, _ := json.Marshal(map[string]string{"key": key})
	_, err := p.d.call(ctx, "page.pressKey", args)
	return err
}

func (p ipcPage) Evaluate(ctx context.Context, expr string) (any, error) {
	args, _ := json.Marshal(map[string]string{"expr": expr})
	res, err := p.d.call(ctx, "page.evaluate", args)
	if err != nil {
		return nil, err
	}
	var v any
	_ = json.Unmarshal(res, &v)
	return v, nil
}

func (p ipcPage) Screenshot(ctx context.Context) ([]byte, error) {
	res, err := p.d.call(ctx, "page.screenshot", nil)
	if err != nil {
		return nil, err
	}
	var b []byte
	_ = json.Unmarshal(res, &b)
	return b, nil
}

func (p ipcPage) GoBack(ctx context.Context) error {
	_, err := p.d.call(ctx, "page.goBack", nil)
	return err
}

func (p ipcPage) Snapshot(ctx context.Context) (string, error) {
	res, err := p.d.call(ctx, "page.snapshot", nil)
	if err != nil {
		return "", err
	}
	var tree string
	_ = json.Unmarshal(res, &tree)
	return tree, nil
}

type ipcWallet struct{ d *IPCDriver }

func (w ipcWallet) Approve(ctx context.Context) error {
	_, err := w.d.call(ctx, "wallet.approve", nil)
	return err
}

func (w ipcWallet) Sign(ctx context.Context) error {
	_, err := w.d.call(ctx, "wallet.sign", nil)
	return err
}

func (w ipcWallet) ConfirmTransaction(ctx context.Context) error {
	_, err := w.d.call(ctx, "wallet.confirmTransaction", nil)
	return err
}

func (w ipcWallet) SwitchNetwork(ctx context.Context, name string) error {
	args, _ := json.Marshal(map[string]string{"name": name})
	_, err := w.d.call(ctx, "wallet.switchNetwork", args)
	return err
}

func (w ipcWallet) Reject(ctx context.Context) error {
	_, err := w.d.call(ctx, "wallet.reject", nil)
	return err
}

func (w ipcWallet) AddNetwork(ctx context.Context, name string) error {
	args, _ := json.Marshal(map[string]string{"name": name})
	_, err := w.d.call(ctx, "wallet.addNetwork", args)
	return err
}

func (w ipcWallet) GetAddress(ctx context.Context) (string, error) {
	res, err := w.d.call(ctx, "wallet.getAddress", nil)
	if err != nil {
		return "", err
	}
	var addr string
	_ = json.Unmarshal(res, &addr)
	return addr, nil
}

type ipcTabContext struct{ d *IPCDriver }

func (c ipcTabContext) OpenTabs(ctx context.Context) ([]TabInfo, error) {
	res, err := c.d.call(ctx, "context.openTabs", nil)
	if err != nil {
		return nil, err
	}
	var tabs []TabInfo
	_ = json.Unmarshal(res, &tabs)
	return tabs, nil
}

func (c ipcTabContext) BringForward(ctx context.Context, tabID string) error {
	args, _ := json.Marshal(map[string]string{"tabId": tabID})
	_, err := c.d.call(ctx, "context.bringForward", args)
	return err
}

func (c ipcTabContext) Screenshot(ctx context.Context, excludeExtensionTabs bool) ([]byte, error) {
	args, _ := json.Marshal(map[string]bool{"excludeExtensionTabs": excludeExtensionTabs})
	res, err := c.d.call(ctx, "context.screenshot", args)
	if err != nil {
		return nil, err
	}
	var b []byte
	_ = json.Unmarshal(res, &b)
	return b, nil
}

type ipcTracing struct{ d *IPCDriver }

func (t ipcTracing) Start(ctx context.Context) error {
	_, err := t.d.call(ctx, "tracing.start", nil)
	return err
}

func (t ipcTracing) Stop(ctx context.Context) ([]byte, error) {
	res, err := t.d.call(ctx, "tracing.stop", nil)
	if err != nil {
		return nil, err
	}
	var b []byte
	_ = json.Unmarshal(res, &b)
	return b, nil
}
