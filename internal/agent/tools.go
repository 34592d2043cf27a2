package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deathcap/dapptest/internal/sandbox"
)

// SandboxEnv adapts a live sandbox.Sandbox to ExecutionEnvironment, holding
// the ref table published by the most recent browser_snapshot call (spec
// §4.5: "all subsequent tool calls refer to refs from the most recent
// snapshot; stale refs fail").
type SandboxEnv struct {
	SB   *sandbox.Sandbox
	refs map[string]string

	resolvedInput json.RawMessage
}

// NewSandboxEnv wraps sb for tool dispatch.
func NewSandboxEnv(sb *sandbox.Sandbox) *SandboxEnv {
	return &SandboxEnv{SB: sb, refs: map[string]string{}}
}

func (e *SandboxEnv) ResolveRef(ref string) (string, bool) {
	sel, ok := e.refs[ref]
	return sel, ok
}

func (e *SandboxEnv) RecordSnapshot(refs map[string]string) {
	e.refs = refs
}

func (e *SandboxEnv) resetResolvedInput() { e.resolvedInput = nil }

func (e *SandboxEnv) takeResolvedInput() (json.RawMessage, bool) {
	raw := e.resolvedInput
	e.resolvedInput = nil
	return raw, raw != nil
}

func (e *SandboxEnv) recordResolvedInput(raw json.RawMessage) { e.resolvedInput = raw }

func str(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// resolveRefArg turns an opaque snapshot ref (e.g. "e5") into the live
// selector it currently maps to, and records that substitution on env so
// ExecuteCall can carry the resolved selector into ToolExecResult instead
// of the raw ref (spec §4.4: a patch must replay against a selector that
// still resolves once this run's snapshot table is gone).
func resolveRefArg(env ExecutionEnvironment, args map[string]any) (string, error) {
	ref := str(args, "ref")
	sel, ok := env.ResolveRef(ref)
	if !ok {
		return "", fmt.Errorf("stale or unknown ref %q: re-snapshot before retrying", ref)
	}
	recordResolvedRef(env, args, sel)
	return sel, nil
}

func recordResolvedRef(env ExecutionEnvironment, args map[string]any, selector string) {
	rs, ok := env.(resolvedInputSource)
	if !ok {
		return
	}
	resolved := make(map[string]any, len(args))
	for k, v := range args {
		resolved[k] = v
	}
	resolved["ref"] = selector
	if raw, err := json.Marshal(resolved); err == nil {
		rs.recordResolvedInput(raw)
	}
}

// RegisterBrowserWalletTools populates registry with the browser, wallet,
// and control tool set of spec §4.5, dispatched against a live sandbox via
// env.
func RegisterBrowserWalletTools(registry *ToolRegistry) error {
	tools := []RegisteredTool{
		{
			Definition: ToolDefinition{
				Name:        "browser_snapshot",
				Description: "Capture a textual accessibility tree of the current page with opaque element refs.",
				Parameters:  schema(nil, nil),
			},
			Exec: func(ctx context.Context, env ExecutionEnvironment, args map[string]any) (any, error) {
				se := env.(*SandboxEnv)
				tree, err := se.SB.Page.Snapshot(ctx)
				if err != nil {
					return nil, err
				}
				se.RecordSnapshot(parseSnapshotRefs(tree))
				return tree, nil
			},
		},
		{
			Definition: ToolDefinition{
				Name:        "browser_click",
				Description: "Click the element identified by a ref from the most recent snapshot.",
				Parameters:  schema(map[string]any{"ref": strProp("element ref, e.g. e5")}, []string{"ref"}),
			},
			Exec: func(ctx context.Context, env ExecutionEnvironment, args map[string]any) (any, error) {
				sel, err := resolveRefArg(env, args)
				if err != nil {
					return nil, err
				}
				return "clicked", env.(*SandboxEnv).SB.Page.Click(ctx, sel)
			},
		},
		{
			Definition: ToolDefinition{
				Name:        "browser_type",
				Description: "Type text into the element identified by a ref from the most recent snapshot.",
				Parameters:  schema(map[string]any{"ref": strProp("element ref"), "text": strProp("text to type")}, []string{"ref", "text"}),
			},
			Exec: func(ctx context.Context, env ExecutionEnvironment, args map[string]any) (any, error) {
				sel, err := resolveRefArg(env, args)
				if err != nil {
					return nil, err
				}
				return "typed", env.(*SandboxEnv).SB.Page.Type(ctx, sel, str(args, "text"))
			},
		},
		{
			Definition: ToolDefinition{
				Name:        "browser_select",
				Description: "Choose an option on a select element identified by a ref.",
				Parameters:  schema(map[string]any{"ref": strProp("element ref"), "value": strProp("option value")}, []string{"ref", "value"}),
			},
			Exec: func(ctx context.Context, env ExecutionEnvironment, args map[string]any) (any, error) {
				sel, err := resolveRefArg(env, args)
				if err != nil {
					return nil, err
				}
				return "selected", env.(*SandboxEnv).SB.Page.Select(ctx, sel, str(args, "value"))
			},
		},
		{
			Definition: ToolDefinition{
				Name:        "browser_navigate",
				Description: "Navigate the page to a URL. Diagnostic use only; excluded from patch generation.",
				Parameters:  schema(map[string]any{"url": strProp("destination URL")}, []string{"url"}),
			},
			Exec: func(ctx context.Context, env ExecutionEnvironment, args map[string]any) (any, error) {
				return "navigated", env.(*SandboxEnv).SB.Page.Goto(ctx, str(args, "url"))
			},
		},
		{
			Definition: ToolDefinition{
				Name:        "browser_go_back",
				Description: "Navigate the page back one history entry.",
				Parameters:  schema(nil, nil),
			},
			Exec: func(ctx context.Context, env ExecutionEnvironment, args map[string]any) (any, error) {
				return "went back", env.(*SandboxEnv).SB.Page.GoBack(ctx)
			},
		},
		{
			Definition: ToolDefinition{
				Name:        "browser_press_key",
				Description: "Press a single key on the currently focused element.",
				Parameters:  schema(map[string]any{"key": strProp("key name, e.g. Enter")}, []string{"key"}),
			},
			Exec: func(ctx context.Context, env ExecutionEnvironment, args map[string]any) (any, error) {
				return "pressed", env.(*SandboxEnv).SB.Page.PressKey(ctx, str(args, "key"))
			},
		},
		{
			Definition: ToolDefinition{
				Name:        "browser_evaluate",
				Description: "Evaluate a JavaScript expression in the page and return its result.",
				Parameters:  schema(map[string]any{"expression": strProp("JS expression")}, []string{"expression"}),
			},
			Exec: func(ctx context.Context, env ExecutionEnvironment, args map[string]any) (any, error) {
				return env.(*SandboxEnv).SB.Page.Evaluate(ctx, str(args, "expression"))
			},
		},
		{
			Definition: ToolDefinition{
				Name:        "browser_screenshot",
				Description: "Capture a screenshot of the current page.",
				Parameters:  schema(nil, nil),
			},
			Exec: func(ctx context.Context, env ExecutionEnvironment, args map[string]any) (any, error) {
				return env.(*SandboxEnv).SB.Page.Screenshot(ctx)
			},
		},
		{
			Definition: ToolDefinition{
				Name:        "wallet_approve",
				Description: "Approve the pending wallet connection or permission request.",
				Parameters:  schema(nil, nil),
			},
			Exec: func(ctx context.Context, env ExecutionEnvironment, args map[string]any) (any, error) {
				return "approved", env.(*SandboxEnv).SB.Wallet.Approve(ctx)
			},
		},
		{
			Definition: ToolDefinition{
				Name:        "wallet_sign",
				Description: "Sign the pending wallet message request.",
				Parameters:  schema(nil, nil),
			},
			Exec: func(ctx context.Context, env ExecutionEnvironment, args map[string]any) (any, error) {
				return "signed", env.(*SandboxEnv).SB.Wallet.Sign(ctx)
			},
		},
		{
			Definition: ToolDefinition{
				Name:        "wallet_confirm_transaction",
				Description: "Confirm the pending wallet transaction request.",
				Parameters:  schema(nil, nil),
			},
			Exec: func(ctx context.Context, env ExecutionEnvironment, args map[string]any) (any, error) {
				return "confirmed", env.(*SandboxEnv).SB.Wallet.ConfirmTransaction(ctx)
			},
		},
		{
			Definition: ToolDefinition{
				Name:        "wallet_switch_network",
				Description: "Switch the wallet's active network.",
				Parameters:  schema(map[string]any{"network": strProp("network name")}, []string{"network"}),
			},
			Exec: func(ctx context.Context, env ExecutionEnvironment, args map[string]any) (any, error) {
				return "switched", env.(*SandboxEnv).SB.Wallet.SwitchNetwork(ctx, str(args, "network"))
			},
		},
		{
			Definition: ToolDefinition{
				Name:        "wallet_reject",
				Description: "Reject the pending wallet request.",
				Parameters:  schema(nil, nil),
			},
			Exec: func(ctx context.Context, env ExecutionEnvironment, args map[string]any) (any, error) {
				return "rejected", env.(*SandboxEnv).SB.Wallet.Reject(ctx)
			},
		},
		{
			Definition: ToolDefinition{
				Name:        "wallet_assert_connected",
				Description: "Fail unless the wallet reports a connected address.",
				Parameters:  schema(nil, nil),
			},
			Exec: func(ctx context.Context, env ExecutionEnvironment, args map[string]any) (any, error) {
				addr, err := env.(*SandboxEnv).SB.Wallet.GetAddress(ctx)
				if err != nil {
					return nil, err
				}
				if addr == "" {
					return nil, fmt.Errorf("wallet not connected")
				}
				return addr, nil
			},
		},
		{
			Definition: ToolDefinition{
				Name:        "step_complete",
				Description: "Signal that the current step succeeded. Ends the conversation turn immediately.",
				Parameters:  schema(map[string]any{"summary": strProp("what the step accomplished")}, nil),
			},
			Exec: func(ctx context.Context, env ExecutionEnvironment, args map[string]any) (any, error) {
				return str(args, "summary"), nil
			},
		},
		{
			Definition: ToolDefinition{
				Name:        "step_failed",
				Description: "Signal that the current step could not be completed. Ends the conversation turn immediately.",
				Parameters:  schema(map[string]any{"reason": strProp("why the step failed")}, []string{"reason"}),
			},
			Exec: func(ctx context.Context, env ExecutionEnvironment, args map[string]any) (any, error) {
				return str(args, "reason"), fmt.Errorf("%s", str(args, "reason"))
			},
		},
		{
			Definition: ToolDefinition{
				Name:        "test_complete",
				Description: "Signal that the entire test has finished. Ends the conversation turn immediately.",
				Parameters:  schema(map[string]any{"passed": map[string]any{"type": "boolean"}}, []string{"passed"}),
			},
			Exec: func(ctx context.Context, env ExecutionEnvironment, args map[string]any) (any, error) {
				return fmt.Sprintf("passed=%v", args["passed"]), nil
			},
		},
	}
	for _, t := range tools {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func schema(props map[string]any, required []string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	out := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// parseSnapshotRefs extracts "ref -> selector" pairs from a textual
// accessibility tree. The concrete tree format is owned by the
// BrowserDriver; this best-effort extraction recognizes the `[ref=eN]`
// annotation convention used by the sandbox's snapshot renderer.
func parseSnapshotRefs(tree string) map[string]string {
	refs := map[string]string{}
	lines := splitLines(tree)
	for _, line := range lines {
		ref, sel, ok := extractRefSelector(line)
		if ok {
			refs[ref] = sel
		}
	}
	return refs
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// extractRefSelector looks for a trailing `[ref=eN]` annotation and returns
// the ref token plus a selector built from it (the sandbox driver resolves
// `[data-dapptest-ref=eN]` selectors back to the same element).
func extractRefSelector(line string) (ref, selector string, ok bool) {
	open := indexOfStr(line, "[ref=")
	if open < 0 {
		return "", "", false
	}
	close := indexOfByteFrom(line, ']', open)
	if close < 0 {
		return "", "", false
	}
	ref = line[open+len("[ref=") : close]
	if ref == "" {
		return "", "", false
	}
	return ref, fmt.Sprintf("[data-dapptest-ref=%q]", ref), true
}

func indexOfStr(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func indexOfByteFrom(s string, b byte, from int) int {
	for i := from; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
