package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/deathcap/dapptest/internal/agent"
	"github.com/deathcap/dapptest/internal/hybrid"
)

// actionsFromTrace translates a completed agent loop's tool trace into the
// spec-code lines the Hybrid Executor assembles into a patch. The
// translation happens here; hybrid only filters and assembles the
// resulting hybrid.Action values.
func actionsFromTrace(trace []agent.ToolExecResult) []hybrid.Action {
	out := make([]hybrid.Action, 0, len(trace))
	for _, t := range trace {
		if t.IsError {
			continue
		}
		out = append(out, hybrid.Action{ToolName: t.ToolName, Code: toolCallToCode(t)})
	}
	return out
}

// toolCallToCode renders one resolved tool call as a line of spec code.
// Only StateChangingTools ever survive into a patch, so unrecognized names
// fall back to a comment rather than silently vanishing.
func toolCallToCode(t agent.ToolExecResult) string {
	var args map[string]any
	_ = json.Unmarshal(t.Input, &args)

	switch t.ToolName {
	case "browser_click":
		return fmt.Sprintf("await page.click(%q)", str(args, "ref"))
	case "browser_type":
		return fmt.Sprintf("await page.type(%q, %q)", str(args, "ref"), str(args, "text"))
	case "browser_press_key":
		return fmt.Sprintf("await page.pressKey(%q)", str(args, "key"))
	case "browser_select":
		return fmt.Sprintf("await page.select(%q, %q)", str(args, "ref"), str(args, "value"))
	case "wallet_approve":
		return "await wallet.approve()"
	case "wallet_confirm_transaction":
		return "await wallet.confirmTransaction()"
	case "wallet_switch_network":
		return fmt.Sprintf("await wallet.switchNetwork(%q)", str(args, "network"))
	default:
		return fmt.Sprintf("// recovered action: %s", t.ToolName)
	}
}

func str(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
