package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolDefinition is the schema advertised to the Planner for one tool
// (spec §6 Planner protocol `tools[]`).
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema
}

// TruncationStrategy selects how an over-long tool result is shortened
// before being sent back to the Planner. Adapted from kilroy's
// internal/agent/tool_registry.go TruncationStrategy.
type TruncationStrategy string

const (
	TruncHeadTail TruncationStrategy = "head_tail"
	TruncTail     TruncationStrategy = "tail"
)

// ToolOutputLimit bounds one tool's result size.
type ToolOutputLimit struct {
	MaxChars int
	MaxLines int
	Strategy TruncationStrategy
}

// ToolExecResult is what ExecuteCall returns: the (possibly truncated)
// output sent to the Planner, plus the untruncated original.
type ToolExecResult struct {
	ToolName   string
	CallID     string
	Input      json.RawMessage
	Output     string
	FullOutput string
	IsError    bool
}

// ExecutionEnvironment is the live handle a tool's Exec function acts
// against: the current Sandbox plus the most recent snapshot's ref table
// (browser actions address elements via opaque refs from the latest
// snapshot — spec §4.5).
type ExecutionEnvironment interface {
	ResolveRef(ref string) (selector string, ok bool)
	RecordSnapshot(refs map[string]string)
}

// resolvedInputSource lets an ExecutionEnvironment report the
// fully-resolved arguments a tool call actually executed against (opaque
// snapshot refs replaced by the live selector resolveRefArg computed), so
// patch-code generation never bakes a ref tied to this run's snapshot
// table into persisted spec code (spec §4.4).
type resolvedInputSource interface {
	resetResolvedInput()
	takeResolvedInput() (json.RawMessage, bool)
}

// RegisteredTool binds a ToolDefinition to its executor and output limit.
type RegisteredTool struct {
	Definition ToolDefinition
	Schema     *jsonschema.Schema
	Exec       func(ctx context.Context, env ExecutionEnvironment, args map[string]any) (any, error)
	Limit      ToolOutputLimit
}

// ToolRegistry is the flat, closed dispatch table of spec §9
// ("Inheritance substitute: the tool set is expressed as a closed tagged
// variant; dispatch is a flat table keyed by tool name").
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]RegisteredTool
}

// NewToolRegistry builds an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: map[string]RegisteredTool{}}
}

// Register validates and adds t. Name collisions overwrite (last write
// wins), matching kilroy's registry semantics.
func (r *ToolRegistry) Register(t RegisteredTool) error {
	if strings.TrimSpace(t.Definition.Name) == "" {
		return fmt.Errorf("tool registration missing name")
	}
	if t.Exec == nil {
		return fmt.Errorf("tool %s missing executor", t.Definition.Name)
	}
	if t.Limit.MaxChars == 0 {
		t.Limit = DefaultToolLimit(t.Definition.Name)
	}
	if t.Schema == nil {
		s, err := compileSchema(t.Definition.Parameters)
		if err != nil {
			return fmt.Errorf("tool %s schema: %w", t.Definition.Name, err)
		}
		t.Schema = s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition.Name] = t
	return nil
}

// Definitions returns every registered tool's definition, for inclusion in
// the Planner request's tools[] field.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition)
	}
	return out
}

// ExecuteCall dispatches one ToolCall by name, validating its arguments
// against the tool's JSON schema and truncating the result before it is
// handed back to the Planner.
func (r *ToolRegistry) ExecuteCall(ctx context.Context, env ExecutionEnvironment, call ToolCall) ToolExecResult {
	name := call.Name
	callID := call.ID
	if strings.TrimSpace(callID) == "" {
		callID = "call_" + shortHash(call.Input)
	}

	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		msg := fmt.Sprintf("unknown tool: %s", name)
		return truncateResult(name, callID, call.Input, msg, true, DefaultToolLimit(name))
	}

	var args map[string]any
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			msg := fmt.Sprintf("invalid tool arguments JSON: %v", err)
			return truncateResult(name, callID, call.Input, msg, true, t.Limit)
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	if err := t.Schema.Validate(args); err != nil {
		msg := fmt.Sprintf("tool args schema validation failed: %v", err)
		return truncateResult(name, callID, call.Input, msg, true, t.Limit)
	}

	if rs, ok := env.(resolvedInputSource); ok {
		rs.resetResolvedInput()
	}

	v, err := t.Exec(ctx, env, args)
	if err != nil {
		full := ""
		if v != nil {
			full = toolValueToString(v)
		}
		if strings.TrimSpace(full) == "" {
			full = fmt.Sprintf("%v", err)
		}
		return truncateResult(name, callID, call.Input, full, true, t.Limit)
	}

	input := call.Input
	if rs, ok := env.(resolvedInputSource); ok {
		if raw, ok2 := rs.takeResolvedInput(); ok2 {
			input = raw
		}
	}

	full := toolValueToString(v)
	return truncateResult(name, callID, input, full, false, t.Limit)
}

func truncateResult(toolName, callID string, input json.RawMessage, full string, isErr bool, lim ToolOutputLimit) ToolExecResult {
	out := truncateChars(full, lim.MaxChars, lim.Strategy)
	if lim.MaxLines > 0 {
		out = truncateLines(out, lim.MaxLines)
	}
	return ToolExecResult{ToolName: toolName, CallID: callID, Input: input, Output: out, FullOutput: full, IsError: isErr}
}

func truncateChars(s string, max int, strat TruncationStrategy) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	removed := len(s) - max
	switch strat {
	case TruncTail:
		marker := fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed. The full output is available in the event stream.]\n\n", removed)
		return marker + s[len(s)-max:]
	default:
		headCount := max / 2
		tailCount := max - headCount
		marker := fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. The full output is available in the event stream.]\n\n", removed)
		return s[:headCount] + marker + s[len(s)-tailCount:]
	}
}

func truncateLines(s string, max int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= max {
		return s
	}
	headCount := max / 2
	tailCount := max - headCount
	omitted := len(lines) - headCount - tailCount
	marker := fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted)
	head := strings.Join(lines[:headCount], "\n")
	tail := strings.Join(lines[len(lines)-tailCount:], "\n")
	return head + marker + tail
}

// DefaultToolLimit returns the per-tool-name default output limit for this
// platform's browser/wallet/control tool set, in the same spirit as
// kilroy's defaultToolLimit table for its codergen tools.
func DefaultToolLimit(toolName string) ToolOutputLimit {
	switch toolName {
	case "snapshot", "browser_snapshot":
		return ToolOutputLimit{MaxChars: 30_000, Strategy: TruncHeadTail}
	case "screenshot", "browser_screenshot":
		return ToolOutputLimit{MaxChars: 1_000, Strategy: TruncTail}
	case "evaluate", "browser_evaluate":
		return ToolOutputLimit{MaxChars: 10_000, Strategy: TruncHeadTail}
	default:
		return ToolOutputLimit{MaxChars: 5_000, Strategy: TruncTail}
	}
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

func toolValueToString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

func shortHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
