// Package agent implements the Agent Loop (C7): driven by a remote
// Planner, it exposes a browser/wallet/control tool set, enforces
// per-step and per-run call and cost budgets, and tallies token usage into
// a CostTracker. Grounded on legator's internal/runner.conversationLoop for
// the overall budgeted iterate-until-no-tool-calls shape, and kilroy's
// internal/agent/tool_registry.go for tool dispatch/validation/truncation.
package agent

import (
	"context"
	"encoding/json"
)

// Role distinguishes conversation turns.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in the conversation sent to the Planner.
type Message struct {
	Role       Role
	Text       string
	ToolCalls  []ToolCall   // present on assistant turns that requested tools
	ToolResults []ToolResult // present on user turns that are feeding results back
}

// ToolCall is a structured tool invocation returned by the Planner (spec §6
// Planner protocol: `{id, name, input}`).
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult reports a tool call outcome back to the Planner (spec §6:
// `{tool_use_id, content, is_error}`).
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// StopReason mirrors the Planner protocol's stop_reason values (spec §6).
type StopReason string

const (
	StopEndTurn StopReason = "end_turn"
	StopToolUse StopReason = "tool_use"
	StopOther   StopReason = "other"
)

// Usage is the per-response token accounting the Planner protocol reports
// (spec §6).
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
}

// CompleteRequest is the Planner protocol request shape (spec §6).
type CompleteRequest struct {
	Model        string
	MaxTokens    int
	SystemPrompt string // cacheable
	Tools        []ToolDefinition
	Messages     []Message
}

// CompleteResponse is the Planner protocol response shape (spec §6).
type CompleteResponse struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      Usage
}

// Planner is the remote model collaborator (out of scope to specify
// itself, per spec §1); this platform only depends on this interface.
type Planner interface {
	Complete(ctx context.Context, req CompleteRequest) (*CompleteResponse, error)
}

// RateLimitedError is returned by a Planner implementation when the
// provider signals rate-limiting or overload; the Agent Loop sleeps 5s and
// retries without consuming a budget slot on this error (spec §4.5).
type RateLimitedError struct {
	RetryAfterHintMs int64
}

func (e *RateLimitedError) Error() string { return "agent: planner rate limited" }
