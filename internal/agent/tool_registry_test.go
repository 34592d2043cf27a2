package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolRegistryExecuteCallValidatesSchema(t *testing.T) {
	r := NewToolRegistry()
	err := r.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:       "browser_click",
			Parameters: schema(map[string]any{"ref": strProp("ref")}, []string{"ref"}),
		},
		Exec: func(ctx context.Context, env ExecutionEnvironment, args map[string]any) (any, error) {
			return "clicked " + args["ref"].(string), nil
		},
	})
	require.NoError(t, err)

	res := r.ExecuteCall(context.Background(), nil, ToolCall{ID: "1", Name: "browser_click", Input: json.RawMessage(`{}`)})
	assert.True(t, res.IsError, "missing required field must fail schema validation")

	res = r.ExecuteCall(context.Background(), nil, ToolCall{ID: "2", Name: "browser_click", Input: json.RawMessage(`{"ref":"e5"}`)})
	assert.False(t, res.IsError)
	assert.Equal(t, "clicked e5", res.Output)
}

func TestToolRegistryExecuteCallUnknownTool(t *testing.T) {
	r := NewToolRegistry()
	res := r.ExecuteCall(context.Background(), nil, ToolCall{ID: "1", Name: "nope"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "unknown tool")
}

func TestTruncateCharsHeadTailKeepsBothEnds(t *testing.T) {
	s := strings.Repeat("a", 100) + strings.Repeat("b", 100)
	out := truncateChars(s, 40, TruncHeadTail)
	assert.True(t, strings.HasPrefix(out, strings.Repeat("a", 20)))
	assert.True(t, strings.HasSuffix(out, strings.Repeat("b", 20)))
	assert.Contains(t, out, "truncated")
}

func TestTruncateCharsTailKeepsOnlyEnd(t *testing.T) {
	s := strings.Repeat("a", 100)
	out := truncateChars(s, 10, TruncTail)
	assert.True(t, strings.HasSuffix(out, strings.Repeat("a", 10)))
}

func TestDefaultToolLimitVariesByTool(t *testing.T) {
	assert.Equal(t, 30_000, DefaultToolLimit("snapshot").MaxChars)
	assert.Equal(t, 5_000, DefaultToolLimit("browser_click").MaxChars)
}
