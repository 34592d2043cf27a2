package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deathcap/dapptest/internal/sandbox"
)

type fakePage struct {
	snapshotText string
	clicked      []string
}

func (p *fakePage) Goto(ctx context.Context, url string) error                       { return nil }
func (p *fakePage) URL() string                                                      { return "" }
func (p *fakePage) Click(ctx context.Context, selector string) error                 { p.clicked = append(p.clicked, selector); return nil }
func (p *fakePage) Type(ctx context.Context, selector, text string) error             { return nil }
func (p *fakePage) Select(ctx context.Context, selector, value string) error         { return nil }
func (p *fakePage) PressKey(ctx context.Context, key string) error                    { return nil }
func (p *fakePage) Evaluate(ctx context.Context, expr string) (any, error)            { return nil, nil }
func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error)                    { return nil, nil }
func (p *fakePage) GoBack(ctx context.Context) error                                  { return nil }
func (p *fakePage) Snapshot(ctx context.Context) (string, error)                      { return p.snapshotText, nil }

func TestBrowserClickResolvesRefFromLastSnapshot(t *testing.T) {
	registry := NewToolRegistry()
	require.NoError(t, RegisterBrowserWalletTools(registry))

	page := &fakePage{snapshotText: "button \"Swap\" [ref=e5]\nlink \"Docs\" [ref=e6]"}
	sb := &sandbox.Sandbox{Page: page}
	env := NewSandboxEnv(sb)

	snapRes := registry.ExecuteCall(context.Background(), env, ToolCall{ID: "1", Name: "browser_snapshot"})
	assert.False(t, snapRes.IsError)

	clickRes := registry.ExecuteCall(context.Background(), env, ToolCall{ID: "2", Name: "browser_click", Input: []byte(`{"ref":"e5"}`)})
	assert.False(t, clickRes.IsError)
	require.Len(t, page.clicked, 1)
	assert.Contains(t, page.clicked[0], "e5")
}

func TestBrowserClickFailsOnStaleRefWithoutSnapshot(t *testing.T) {
	registry := NewToolRegistry()
	require.NoError(t, RegisterBrowserWalletTools(registry))

	sb := &sandbox.Sandbox{Page: &fakePage{}}
	env := NewSandboxEnv(sb)

	res := registry.ExecuteCall(context.Background(), env, ToolCall{ID: "1", Name: "browser_click", Input: []byte(`{"ref":"e5"}`)})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "stale or unknown ref")
}
