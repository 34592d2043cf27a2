// Package generator turns a Recording into a Spec's code, and turns a
// failure analysis into regenerated code, both by asking a Planner to
// write the program directly rather than driving the browser tool by tool
// (spec §1: "out of scope... how a Spec's code is generated from a
// Recording"; this package is one concrete, swappable answer to that
// question, grounded the same way kilroy's internal/attractor/ingest
// package turns a free-form requirements string into a generated graph via
// a single planner call.)
package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/deathcap/dapptest/internal/agent"
	"github.com/deathcap/dapptest/internal/model"
	"github.com/deathcap/dapptest/internal/selfheal"
)

// Analysis is the structured read Anthropic builds over one Recording
// before writing code, kept separate from the generated code itself so a
// caller can show it to a human reviewer (spec's NeedsReview spec status).
type Analysis struct {
	Summary string
	Steps   []string
}

// Generator is the full Recording -> Spec collaborator: analyze a
// recording, generate its initial code, and (the selfheal.Generator
// contract) regenerate code from a failure analysis. One concrete
// implementation satisfies both call sites so a single model relationship
// backs initial generation and every self-heal attempt.
type Generator interface {
	Analyze(ctx context.Context, rec *model.Recording) (Analysis, error)
	Generate(ctx context.Context, rec *model.Recording, an Analysis) (string, error)
	selfheal.Generator
}

// AnthropicGenerator drives the Agent Loop's Planner to produce spec code
// directly as text completions, with no tool use: a single-shot
// analyze-then-write pipeline rather than the step-by-step browser driving
// the Agent Loop does elsewhere in this platform.
type AnthropicGenerator struct {
	Planner agent.Planner
	Model   string
}

// NewAnthropicGenerator builds a Generator backed by planner.
func NewAnthropicGenerator(planner agent.Planner, model string) *AnthropicGenerator {
	return &AnthropicGenerator{Planner: planner, Model: model}
}

const analyzeSystemPrompt = `You analyze a recorded browser interaction with a dApp and summarize the
user's intent as a short list of discrete steps (connect wallet, fill
forms, submit transaction, confirm in wallet, assert a result). Respond
with a one-paragraph summary followed by a numbered step list, nothing
else.`

// Analyze summarizes rec's recorded actions into a human-reviewable intent
// description.
func (g *AnthropicGenerator) Analyze(ctx context.Context, rec *model.Recording) (Analysis, error) {
	req := agent.CompleteRequest{
		Model:        g.Model,
		MaxTokens:    1024,
		SystemPrompt: analyzeSystemPrompt,
		Messages:     []agent.Message{{Role: agent.RoleUser, Text: recordingTranscript(rec)}},
	}
	resp, err := g.Planner.Complete(ctx, req)
	if err != nil {
		return Analysis{}, fmt.Errorf("generator: analyze: %w", err)
	}
	summary, steps := splitSummaryAndSteps(resp.Text)
	return Analysis{Summary: summary, Steps: steps}, nil
}

const generateSystemPrompt = `You write browser dApp test programs. Given a recorded interaction and its
summary, emit a single JavaScript test program using an injected "page" and
"wallet" object (page.click(ref), page.type(ref, text), page.pressKey(key),
page.select(ref, value), wallet.approve(), wallet.confirmTransaction(),
wallet.switchNetwork(network), and plain assert(condition, message) calls).
Respond with the code only, no explanation, no markdown fences.`

// Generate writes rec's initial spec code from its recorded actions and an
// analysis already produced by Analyze.
func (g *AnthropicGenerator) Generate(ctx context.Context, rec *model.Recording, an Analysis) (string, error) {
	prompt := fmt.Sprintf("Summary: %s\nSteps:\n%s\n\nRecording:\n%s",
		an.Summary, strings.Join(an.Steps, "\n"), recordingTranscript(rec))
	req := agent.CompleteRequest{
		Model:        g.Model,
		MaxTokens:    4096,
		SystemPrompt: generateSystemPrompt,
		Messages:     []agent.Message{{Role: agent.RoleUser, Text: prompt}},
	}
	resp, err := g.Planner.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("generator: generate: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

const regenerateSystemPrompt = `You repair a failing browser dApp test program. You will be given the
previous code, the error it produced, a tail of its logs, and recent
screenshots. Emit a corrected version of the whole program using the same
page/wallet/assert API. Respond with the code only, no explanation, no
markdown fences. If the failure looks unrelated to the test program itself
(the dApp under test is actually broken), respond with exactly the text
UNFIXABLE instead of code.`

// Regenerate implements selfheal.Generator: it asks the model to rewrite
// the previous code in light of the failure, returning Valid=false when the
// model reports the failure as unfixable from the test program side.
func (g *AnthropicGenerator) Regenerate(ctx context.Context, analysis selfheal.Analysis, input selfheal.GeneratorInput) (selfheal.GeneratorOutput, error) {
	prompt := fmt.Sprintf("Failure class: %s\nError: %s\nPrevious code:\n%s\nLog tail:\n%s\nScreenshots attached: %d",
		analysis.Class, input.Error, input.PreviousCode, input.Logs, len(input.ScreenshotsB64))
	req := agent.CompleteRequest{
		Model:        g.Model,
		MaxTokens:    4096,
		SystemPrompt: regenerateSystemPrompt,
		Messages:     []agent.Message{{Role: agent.RoleUser, Text: prompt}},
	}
	resp, err := g.Planner.Complete(ctx, req)
	if err != nil {
		return selfheal.GeneratorOutput{}, fmt.Errorf("generator: regenerate: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "UNFIXABLE" {
		return selfheal.GeneratorOutput{Valid: false, Reason: "model judged the failure unrelated to the test program"}, nil
	}
	return selfheal.GeneratorOutput{Code: text, Valid: true}, nil
}

func recordingTranscript(rec *model.Recording) string {
	var b strings.Builder
	for i, a := range rec.Actions {
		fmt.Fprintf(&b, "%d. %s target=%q value=%q url=%q\n", i+1, a.Kind, a.Target, a.Value, a.URL)
	}
	return b.String()
}

func splitSummaryAndSteps(text string) (string, []string) {
	parts := strings.SplitN(strings.TrimSpace(text), "\n\n", 2)
	summary := parts[0]
	var steps []string
	if len(parts) == 2 {
		for _, line := range strings.Split(parts[1], "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				steps = append(steps, line)
			}
		}
	}
	return summary, steps
}
