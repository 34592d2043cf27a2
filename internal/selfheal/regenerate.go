package selfheal

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deathcap/dapptest/internal/model"
)

const (
	logsTailChars        = 3000
	maxScreenshotsGather = 5
)

// Result is the outcome of one regeneration attempt.
type Result struct {
	// NewSpec is non-nil only when the Generator produced valid code; the
	// caller is responsible for persisting it and enqueueing the retry run
	// flagged isAutoRetry.
	NewSpec *model.Spec
	Class   FailureClass
	Skipped bool   // true when the parent spec was not eligible (P5) or the run was not FAILED
	Reason  string // set when Skipped, or when the Generator rejected the attempt
}

// BuildFailureContext assembles the inputs spec §4.6 requires from a
// terminal failed run: previousCode, error, a bounded log tail, and up to 5
// of the run's most recent screenshot artifacts (already base64-encoded by
// the caller, since encoding is a blob-store concern).
func BuildFailureContext(previousCode, errText string, logs []string, screenshotsB64 []string, freshScreenshots []string) GeneratorInput {
	tail := strings.Join(logs, "\n")
	if len(tail) > logsTailChars {
		tail = tail[len(tail)-logsTailChars:]
	}
	shots := screenshotsB64
	if len(shots) > maxScreenshotsGather {
		shots = shots[len(shots)-maxScreenshotsGather:]
	}
	return GeneratorInput{
		PreviousCode:     previousCode,
		Error:            errText,
		Logs:             tail,
		ScreenshotsB64:   shots,
		FreshScreenshots: freshScreenshots,
	}
}

// Regenerate runs the full self-heal cycle for a terminal FAILED run whose
// spec is eligible (P5): classify the combined error+logs, ask gen to
// regenerate, and on valid output build the child Spec. Mutual exclusivity
// with the hybrid agent fallback (spec §4.6: "self-heal is mutually
// exclusive with the hybrid agent fallback") is enforced by the caller
// never invoking Regenerate after a hybrid takeover, not by this function.
func Regenerate(ctx context.Context, gen Generator, run *model.Run, parent *model.Spec, in GeneratorInput) (Result, error) {
	if run.Status != model.RunFailed {
		return Result{Skipped: true, Reason: "run is not terminal FAILED"}, nil
	}
	if !parent.EligibleForSelfHeal() {
		return Result{Skipped: true, Reason: "parent spec has exhausted maxAttempts (P5)"}, nil
	}

	class := Classify(in.Error, in.Logs)

	out, err := gen.Regenerate(ctx, Analysis{Class: class}, in)
	if err != nil {
		return Result{Class: class}, err
	}
	if !out.Valid {
		return Result{Class: class, Skipped: true, Reason: out.Reason}, nil
	}

	now := time.Now()
	child := &model.Spec{
		ID:          uuid.New(),
		RecordingID: parent.RecordingID,
		ProjectID:   parent.ProjectID,
		Code:        out.Code,
		Status:      model.SpecNeedsReview,
		Version:     parent.Version + 1,
		Attempt:     parent.Attempt + 1,
		MaxAttempts: parent.MaxAttempts,
		ParentSpecID: func() *uuid.UUID {
			id := parent.ID
			return &id
		}(),
		FailureContext: &model.FailureContext{
			PreviousCode:     in.PreviousCode,
			Error:            in.Error,
			Logs:             in.Logs,
			ScreenshotRefs:   in.ScreenshotsB64,
			FreshScreenshots: in.FreshScreenshots,
			FailureClass:     string(class),
			ClassifiedAt:     now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	return Result{NewSpec: child, Class: class}, nil
}
