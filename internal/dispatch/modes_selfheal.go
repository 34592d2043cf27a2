package dispatch

import (
	"context"
	"fmt"

	"github.com/deathcap/dapptest/internal/metrics"
	"github.com/deathcap/dapptest/internal/queue"
	"github.com/deathcap/dapptest/internal/selfheal"
)

// handleSelfHeal loads the failed Run and its Spec, classifies the
// failure, and asks the Generator to regenerate a child Spec (spec §4.6).
// A skipped regeneration (already-exhausted attempts, invalid output) is
// not an error: it simply leaves the lineage terminally failed.
func (d *Dispatcher) handleSelfHeal(ctx context.Context, job *queue.Job) error {
	var payload SelfHealPayload
	if err := unmarshalPayload(job.Payload, &payload); err != nil {
		return err
	}

	run, err := d.Store.GetRun(ctx, payload.FailedRunID)
	if err != nil {
		return fmt.Errorf("dispatch: load failed run: %w", err)
	}
	parent, err := d.Store.GetSpec(ctx, run.SpecID)
	if err != nil {
		return fmt.Errorf("dispatch: load parent spec: %w", err)
	}

	screenshots, err := d.recentScreenshots(ctx, payload.FailedRunID, 5)
	if err != nil {
		d.Log.Error(err, "failed to gather screenshots for self-heal", "runID", payload.FailedRunID)
	}

	in := selfheal.BuildFailureContext(parent.Code, run.Error, run.Logs, screenshots, screenshots)
	result, err := selfheal.Regenerate(ctx, d.Generator, run, parent, in)
	if err != nil {
		return fmt.Errorf("dispatch: regenerate: %w", err)
	}
	if result.Skipped {
		metrics.SelfHealAttempts.WithLabelValues("skipped").Inc()
		d.Log.Info("self-heal skipped", "runID", payload.FailedRunID, "reason", result.Reason)
		return nil
	}

	if err := d.Store.CreateSpec(ctx, result.NewSpec); err != nil {
		metrics.SelfHealAttempts.WithLabelValues("error").Inc()
		return fmt.Errorf("dispatch: persist regenerated spec: %w", err)
	}
	metrics.SelfHealAttempts.WithLabelValues("regenerated").Inc()
	return nil
}
