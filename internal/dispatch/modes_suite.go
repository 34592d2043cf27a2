package dispatch

import (
	"context"
	"fmt"

	"github.com/deathcap/dapptest/internal/model"
	"github.com/deathcap/dapptest/internal/queue"
	"github.com/deathcap/dapptest/internal/statuspipe"
)

// SuitePayload enqueues an ordered list of (runID, specID) pairs that share
// one sandbox bootstrap (spec §4.1 execute-suite, SPEC_FULL scenario 6).
type SuitePayload struct {
	SuiteRunID string
	Runs       []JobPayload
}

// handleSuite bootstraps exactly one sandbox and runs every member Run
// serially against it via runAndFinalize, then reconciles the SuiteRun
// aggregate. Member runs do not get their own Bootstrap/Teardown: the point
// of execute-suite is amortizing that cost across every spec in the suite.
func (d *Dispatcher) handleSuite(ctx context.Context, job *queue.Job, progress queue.Progress) error {
	var payload SuitePayload
	if err := unmarshalPayload(job.Payload, &payload); err != nil {
		return err
	}

	suite, err := d.Store.GetSuiteRun(ctx, payload.SuiteRunID)
	if err != nil {
		return fmt.Errorf("dispatch: load suite run: %w", err)
	}
	if len(payload.Runs) == 0 {
		suite.Reconcile(nil)
		return d.Store.FinalizeSuiteRun(ctx, suite)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	seedRun, err := d.Store.GetRun(ctx, payload.Runs[0].RunID)
	if err != nil {
		return fmt.Errorf("dispatch: load first suite member run: %w", err)
	}
	sb, bootErr := d.Sup.Bootstrap(runCtx, walletSeedFor(seedRun), string(seedRun.StreamingMode))
	if bootErr != nil {
		return fmt.Errorf("dispatch: suite bootstrap: %w", bootErr)
	}
	defer func() { _ = d.Sup.Teardown(context.Background(), sb) }()

	var runs []*model.Run
	total := len(payload.Runs)
	for i, rp := range payload.Runs {
		if runCtx.Err() != nil {
			break
		}

		sp, err := d.Store.GetSpec(ctx, rp.SpecID)
		if err != nil {
			d.Log.Error(err, "suite member spec load failed", "runID", rp.RunID)
			continue
		}
		if !sp.Runnable() {
			d.Log.Error(fmt.Errorf("spec %s is DRAFT, not runnable", sp.ID), "suite member not runnable", "runID", rp.RunID)
			continue
		}
		if err := d.Store.TransitionRunning(ctx, rp.RunID); err != nil {
			d.Log.Error(err, "suite member transition running failed", "runID", rp.RunID)
			continue
		}
		run, err := d.Store.GetRun(ctx, rp.RunID)
		if err != nil {
			d.Log.Error(err, "suite member run load failed", "runID", rp.RunID)
			continue
		}

		memberIdx := i
		reportMember := func(v int) {
			overall := (memberIdx*100 + v) / maxInt(total, 1)
			select {
			case progress <- overall:
			default:
			}
			if bc := d.Broadcasters.Get(payload.SuiteRunID); bc != nil {
				bc.Send(statuspipe.Event{"progress": overall, "memberRunID": rp.RunID})
			}
		}

		if err := d.runAndFinalize(runCtx, ctx, sb, run, sp, reportMember); err != nil {
			d.Log.Error(err, "suite member run failed", "runID", rp.RunID)
		}

		if r, err := d.Store.GetRun(ctx, rp.RunID); err == nil {
			runs = append(runs, r)
		}
	}

	suite.Reconcile(runs)
	return d.Store.FinalizeSuiteRun(ctx, suite)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
