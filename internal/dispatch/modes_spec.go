package dispatch

import (
	"context"
	"path/filepath"

	"github.com/deathcap/dapptest/internal/model"
	"github.com/deathcap/dapptest/internal/sandbox"
	"github.com/deathcap/dapptest/internal/specrunner"
)

// runSpecMode executes a Spec's generated program deterministically via the
// Spec Runner, no agent fallback (spec §4.3).
func (d *Dispatcher) runSpecMode(ctx context.Context, sb *sandbox.Sandbox, run *model.Run, sp *model.Spec) executeResult {
	prelude := d.connectionPrelude(ctx, sp)
	in := specrunner.Input{
		ProgramText:       sp.Code,
		ConnectionPrelude: prelude,
		ArtifactsDir:      filepath.Join(d.Cfg.Artifacts.BasePath, run.ID),
		Headless:          d.Cfg.Sandbox.Headless,
	}
	res := specrunner.Run(ctx, run.ID, "node", in)
	run.Logs = append(run.Logs, res.Logs)
	return executeResult{
		Passed:    res.Passed,
		Error:     res.Error,
		Artifacts: res.Artifacts,
	}
}

// connectionPrelude resolves the owning Project's connectionSpecId (if any)
// into the code prepended ahead of a flow spec (spec §4.3 composite
// program rule). A connection spec itself never gets a prelude.
func (d *Dispatcher) connectionPrelude(ctx context.Context, sp *model.Spec) string {
	project, err := d.Store.GetProject(ctx, sp.ProjectID)
	if err != nil || project.ConnectionSpecID == nil || *project.ConnectionSpecID == sp.ID {
		return ""
	}
	connSpec, err := d.Store.GetSpec(ctx, *project.ConnectionSpecID)
	if err != nil {
		// The referenced connection spec is gone; null the stale pointer
		// rather than silently failing every future flow run that looks
		// it up (spec §3, §4.3: "the stale reference is cleared").
		if clearErr := d.Store.SetConnectionSpecID(ctx, project.ID, nil); clearErr != nil {
			d.Log.Error(clearErr, "failed to clear stale connectionSpecId", "projectID", project.ID)
		}
		return ""
	}
	return connSpec.Code
}
