// Package dispatch wires the Durable Queue, Store, Blob Store, Sandbox
// Supervisor, Spec Runner, Hybrid Executor, Agent Loop, and Self-Heal
// Regenerator together behind one queue.Handler per job kind. Grounded on
// kilroy's internal/server/server.go + registry.go worker/registry split
// and cmd/kilroy's subcommand dispatch.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/deathcap/dapptest/internal/agent"
	"github.com/deathcap/dapptest/internal/blobstore"
	"github.com/deathcap/dapptest/internal/config"
	"github.com/deathcap/dapptest/internal/metrics"
	"github.com/deathcap/dapptest/internal/model"
	"github.com/deathcap/dapptest/internal/queue"
	"github.com/deathcap/dapptest/internal/sandbox"
	"github.com/deathcap/dapptest/internal/selfheal"
	"github.com/deathcap/dapptest/internal/statuspipe"
	"github.com/deathcap/dapptest/internal/store"
	"github.com/deathcap/dapptest/internal/telemetry"
)

// JobPayload is the Enqueue payload shape for every execute* job kind; kind
// itself distinguishes SPEC/HYBRID/AGENT/SUITE dispatch.
type JobPayload struct {
	RunID  string
	SpecID uuid.UUID
}

// SelfHealPayload is the payload for a self-heal job (spec §4.6).
type SelfHealPayload struct {
	FailedRunID string
}

// RecordStore is the subset of *store.Store the Dispatcher depends on,
// narrowed to an interface so tests can substitute an in-memory fake
// instead of a live Postgres connection.
type RecordStore interface {
	GetSpec(ctx context.Context, id uuid.UUID) (*model.Spec, error)
	GetRecording(ctx context.Context, id uuid.UUID) (*model.Recording, error)
	GetProject(ctx context.Context, id uuid.UUID) (*model.Project, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	GetRunStatus(ctx context.Context, runID string) (model.RunStatus, error)
	GetSuiteRun(ctx context.Context, id string) (*model.SuiteRun, error)
	TransitionRunning(ctx context.Context, runID string) error
	TransitionTerminal(ctx context.Context, runID string, status model.RunStatus, runErr string, logs []string, durationMs int64) error
	SetProgress(ctx context.Context, runID string, progress int) error
	SetAgentData(ctx context.Context, runID string, data *model.AgentData) error
	SetConnectionSpecID(ctx context.Context, projectID uuid.UUID, specID *uuid.UUID) error
	ApplyPatch(ctx context.Context, specID uuid.UUID, newCode string) (int, error)
	CreateSpec(ctx context.Context, sp *model.Spec) error
	CreateArtifact(ctx context.Context, a *model.Artifact) error
	ListArtifacts(ctx context.Context, runID string) ([]model.Artifact, error)
	FinalizeSuiteRun(ctx context.Context, sr *model.SuiteRun) error
}

// JobQueue is the subset of *queue.Queue the Dispatcher depends on.
type JobQueue interface {
	Enqueue(ctx context.Context, kind queue.Kind, payload any, opts queue.EnqueueOptions) (string, error)
}

// Dispatcher owns every component the worker needs to run one job end to
// end.
type Dispatcher struct {
	Log       logr.Logger
	Cfg       *config.Config
	Store     RecordStore
	Queue     JobQueue
	Blobs     blobstore.Store
	Sup       *sandbox.Supervisor
	Planner   agent.Planner
	Tools     *agent.ToolRegistry
	Generator selfheal.Generator

	Broadcasters *BroadcasterRegistry
}

// New builds a Dispatcher with a populated browser/wallet tool registry.
func New(log logr.Logger, cfg *config.Config, st *store.Store, q *queue.Queue, blobs blobstore.Store, sup *sandbox.Supervisor, planner agent.Planner, gen selfheal.Generator) (*Dispatcher, error) {
	registry := agent.NewToolRegistry()
	if err := agent.RegisterBrowserWalletTools(registry); err != nil {
		return nil, fmt.Errorf("dispatch: register tools: %w", err)
	}
	return &Dispatcher{
		Log: log, Cfg: cfg, Store: st, Queue: q, Blobs: blobs, Sup: sup,
		Planner: planner, Tools: registry, Generator: gen,
		Broadcasters: NewBroadcasterRegistry(),
	}, nil
}

// Handler returns the queue.Handler Dispatcher dispatches execute* and
// self-heal jobs through.
func (d *Dispatcher) Handler() queue.Handler {
	return func(ctx context.Context, job *queue.Job, progress queue.Progress) error {
		switch job.Kind {
		case queue.KindSelfHeal:
			return d.handleSelfHeal(ctx, job)
		case queue.KindExecuteSuite:
			return d.handleSuite(ctx, job, progress)
		default:
			return d.handleExecute(ctx, job, progress)
		}
	}
}

// statusReaderAdapter narrows RecordStore to statuspipe.StatusReader
// (status is a model.RunStatus there, a plain string here).
type statusReaderAdapter struct{ s RecordStore }

func (a statusReaderAdapter) GetRunStatus(ctx context.Context, runID string) (string, error) {
	st, err := a.s.GetRunStatus(ctx, runID)
	if err != nil {
		return "", err
	}
	return string(st), nil
}

// handleExecute runs one SPEC/HYBRID/AGENT Run: claim, bootstrap, dispatch
// by executionMode, persist the terminal result.
func (d *Dispatcher) handleExecute(ctx context.Context, job *queue.Job, progress queue.Progress) error {
	var payload JobPayload
	if err := unmarshalPayload(job.Payload, &payload); err != nil {
		return err
	}

	sp, err := d.Store.GetSpec(ctx, payload.SpecID)
	if err != nil {
		return fmt.Errorf("dispatch: load spec: %w", err)
	}
	if !sp.Runnable() {
		return fmt.Errorf("dispatch: spec %s is DRAFT, not runnable", sp.ID)
	}

	if err := d.Store.TransitionRunning(ctx, payload.RunID); err != nil {
		return fmt.Errorf("dispatch: transition running: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	poller := statuspipe.NewPoller(statusReaderAdapter{d.Store}, payload.RunID, cancel)
	go poller.Run(runCtx)

	reporter := &statuspipe.ProgressReporter{}
	reportProgress := func(v int) {
		if got, ok := reporter.Report(v); ok {
			_ = d.Store.SetProgress(ctx, payload.RunID, got)
			select {
			case progress <- got:
			default:
			}
			if bc := d.Broadcasters.Get(payload.RunID); bc != nil {
				bc.Send(statuspipe.Event{"progress": got})
			}
		}
	}
	reportProgress(10)

	run, err := d.Store.GetRun(ctx, payload.RunID)
	if err != nil {
		return fmt.Errorf("dispatch: load run: %w", err)
	}

	sb, bootErr := d.Sup.Bootstrap(runCtx, walletSeedFor(run), string(run.StreamingMode))
	if bootErr != nil {
		return d.finishFailed(ctx, run, "bootstrap error: "+bootErr.Error(), nil, 0)
	}
	defer func() { _ = d.Sup.Teardown(context.Background(), sb) }()
	reportProgress(20)

	return d.runAndFinalize(runCtx, ctx, sb, run, sp, reportProgress)
}

// runAndFinalize executes one Run's program against an already-bootstrapped
// sandbox and persists its terminal result. It is shared by handleExecute
// (one sandbox per Run) and handleSuite (one sandbox shared across every
// member Run, spec §4.1 execute-suite).
//
// runCtx is cancelled cooperatively by the status poller (P6); finalizeCtx
// is the job's outer, uncancelled context, used so a cancelled run still
// gets its terminal status and logs written.
func (d *Dispatcher) runAndFinalize(runCtx, finalizeCtx context.Context, sb *sandbox.Sandbox, run *model.Run, sp *model.Spec, reportProgress func(int)) error {
	spanCtx, span := telemetry.StartRunSpan(runCtx, run.ID, string(run.ExecutionMode))
	runCtx = spanCtx
	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	start := time.Now()
	var result executeResult
	switch run.ExecutionMode {
	case model.ModeSpec:
		result = d.runSpecMode(runCtx, sb, run, sp)
	case model.ModeHybrid:
		result = d.runHybridMode(runCtx, sb, run, sp)
	case model.ModeAgent:
		result = d.runAgentMode(runCtx, sb, run, sp)
	default:
		telemetry.EndSpan(span, fmt.Errorf("unsupported execution mode %s", run.ExecutionMode))
		return fmt.Errorf("dispatch: unsupported execution mode %s", run.ExecutionMode)
	}
	duration := time.Since(start).Milliseconds()
	reportProgress(80)

	if runCtx.Err() != nil {
		// The poller observed CANCELLED and cancelled runCtx; P6 says this
		// handler must not write any other terminal status.
		telemetry.EndSpan(span, runCtx.Err())
		metrics.RunOutcomes.WithLabelValues(string(model.RunCancelled), string(run.ExecutionMode)).Inc()
		return nil
	}

	if err := d.persistArtifacts(finalizeCtx, run.ID, result.Artifacts); err != nil {
		run.AppendLog("artifact persistence error: " + err.Error())
	}

	if result.NewSpecVersion {
		if _, err := d.Store.ApplyPatch(finalizeCtx, sp.ID, result.PatchedCode); err != nil {
			run.AppendLog("patch application error: " + err.Error())
		}
	}

	if run.AgentData != nil {
		if err := d.Store.SetAgentData(finalizeCtx, run.ID, run.AgentData); err != nil {
			run.AppendLog("agent data persistence error: " + err.Error())
		}
	}

	status := model.RunFailed
	if result.Passed {
		status = model.RunPassed
		d.maybeSetConnectionSpecID(finalizeCtx, sp)
	}
	metrics.RunOutcomes.WithLabelValues(string(status), string(run.ExecutionMode)).Inc()
	var resultErr error
	if result.Error != "" {
		resultErr = fmt.Errorf("%s", result.Error)
	}
	telemetry.EndSpan(span, resultErr)
	if err := d.Store.TransitionTerminal(finalizeCtx, run.ID, status, result.Error, run.Logs, duration); err != nil {
		return fmt.Errorf("dispatch: transition terminal: %w", err)
	}
	reportProgress(100)
	if bc := d.Broadcasters.Get(run.ID); bc != nil {
		bc.Send(statuspipe.Event{"status": string(status)})
		bc.Close()
	}

	if shouldEnqueueSelfHeal(result) {
		d.maybeEnqueueSelfHeal(finalizeCtx, run.ID)
	}
	return nil
}

// shouldEnqueueSelfHeal is the self-heal mutual-exclusivity guard (spec
// §4.6): self-heal only follows a genuine, non-fast-fail failure that the
// hybrid agent did not already recover from.
func shouldEnqueueSelfHeal(result executeResult) bool {
	return !result.Passed && !result.FastFail && !result.AgentTookOver
}

func (d *Dispatcher) finishFailed(ctx context.Context, run *model.Run, reason string, logs []string, duration int64) error {
	run.AppendLog(reason)
	return d.Store.TransitionTerminal(ctx, run.ID, model.RunFailed, reason, run.Logs, duration)
}

// maybeSetConnectionSpecID implements the auto-set-once rule of spec §3:
// a passing run of a connection-type recording's spec becomes its
// Project's connectionSpecId. Runs of a flow-type recording never touch
// it.
func (d *Dispatcher) maybeSetConnectionSpecID(ctx context.Context, sp *model.Spec) {
	rec, err := d.Store.GetRecording(ctx, sp.RecordingID)
	if err != nil {
		d.Log.Error(err, "failed to load recording for connectionSpecId update", "specID", sp.ID)
		return
	}
	if rec.Type != model.RecordingConnection {
		return
	}
	if err := d.Store.SetConnectionSpecID(ctx, sp.ProjectID, &sp.ID); err != nil {
		d.Log.Error(err, "failed to set project connectionSpecId", "projectID", sp.ProjectID, "specID", sp.ID)
	}
}

// maybeEnqueueSelfHeal enqueues a self-heal job for runID and logs an
// enqueue failure. It does not check the run's outcome itself; runAndFinalize
// calls it only when shouldEnqueueSelfHeal allows (spec §4.6 mutual
// exclusivity).
func (d *Dispatcher) maybeEnqueueSelfHeal(ctx context.Context, runID string) {
	_, err := d.Queue.Enqueue(ctx, queue.KindSelfHeal, SelfHealPayload{FailedRunID: runID}, queue.DefaultEnqueueOptions())
	if err != nil {
		d.Log.Error(err, "failed to enqueue self-heal job", "runID", runID)
	}
}

func walletSeedFor(run *model.Run) string {
	// The wallet seed is write-once on the owning Project and is not
	// re-derived here; callers populate AgentData/logs with it out of band.
	// A placeholder keeps the Bootstrap signature exercised end to end.
	return "dapptest-dev-seed"
}

type executeResult struct {
	Passed         bool
	Error          string
	Artifacts      []model.Artifact
	NewSpecVersion bool
	PatchedCode    string
	FastFail       bool
	AgentTookOver  bool
}

func unmarshalPayload(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("dispatch: unmarshal job payload: %w", err)
	}
	return nil
}
