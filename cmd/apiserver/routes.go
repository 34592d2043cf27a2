package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/deathcap/dapptest/internal/dispatch"
	"github.com/deathcap/dapptest/internal/model"
	"github.com/deathcap/dapptest/internal/queue"
	"github.com/deathcap/dapptest/internal/statuspipe"
	"github.com/deathcap/dapptest/internal/store"
)

// API implements the run-control commands named in spec §6: start-run,
// cancel-run, get-status, list-artifacts, self-heal-run, start-stream,
// stop-stream, plus an SSE events endpoint served from this process's own
// BroadcasterRegistry. That registry is not shared with the worker process:
// the worker's progress and status events are not published to it, only the
// streamingMode events that startStream/stopStream send.
type API struct {
	Log          logr.Logger
	Store        *store.Store
	Queue        *queue.Queue
	Broadcasters *dispatch.BroadcasterRegistry
}

func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs", a.startRun)
	mux.HandleFunc("POST /runs/{id}/cancel", a.cancelRun)
	mux.HandleFunc("GET /runs/{id}", a.getStatus)
	mux.HandleFunc("GET /runs/{id}/artifacts", a.listArtifacts)
	mux.HandleFunc("POST /runs/{id}/self-heal", a.selfHealRun)
	mux.HandleFunc("POST /runs/{id}/stream/start", a.startStream)
	mux.HandleFunc("POST /runs/{id}/stream/stop", a.stopStream)
	mux.HandleFunc("GET /runs/{id}/events", a.events)
	return mux
}

type startRunRequest struct {
	SpecID        uuid.UUID           `json:"specId"`
	ExecutionMode model.ExecutionMode `json:"executionMode"`
	StreamingMode model.StreamingMode `json:"streamingMode"`
}

// startRun creates a PENDING Run and enqueues the matching job kind
// (spec §4.1: one queue channel per executionMode).
func (a *API) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	if req.StreamingMode == "" {
		req.StreamingMode = model.StreamNone
	}

	run := &model.Run{
		ID:            ulid.Make().String(),
		SpecID:        req.SpecID,
		Status:        model.RunPending,
		ExecutionMode: req.ExecutionMode,
		StreamingMode: req.StreamingMode,
		CreatedAt:     time.Now().UTC(),
	}
	if err := a.Store.CreateRun(r.Context(), run); err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	kind := kindForMode(req.ExecutionMode)
	if _, err := a.Queue.Enqueue(r.Context(), kind, dispatch.JobPayload{RunID: run.ID, SpecID: run.SpecID}, queue.DefaultEnqueueOptions()); err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusAccepted, run)
}

// cancelRun flips a PENDING/RUNNING Run to CANCELLED (first-writer-wins,
// spec §3) and signals the queue so a running handler observes it.
func (a *API) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.Store.CancelRun(r.Context(), id); err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	if err := a.Queue.Cancel(r.Context(), id); err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := a.Store.GetRun(r.Context(), id)
	if err != nil {
		httpError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *API) listArtifacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	artifacts, err := a.Store.ListArtifacts(r.Context(), id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, artifacts)
}

// selfHealRun enqueues a self-heal job directly, bypassing the dispatcher's
// own post-failure trigger (operator-initiated retry of an already-terminal
// failed Run).
func (a *API) selfHealRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.Queue.Enqueue(r.Context(), queue.KindSelfHeal, dispatch.SelfHealPayload{FailedRunID: id}, queue.DefaultEnqueueOptions()); err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// startStream and stopStream publish the operator's streaming intent as a
// streamingMode event on the Run's Broadcaster; nothing is written to the
// Store. The VNC/websocket pixel relay itself lives in the worker process next to the
// sandbox it serves (spec §6 calls the run-control API "opaque to this
// spec" on transport details).
func (a *API) startStream(w http.ResponseWriter, r *http.Request) {
	a.setStreamingMode(w, r, model.StreamVNC)
}

func (a *API) stopStream(w http.ResponseWriter, r *http.Request) {
	a.setStreamingMode(w, r, model.StreamNone)
}

func (a *API) setStreamingMode(w http.ResponseWriter, r *http.Request, mode model.StreamingMode) {
	id := r.PathValue("id")
	if bc := a.Broadcasters.Get(id); bc != nil {
		bc.Send(statuspipe.Event{"streamingMode": string(mode)})
	}
	w.WriteHeader(http.StatusNoContent)
}

// events streams the events sent to one Run's Broadcaster in this process
// over SSE, replaying history to a newly-connecting client before switching
// to live events (statuspipe.WriteSSE). Progress and status updates that the
// worker publishes do not reach this process.
func (a *API) events(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	statuspipe.WriteSSE(w, r, a.Broadcasters.Get(id))
}

func kindForMode(mode model.ExecutionMode) queue.Kind {
	switch mode {
	case model.ModeHybrid:
		return queue.KindExecuteHybrid
	case model.ModeAgent:
		return queue.KindExecuteAgent
	default:
		return queue.KindExecute
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
