// Package model defines the domain entities shared by every component:
// Project, Recording, Spec, Run, SuiteRun, Artifact and Clarification.
package model

import (
	"time"

	"github.com/google/uuid"
)

// SpecStatus is the lifecycle state of a Spec.
type SpecStatus string

const (
	SpecDraft       SpecStatus = "DRAFT"
	SpecNeedsReview SpecStatus = "NEEDS_REVIEW"
	SpecReady       SpecStatus = "READY"
	SpecTested      SpecStatus = "TESTED"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunPassed    RunStatus = "PASSED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
	RunTimeout   RunStatus = "TIMEOUT"
)

// Terminal reports whether s is one of the four terminal states (P1).
func (s RunStatus) Terminal() bool {
	switch s {
	case RunPassed, RunFailed, RunCancelled, RunTimeout:
		return true
	default:
		return false
	}
}

// ExecutionMode selects which component drives a Run.
type ExecutionMode string

const (
	ModeSpec   ExecutionMode = "SPEC"
	ModeAgent  ExecutionMode = "AGENT"
	ModeHybrid ExecutionMode = "HYBRID"
)

// StreamingMode selects whether and how a Run's sandbox is exposed live.
type StreamingMode string

const (
	StreamNone  StreamingMode = "NONE"
	StreamVNC   StreamingMode = "VNC"
	StreamVideo StreamingMode = "VIDEO"
)

// RecordingType distinguishes wallet-connection recordings from ordinary
// user flows; only a connection recording's spec can become a Project's
// connectionSpecId.
type RecordingType string

const (
	RecordingConnection RecordingType = "connection"
	RecordingFlow       RecordingType = "flow"
)

// ArtifactType classifies a stored artifact (blobstore.ClassifyExtension
// maps file extensions to these types and their MIME types).
type ArtifactType string

const (
	ArtifactScreenshot ArtifactType = "SCREENSHOT"
	ArtifactVideo      ArtifactType = "VIDEO"
	ArtifactTrace      ArtifactType = "TRACE"
	ArtifactLog        ArtifactType = "LOG"
)

// ClarificationStatus is the lifecycle state of a Clarification.
type ClarificationStatus string

const (
	ClarificationPending  ClarificationStatus = "PENDING"
	ClarificationAnswered ClarificationStatus = "ANSWERED"
	ClarificationSkipped  ClarificationStatus = "SKIPPED"
)

// DefaultMaxAttempts is the default self-heal attempt ceiling for a Spec
// lineage (spec §3).
const DefaultMaxAttempts = 3

// Project owns a wallet identity and, optionally, the spec used to
// establish a wallet connection ahead of every flow run.
type Project struct {
	ID               uuid.UUID
	Name             string
	WalletSeedHash   string // derived, stored; plaintext seed is returned once at creation only
	WalletAddress    string
	ConnectionSpecID *uuid.UUID
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Recording is an immutable, ordered sequence of captured user actions.
type Recording struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	Type      RecordingType
	Actions   []RecordingAction
	CreatedAt time.Time
}

// RecordingAction is one captured step in a Recording.
type RecordingAction struct {
	Kind   string // click | input | navigation | wallet
	Target string
	Value  string
	URL    string
}

// Spec is a generated test program implementing a Recording.
type Spec struct {
	ID             uuid.UUID
	RecordingID    uuid.UUID
	ProjectID      uuid.UUID
	Code           string
	Status         SpecStatus
	Version        int
	Attempt        int
	MaxAttempts    int
	ParentSpecID   *uuid.UUID
	FailureContext *FailureContext
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EligibleForSelfHeal reports whether s may still spawn a regenerated
// descendant (P5).
func (s *Spec) EligibleForSelfHeal() bool {
	return s.Attempt < s.MaxAttempts
}

// Runnable reports whether s may be executed: only non-DRAFT specs run.
func (s *Spec) Runnable() bool {
	return s.Status != SpecDraft
}

// FailureContext is the snapshot handed to the Generator when regenerating
// a failed Spec.
type FailureContext struct {
	PreviousCode      string
	Error             string
	Logs              string // tail, bounded to 3000 chars by the caller
	ScreenshotRefs    []string
	FreshScreenshots  []string
	FailureClass      string
	ClassifiedAt      time.Time
}

// Run is one execution of a Spec.
type Run struct {
	ID            string // ULID
	SpecID        uuid.UUID
	SuiteRunID    *string
	Status        RunStatus
	ExecutionMode ExecutionMode
	StreamingMode StreamingMode
	IsAutoRetry   bool
	AgentData     *AgentData
	Logs          []string
	Error         string
	ContainerID   string
	Progress      int
	StartedAt     *time.Time
	CompletedAt   *time.Time
	DurationMs    int64
	CreatedAt     time.Time
}

// AppendLog adds a line to the Run's log tail (used for best-effort,
// non-fatal diagnostics per spec §7 propagation policy).
func (r *Run) AppendLog(line string) {
	r.Logs = append(r.Logs, line)
}

// Cancellable reports whether r may still be cancelled (§3).
func (r *Run) Cancellable() bool {
	return r.Status == RunPending || r.Status == RunRunning
}

// ValidTerminal checks invariant P1: completedAt is set iff status is terminal.
func (r *Run) ValidTerminal() bool {
	if r.Status.Terminal() {
		return r.CompletedAt != nil
	}
	return r.CompletedAt == nil
}

// AgentData captures the step timeline and cost for an AGENT or HYBRID run.
type AgentData struct {
	Steps []StepResult
	Cost  CostSnapshot
}

// StepResult is the outcome of one executed step.
type StepResult struct {
	StepNumber int
	Mode       string // "spec" | "agent"
	Passed     bool
	DurationMs int64
	Error      string
}

// CostSnapshot is a point-in-time copy of a CostTracker's accumulated usage,
// persisted on every checkpoint (SPEC_FULL §3 supplemented feature).
type CostSnapshot struct {
	ByModel map[string]ModelUsage
}

// ModelUsage tallies token usage for one model id.
type ModelUsage struct {
	InputTokens        int64
	OutputTokens       int64
	CacheReadTokens     int64
	CacheCreationTokens int64
}

// SuiteRun is an ordered collection of Runs sharing one sandbox.
type SuiteRun struct {
	ID          string // ULID
	ProjectID   uuid.UUID
	RunIDs      []string
	Status      RunStatus
	PassedTests int
	FailedTests int
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// Reconcile recomputes PassedTests/FailedTests from the terminal statuses of
// runs, validating the SuiteRun aggregate invariant (sum == len(child runs)
// once every run is terminal).
func (sr *SuiteRun) Reconcile(runs []*Run) {
	sr.PassedTests, sr.FailedTests = 0, 0
	allTerminal := true
	for _, r := range runs {
		if !r.Status.Terminal() {
			allTerminal = false
			continue
		}
		if r.Status == RunPassed {
			sr.PassedTests++
		} else {
			sr.FailedTests++
		}
	}
	if allTerminal {
		if sr.FailedTests > 0 {
			sr.Status = RunFailed
		} else {
			sr.Status = RunPassed
		}
	}
}

// Artifact is a typed, write-once reference into the Blob Store.
type Artifact struct {
	ID          uuid.UUID
	RunID       string
	Type        ArtifactType
	Name        string
	StoragePath string
	MimeType    string
	SizeBytes   int64
	CreatedAt   time.Time
}

// Clarification is a question the Generator raised about a Recording or Spec.
type Clarification struct {
	ID        uuid.UUID
	SpecID    uuid.UUID
	Question  string
	Status    ClarificationStatus
	Answer    string
	CreatedAt time.Time
	AnsweredAt *time.Time
}
