// Package specrunner implements the Spec Runner (C5): executes a test
// program to completion as a supervised child process, collecting
// stdout/stderr, a JSON test report, and artifact files. Grounded on
// kilroy's engine.executeNode (per-node timeout via context, panic-safe
// execution, authoritative status.json override) generalized from "graph
// node execution" to "spec program execution".
package specrunner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/deathcap/dapptest/internal/blobstore"
	"github.com/deathcap/dapptest/internal/model"
)

// DefaultTimeout is the spec-mandated default child-process timeout
// (spec §4.3/§5: 300 000 ms).
const DefaultTimeout = 300 * time.Second

// Input describes one spec execution request.
type Input struct {
	ProgramText      string
	ConnectionPrelude string // non-empty only for testType=flow with a resolved connectionSpecId
	WalletSeed       string
	ArtifactsDir     string
	Headless         bool
	TimeoutMs        int64
}

// Result is the Spec Runner's output contract (spec §4.3).
type Result struct {
	Passed     bool
	DurationMs int64
	Logs       string
	Error      string
	Artifacts  []model.Artifact
}

var errorLineRe = regexp.MustCompile(`(?m)^.*Error:.*$`)

// CompositeSerialGroupName names the composite program produced when a flow
// spec is run with a connection prelude prepended (spec §4.3).
const CompositeSerialGroupName = "Connection + Flow"

// BuildProgram composes the final program text to execute: if a
// ConnectionPrelude is present, its body is textually prepended under the
// composite serial grouping; otherwise the flow program runs standalone.
func BuildProgram(in Input) string {
	if strings.TrimSpace(in.ConnectionPrelude) == "" {
		return in.ProgramText
	}
	return fmt.Sprintf("// %s\n%s\n\n%s", CompositeSerialGroupName, in.ConnectionPrelude, in.ProgramText)
}

// Run executes in.ProgramText (or its prelude-composed form) as a
// supervised child process and returns a Result. It never panics the
// caller: any unexpected internal failure is converted into a FAILED
// Result, matching the panic-safety behavior kilroy's executeNode applies
// to graph-node handlers.
func Run(ctx context.Context, runID string, interpreter string, in Input) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Passed: false, Error: fmt.Sprintf("spec runner panic: %v", r)}
		}
	}()

	timeout := DefaultTimeout
	if in.TimeoutMs > 0 {
		timeout = time.Duration(in.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := os.MkdirAll(in.ArtifactsDir, 0o755); err != nil {
		return Result{Passed: false, Error: fmt.Sprintf("create artifacts dir: %v", err)}
	}

	program := BuildProgram(in)
	srcPath := filepath.Join(in.ArtifactsDir, "spec.generated")
	if err := os.WriteFile(srcPath, []byte(program), 0o644); err != nil {
		return Result{Passed: false, Error: fmt.Sprintf("write spec source: %v", err)}
	}

	reportPath := filepath.Join(in.ArtifactsDir, "report.json")

	start := time.Now()
	cmd := exec.CommandContext(runCtx, interpreter, srcPath)
	cmd.Dir = in.ArtifactsDir
	cmd.Env = append(os.Environ(),
		"DISPLAY=:99",
		fmt.Sprintf("HEADLESS=%t", in.Headless),
		fmt.Sprintf("SEED_PHRASE=%s", in.WalletSeed),
		fmt.Sprintf("REPORT_PATH=%s", reportPath),
	)

	var logsBuf strings.Builder
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Passed: false, Error: fmt.Sprintf("stdout pipe: %v", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{Passed: false, Error: fmt.Sprintf("stderr pipe: %v", err)}
	}
	if err := cmd.Start(); err != nil {
		return Result{Passed: false, Error: fmt.Sprintf("start: %v", err)}
	}

	done := make(chan struct{}, 2)
	go pipeToLog(stdout, &logsBuf, done)
	go pipeToLog(stderr, &logsBuf, done)
	<-done
	<-done

	runErr := cmd.Wait()
	duration := time.Since(start)
	logs := logsBuf.String()

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{Passed: false, DurationMs: duration.Milliseconds(), Logs: logs, Error: "timeout exceeded"}
	}

	passed := runErr == nil
	var errLine string
	if !passed {
		if m := errorLineRe.FindString(logs); m != "" {
			errLine = strings.TrimSpace(m)
		} else {
			errLine = runErr.Error()
		}
	}

	artifacts := classifyArtifacts(runID, in.ArtifactsDir)

	return Result{
		Passed:     passed,
		DurationMs: duration.Milliseconds(),
		Logs:       logs,
		Error:      errLine,
		Artifacts:  artifacts,
	}
}

func pipeToLog(r interface{ Read([]byte) (int, error) }, buf *strings.Builder, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		buf.WriteString(scanner.Text())
		buf.WriteString("\n")
	}
}

// classifyArtifacts walks the output directory and classifies each file by
// extension (spec §4.3/§6), deduplicating by (name, type).
func classifyArtifacts(runID, dir string) []model.Artifact {
	seen := map[string]bool{}
	var out []model.Artifact
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == "spec.generated" {
			continue
		}
		typ, mime := blobstore.ClassifyExtension(name)
		key := name + "|" + string(typ)
		if seen[key] {
			continue
		}
		seen[key] = true
		info, _ := e.Info()
		var size int64
		if info != nil {
			size = info.Size()
		}
		out = append(out, model.Artifact{
			RunID:       runID,
			Type:        typ,
			Name:        name,
			StoragePath: blobstore.Key(runID, typ, name),
			MimeType:    mime,
			SizeBytes:   size,
		})
	}
	return out
}

// ParseReport decodes the test program's optional JSON report file, if it
// wrote one, for richer structured results than the exit-code contract
// alone provides.
func ParseReport(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
