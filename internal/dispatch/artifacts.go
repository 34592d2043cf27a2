package dispatch

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/deathcap/dapptest/internal/model"
)

// persistArtifacts uploads every artifact's local file to the Blob Store
// and records it in the Record Store. P3 (no ghost artifacts) requires
// the blob write to succeed before the row is created; a failed upload is
// logged and that one artifact is skipped rather than aborting the run.
func (d *Dispatcher) persistArtifacts(ctx context.Context, runID string, artifacts []model.Artifact) error {
	artifactsDir := filepath.Join(d.Cfg.Artifacts.BasePath, runID)
	var firstErr error
	for _, a := range artifacts {
		localPath := filepath.Join(artifactsDir, a.Name)
		f, err := os.Open(localPath)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		info, statErr := f.Stat()
		var size int64
		if statErr == nil {
			size = info.Size()
		}
		err = d.Blobs.Put(ctx, a.StoragePath, f, size)
		f.Close()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		a.RunID = runID
		a.SizeBytes = size
		if err := d.Store.CreateArtifact(ctx, &a); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// recentScreenshots fetches up to n of a run's most recent screenshots as
// base64, bounding the Self-Heal Regenerator's failure context (spec §4.6:
// "bounds failure context to ... 5 most recent screenshots").
func (d *Dispatcher) recentScreenshots(ctx context.Context, runID string, n int) ([]string, error) {
	artifacts, err := d.Store.ListArtifacts(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: list artifacts: %w", err)
	}
	var out []string
	for _, a := range artifacts {
		if a.Type != model.ArtifactScreenshot || len(out) >= n {
			continue
		}
		rc, err := d.Blobs.Get(ctx, a.StoragePath)
		if err != nil {
			continue
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		out = append(out, base64.StdEncoding.EncodeToString(b))
	}
	return out, nil
}
