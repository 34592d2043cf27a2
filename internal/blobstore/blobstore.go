// Package blobstore implements the Blob Store Adapter (C1): uniform
// put/get/list/delete of artifacts keyed by runs/{id}/{type}/{name}, plus
// the MIME classification table and trace-archive format of spec §6.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/deathcap/dapptest/internal/model"
)

// Key builds the canonical runs/{runId}/{type}/{filename} storage key.
func Key(runID string, typ model.ArtifactType, filename string) string {
	return fmt.Sprintf("runs/%s/%s/%s", runID, strings.ToLower(string(typ)), filename)
}

// ClassifyExtension maps a filename to (ArtifactType, MIME) per the spec §6
// table. The "trace" zip case additionally requires the filename to contain
// "trace"; any other .zip is classified as an opaque log so nothing is
// silently misfiled.
func ClassifyExtension(filename string) (model.ArtifactType, string) {
	ext := strings.ToLower(path.Ext(filename))
	name := strings.ToLower(filename)
	switch ext {
	case ".png":
		return model.ArtifactScreenshot, "image/png"
	case ".jpg", ".jpeg":
		return model.ArtifactScreenshot, "image/jpeg"
	case ".webm":
		return model.ArtifactVideo, "video/webm"
	case ".mp4":
		return model.ArtifactVideo, "video/mp4"
	case ".zip":
		if strings.Contains(name, "trace") {
			return model.ArtifactTrace, "application/zip"
		}
		return model.ArtifactLog, "application/zip"
	case ".json":
		return model.ArtifactLog, "application/json"
	case ".txt", ".log":
		return model.ArtifactLog, "text/plain"
	default:
		return model.ArtifactLog, "application/octet-stream"
	}
}

// Store is the interface every Blob Store implementation satisfies; C4/C5
// depend only on this, never on a concrete backend.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}
