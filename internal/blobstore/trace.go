package blobstore

import (
	"archive/zip"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// ScreencastFrame is one JPEG frame of a sandbox's trace recording,
// addressed by the SHA-1 of its bytes (spec §6).
type ScreencastFrame struct {
	Index        int    `json:"index"`
	Filename     string `json:"filename"`
	TimestampMs  int64  `json:"timestampMs"`
	Bytes        []byte `json:"-"`
}

// ScreencastManifest is the screencast-manifest.json written alongside the
// frames inside a trace archive (spec §6).
type ScreencastManifest struct {
	FrameCount          int               `json:"frameCount"`
	Frames              []manifestFrame   `json:"frames"`
	StartTimestampMs    int64             `json:"startTimestampMs"`
	EndTimestampMs      int64             `json:"endTimestampMs"`
	Width               int               `json:"width"`
	Height              int               `json:"height"`
	Quality             int               `json:"quality"`
}

type manifestFrame struct {
	Index       int    `json:"index"`
	Filename    string `json:"filename"`
	TimestampMs int64  `json:"timestampMs"`
}

// TraceArchiveParams fixes the screencast encoding contract (spec §6):
// JPEG quality 80, max 1280x720, every 3rd frame.
var TraceArchiveParams = struct {
	Quality       int
	MaxWidth      int
	MaxHeight     int
	FrameInterval int
}{Quality: 80, MaxWidth: 1280, MaxHeight: 720, FrameInterval: 3}

// WriteTraceArchive serializes frames plus a screencast-manifest.json into
// a zip archive written to w. Each frame is named by the hex SHA-1 of its
// bytes with a .jpg extension, so the archive is content-addressed: frames
// with identical bytes share one zip entry, while the manifest still lists
// every frame.
func WriteTraceArchive(w io.Writer, frames []ScreencastFrame, width, height int) error {
	zw := zip.NewWriter(w)
	defer zw.Close()

	manifest := ScreencastManifest{
		Width:   width,
		Height:  height,
		Quality: TraceArchiveParams.Quality,
	}
	written := map[string]bool{}
	for i, f := range frames {
		sum := sha1.Sum(f.Bytes)
		filename := hex.EncodeToString(sum[:]) + ".jpg"
		if !written[filename] {
			fw, err := zw.Create(filename)
			if err != nil {
				return fmt.Errorf("blobstore: create frame entry: %w", err)
			}
			if _, err := fw.Write(f.Bytes); err != nil {
				return fmt.Errorf("blobstore: write frame: %w", err)
			}
			written[filename] = true
		}
		manifest.Frames = append(manifest.Frames, manifestFrame{
			Index: f.Index, Filename: filename, TimestampMs: f.TimestampMs,
		})
		if i == 0 {
			manifest.StartTimestampMs = f.TimestampMs
		}
		manifest.EndTimestampMs = f.TimestampMs
	}
	manifest.FrameCount = len(frames)

	mw, err := zw.Create("screencast-manifest.json")
	if err != nil {
		return fmt.Errorf("blobstore: create manifest entry: %w", err)
	}
	enc := json.NewEncoder(mw)
	return enc.Encode(manifest)
}
