package blobstore

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deathcap/dapptest/internal/model"
)

func TestClassifyExtension(t *testing.T) {
	cases := []struct {
		name     string
		wantType model.ArtifactType
		wantMime string
	}{
		{"frame1.png", model.ArtifactScreenshot, "image/png"},
		{"frame1.jpg", model.ArtifactScreenshot, "image/jpeg"},
		{"recording.webm", model.ArtifactVideo, "video/webm"},
		{"recording.mp4", model.ArtifactVideo, "video/mp4"},
		{"trace-1.zip", model.ArtifactTrace, "application/zip"},
		{"report.json", model.ArtifactLog, "application/json"},
		{"stdout.log", model.ArtifactLog, "text/plain"},
	}
	for _, c := range cases {
		gotType, gotMime := ClassifyExtension(c.name)
		assert.Equal(t, c.wantType, gotType, c.name)
		assert.Equal(t, c.wantMime, gotMime, c.name)
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "runs/run123/screenshot/step1.png", Key("run123", model.ArtifactScreenshot, "step1.png"))
}

func TestWriteTraceArchiveContentAddressed(t *testing.T) {
	frames := []ScreencastFrame{
		{Index: 0, TimestampMs: 0, Bytes: []byte("frame-a")},
		{Index: 1, TimestampMs: 100, Bytes: []byte("frame-b")},
		{Index: 2, TimestampMs: 200, Bytes: []byte("frame-a")}, // duplicate content -> same name
	}
	var buf bytes.Buffer
	require.NoError(t, WriteTraceArchive(&buf, frames, 1280, 720))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["screencast-manifest.json"])
	// Frame 0 and frame 2 share content, so they must share a filename: only
	// 2 distinct frame entries plus the manifest, not 3 + 1.
	assert.Len(t, zr.File, 3)
}
