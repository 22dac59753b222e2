package scanning

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/edgeprobe/internal/errors"
	"github.com/anstrom/edgeprobe/internal/logging"
)

func TestWorkspace(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")

	ws, err := NewWorkspace(dataDir, PrefixMonitor)
	require.NoError(t, err)
	assert.Len(t, ws.ID, 8)
	assert.Equal(t, "monitor_ips_"+ws.ID+".txt", filepath.Base(ws.InputFile))
	assert.Equal(t, "monitor_result_"+ws.ID+".csv", filepath.Base(ws.OutputFile))
	assert.DirExists(t, ws.WorkDir)

	require.NoError(t, ws.WriteInput([]string{"1.1.1.1/32", "2606:4700::1/128"}))
	content, err := os.ReadFile(ws.InputFile)
	require.NoError(t, err)
	assert.Equal(t, "1.1.1.1/32\n2606:4700::1/128\n", string(content))

	require.NoError(t, os.WriteFile(ws.OutputFile, []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(ws.WorkDir, "tmp"), []byte("x"), 0o600))

	assert.Equal(t, 0, ws.Cleanup())
	assert.NoFileExists(t, ws.InputFile)
	assert.NoFileExists(t, ws.OutputFile)
	assert.NoDirExists(t, ws.WorkDir)

	// Cleaning twice is harmless.
	assert.Equal(t, 0, ws.Cleanup())
}

func TestWorkspaceNamesAreUnique(t *testing.T) {
	dataDir := t.TempDir()
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		ws, err := NewWorkspace(dataDir, PrefixScan)
		require.NoError(t, err)
		assert.False(t, seen[ws.InputFile])
		seen[ws.InputFile] = true
		ws.Cleanup()
	}
}

func TestPlatformSuffix(t *testing.T) {
	tests := []struct{ goos, goarch, want string }{
		{"linux", "amd64", "linux-amd64"},
		{"linux", "arm64", "linux-arm64"},
		{"linux", "arm", "linux-arm7"},
		{"darwin", "arm64", "darwin-arm64"},
		{"darwin", "amd64", "darwin-amd64"},
		{"windows", "amd64", "windows-amd64"},
		{"windows", "386", "windows-386"},
		{"plan9", "amd64", "linux-amd64"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PlatformSuffix(tt.goos, tt.goarch), tt.goos+"/"+tt.goarch)
	}
}

func TestArchiveURL(t *testing.T) {
	url := ArchiveURL("https://example.com/releases/")
	assert.True(t, strings.HasPrefix(url, "https://example.com/releases/CloudflareScanner_"))
	assert.True(t, strings.HasSuffix(url, ".zip"))
}

func TestEnsureBinary(t *testing.T) {
	logger := logging.NewNop()

	t.Run("existing binary", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "CloudflareScanner")
		require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o600))
		require.NoError(t, EnsureBinary(context.Background(), path, DefaultReleaseURL, false, logger))
	})

	t.Run("missing without download", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "CloudflareScanner")
		err := EnsureBinary(context.Background(), path, DefaultReleaseURL, false, logger)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeBinaryMissing))
	})
}

func TestExtractBinary(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("README.md")
	require.NoError(t, err)
	_, _ = w.Write([]byte("docs"))
	w, err = zw.Create("CloudflareScanner")
	require.NoError(t, err)
	_, _ = w.Write([]byte("binary"))
	require.NoError(t, zw.Close())

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "tool")
	require.NoError(t, extractBinary(zr, dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "binary", string(got))
}
