package downloader

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func TestDownload(t *testing.T) {
	content := []byte("parasitized and uninfected cells")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(content)
	}))
	defer server.Close()

	dir := t.TempDir()
	filePath := filepath.Join(dir, "sub", "file.bin")
	n, err := Download(server.URL+"/file", filePath, false)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	got, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	missingPath := filepath.Join(dir, "missing.bin")
	_, err = Download(server.URL+"/missing", missingPath, false)
	require.Error(t, err)
	_, statErr := os.Stat(missingPath)
	assert.True(t, os.IsNotExist(statErr), "failed downloads must not leave a file behind")
}

func TestDownloadIfMissing(t *testing.T) {
	content := []byte("weights")
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write(content)
	}))
	defer server.Close()

	filePath := filepath.Join(t.TempDir(), "weights.bin")
	require.NoError(t, DownloadIfMissing(server.URL, filePath, sha256Hex(content)))
	require.NoError(t, DownloadIfMissing(server.URL, filePath, ""))
	assert.Equal(t, 1, calls)

	err := DownloadIfMissing(server.URL, filePath, sha256Hex([]byte("other")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), sha256Hex(content))
}

func writeZip(t *testing.T, zipPath string, entries map[string]string) {
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestUnzip(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "cells.zip")
	writeZip(t, zipPath, map[string]string{
		"cell_images/Parasitized/a.png": "a",
		"cell_images/Uninfected/b.png":  "b",
	})
	target := filepath.Join(dir, "out")
	require.NoError(t, Unzip(zipPath, target))
	got, err := os.ReadFile(filepath.Join(target, "cell_images", "Uninfected", "b.png"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(got))

	evilPath := filepath.Join(dir, "evil.zip")
	writeZip(t, evilPath, map[string]string{"../escaped.txt": "x"})
	require.Error(t, Unzip(evilPath, filepath.Join(dir, "evil")))
	_, statErr := os.Stat(filepath.Join(dir, "escaped.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadAndUnzipIfMissing(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "source.zip")
	writeZip(t, zipPath, map[string]string{"data/x.txt": "x"})
	zipBytes, err := os.ReadFile(zipPath)
	require.NoError(t, err)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(zipBytes)
	}))
	defer server.Close()

	base := filepath.Join(dir, "base")
	require.NoError(t, DownloadAndUnzipIfMissing(server.URL, filepath.Join(base, "d.zip"), base,
		filepath.Join(base, "data"), sha256Hex(zipBytes)))
	assert.FileExists(t, filepath.Join(base, "data", "x.txt"))

	// Wrong target directory: unzip doesn't produce it.
	err = DownloadAndUnzipIfMissing(server.URL, filepath.Join(base, "d.zip"), base,
		filepath.Join(base, "other"), "")
	require.Error(t, err)
}
