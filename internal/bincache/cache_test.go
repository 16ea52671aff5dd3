package bincache

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/mattjoyce/chartsmith/internal/artifact"
	"github.com/mattjoyce/chartsmith/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("error", "text")
	os.Exit(m.Run())
}

func writeGzip(t *testing.T, path string, content []byte) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(content); err != nil {
		t.Fatalf("failed to compress: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("failed to close gzip writer: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestNew_PrefersPluginTmp(t *testing.T) {
	pluginRoot := t.TempDir()

	cache, err := New(pluginRoot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := filepath.Join(pluginRoot, "tmp")
	if cache.Root() != want {
		t.Errorf("Root() = %q, want %q", cache.Root(), want)
	}
	if info, err := os.Stat(want); err != nil || !info.IsDir() {
		t.Errorf("plugin tmp directory was not created")
	}
}

func TestNew_RemovesProbeFiles(t *testing.T) {
	pluginRoot := t.TempDir()

	cache, err := New(pluginRoot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries, err := os.ReadDir(cache.Root())
	if err != nil {
		t.Fatalf("failed to read cache root: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("probe files left behind: %v", entries)
	}
}

func TestMaterialize_DecompressesOnMiss(t *testing.T) {
	pluginRoot := t.TempDir()
	version := artifact.Version{Major: 1, Minor: 2, Patch: 3}
	content := []byte("#!/bin/sh\necho hi\n")

	compressed := filepath.Join(pluginRoot, artifact.CompressedName(version, "x64"))
	writeGzip(t, compressed, content)

	cache, err := New(pluginRoot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	path, err := cache.Materialize(compressed, "x64", version)
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if path != cache.BinaryPath("x64", version) {
		t.Errorf("path = %q, want %q", path, cache.BinaryPath("x64", version))
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read binary: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("decompressed content mismatch")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("failed to stat binary: %v", err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Errorf("binary is not executable: %v", info.Mode())
	}
}

func TestMaterialize_HitSkipsSource(t *testing.T) {
	pluginRoot := t.TempDir()
	version := artifact.Version{Major: 1, Minor: 2, Patch: 3}

	compressed := filepath.Join(pluginRoot, artifact.CompressedName(version, "x64"))
	writeGzip(t, compressed, []byte("binary"))

	cache, err := New(pluginRoot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := cache.Materialize(compressed, "x64", version)
	if err != nil {
		t.Fatalf("first Materialize failed: %v", err)
	}

	// The source must not be needed on a hit.
	if err := os.Remove(compressed); err != nil {
		t.Fatalf("failed to remove source: %v", err)
	}

	second, err := cache.Materialize(compressed, "x64", version)
	if err != nil {
		t.Fatalf("second Materialize failed: %v", err)
	}
	if second != first {
		t.Errorf("hit returned %q, want %q", second, first)
	}
}

func TestMaterialize_HitTouchesTimestamp(t *testing.T) {
	pluginRoot := t.TempDir()
	version := artifact.Version{Major: 1, Minor: 2, Patch: 3}

	compressed := filepath.Join(pluginRoot, artifact.CompressedName(version, "x64"))
	writeGzip(t, compressed, []byte("binary"))

	cache, err := New(pluginRoot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	path, err := cache.Materialize(compressed, "x64", version)
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}

	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(path, stale, stale); err != nil {
		t.Fatalf("failed to back-date binary: %v", err)
	}

	if _, err := cache.Materialize(compressed, "x64", version); err != nil {
		t.Fatalf("second Materialize failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("failed to stat binary: %v", err)
	}
	if info.ModTime().Before(time.Now().Add(-time.Hour)) {
		t.Errorf("timestamp not refreshed on hit: %v", info.ModTime())
	}
}

func TestMaterialize_MissingSource(t *testing.T) {
	pluginRoot := t.TempDir()
	version := artifact.Version{Major: 1, Minor: 2, Patch: 3}

	cache, err := New(pluginRoot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = cache.Materialize(filepath.Join(pluginRoot, "missing.gz"), "x64", version)
	if err == nil {
		t.Fatal("expected error for missing source")
	}
	var cacheErr *CacheError
	if !errors.As(err, &cacheErr) {
		t.Fatalf("error type = %T, want *CacheError", err)
	}
	if !os.IsNotExist(cacheErr.Err) {
		t.Errorf("wrapped error = %v, want not-exist", cacheErr.Err)
	}
}

func TestMaterialize_CorruptGzip(t *testing.T) {
	pluginRoot := t.TempDir()
	version := artifact.Version{Major: 1, Minor: 2, Patch: 3}

	compressed := filepath.Join(pluginRoot, artifact.CompressedName(version, "x64"))
	if err := os.WriteFile(compressed, []byte("not gzip at all"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	cache, err := New(pluginRoot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := cache.Materialize(compressed, "x64", version); err == nil {
		t.Fatal("expected error for corrupt gzip")
	}

	// No partial binary or temp file may remain.
	entries, err := os.ReadDir(cache.Root())
	if err != nil {
		t.Fatalf("failed to read cache root: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("leftover files after failed materialization: %v", entries)
	}
}
