// Package bincache materializes gzip-compressed executable artifacts into a
// probed temp-storage cache, one decompressed binary per (version, arch) key.
package bincache

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/chartsmith/internal/artifact"
	"github.com/mattjoyce/chartsmith/internal/log"
)

// systemCacheDir is the fixed fallback when the plugin-local tmp directory
// is not usable. There is no third fallback: without writable+executable
// temp storage no binary execution strategy is viable.
const systemCacheDir = "/tmp/chartsmith"

// ErrNoCacheRoot reports that neither the plugin-local nor the system temp
// directory passed the permission probe.
var ErrNoCacheRoot = errors.New("no writable cache directory available")

// CacheError wraps a filesystem or format failure during materialization.
type CacheError struct {
	Op   string
	Path string
	Err  error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("bincache: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// Cache holds decompressed executables under a probed root directory.
type Cache struct {
	root   string
	logger *slog.Logger
}

// New selects a cache root by probing <pluginRoot>/tmp first and the
// well-known system temp path second. Both failing is a configuration
// error: construction fails.
func New(pluginRoot string) (*Cache, error) {
	logger := log.WithComponent("bincache")

	pluginTmp := filepath.Join(pluginRoot, "tmp")
	if err := probeDir(pluginTmp); err == nil {
		logger.Info("using plugin cache directory", "dir", pluginTmp)
		return &Cache{root: pluginTmp, logger: logger}, nil
	} else {
		logger.Debug("plugin cache directory unusable", "dir", pluginTmp, "error", err)
	}

	if err := probeDir(systemCacheDir); err == nil {
		logger.Info("using system cache directory", "dir", systemCacheDir)
		return &Cache{root: systemCacheDir, logger: logger}, nil
	} else {
		logger.Debug("system cache directory unusable", "dir", systemCacheDir, "error", err)
	}

	return nil, fmt.Errorf("%w (tried %s and %s)", ErrNoCacheRoot, pluginTmp, systemCacheDir)
}

// Root returns the selected cache root directory.
func (c *Cache) Root() string { return c.root }

// BinaryPath returns the deterministic target path for a (version, arch) key.
func (c *Cache) BinaryPath(arch string, version artifact.Version) string {
	return filepath.Join(c.root, artifact.BinaryName(version, arch))
}

// Materialize returns a ready-to-execute binary for the given key, reusing
// a previously decompressed copy when present. On a hit only the file
// timestamps are touched (to defeat idle-file reclamation by external
// housekeeping); the compressed source is never read. On a miss the source
// is decompressed to a uniquely named temp file and atomically renamed into
// place, so two racing calls both end with a complete binary.
func (c *Cache) Materialize(compressedPath, arch string, version artifact.Version) (string, error) {
	target := c.BinaryPath(arch, version)

	if isExecutable(target) {
		now := time.Now()
		if err := os.Chtimes(target, now, now); err != nil {
			c.logger.Warn("failed to touch cached binary", "path", target, "error", err)
		}
		c.logger.Debug("cache hit", "path", target)
		return target, nil
	}

	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return "", &CacheError{Op: "create cache directory", Path: c.root, Err: err}
	}

	if _, err := os.Stat(compressedPath); err != nil {
		if os.IsNotExist(err) {
			return "", &CacheError{Op: "locate compressed artifact", Path: compressedPath, Err: err}
		}
		return "", &CacheError{Op: "stat compressed artifact", Path: compressedPath, Err: err}
	}

	src, err := os.Open(compressedPath)
	if err != nil {
		return "", &CacheError{Op: "open compressed artifact", Path: compressedPath, Err: err}
	}
	defer src.Close()

	gz, err := gzip.NewReader(src)
	if err != nil {
		return "", &CacheError{Op: "read gzip header of", Path: compressedPath, Err: err}
	}
	defer gz.Close()

	tmp := target + ".tmp-" + uuid.NewString()
	dst, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o755)
	if err != nil {
		return "", &CacheError{Op: "create temp file", Path: tmp, Err: err}
	}

	hasher := blake3.New()
	if _, err := io.Copy(io.MultiWriter(dst, hasher), gz); err != nil {
		dst.Close()
		os.Remove(tmp)
		return "", &CacheError{Op: "decompress", Path: compressedPath, Err: err}
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return "", &CacheError{Op: "flush temp file", Path: tmp, Err: err}
	}

	if err := os.Chmod(tmp, 0o755); err != nil {
		os.Remove(tmp)
		return "", &CacheError{Op: "set executable permissions on", Path: tmp, Err: err}
	}

	// Atomic publish: the target only ever appears fully written.
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", &CacheError{Op: "publish binary", Path: target, Err: err}
	}

	if !isExecutable(target) {
		return "", &CacheError{Op: "verify executable", Path: target, Err: errors.New("binary is not executable after decompression")}
	}

	c.logger.Info("decompressed artifact",
		"source", compressedPath,
		"target", target,
		"fingerprint", fmt.Sprintf("%x", hasher.Sum(nil)),
	)
	return target, nil
}

// probeDir verifies a directory can be created, written to, and traversed.
// The probe file is always removed.
func probeDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create: %w", err)
	}

	probe := filepath.Join(dir, ".probe-"+uuid.NewString())
	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		return fmt.Errorf("write probe file: %w", err)
	}
	defer os.Remove(probe)

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		return fmt.Errorf("directory %s is not executable", dir)
	}
	return nil
}

// isExecutable reports whether path is a regular file with any execute bit set.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}
