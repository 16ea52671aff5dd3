// Package executor decides which chart-rendering execution strategy to use:
// an explicit override binary, a local debug binary, a cached production
// binary materialized from the artifact directory, or the interpreted
// runtime. The decision is made once per renderer instance.
package executor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/mattjoyce/chartsmith/internal/artifact"
	"github.com/mattjoyce/chartsmith/internal/bincache"
	"github.com/mattjoyce/chartsmith/internal/log"
)

// EnvLocalPath names the environment variable supplying an explicit
// override executable path.
const EnvLocalPath = "CHARTSMITH_LOCAL_PATH"

// localDebugName is the conventional local debug executable checked in the
// plugin root before any production binary.
const localDebugName = "echarts-convert-local"

// runtimeCommand launches the interpreted fallback.
const runtimeCommand = "bun"

// ErrBinaryRequired reports that strict mode is on and no compiled binary
// executor could be selected.
var ErrBinaryRequired = errors.New("binary executor required but none available")

// Origin tags how a candidate was selected.
type Origin string

const (
	OriginOverride   Origin = "override"
	OriginLocalDebug Origin = "local-debug"
	OriginCached     Origin = "cached"
	OriginRuntime    Origin = "runtime"
)

// Candidate is a resolved execution target. For binary origins Path is an
// absolute executable path. For OriginRuntime Path is empty and the invoker
// launches the interpreted runtime against Script with Dir as working
// directory.
type Candidate struct {
	Path   string
	Origin Origin

	// Runtime fallback fields, set only for OriginRuntime.
	Runtime string
	Script  string
	Dir     string
}

// Options configures selection. The zero value of goos/machine means the
// build platform; tests inject other values.
type Options struct {
	// PluginRoot is the plugin installation directory holding bin/,
	// js-executor/, and optionally the local debug binary.
	PluginRoot string

	// OverridePath is an explicit executable path, usually sourced from
	// the CHARTSMITH_LOCAL_PATH environment variable.
	OverridePath string

	// DesiredVersion is the manifest-declared artifact version.
	DesiredVersion artifact.Version

	// BinaryRequired forbids the interpreted-runtime fallback.
	BinaryRequired bool

	goos    string
	machine string
}

// WithPlatform overrides platform detection. Test hook.
func (o Options) WithPlatform(goos, machine string) Options {
	o.goos = goos
	o.machine = machine
	return o
}

// Select resolves an execution target by precedence: override, local debug
// binary, cached production binary, interpreted runtime. It is intended to
// run once at renderer construction; errors from the production-binary path
// surface immediately when BinaryRequired is set instead of silently
// falling through.
func Select(opts Options) (Candidate, error) {
	logger := log.WithComponent("executor")

	// 1. Explicit override.
	if opts.OverridePath != "" {
		if isExecutableFile(opts.OverridePath) {
			logger.Info("using override executable", "path", opts.OverridePath)
			return Candidate{Path: opts.OverridePath, Origin: OriginOverride}, nil
		}
		logger.Error("override executable not found or not executable, ignoring",
			"path", opts.OverridePath)
	}

	// 2. Conventional local debug binary.
	localDebug := filepath.Join(opts.PluginRoot, localDebugName)
	if isExecutableFile(localDebug) {
		logger.Info("using local debug executable", "path", localDebug)
		return Candidate{Path: localDebug, Origin: OriginLocalDebug}, nil
	}

	// 3. Production binary, Linux only.
	goos := opts.goos
	if goos == "" {
		goos = runtime.GOOS
	}
	if goos == "linux" {
		path, err := selectProduction(opts, logger)
		if err == nil {
			return Candidate{Path: path, Origin: OriginCached}, nil
		}
		if opts.BinaryRequired {
			return Candidate{}, err
		}
		logger.Info("production binary unavailable, falling back to runtime", "error", err)
	}

	// 4. Interpreted runtime.
	if opts.BinaryRequired {
		binDir := filepath.Join(opts.PluginRoot, "bin")
		return Candidate{}, fmt.Errorf("%w: expected %s in %s (found: %s)",
			ErrBinaryRequired,
			artifact.CompressedName(opts.DesiredVersion, normalizeArch(machine(opts))),
			binDir,
			describeDir(binDir),
		)
	}

	scriptDir := filepath.Join(opts.PluginRoot, "js-executor")
	logger.Info("using interpreted runtime", "runtime", runtimeCommand, "dir", scriptDir)
	return Candidate{
		Origin:  OriginRuntime,
		Runtime: runtimeCommand,
		Script:  filepath.Join(scriptDir, "index.ts"),
		Dir:     scriptDir,
	}, nil
}

// selectProduction resolves and materializes a cached production binary for
// the detected architecture and the manifest-declared version.
func selectProduction(opts Options, logger *slog.Logger) (string, error) {
	arch := normalizeArch(machine(opts))
	binDir := filepath.Join(opts.PluginRoot, "bin")

	version, err := artifact.Resolve(binDir, opts.DesiredVersion)
	if err != nil {
		return "", fmt.Errorf("resolve artifact version: %w", err)
	}
	logger.Debug("resolved artifact version", "version", version.String(), "arch", arch)

	cache, err := bincache.New(opts.PluginRoot)
	if err != nil {
		return "", err
	}

	compressed := filepath.Join(binDir, artifact.CompressedName(version, arch))
	path, err := cache.Materialize(compressed, arch, version)
	if err != nil {
		return "", err
	}

	logger.Info("using cached production binary", "path", path, "version", version.String())
	return path, nil
}

func machine(opts Options) string {
	if opts.machine != "" {
		return opts.machine
	}
	return runtime.GOARCH
}

// normalizeArch maps common machine identifiers onto the two canonical
// artifact architecture tags. Unrecognized strings, 32-bit ARM included,
// pass through unchanged and will simply fail to match any artifact.
func normalizeArch(machine string) string {
	switch strings.ToLower(machine) {
	case "x86_64", "amd64":
		return "x64"
	case "aarch64", "arm64":
		return "arm64"
	default:
		return machine
	}
}

// isExecutableFile reports whether path is a regular file with an execute bit.
func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

// describeDir lists a directory's entries for error messages.
func describeDir(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Sprintf("unreadable: %v", err)
	}
	if len(entries) == 0 {
		return "empty directory"
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
