// Package doctor diagnoses a chartsmith installation: plugin layout,
// artifact directory, cache storage, and executor selection.
package doctor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/chartsmith/internal/artifact"
	"github.com/mattjoyce/chartsmith/internal/bincache"
	"github.com/mattjoyce/chartsmith/internal/config"
	"github.com/mattjoyce/chartsmith/internal/executor"
	"github.com/mattjoyce/chartsmith/internal/manifest"
)

// Status grades one check.
type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Check is one diagnostic outcome.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail"`
}

// Result holds all check outcomes.
type Result struct {
	Checks []Check `json:"checks"`
}

// Healthy reports whether no check failed.
func (r *Result) Healthy() bool {
	for _, c := range r.Checks {
		if c.Status == StatusFail {
			return false
		}
	}
	return true
}

// Doctor runs installation diagnostics.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor for the given configuration.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Run executes all checks. The executor check performs a real selection,
// so on a healthy Linux install it may decompress the production binary
// into the cache as a side effect.
func (d *Doctor) Run() *Result {
	r := &Result{}

	desired, ok := d.checkManifest(r)
	d.checkArtifacts(r, desired, ok)
	d.checkCacheRoot(r)
	d.checkExecutor(r, desired)
	d.checkHistoryPath(r)

	return r
}

func (d *Doctor) add(r *Result, name string, status Status, format string, args ...any) {
	r.Checks = append(r.Checks, Check{Name: name, Status: status, Detail: fmt.Sprintf(format, args...)})
}

// checkManifest verifies the plugin root and manifest, returning the
// declared artifact version when available.
func (d *Doctor) checkManifest(r *Result) (artifact.Version, bool) {
	info, err := os.Stat(d.cfg.PluginRoot)
	if err != nil || !info.IsDir() {
		d.add(r, "plugin root", StatusFail, "not a directory: %s", d.cfg.PluginRoot)
		return artifact.Version{}, false
	}
	d.add(r, "plugin root", StatusOK, "%s", d.cfg.PluginRoot)

	m, err := manifest.Load(d.cfg.PluginRoot)
	if err != nil {
		d.add(r, "manifest", StatusFail, "%v", err)
		return artifact.Version{}, false
	}

	version, err := m.DeclaredVersion()
	if err != nil {
		d.add(r, "manifest", StatusFail, "%v", err)
		return artifact.Version{}, false
	}

	d.add(r, "manifest", StatusOK, "%s version %s", m.Name, m.Version)
	return version, true
}

// checkArtifacts inspects the artifact directory without mutating it.
func (d *Doctor) checkArtifacts(r *Result, desired artifact.Version, haveVersion bool) {
	binDir := filepath.Join(d.cfg.PluginRoot, "bin")

	entries, err := os.ReadDir(binDir)
	if err != nil {
		status := StatusWarn
		if d.cfg.BinaryRequired {
			status = StatusFail
		}
		d.add(r, "artifact directory", status, "unreadable: %v", err)
		return
	}

	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".gz") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		status := StatusWarn
		if d.cfg.BinaryRequired {
			status = StatusFail
		}
		d.add(r, "artifact directory", status, "no compressed artifacts in %s", binDir)
		return
	}
	d.add(r, "artifact directory", StatusOK, "%d compressed artifacts", len(names))

	if !haveVersion {
		return
	}
	selected, err := artifact.Peek(binDir, desired)
	if err != nil {
		d.add(r, "version resolution", StatusFail, "%v", err)
		return
	}
	if selected == desired {
		d.add(r, "version resolution", StatusOK, "exact match %s", selected)
	} else {
		d.add(r, "version resolution", StatusWarn, "desired %s not present, would use %s", desired, selected)
	}
}

// checkCacheRoot probes cache storage the same way renderer construction does.
func (d *Doctor) checkCacheRoot(r *Result) {
	cache, err := bincache.New(d.cfg.PluginRoot)
	if err != nil {
		d.add(r, "cache storage", StatusFail, "%v", err)
		return
	}
	d.add(r, "cache storage", StatusOK, "%s", cache.Root())
}

// checkExecutor runs the real selection under the configured mode.
func (d *Doctor) checkExecutor(r *Result, desired artifact.Version) {
	candidate, err := executor.Select(executor.Options{
		PluginRoot:     d.cfg.PluginRoot,
		OverridePath:   config.OverridePath(),
		DesiredVersion: desired,
		BinaryRequired: d.cfg.BinaryRequired,
	})
	if err != nil {
		if errors.Is(err, executor.ErrBinaryRequired) {
			d.add(r, "executor", StatusFail, "strict mode unsatisfied: %v", err)
		} else {
			d.add(r, "executor", StatusFail, "%v", err)
		}
		return
	}

	switch candidate.Origin {
	case executor.OriginRuntime:
		d.add(r, "executor", StatusWarn, "interpreted runtime fallback (%s %s)", candidate.Runtime, candidate.Script)
	default:
		d.add(r, "executor", StatusOK, "%s (%s)", candidate.Path, candidate.Origin)
	}
}

// checkHistoryPath verifies the render log location is writable.
func (d *Doctor) checkHistoryPath(r *Result) {
	dir := filepath.Dir(d.cfg.History.Path)
	if dir == "." {
		d.add(r, "history", StatusOK, "%s", d.cfg.History.Path)
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.add(r, "history", StatusWarn, "history directory not writable: %v", err)
		return
	}
	d.add(r, "history", StatusOK, "%s", d.cfg.History.Path)
}
