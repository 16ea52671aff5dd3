package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/chartsmith/internal/log"
)

// ErrNoArtifacts reports that the artifact directory holds no compressed
// artifact matching the naming convention.
var ErrNoArtifacts = errors.New("no versioned artifacts found")

// Resolve selects which artifact version to use from dir. An artifact
// exactly matching desired wins; otherwise the numerically highest version
// available is chosen. After selection every other version's compressed
// artifacts in dir are deleted best-effort, enforcing single-version
// retention at rest. Deletion failures are logged and never fatal.
func Resolve(dir string, desired Version) (Version, error) {
	candidates, err := listCompressed(dir)
	if err != nil {
		return Version{}, err
	}

	selected, err := pick(dir, candidates, desired)
	if err != nil {
		return Version{}, err
	}

	cleanupOtherVersions(dir, candidates, selected)
	return selected, nil
}

// Peek selects like Resolve but performs no cleanup. Used by diagnostics
// that must not mutate the artifact directory.
func Peek(dir string, desired Version) (Version, error) {
	candidates, err := listCompressed(dir)
	if err != nil {
		return Version{}, err
	}
	return pick(dir, candidates, desired)
}

func pick(dir string, candidates []candidate, desired Version) (Version, error) {
	if len(candidates) == 0 {
		return Version{}, fmt.Errorf("%w in %s", ErrNoArtifacts, dir)
	}

	for _, c := range candidates {
		if c.version == desired {
			return desired, nil
		}
	}

	selected := candidates[0].version
	for _, c := range candidates[1:] {
		if c.version.Compare(selected) > 0 {
			selected = c.version
		}
	}
	log.WithComponent("artifact").Info("desired version not available, using latest",
		"desired", desired.String(), "selected", selected.String(), "dir", dir)
	return selected, nil
}

type candidate struct {
	name    string
	version Version
}

// listCompressed returns the compressed artifacts in dir that match the
// naming convention. Non-matching files are ignored.
func listCompressed(dir string) ([]candidate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: artifact directory does not exist: %s", ErrNoArtifacts, dir)
		}
		return nil, fmt.Errorf("read artifact directory %s: %w", dir, err)
	}

	var out []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".gz") {
			continue
		}
		v, ok := ExtractVersion(e.Name())
		if !ok {
			continue
		}
		out = append(out, candidate{name: e.Name(), version: v})
	}
	return out, nil
}

// cleanupOtherVersions removes every candidate whose version differs from
// keep. Failures are logged and swallowed.
func cleanupOtherVersions(dir string, candidates []candidate, keep Version) {
	logger := log.WithComponent("artifact")
	for _, c := range candidates {
		if c.version == keep {
			continue
		}
		path := filepath.Join(dir, c.name)
		if err := os.Remove(path); err != nil {
			logger.Warn("failed to remove old artifact", "path", path, "error", err)
			continue
		}
		logger.Info("removed old artifact", "path", path, "version", c.version.String())
	}
}
