// Package manifest reads the plugin manifest.yaml that declares, among other
// metadata, which artifact version this installation ships.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/chartsmith/internal/artifact"
)

const filename = "manifest.yaml"

// Manifest is the subset of the plugin manifest chartsmith consumes.
type Manifest struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description,omitempty"`
}

// Load reads and validates the manifest in pluginRoot.
func Load(pluginRoot string) (*Manifest, error) {
	path := filepath.Join(pluginRoot, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest not found at %s", path)
		}
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	if m.Version == "" {
		return nil, fmt.Errorf("manifest %s: version is required", path)
	}
	if _, err := artifact.ParseVersion(m.Version); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}

	return &m, nil
}

// DeclaredVersion parses the manifest's version field.
func (m *Manifest) DeclaredVersion() (artifact.Version, error) {
	return artifact.ParseVersion(m.Version)
}
