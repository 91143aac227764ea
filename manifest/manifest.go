// Package manifest handles drift.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/driftlabs/drift/vm"
)

// ManifestFile is the project configuration file name.
const ManifestFile = "drift.toml"

// DefaultOutput is the container path used when [build] gives no output.
const DefaultOutput = "out.dpb"

// Manifest represents a drift.toml project configuration.
type Manifest struct {
	Project Project     `toml:"project"`
	Build   Build       `toml:"build"`
	Cache   CacheConfig `toml:"cache"`

	// Dir is the directory containing the drift.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Runtime string `toml:"runtime"`
}

// Build configures compilation input and output.
type Build struct {
	Entry  string `toml:"entry"`
	Output string `toml:"output"`
}

// CacheConfig configures the compile cache. Enabled distinguishes "absent"
// from "false": an omitted key means the cache is on.
type CacheConfig struct {
	Dir     string `toml:"dir"`
	Enabled *bool  `toml:"enabled"`
}

// Load parses a drift.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.Build.Output == "" {
		m.Build.Output = DefaultOutput
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a drift.toml file, then loads
// and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, ManifestFile)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// RuntimeTag returns the runtime tag containers should be built for and
// checked against: [project] runtime, or the interpreter default.
func (m *Manifest) RuntimeTag() string {
	if m.Project.Runtime != "" {
		return m.Project.Runtime
	}
	return vm.DefaultRuntimeTag
}

// OutputPath returns the absolute path of the build output container.
func (m *Manifest) OutputPath() string {
	return m.resolve(m.Build.Output)
}

// EntryPath returns the absolute path of the build entry point, or "" when
// the manifest names none.
func (m *Manifest) EntryPath() string {
	if m.Build.Entry == "" {
		return ""
	}
	return m.resolve(m.Build.Entry)
}

// CacheEnabled reports whether the compile cache is on. The default is on.
func (m *Manifest) CacheEnabled() bool {
	return m.Cache.Enabled == nil || *m.Cache.Enabled
}

// CachePath returns the path of the cache database: [cache] dir when set,
// otherwise .drift/ under the project directory.
func (m *Manifest) CachePath() string {
	dir := m.Cache.Dir
	if dir == "" {
		dir = filepath.Join(".drift")
	}
	return filepath.Join(m.resolve(dir), "cache.db")
}

// resolve anchors a possibly relative path at the manifest directory.
func (m *Manifest) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(m.Dir, path)
}
