package importer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the well-known manifest name inside a package directory
const ManifestFile = "package.yaml"

// Manifest is the parsed package manifest. Dependencies drive the
// environment key; the rest is catalog metadata.
type Manifest struct {
	Name              string              `yaml:"name"`
	Description       string              `yaml:"description"`
	Version           string              `yaml:"version"`
	Dependencies      map[string][]string `yaml:"dependencies"`
	PostInstall       []string            `yaml:"post-install"`
	ExternalEndpoints []string            `yaml:"external-endpoints"`
	RequiredSecrets   []string            `yaml:"required-secrets"`

	// Path is the absolute manifest location, set by ParseManifest
	Path string `yaml:"-"`
}

// ParseManifest reads and validates a package manifest. A missing file
// is reported with os.ErrNotExist so callers can skip non-package
// directories silently.
func ParseManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed manifest %s: %w", path, err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("manifest %s has no name", path)
	}
	m.Path = path
	return &m, nil
}

// EnvKey hashes the environment-relevant manifest fields. Two manifests
// with the same dependency set share one prepared environment.
func (m *Manifest) EnvKey() string {
	h := sha256.New()

	channels := make([]string, 0, len(m.Dependencies))
	for channel := range m.Dependencies {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	for _, channel := range channels {
		deps := append([]string{}, m.Dependencies[channel]...)
		sort.Strings(deps)
		fmt.Fprintf(h, "%s:%s\n", channel, strings.Join(deps, ","))
	}
	for _, step := range m.PostInstall {
		fmt.Fprintf(h, "post:%s\n", step)
	}

	return hex.EncodeToString(h.Sum(nil))[:16]
}
