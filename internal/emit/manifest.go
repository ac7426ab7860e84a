package emit

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Manifest maps logical names to emitted paths. Keys are chunk names for
// scripts and source-relative paths for assets.
type Manifest struct {
	BuildID   string            `json:"buildId" yaml:"buildId"`
	Document  string            `json:"document" yaml:"document"`
	Artifacts map[string]string `json:"artifacts" yaml:"artifacts"`
	Inline    []string          `json:"inline,omitempty" yaml:"inline,omitempty"`
}

// NewManifest indexes artifacts by key.
func NewManifest(buildID, document string, artifacts []Artifact, key func(Artifact) string) Manifest {
	m := Manifest{BuildID: buildID, Document: document, Artifacts: map[string]string{}}
	for _, a := range artifacts {
		k := key(a)
		if !a.Emitted() {
			m.Inline = append(m.Inline, k)
			continue
		}
		m.Artifacts[k] = a.Path
	}
	return m
}

// JSON encodes the manifest with sorted keys.
func (m Manifest) JSON() ([]byte, error) {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return append(b, '\n'), nil
}

// YAML encodes the manifest with sorted keys.
func (m Manifest) YAML() ([]byte, error) {
	b, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return b, nil
}
