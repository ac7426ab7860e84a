package modgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Builder produces the module graph for a set of entries.
type Builder interface {
	Build(ctx context.Context, entries []Entry) (*Graph, error)
}

type graphFile struct {
	Entries []Entry  `json:"entries" yaml:"entries"`
	Modules []Module `json:"modules" yaml:"modules"`
}

// LoadFile reads a graph description produced by an external dependency
// graph builder. JSON and YAML (by extension) are accepted; unknown fields
// are rejected so a schema drift never passes silently.
func LoadFile(path string) (*Graph, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	var gf graphFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&gf); err != nil {
			return nil, fmt.Errorf("parse graph yaml: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&gf); err != nil {
			return nil, fmt.Errorf("parse graph json: %w", err)
		}
		var trailing any
		if err := dec.Decode(&trailing); err != io.EOF {
			if err == nil {
				return nil, fmt.Errorf("parse graph json: trailing data")
			}
			return nil, fmt.Errorf("parse graph json: %w", err)
		}
	}
	return New(gf.Entries, gf.Modules)
}

// FileBuilder serves a prebuilt graph file. When entries are supplied they
// replace the entries recorded in the file.
type FileBuilder struct {
	Path string
}

func (b FileBuilder) Build(_ context.Context, entries []Entry) (*Graph, error) {
	g, err := LoadFile(b.Path)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return g, nil
	}
	return New(entries, g.Modules())
}

// WriteFile stores g in the LoadFile format.
func WriteFile(path string, g *Graph) error {
	gf := graphFile{Entries: g.Entries(), Modules: g.Modules()}
	var (
		b   []byte
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err = yaml.Marshal(gf)
	default:
		b, err = json.MarshalIndent(gf, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}
