package emit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// File is one output file relative to the output root.
type File struct {
	Path string
	Data []byte
}

// Files lists everything Write would create for artifacts, including source
// map siblings.
func Files(artifacts []Artifact) []File {
	var out []File
	for _, a := range artifacts {
		if !a.Emitted() {
			continue
		}
		out = append(out, File{Path: a.Path, Data: a.Data})
		if mp := a.MapPath(); mp != "" {
			out = append(out, File{Path: mp, Data: a.Map})
		}
	}
	return out
}

// Write stores files under dir. Paths escaping dir are rejected.
func Write(dir string, files []File) error {
	for _, f := range files {
		rel := filepath.Clean(filepath.FromSlash(f.Path))
		if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("output path %q escapes the output root", f.Path)
		}
		p := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
		if err := os.WriteFile(p, f.Data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.Path, err)
		}
	}
	return nil
}

// Clean removes dir and recreates it empty.
func Clean(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clean output dir: %w", err)
	}
	return os.MkdirAll(dir, 0o755)
}
