package pipeline

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar"
)

// Discover lists the files under root matching any include pattern and no
// exclude pattern. Patterns are doublestar globs over slash-separated paths
// relative to root. Directories in skip are not descended.
func Discover(root string, include, exclude []string, skip ...string) ([]string, error) {
	skipped := map[string]bool{}
	for _, s := range skip {
		if s != "" {
			skipped[filepath.Clean(s)] = true
		}
	}
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && (skipped[filepath.Clean(p)] || d.Name() == ".git") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		ok, err := matchAny(include, rel)
		if err != nil || !ok {
			return err
		}
		excluded, err := matchAny(exclude, rel)
		if err != nil || excluded {
			return err
		}
		out = append(out, filepath.ToSlash(p))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover sources: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func matchAny(patterns []string, rel string) (bool, error) {
	for _, pat := range patterns {
		ok, err := doublestar.Match(pat, rel)
		if err != nil {
			return false, fmt.Errorf("bad pattern %q: %w", pat, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
