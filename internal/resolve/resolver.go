package resolve

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Resolver resolves specifiers found in a source file against the alias
// table, relative paths, and the third-party dependency directory.
type Resolver struct {
	Aliases *AliasTable
	Order   Order

	// VendorDir is the absolute third-party dependency directory.
	VendorDir string

	// Stat reports whether a candidate exists as a regular file. Defaults to
	// the host filesystem.
	Stat func(name string) (fs.FileInfo, error)
}

// Candidates yields candidate paths for spec imported from importer.
func (r *Resolver) Candidates(importer, spec string) iter.Seq[string] {
	switch {
	case strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../"):
		return candidates(path.Join(path.Dir(importer), spec), r.Order)
	case isAliased(spec, r.Aliases) || path.IsAbs(spec):
		return Resolve(spec, r.Aliases, r.Order)
	default:
		return r.vendorCandidates(spec)
	}
}

func isAliased(spec string, t *AliasTable) bool {
	_, _, ok := t.Match(spec)
	return ok
}

// vendorCandidates handles bare package specifiers. A bare package root is
// tried through its package.json main fields before the index fallbacks.
func (r *Resolver) vendorCandidates(spec string) iter.Seq[string] {
	base := path.Join(filepath.ToSlash(r.VendorDir), spec)
	return func(yield func(string) bool) {
		if !isPackageRoot(spec) {
			for c := range candidates(base, r.Order) {
				if !yield(c) {
					return
				}
			}
			return
		}
		if entry, err := ReadPackageEntry(base, r.Order); err == nil {
			for c := range candidates(path.Join(base, entry), r.Order) {
				if !yield(c) {
					return
				}
			}
		}
		for c := range candidates(base, r.Order) {
			if !yield(c) {
				return
			}
		}
	}
}

func isPackageRoot(spec string) bool {
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") {
		return len(parts) == 2
	}
	return len(parts) == 1
}

// ErrUnresolved is returned when no candidate exists.
var ErrUnresolved = errors.New("module not found")

// First walks the candidates and returns the first existing regular file.
func (r *Resolver) First(importer, spec string) (string, error) {
	stat := r.Stat
	if stat == nil {
		stat = os.Stat
	}
	for c := range r.Candidates(importer, spec) {
		info, err := stat(filepath.FromSlash(c))
		if err == nil && info.Mode().IsRegular() {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q from %s", ErrUnresolved, spec, importer)
}

// PackageEntry returns the value of the first main field present in a parsed
// package.json document.
func (o Order) PackageEntry(manifest map[string]any) (string, bool) {
	for _, field := range o.MainFields {
		if v, ok := manifest[field].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// ReadPackageEntry reads <dir>/package.json and applies PackageEntry.
func ReadPackageEntry(dir string, o Order) (string, error) {
	b, err := os.ReadFile(filepath.Join(filepath.FromSlash(dir), "package.json"))
	if err != nil {
		return "", err
	}
	var manifest map[string]any
	if err := json.Unmarshal(b, &manifest); err != nil {
		return "", fmt.Errorf("parse %s/package.json: %w", dir, err)
	}
	entry, ok := o.PackageEntry(manifest)
	if !ok {
		return "", fmt.Errorf("%s/package.json declares none of %v", dir, o.MainFields)
	}
	return entry, nil
}
