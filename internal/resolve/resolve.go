// Package resolve maps import specifiers to candidate files on disk.
//
// The package never checks the filesystem while producing candidates; the
// consumer walks the sequence and stops at the first path that exists.
package resolve

import (
	"fmt"
	"iter"
	"path"
	"sort"
	"strings"
)

// Alias binds a symbolic import prefix to an absolute directory.
type Alias struct {
	Prefix string
	Dir    string
}

// AliasTable is an immutable set of aliases ordered longest prefix first.
type AliasTable struct {
	aliases []Alias
}

// NewAliasTable validates and orders the given prefix -> directory mapping.
//
// Prefixes must be non-empty and must not contain a trailing slash; targets
// must be absolute. Ordering is by prefix length descending, then
// lexicographically, so equal-length prefixes never depend on map order.
func NewAliasTable(m map[string]string) (*AliasTable, error) {
	aliases := make([]Alias, 0, len(m))
	for prefix, dir := range m {
		if prefix == "" {
			return nil, fmt.Errorf("alias prefix must not be empty")
		}
		if strings.HasSuffix(prefix, "/") {
			return nil, fmt.Errorf("alias prefix %q must not end with '/'", prefix)
		}
		if !path.IsAbs(dir) {
			return nil, fmt.Errorf("alias %q target must be absolute (got %q)", prefix, dir)
		}
		aliases = append(aliases, Alias{Prefix: prefix, Dir: path.Clean(dir)})
	}
	sort.Slice(aliases, func(i, j int) bool {
		a, b := aliases[i].Prefix, aliases[j].Prefix
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	return &AliasTable{aliases: aliases}, nil
}

// Aliases returns the table in match order.
func (t *AliasTable) Aliases() []Alias {
	out := make([]Alias, len(t.aliases))
	copy(out, t.aliases)
	return out
}

// Match finds the longest alias whose prefix covers whole leading path
// segments of spec. It returns the alias and the unchanged remainder
// (without its leading slash).
func (t *AliasTable) Match(spec string) (Alias, string, bool) {
	if t == nil {
		return Alias{}, "", false
	}
	for _, a := range t.aliases {
		if spec == a.Prefix {
			return a, "", true
		}
		if strings.HasPrefix(spec, a.Prefix+"/") {
			return a, spec[len(a.Prefix)+1:], true
		}
	}
	return Alias{}, "", false
}

// Order is the total, significant order in which module fields and file
// extensions are tried.
type Order struct {
	MainFields []string
	Extensions []string
}

// DefaultOrder returns the resolution order of a browser build.
func DefaultOrder() Order {
	return Order{
		MainFields: []string{"browser", "main:h5", "module", "main"},
		Extensions: []string{".tsx", ".ts", ".jsx", ".js"},
	}
}

// Resolve substitutes a matching alias prefix in spec and yields candidate
// paths in resolution order:
//
//  1. the substituted path itself
//  2. the substituted path with each extension appended
//  3. <path>/index with each extension appended
//
// The sequence is lazy and may be ranged over any number of times. A spec
// that matches no alias and is not absolute yields nothing.
func Resolve(spec string, table *AliasTable, order Order) iter.Seq[string] {
	base, ok := substitute(spec, table)
	if !ok {
		return func(func(string) bool) {}
	}
	return candidates(base, order)
}

func substitute(spec string, table *AliasTable) (string, bool) {
	if a, rest, ok := table.Match(spec); ok {
		if rest == "" {
			return a.Dir, true
		}
		return a.Dir + "/" + rest, true
	}
	if path.IsAbs(spec) {
		return spec, true
	}
	return "", false
}

func candidates(base string, order Order) iter.Seq[string] {
	return func(yield func(string) bool) {
		if !yield(base) {
			return
		}
		for _, ext := range order.Extensions {
			if !yield(base + ext) {
				return
			}
		}
		for _, ext := range order.Extensions {
			if !yield(base + "/index" + ext) {
				return
			}
		}
	}
}
