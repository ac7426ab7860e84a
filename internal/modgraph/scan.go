package modgraph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Resolver maps an import specifier found in importer to a file path.
type Resolver interface {
	First(importer, spec string) (string, error)
}

var (
	staticImportRe  = regexp.MustCompile(`(?m)^\s*(?:import|export)\s+(?:[\w*{}\s,$]+\s+from\s+)?['"]([^'"\n]+)['"]`)
	requireRe       = regexp.MustCompile(`\brequire\(\s*['"]([^'"\n]+)['"]\s*\)`)
	dynamicImportRe = regexp.MustCompile(`\bimport\(\s*(?:/\*[^*]*\*/\s*)?['"]([^'"\n]+)['"]\s*\)`)
)

var scannableExt = map[string]bool{
	".js": true, ".jsx": true, ".ts": true, ".tsx": true, ".mjs": true, ".cjs": true,
}

// ScanBuilder discovers the graph by scanning import statements textually,
// starting from the entry files. Only script files are scanned; everything
// else is a leaf. Sizes are source sizes; callers replace them with compiled
// sizes via Graph.Rebuild.
type ScanBuilder struct {
	Resolver Resolver

	// ReadFile defaults to os.ReadFile.
	ReadFile func(string) ([]byte, error)
}

// Build implements Builder.
func (b ScanBuilder) Build(ctx context.Context, entries []Entry) (*Graph, error) {
	read := b.ReadFile
	if read == nil {
		read = os.ReadFile
	}

	modules := map[string]*Module{}
	queue := make([]string, 0, len(entries))
	for _, e := range entries {
		queue = append(queue, e.Path)
	}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := queue[0]
		queue = queue[1:]
		if _, done := modules[cur]; done {
			continue
		}
		file, _, _ := strings.Cut(cur, "?")
		src, err := read(filepath.FromSlash(file))
		if err != nil {
			return nil, fmt.Errorf("read module %s: %w", cur, err)
		}
		m := &Module{Path: cur, Size: int64(len(src))}
		modules[cur] = m
		if !scannableExt[strings.ToLower(filepath.Ext(file))] || strings.Contains(cur, "?") {
			continue
		}
		imports, err := b.scan(file, src)
		if err != nil {
			return nil, err
		}
		m.Imports = imports
		for _, imp := range imports {
			queue = append(queue, imp.Path)
		}
	}

	list := make([]Module, 0, len(modules))
	for _, m := range modules {
		list = append(list, *m)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
	return New(entries, list)
}

func (b ScanBuilder) scan(importer string, src []byte) ([]Import, error) {
	var out []Import
	add := func(spec string, async bool) error {
		bare, query, hasQuery := strings.Cut(spec, "?")
		resolved, err := b.Resolver.First(importer, bare)
		if err != nil {
			return err
		}
		if hasQuery {
			resolved += "?" + query
		}
		out = append(out, Import{Path: resolved, Async: async})
		return nil
	}
	for _, re := range []*regexp.Regexp{staticImportRe, requireRe} {
		for _, m := range re.FindAllSubmatch(src, -1) {
			if err := add(string(m[1]), false); err != nil {
				return nil, err
			}
		}
	}
	for _, m := range dynamicImportRe.FindAllSubmatch(src, -1) {
		if err := add(string(m[1]), true); err != nil {
			return nil, err
		}
	}
	return out, nil
}
