package modgraph

import (
	"sort"

	"bundleweaver/internal/hashing"
)

// Import is a reference from one module to another.
type Import struct {
	Path  string `json:"path" yaml:"path"`
	Async bool   `json:"async,omitempty" yaml:"async,omitempty"`
}

// Module is one compiled unit.
type Module struct {
	Path    string   `json:"path" yaml:"path"`
	Size    int64    `json:"size" yaml:"size"`
	Imports []Import `json:"imports,omitempty" yaml:"imports,omitempty"`
}

// Entry names a top-level module a build starts from.
type Entry struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

// RequesterKind distinguishes initial (entry) loads from dynamic imports.
type RequesterKind string

const (
	Initial RequesterKind = "initial"
	Async   RequesterKind = "async"
)

// Requester is an entry point or a dynamic-import split point. Every module
// is reached by one or more requesters through synchronous imports.
type Requester struct {
	// ID is the entry name for initial requesters and the root module path
	// for async requesters.
	ID   string
	Kind RequesterKind
	Root string

	// Parents lists the requesters whose modules dynamically import Root.
	// Empty for entries.
	Parents []string
}

// Graph is an immutable, validated module graph.
//
// It is safe for concurrent read access.
type Graph struct {
	entries []Entry
	modules []*Module
	byPath  map[string]*Module

	requesters []Requester
	reqIndex   map[string]int
	reachedBy  map[string][]string
	members    map[string][]string

	hash string
}

// New builds and validates a Graph.
//
// Validation rejects:
//   - graphs without entries
//   - empty or duplicate module paths, negative sizes
//   - duplicate entry names and entries naming unknown modules
//   - imports of unknown modules
//
// Import cycles are legal.
func New(entries []Entry, modules []Module) (*Graph, error) {
	if len(entries) == 0 {
		return nil, invalidf("no entries")
	}

	byPath := make(map[string]*Module, len(modules))
	list := make([]*Module, 0, len(modules))
	for _, m := range modules {
		if m.Path == "" {
			return nil, invalidf("module path is required")
		}
		if m.Size < 0 {
			return nil, invalidf("module %q has negative size", m.Path)
		}
		if _, dup := byPath[m.Path]; dup {
			return nil, invalidf("duplicate module: %q", m.Path)
		}
		cp := &Module{Path: m.Path, Size: m.Size, Imports: canonicalImports(m.Imports)}
		byPath[m.Path] = cp
		list = append(list, cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })

	for _, m := range list {
		for _, imp := range m.Imports {
			if _, ok := byPath[imp.Path]; !ok {
				return nil, invalidf("module %q imports unknown module %q", m.Path, imp.Path)
			}
		}
	}

	seenNames := make(map[string]struct{}, len(entries))
	ents := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			return nil, invalidf("entry name is required")
		}
		if _, dup := seenNames[e.Name]; dup {
			return nil, invalidf("duplicate entry: %q", e.Name)
		}
		seenNames[e.Name] = struct{}{}
		if _, ok := byPath[e.Path]; !ok {
			return nil, invalidf("entry %q names unknown module %q", e.Name, e.Path)
		}
		ents = append(ents, e)
	}

	g := &Graph{entries: ents, modules: list, byPath: byPath}
	g.computeReachability()
	g.hash = g.computeHash()
	return g, nil
}

// canonicalImports sorts and de-duplicates imports. A module imported both
// synchronously and asynchronously keeps only the synchronous edge, since the
// synchronous load already makes it available.
func canonicalImports(in []Import) []Import {
	if len(in) == 0 {
		return nil
	}
	byPath := make(map[string]bool, len(in))
	for _, imp := range in {
		async, seen := byPath[imp.Path]
		byPath[imp.Path] = imp.Async && (!seen || async)
	}
	out := make([]Import, 0, len(byPath))
	for p, async := range byPath {
		out = append(out, Import{Path: p, Async: async})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// computeReachability walks synchronous imports from every requester root.
// Async imports discovered along the way become new requesters; they are
// processed after all entries, in path order.
func (g *Graph) computeReachability() {
	g.reachedBy = make(map[string][]string, len(g.modules))
	g.members = map[string][]string{}
	g.reqIndex = map[string]int{}

	parents := map[string]map[string]struct{}{}
	walk := func(id, root string) []string {
		visited := map[string]struct{}{root: {}}
		queue := []string{root}
		var asyncRoots []string
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, imp := range g.byPath[cur].Imports {
				if imp.Async {
					if parents[imp.Path] == nil {
						parents[imp.Path] = map[string]struct{}{}
						asyncRoots = append(asyncRoots, imp.Path)
					}
					parents[imp.Path][id] = struct{}{}
					continue
				}
				if _, ok := visited[imp.Path]; ok {
					continue
				}
				visited[imp.Path] = struct{}{}
				queue = append(queue, imp.Path)
			}
		}
		members := make([]string, 0, len(visited))
		for p := range visited {
			members = append(members, p)
		}
		sort.Strings(members)
		g.members[id] = members
		return asyncRoots
	}

	var pending []string
	for _, e := range g.entries {
		g.reqIndex[e.Name] = len(g.requesters)
		g.requesters = append(g.requesters, Requester{ID: e.Name, Kind: Initial, Root: e.Path})
		pending = append(pending, walk(e.Name, e.Path)...)
	}

	done := map[string]bool{}
	for len(pending) > 0 {
		sort.Strings(pending)
		root := pending[0]
		pending = pending[1:]
		if done[root] {
			continue
		}
		done[root] = true
		g.reqIndex[root] = len(g.requesters)
		g.requesters = append(g.requesters, Requester{ID: root, Kind: Async, Root: root})
		pending = append(pending, walk(root, root)...)
	}

	for i := range g.requesters {
		r := &g.requesters[i]
		if r.Kind == Async {
			for p := range parents[r.Root] {
				r.Parents = append(r.Parents, p)
			}
			sort.Slice(r.Parents, func(a, b int) bool { return g.reqIndex[r.Parents[a]] < g.reqIndex[r.Parents[b]] })
		}
		for _, p := range g.members[r.ID] {
			g.reachedBy[p] = append(g.reachedBy[p], r.ID)
		}
	}
}

func (g *Graph) computeHash() string {
	d := hashing.New()
	d.Int(int64(len(g.entries)))
	for _, e := range g.entries {
		d.String(e.Name).String(e.Path)
	}
	d.Int(int64(len(g.modules)))
	for _, m := range g.modules {
		d.String(m.Path).Int(m.Size).Int(int64(len(m.Imports)))
		for _, imp := range m.Imports {
			d.String(imp.Path)
			if imp.Async {
				d.Int(1)
			} else {
				d.Int(0)
			}
		}
	}
	return d.Sum()
}

// Hash returns the stable identity of the graph.
func (g *Graph) Hash() string { return g.hash }

// Entries returns the entries in declared order.
func (g *Graph) Entries() []Entry {
	out := make([]Entry, len(g.entries))
	copy(out, g.entries)
	return out
}

// Modules returns copies of all modules in canonical path order.
func (g *Graph) Modules() []Module {
	out := make([]Module, 0, len(g.modules))
	for _, m := range g.modules {
		out = append(out, m.clone())
	}
	return out
}

// Module returns a module by path.
func (g *Graph) Module(path string) (Module, bool) {
	m, ok := g.byPath[path]
	if !ok {
		return Module{}, false
	}
	return m.clone(), true
}

// Requesters returns entries in declared order followed by async split
// points in path order.
func (g *Graph) Requesters() []Requester {
	out := make([]Requester, len(g.requesters))
	for i, r := range g.requesters {
		out[i] = r
		out[i].Parents = append([]string(nil), r.Parents...)
	}
	return out
}

// Requester looks up a requester by ID.
func (g *Graph) Requester(id string) (Requester, bool) {
	i, ok := g.reqIndex[id]
	if !ok {
		return Requester{}, false
	}
	return g.Requesters()[i], true
}

// RequesterOrder returns the canonical position of a requester, or -1.
func (g *Graph) RequesterOrder(id string) int {
	if i, ok := g.reqIndex[id]; ok {
		return i
	}
	return -1
}

// ReachedBy returns the requester IDs that reach path synchronously, in
// requester order. Unreachable modules return nil.
func (g *Graph) ReachedBy(path string) []string {
	return append([]string(nil), g.reachedBy[path]...)
}

// Members returns the module paths a requester reaches, sorted.
func (g *Graph) Members(id string) []string {
	return append([]string(nil), g.members[id]...)
}

func (m *Module) clone() Module {
	return Module{Path: m.Path, Size: m.Size, Imports: append([]Import(nil), m.Imports...)}
}

// Rebuild returns a new snapshot keeping only the modules accepted by keep,
// with sizes replaced from sizes when present. Imports of dropped modules are
// removed.
func (g *Graph) Rebuild(keep func(path string) bool, sizes map[string]int64) (*Graph, error) {
	modules := make([]Module, 0, len(g.modules))
	for _, m := range g.modules {
		if keep != nil && !keep(m.Path) {
			continue
		}
		cp := m.clone()
		if s, ok := sizes[m.Path]; ok {
			cp.Size = s
		}
		imports := cp.Imports[:0]
		for _, imp := range cp.Imports {
			if keep == nil || keep(imp.Path) {
				imports = append(imports, imp)
			}
		}
		cp.Imports = imports
		modules = append(modules, cp)
	}
	return New(g.entries, modules)
}
