package chunk

import (
	"path"
	"slices"
	"sort"
	"strconv"
	"strings"

	"bundleweaver/internal/hashing"
	"bundleweaver/internal/modgraph"
	"bundleweaver/internal/trace"
)

// Kind classifies chunks for emission and document ordering.
type Kind string

const (
	KindShared  Kind = "shared"
	KindAsync   Kind = "async"
	KindEntry   Kind = "entry"
	KindRuntime Kind = "runtime"
)

func kindOrder(k Kind) int {
	switch k {
	case KindShared:
		return 0
	case KindAsync:
		return 1
	case KindEntry:
		return 2
	default:
		return 3
	}
}

// Chunk is one planned output chunk.
type Chunk struct {
	Name  string `json:"name"`
	Kind  Kind   `json:"kind"`
	Group string `json:"group,omitempty"`

	// Owner is the requester whose default partition this is. Empty for
	// group chunks and the runtime chunk.
	Owner string `json:"owner,omitempty"`

	// Modules are member paths in canonical order.
	Modules []string `json:"modules"`
	Size    int64    `json:"size"`

	// Requesters load this chunk, in graph requester order.
	Requesters []string `json:"requesters,omitempty"`

	// Initial is set when an entry loads the chunk at startup.
	Initial bool `json:"initial"`

	// ID identifies the chunk membership. Content hashes of the emitted
	// bytes are computed later, by the emitter.
	ID string `json:"id"`

	priority int
}

// Plan is the result of one planning run.
type Plan struct {
	GraphHash string          `json:"graphHash"`
	Chunks    []Chunk         `json:"chunks"`
	Trace     trace.PlanTrace `json:"trace"`

	byName   map[string]int
	byModule map[string]int
}

// Chunk looks up a chunk by name.
func (p *Plan) Chunk(name string) (Chunk, bool) {
	i, ok := p.byName[name]
	if !ok {
		return Chunk{}, false
	}
	return p.Chunks[i], true
}

// ChunkOf returns the chunk owning module.
func (p *Plan) ChunkOf(module string) (Chunk, bool) {
	i, ok := p.byModule[module]
	if !ok {
		return Chunk{}, false
	}
	return p.Chunks[i], true
}

// Runtime returns the runtime chunk. It is always the last chunk.
func (p *Plan) Runtime() Chunk {
	return p.Chunks[len(p.Chunks)-1]
}

// Loads returns the non-runtime chunks requester needs, in plan order.
func (p *Plan) Loads(requester string) []Chunk {
	var out []Chunk
	for _, c := range p.Chunks {
		if c.Kind == KindRuntime {
			continue
		}
		for _, r := range c.Requesters {
			if r == requester {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// Warnings returns the advisory events of the plan trace.
func (p *Plan) Warnings() []trace.Event {
	return p.Trace.Warnings()
}

// Compute partitions g into chunks according to cfg.
func Compute(g *modgraph.Graph, cfg Config) *Plan {
	cfg = cfg.withDefaults()
	pl := &planner{
		g:       g,
		cfg:     cfg,
		rec:     trace.NewRecorder(),
		sizes:   map[string]int64{},
		reach:   map[string][]string{},
		buckets: map[string]*bucket{},
		keys:    map[string]*bucket{},
	}
	pl.assign()
	pl.enforceMinSize()
	pl.enforceMaxSize()
	pl.enforceRequestCaps()
	return pl.finish()
}

type bucket struct {
	key     string
	name    string
	kind    Kind
	group   int
	owner   string
	modules map[string]struct{}
	size    int64
}

type planner struct {
	g   *modgraph.Graph
	cfg Config
	rec *trace.Recorder

	sizes map[string]int64
	reach map[string][]string

	buckets map[string]*bucket
	keys    map[string]*bucket
}

func (pl *planner) assign() {
	for _, m := range pl.g.Modules() {
		reqs := pl.g.ReachedBy(m.Path)
		if len(reqs) == 0 {
			pl.rec.Record(trace.Event{Kind: trace.EventModuleUnreachable, Subject: m.Path, Size: m.Size})
			continue
		}
		pl.sizes[m.Path] = m.Size
		pl.reach[m.Path] = reqs

		if gi := pl.pickGroup(m.Path, len(reqs)); gi >= 0 {
			pl.groupBucket(gi, reqs).add(m.Path, m.Size)
			continue
		}
		pl.defaultBucket(reqs[0]).add(m.Path, m.Size)
	}
}

// pickGroup returns the highest-priority claiming group; ties go to the
// first declared.
func (pl *planner) pickGroup(path string, requesters int) int {
	best := -1
	for i, gr := range pl.cfg.Groups {
		if !gr.claims(path, requesters) {
			continue
		}
		if best < 0 || gr.Priority > pl.cfg.Groups[best].Priority {
			best = i
		}
	}
	return best
}

func (pl *planner) groupBucket(gi int, reqs []string) *bucket {
	gr := pl.cfg.Groups[gi]
	tmpl := gr.NameTemplate
	if tmpl == "" {
		tmpl = "{group}"
	}
	key := "group:" + gr.Name
	name := strings.ReplaceAll(tmpl, "{group}", gr.Name)
	if strings.Contains(tmpl, "{requesters}") {
		set := hashing.Short(hashing.New().Strings(reqs).Sum(), 8)
		key += ":" + set
		name = strings.ReplaceAll(name, "{requesters}", set)
	}
	return pl.bucketFor(key, name, KindShared, gi, "")
}

func (pl *planner) defaultBucket(requester string) *bucket {
	r, _ := pl.g.Requester(requester)
	if r.Kind == modgraph.Initial {
		return pl.bucketFor("req:"+r.ID, r.ID, KindEntry, -1, r.ID)
	}
	return pl.bucketFor("req:"+r.ID, asyncChunkName(r.Root, pl.cfg.Delimiter), KindAsync, -1, r.ID)
}

// asyncChunkName names a split point after its module, using the parent
// directory for index files, plus a digest of the full path.
func asyncChunkName(root, delim string) string {
	p, _, _ := strings.Cut(root, "?")
	stem := strings.TrimSuffix(path.Base(p), path.Ext(p))
	if stem == "index" {
		if dir := path.Base(path.Dir(p)); dir != "." && dir != "/" {
			stem = dir
		}
	}
	return stem + delim + hashing.Short(hashing.Content([]byte(root)), 8)
}

func (pl *planner) bucketFor(key, name string, kind Kind, group int, owner string) *bucket {
	if b, ok := pl.keys[key]; ok {
		return b
	}
	name = pl.uniqueName(name, key)
	b := &bucket{key: key, name: name, kind: kind, group: group, owner: owner, modules: map[string]struct{}{}}
	pl.keys[key] = b
	pl.buckets[name] = b
	return b
}

func (pl *planner) uniqueName(name, key string) string {
	if _, taken := pl.buckets[name]; !taken && name != pl.cfg.RuntimeName {
		return name
	}
	return name + pl.cfg.Delimiter + hashing.Short(hashing.Content([]byte(key)), 8)
}

func (pl *planner) remove(b *bucket) {
	delete(pl.buckets, b.name)
	delete(pl.keys, b.key)
}

func (b *bucket) add(path string, size int64) {
	if _, ok := b.modules[path]; ok {
		return
	}
	b.modules[path] = struct{}{}
	b.size += size
}

func (b *bucket) sorted() []string {
	out := make([]string, 0, len(b.modules))
	for m := range b.modules {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// moveAll moves every module of from into to and drops from.
func (pl *planner) moveAll(from, to *bucket) {
	for m := range from.modules {
		to.add(m, pl.sizes[m])
	}
	pl.remove(from)
}

func (pl *planner) names() []string {
	out := make([]string, 0, len(pl.buckets))
	for n := range pl.buckets {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// requesters returns the union of requesters reaching any member, in
// requester order.
func (pl *planner) requesters(modules []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, m := range modules {
		for _, r := range pl.reach[m] {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return pl.g.RequesterOrder(out[i]) < pl.g.RequesterOrder(out[j]) })
	return out
}

func (pl *planner) primary(b *bucket) string {
	if b.owner != "" {
		return b.owner
	}
	return pl.requesters(b.sorted())[0]
}

func (pl *planner) enforceMinSize() {
	for _, name := range pl.names() {
		b := pl.buckets[name]
		if b == nil || b.group < 0 {
			continue
		}
		if b.size >= pl.cfg.groupMinSize(b.group) {
			continue
		}
		target := pl.defaultBucket(pl.primary(b))
		pl.rec.Record(trace.Event{
			Kind:    trace.EventChunkMerged,
			Subject: b.name,
			Related: target.name,
			Reason:  "BelowMinSize",
			Size:    b.size,
		})
		pl.moveAll(b, target)
	}
}

// ownedBy returns the first default partition of requester, creating one
// when every part of it was extracted.
func (pl *planner) ownedBy(requester string) *bucket {
	for _, name := range pl.names() {
		if b := pl.buckets[name]; b.group < 0 && b.owner == requester {
			return b
		}
	}
	return pl.defaultBucket(requester)
}

func (pl *planner) enforceRequestCaps() {
	for _, r := range pl.g.Requesters() {
		limit := pl.cfg.MaxInitialRequests
		if r.Kind == modgraph.Async {
			limit = pl.cfg.MaxAsyncRequests
		}
		if limit <= 0 {
			continue
		}
		for {
			loaded := pl.loadedBy(r.ID)
			if len(loaded) <= limit {
				break
			}
			victim := pl.weakestExtraction(loaded)
			if victim == nil {
				pl.rec.Record(trace.Event{
					Kind:    trace.EventRequestCapExceeded,
					Subject: r.ID,
					Reason:  strconv.Itoa(limit),
					Size:    int64(len(loaded)),
				})
				break
			}
			target := pl.ownedBy(r.ID)
			pl.rec.Record(trace.Event{
				Kind:    trace.EventExtractionAbandoned,
				Subject: victim.name,
				Related: target.name,
				Reason:  "RequestCap",
				Size:    victim.size,
			})
			pl.moveAll(victim, target)
		}
	}
}

func (pl *planner) loadedBy(requester string) []*bucket {
	var out []*bucket
	for _, name := range pl.names() {
		b := pl.buckets[name]
		for m := range b.modules {
			if slices.Contains(pl.reach[m], requester) {
				out = append(out, b)
				break
			}
		}
	}
	return out
}

// weakestExtraction picks the group chunk to abandon first: lowest priority,
// then smallest, then by name.
func (pl *planner) weakestExtraction(loaded []*bucket) *bucket {
	var best *bucket
	for _, b := range loaded {
		if b.group < 0 {
			continue
		}
		if best == nil {
			best = b
			continue
		}
		bp, cp := pl.cfg.Groups[best.group].Priority, pl.cfg.Groups[b.group].Priority
		switch {
		case cp < bp:
			best = b
		case cp == bp && b.size < best.size:
			best = b
		case cp == bp && b.size == best.size && b.name < best.name:
			best = b
		}
	}
	return best
}

func (pl *planner) finish() *Plan {
	p := &Plan{
		GraphHash: pl.g.Hash(),
		byName:    map[string]int{},
		byModule:  map[string]int{},
	}
	for _, name := range pl.names() {
		b := pl.buckets[name]
		mods := b.sorted()
		c := Chunk{
			Name:       b.name,
			Kind:       b.kind,
			Owner:      b.owner,
			Modules:    mods,
			Size:       b.size,
			Requesters: pl.requesters(mods),
			ID:         hashing.New().String(b.name).Strings(mods).Sum(),
		}
		for _, r := range c.Requesters {
			if req, _ := pl.g.Requester(r); req.Kind == modgraph.Initial {
				c.Initial = true
				break
			}
		}
		if b.group >= 0 {
			c.Group = pl.cfg.Groups[b.group].Name
			c.priority = pl.cfg.Groups[b.group].Priority
		}
		p.Chunks = append(p.Chunks, c)
	}
	sort.SliceStable(p.Chunks, func(i, j int) bool {
		a, b := p.Chunks[i], p.Chunks[j]
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.Name < b.Name
	})

	var initial []string
	for _, r := range pl.g.Requesters() {
		if r.Kind == modgraph.Initial {
			initial = append(initial, r.ID)
		}
	}
	// uniqueName keeps RuntimeName free for this chunk.
	runtime := pl.cfg.RuntimeName
	p.Chunks = append(p.Chunks, Chunk{
		Name:       runtime,
		Kind:       KindRuntime,
		Modules:    []string{},
		Requesters: initial,
		Initial:    true,
		ID:         hashing.New().String(runtime).Strings(nil).Sum(),
	})

	for i, c := range p.Chunks {
		p.byName[c.Name] = i
		for _, m := range c.Modules {
			p.byModule[m] = i
		}
	}
	p.Trace = pl.rec.Trace(pl.g.Hash())
	return p
}
