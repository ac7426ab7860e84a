// Package pipeline drives one build: discover, classify, transform, plan,
// minify, emit and write. Every build is a fresh snapshot; nothing from a
// previous build is mutated.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"bundleweaver/internal/cache"
	"bundleweaver/internal/chunk"
	"bundleweaver/internal/classify"
	"bundleweaver/internal/config"
	"bundleweaver/internal/emit"
	"bundleweaver/internal/metrics"
	"bundleweaver/internal/modgraph"
	"bundleweaver/internal/resolve"
	"bundleweaver/internal/toolchain"
	"bundleweaver/internal/trace"
)

const (
	DocumentName     = "index.html"
	ManifestName     = "manifest.json"
	ManifestYAMLName = "manifest.yaml"
)

// Pipeline holds the collaborators of a build. Config and Registry are
// required; the rest may be nil.
type Pipeline struct {
	Config   *config.Config
	Registry *toolchain.Registry
	Cache    cache.Store
	Metrics  *metrics.Collector
	Log      zerolog.Logger

	// Builder overrides graph construction.
	Builder modgraph.Builder
}

// Report is the outcome of a build. Err holds only the first fatal cause;
// warnings are advisory and never fail a build.
type Report struct {
	BuildID   string
	Toolchain toolchain.Toolchain
	Plan      *chunk.Plan
	Artifacts []emit.Artifact
	Document  emit.DocumentRefs
	Manifest  emit.Manifest
	Warnings  []trace.Event
	Duration  time.Duration
	Err       error
}

// source is one classified graph module with its compiled output.
type source struct {
	path string
	rule classify.Rule
	code []byte
	smap []byte

	// asset is set for non-script modules.
	asset *emit.Artifact
}

type state struct {
	cfg     *config.Config
	tc      toolchain.Toolchain
	emitter emit.Emitter
	graph   *modgraph.Graph
	sources map[string]*source
	plan    *chunk.Plan
}

// Plan runs the build up to chunk planning without writing anything.
func (p *Pipeline) Plan(ctx context.Context) (*chunk.Plan, error) {
	st, err := p.prepare(ctx)
	if err != nil {
		return nil, err
	}
	return st.plan, nil
}

// Build runs a complete build and writes the output tree.
func (p *Pipeline) Build(ctx context.Context) *Report {
	start := time.Now()
	rep := &Report{BuildID: uuid.NewString()}
	log := p.Log.With().Str("build_id", rep.BuildID).Logger()

	rep.Err = p.build(ctx, rep, log)
	rep.Duration = time.Since(start)

	p.Metrics.BuildFinished(rep.Err, rep.Duration)
	for _, w := range rep.Warnings {
		p.Metrics.Warning(string(w.Kind))
	}
	if l, ok := p.Cache.(*cache.Layered); ok {
		hits, misses := l.Stats()
		p.Metrics.Cache(hits, misses)
	}
	if p.Config != nil {
		if err := p.Metrics.WriteTextfile(p.Config.MetricsFile); err != nil {
			log.Warn().Err(err).Msg("metrics not written")
		}
	}

	if rep.Err != nil {
		log.Error().Err(rep.Err).Dur("duration", rep.Duration).Msg("build failed")
		return rep
	}
	for _, w := range rep.Warnings {
		log.Warn().Str("kind", string(w.Kind)).Str("subject", w.Subject).Msg(w.String())
	}
	log.Info().
		Int("chunks", len(rep.Plan.Chunks)).
		Int("artifacts", len(rep.Artifacts)).
		Int("warnings", len(rep.Warnings)).
		Dur("duration", rep.Duration).
		Msg("build complete")
	return rep
}

func (p *Pipeline) build(ctx context.Context, rep *Report, log zerolog.Logger) error {
	st, err := p.prepareWith(ctx, log)
	if err != nil {
		return err
	}
	rep.Toolchain = st.tc
	rep.Plan = st.plan
	rep.Warnings = st.plan.Warnings()

	artifacts, refs, err := p.emitChunks(ctx, st, log)
	if err != nil {
		return err
	}
	for _, path := range sortedKeys(st.sources) {
		if a := st.sources[path].asset; a != nil {
			artifacts = append(artifacts, *a)
		}
	}
	styles, err := p.emitStyles(ctx, st)
	if err != nil {
		return err
	}
	for _, a := range styles {
		artifacts = append(artifacts, a)
		refs.Styles = append(refs.Styles, a.Path)
	}
	rep.Artifacts = artifacts
	rep.Document = refs

	doc, err := p.document(ctx, st, refs)
	if err != nil {
		return err
	}

	root := p.Config.Root
	rep.Manifest = emit.NewManifest(rep.BuildID, DocumentName, artifacts, func(a emit.Artifact) string {
		if a.Category == classify.Script {
			return a.Name + ".js"
		}
		return st.emitter.ModuleID(a.Source)
	})
	files := emit.Files(artifacts)
	files = append(files, emit.File{Path: DocumentName, Data: doc})
	mj, err := rep.Manifest.JSON()
	if err != nil {
		return err
	}
	files = append(files, emit.File{Path: ManifestName, Data: mj})
	if p.Config.YAMLOutput {
		my, err := rep.Manifest.YAML()
		if err != nil {
			return err
		}
		files = append(files, emit.File{Path: ManifestYAMLName, Data: my})
	}

	if err := emit.Clean(p.Config.OutDir); err != nil {
		return err
	}
	if err := emit.Write(p.Config.OutDir, files); err != nil {
		return err
	}
	for _, a := range artifacts {
		if a.Emitted() {
			p.Metrics.Artifact(string(a.Category), a.Size)
			log.Debug().Str("path", a.Path).Int64("size", a.Size).Msg("artifact emitted")
		}
	}
	log.Debug().Str("root", root).Str("out", p.Config.OutDir).Int("files", len(files)).Msg("output written")
	return nil
}

func (p *Pipeline) prepare(ctx context.Context) (*state, error) {
	return p.prepareWith(ctx, p.Log)
}

func (p *Pipeline) prepareWith(ctx context.Context, log zerolog.Logger) (*state, error) {
	cfg := p.Config
	if cfg == nil || p.Registry == nil {
		return nil, errors.New("pipeline requires a config and a stage registry")
	}
	tc := toolchain.Select(cfg.Toolchain.Transform, cfg.Toolchain.Minify, log)

	aliases, err := resolve.NewAliasTable(cfg.Aliases)
	if err != nil {
		return nil, fmt.Errorf("alias table: %w", err)
	}
	resolver := &resolve.Resolver{
		Aliases:   aliases,
		Order:     resolve.Order{MainFields: cfg.MainFields, Extensions: cfg.Extensions},
		VendorDir: filepath.ToSlash(filepath.Join(cfg.Root, cfg.VendorDir)),
	}
	table := classify.DefaultTable(classify.Options{
		ScriptStage: classify.Stage(tc.Transform.Stage),
		VendorDir:   cfg.VendorDir,
		InlineLimit: cfg.InlineLimit,
	})

	discovered, err := Discover(cfg.Root, cfg.Include, cfg.Exclude,
		filepath.Join(cfg.Root, cfg.VendorDir), cfg.OutDir, cfg.Cache.Dir)
	if err != nil {
		return nil, err
	}
	for _, f := range discovered {
		if _, err := table.Classify(f); err != nil {
			return nil, err
		}
	}
	log.Debug().Int("sources", len(discovered)).Msg("sources classified")

	entries := make([]modgraph.Entry, 0, len(cfg.Entries))
	for _, e := range cfg.Entries {
		resolved, err := resolver.First("", filepath.ToSlash(e.Path))
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.Name, err)
		}
		entries = append(entries, modgraph.Entry{Name: e.Name, Path: resolved})
	}

	builder := p.Builder
	switch {
	case builder != nil:
	case cfg.Graph != "":
		builder = modgraph.FileBuilder{Path: cfg.Graph}
	default:
		builder = modgraph.ScanBuilder{Resolver: resolver}
	}
	full, err := builder.Build(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("module graph: %w", err)
	}

	st := &state{
		cfg:     cfg,
		tc:      tc,
		emitter: emit.Emitter{HashLength: cfg.HashLength, Root: cfg.Root},
		sources: map[string]*source{},
	}
	for _, m := range full.Modules() {
		rule, err := table.Classify(m.Path)
		if err != nil {
			return nil, err
		}
		st.sources[m.Path] = &source{path: m.Path, rule: rule}
	}
	if err := p.transform(ctx, st); err != nil {
		return nil, err
	}

	sizes := map[string]int64{}
	for path, s := range st.sources {
		sizes[path] = int64(len(s.code))
	}
	st.graph, err = full.Rebuild(func(path string) bool {
		return st.sources[path].rule.Category != classify.Stylesheet
	}, sizes)
	if err != nil {
		return nil, fmt.Errorf("module graph: %w", err)
	}

	st.plan = chunk.Compute(st.graph, cfg.ChunkConfig())
	return st, nil
}

func (p *Pipeline) concurrency() int {
	if n := p.Config.Concurrency; n > 0 {
		return n
	}
	return runtime.GOMAXPROCS(0)
}

// transform compiles every graph module through its rule's chain. Each
// goroutine writes only its own source entry.
func (p *Pipeline) transform(ctx context.Context, st *state) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency())
	for _, path := range sortedKeys(st.sources) {
		s := st.sources[path]
		g.Go(func() error {
			return p.compile(ctx, st, s)
		})
	}
	return g.Wait()
}

func (p *Pipeline) compile(ctx context.Context, st *state, s *source) error {
	src := classify.ParseSource(s.path)
	data, err := os.ReadFile(filepath.FromSlash(src.Path))
	if err != nil {
		return fmt.Errorf("read %s: %w", st.emitter.ModuleID(s.path), err)
	}

	switch s.rule.Category {
	case classify.Script, classify.Stylesheet:
	default:
		a := st.emitter.Asset(s.path, s.rule, data, nil)
		s.asset = &a
		value := a.Inline
		if a.Emitted() {
			value = p.Config.PublicPath + a.Path
		}
		enc, _ := json.Marshal(value)
		s.code = []byte("module.exports = " + string(enc) + ";\n")
		return nil
	}

	code, smap := data, []byte(nil)
	for _, stage := range s.rule.Chain {
		if stage == classify.StageExtract {
			continue
		}
		opts := toolchain.Options(nil)
		if string(stage) == st.tc.Transform.Stage {
			opts = st.tc.Transform.Options
		}
		res, err := p.runStage(ctx, string(stage), opts, st.emitter.ModuleID(s.path), code)
		if err != nil {
			return err
		}
		code, smap = res.Code, res.Map
	}
	s.code = code
	if p.Config.SourceMaps {
		s.smap = smap
	}
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, stage string, opts toolchain.Options, subject string, in []byte) (toolchain.Result, error) {
	var key string
	if p.Cache != nil {
		k, err := cache.Key(stage, p.Registry.Fingerprint(stage), opts, subject, in)
		if err != nil {
			return toolchain.Result{}, err
		}
		key = k
		if e, err := p.Cache.Get(key); err != nil {
			p.Log.Warn().Err(err).Str("stage", stage).Msg("cache read failed")
		} else if e != nil {
			return toolchain.Result{Code: e.Code, Map: e.Map}, nil
		}
	}

	tr, err := p.Registry.Transformer(stage)
	if err != nil {
		return toolchain.Result{}, &StageError{Stage: stage, Subject: subject, Err: err}
	}
	res, err := tr.Transform(ctx, toolchain.Input{Path: subject, Source: in}, opts)
	p.Metrics.Stage(stage, err)
	if err != nil {
		return toolchain.Result{}, &StageError{Stage: stage, Subject: subject, Err: err}
	}

	if p.Cache != nil {
		if err := p.Cache.Put(&cache.Entry{Key: key, Stage: stage, Source: subject, Code: res.Code, Map: res.Map}); err != nil {
			p.Log.Warn().Err(err).Str("stage", stage).Msg("cache write failed")
		}
	}
	return res, nil
}

func (p *Pipeline) minify(ctx context.Context, stage, subject, loader string, opts toolchain.Options, in []byte) ([]byte, error) {
	m, err := p.Registry.Minifier(stage)
	if err != nil {
		return nil, &StageError{Stage: stage, Subject: subject, Err: err}
	}
	out, err := m.Minify(ctx, toolchain.Input{Path: subject, Loader: loader, Source: in}, opts)
	p.Metrics.Stage(stage, err)
	if err != nil {
		return nil, &StageError{Stage: stage, Subject: subject, Err: err}
	}
	return out, nil
}

// emitChunks renders and minifies every business chunk concurrently, then
// the runtime chunk, which references the others by final path.
func (p *Pipeline) emitChunks(ctx context.Context, st *state, log zerolog.Logger) ([]emit.Artifact, emit.DocumentRefs, error) {
	business := st.plan.Chunks[:len(st.plan.Chunks)-1]
	out := make([]emit.Artifact, len(business))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency())
	for i, c := range business {
		g.Go(func() error {
			body := st.emitter.RenderChunk(c, func(m string) []byte { return st.sources[m].code })
			final, err := p.minify(gctx, st.tc.Minify.Script, "chunk "+c.Name, toolchain.LoaderJS, st.tc.Minify.Options, body)
			if err != nil {
				return err
			}
			out[i] = st.emitter.Chunk(c, final, nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, emit.DocumentRefs{}, err
	}

	byName := map[string]emit.Artifact{}
	for _, a := range out {
		byName[a.Name] = a
	}
	for _, e := range st.graph.Entries() {
		log.Info().Str("entry", e.Name).Int("chunks", len(st.plan.Loads(e.Name))).Msg("entry emitted")
	}

	var refs emit.DocumentRefs
	in := emit.RuntimeInput{Async: map[string][]string{}}
	for _, c := range business {
		if !c.Initial {
			continue
		}
		path := byName[c.Name].Path
		if c.Kind == chunk.KindEntry {
			refs.Entries = append(refs.Entries, path)
		} else {
			refs.Shared = append(refs.Shared, path)
		}
		in.Preloaded = append(in.Preloaded, p.Config.PublicPath+path)
	}
	for _, r := range st.graph.Requesters() {
		if r.Kind == modgraph.Initial {
			in.Entries = append(in.Entries, st.emitter.ModuleID(r.Root))
			continue
		}
		var urls []string
		for _, c := range st.plan.Loads(r.ID) {
			urls = append(urls, p.Config.PublicPath+byName[c.Name].Path)
		}
		in.Async[st.emitter.ModuleID(r.Root)] = urls
	}

	rt := st.plan.Runtime()
	final, err := p.minify(ctx, st.tc.Minify.Script, "chunk "+rt.Name, toolchain.LoaderJS, st.tc.Minify.Options, st.emitter.RenderRuntime(in))
	if err != nil {
		return nil, emit.DocumentRefs{}, err
	}
	rtArtifact := st.emitter.Chunk(rt, final, nil)
	refs.Runtime = rtArtifact.Path
	return append(out, rtArtifact), refs, nil
}

// emitStyles minifies every stylesheet in the graph into its own artifact.
func (p *Pipeline) emitStyles(ctx context.Context, st *state) ([]emit.Artifact, error) {
	var styles []*source
	for _, path := range sortedKeys(st.sources) {
		if s := st.sources[path]; s.rule.Category == classify.Stylesheet {
			styles = append(styles, s)
		}
	}
	out := make([]emit.Artifact, len(styles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency())
	for i, s := range styles {
		g.Go(func() error {
			final, err := p.minify(gctx, st.tc.Minify.Style, st.emitter.ModuleID(s.path), toolchain.LoaderCSS, st.tc.Minify.Options, s.code)
			if err != nil {
				return err
			}
			out[i] = st.emitter.Asset(s.path, s.rule, final, s.smap)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pipeline) document(ctx context.Context, st *state, refs emit.DocumentRefs) ([]byte, error) {
	var tmpl []byte
	if p.Config.Template != "" {
		b, err := os.ReadFile(p.Config.Template)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read document template: %w", err)
		}
		tmpl = b
	}
	doc, err := emit.RenderDocument(tmpl, refs, p.Config.PublicPath)
	if err != nil {
		return nil, err
	}
	if !p.Config.MinifyHTML {
		return doc, nil
	}
	return emit.MinifyDocument(doc, emit.MinifyOptions{
		CollapseWhitespace: true,
		RemoveComments:     true,
		MinifyJS: func(b []byte) ([]byte, error) {
			return p.minify(ctx, st.tc.Minify.Script, DocumentName, toolchain.LoaderJS, st.tc.Minify.Options, b)
		},
		MinifyCSS: func(b []byte) ([]byte, error) {
			return p.minify(ctx, st.tc.Minify.Style, DocumentName, toolchain.LoaderCSS, st.tc.Minify.Options, b)
		},
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
