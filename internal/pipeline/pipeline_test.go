package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundleweaver/internal/cache"
	"bundleweaver/internal/chunk"
	"bundleweaver/internal/config"
	"bundleweaver/internal/metrics"
	"bundleweaver/internal/toolchain"
)

const themeCSS = ".brand { color: #c0ffee; }\n"

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return root
}

func sampleProject(t *testing.T) string {
	return writeProject(t, map[string]string{
		"src/app/index.tsx":  "import './theme.less'\nimport logo from './logo.svg'\nimport { hello } from '@utils/hello'\nhello(logo)\n",
		"src/app/theme.less": themeCSS,
		"src/app/logo.svg":   `<svg xmlns="http://www.w3.org/2000/svg"/>`,
		"src/utils/hello.ts": "export function hello(x) { return x }\n",
		"src/app/skip.d.ts":  "declare const x: number\n",
	})
}

func passthroughStages() map[string]string {
	out := map[string]string{}
	for stage := range toolchain.DefaultCommands {
		out[stage] = PassthroughCommand
	}
	return out
}

func newPipeline(t *testing.T, root string) *Pipeline {
	t.Helper()
	cfg, err := config.Load(config.Options{
		Root:      root,
		LookupEnv: func(string) (string, bool) { return "", false },
	})
	require.NoError(t, err)
	return &Pipeline{
		Config:   cfg,
		Registry: NewRegistry(root, passthroughStages(), nil),
		Metrics:  metrics.New(),
		Log:      zerolog.Nop(),
	}
}

func globOne(t *testing.T, pattern string) string {
	t.Helper()
	matches, err := filepath.Glob(pattern)
	require.NoError(t, err)
	require.Len(t, matches, 1, "pattern %s", pattern)
	return matches[0]
}

func TestBuild_EmitsEntryStyleAndDocument(t *testing.T) {
	root := sampleProject(t)
	p := newPipeline(t, root)

	rep := p.Build(context.Background())
	require.NoError(t, rep.Err)
	assert.NotEmpty(t, rep.BuildID)
	assert.Equal(t, toolchain.KindBabel, rep.Toolchain.Transform.Kind)
	assert.Empty(t, rep.Warnings)

	out := p.Config.OutDir
	appJS := globOne(t, filepath.Join(out, "js", "app.*.js"))
	runtimeJS := globOne(t, filepath.Join(out, "js", "runtime.*.js"))
	css := globOne(t, filepath.Join(out, "css", "theme.*.css"))

	app, err := os.ReadFile(appJS)
	require.NoError(t, err)
	assert.Contains(t, string(app), `"src/app/index.tsx"`)
	assert.Contains(t, string(app), `"src/utils/hello.ts"`)
	assert.Contains(t, string(app), "data:image/svg+xml")
	assert.NotContains(t, string(app), "c0ffee", "stylesheets never land in script chunks")

	style, err := os.ReadFile(css)
	require.NoError(t, err)
	assert.Equal(t, themeCSS, string(style))

	rt, err := os.ReadFile(runtimeJS)
	require.NoError(t, err)
	assert.Contains(t, string(rt), `"src/app/index.tsx"`)

	doc, err := os.ReadFile(filepath.Join(out, DocumentName))
	require.NoError(t, err)
	html := string(doc)
	rel := func(p string) string {
		r, err := filepath.Rel(out, p)
		require.NoError(t, err)
		return "./" + filepath.ToSlash(r)
	}
	ri := strings.Index(html, rel(runtimeJS))
	ai := strings.Index(html, rel(appJS))
	require.True(t, ri >= 0 && ai >= 0, html)
	assert.Less(t, ri, ai, "runtime is referenced before the entry chunk")
	assert.Contains(t, html, rel(css))

	_, err = os.Stat(filepath.Join(out, ManifestName))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(out, ManifestYAMLName))
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.BuildsTotal.WithLabelValues("success")))
}

func TestBuild_WritesYAMLManifestWhenEnabled(t *testing.T) {
	root := sampleProject(t)
	p := newPipeline(t, root)
	p.Config.YAMLOutput = true

	rep := p.Build(context.Background())
	require.NoError(t, rep.Err)
	b, err := os.ReadFile(filepath.Join(p.Config.OutDir, ManifestYAMLName))
	require.NoError(t, err)
	assert.Contains(t, string(b), rep.BuildID)
}

func TestBuild_ReplacesPreviousOutput(t *testing.T) {
	root := sampleProject(t)
	p := newPipeline(t, root)
	stale := filepath.Join(p.Config.OutDir, "js", "old.deadbeef.js")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	rep := p.Build(context.Background())
	require.NoError(t, rep.Err)
	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestBuild_StageFailureNamesTheFile(t *testing.T) {
	root := sampleProject(t)
	p := newPipeline(t, root)
	p.Registry.RegisterTransformer("babel", toolchain.TransformFunc(
		func(_ context.Context, in toolchain.Input, _ toolchain.Options) (toolchain.Result, error) {
			if strings.HasSuffix(in.Path, "index.tsx") {
				return toolchain.Result{}, errors.New("Unexpected token (3:1)")
			}
			return toolchain.Result{Code: in.Source}, nil
		}))

	rep := p.Build(context.Background())
	require.Error(t, rep.Err)
	assert.ErrorIs(t, rep.Err, ErrStageFailed)

	var se *StageError
	require.ErrorAs(t, rep.Err, &se)
	assert.Equal(t, "babel", se.Stage)
	assert.Equal(t, "src/app/index.tsx", se.Subject)
	assert.Contains(t, rep.Err.Error(), "Unexpected token")

	_, err := os.Stat(p.Config.OutDir)
	assert.True(t, os.IsNotExist(err), "a failed build writes nothing")
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.BuildsTotal.WithLabelValues("failure")))
}

func TestBuild_UnmatchedSourceIsConfigError(t *testing.T) {
	root := writeProject(t, map[string]string{
		"src/app/index.ts":   "export {}\n",
		"src/app/widget.vue": "<template/>",
	})
	p := newPipeline(t, root)

	rep := p.Build(context.Background())
	require.Error(t, rep.Err)
	assert.Contains(t, rep.Err.Error(), "widget.vue")
}

func TestBuild_MissingEntry(t *testing.T) {
	root := writeProject(t, map[string]string{"src/other.ts": "export {}\n"})
	p := newPipeline(t, root)

	rep := p.Build(context.Background())
	require.Error(t, rep.Err)
	assert.Contains(t, rep.Err.Error(), "entry app")
}

func TestBuild_CacheServesSecondBuild(t *testing.T) {
	root := sampleProject(t)
	p := newPipeline(t, root)
	lc, err := cache.NewLayered(64, nil)
	require.NoError(t, err)
	p.Cache = lc

	var calls atomic.Int32
	p.Registry.RegisterTransformer("babel", toolchain.TransformFunc(
		func(_ context.Context, in toolchain.Input, _ toolchain.Options) (toolchain.Result, error) {
			calls.Add(1)
			return toolchain.Result{Code: in.Source}, nil
		}))

	first := p.Build(context.Background())
	require.NoError(t, first.Err)
	afterFirst := calls.Load()
	require.Positive(t, afterFirst)

	second := p.Build(context.Background())
	require.NoError(t, second.Err)
	assert.Equal(t, afterFirst, calls.Load(), "unchanged sources are not recompiled")
	assert.NotEqual(t, first.BuildID, second.BuildID)

	hits, _ := lc.Stats()
	assert.Positive(t, hits)
	assert.Equal(t, float64(hits), testutil.ToFloat64(p.Metrics.CacheHits))
}

func TestBuild_StyleMinifierGetsCSSLoader(t *testing.T) {
	root := sampleProject(t)
	p := newPipeline(t, root)
	stages := passthroughStages()
	stages["css-minify"] = "printf '/*%s*/' {loader}; cat"
	stages["terser"] = "printf '/*%s*/' {loader}; cat"
	p.Registry = NewRegistry(root, stages, os.Getenv)

	rep := p.Build(context.Background())
	require.NoError(t, rep.Err)

	style, err := os.ReadFile(globOne(t, filepath.Join(p.Config.OutDir, "css", "theme.*.css")))
	require.NoError(t, err)
	assert.Equal(t, "/*css*/"+themeCSS, string(style), "a .less source is minified as css")

	app, err := os.ReadFile(globOne(t, filepath.Join(p.Config.OutDir, "js", "app.*.js")))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(app), "/*js*/"), string(app))
}

func TestBuild_EditedStageCommandMissesCache(t *testing.T) {
	root := sampleProject(t)
	lc, err := cache.NewLayered(64, nil)
	require.NoError(t, err)

	build := func(babel string) {
		t.Helper()
		p := newPipeline(t, root)
		p.Cache = lc
		stages := passthroughStages()
		stages["babel"] = babel
		p.Registry = NewRegistry(root, stages, os.Getenv)
		require.NoError(t, p.Build(context.Background()).Err)
	}

	hitsAfter := func(babel string) int64 {
		build(babel)
		hits, _ := lc.Stats()
		return hits
	}

	h1 := hitsAfter("cat")
	h2 := hitsAfter("cat -")
	h3 := hitsAfter("cat -")
	// Passthrough stages hit in both later builds; babel only in the last.
	assert.Greater(t, h3-h2, h2-h1, "a different command must not replay old output")
}

func TestBuild_DeterministicOutputNames(t *testing.T) {
	root := sampleProject(t)
	a := newPipeline(t, root).Build(context.Background())
	b := newPipeline(t, root).Build(context.Background())
	require.NoError(t, a.Err)
	require.NoError(t, b.Err)

	paths := func(r *Report) []string {
		var out []string
		for _, art := range r.Artifacts {
			out = append(out, art.Path)
		}
		return out
	}
	assert.Equal(t, paths(a), paths(b))
}

func TestPlan_DoesNotWrite(t *testing.T) {
	root := sampleProject(t)
	p := newPipeline(t, root)

	plan, err := p.Plan(context.Background())
	require.NoError(t, err)
	require.Len(t, plan.Chunks, 2)
	assert.Equal(t, "app", plan.Chunks[0].Name)
	assert.Equal(t, chunk.KindRuntime, plan.Runtime().Kind)

	_, err = os.Stat(p.Config.OutDir)
	assert.True(t, os.IsNotExist(err))
}
