package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func TestLoad_Defaults(t *testing.T) {
	root := t.TempDir()
	cfg, err := Load(Options{Root: root, LookupEnv: noEnv})
	require.NoError(t, err)

	assert.Equal(t, root, cfg.Root)
	assert.Equal(t, filepath.Join(root, "dist"), cfg.OutDir)
	assert.Equal(t, "./", cfg.PublicPath)
	assert.Equal(t, []Entry{{Name: "app", Path: filepath.Join(root, "src/app")}}, cfg.Entries)
	assert.Equal(t, filepath.Join(root, "src/assets"), cfg.Aliases["@assets"])
	assert.Len(t, cfg.Aliases, 9)
	assert.Equal(t, []string{".tsx", ".ts", ".jsx", ".js"}, cfg.Extensions)
	assert.Equal(t, []string{"browser", "main:h5", "module", "main"}, cfg.MainFields)
	assert.Equal(t, int64(819200), cfg.Split.MinSize)
	assert.Equal(t, int64(1843200), cfg.Split.MaxSize)
	assert.Equal(t, 30, cfg.Split.MaxInitialRequests)
	assert.Equal(t, "~", cfg.Split.Delimiter)
	assert.Equal(t, int64(10240), cfg.InlineLimit)
	assert.Equal(t, 200*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, Toolchain{}, cfg.Toolchain)
}

func TestLoad_FileThenEnv(t *testing.T) {
	root := t.TempDir()
	toml := `
out_dir = "build"

[[entries]]
name = "main"
path = "src/main.tsx"

[split]
min_size = 1000
max_size = 5000

[stages]
babel = "passthrough"
`
	require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte(toml), 0o644))
	t.Setenv("BUNDLEWEAVER_SPLIT__MAX_SIZE", "9000")
	t.Setenv("BUNDLEWEAVER_LOG__LEVEL", "debug")

	cfg, err := Load(Options{Root: root, LookupEnv: noEnv})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "build"), cfg.OutDir)
	assert.Equal(t, []Entry{{Name: "main", Path: filepath.Join(root, "src/main.tsx")}}, cfg.Entries)
	assert.Equal(t, int64(1000), cfg.Split.MinSize)
	assert.Equal(t, int64(9000), cfg.Split.MaxSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "passthrough", cfg.Stages["babel"])
}

func TestLoad_ToolchainFlags(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("TRANSFORM=swc\nMINI=swc\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env.production"), []byte("MINI=esbuild\n"), 0o644))

	cfg, err := Load(Options{Root: root, LookupEnv: noEnv})
	require.NoError(t, err)
	assert.Equal(t, Toolchain{Transform: "swc", Minify: "esbuild"}, cfg.Toolchain)

	cfg, err = Load(Options{Root: root, LookupEnv: func(k string) (string, bool) {
		if k == TransformFlag {
			return "esbuild", true
		}
		return "", false
	}})
	require.NoError(t, err)
	assert.Equal(t, Toolchain{Transform: "esbuild", Minify: "esbuild"}, cfg.Toolchain)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(Options{Root: t.TempDir(), Path: "/nonexistent/bundleweaver.toml", LookupEnv: noEnv})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	root := t.TempDir()
	base, err := Load(Options{Root: root, LookupEnv: noEnv})
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"no entries":      func(c *Config) { c.Entries = nil },
		"duplicate entry": func(c *Config) { c.Entries = append(c.Entries, c.Entries[0]) },
		"min above max":   func(c *Config) { c.Split.MinSize = c.Split.MaxSize + 1 },
		"negative cap":    func(c *Config) { c.Split.MaxAsyncRequests = -1 },
		"negative conc":   func(c *Config) { c.Concurrency = -1 },
		"long hash":       func(c *Config) { c.HashLength = 65 },
		"out is root":     func(c *Config) { c.OutDir = c.Root },
		"out above root":  func(c *Config) { c.OutDir = filepath.Dir(c.Root) },
		"out is src":      func(c *Config) { c.OutDir = c.SrcDir },
		"out holds template": func(c *Config) {
			c.Template = "/srv/site/public/index.html"
			c.OutDir = "/srv/site"
		},
		"out holds entry": func(c *Config) {
			c.Entries = []Entry{{Name: "app", Path: "/elsewhere/src/app"}}
			c.OutDir = "/elsewhere"
		},
	}
	for name, mutate := range cases {
		c := *base
		c.Entries = append([]Entry(nil), base.Entries...)
		mutate(&c)
		assert.ErrorIs(t, c.Validate(), ErrInvalid, name)
	}
}

func TestLoad_RejectsOutDirOverProject(t *testing.T) {
	root := t.TempDir()
	t.Setenv("BUNDLEWEAVER_OUT_DIR", ".")

	_, err := Load(Options{Root: root, LookupEnv: noEnv})
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "contains root")
}

func TestValidate_OutDirBesideSources(t *testing.T) {
	root := t.TempDir()
	base, err := Load(Options{Root: root, LookupEnv: noEnv})
	require.NoError(t, err)

	for _, out := range []string{"dist", "build/web", "src/../out", "src/generated"} {
		c := *base
		c.OutDir = filepath.Join(root, out)
		assert.NoError(t, c.Validate(), out)
	}
}

func TestChunkConfig(t *testing.T) {
	cfg, err := Load(Options{Root: t.TempDir(), LookupEnv: noEnv})
	require.NoError(t, err)
	cc := cfg.ChunkConfig()
	require.Len(t, cc.Groups, 3)
	assert.Equal(t, "vendors", cc.Groups[0].Name)
	assert.Equal(t, "runtime", cc.RuntimeName)
}
