// Package config loads the layered build configuration: built-in defaults,
// then bundleweaver.toml, then BUNDLEWEAVER_* environment variables. The
// toolchain flags come from .env files overridden by the process
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"bundleweaver/internal/chunk"
)

const (
	// FileName is looked up in the project root when no path is given.
	FileName = "bundleweaver.toml"

	// EnvPrefix selects environment overrides. A double underscore separates
	// nesting levels: BUNDLEWEAVER_SPLIT__MIN_SIZE sets split.min_size.
	EnvPrefix = "BUNDLEWEAVER_"

	// TransformFlag and MinifyFlag select the toolchain.
	TransformFlag = "TRANSFORM"
	MinifyFlag    = "MINI"
)

var ErrInvalid = errors.New("invalid configuration")

type Entry struct {
	Name string `koanf:"name"`
	Path string `koanf:"path"`
}

type Split struct {
	MinSize            int64  `koanf:"min_size"`
	MaxSize            int64  `koanf:"max_size"`
	MaxInitialRequests int    `koanf:"max_initial_requests"`
	MaxAsyncRequests   int    `koanf:"max_async_requests"`
	Delimiter          string `koanf:"delimiter"`
	RuntimeName        string `koanf:"runtime_name"`
}

type Cache struct {
	Disabled      bool   `koanf:"disabled"`
	Dir           string `koanf:"dir"`
	Version       string `koanf:"version"`
	MemoryEntries int    `koanf:"memory_entries"`
}

type Log struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type Publish struct {
	Endpoint  string   `koanf:"endpoint"`
	Bucket    string   `koanf:"bucket"`
	Prefix    string   `koanf:"prefix"`
	Region    string   `koanf:"region"`
	AccessKey string   `koanf:"access_key"`
	SecretKey string   `koanf:"secret_key"`
	UseSSL    bool     `koanf:"use_ssl"`
	Exclude   []string `koanf:"exclude"`
}

type Serve struct {
	Addr string `koanf:"addr"`
}

type Watch struct {
	Debounce time.Duration `koanf:"debounce"`
}

// Toolchain holds the raw selection flags. Interpretation belongs to the
// toolchain package.
type Toolchain struct {
	Transform string
	Minify    string
}

// Config is the complete build configuration. Relative paths are resolved
// against Root by Load.
type Config struct {
	Root       string `koanf:"root"`
	SrcDir     string `koanf:"src_dir"`
	OutDir     string `koanf:"out_dir"`
	PublicPath string `koanf:"public_path"`
	Template   string `koanf:"template"`

	// Graph names a prebuilt module graph file. When empty the graph is
	// discovered by scanning imports.
	Graph string `koanf:"graph"`

	Entries    []Entry           `koanf:"entries"`
	Aliases    map[string]string `koanf:"aliases"`
	Extensions []string          `koanf:"extensions"`
	MainFields []string          `koanf:"main_fields"`
	VendorDir  string            `koanf:"vendor_dir"`
	Include    []string          `koanf:"include"`
	Exclude    []string          `koanf:"exclude"`

	Split       Split `koanf:"split"`
	InlineLimit int64 `koanf:"inline_limit"`
	HashLength  int   `koanf:"hash_length"`
	SourceMaps  bool  `koanf:"source_maps"`
	MinifyHTML  bool  `koanf:"minify_html"`
	YAMLOutput  bool  `koanf:"yaml_manifest"`
	Concurrency int   `koanf:"concurrency"`

	// Stages overrides the command of a transform stage. The value
	// "passthrough" copies bytes unchanged.
	Stages map[string]string `koanf:"stages"`

	Cache       Cache   `koanf:"cache"`
	Log         Log     `koanf:"log"`
	MetricsFile string  `koanf:"metrics_file"`
	Publish     Publish `koanf:"publish"`
	Serve       Serve   `koanf:"serve"`
	Watch       Watch   `koanf:"watch"`

	Toolchain Toolchain `koanf:"-"`
}

func defaults() map[string]any {
	return map[string]any{
		"root":        ".",
		"src_dir":     "src",
		"out_dir":     "dist",
		"public_path": "./",
		"template":    "public/index.html",
		"entries":     []map[string]any{{"name": "app", "path": "src/app"}},
		"aliases": map[string]any{
			"@":           "src",
			"@assets":     "src/assets",
			"@components": "src/components",
			"@pages":      "src/pages",
			"@hooks":      "src/hooks",
			"@utils":      "src/utils",
			"@store":      "src/store",
			"@api":        "src/api",
			"@types":      "src/types",
		},
		"extensions":                 []string{".tsx", ".ts", ".jsx", ".js"},
		"main_fields":                []string{"browser", "main:h5", "module", "main"},
		"vendor_dir":                 "node_modules",
		"include":                    []string{"src/**/*"},
		"exclude":                    []string{"**/*.d.ts", "**/*.test.*", "**/__tests__/**"},
		"split.min_size":             chunk.DefaultMinSize,
		"split.max_size":             chunk.DefaultMaxSize,
		"split.max_initial_requests": chunk.DefaultMaxRequests,
		"split.max_async_requests":   chunk.DefaultMaxRequests,
		"split.delimiter":            chunk.DefaultDelimiter,
		"split.runtime_name":         chunk.DefaultRuntimeName,
		"inline_limit":               10240,
		"hash_length":                20,
		"source_maps":                true,
		"minify_html":                true,
		"concurrency":                0,
		"cache.dir":                  "node_modules/.cache",
		"cache.version":              "1",
		"cache.memory_entries":       4096,
		"log.level":                  "info",
		"log.format":                 "console",
		"serve.addr":                 "127.0.0.1:8080",
		"watch.debounce":             "200ms",
	}
}

// Options control where Load looks.
type Options struct {
	// Path is an explicit config file. It must exist when set.
	Path string

	// Root overrides the configured project root.
	Root string

	// EnvFiles are read for the toolchain flags. Relative names resolve
	// against the root; missing files are skipped. Defaults to .env and
	// .env.production.
	EnvFiles []string

	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Load assembles the configuration and validates it.
func Load(opts Options) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	root := opts.Root
	if root == "" {
		root = "."
	}
	path := opts.Path
	if path == "" {
		candidate := filepath.Join(root, FileName)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if opts.Root != "" {
		cfg.Root = opts.Root
	}
	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}

	tc, err := loadToolchain(cfg.Root, opts)
	if err != nil {
		return nil, err
	}
	cfg.Toolchain = tc

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

func (c *Config) resolvePaths() error {
	root, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	c.Root = root
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, p)
	}
	c.SrcDir = abs(c.SrcDir)
	c.OutDir = abs(c.OutDir)
	c.Template = abs(c.Template)
	c.Graph = abs(c.Graph)
	c.Cache.Dir = abs(c.Cache.Dir)
	c.MetricsFile = abs(c.MetricsFile)
	for i := range c.Entries {
		c.Entries[i].Path = abs(c.Entries[i].Path)
	}
	aliases := make(map[string]string, len(c.Aliases))
	for prefix, dir := range c.Aliases {
		aliases[prefix] = abs(dir)
	}
	c.Aliases = aliases
	return nil
}

// loadToolchain reads the selection flags from env files, letting the
// process environment win.
func loadToolchain(root string, opts Options) (Toolchain, error) {
	files := opts.EnvFiles
	if files == nil {
		files = []string{".env", ".env.production"}
	}
	merged := map[string]string{}
	for _, f := range files {
		if !filepath.IsAbs(f) {
			f = filepath.Join(root, f)
		}
		if _, err := os.Stat(f); err != nil {
			continue
		}
		vals, err := godotenv.Read(f)
		if err != nil {
			return Toolchain{}, fmt.Errorf("read %s: %w", f, err)
		}
		for k, v := range vals {
			merged[k] = v
		}
	}
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) string {
		if v, ok := lookup(key); ok {
			return v
		}
		return merged[key]
	}
	return Toolchain{Transform: get(TransformFlag), Minify: get(MinifyFlag)}, nil
}

// Validate rejects configurations no build can satisfy.
func (c *Config) Validate() error {
	if len(c.Entries) == 0 {
		return fmt.Errorf("%w: at least one entry is required", ErrInvalid)
	}
	seen := map[string]bool{}
	for i, e := range c.Entries {
		if e.Name == "" || e.Path == "" {
			return fmt.Errorf("%w: entries[%d] needs a name and a path", ErrInvalid, i)
		}
		if seen[e.Name] {
			return fmt.Errorf("%w: duplicate entry %q", ErrInvalid, e.Name)
		}
		seen[e.Name] = true
	}
	if c.OutDir == "" {
		return fmt.Errorf("%w: out_dir is required", ErrInvalid)
	}
	if err := c.checkOutDir(); err != nil {
		return err
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("%w: concurrency must not be negative", ErrInvalid)
	}
	if c.HashLength < 0 || c.HashLength > 64 {
		return fmt.Errorf("%w: hash_length must be between 0 and 64", ErrInvalid)
	}
	if c.InlineLimit < 0 {
		return fmt.Errorf("%w: inline_limit must not be negative", ErrInvalid)
	}
	if err := c.ChunkConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// checkOutDir rejects an output directory that would swallow inputs. Every
// build removes the output directory before writing.
func (c *Config) checkOutDir() error {
	inputs := []struct{ name, path string }{
		{"root", c.Root},
		{"src_dir", c.SrcDir},
		{"graph", c.Graph},
	}
	if c.Template != "" {
		inputs = append(inputs, struct{ name, path string }{"template", filepath.Dir(c.Template)})
	}
	for _, e := range c.Entries {
		inputs = append(inputs, struct{ name, path string }{"entry " + e.Name, e.Path})
	}
	for _, in := range inputs {
		if in.path != "" && within(c.OutDir, in.path) {
			return fmt.Errorf("%w: out_dir %s contains %s %s", ErrInvalid, c.OutDir, in.name, in.path)
		}
	}
	return nil
}

// within reports whether path equals dir or lies below it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// ChunkConfig returns the planner configuration with the default groups.
func (c *Config) ChunkConfig() chunk.Config {
	return chunk.Config{
		Groups:             chunk.DefaultGroups(c.VendorDir),
		MinSize:            c.Split.MinSize,
		MaxSize:            c.Split.MaxSize,
		MaxInitialRequests: c.Split.MaxInitialRequests,
		MaxAsyncRequests:   c.Split.MaxAsyncRequests,
		Delimiter:          c.Split.Delimiter,
		RuntimeName:        c.Split.RuntimeName,
		VendorDir:          c.VendorDir,
	}
}
