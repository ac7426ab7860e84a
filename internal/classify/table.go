package classify

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrUnmatchedSource marks a script or stylesheet file that no rule accepts.
var ErrUnmatchedSource = errors.New("no rule matches source file")

// ConfigError is a fatal classification failure naming the offending file.
type ConfigError struct {
	Path   string
	Reason string
}

func (e *ConfigError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s (%s)", ErrUnmatchedSource.Error(), e.Path, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrUnmatchedSource }

// Table is an immutable ordered rule list.
type Table struct {
	rules    []Rule
	fallback Rule

	// guarded maps extensions that must never fall through to the
	// pass-through fallback.
	guarded map[string]Category
}

// NewTable builds a table. Rules are evaluated in the given order; fallback
// applies to unmatched files whose extension is not guarded.
func NewTable(rules []Rule, fallback Rule, guarded map[string]Category) *Table {
	t := &Table{
		rules:    make([]Rule, len(rules)),
		fallback: fallback.clone(),
		guarded:  make(map[string]Category, len(guarded)),
	}
	for i, r := range rules {
		t.rules[i] = r.clone()
	}
	for ext, c := range guarded {
		t.guarded[ext] = c
	}
	return t
}

// Rules returns the rules in evaluation order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	for i, r := range t.rules {
		out[i] = r.clone()
	}
	return out
}

// Classify returns the first rule matching path. The returned rule is a copy;
// classification has no side effects on the table.
func (t *Table) Classify(path string) (Rule, error) {
	src := ParseSource(path)
	for _, r := range t.rules {
		if r.Matcher.Match(src) {
			return r.clone(), nil
		}
	}
	if c, ok := t.guarded[src.Ext()]; ok {
		return Rule{}, &ConfigError{Path: path, Reason: fmt.Sprintf("%s files require an explicit rule", c)}
	}
	return t.fallback.clone(), nil
}

// Options parameterize the default rule set.
type Options struct {
	// ScriptStage is the toolchain stage that compiles first-party scripts.
	ScriptStage Stage

	// VendorDir is the directory name of third-party dependencies. Scripts
	// below it are not transformed.
	VendorDir string

	// InlineLimit applies to image, font and media assets.
	InlineLimit int64
}

// DefaultInlineLimit is the asset size at or below which assets are inlined.
const DefaultInlineLimit = 10240

// DefaultTable returns the rule set of a browser build: raw override,
// scripts, the three stylesheet dialects, images, fonts and media.
func DefaultTable(o Options) *Table {
	vendor := o.VendorDir
	if vendor == "" {
		vendor = "node_modules"
	}
	vendorDir := `(^|/)` + regexp.QuoteMeta(vendor) + `/`
	scriptExt := `(?i)\.([mc]?js|jsx|tsx?)$`
	styleTail := []Stage{StagePostCSS, StageCSS, StageExtract}

	rules := []Rule{
		{
			Name:     "raw",
			Category: Raw,
			Matcher:  Matcher{Query: regexp.MustCompile(`(^|&)raw(&|=|$)`)},
		},
		{
			Name:     "vendor-script",
			Category: Script,
			Matcher:  Matcher{Path: regexp.MustCompile(`(?i)` + vendorDir + `.*\.([mc]?js|jsx|tsx?)$`)},
			Output:   "js/{name}.{hash}.js",
		},
		{
			Name:     "script",
			Category: Script,
			Matcher:  Matcher{Path: regexp.MustCompile(scriptExt), Exclude: regexp.MustCompile(vendorDir)},
			Chain:    []Stage{o.ScriptStage},
			Output:   "js/{name}.{hash}.js",
		},
		{
			Name:     "less",
			Category: Stylesheet,
			Matcher:  Matcher{Path: regexp.MustCompile(`(?i)\.less$`)},
			Chain:    append([]Stage{StageLess}, styleTail...),
			Output:   "css/{name}.{hash}.css",
		},
		{
			Name:     "sass",
			Category: Stylesheet,
			Matcher:  Matcher{Path: regexp.MustCompile(`(?i)\.s[ac]ss$`)},
			Chain:    append([]Stage{StageSass}, styleTail...),
			Output:   "css/{name}.{hash}.css",
		},
		{
			Name:     "css",
			Category: Stylesheet,
			Matcher:  Matcher{Path: regexp.MustCompile(`(?i)\.css$`)},
			Chain:    styleTail,
			Output:   "css/{name}.{hash}.css",
		},
		{
			Name:        "image",
			Category:    Image,
			Matcher:     Matcher{Path: regexp.MustCompile(`(?i)\.(png|jpe?g|gif|bmp|svg|webp)$`)},
			Output:      "image/{name}.{hash}{ext}",
			InlineLimit: o.InlineLimit,
		},
		{
			Name:        "font",
			Category:    Font,
			Matcher:     Matcher{Path: regexp.MustCompile(`(?i)\.(woff2?|eot|ttf|otf)$`)},
			Output:      "static/fonts/{name}.{hash}{ext}",
			InlineLimit: o.InlineLimit,
		},
		{
			Name:        "media",
			Category:    Media,
			Matcher:     Matcher{Path: regexp.MustCompile(`(?i)\.(mp4|webm|ogg|mp3|m4a|wav|flac|aac)$`)},
			Output:      "static/media/{name}.{hash}{ext}",
			InlineLimit: o.InlineLimit,
		},
	}
	fallback := Rule{
		Name:     "copy",
		Category: Static,
		Output:   "static/{name}.{hash}{ext}",
	}
	guarded := map[string]Category{}
	for _, ext := range []string{".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs", ".mts", ".cts", ".coffee", ".vue"} {
		guarded[ext] = Script
	}
	for _, ext := range []string{".css", ".less", ".sass", ".scss", ".styl", ".stylus", ".pcss"} {
		guarded[ext] = Stylesheet
	}
	return NewTable(rules, fallback, guarded)
}
