// Package emit turns planned chunks and classified assets into artifacts
// with content-hashed paths, and renders the HTML document that loads them.
package emit

import (
	"encoding/base64"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"bundleweaver/internal/chunk"
	"bundleweaver/internal/classify"
	"bundleweaver/internal/hashing"
)

// Templates name script chunks. Stylesheets and assets use the output
// template of their classification rule.
type Templates struct {
	// Entry applies to chunks loaded at startup.
	Entry string
	// Chunk applies to chunks loaded on demand.
	Chunk string
}

func DefaultTemplates() Templates {
	return Templates{Entry: "js/{name}.{hash}.js", Chunk: "chunk/{name}.{hash}.js"}
}

// Artifact is one emitted output.
type Artifact struct {
	// Path is relative to the output root, slash-separated. Empty for
	// inlined assets.
	Path string `json:"path,omitempty"`

	// Name is the logical chunk or asset name.
	Name     string            `json:"name"`
	Source   string            `json:"source"`
	Category classify.Category `json:"category"`
	Hash     string            `json:"hash"`
	Size     int64             `json:"size"`

	// Inline holds a data URL for inlined assets and the text of raw
	// sources.
	Inline string `json:"-"`

	Data []byte `json:"-"`
	Map  []byte `json:"-"`
}

// Emitted reports whether the artifact is written to the output tree.
func (a Artifact) Emitted() bool { return a.Path != "" }

// MapPath returns the source map sibling path, or "".
func (a Artifact) MapPath() string {
	if len(a.Map) == 0 || a.Path == "" {
		return ""
	}
	return a.Path + ".map"
}

// Expand substitutes {name}, {hash} and {ext} in tmpl.
func Expand(tmpl, name, hash, ext string) string {
	return strings.NewReplacer("{name}", name, "{hash}", hash, "{ext}", ext).Replace(tmpl)
}

// Emitter computes artifact paths. The zero value uses DefaultTemplates and
// hashing.DefaultLength.
type Emitter struct {
	Templates  Templates
	HashLength int

	// Root is the source root module IDs are made relative to.
	Root string
}

func (e Emitter) templates() Templates {
	t := e.Templates
	d := DefaultTemplates()
	if t.Entry == "" {
		t.Entry = d.Entry
	}
	if t.Chunk == "" {
		t.Chunk = d.Chunk
	}
	return t
}

func (e Emitter) hash(b []byte) (full, short string) {
	n := e.HashLength
	if n <= 0 {
		n = hashing.DefaultLength
	}
	full = hashing.Content(b)
	return full, hashing.Short(full, n)
}

// ModuleID is the stable, root-relative identifier a module is registered
// under in chunk bytes.
func (e Emitter) ModuleID(p string) string {
	file, query, hasQuery := strings.Cut(p, "?")
	id := filepath.ToSlash(file)
	if e.Root != "" {
		if rel, err := filepath.Rel(e.Root, filepath.FromSlash(file)); err == nil && !strings.HasPrefix(rel, "..") {
			id = filepath.ToSlash(rel)
		}
	}
	if hasQuery {
		id += "?" + query
	}
	return id
}

// Chunk names a chunk from its final bytes.
func (e Emitter) Chunk(c chunk.Chunk, final, sourceMap []byte) Artifact {
	t := e.templates()
	tmpl := t.Chunk
	if c.Initial {
		tmpl = t.Entry
	}
	full, short := e.hash(final)
	return Artifact{
		Path:     Expand(tmpl, c.Name, short, ".js"),
		Name:     c.Name,
		Source:   c.Name,
		Category: classify.Script,
		Hash:     full,
		Size:     int64(len(final)),
		Data:     final,
		Map:      sourceMap,
	}
}

// Asset names a stylesheet, image, font, media, raw or static source from
// its final bytes. Raw sources and assets within the rule's inline limit are
// not written; their content is carried in Inline.
func (e Emitter) Asset(source string, rule classify.Rule, final, sourceMap []byte) Artifact {
	src := classify.ParseSource(source)
	base := path.Base(filepath.ToSlash(src.Path))
	ext := path.Ext(base)
	name := strings.TrimSuffix(base, ext)
	full, short := e.hash(final)

	a := Artifact{
		Name:     name,
		Source:   source,
		Category: rule.Category,
		Hash:     full,
		Size:     int64(len(final)),
	}
	switch {
	case rule.Category == classify.Raw:
		a.Inline = string(final)
		return a
	case rule.InlineLimit > 0 && int64(len(final)) <= rule.InlineLimit:
		a.Inline = DataURL(ext, final)
		return a
	case !rule.Emits():
		return a
	}
	a.Path = Expand(rule.Output, name, short, strings.ToLower(ext))
	a.Data = final
	a.Map = sourceMap
	return a
}

// DataURL encodes b as a base64 data URL typed by extension.
func DataURL(ext string, b []byte) string {
	typ := mime.TypeByExtension(strings.ToLower(ext))
	if typ == "" {
		typ = "application/octet-stream"
	}
	return "data:" + typ + ";base64," + base64.StdEncoding.EncodeToString(b)
}
