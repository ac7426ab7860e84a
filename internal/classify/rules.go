// Package classify assigns every source file to a category and the ordered
// transform chain that compiles it.
//
// A Table is an explicit ordered list of (matcher, rule) pairs evaluated by a
// single linear scan; the first match wins. Overrides such as the raw query
// suffix are ordinary rules placed ahead of the extension rules.
package classify

import (
	"path"
	"regexp"
	"strings"
)

// Category is the logical class of a source file.
type Category string

const (
	Script     Category = "script"
	Stylesheet Category = "stylesheet"
	Image      Category = "image"
	Font       Category = "font"
	Media      Category = "media"
	Raw        Category = "raw"
	Static     Category = "static"
)

// Stage names one step of a transform chain.
type Stage string

const (
	StageLess    Stage = "less"
	StageSass    Stage = "sass"
	StagePostCSS Stage = "postcss"
	StageCSS     Stage = "css"

	// StageExtract relocates compiled CSS into its own artifact. It never
	// transforms bytes.
	StageExtract Stage = "extract"
)

// Source is a file path split from its optional query suffix.
type Source struct {
	Path  string
	Query string
}

// ParseSource splits "a/b.svg?raw" into its path and query.
func ParseSource(s string) Source {
	if i := strings.IndexByte(s, '?'); i >= 0 {
		return Source{Path: s[:i], Query: s[i+1:]}
	}
	return Source{Path: s}
}

// Ext returns the lower-cased extension including the dot.
func (s Source) Ext() string {
	return strings.ToLower(path.Ext(s.Path))
}

// Matcher is a pattern over a file's path and query suffix. All non-nil
// patterns must agree for a match.
type Matcher struct {
	// Path is tested against the slash-separated path without the query.
	Path *regexp.Regexp

	// Query, when set, must match the query suffix.
	Query *regexp.Regexp

	// Exclude rejects paths that would otherwise match.
	Exclude *regexp.Regexp
}

// Match reports whether s satisfies the matcher.
func (m Matcher) Match(s Source) bool {
	if m.Path != nil && !m.Path.MatchString(s.Path) {
		return false
	}
	if m.Query != nil && !m.Query.MatchString(s.Query) {
		return false
	}
	if m.Exclude != nil && m.Exclude.MatchString(s.Path) {
		return false
	}
	return true
}

// Rule is one entry of a classification table.
type Rule struct {
	Name     string
	Category Category
	Matcher  Matcher

	// Chain lists the stages applied in order. An empty chain copies the
	// file unchanged.
	Chain []Stage

	// Output is the artifact path template. It may use {name}, {hash} and
	// {ext}; {ext} carries its leading dot. Empty for rules that produce no
	// standalone file.
	Output string

	// InlineLimit is the size at or below which the asset is inlined as a
	// data URL instead of emitted. Zero disables inlining.
	InlineLimit int64
}

// Emits reports whether files matching the rule become standalone artifacts.
func (r Rule) Emits() bool {
	return r.Output != ""
}

// Transforms reports whether the chain contains any stage other than
// extraction.
func (r Rule) Transforms() bool {
	for _, s := range r.Chain {
		if s != StageExtract {
			return true
		}
	}
	return false
}

// Extracted reports whether the rule's output is relocated into a separate
// stylesheet artifact.
func (r Rule) Extracted() bool {
	n := len(r.Chain)
	return n > 0 && r.Chain[n-1] == StageExtract
}

func (r Rule) clone() Rule {
	if r.Chain != nil {
		chain := make([]Stage, len(r.Chain))
		copy(chain, r.Chain)
		r.Chain = chain
	}
	return r
}
