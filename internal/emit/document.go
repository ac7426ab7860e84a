package emit

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultDocumentTemplate is used when no template file exists.
const DefaultDocumentTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title></title>
</head>
<body>
<div id="root"></div>
</body>
</html>
`

// DocumentRefs are the artifact paths the document loads. Order matters: the
// runtime must be available before any chunk that calls into it.
type DocumentRefs struct {
	Runtime string
	Shared  []string
	Entries []string
	Styles  []string
}

// Scripts returns the script paths in load order.
func (r DocumentRefs) Scripts() []string {
	out := make([]string, 0, 1+len(r.Shared)+len(r.Entries))
	if r.Runtime != "" {
		out = append(out, r.Runtime)
	}
	out = append(out, r.Shared...)
	return append(out, r.Entries...)
}

// RenderDocument injects the references into the head of tmpl: scripts
// first (runtime, shared, entries), then stylesheets. Paths are prefixed with
// publicPath.
func RenderDocument(tmpl []byte, refs DocumentRefs, publicPath string) ([]byte, error) {
	if len(bytes.TrimSpace(tmpl)) == 0 {
		tmpl = []byte(DefaultDocumentTemplate)
	}
	doc, err := html.Parse(bytes.NewReader(tmpl))
	if err != nil {
		return nil, fmt.Errorf("parse document template: %w", err)
	}
	head := find(doc, atom.Head)
	if head == nil {
		return nil, fmt.Errorf("document template has no head")
	}
	for _, src := range refs.Scripts() {
		head.AppendChild(element(atom.Script, []html.Attribute{
			{Key: "defer"},
			{Key: "src", Val: publicPath + src},
		}))
	}
	for _, href := range refs.Styles {
		head.AppendChild(element(atom.Link, []html.Attribute{
			{Key: "href", Val: publicPath + href},
			{Key: "rel", Val: "stylesheet"},
		}))
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, fmt.Errorf("render document: %w", err)
	}
	return buf.Bytes(), nil
}

func element(a atom.Atom, attrs []html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String(), Attr: attrs}
}

func find(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := find(c, a); f != nil {
			return f
		}
	}
	return nil
}

// MinifyOptions control document minification.
type MinifyOptions struct {
	CollapseWhitespace bool
	RemoveComments     bool

	// MinifyJS and MinifyCSS rewrite inline script and style bodies. A nil
	// func leaves the body unchanged.
	MinifyJS  func([]byte) ([]byte, error)
	MinifyCSS func([]byte) ([]byte, error)
}

var spaceRun = regexp.MustCompile(`\s+`)

// preserved elements keep their text verbatim.
var preserved = map[atom.Atom]bool{
	atom.Pre: true, atom.Textarea: true, atom.Script: true, atom.Style: true,
}

// structural elements drop whitespace-only children; elsewhere a single
// space is kept between inline tags.
var structural = map[atom.Atom]bool{
	atom.Html: true, atom.Head: true, atom.Body: true, atom.Ul: true, atom.Ol: true, atom.Table: true,
}

// MinifyDocument rewrites a rendered document.
func MinifyDocument(doc []byte, opts MinifyOptions) ([]byte, error) {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if err := minifyNode(root, opts, false); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return nil, fmt.Errorf("render document: %w", err)
	}
	return buf.Bytes(), nil
}

func minifyNode(n *html.Node, opts MinifyOptions, keep bool) error {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch c.Type {
		case html.CommentNode:
			if opts.RemoveComments {
				n.RemoveChild(c)
			}
		case html.TextNode:
			if err := minifyText(n, c, opts, keep); err != nil {
				return err
			}
		case html.ElementNode:
			if err := minifyNode(c, opts, keep || preserved[c.DataAtom]); err != nil {
				return err
			}
		default:
			if err := minifyNode(c, opts, keep); err != nil {
				return err
			}
		}
		c = next
	}
	return nil
}

func minifyText(parent, text *html.Node, opts MinifyOptions, keep bool) error {
	switch {
	case parent.DataAtom == atom.Script && opts.MinifyJS != nil && !hasAttr(parent, "src"):
		out, err := opts.MinifyJS([]byte(text.Data))
		if err != nil {
			return fmt.Errorf("minify inline script: %w", err)
		}
		text.Data = string(out)
	case parent.DataAtom == atom.Style && opts.MinifyCSS != nil:
		out, err := opts.MinifyCSS([]byte(text.Data))
		if err != nil {
			return fmt.Errorf("minify inline style: %w", err)
		}
		text.Data = string(out)
	case keep || !opts.CollapseWhitespace:
	default:
		collapsed := spaceRun.ReplaceAllString(text.Data, " ")
		if strings.TrimSpace(collapsed) == "" && structural[parent.DataAtom] {
			parent.RemoveChild(text)
			return nil
		}
		text.Data = collapsed
	}
	return nil
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}
