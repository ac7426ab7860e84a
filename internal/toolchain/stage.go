package toolchain

import (
	"context"
	"fmt"
	"sort"
)

// Input is one unit of work handed to an external stage.
type Input struct {
	// Path identifies the source file or chunk for error reporting and for
	// stages that infer a dialect from the file name.
	Path string

	// Loader names the content type for stages that cannot infer it from
	// Path. Empty means LoaderJS.
	Loader string

	Source []byte
}

// Loaders understood by the {loader} placeholder.
const (
	LoaderJS  = "js"
	LoaderCSS = "css"
)

// Result is the output of a transform stage.
type Result struct {
	Code []byte

	// Map is an optional source map for Code.
	Map []byte
}

// Transformer compiles source bytes. Implementations must be safe for
// concurrent use; each call is independent.
type Transformer interface {
	Transform(ctx context.Context, in Input, opts Options) (Result, error)
}

// Fingerprinter is implemented by stages whose output depends on more than
// their options, such as the command line they run.
type Fingerprinter interface {
	Fingerprint() string
}

// Minifier shrinks already-compiled bytes.
type Minifier interface {
	Minify(ctx context.Context, in Input, opts Options) ([]byte, error)
}

// TransformFunc adapts a function to Transformer.
type TransformFunc func(ctx context.Context, in Input, opts Options) (Result, error)

func (f TransformFunc) Transform(ctx context.Context, in Input, opts Options) (Result, error) {
	return f(ctx, in, opts)
}

// Passthrough returns its input unchanged. It backs stages that only relocate
// bytes and is the minifier of record when minification is disabled.
type Passthrough struct{}

func (Passthrough) Transform(_ context.Context, in Input, _ Options) (Result, error) {
	return Result{Code: in.Source}, nil
}

func (Passthrough) Minify(_ context.Context, in Input, _ Options) ([]byte, error) {
	return in.Source, nil
}

func (Passthrough) Fingerprint() string { return "passthrough" }

// Registry maps stage names to implementations. It is populated once before a
// build starts and only read afterwards.
type Registry struct {
	transformers map[string]Transformer
	minifiers    map[string]Minifier
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		transformers: map[string]Transformer{},
		minifiers:    map[string]Minifier{},
	}
}

// RegisterTransformer binds a stage name to a Transformer.
func (r *Registry) RegisterTransformer(stage string, t Transformer) {
	r.transformers[stage] = t
}

// RegisterMinifier binds a stage name to a Minifier.
func (r *Registry) RegisterMinifier(stage string, m Minifier) {
	r.minifiers[stage] = m
}

// Transformer looks up a transform stage.
func (r *Registry) Transformer(stage string) (Transformer, error) {
	t, ok := r.transformers[stage]
	if !ok {
		return nil, fmt.Errorf("no transformer registered for stage %q", stage)
	}
	return t, nil
}

// Minifier looks up a minify stage.
func (r *Registry) Minifier(stage string) (Minifier, error) {
	m, ok := r.minifiers[stage]
	if !ok {
		return nil, fmt.Errorf("no minifier registered for stage %q", stage)
	}
	return m, nil
}

// Fingerprint identifies the implementation behind a transform stage, or
// returns "" when it does not implement Fingerprinter.
func (r *Registry) Fingerprint(stage string) string {
	if f, ok := r.transformers[stage].(Fingerprinter); ok {
		return f.Fingerprint()
	}
	return ""
}

// Stages lists registered transform and minify stage names, sorted.
func (r *Registry) Stages() []string {
	out := make([]string, 0, len(r.transformers)+len(r.minifiers))
	for k := range r.transformers {
		out = append(out, k)
	}
	for k := range r.minifiers {
		if _, dup := r.transformers[k]; !dup {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
