// Package toolchain selects the transform and minify implementations used for
// a build and defines the capability interfaces those implementations satisfy.
//
// Selection is a pure function of the flag values handed in by the caller.
// Nothing in this package reads the process environment.
package toolchain

import (
	"strings"

	"github.com/rs/zerolog"
)

// Kind names a concrete transform or minify implementation.
type Kind string

const (
	KindBabel   Kind = "babel"
	KindSWC     Kind = "swc"
	KindESBuild Kind = "esbuild"
	KindTerser  Kind = "terser"
)

// DefaultTransform is selected for any unrecognized or absent TRANSFORM flag.
const DefaultTransform = KindBabel

// DefaultMinify is selected for any unrecognized or absent MINI flag.
const DefaultMinify = KindTerser

// Options is an opaque option tree handed to an external stage.
type Options map[string]any

// Descriptor describes the script transform of a build.
type Descriptor struct {
	Kind Kind

	// Stage is the transform-chain stage name scripts are routed through.
	Stage string

	Options Options
}

// MinifyDescriptor describes the minification stage of a build.
type MinifyDescriptor struct {
	Kind Kind

	// Script is the stage name used for script minification.
	Script string

	// Style is the stage name used for stylesheet minification. It equals
	// Script when the minifier handles CSS itself.
	Style string

	Options Options
}

// Toolchain is the paired transform/minify capability set for one build.
type Toolchain struct {
	Transform Descriptor
	Minify    MinifyDescriptor
}

func normalizeFlag(flag string) Kind {
	return Kind(strings.ToLower(strings.TrimSpace(flag)))
}

// SelectTransform maps the TRANSFORM flag to a transform descriptor.
// Options are built fresh on every call.
func SelectTransform(flag string) Descriptor {
	switch normalizeFlag(flag) {
	case KindSWC:
		return Descriptor{
			Kind:  KindSWC,
			Stage: "swc",
			Options: Options{
				"jsc": map[string]any{
					"parser": map[string]any{
						"syntax":     "typescript",
						"tsx":        true,
						"decorators": true,
					},
					"transform":       map[string]any{"legacyDecorator": true},
					"externalHelpers": true,
					"target":          "es5",
				},
				"env": map[string]any{
					"targets": "last 3 major versions, > 0.1%",
					"mode":    "usage",
					"coreJs":  "3",
				},
				"isModule": "unknown",
			},
		}
	case KindESBuild:
		return Descriptor{
			Kind:    KindESBuild,
			Stage:   "esbuild",
			Options: Options{"target": "es2015", "loader": "tsx"},
		}
	default:
		return Descriptor{Kind: DefaultTransform, Stage: "babel", Options: Options{}}
	}
}

// SelectMinify maps the MINI flag to a minify descriptor.
func SelectMinify(flag string) MinifyDescriptor {
	switch normalizeFlag(flag) {
	case KindSWC:
		return MinifyDescriptor{
			Kind:   KindSWC,
			Script: "swc-minify",
			Style:  "css-minify",
			Options: Options{
				"compress": map[string]any{
					"unused":        true,
					"drop_console":  true,
					"drop_debugger": true,
				},
				"mangle": true,
			},
		}
	case KindESBuild:
		return MinifyDescriptor{
			Kind:    KindESBuild,
			Script:  "esbuild-minify",
			Style:   "esbuild-minify",
			Options: Options{"target": "es2015", "css": true},
		}
	default:
		return MinifyDescriptor{
			Kind:    DefaultMinify,
			Script:  "terser",
			Style:   "css-minify",
			Options: Options{"parallel": true},
		}
	}
}

// Select resolves both flags and logs the chosen descriptors.
func Select(transformFlag, minifyFlag string, log zerolog.Logger) Toolchain {
	tc := Toolchain{
		Transform: SelectTransform(transformFlag),
		Minify:    SelectMinify(minifyFlag),
	}
	log.Info().
		Str("transform", string(tc.Transform.Kind)).
		Str("transform_flag", transformFlag).
		Str("minify", string(tc.Minify.Kind)).
		Str("minify_flag", minifyFlag).
		Msg("toolchain selected")
	return tc
}
