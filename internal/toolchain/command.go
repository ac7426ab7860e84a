package toolchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"syscall"
)

// DefaultCommands are the external command lines used for each stage when
// the configuration does not override them. Every command reads the source
// on stdin and writes the result to stdout.
var DefaultCommands = map[string]string{
	"babel":          "npx --no-install babel --filename {path}",
	"swc":            "npx --no-install swc --filename {path} {options}",
	"esbuild":        "npx --no-install esbuild {options}",
	"less":           "npx --no-install lessc -",
	"sass":           "npx --no-install sass --stdin",
	"postcss":        "npx --no-install postcss",
	"terser":         "npx --no-install terser {options}",
	"swc-minify":     "npx --no-install swc --filename {path} {options}",
	"esbuild-minify": "npx --no-install esbuild --minify --loader={loader} {options}",
	"css-minify":     "npx --no-install cssnano",
}

// DefaultRenderers turn the descriptor options of a stage into the arguments
// substituted for {options}. Stages without a renderer expand it to nothing.
var DefaultRenderers = map[string]OptionRenderer{
	"swc":            SWCConfig,
	"swc-minify":     SWCMinifyConfig,
	"esbuild":        ESBuildFlags,
	"esbuild-minify": ESBuildFlags,
	"terser":         TerserFlags,
}

// OptionsEnvVar carries the JSON-encoded stage options into the child process
// for custom commands that prefer reading them over flags.
const OptionsEnvVar = "BUNDLEWEAVER_STAGE_OPTIONS"

// OptionRenderer converts stage options to command-line arguments.
type OptionRenderer func(Options) ([]string, error)

// passEnv lists host variables an external compiler needs to locate itself.
// Everything else is withheld from the child.
var passEnv = []string{"PATH", "HOME", "NODE_PATH", "TMPDIR"}

// CommandStage runs an external compiler or minifier as a child process.
//
// The environment is an allowlist: only passEnv (looked up through Getenv)
// and the encoded options are visible to the command.
type CommandStage struct {
	// Command is interpreted by "sh -c". The placeholders {path}, {loader}
	// and {options} are replaced before execution.
	Command string

	// Render produces the {options} arguments. A nil Render expands
	// {options} to nothing.
	Render OptionRenderer

	// Dir is the working directory of the process.
	Dir string

	// Getenv supplies values for passEnv. A nil Getenv passes nothing.
	Getenv func(string) string
}

// Transform implements Transformer.
func (s CommandStage) Transform(ctx context.Context, in Input, opts Options) (Result, error) {
	out, err := s.run(ctx, in, opts)
	if err != nil {
		return Result{}, err
	}
	return Result{Code: out}, nil
}

// Minify implements Minifier.
func (s CommandStage) Minify(ctx context.Context, in Input, opts Options) ([]byte, error) {
	return s.run(ctx, in, opts)
}

func (s CommandStage) run(ctx context.Context, in Input, opts Options) ([]byte, error) {
	if strings.TrimSpace(s.Command) == "" {
		return nil, fmt.Errorf("stage command is empty")
	}
	encoded, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("encoding stage options: %w", err)
	}

	line, err := s.CommandLine(in, opts)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", line)
	cmd.Dir = s.Dir
	cmd.Env = s.environ(encoded)
	// Own process group so cancellation takes down the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(in.Source)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("%s exited with %d: %s", in.Path, exitErr.ExitCode(), msg)
		}
		return nil, fmt.Errorf("running stage for %s: %w", in.Path, err)
	}
	return stdout.Bytes(), nil
}

func (s CommandStage) environ(encodedOpts []byte) []string {
	env := []string{OptionsEnvVar + "=" + string(encodedOpts)}
	if s.Getenv == nil {
		return env
	}
	for _, key := range passEnv {
		if v := s.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// Fingerprint identifies the command for cache keys.
func (s CommandStage) Fingerprint() string {
	return s.Command
}

// CommandLine expands the placeholders of Command for one input.
func (s CommandStage) CommandLine(in Input, opts Options) (string, error) {
	var args []string
	if s.Render != nil && strings.Contains(s.Command, "{options}") {
		a, err := s.Render(opts)
		if err != nil {
			return "", fmt.Errorf("rendering options for %s: %w", in.Path, err)
		}
		args = a
	}
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	loader := in.Loader
	if loader == "" {
		loader = LoaderJS
	}
	r := strings.NewReplacer(
		"{path}", shellQuote(in.Path),
		"{loader}", shellQuote(loader),
		"{options}", strings.Join(quoted, " "),
	)
	return strings.TrimSpace(r.Replace(s.Command)), nil
}

// SWCConfig passes the options as an inline .swcrc.
func SWCConfig(opts Options) ([]string, error) {
	if len(opts) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}
	return []string{"--config-json", string(b)}, nil
}

// SWCMinifyConfig runs swc as a pure minifier: options become jsc.minify and
// every other transform is left off.
func SWCMinifyConfig(opts Options) ([]string, error) {
	minify := map[string]any{}
	for k, v := range opts {
		minify[k] = v
	}
	return SWCConfig(Options{
		"minify": true,
		"jsc": map[string]any{
			"minify": minify,
			"target": "es2015",
		},
	})
}

// esbuildFlags lists the option keys that map onto esbuild flags.
var esbuildFlags = map[string]bool{
	"target":   true,
	"loader":   true,
	"format":   true,
	"platform": true,
	"charset":  true,
}

// ESBuildFlags renders options as --key=value. Keys esbuild has no flag for
// are dropped.
func ESBuildFlags(opts Options) ([]string, error) {
	var out []string
	for _, k := range sortedKeys(opts) {
		if !esbuildFlags[k] {
			continue
		}
		switch v := opts[k].(type) {
		case string:
			out = append(out, "--"+k+"="+v)
		case []string:
			out = append(out, "--"+k+"="+strings.Join(v, ","))
		default:
			return nil, fmt.Errorf("esbuild option %s: unsupported value %v", k, v)
		}
	}
	return out, nil
}

// TerserFlags renders compress and mangle. Both default to on; a map value
// becomes terser's comma separated option list. Other keys, such as
// parallel, are governed by the build itself and dropped.
func TerserFlags(opts Options) ([]string, error) {
	var out []string
	for _, flag := range []string{"compress", "mangle"} {
		switch v := opts[flag].(type) {
		case nil:
			out = append(out, "--"+flag)
		case bool:
			if v {
				out = append(out, "--"+flag)
			}
		case map[string]any:
			parts := make([]string, 0, len(v))
			for _, k := range sortedKeys(v) {
				parts = append(parts, fmt.Sprintf("%s=%v", k, v[k]))
			}
			out = append(out, "--"+flag)
			if len(parts) > 0 {
				out = append(out, strings.Join(parts, ","))
			}
		default:
			return nil, fmt.Errorf("terser option %s: unsupported value %v", flag, v)
		}
	}
	return out, nil
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
