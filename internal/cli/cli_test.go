package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundleweaver/internal/classify"
	"bundleweaver/internal/config"
	"bundleweaver/internal/pipeline"
	"bundleweaver/internal/toolchain"
)

// stagesTOML routes every stage through passthrough unless overridden.
func stagesTOML(overrides map[string]string) string {
	var b strings.Builder
	b.WriteString("[stages]\n")
	for stage := range toolchain.DefaultCommands {
		cmd, ok := overrides[stage]
		if !ok {
			cmd = pipeline.PassthroughCommand
		}
		b.WriteString(stage + " = " + strconv.Quote(cmd) + "\n")
	}
	return b.String()
}

func project(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return root
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Build(t *testing.T) {
	root := project(t, map[string]string{
		config.FileName:     stagesTOML(nil),
		"src/app/index.tsx": "import './a.css'\nexport const x = 1\n",
		"src/app/a.css":     "body { margin: 0 }\n",
	})
	tracePath := filepath.Join(root, "out", "trace.json")

	code, stdout, stderr := run(t, "--root", root, "--log-format", "json", "build", "--trace", tracePath)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stdout, "js/app.")
	assert.Contains(t, stdout, "css/a.")
	assert.Contains(t, stderr, `"message":"build complete"`)

	b, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	var tr map[string]any
	require.NoError(t, json.Unmarshal(b, &tr))
	assert.NotEmpty(t, tr["graph_hash"])
}

func TestRun_PlanJSON(t *testing.T) {
	root := project(t, map[string]string{
		config.FileName:     stagesTOML(nil),
		"src/app/index.tsx": "export const x = 1\n",
	})

	code, stdout, stderr := run(t, "--root", root, "plan", "--format", "json")
	require.Equal(t, ExitSuccess, code, stderr)

	var v planView
	require.NoError(t, json.Unmarshal([]byte(stdout), &v))
	require.Len(t, v.Chunks, 2)
	assert.Equal(t, "app", v.Chunks[0].Name)
	assert.Equal(t, "runtime", v.Chunks[1].Name)
	assert.Len(t, v.TraceHash, 64)

	_, err := os.Stat(filepath.Join(root, "dist"))
	assert.True(t, os.IsNotExist(err))
}

func TestRun_ExitCodes(t *testing.T) {
	ok := map[string]string{
		config.FileName:     stagesTOML(nil),
		"src/app/index.tsx": "export const x = 1\n",
	}

	cases := []struct {
		name  string
		files map[string]string
		args  []string
		want  int
	}{
		{name: "unknown command", args: []string{"bogus"}, want: ExitInvalidInvocation},
		{name: "unknown flag", args: []string{"build", "--bogus"}, want: ExitInvalidInvocation},
		{name: "bad format", files: ok, args: []string{"plan", "--format", "xml"}, want: ExitInvalidInvocation},
		{name: "positional args", files: ok, args: []string{"build", "extra"}, want: ExitInvalidInvocation},
		{name: "bad log level", files: ok, args: []string{"--log-level", "loud", "build"}, want: ExitInvalidInvocation},
		{
			name:  "invalid config",
			files: map[string]string{config.FileName: "concurrency = -1\n"},
			args:  []string{"build"},
			want:  ExitConfigError,
		},
		{
			name:  "missing config file",
			files: map[string]string{},
			args:  []string{"--config", filepath.Join(os.TempDir(), "bundleweaver-absent.toml"), "build"},
			want:  ExitConfigError,
		},
		{
			name: "unmatched source",
			files: map[string]string{
				config.FileName:     stagesTOML(nil),
				"src/app/index.tsx": "export {}\n",
				"src/app/view.vue":  "<template/>",
			},
			args: []string{"build"},
			want: ExitConfigError,
		},
		{
			name:  "missing entry",
			files: map[string]string{config.FileName: stagesTOML(nil)},
			args:  []string{"build"},
			want:  ExitBuildFailure,
		},
		{
			name: "stage failure",
			files: map[string]string{
				config.FileName:     stagesTOML(map[string]string{"babel": "echo broken >&2; exit 7"}),
				"src/app/index.tsx": "export const x = 1\n",
			},
			args: []string{"build"},
			want: ExitBuildFailure,
		},
		{name: "publish without bucket", files: ok, args: []string{"publish", "--skip-build"}, want: ExitConfigError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root := project(t, tc.files)
			args := append([]string{"--root", root}, tc.args...)
			code, _, stderr := run(t, args...)
			assert.Equal(t, tc.want, code, stderr)
			assert.Contains(t, stderr, "Error:")
		})
	}
}

func TestRun_StageFailureNamesFile(t *testing.T) {
	root := project(t, map[string]string{
		config.FileName:     stagesTOML(map[string]string{"babel": "echo 'Unexpected token' >&2; exit 7"}),
		"src/app/index.tsx": "export const x = 1\n",
	})
	code, _, stderr := run(t, "--root", root, "build")
	assert.Equal(t, ExitBuildFailure, code)
	assert.Contains(t, stderr, "src/app/index.tsx")
	assert.Contains(t, stderr, "Unexpected token")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, ExitCode(nil))
	assert.Equal(t, ExitInvalidInvocation, ExitCode(invalidInvocationf("x")))
	assert.Equal(t, ExitInvalidInvocation, ExitCode(&InvocationError{}))
	assert.Equal(t, ExitConfigError, ExitCode(&configError{errors.New("x")}))
	assert.Equal(t, ExitConfigError, ExitCode(&classify.ConfigError{Path: "a.vue"}))
	assert.Equal(t, ExitBuildFailure, ExitCode(&pipeline.StageError{Stage: "babel", Subject: "a.ts", Err: errors.New("x")}))
	assert.Equal(t, ExitInternalError, ExitCode(errors.New("boom")))
}
