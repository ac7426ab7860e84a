package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover_IncludeExcludeAndSkip(t *testing.T) {
	root := writeProject(t, map[string]string{
		"src/a.ts":                  "",
		"src/nested/b.tsx":          "",
		"src/types.d.ts":            "",
		"src/a.test.ts":             "",
		"src/__tests__/c.ts":        "",
		"src/node_modules/dep/x.js": "",
		"README.md":                 "",
		"src/.git/HEAD":             "",
	})

	got, err := Discover(root,
		[]string{"src/**/*"},
		[]string{"**/*.d.ts", "**/*.test.*", "**/__tests__/**"},
		filepath.Join(root, "src", "node_modules"))
	require.NoError(t, err)

	want := []string{
		filepath.ToSlash(filepath.Join(root, "src/a.ts")),
		filepath.ToSlash(filepath.Join(root, "src/nested/b.tsx")),
	}
	assert.Equal(t, want, got)
}

func TestDiscover_BadPattern(t *testing.T) {
	root := writeProject(t, map[string]string{"src/a.ts": ""})
	_, err := Discover(root, []string{"src/[a"}, nil)
	assert.Error(t, err)
}

func TestDiscover_MissingRoot(t *testing.T) {
	_, err := Discover(filepath.Join(t.TempDir(), "absent"), []string{"**"}, nil)
	assert.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
