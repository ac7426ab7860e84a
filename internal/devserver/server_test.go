package devserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundleweaver/internal/publish"
)

func newServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"index.html":         "<html>doc</html>",
		"js/app.abcd1234.js": "console.log(1)",
	}
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return &Server{Dir: dir, Log: zerolog.Nop()}
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestServer_ServesHashedAssetImmutable(t *testing.T) {
	h := newServer(t).Handler()
	rec := get(t, h, "/js/app.abcd1234.js")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "console.log(1)", rec.Body.String())
	assert.Equal(t, publish.Immutable, rec.Header().Get("Cache-Control"))
}

func TestServer_DocumentAndHistoryFallback(t *testing.T) {
	h := newServer(t).Handler()
	for _, target := range []string{"/", "/settings/profile"} {
		rec := get(t, h, target)
		assert.Equal(t, http.StatusOK, rec.Code, target)
		assert.Contains(t, rec.Body.String(), "doc", target)
		assert.Equal(t, publish.NoCache, rec.Header().Get("Cache-Control"), target)
	}
}

func TestServer_MissingFileIsNotFound(t *testing.T) {
	h := newServer(t).Handler()
	assert.Equal(t, http.StatusNotFound, get(t, h, "/js/missing.js").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/../../etc/passwd.txt").Code)
}

func TestServer_Status(t *testing.T) {
	s := newServer(t)
	s.SetStatus(Status{BuildID: "b1", OK: false, Error: "stage failed"})

	rec := get(t, s.Handler(), "/__build")
	require.Equal(t, http.StatusOK, rec.Code)
	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "b1", st.BuildID)
	assert.Equal(t, "stage failed", st.Error)
}

func TestServer_Metrics(t *testing.T) {
	s := newServer(t)
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "bundleweaver_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	s.Gatherer = reg

	rec := get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bundleweaver_test_total 1")
}
