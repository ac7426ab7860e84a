// Package devserver serves a build output directory over HTTP for local
// preview, with history fallback to the document.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"bundleweaver/internal/publish"
)

// Status describes the most recent build.
type Status struct {
	BuildID  string    `json:"build_id"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
	Finished time.Time `json:"finished"`
}

// Server serves Dir. Builds replace the directory wholesale, so every
// request reads from disk.
type Server struct {
	Dir      string
	Document string
	Gatherer prometheus.Gatherer
	Log      zerolog.Logger

	mu     sync.RWMutex
	status Status
}

// SetStatus records the latest build outcome.
func (s *Server) SetStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Server) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/__build", s.handleStatus)
	if s.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/*", s.handleFile)
	r.Head("/*", s.handleFile)
	return r
}

func (s *Server) document() string {
	if s.Document != "" {
		return s.Document
	}
	return "index.html"
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", publish.NoCache)
	_ = json.NewEncoder(w).Encode(s.Status())
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(path.Clean("/"+chi.URLParam(r, "*")), "/")
	if rel == "" {
		rel = s.document()
	}

	full := filepath.Join(s.Dir, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		// Paths without an extension are client-side routes.
		if path.Ext(rel) != "" {
			http.NotFound(w, r)
			return
		}
		rel = s.document()
		full = filepath.Join(s.Dir, rel)
	}

	w.Header().Set("Cache-Control", publish.CachePolicy(rel))
	http.ServeFile(w, r, full)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.Log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request served")
	})
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.Log.Info().Str("addr", addr).Str("dir", s.Dir).Msg("serving build output")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
