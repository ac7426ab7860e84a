// Package cache stores transform stage results keyed by the stage, its
// options and the source bytes.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"bundleweaver/internal/hashing"
)

// Name is the directory the persistent cache lives under.
const Name = "production-cache"

// Entry is one cached stage output.
type Entry struct {
	Key    string `json:"key"`
	Stage  string `json:"stage"`
	Source string `json:"source"`

	Code []byte `json:"-"`
	Map  []byte `json:"-"`
}

// Store provides storage and retrieval of stage results. Get returns nil
// without error on a miss.
type Store interface {
	Get(key string) (*Entry, error)
	Put(e *Entry) error
}

// Key derives the cache key of one stage invocation. command identifies what
// the stage runs, so editing a stage override invalidates its entries.
// options must encode deterministically; encoding/json sorts map keys.
func Key(stage, command string, options any, path string, source []byte) (string, error) {
	opts, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("encode stage options: %w", err)
	}
	return hashing.New().
		String(stage).
		String(command).
		Bytes(opts).
		String(filepath.ToSlash(path)).
		Bytes(source).
		Sum(), nil
}

// Dir returns the versioned cache directory below base.
func Dir(base, version string) string {
	return filepath.Join(base, Name, version)
}

// FileStore implements Store on the filesystem.
//
// Structure:
//
//	{Dir}/
//	  {key[0:2]}/
//	    {key}/
//	      metadata.json
//	      code.blob
//	      map.blob     (only when a source map was produced)
type FileStore struct {
	Dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

func (s *FileStore) Get(key string) (*Entry, error) {
	entryDir := s.entryPath(key)
	data, err := os.ReadFile(filepath.Join(entryDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache metadata: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parsing cache metadata: %w", err)
	}
	if e.Code, err = os.ReadFile(filepath.Join(entryDir, "code.blob")); err != nil {
		return nil, fmt.Errorf("reading cached code: %w", err)
	}
	e.Map, err = os.ReadFile(filepath.Join(entryDir, "map.blob"))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading cached map: %w", err)
	}
	return &e, nil
}

// Put writes into a temporary entry directory and renames it into place, so
// a crash never leaves partial blobs at the canonical path.
func (s *FileStore) Put(e *Entry) error {
	if e == nil {
		return fmt.Errorf("cache entry is nil")
	}
	entryDir := s.entryPath(e.Key)
	parent := filepath.Dir(entryDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, "tmp-entry-")
	if err != nil {
		return fmt.Errorf("creating temp cache entry dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()

	if err := os.WriteFile(filepath.Join(tmp, "code.blob"), e.Code, 0o644); err != nil {
		return fmt.Errorf("writing cached code: %w", err)
	}
	if len(e.Map) > 0 {
		if err := os.WriteFile(filepath.Join(tmp, "map.blob"), e.Map, 0o644); err != nil {
			return fmt.Errorf("writing cached map: %w", err)
		}
	}
	meta, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cache metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "metadata.json"), meta, 0o644); err != nil {
		return fmt.Errorf("writing cache metadata: %w", err)
	}

	// A crash between remove and rename yields a miss, not corruption.
	_ = os.RemoveAll(entryDir)
	if err := os.Rename(tmp, entryDir); err != nil {
		return fmt.Errorf("committing cache entry: %w", err)
	}
	committed = true
	return nil
}

func (s *FileStore) entryPath(key string) string {
	if len(key) < 2 {
		return filepath.Join(s.Dir, key)
	}
	return filepath.Join(s.Dir, key[:2], key)
}

// Layered fronts an optional persistent Store with a bounded in-memory LRU.
// It is safe for concurrent use.
type Layered struct {
	mem  *lru.Cache[string, *Entry]
	disk Store

	hits   atomic.Int64
	misses atomic.Int64
}

// NewLayered returns a cache holding up to size entries in memory. disk may
// be nil.
func NewLayered(size int, disk Store) (*Layered, error) {
	if size <= 0 {
		size = 1024
	}
	mem, err := lru.New[string, *Entry](size)
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}
	return &Layered{mem: mem, disk: disk}, nil
}

func (c *Layered) Get(key string) (*Entry, error) {
	if e, ok := c.mem.Get(key); ok {
		c.hits.Add(1)
		return e, nil
	}
	if c.disk != nil {
		e, err := c.disk.Get(key)
		if err != nil {
			return nil, err
		}
		if e != nil {
			c.mem.Add(key, e)
			c.hits.Add(1)
			return e, nil
		}
	}
	c.misses.Add(1)
	return nil, nil
}

func (c *Layered) Put(e *Entry) error {
	if e == nil {
		return fmt.Errorf("cache entry is nil")
	}
	c.mem.Add(e.Key, e)
	if c.disk != nil {
		return c.disk.Put(e)
	}
	return nil
}

// Stats reports hits and misses since creation.
func (c *Layered) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
