// Package publish uploads a finished output tree to an S3-compatible bucket.
//
// Hashed artifacts are uploaded first with an immutable cache policy; the
// document and manifests go last with no-cache, so a client never sees a
// document that references objects not yet uploaded.
package publish

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	NoCache   = "no-cache"
	Immutable = "public, max-age=31536000, immutable"
)

// Object is one upload.
type Object struct {
	Key          string
	Data         []byte
	ContentType  string
	CacheControl string
}

// Target receives objects. Implementations must be safe for concurrent use.
type Target interface {
	Put(ctx context.Context, obj Object) error
}

// CachePolicy returns the Cache-Control value for a root-relative output
// path. Only content-hashed files are cached forever.
func CachePolicy(rel string) string {
	if isMutable(rel) {
		return NoCache
	}
	return Immutable
}

func isMutable(rel string) bool {
	base := path.Base(rel)
	switch {
	case strings.HasSuffix(base, ".html"):
		return true
	case strings.HasPrefix(base, "manifest."):
		return true
	}
	return false
}

// ContentType guesses from the extension, defaulting to octet-stream.
func ContentType(rel string) string {
	if t := mime.TypeByExtension(path.Ext(rel)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Publisher walks an output directory and uploads every file not excluded.
type Publisher struct {
	Target Target

	// Prefix is prepended to every key.
	Prefix string

	// Exclude holds doublestar patterns matched against root-relative paths.
	Exclude []string

	Concurrency int
	Log         zerolog.Logger
}

// Result lists the uploaded keys in upload order.
type Result struct {
	Keys []string
}

// Publish uploads dir. It stops at the first failed upload.
func (p *Publisher) Publish(ctx context.Context, dir string) (Result, error) {
	if p.Target == nil {
		return Result{}, fmt.Errorf("publish target is not configured")
	}
	immutable, mutable, err := p.collect(dir)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, batch := range [][]string{immutable, mutable} {
		if err := p.upload(ctx, dir, batch); err != nil {
			return res, err
		}
		for _, rel := range batch {
			res.Keys = append(res.Keys, p.key(rel))
		}
	}
	p.Log.Info().
		Int("objects", len(res.Keys)).
		Str("prefix", p.Prefix).
		Msg("output published")
	return res, nil
}

func (p *Publisher) key(rel string) string {
	prefix := strings.Trim(p.Prefix, "/")
	if prefix == "" {
		return rel
	}
	return prefix + "/" + rel
}

func (p *Publisher) collect(dir string) (immutable, mutable []string, err error) {
	err = filepath.WalkDir(dir, func(fp string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, fp)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, pat := range p.Exclude {
			ok, err := doublestar.Match(pat, rel)
			if err != nil {
				return fmt.Errorf("bad exclude pattern %q: %w", pat, err)
			}
			if ok {
				return nil
			}
		}
		if isMutable(rel) {
			mutable = append(mutable, rel)
		} else {
			immutable = append(immutable, rel)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("collect %s: %w", dir, err)
	}
	sort.Strings(immutable)
	sort.Strings(mutable)
	return immutable, mutable, nil
}

func (p *Publisher) upload(ctx context.Context, dir string, rels []string) error {
	g, ctx := errgroup.WithContext(ctx)
	if p.Concurrency > 0 {
		g.SetLimit(p.Concurrency)
	} else {
		g.SetLimit(8)
	}
	for _, rel := range rels {
		g.Go(func() error {
			data, err := readFile(dir, rel)
			if err != nil {
				return err
			}
			obj := Object{
				Key:          p.key(rel),
				Data:         data,
				ContentType:  ContentType(rel),
				CacheControl: CachePolicy(rel),
			}
			if err := p.Target.Put(ctx, obj); err != nil {
				return fmt.Errorf("upload %s: %w", obj.Key, err)
			}
			p.Log.Debug().Str("key", obj.Key).Int("size", len(data)).Msg("object uploaded")
			return nil
		})
	}
	return g.Wait()
}
