// Package index builds the resource index for a local document tree. A
// build walks the root recursively, parses every matching document, and
// memoizes the result for the process lifetime; concurrent callers share a
// single in-flight build.
package index

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/orchestr8/orchestr8/pkg/logger"
	"github.com/orchestr8/orchestr8/pkg/parser"
	"github.com/orchestr8/orchestr8/pkg/types/resources"
)

const defaultConcurrency = 8

// Builder scans a document root and produces a resources.Index. The built
// index is cached until Invalidate is called; there is no TTL at this
// layer, unlike the provider content cache.
type Builder struct {
	root        string
	patterns    []string
	concurrency int

	mu     sync.Mutex
	cached resources.Index
	built  bool
	diags  []resources.ParseError

	group singleflight.Group
	scans atomic.Int64
}

// Option configures a Builder.
type Option func(*Builder)

// WithPatterns sets the doublestar patterns (relative to the root) that
// identify document files. Default is "**/*.md".
func WithPatterns(patterns ...string) Option {
	return func(b *Builder) {
		b.patterns = patterns
	}
}

// WithConcurrency bounds the number of documents parsed in parallel within
// one directory.
func WithConcurrency(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// NewBuilder creates a builder for the given document root.
func NewBuilder(root string, opts ...Option) *Builder {
	b := &Builder{
		root:        root,
		patterns:    []string{"**/*.md"},
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Root returns the document root path.
func (b *Builder) Root() string {
	return b.root
}

// Build returns the resource index, scanning the tree at most once until
// invalidated. Concurrent callers while a build is in flight join the same
// build rather than triggering a duplicate scan.
func (b *Builder) Build(ctx context.Context) (resources.Index, error) {
	b.mu.Lock()
	if b.built {
		idx := b.cached
		b.mu.Unlock()
		return idx, nil
	}
	b.mu.Unlock()

	v, err, _ := b.group.Do("build", func() (interface{}, error) {
		idx, diags, err := b.scan(ctx)
		if err != nil {
			return nil, err
		}

		for i := range diags {
			logger.G(ctx).WithField("path", diags[i].Path).WithField("reason", diags[i].Reason).
				Warn("document parsed with degraded fields")
		}

		b.mu.Lock()
		b.cached = idx
		b.built = true
		b.diags = diags
		b.mu.Unlock()
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(resources.Index), nil
}

// Invalidate drops the memoized index; the next Build rescans.
func (b *Builder) Invalidate() {
	b.mu.Lock()
	b.cached = nil
	b.built = false
	b.diags = nil
	b.mu.Unlock()
}

// Diagnostics returns the parse diagnostics collected by the last build.
func (b *Builder) Diagnostics() []resources.ParseError {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]resources.ParseError(nil), b.diags...)
}

// Scans reports how many full tree scans have run.
func (b *Builder) Scans() int64 {
	return b.scans.Load()
}

func (b *Builder) scan(ctx context.Context) (resources.Index, []resources.ParseError, error) {
	b.scans.Add(1)

	if _, err := os.ReadDir(b.root); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read document root %s", b.root)
	}

	var diags []resources.ParseError
	var diagMu sync.Mutex
	record := func(d *resources.ParseError) {
		if d == nil {
			return
		}
		diagMu.Lock()
		diags = append(diags, *d)
		diagMu.Unlock()
	}

	idx, err := b.walkDir(ctx, b.root, "", record)
	if err != nil {
		return nil, nil, err
	}

	return dedupe(ctx, idx), diags, nil
}

// walkDir scans one directory: its matching documents are parsed
// concurrently, then subdirectory results are appended in lexicographic
// order so the overall sequence is deterministic.
func (b *Builder) walkDir(ctx context.Context, dir, rel string, record func(*resources.ParseError)) (resources.Index, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if rel == "" {
			return nil, errors.Wrapf(err, "failed to read document root %s", dir)
		}
		logger.G(ctx).WithError(err).WithField("dir", dir).Warn("skipping unreadable directory")
		return nil, nil
	}

	var files, subdirs []string
	for _, entry := range entries {
		relPath := path.Join(rel, entry.Name())
		if entry.IsDir() {
			subdirs = append(subdirs, entry.Name())
			continue
		}
		if b.matches(relPath) {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	sort.Strings(subdirs)

	frags := make([]*resources.Fragment, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, name := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			full := filepath.Join(dir, name)
			content, err := os.ReadFile(full)
			if err != nil {
				record(&resources.ParseError{Path: full, Reason: err.Error()})
				return nil
			}
			frag, diag := parser.Parse(path.Join(rel, name), content)
			record(diag)
			frags[i] = &frag
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var idx resources.Index
	for _, frag := range frags {
		if frag != nil {
			idx = append(idx, *frag)
		}
	}
	for _, sub := range subdirs {
		subIdx, err := b.walkDir(ctx, filepath.Join(dir, sub), path.Join(rel, sub), record)
		if err != nil {
			return nil, err
		}
		idx = append(idx, subIdx...)
	}
	return idx, nil
}

func (b *Builder) matches(relPath string) bool {
	for _, pattern := range b.patterns {
		if ok, err := doublestar.Match(pattern, relPath); err == nil && ok {
			return true
		}
	}
	return false
}

// dedupe enforces URI uniqueness within the index; the first occurrence in
// traversal order wins.
func dedupe(ctx context.Context, idx resources.Index) resources.Index {
	seen := make(map[string]bool, len(idx))
	out := idx[:0]
	for _, frag := range idx {
		if seen[frag.URI] {
			logger.G(ctx).WithField("uri", frag.URI).Warn("duplicate resource URI, keeping first occurrence")
			continue
		}
		seen[frag.URI] = true
		out = append(out, frag)
	}
	return out
}
