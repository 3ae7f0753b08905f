package index

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/orchestr8/orchestr8/pkg/logger"
)

// Watch invalidates the memoized index whenever a matching document under
// the root changes. It blocks until ctx is cancelled. Watching is optional;
// callers that prefer explicit invalidation simply never start it.
func (b *Builder) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create filesystem watcher")
	}
	defer watcher.Close()

	err = filepath.WalkDir(b.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return watcher.Add(path)
	})
	if err != nil {
		return errors.Wrapf(err, "failed to watch document root %s", b.root)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			b.handleEvent(ctx, watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.G(ctx).WithError(err).Warn("filesystem watcher error")
		}
	}
}

func (b *Builder) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) {
	// New directories need their own watch before documents inside them
	// produce events.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := watcher.Add(event.Name); err != nil {
				logger.G(ctx).WithError(err).WithField("dir", event.Name).Warn("failed to watch new directory")
			}
			b.Invalidate()
			return
		}
	}

	rel, err := filepath.Rel(b.root, event.Name)
	if err != nil {
		return
	}
	if b.matches(strings.ReplaceAll(rel, string(filepath.Separator), "/")) {
		logger.G(ctx).WithField("path", rel).Debug("document changed, invalidating index")
		b.Invalidate()
	}
}
