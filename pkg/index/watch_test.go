package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchInvalidatesOnChange(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "first.md", "---\nid: first\n---\n# First\n")

	b := NewBuilder(root)
	idx, err := b.Build(context.Background())
	require.NoError(t, err)
	require.Len(t, idx, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Watch(ctx)
	}()

	// Give the watcher a moment to establish before writing.
	time.Sleep(100 * time.Millisecond)
	writeDoc(t, root, "second.md", "---\nid: second\n---\n# Second\n")

	require.Eventually(t, func() bool {
		idx, err := b.Build(context.Background())
		return err == nil && len(idx) == 2
	}, 5*time.Second, 50*time.Millisecond, "watcher should invalidate the memoized index")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on context cancellation")
	}
}
