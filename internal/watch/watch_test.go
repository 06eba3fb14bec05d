package watch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherTriggersOncePerExternalChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "project.json")
	if err := os.WriteFile(path, []byte(`{"version":1}`), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	fired := make(chan struct{}, 8)
	trigger := func(ctx context.Context) error {
		// A run saves the project it aligned.
		if err := os.WriteFile(path, []byte(`{"version":1,"aligned":true}`), 0644); err != nil {
			return err
		}
		fired <- struct{}{}
		return nil
	}

	w, err := New(path, 30*time.Millisecond, trigger, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	// Unrelated files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"version":1,"edited":1}`), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher did not trigger")
	}

	// The run's own save must not trigger again.
	select {
	case <-fired:
		t.Fatalf("watcher re-triggered on its own save")
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	<-done
	if w.Runs() != 1 {
		t.Fatalf("expected one run, got %d", w.Runs())
	}
}

func TestNewFailsForMissingDirectory(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "nope", "p.json"), time.Millisecond, nil, nil); err == nil {
		t.Fatalf("expected error")
	}
}
