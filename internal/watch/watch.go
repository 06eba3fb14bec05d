// Package watch re-runs an alignment when a project file changes on disk.
package watch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Trigger runs one alignment of the watched project.
type Trigger func(ctx context.Context) error

// Watcher debounces changes to one file and calls a Trigger when its content
// differs from what the last run left behind, so the run's own save does not
// trigger again.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	trigger  Trigger
	log      *slog.Logger
	lastHash string
	runs     int
}

// New watches path. The directory is watched rather than the file because
// saves replace the file by rename.
func New(path string, debounce time.Duration, trigger Trigger, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %v", filepath.Dir(abs), err)
	}
	w := &Watcher{
		watcher:  fw,
		path:     abs,
		debounce: debounce,
		trigger:  trigger,
		log:      log,
	}
	w.lastHash, _ = fileHash(abs)
	log.Info("watching project", "path", abs, "debounce", debounce.String())
	return w, nil
}

// Runs is the number of completed triggers. Only safe after Run returns.
func (w *Watcher) Runs() int { return w.runs }

// Run processes events until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)

		case <-timer.C:
			w.fire(ctx)
		}
	}
}

func (w *Watcher) fire(ctx context.Context) {
	hash, err := fileHash(w.path)
	if err != nil {
		// Mid-replace or deleted; a later event retries.
		w.log.Debug("project not readable", "path", w.path, "error", err)
		return
	}
	if hash == w.lastHash {
		return
	}
	w.log.Info("project changed", "path", w.path)
	if err := w.trigger(ctx); err != nil {
		w.log.Error("watched run failed", "path", w.path, "error", err)
	}
	w.runs++
	if after, err := fileHash(w.path); err == nil {
		w.lastHash = after
	} else {
		w.lastHash = hash
	}
}

func fileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
