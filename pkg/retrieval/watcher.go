package retrieval

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// UploadsWatcher mirrors a directory of user-uploaded files into the
// engine. Files are indexed as permanent sources, so they are exempt
// from LRU eviction; deleting a file removes its source.
type UploadsWatcher struct {
	watcher       *fsnotify.Watcher
	basePath      string
	engine        *Engine
	debounceDelay time.Duration

	mu         sync.Mutex
	isWatching bool
	cancel     context.CancelFunc
	pending    map[string]*time.Timer
}

// NewUploadsWatcher creates a watcher over basePath. The directory is
// created if missing.
func NewUploadsWatcher(basePath string, engine *Engine) (*UploadsWatcher, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &UploadsWatcher{
		watcher:       watcher,
		basePath:      basePath,
		engine:        engine,
		debounceDelay: 200 * time.Millisecond,
		pending:       make(map[string]*time.Timer),
	}, nil
}

// Start indexes the existing files, then begins watching for changes.
func (uw *UploadsWatcher) Start(ctx context.Context) error {
	uw.mu.Lock()
	defer uw.mu.Unlock()

	if uw.isWatching {
		return nil
	}

	ctx, uw.cancel = context.WithCancel(ctx)

	entries, err := os.ReadDir(uw.basePath)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		uw.ingestFile(ctx, filepath.Join(uw.basePath, entry.Name()))
	}

	if err := uw.watcher.Add(uw.basePath); err != nil {
		return err
	}
	uw.isWatching = true
	go uw.watchEvents(ctx)

	slog.Info("Watching uploads directory", "path", uw.basePath)
	return nil
}

// Stop stops the watcher.
func (uw *UploadsWatcher) Stop() error {
	uw.mu.Lock()
	defer uw.mu.Unlock()

	if !uw.isWatching {
		return nil
	}
	uw.cancel()
	uw.isWatching = false
	for _, t := range uw.pending {
		t.Stop()
	}
	return uw.watcher.Close()
}

func (uw *UploadsWatcher) watchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-uw.watcher.Events:
			if !ok {
				return
			}
			uw.handleEvent(ctx, event)
		case err, ok := <-uw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Uploads watcher error", "error", err)
		}
	}
}

func (uw *UploadsWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") {
		return
	}

	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		// Debounce so a file being written in multiple syscalls is
		// indexed once.
		uw.mu.Lock()
		if t, ok := uw.pending[event.Name]; ok {
			t.Stop()
		}
		path := event.Name
		uw.pending[path] = time.AfterFunc(uw.debounceDelay, func() {
			uw.mu.Lock()
			delete(uw.pending, path)
			uw.mu.Unlock()
			uw.ingestFile(ctx, path)
		})
		uw.mu.Unlock()

	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if err := uw.engine.RemoveDocument(ctx, uw.sourceName(event.Name)); err != nil {
			slog.Warn("Failed to remove uploaded source", "path", event.Name, "error", err)
		}
	}
}

func (uw *UploadsWatcher) sourceName(path string) string {
	return "uploads/" + filepath.Base(path)
}

func (uw *UploadsWatcher) ingestFile(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Failed to read uploaded file", "path", path, "error", err)
		return
	}
	if err := uw.engine.IngestDocument(ctx, uw.sourceName(path), string(data), true); err != nil {
		slog.Warn("Failed to index uploaded file", "path", path, "error", err)
		return
	}
	slog.Info("Indexed uploaded file", "path", path, "bytes", len(data))
}
