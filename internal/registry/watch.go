package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 200 * time.Millisecond

// Reloadable is a source whose catalog can be re-read from its file.
type Reloadable interface {
	Path() string
	Reload() error
}

// Watch reloads src whenever its file changes, until ctx is done. Bursts of
// events within debounce trigger a single reload; onReload, if set, runs
// after each successful one.
func Watch(ctx context.Context, src Reloadable, debounce time.Duration, logger *zap.Logger, onReload func()) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so atomic renames of the file are seen.
	path := filepath.Clean(src.Path())
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %q: %w", path, err)
	}
	logger.Info("registry watcher started", zap.String("path", path))

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		if err := src.Reload(); err != nil {
			logger.Error("registry reload failed", zap.Error(err))
			return
		}
		logger.Info("registry reloaded", zap.String("path", path))
		if onReload != nil {
			onReload()
		}
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("registry watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			logger.Debug("registry file event", zap.String("op", event.Op.String()))

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			logger.Error("registry watcher error", zap.Error(err))
		}
	}
}
