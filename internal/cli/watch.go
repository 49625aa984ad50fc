package cli

import (
	stdcontext "context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

const (
	watchDebounce    = 100 * time.Millisecond
	watchGracePeriod = 100 * time.Millisecond
)

// watchJobsFile calls reload whenever path is written, created or renamed
// into place. Bursts of events within watchDebounce trigger one reload.
func watchJobsFile(ctx stdcontext.Context, path string, logger *slog.Logger, reload func(stdcontext.Context) error) (func() error, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve jobs path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch jobs file: %w", err)
	}
	// Saves replace the file by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch jobs file: %w", err)
	}

	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
	})

	var (
		mu        sync.Mutex
		debouncer *time.Timer
	)
	trigger := func() {
		if sctx.IsStopping() {
			return
		}
		if err := reload(ctx); err != nil {
			logger.Error("reload after file change failed", "file", absPath, "err", err)
			return
		}
		logger.Info("jobs file changed, reloaded", "file", absPath)
	}

	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() {
			mu.Lock()
			if debouncer != nil {
				debouncer.Stop()
			}
			mu.Unlock()
		})

		for !sctx.IsStopping() {
			select {
			case <-sctx.Stopping():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Clean(event.Name) != absPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				mu.Lock()
				if debouncer != nil {
					debouncer.Stop()
				}
				debouncer = time.AfterFunc(watchDebounce, trigger)
				mu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				if err != nil {
					logger.Warn("jobs file watcher error", "err", err)
				}
			}
		}
		return nil
	})

	return func() error {
		sctx.Stop(watchGracePeriod)
		return sctx.Wait()
	}, nil
}
