package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

// DefaultWatchDebounce coalesces the burst of events an editor save produces
const DefaultWatchDebounce = 100 * time.Millisecond

// Event carries a reloaded configuration or the error that prevented it
type Event struct {
	Config *Config
	Err    error
}

// CleanupFunc stops a watch and waits for its goroutines
type CleanupFunc func() error

// Watch reloads path whenever it changes and sends the result on the
// returned channel. The parent directory is watched so that atomic
// replacements (write to temp file, rename) are seen. The channel is closed
// after cleanup or ctx cancellation.
func Watch(ctx context.Context, path string, debounce time.Duration) (<-chan Event, CleanupFunc, error) {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, nil, err
	}

	ch := make(chan Event, 1)
	sctx := stopper.WithContext(ctx)

	var (
		mu        sync.Mutex
		debouncer *time.Timer
		closed    bool
	)

	sctx.Defer(func() {
		_ = watcher.Close()
		mu.Lock()
		defer mu.Unlock()
		if debouncer != nil {
			debouncer.Stop()
		}
		closed = true
		close(ch)
	})

	// Cancelling ctx ends the watch like cleanup does
	stopOnCancel := context.AfterFunc(ctx, func() {
		sctx.Stop(100 * time.Millisecond)
	})
	sctx.Defer(func() { stopOnCancel() })

	cleanup := func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}

	// reload runs on a timer goroutine; mu keeps it from racing the close
	reload := func() {
		mu.Lock()
		defer mu.Unlock()
		if closed || sctx.IsStopping() {
			return
		}
		cfg, err := Load(abs)
		select {
		case ch <- Event{Config: cfg, Err: err}:
		case <-sctx.Stopping():
		}
	}

	sctx.Go(func(sctx *stopper.Context) error {
		for !sctx.IsStopping() {
			select {
			case <-sctx.Stopping():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				mu.Lock()
				if debouncer != nil {
					debouncer.Stop()
				}
				debouncer = time.AfterFunc(debounce, reload)
				mu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				if err != nil && !sctx.IsStopping() {
					select {
					case ch <- Event{Err: err}:
					case <-sctx.Stopping():
						return nil
					}
				}
			}
		}
		return nil
	})

	return ch, cleanup, nil
}
