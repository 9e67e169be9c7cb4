package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a config file on disk and invokes onChange whenever it is
// rewritten, carrying the freshly reloaded value. Unlike the teacher's
// Loader, it does not migrate across config versions or track an in-memory
// current value itself: this system has one config version, and the
// enclave/coordinator processes that hold a *Watcher already own their own
// current config.
type Watcher struct {
	path string

	fsw    *fsnotify.Watcher
	done   chan struct{}
	closed sync.Once
}

// reloadFunc loads and validates a config from path, returning the parsed
// value as an `any` so Watch can stay generic over EnclaveConfig and
// CoordinatorConfig.
type reloadFunc func(path string) (any, error)

// WatchEnclaveConfig watches path for changes and calls onChange with each
// successfully reloaded, validated EnclaveConfig. Reload errors (a
// half-written file, a config that now fails Validate) are reported to
// onError instead of being applied; the process keeps running on its last
// good config.
func WatchEnclaveConfig(path string, onChange func(*EnclaveConfig), onError func(error)) (*Watcher, error) {
	return watch(path, func(p string) (any, error) {
		cfg, err := LoadEnclaveConfig(p)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}, func(v any) { onChange(v.(*EnclaveConfig)) }, onError)
}

// WatchCoordinatorConfig is WatchEnclaveConfig's CoordinatorConfig
// counterpart.
func WatchCoordinatorConfig(path string, onChange func(*CoordinatorConfig), onError func(error)) (*Watcher, error) {
	return watch(path, func(p string) (any, error) {
		cfg, err := LoadCoordinatorConfig(p)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}, func(v any) { onChange(v.(*CoordinatorConfig)) }, onError)
}

func watch(path string, reload reloadFunc, apply func(any), onError func(error)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}

	// Watch the containing directory rather than the file itself: editors
	// commonly replace a config file via rename-into-place, which orphans a
	// watch held on the old inode.
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch directory %s: %w", dir, err)
	}

	w := &Watcher{path: path, fsw: fsw, done: make(chan struct{})}
	go w.loop(reload, apply, onError)
	return w, nil
}

func (w *Watcher) loop(reload reloadFunc, apply func(any), onError func(error)) {
	var debounce *time.Timer
	const debounceDelay = 200 * time.Millisecond

	for {
		select {
		case <-w.done:
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				cfg, err := reload(w.path)
				if err != nil {
					if onError != nil {
						onError(fmt.Errorf("config: reload %s: %w", w.path, err))
					}
					return
				}
				apply(cfg)
			})

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if onError != nil {
				onError(fmt.Errorf("config: watch error: %w", err))
			}
		}
	}
}

// Close stops watching. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closed.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}
