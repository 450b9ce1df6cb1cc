package core

import (
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher reloads a config file whenever it changes on disk and
// hands the new value to every subscriber. Invalid edits are logged and
// skipped so a typo never takes down a running engine.
type ConfigWatcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu          sync.Mutex
	current     *Config
	subscribers []func(*Config)

	done chan struct{}
	wg   sync.WaitGroup
}

func NewConfigWatcher(path string, initial *Config) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating config watcher")
	}
	// Watch the directory: editors often replace the file instead of writing it.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, errors.Wrapf(err, "watching %s", path)
	}
	cw := &ConfigWatcher{
		path:    filepath.Clean(path),
		watcher: w,
		current: initial,
		done:    make(chan struct{}),
	}
	cw.wg.Add(1)
	go cw.loop()
	return cw, nil
}

// Subscribe registers fn to be called with every successfully reloaded config.
func (cw *ConfigWatcher) Subscribe(fn func(*Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.subscribers = append(cw.subscribers, fn)
}

func (cw *ConfigWatcher) Current() *Config {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.current
}

func (cw *ConfigWatcher) loop() {
	defer cw.wg.Done()
	for {
		select {
		case <-cw.done:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cw.reload()
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			LogWarn("config watcher: %v", err)
		}
	}
}

func (cw *ConfigWatcher) reload() {
	cfg, err := LoadConfig(cw.path)
	if err != nil {
		LogWarn("ignoring config change: %v", err)
		return
	}
	cfg.Apply()
	LogInfo("config reloaded from %s (log level %s)", cw.path, cfg.LogLevel)

	cw.mu.Lock()
	cw.current = cfg
	subs := append([]func(*Config){}, cw.subscribers...)
	cw.mu.Unlock()

	for _, fn := range subs {
		fn(cfg)
	}
}

func (cw *ConfigWatcher) Close() error {
	close(cw.done)
	err := cw.watcher.Close()
	cw.wg.Wait()
	return err
}
