package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads a Config's FallbackConfig field whenever the backing
// YAML file changes. Config resolution (pkg/store/configstore) does not
// read that field: its last tier is the built-in domain.FallbackConfig(),
// so a reloaded file value does not change which config a batch is
// sealed with.
type Watcher struct {
	path string
	log  *logrus.Entry

	mu  sync.RWMutex
	cfg *Config

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher starts watching path (if non-empty) for changes, reloading
// into cfg on every write event. Call Close when done.
func NewWatcher(path string, cfg *Config, log *logrus.Entry) (*Watcher, error) {
	w := &Watcher{path: path, cfg: cfg, log: log, done: make(chan struct{})}
	if path == "" {
		return w, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	w.watcher = fsw

	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reloaded, err := Load(w.path)
			if err != nil {
				w.log.WithError(err).Warn("fallback config reload failed, keeping previous value")
				continue
			}
			w.mu.Lock()
			w.cfg.FallbackConfig = reloaded.FallbackConfig
			w.mu.Unlock()
			w.log.Info("fallback config reloaded")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watcher error")
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the underlying
// fsnotify handle.
func (w *Watcher) Close() error {
	close(w.done)
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}
