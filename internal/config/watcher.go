package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/wudi/ignite/internal/logging"
	"go.uber.org/zap"
)

// Watcher watches the configuration file and, when configured, the client
// access overrides file. A change to either reloads the full configuration.
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	configPath string
	callbacks  []func(*Config)
	mu         sync.RWMutex
	debounce   time.Duration
	lastConfig *Config
	watched    map[string]bool
	timer      *time.Timer
	done       chan struct{}
	stopOnce   sync.Once
}

// NewWatcher creates a new configuration watcher
func NewWatcher(configPath string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:    fsWatcher,
		loader:     NewLoader(),
		configPath: configPath,
		debounce:   500 * time.Millisecond,
		watched:    make(map[string]bool),
		done:       make(chan struct{}),
	}

	cfg, err := w.loader.Load(configPath)
	if err != nil {
		fsWatcher.Close()
		return nil, err
	}
	w.lastConfig = cfg

	return w, nil
}

// OnChange registers a callback for config changes
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for configuration changes
func (w *Watcher) Start() error {
	files := []string{w.configPath}
	if f := w.GetConfig().ClientAccess.OverridesFile; f != "" {
		files = append(files, f)
	}

	dirs := make(map[string]bool)
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		w.watched[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	// Editors replace files atomically, so watch directories rather than files.
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
	}

	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			abs, err := filepath.Abs(event.Name)
			if err != nil || !w.watched[abs] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))

		case <-w.done:
			return
		}
	}
}

// reload loads the config and notifies callbacks
func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.configPath)
	if err != nil {
		logging.Error("failed to reload config", zap.Error(err))
		return
	}

	w.mu.Lock()
	w.lastConfig = cfg
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	logging.Info("configuration reloaded", zap.String("path", w.configPath))

	for _, cb := range callbacks {
		go cb(cfg)
	}
}

// GetConfig returns the current configuration
func (w *Watcher) GetConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastConfig
}

// Stop stops watching for changes
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}

// SetDebounce sets the debounce duration for file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}
