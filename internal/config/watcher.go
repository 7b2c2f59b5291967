package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for debouncing file system events.
const DebounceDelay = 100 * time.Millisecond

// Subscriber receives every configuration that reloads successfully.
// Implementations must be safe for concurrent use.
type Subscriber interface {
	OnConfigChanged(cfg *Config)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(cfg *Config)

// OnConfigChanged calls f(cfg).
func (f SubscriberFunc) OnConfigChanged(cfg *Config) { f(cfg) }

// Watcher reloads a configuration file when it changes on disk.
//
// The parent directory is watched rather than the file itself, so editors
// that save by writing a new file and renaming it are picked up. A reload
// that fails to parse or validate is logged and the previous configuration
// stays in effect.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu            sync.RWMutex
	subscribers   []Subscriber
	debounceDelay time.Duration

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher creates a watcher for the configuration file at path.
// Call Start to begin watching and Close when done.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
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
		return nil, err
	}

	return &Watcher{
		path:          abs,
		watcher:       fw,
		logger:        logger,
		debounceDelay: DebounceDelay,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// SetDebounceDelay changes how long the watcher waits for writes to settle.
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounceDelay = d
}

// Subscribe registers sub for future reloads.
func (w *Watcher) Subscribe(sub Subscriber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, sub)
}

// Start begins the event processing loop.
func (w *Watcher) Start() {
	go w.eventLoop()
}

// Close stops the watcher. No reloads are delivered after it returns.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceMu.Unlock()
	return err
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("Config watcher error", "error", err)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}

	if w.logger != nil {
		w.logger.Debug("Config file changed", "path", event.Name, "op", event.Op.String())
	}

	w.mu.RLock()
	delay := w.debounceDelay
	w.mu.RUnlock()

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(delay, w.reload)
	w.debounceMu.Unlock()
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	cfg, err := Load(w.path)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("Ignoring invalid configuration change", "path", w.path, "error", err)
		}
		return
	}

	w.mu.RLock()
	subs := append([]Subscriber(nil), w.subscribers...)
	w.mu.RUnlock()

	if w.logger != nil {
		w.logger.Info("Configuration reloaded", "path", w.path, "subscribers", len(subs))
	}
	for _, sub := range subs {
		sub.OnConfigChanged(cfg)
	}
}
