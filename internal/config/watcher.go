package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PolicyFileName is the permission table watched alongside config.yaml.
const PolicyFileName = "policy.yaml"

// DefaultReloadDebounce is how long the watcher waits for a burst of writes
// to one file to settle before reporting it.
const DefaultReloadDebounce = 150 * time.Millisecond

// ReloadEvent reports that a watched file settled after one or more changes.
// Op is the union of the operations seen during the burst.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// IsPolicy reports whether the event concerns policy.yaml.
func (e ReloadEvent) IsPolicy() bool {
	return filepath.Base(e.Path) == PolicyFileName
}

type Watcher struct {
	homeDir  string
	debounce time.Duration
	logger   *slog.Logger
	events   chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		debounce: DefaultReloadDebounce,
		logger:   logger.With("component", "config-watcher"),
		events:   make(chan ReloadEvent, 16),
	}
}

// SetDebounce changes the settle window. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory for changes to config.yaml and
// policy.yaml. The directory is watched rather than the files so editors
// that save by rename keep the watch attached.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	pending := make(map[string]fsnotify.Op)
	var timer *time.Timer
	var settled <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !relevant(ev) {
				continue
			}
			pending[ev.Name] |= ev.Op
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				settled = timer.C
			}
		case <-settled:
			timer, settled = nil, nil
			for path, op := range pending {
				w.emit(ReloadEvent{Path: path, Op: op})
			}
			clear(pending)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watch error", "error", err)
		}
	}
}

// emit drops the event when the consumer is behind; the next change
// reloads the same file anyway.
func (w *Watcher) emit(ev ReloadEvent) {
	select {
	case w.events <- ev:
		w.logger.Info("config file changed", "path", ev.Path, "op", ev.Op.String())
	default:
		w.logger.Warn("reload event dropped", "path", ev.Path)
	}
}

func relevant(ev fsnotify.Event) bool {
	switch filepath.Base(ev.Name) {
	case "config.yaml", PolicyFileName:
		return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
	}
	return false
}
