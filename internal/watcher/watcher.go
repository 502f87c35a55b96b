// Package watcher polls a project directory and reports file changes.
package watcher

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/previewsync/internal/logging"
)

// Event types.
const (
	EventCreate = "create"
	EventModify = "modify"
	EventDelete = "delete"
)

// DefaultInterval is the polling interval when none is given.
const DefaultInterval = 500 * time.Millisecond

// Event represents a file change. Path is slash-separated and relative to
// the watched root.
type Event struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Time int64  `json:"time"`
}

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".expo":        true,
}

type fileState struct {
	mtime int64
	size  int64
}

// Watcher watches a directory for changes.
type Watcher struct {
	root     string
	interval time.Duration
	logger   *zap.Logger

	mu    sync.RWMutex
	state map[string]fileState
	subs  map[chan Event]struct{}

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a watcher for root. A zero interval selects DefaultInterval.
func New(root string, interval time.Duration, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Watcher{
		root:     root,
		interval: interval,
		logger:   logging.Or(logger).With(zap.String("root", root)),
		state:    make(map[string]fileState),
		subs:     make(map[chan Event]struct{}),
		done:     make(chan struct{}),
	}
}

// Start takes the initial snapshot and begins polling.
func (w *Watcher) Start(ctx context.Context) error {
	state, err := w.scan()
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()

	go w.watchLoop(ctx)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Files returns the relative paths present at the last scan, unordered.
func (w *Watcher) Files() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.state))
	for p := range w.state {
		out = append(out, p)
	}
	return out
}

// Subscribe returns a channel that receives events.
func (w *Watcher) Subscribe() chan Event {
	ch := make(chan Event, 100)
	w.mu.Lock()
	w.subs[ch] = struct{}{}
	w.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber.
func (w *Watcher) Unsubscribe(ch chan Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.subs[ch]; !ok {
		return
	}
	delete(w.subs, ch)
	close(ch)
}

func (w *Watcher) watchLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.checkChanges()
		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) scan() (map[string]fileState, error) {
	state := make(map[string]fileState)
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == w.root {
				return err
			}
			return nil // vanished mid-walk
		}
		if d.IsDir() {
			if path != w.root && (skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return nil
		}
		state[filepath.ToSlash(rel)] = fileState{mtime: info.ModTime().UnixNano(), size: info.Size()}
		return nil
	})
	return state, err
}

func (w *Watcher) checkChanges() {
	newState, err := w.scan()
	if err != nil {
		w.logger.Warn("scan failed", zap.Error(err))
		return
	}

	now := time.Now().Unix()
	var events []Event

	w.mu.Lock()
	for path, st := range newState {
		old, exists := w.state[path]
		switch {
		case !exists:
			events = append(events, Event{Type: EventCreate, Path: path, Time: now})
		case old != st:
			events = append(events, Event{Type: EventModify, Path: path, Time: now})
		}
	}
	for path := range w.state {
		if _, exists := newState[path]; !exists {
			events = append(events, Event{Type: EventDelete, Path: path, Time: now})
		}
	}
	w.state = newState
	w.mu.Unlock()

	if len(events) > 0 {
		w.broadcast(events)
	}
}

func (w *Watcher) broadcast(events []Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for ch := range w.subs {
		for _, event := range events {
			select {
			case ch <- event:
			default:
				w.logger.Warn("dropping event for slow subscriber",
					zap.String("type", event.Type),
					zap.String("path", event.Path),
				)
			}
		}
	}
}
