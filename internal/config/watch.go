package config

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/xtding233/reindeer-gacha/internal/gacha"
)

// FileWatcher polls file modification times and triggers a callback on change.
type FileWatcher struct {
	Paths    []string
	Interval time.Duration

	onChange  func(string) // called with path that changed
	lastMTime map[string]time.Time
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// NewFileWatcher creates a watcher for given paths and interval.
func NewFileWatcher(paths []string, interval time.Duration, onChange func(string)) *FileWatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &FileWatcher{
		Paths:     paths,
		Interval:  interval,
		onChange:  onChange,
		stopCh:    make(chan struct{}),
		lastMTime: make(map[string]time.Time),
	}
}

// Run polls until ctx is done or Stop is called.
func (w *FileWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	w.scanAll(true)
	for {
		select {
		case <-ticker.C:
			w.scanAll(false)
		case <-w.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop terminates Run. Safe to call more than once.
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// scanAll invokes onChange for files whose mtime moved since the last scan.
// A file that appears after priming counts as a change.
func (w *FileWatcher) scanAll(prime bool) {
	for _, p := range w.Paths {
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		mt := fi.ModTime()
		last, ok := w.lastMTime[p]
		w.lastMTime[p] = mt
		if prime || (ok && mt.Equal(last)) {
			continue
		}
		if w.onChange != nil {
			w.onChange(p)
		}
	}
}

// WatchRates reloads the loader's files on change and hands valid rates to apply.
// Invalid files are logged and ignored; the previous rates stay in effect.
func WatchRates(ctx context.Context, l *Loader, interval time.Duration, apply func(gacha.Rates) error) error {
	w := NewFileWatcher(l.Files(), interval, func(path string) {
		l.Invalidate()
		r, err := l.Rates()
		if err != nil {
			log.Printf("[config] ignoring %s: %v", path, err)
			return
		}
		if err := apply(r); err != nil {
			log.Printf("[config] rejecting %s: %v", path, err)
			return
		}
		log.Printf("[config] reloaded rates from %s", path)
	})
	return w.Run(ctx)
}
