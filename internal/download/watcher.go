// Package download waits for browser downloads to land in a directory.
package download

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/xkilldash9x/harvestbot/api/schemas"
)

const (
	// DefaultPollInterval is how often the directory is listed.
	DefaultPollInterval = time.Second
	// DefaultPartialSuffix is the suffix Chrome gives files still being written.
	DefaultPartialSuffix = ".crdownload"
)

// Watcher polls a directory for a completed artifact. A filesystem
// notification wakes the poll loop early, but correctness never depends on
// one arriving.
type Watcher struct {
	logger        *zap.Logger
	pollInterval  time.Duration
	partialSuffix string
	notify        bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithPartialSuffix overrides DefaultPartialSuffix.
func WithPartialSuffix(s string) Option {
	return func(w *Watcher) {
		if s != "" {
			w.partialSuffix = s
		}
	}
}

// WithoutNotify disables the fsnotify wake-ups.
func WithoutNotify() Option {
	return func(w *Watcher) { w.notify = false }
}

// NewWatcher creates a Watcher.
func NewWatcher(logger *zap.Logger, opts ...Option) *Watcher {
	w := &Watcher{
		logger:        logger.Named("download_watcher"),
		pollInterval:  DefaultPollInterval,
		partialSuffix: DefaultPartialSuffix,
		notify:        true,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Await returns the name of the first entry in dir, in name order, whose name
// contains fragment and does not end with the partial-download suffix. It
// returns an error wrapping schemas.ErrDownloadTimeout when timeout elapses
// first, and ctx.Err() when ctx ends.
func (w *Watcher) Await(ctx context.Context, dir, fragment string, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if w.notify {
		if fw, err := fsnotify.NewWatcher(); err != nil {
			w.logger.Debug("fsnotify unavailable, polling only", zap.Error(err))
		} else {
			defer fw.Close()
			if err := fw.Add(dir); err != nil {
				w.logger.Debug("could not watch directory, polling only", zap.String("dir", dir), zap.Error(err))
			} else {
				events, errs = fw.Events, fw.Errors
			}
		}
	}

	for {
		if name, ok := w.scan(dir, fragment); ok {
			return name, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			// One last look so a file finishing exactly at the deadline is not lost.
			if name, ok := w.scan(dir, fragment); ok {
				return name, nil
			}
			return "", fmt.Errorf("%w: no file matching %q in %s after %s", schemas.ErrDownloadTimeout, fragment, dir, timeout)
		case <-ticker.C:
		case <-events:
		case err := <-errs:
			if err != nil {
				w.logger.Debug("fsnotify error", zap.Error(err))
			}
		}
	}
}

// scan lists dir once. Listing errors count as "not yet".
func (w *Watcher) scan(dir, fragment string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Debug("listing download directory failed", zap.String("dir", dir), zap.Error(err))
		return "", false
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, w.partialSuffix) {
			continue
		}
		if strings.Contains(name, fragment) {
			return name, true
		}
	}
	return "", false
}
