package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.viam.com/stereocam/logging"
	"go.viam.com/stereocam/stereo"
	"go.viam.com/stereocam/utils"
)

// DefaultReloadDelay is how long a matcher file must stay unchanged before it is re-read.
const DefaultReloadDelay = 250 * time.Millisecond

// ApplyMatcherFunc applies a matcher settings patch and returns the resulting settings.
type ApplyMatcherFunc func(patch map[string]interface{}) (stereo.Config, error)

// MatcherWatcher re-applies a matcher settings file whenever it changes on disk.
type MatcherWatcher struct {
	logger  logging.Logger
	path    string
	apply   ApplyMatcherFunc
	watcher *fsnotify.Watcher
	workers utils.StoppableWorkers

	debounced func(func())
	closed    atomic.Bool
	reloads   atomic.Int64
	failures  atomic.Int64
}

// WatchMatcherFile applies path once, if it exists, and then after every change. Bursts of
// changes within delay of each other are applied once.
func WatchMatcherFile(logger logging.Logger, path string, delay time.Duration, apply ApplyMatcherFunc) (*MatcherWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating file watcher")
	}
	// editors often replace files, so watch the directory
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "watching %q", filepath.Dir(abs)), watcher.Close())
	}
	if delay <= 0 {
		delay = DefaultReloadDelay
	}
	w := &MatcherWatcher{
		logger:    logger,
		path:      abs,
		apply:     apply,
		watcher:   watcher,
		debounced: debounce.New(delay),
	}
	if _, err := ReadMatcherPatch(abs); err == nil {
		w.reload()
	}
	w.workers = utils.NewStoppableWorkers(w.watch)
	return w, nil
}

func (w *MatcherWatcher) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.debounced(w.reload)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("matcher file watcher error", "error", err)
		}
	}
}

func (w *MatcherWatcher) reload() {
	if w.closed.Load() {
		return
	}
	patch, err := ReadMatcherPatch(w.path)
	if err == nil {
		var cfg stereo.Config
		cfg, err = w.apply(patch)
		if err == nil {
			w.reloads.Inc()
			w.logger.Infow("matcher settings reloaded", "path", w.path, "mode", cfg.Mode.String(), "num_disparities", cfg.NumDisparities)
			return
		}
	}
	w.failures.Inc()
	w.logger.Warnw("cannot apply matcher settings; keeping previous", "path", w.path, "error", err)
}

// Reloads counts successful applications of the file.
func (w *MatcherWatcher) Reloads() int64 {
	return w.reloads.Load()
}

// Failures counts changes that could not be applied.
func (w *MatcherWatcher) Failures() int64 {
	return w.failures.Load()
}

// Close stops watching.
func (w *MatcherWatcher) Close() error {
	w.closed.Store(true)
	w.workers.Stop()
	return w.watcher.Close()
}
