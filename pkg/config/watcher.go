package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/waterloobae/samlproxy/pkg/observability"
)

// PolicyWatcher reloads the policy file when it changes on disk and
// hands each successfully parsed document to the registered callback.
// Parse failures keep the previous policy in effect.
type PolicyWatcher struct {
	path     string
	logger   *observability.Logger
	onReload func(*PolicyDocument)

	// Editors and configmap updates produce bursts of events; changes
	// within the debounce window collapse into one reload.
	debounce time.Duration
}

// NewPolicyWatcher creates a watcher for the policy file at path
func NewPolicyWatcher(path string, logger *observability.Logger, onReload func(*PolicyDocument)) *PolicyWatcher {
	return &PolicyWatcher{
		path:     path,
		logger:   logger,
		onReload: onReload,
		debounce: 200 * time.Millisecond,
	}
}

// Watch blocks until ctx is cancelled, reloading the policy on each
// write to the file. Watching the parent directory instead of the file
// itself survives the rename-replace pattern used by most editors and
// by kubernetes configmap mounts.
func (w *PolicyWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	w.logger.WithField("path", w.path).Info("Watching policy file for changes")

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("Policy file watcher error")
		}
	}
}

func (w *PolicyWatcher) reload() {
	doc, err := LoadPolicy(w.path)
	if err != nil {
		w.logger.WithError(err).Error("Policy reload failed, keeping previous policy")
		return
	}
	w.logger.WithField("path", w.path).Info("Policy reloaded")
	w.onReload(doc)
}
