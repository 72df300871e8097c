package modules

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/havenlabs/haven/pkg/telemetry"
)

// watchDebounce coalesces bursts of filesystem events into one change
// notification.
const watchDebounce = 500 * time.Millisecond

// Watcher observes the modules directory and emits a notification when
// descriptors change, so status streams can refresh without polling the
// filesystem on their own schedule.
type Watcher struct {
	dir     string
	logger  *telemetry.Logger
	fsw     *fsnotify.Watcher
	changes chan struct{}
}

// NewWatcher creates a watcher over the modules directory and its
// per-module subdirectories. fsnotify watches are not recursive, so each
// module directory is added individually; directories created later are
// picked up from create events.
func NewWatcher(dir string, logger *telemetry.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		dir:     dir,
		logger:  logger.NewComponentLogger("watcher"),
		fsw:     fsw,
		changes: make(chan struct{}, 1),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := fsw.Add(filepath.Join(dir, entry.Name())); err != nil {
			w.logger.WithError(err).Warnf("cannot watch module directory %s", entry.Name())
		}
	}
	return w, nil
}

// Changes returns the channel receiving debounced change notifications.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Run processes filesystem events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
		w.fsw.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.observe(event)
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, w.notify)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("modules watch error")
		}
	}
}

// observe follows newly created module directories and logs which module
// a descriptor change belongs to.
func (w *Watcher) observe(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				w.logger.WithError(err).Warnf("cannot watch new directory %s", event.Name)
			}
			return
		}
	}

	if !isComposeFileName(filepath.Base(event.Name)) {
		return
	}
	if id, err := ReadField(event.Name, "id"); err == nil && id != "" {
		w.logger.WithModule(id).Debug("module descriptor changed")
	}
}

// notify delivers a change notification without blocking; a pending
// notification already covers the change.
func (w *Watcher) notify() {
	select {
	case w.changes <- struct{}{}:
	default:
	}
}
