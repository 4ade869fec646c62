package bundle

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/tamasfe/opa-go/errors"
)

const defaultDebounce = 100 * time.Millisecond

// Watcher delivers freshly parsed bundles whenever the watched file
// changes on disk. The parent directory is watched rather than the file
// itself, since build tools replace bundles with rename-and-write
// sequences that would otherwise drop the watch. Rapid event bursts are
// debounced into a single reload.
type Watcher struct {
	path     string
	debounce time.Duration
	log      *zap.Logger

	fw       *fsnotify.Watcher
	mu       sync.Mutex
	timer    *time.Timer
	running  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher prepares a watcher for the bundle at path. A zero debounce
// selects 100ms. A nil logger disables logging.
func NewWatcher(path string, debounce time.Duration, log *zap.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if log == nil {
		log = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.IO(errors.PhaseBundle, "create filesystem watcher", err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		log:      log,
		fw:       fw,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Watch blocks, invoking onReload with each successfully reparsed bundle,
// until the context is canceled or Stop is called. A bundle that fails
// to parse is logged and skipped; the previous one stays in effect.
func (w *Watcher) Watch(ctx context.Context, onReload func(*Bundle)) error {
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	defer close(w.doneCh)

	if err := w.fw.Add(filepath.Dir(w.path)); err != nil {
		return errors.IO(errors.PhaseBundle, "watch bundle directory", err)
	}
	w.log.Info("watching bundle", zap.String("path", w.path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil

		case ev, ok := <-w.fw.Events:
			if !ok {
				return errors.IO(errors.PhaseBundle, "watcher event channel closed", nil)
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.log.Debug("bundle changed", zap.String("op", ev.Op.String()))
			w.trigger(onReload)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return errors.IO(errors.PhaseBundle, "watcher error channel closed", nil)
			}
			w.log.Error("bundle watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) trigger(onReload func(*Bundle)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		bn, err := FromFile(w.path)
		if err != nil {
			w.log.Error("bundle reload failed", zap.String("path", w.path), zap.Error(err))
			return
		}
		revision := ""
		if bn.Manifest != nil {
			revision = bn.Manifest.Revision
		}
		w.log.Info("bundle reloaded",
			zap.String("path", w.path),
			zap.String("revision", revision))
		onReload(bn)
	})
}

// Stop terminates Watch and releases the filesystem watcher. Stop is
// idempotent and waits for a running Watch to return.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	if running {
		<-w.doneCh
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return w.fw.Close()
}
