package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/eddielth/telemetry-normalizer/logger"
	"github.com/fsnotify/fsnotify"
)

// Watcher calls a handler for every *.json file created in or written to a
// spool directory. The handler runs once a file has been quiet for delay.
type Watcher struct {
	dir     string
	delay   time.Duration
	handler func(path string)
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher starts watching dir
func NewWatcher(dir string, delay time.Duration, handler func(path string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher failed: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s failed: %w", dir, err)
	}

	logger.Info("watching %s for telemetry files", dir)
	return &Watcher{
		dir:     dir,
		delay:   delay,
		handler: handler,
		watcher: fw,
		pending: make(map[string]*time.Timer),
	}, nil
}

// Run dispatches events until ctx is done, then closes the watcher
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !strings.EqualFold(filepath.Ext(event.Name), ".json") {
				continue
			}
			w.schedule(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher error on %s: %v", w.dir, err)
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Reset(w.delay)
		return
	}
	w.pending[path] = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		w.handler(path)
	})
}

func (w *Watcher) stop() {
	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	w.watcher.Close()
}
