// Package watch turns filesystem activity in the tasks directory into
// enqueue callbacks. It is the external event source feeding the
// lifecycle coordinator: when an eligible task document is created or
// modified and then stays quiet for the debounce window, the handler is
// invoked exactly once with its path.
package watch

import (
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dlowe-net/runward/internal/logging"
)

// Handler is invoked once per settled change to an eligible document.
type Handler func(path string)

// Watcher watches a task-document tree for changes.
type Watcher struct {
	watcher  *fsnotify.Watcher
	root     string
	exts     []string
	debounce time.Duration
	handler  Handler
	log      *logging.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer // path -> pending settle timer

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithExtensions sets the file extensions treated as task documents.
func WithExtensions(exts []string) Option {
	return func(w *Watcher) { w.exts = exts }
}

// WithDebounce sets how long a file must stay quiet before the handler
// fires. Editors often produce several events per save; the debounce
// collapses them into one callback.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithLogger sets the watcher's logger.
func WithLogger(log *logging.Logger) Option {
	return func(w *Watcher) { w.log = log }
}

// New creates a Watcher over the given directory tree.
func New(root string, handler Handler, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fsw,
		root:     root,
		exts:     []string{".yaml", ".yml"},
		debounce: 500 * time.Millisecond,
		handler:  handler,
		log:      logging.Nop(),
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching. The root and its subdirectories are registered;
// directories created later are picked up from their create events.
func (w *Watcher) Start() error {
	if err := w.watchDirRecursive(w.root); err != nil {
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watchLoop()
	}()
	return nil
}

// Stop stops the watcher and cancels pending settle timers. Handlers
// already in flight are waited for.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()

		w.mu.Lock()
		for path, t := range w.timers {
			t.Stop()
			delete(w.timers, path)
		}
		w.mu.Unlock()
	})
	w.wg.Wait()
}

// watchDirRecursive adds root and all of its subdirectories to the
// fsnotify watcher.
func (w *Watcher) watchDirRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				return err
			}
		}
		return nil
	})
}

// watchLoop processes filesystem events until Stop.
func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.stopCh:
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
			w.log.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	// New directories must be registered to see events inside them.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.watchDirRecursive(event.Name)
			return
		}
	}

	if !w.eligible(event.Name) {
		return
	}

	// One settle timer per path: every new event pushes the deadline out,
	// so a burst of writes yields a single callback after the file quiets.
	path := event.Name
	w.mu.Lock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() { w.settled(path) })
	w.mu.Unlock()
}

// settled fires the handler for a path whose debounce window elapsed.
func (w *Watcher) settled(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	w.mu.Unlock()

	select {
	case <-w.stopCh:
		return
	default:
	}

	w.log.Debug("document changed", "path", path)
	w.handler(path)
}

// eligible reports whether the path looks like a task document. Temp
// files from the store's atomic writes are excluded with the extension
// filter.
func (w *Watcher) eligible(path string) bool {
	return slices.Contains(w.exts, filepath.Ext(path))
}
