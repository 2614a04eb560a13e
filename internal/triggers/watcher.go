package triggers

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce is the trailing-edge idle window before a reload runs.
const DefaultDebounce = 1 * time.Second

var logFileGlob = glob.MustCompile("*.log")

// Watcher observes the functions directory and schedules debounced reloads.
// Changes under node_modules, under dot-prefixed path components, and to
// *.log files are ignored. Multiple changes within the debounce window
// coalesce into exactly one reload.
type Watcher struct {
	dir      string
	debounce time.Duration
	reload   func()

	fw   *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher over dir that invokes reload after the
// debounce window closes. A zero debounce uses DefaultDebounce.
func NewWatcher(dir string, debounce time.Duration, reload func()) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	return &Watcher{
		dir:      dir,
		debounce: debounce,
		reload:   reload,
		fw:       fw,
		done:     make(chan struct{}),
	}, nil
}

// Start registers the directory tree and begins processing events.
func (w *Watcher) Start() error {
	if err := w.addTree(w.dir); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.eventLoop()

	log.Debug().Str("dir", w.dir).Dur("debounce", w.debounce).Msg("Watching functions directory")
	return nil
}

// Stop halts event processing and releases the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	return w.fw.Close()
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignoredDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if w.ignored(event.Name) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				// New directories must be registered before their contents
				// produce events.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						log.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
				}
			}
			w.schedule()

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("File watcher error")
		}
	}
}

// schedule arms the trailing-edge debounce timer, extending the window when
// events arrive while it is already armed.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Reset(w.debounce)
		return
	}

	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.timer = nil
		w.mu.Unlock()
		w.reload()
	})
}

func (w *Watcher) ignoredDir(name string) bool {
	return name == "node_modules" || strings.HasPrefix(name, ".")
}

func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		rel = path
	}

	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if w.ignoredDir(part) {
			return true
		}
	}

	return logFileGlob.Match(filepath.Base(path))
}
