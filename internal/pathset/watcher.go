// Package pathset keeps the set of files under a root that match a
// glob, and reports membership changes and content modifications.
package pathset

import (
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	ignore "github.com/sabhiram/go-gitignore"
)

// DefaultDebounce is how long raw events must be quiet before the
// settled state is delivered.
const DefaultDebounce = 250 * time.Millisecond

// WatchInitError means the watcher could not be established. The
// watcher for that pattern is unusable.
type WatchInitError struct {
	Root    string
	Pattern string
	Err     error
}

func (e *WatchInitError) Error() string {
	return fmt.Sprintf("watching %s under %s: %v", e.Pattern, e.Root, e.Err)
}

func (e *WatchInitError) Unwrap() error { return e.Err }

// Watcher tracks the files under root matching a glob. Subscribers
// get the full sorted set, never a delta.
type Watcher struct {
	root     string
	pattern  string
	match    *ignore.GitIgnore
	watcher  *fsnotify.Watcher
	debounce time.Duration
	log      zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	files    map[string]bool
	dirty    time.Time // last membership event; zero when settled
	modified map[string]time.Time
	subs     []func([]string)
	modSubs  []func(string)
	closed   bool

	// deliverMu keeps deliveries to subscribers in order.
	deliverMu sync.Mutex

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	closeErr error
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the settle window. Non-positive values keep
// the default.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(w *Watcher) { w.log = l }
}

// New scans root for files matching pattern and starts watching
// the tree. pattern uses gitignore glob syntax against the
// root-relative slash path, so "**/*.ewp" matches at any depth.
func New(root, pattern string, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &WatchInitError{Root: root, Pattern: pattern, Err: err}
	}

	w := &Watcher{
		root:     abs,
		pattern:  pattern,
		match:    ignore.CompileIgnoreLines(pattern),
		debounce: DefaultDebounce,
		log:      zerolog.Nop(),
		now:      time.Now,
		modified: make(map[string]time.Time),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With().Str("pattern", pattern).Logger()

	files, err := w.scan()
	if err != nil {
		return nil, &WatchInitError{Root: abs, Pattern: pattern, Err: err}
	}
	w.files = files

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &WatchInitError{Root: abs, Pattern: pattern, Err: err}
	}
	w.watcher = fsw
	if err := fsw.Add(abs); err != nil {
		fsw.Close()
		return nil, &WatchInitError{Root: abs, Pattern: pattern, Err: err}
	}
	if unwatched := w.watchRecursive(abs); unwatched > 0 {
		w.log.Warn().Int("dirs", unwatched).Msg("some directories could not be watched")
	}

	go w.loop()
	return w, nil
}

// Subscribe calls fn with the current set now and again whenever
// membership changes.
func (w *Watcher) Subscribe(fn func(files []string)) {
	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.subs = append(w.subs, fn)
	files := w.sortedFilesLocked()
	w.mu.Unlock()

	fn(files)
}

// OnFileModified calls fn once per settled content change of a
// file already in the set.
func (w *Watcher) OnFileModified(fn func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.modSubs = append(w.modSubs, fn)
}

// RefreshFiles rescans now and re-delivers the set to every
// subscriber, whether or not it changed.
func (w *Watcher) RefreshFiles() {
	w.rescan()
	w.deliverFiles()
}

// Files returns the current set, sorted.
func (w *Watcher) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sortedFilesLocked()
}

// Close stops the watcher and releases the OS handle. No callback
// runs after Close returns. It must not be called from a callback.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()

		close(w.stop)
		<-w.done
		// Wait out a RefreshFiles delivery on another goroutine.
		w.deliverMu.Lock()
		w.deliverMu.Unlock() //nolint:staticcheck // barrier

		w.closeErr = w.watcher.Close()
	})
	return w.closeErr
}

func (w *Watcher) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
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
			w.log.Error().Err(err).Msg("watcher error")

		case <-ticker.C:
			w.flush()
		}
	}
}

// handleEvent records a raw event. Membership events mark the set
// dirty; writes and creates of matching files queue a modification.
// A create lands on an existing member when a file is renamed over
// it, and flush drops the queued entry if the path instead joined.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	now := w.now()

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.watchRecursive(event.Name)
			w.markDirty(now)
			return
		}
	}

	if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		if w.matches(event.Name) || w.containsFilesUnder(event.Name) {
			w.markDirty(now)
		}
	}

	if (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) && w.matches(event.Name) {
		w.mu.Lock()
		w.modified[event.Name] = now
		w.mu.Unlock()
	}
}

func (w *Watcher) markDirty(t time.Time) {
	w.mu.Lock()
	w.dirty = t
	w.mu.Unlock()
}

// containsFilesUnder reports whether a known file lives below dir;
// a removed directory cannot be stat'ed any more.
func (w *Watcher) containsFilesUnder(dir string) bool {
	prefix := dir + string(filepath.Separator)
	w.mu.Lock()
	defer w.mu.Unlock()
	for f := range w.files {
		if strings.HasPrefix(f, prefix) {
			return true
		}
	}
	return false
}

// flush delivers whatever has been quiet for the debounce window.
func (w *Watcher) flush() {
	w.mu.Lock()
	now := w.now()
	rescan := !w.dirty.IsZero() && now.Sub(w.dirty) >= w.debounce
	if rescan {
		w.dirty = time.Time{}
	}
	w.mu.Unlock()

	var joined map[string]bool
	var changed bool
	if rescan {
		joined, changed = w.rescan()
	}

	w.mu.Lock()
	var ready []string
	for path, t := range w.modified {
		if joined[path] || (!w.files[path] && w.dirty.IsZero()) {
			// Membership changes are reported through Subscribe.
			delete(w.modified, path)
			continue
		}
		if w.files[path] && now.Sub(t) >= w.debounce {
			ready = append(ready, path)
			delete(w.modified, path)
		}
	}
	w.mu.Unlock()

	if changed {
		w.deliverFiles()
	}
	slices.Sort(ready)
	for _, path := range ready {
		w.deliverModified(path)
	}
}

// rescan replaces the set with a fresh scan and returns the paths
// that joined and whether membership changed.
func (w *Watcher) rescan() (map[string]bool, bool) {
	files, err := w.scan()
	if err != nil {
		w.log.Error().Err(err).Msg("rescan failed")
		return nil, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	joined := make(map[string]bool)
	for f := range files {
		if !w.files[f] {
			joined[f] = true
		}
	}
	changed := len(joined) > 0 || len(files) != len(w.files)
	w.files = files
	if changed {
		w.log.Debug().Int("files", len(files)).Msg("file set changed")
	}
	return joined, changed
}

func (w *Watcher) deliverFiles() {
	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	files := w.sortedFilesLocked()
	subs := slices.Clone(w.subs)
	w.mu.Unlock()

	for _, fn := range subs {
		fn(files)
	}
}

func (w *Watcher) deliverModified(path string) {
	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	subs := slices.Clone(w.modSubs)
	w.mu.Unlock()

	for _, fn := range subs {
		fn(path)
	}
}

func (w *Watcher) sortedFilesLocked() []string {
	return slices.Sorted(maps.Keys(w.files))
}

// scan walks root and returns the matching regular files.
func (w *Watcher) scan() (map[string]bool, error) {
	files := make(map[string]bool)
	err := filepath.WalkDir(w.root,
		func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == w.root {
					return err
				}
				return nil // skip inaccessible dirs
			}
			if d.Type().IsRegular() && w.matches(path) {
				files[path] = true
			}
			return nil
		})
	return files, err
}

func (w *Watcher) matches(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}
	return w.match.MatchesPath(filepath.ToSlash(rel))
}

// watchRecursive adds dir and its subdirectories to the watch
// list and returns how many could not be added.
func (w *Watcher) watchRecursive(dir string) (unwatched int) {
	_ = filepath.WalkDir(dir,
		func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if addErr := w.watcher.Add(path); addErr != nil {
					unwatched++
				}
			}
			return nil
		})
	return unwatched
}
