// Package session owns the watchers, reconcilers and selection
// models for one root directory and runs every mutation of them on
// a single event-loop goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/wesm/ewsync/internal/backup"
	"github.com/wesm/ewsync/internal/config"
	"github.com/wesm/ewsync/internal/entity"
	"github.com/wesm/ewsync/internal/metrics"
	"github.com/wesm/ewsync/internal/model"
	"github.com/wesm/ewsync/internal/pathset"
	"github.com/wesm/ewsync/internal/reconcile"
)

// Watched file globs.
const (
	WorkspacePattern = "**/*" + entity.WorkspaceExt
	ProjectPattern   = "**/*" + entity.ProjectExt
)

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("session closed")

// Options configures Open. Only Config is required.
type Options struct {
	Config  config.Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Guard   *backup.Guard

	ParseWorkspace     func(path string) (*entity.Workspace, error)
	ParseProject       func(path string) (*entity.Project, error)
	DiscoverToolchains func(roots []string) []*entity.Toolchain

	// OnWarning receives user-facing parse warnings on the event
	// loop.
	OnWarning func(msg string)
}

// Session is the live state for one root directory.
type Session struct {
	cfg      config.Config
	log      zerolog.Logger
	metrics  *metrics.Metrics
	guard    *backup.Guard
	discover func([]string) []*entity.Toolchain
	warn     func(string)

	models     *model.Cascade
	workspaces *reconcile.Reconciler[*entity.Workspace]
	projects   *reconcile.Reconciler[*entity.Project]
	exclude    *ignore.GitIgnore

	wsWatcher       *pathset.Watcher
	projWatcher     *pathset.Watcher
	settingsWatcher *pathset.Watcher

	tasks     chan func()
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// loadMu orders LoadProject admission against closing stop.
	loadMu sync.Mutex
	loads  sync.WaitGroup
}

// Open starts the event loop, seeds the toolchain list and begins
// watching workspace and project files under the configured root.
// A watcher that cannot be established fails the whole session.
func Open(opts Options) (*Session, error) {
	s := &Session{
		cfg:      opts.Config,
		log:      opts.Logger.With().Str("component", "session").Logger(),
		metrics:  opts.Metrics,
		guard:    opts.Guard,
		discover: opts.DiscoverToolchains,
		warn:     opts.OnWarning,
		models:   model.NewCascade(),
		tasks:    make(chan func()),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if s.guard == nil {
		s.guard = backup.NewGuard(
			backup.WithLogger(opts.Logger),
			backup.WithMetrics(opts.Metrics),
		)
	}
	if s.discover == nil {
		s.discover = entity.DiscoverToolchains
	}
	parseWorkspace := opts.ParseWorkspace
	if parseWorkspace == nil {
		parseWorkspace = entity.ParseWorkspace
	}
	parseProject := opts.ParseProject
	if parseProject == nil {
		parseProject = entity.ParseProject
	}

	s.workspaces = reconcile.New(reconcile.Options[*entity.Workspace]{
		Kind:  "workspace",
		Parse: parseWorkspace,
		Set: func(items []*entity.Workspace) {
			s.models.Workspaces.Set(items...)
		},
		OnUnchanged: s.workspaceUnchanged,
		Warn:        s.onWarning,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
		Workers:     opts.Config.ParseWorkers,
	})
	s.projects = reconcile.New(reconcile.Options[*entity.Project]{
		Kind:    "project",
		Parse:   parseProject,
		Ignore:  s.excluded,
		Set:     s.models.SetProjects,
		Warn:    s.onWarning,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		Workers: opts.Config.ParseWorkers,
	})
	s.setExclusions(opts.Config.ProjectsToExclude)

	go s.loop()

	if err := s.Do(func(*model.Cascade) { s.refreshToolchains() }); err != nil {
		return nil, err
	}

	var err error
	s.wsWatcher, err = s.watch(WorkspacePattern, "workspace",
		s.workspaces.FilesChanged, s.workspaces.FileModified)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.projWatcher, err = s.watch(ProjectPattern, "project",
		s.projects.FilesChanged, s.projects.FileModified)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.watchSettings()

	s.log.Info().Str("root", s.cfg.Root).Msg("session started")
	return s, nil
}

// Do runs fn on the event loop with the selection models and waits
// for it to finish. fn must not call Do.
func (s *Session) Do(fn func(m *model.Cascade)) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn(s.models)
	}
	select {
	case s.tasks <- task:
	case <-s.stop:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-s.stop:
		return ErrClosed
	}
}

// LoadProject runs task under the backup guard for projectPath.
// It returns as soon as task does; backup cleanup continues in the
// background until Close. After Close it returns ErrClosed without
// running task.
func (s *Session) LoadProject(
	ctx context.Context, projectPath string,
	task func(context.Context) error,
) error {
	s.loadMu.Lock()
	select {
	case <-s.stop:
		s.loadMu.Unlock()
		return ErrClosed
	default:
	}
	s.loads.Add(1)
	s.loadMu.Unlock()
	defer s.loads.Done()

	return backup.RunContext(ctx, s.guard, projectPath, task)
}

// Close stops the watchers and the event loop, waits for running
// LoadProject tasks and then for pending backup cleanups. It must
// not be called from Do.
func (s *Session) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		// Watchers first: their callbacks post to the loop.
		for _, w := range []*pathset.Watcher{
			s.settingsWatcher, s.projWatcher, s.wsWatcher,
		} {
			if w != nil {
				if err := w.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
		s.loadMu.Lock()
		close(s.stop)
		s.loadMu.Unlock()
		<-s.done
		// Every admitted load has scheduled its cleanup once it
		// returns.
		s.loads.Wait()
		s.guard.Wait()
		s.log.Info().Msg("session closed")
	})
	return errors.Join(errs...)
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case task := <-s.tasks:
			task()
		}
	}
}

// post queues fn on the loop without waiting. It is dropped when
// the session is closing.
func (s *Session) post(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.stop:
	}
}

func (s *Session) watch(
	pattern, kind string,
	changed func([]string), modified func(string),
) (*pathset.Watcher, error) {
	w, err := pathset.New(s.cfg.Root, pattern,
		pathset.WithDebounce(s.cfg.Debounce),
		pathset.WithLogger(s.log.With().Str("kind", kind).Logger()),
	)
	if err != nil {
		return nil, fmt.Errorf("watching %s files: %w", kind, err)
	}
	w.OnFileModified(func(path string) {
		s.post(func() { modified(path) })
	})
	w.Subscribe(func(files []string) {
		s.post(func() {
			s.metrics.SetWatchedFiles(kind, len(files))
			changed(files)
		})
	})
	return w, nil
}

// watchSettings reloads the settings file when it changes. The
// session works without it, so failures are only logged.
func (s *Session) watchSettings() {
	root, pattern := settingsPattern(s.cfg.Root, s.cfg.SettingsPath)
	w, err := pathset.New(root, pattern,
		pathset.WithDebounce(s.cfg.Debounce),
		pathset.WithLogger(s.log.With().Str("kind", "settings").Logger()),
	)
	if err != nil {
		s.log.Warn().Err(err).Msg("settings file will not be watched")
		return
	}

	primed := false
	w.Subscribe(func([]string) {
		// The first delivery is the state Load already read.
		if !primed {
			primed = true
			return
		}
		s.reloadSettings()
	})
	w.OnFileModified(func(string) { s.reloadSettings() })
	s.settingsWatcher = w
}

// settingsPattern returns a watch root and an anchored pattern
// for the settings file.
func settingsPattern(root, settings string) (string, string) {
	rel, err := filepath.Rel(root, settings)
	if err == nil && !strings.HasPrefix(rel, "..") {
		return root, "/" + escapePattern(filepath.ToSlash(rel))
	}
	return filepath.Dir(settings), "/" + escapePattern(filepath.Base(settings))
}

// patternMeta are the characters go-gitignore would pass through
// to its regexp unescaped. It quotes "." and "?" itself.
const patternMeta = `\*[](){}+^$|`

// escapePattern makes a literal path safe to use as a gitignore
// pattern.
func escapePattern(path string) string {
	var b strings.Builder
	for _, r := range path {
		if strings.ContainsRune(patternMeta, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// reloadSettings runs on a watcher goroutine. Exclusion changes
// make the project watcher re-deliver its set so excluded projects
// drop out and re-included ones come back.
func (s *Session) reloadSettings() {
	var changed bool
	var exclude []string
	err := s.Do(func(*model.Cascade) {
		var err error
		changed, err = s.cfg.ReloadSettings()
		if err != nil {
			s.log.Warn().Err(err).Msg("settings reload failed")
			s.onWarning(err.Error())
			return
		}
		s.refreshToolchains()
		if changed {
			exclude = slices.Clone(s.cfg.ProjectsToExclude)
			s.setExclusions(exclude)
		}
	})
	if err != nil || !changed {
		return
	}
	s.log.Info().Strs("exclude", exclude).Msg("project exclusions changed")
	s.projWatcher.RefreshFiles()
}

func (s *Session) refreshToolchains() {
	found := s.discover(s.cfg.ToolchainPaths)
	if !cmp.Equal(found, s.models.Toolchains.Items()) {
		s.models.Toolchains.Set(found...)
	}
	s.models.PreferToolchain(s.cfg.PreferredToolchain)
	s.log.Debug().Int("toolchains", len(found)).Msg("toolchains discovered")
}

func (s *Session) setExclusions(patterns []string) {
	s.exclude = ignore.CompileIgnoreLines(patterns...)
}

// excluded reports whether a project file is dropped before
// parsing: backup copies always, plus configured patterns.
func (s *Session) excluded(path string) bool {
	if backup.IsBackupProjectFile(path) {
		return true
	}
	rel, err := filepath.Rel(s.cfg.Root, path)
	if err != nil {
		return false
	}
	return s.exclude.MatchesPath(filepath.ToSlash(rel))
}

// workspaceUnchanged refreshes the project list when the selected
// workspace's file was saved without a semantic change, so project
// observers still see the save.
func (s *Session) workspaceUnchanged(ws *entity.Workspace) {
	if sel, ok := s.models.Workspaces.Selected(); ok && sel.Key() == ws.Key() {
		s.models.ReloadProjects()
	}
}

func (s *Session) onWarning(msg string) {
	if s.warn != nil {
		s.warn(msg)
	}
}
