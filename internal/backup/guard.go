package backup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wesm/ewsync/internal/entity"
	"github.com/wesm/ewsync/internal/metrics"
)

// Guard wraps tasks that open project files and deletes backup
// artifacts those tasks leave behind.
type Guard struct {
	log     zerolog.Logger
	metrics *metrics.Metrics
	remove  func(string) error
	wg      sync.WaitGroup
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

func WithLogger(l zerolog.Logger) GuardOption {
	return func(g *Guard) { g.log = l }
}

func WithMetrics(m *metrics.Metrics) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

// NewGuard creates a Guard.
func NewGuard(opts ...GuardOption) *Guard {
	g := &Guard{
		log:    zerolog.Nop(),
		remove: os.Remove,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run invokes task and returns its result as soon as it returns.
// Backup files that appear in the project's directory while task
// runs are deleted by a detached goroutine afterwards. Errors from
// that cleanup are never reported to the caller; use Wait to block
// until cleanups finish.
func Run[T any](g *Guard, projectPath string, task func() (T, error)) (T, error) {
	dir := filepath.Dir(projectPath)
	patterns := GuardPatterns(entity.NameFromPath(projectPath))
	log := g.log.With().
		Str("run", uuid.NewString()).
		Str("project", projectPath).
		Logger()

	before, err := snapshot(dir, patterns)
	if err != nil {
		// Without a baseline any match could be a pre-existing
		// file, so nothing is deleted for this run.
		log.Debug().Err(err).Msg("backup snapshot failed, cleanup disabled")
		return task()
	}

	defer g.wg.Go(func() {
		g.cleanup(log, dir, patterns, before)
	})
	return task()
}

// RunContext is Run for tasks that only return an error.
func RunContext(
	ctx context.Context, g *Guard, projectPath string,
	task func(context.Context) error,
) error {
	_, err := Run(g, projectPath, func() (struct{}, error) {
		return struct{}{}, task(ctx)
	})
	return err
}

// Wait blocks until every cleanup spawned so far has finished.
func (g *Guard) Wait() {
	g.wg.Wait()
}

func (g *Guard) cleanup(
	log zerolog.Logger, dir string,
	patterns []*regexp.Regexp, before map[string]bool,
) {
	after, err := snapshot(dir, patterns)
	if err != nil {
		log.Debug().Err(err).Msg("backup re-snapshot failed")
		return
	}
	for name := range after {
		if before[name] {
			continue
		}
		path := filepath.Join(dir, name)
		err := g.remove(path)
		switch {
		case err == nil:
			g.metrics.BackupRemoved()
			log.Info().Str("file", path).Msg("removed backup artifact")
		case errors.Is(err, fs.ErrNotExist):
			// another guarded run got there first
		default:
			g.metrics.CleanupFailed()
			log.Debug().Err(err).Str("file", path).Msg("could not remove backup artifact")
		}
	}
}

// snapshot lists the names in dir matching any pattern.
func snapshot(dir string, patterns []*regexp.Regexp) (map[string]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if matchesAny(patterns, e.Name()) {
			names[e.Name()] = true
		}
	}
	return names, nil
}
