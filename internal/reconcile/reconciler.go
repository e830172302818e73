// Package reconcile turns file-set deliveries into entity lists,
// re-parsing files and pushing a new list downstream only when it
// differs structurally from the last one.
package reconcile

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wesm/ewsync/internal/entity"
	"github.com/wesm/ewsync/internal/metrics"
)

// DefaultWorkers bounds concurrent parses in one batch.
const DefaultWorkers = 4

// Options configures a Reconciler. Parse and Set are required.
type Options[T entity.Entity] struct {
	Kind   string // "workspace", "project"; used in logs and metrics
	Parse  func(path string) (T, error)
	Ignore func(path string) bool
	Set    func(items []T)

	// OnUnchanged runs when a modified file re-parses to an equal
	// entity.
	OnUnchanged func(item T)
	// Warn receives one user-facing message per parse failure.
	Warn func(msg string)

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Workers int
}

// Reconciler keeps the authoritative entity list for one kind of
// file. It is not safe for concurrent use.
type Reconciler[T entity.Entity] struct {
	opts  Options[T]
	log   zerolog.Logger
	items []T
}

// New creates a Reconciler with an empty list.
func New[T entity.Entity](opts Options[T]) *Reconciler[T] {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Reconciler[T]{
		opts: opts,
		log:  opts.Logger.With().Str("kind", opts.Kind).Logger(),
	}
}

// Items returns a copy of the current list.
func (r *Reconciler[T]) Items() []T {
	return slices.Clone(r.items)
}

// FilesChanged rebuilds the list from paths. Files that fail to
// parse are left out and reported; the rest are still applied.
func (r *Reconciler[T]) FilesChanged(paths []string) {
	var candidates []string
	for _, p := range paths {
		if r.opts.Ignore != nil && r.opts.Ignore(p) {
			continue
		}
		candidates = append(candidates, p)
	}

	parsed := r.parseAll(candidates)
	entity.SortByName(parsed)

	if r.items != nil && cmp.Equal(r.items, parsed) {
		r.opts.Metrics.ReconcileNoop(r.opts.Kind)
		r.log.Debug().Int("items", len(parsed)).Msg("file set unchanged")
		return
	}
	r.items = parsed
	r.push()
}

// FileModified re-parses one tracked file. An equal result goes to
// OnUnchanged; a different one replaces the entity in place.
func (r *Reconciler[T]) FileModified(path string) {
	i := slices.IndexFunc(r.items, func(it T) bool { return it.Key() == path })
	if i < 0 {
		return
	}

	updated, err := r.parse(path)
	if err != nil {
		return
	}
	if cmp.Equal(r.items[i], updated) {
		r.opts.Metrics.ReconcileNoop(r.opts.Kind)
		if r.opts.OnUnchanged != nil {
			r.opts.OnUnchanged(r.items[i])
		}
		return
	}

	items := slices.Clone(r.items)
	items[i] = updated
	r.items = items
	r.push()
}

func (r *Reconciler[T]) push() {
	r.opts.Metrics.ModelUpdated(r.opts.Kind)
	r.log.Debug().Int("items", len(r.items)).Msg("pushing entity list")
	r.opts.Set(slices.Clone(r.items))
}

// parseAll parses paths with bounded parallelism, keeping input
// order and dropping failures. Failures are reported after the
// batch so Warn runs on the caller's goroutine.
func (r *Reconciler[T]) parseAll(paths []string) []T {
	results := make([]T, len(paths))
	errs := make([]error, len(paths))

	var g errgroup.Group
	g.SetLimit(r.opts.Workers)
	for i, p := range paths {
		g.Go(func() error {
			results[i], errs[i] = r.opts.Parse(p)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]T, 0, len(paths))
	for i, p := range paths {
		if errs[i] != nil {
			r.report(p, errs[i])
			continue
		}
		r.opts.Metrics.FileParsed(r.opts.Kind)
		out = append(out, results[i])
	}
	return out
}

func (r *Reconciler[T]) parse(path string) (T, error) {
	item, err := r.opts.Parse(path)
	if err != nil {
		r.report(path, err)
		return item, err
	}
	r.opts.Metrics.FileParsed(r.opts.Kind)
	return item, nil
}

func (r *Reconciler[T]) report(path string, err error) {
	r.opts.Metrics.ParseFailed(r.opts.Kind)
	r.log.Warn().Err(err).Str("path", path).Msg("parse failed")
	if r.opts.Warn != nil {
		r.opts.Warn(warning(path, err))
	}
}

func warning(path string, err error) string {
	var pe *entity.ParseError
	if errors.As(err, &pe) {
		return pe.Error()
	}
	return fmt.Sprintf("could not load %s: %v", path, err)
}
