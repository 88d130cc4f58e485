package target

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"
	"tunnel/internal/tunnelerr"
	"tunnel/pkg/logging"

	"golang.org/x/sync/errgroup"
)

// Resolver merges several sources into one catalog.
type Resolver struct {
	sources    []Source
	retryDelay time.Duration
}

// NewResolver creates a resolver over the given sources.
func NewResolver(sources ...Source) *Resolver {
	return &Resolver{sources: sources, retryDelay: time.Second}
}

// Sources returns the names of the configured sources.
func (r *Resolver) Sources() []string {
	names := make([]string, 0, len(r.sources))
	for _, s := range r.sources {
		names = append(names, s.Name())
	}
	return names
}

type item struct {
	target Target
	err    error
}

// Targets returns the catalog as a lazy sequence. Sources are queried concurrently and
// targets are yielded as soon as their page is fetched. A source that fails twice yields
// one error item and the other sources carry on. Ranging over the sequence again queries
// the sources again.
func (r *Resolver) Targets(ctx context.Context) iter.Seq2[Target, error] {
	return func(yield func(Target, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		items := make(chan item)
		g, gctx := errgroup.WithContext(ctx)
		for _, src := range r.sources {
			g.Go(func() error {
				send := func(it item) bool {
					select {
					case items <- it:
						return true
					case <-gctx.Done():
						return false
					}
				}
				err := r.listWithRetry(gctx, src, func(t Target) bool { return send(item{target: t}) })
				if err != nil && gctx.Err() == nil {
					send(item{err: err})
				}
				return nil
			})
		}
		go func() {
			_ = g.Wait()
			close(items)
		}()

		seen := make(map[string]bool)
		for it := range items {
			if it.err == nil {
				if seen[it.target.ID] {
					continue
				}
				seen[it.target.ID] = true
			}
			if !yield(it.target, it.err) {
				return
			}
		}
		if err := ctx.Err(); err != nil {
			yield(Target{}, err)
		}
	}
}

// listWithRetry runs one source, retrying it once unless the failure is an auth error.
// Targets already yielded before a failure are yielded again by the retry; Targets
// drops those duplicates by ID.
func (r *Resolver) listWithRetry(ctx context.Context, src Source, yield func(Target) bool) error {
	subsystem := "Resolver-" + src.Name()
	err := src.List(ctx, yield)
	if err == nil || tunnelerr.IsAuth(err) || ctx.Err() != nil {
		return wrapLookup(src, err)
	}

	logging.Warn(subsystem, "Listing failed, retrying once in %s: %v", r.retryDelay, err)
	select {
	case <-time.After(r.retryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	err = src.List(ctx, yield)
	if err != nil {
		logging.Error(subsystem, err, "Listing failed after retry")
	}
	return wrapLookup(src, err)
}

func wrapLookup(src Source, err error) error {
	if err == nil {
		return nil
	}
	var te *tunnelerr.Error
	if errors.As(err, &te) {
		return err
	}
	return tunnelerr.Lookup("list "+src.Name(), err)
}

// Collect drains a target sequence into a slice, returning the non-fatal errors seen on
// the way. An auth error or context error aborts the collection.
func Collect(seq iter.Seq2[Target, error]) ([]Target, []error, error) {
	var (
		targets []Target
		errs    []error
	)
	for t, err := range seq {
		if err != nil {
			if tunnelerr.IsAuth(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return targets, errs, err
			}
			errs = append(errs, err)
			continue
		}
		targets = append(targets, t)
	}
	return targets, errs, nil
}

// Filter returns a sequence that only yields targets from the given sources.
func Filter(seq iter.Seq2[Target, error], sources ...string) iter.Seq2[Target, error] {
	if len(sources) == 0 {
		return seq
	}
	allowed := make(map[string]bool, len(sources))
	for _, s := range sources {
		allowed[s] = true
	}
	return func(yield func(Target, error) bool) {
		for t, err := range seq {
			if err == nil && !allowed[t.Source] {
				continue
			}
			if !yield(t, err) {
				return
			}
		}
	}
}

// ErrNotFound is returned by Find when nothing matches the query.
var ErrNotFound = errors.New("no matching target")

// ErrAmbiguous is returned by Find when the query matches several targets.
var ErrAmbiguous = errors.New("ambiguous target")

func notFound(query string, errs []error) error {
	err := fmt.Errorf("%w for %q", ErrNotFound, query)
	if len(errs) > 0 {
		err = fmt.Errorf("%w (catalog incomplete: %w)", err, errors.Join(errs...))
	}
	return tunnelerr.Lookup("find target", err)
}
