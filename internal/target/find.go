package target

import (
	"fmt"
	"iter"
	"strings"
	"tunnel/internal/tunnelerr"

	"github.com/sahilm/fuzzy"
)

const maxAmbiguousCandidates = 5

// catalog adapts a target slice to fuzzy.Source.
type catalog []Target

func (c catalog) String(i int) string { return c[i].ID + " " + c[i].DisplayName }
func (c catalog) Len() int            { return len(c) }

// Find resolves query against the catalog. An exact ID match wins as soon as it is seen
// and stops the listing. Otherwise an exact display-name match, and then a unique fuzzy
// match, is accepted. Several fuzzy matches are reported as ErrAmbiguous.
func Find(seq iter.Seq2[Target, error], query string) (Target, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Target{}, tunnelerr.Lookup("find target", fmt.Errorf("%w: empty query", ErrNotFound))
	}

	var (
		all  catalog
		errs []error
	)
	for t, err := range seq {
		if err != nil {
			if tunnelerr.IsAuth(err) {
				return Target{}, err
			}
			if !tunnelerr.IsLookup(err) {
				// context errors end the search
				return Target{}, err
			}
			errs = append(errs, err)
			continue
		}
		if t.ID == query {
			return t, nil
		}
		all = append(all, t)
	}

	for _, t := range all {
		if strings.EqualFold(t.DisplayName, query) || strings.EqualFold(t.ID, query) {
			return t, nil
		}
	}

	matches := fuzzy.FindFrom(query, all)
	switch len(matches) {
	case 0:
		return Target{}, notFound(query, errs)
	case 1:
		return all[matches[0].Index], nil
	}

	candidates := make([]string, 0, maxAmbiguousCandidates)
	for i, m := range matches {
		if i == maxAmbiguousCandidates {
			candidates = append(candidates, "...")
			break
		}
		candidates = append(candidates, all[m.Index].ID)
	}
	return Target{}, tunnelerr.Lookup("find target",
		fmt.Errorf("%w %q matches %d targets: %s", ErrAmbiguous, query, len(matches), strings.Join(candidates, ", ")))
}
