package metadata

import (
	"context"
	"time"

	"github.com/benji-backup/benji/internal/filterdsl"
	"github.com/benji-backup/benji/internal/types"
)

// filteredVersionIterator applies a compiled filter expression on top of
// a backend iterator. Expression evaluation happens row by row as the
// caller pulls, so filtering stays iterator-backed like everything else.
type filteredVersionIterator struct {
	inner   VersionIterator
	matcher *filterdsl.Matcher
	now     time.Time
}

func (it *filteredVersionIterator) Next(ctx context.Context) (types.Version, bool, error) {
	for {
		v, ok, err := it.inner.Next(ctx)
		if err != nil || !ok {
			return v, ok, err
		}
		match, err := it.matcher.Match(v, it.now)
		if err != nil {
			return types.Version{}, false, err
		}
		if match {
			return v, true, nil
		}
	}
}

func (it *filteredVersionIterator) Close() error { return it.inner.Close() }

// applyExpression wraps inner with filter's Expression, if any. Relative
// date literals in the expression are anchored to the moment the listing
// started, not to each row's evaluation time.
func applyExpression(inner VersionIterator, filter VersionFilter) (VersionIterator, error) {
	if filter.Expression == "" {
		return inner, nil
	}
	matcher, err := filterdsl.Compile(filter.Expression)
	if err != nil {
		inner.Close()
		return nil, err
	}
	return &filteredVersionIterator{inner: inner, matcher: matcher, now: time.Now().UTC()}, nil
}
