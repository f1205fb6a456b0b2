// Package retention implements the `enforce` policy engine: parse a
// "cat1N1,cat2N2,..." expression, select the matching Versions for one
// Volume ordered by date, and compute the kept set by walking each
// category from youngest to oldest regardless of the policy string's
// textual order. `latestN` keeps the N absolute-youngest Versions; each
// time-bucketed category (hours/days/weeks/months/years) walks backward
// from now one local-timezone bucket at a time and keeps the oldest
// Version in each of the last N buckets that actually contains one,
// skipping empty buckets without consuming the budget. That is what
// gives a younger category's gap a chance to age into the next coarser
// category without extra bookkeeping: an empty day bucket for `days5`
// simply doesn't count against the 5, so the next populated day
// (however far back) is used instead, and any Version already kept by a
// finer category remains kept regardless of what a coarser category
// decides (categories only ever add to the kept set, never remove from
// it, so the younger category always wins).
package retention

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/benji-backup/benji/internal/berrors"
	"github.com/benji-backup/benji/internal/types"
)

// Category is one policy term's time granularity; categoryLatest is not
// time-bucketed.
type Category string

const (
	CategoryLatest Category = "latest"
	CategoryHours  Category = "hours"
	CategoryDays   Category = "days"
	CategoryWeeks  Category = "weeks"
	CategoryMonths Category = "months"
	CategoryYears  Category = "years"
)

// order is the fixed youngest-to-oldest processing order, independent of
// how the policy string lists its terms.
var order = []Category{CategoryLatest, CategoryHours, CategoryDays, CategoryWeeks, CategoryMonths, CategoryYears}

// Policy is a parsed retention expression: category -> N.
type Policy map[Category]int

// ParsePolicy parses "latest2,days5,weeks4" into a Policy.
func ParsePolicy(expr string) (Policy, error) {
	p := Policy{}
	for _, term := range strings.Split(expr, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		cat, nStr, err := splitCategory(term)
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(nStr)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: retention term %q: N must be >= 1", berrors.ErrConfig, term)
		}
		if !validCategory(cat) {
			return nil, fmt.Errorf("%w: retention term %q: unknown category %q", berrors.ErrConfig, term, cat)
		}
		p[Category(cat)] = n
	}
	if len(p) == 0 {
		return nil, fmt.Errorf("%w: empty retention policy", berrors.ErrConfig)
	}
	return p, nil
}

func validCategory(cat string) bool {
	for _, c := range order {
		if string(c) == cat {
			return true
		}
	}
	return false
}

// splitCategory peels the leading alphabetic category name off a
// "catN" term, e.g. "latest2" -> ("latest", "2").
func splitCategory(term string) (string, string, error) {
	i := 0
	for i < len(term) && (term[i] < '0' || term[i] > '9') {
		i++
	}
	if i == 0 || i == len(term) {
		return "", "", fmt.Errorf("%w: malformed retention term %q", berrors.ErrConfig, term)
	}
	return term[:i], term[i:], nil
}

// Decision is the outcome for one Version.
type Decision struct {
	Version types.Version
	Keep    bool
	Reason  string
}

// Evaluate computes the kept/removed decision for every Version in
// versions (already filtered to one Volume name and any additional
// filter expression by the caller), given now and
// disallowRemoveWhenYounger. Protected Versions and Versions younger than
// the disallow window are always kept; everything else
// is decided by policy.
func Evaluate(versions []types.Version, policy Policy, now time.Time, disallowYounger time.Duration) []Decision {
	byDateDesc := append([]types.Version(nil), versions...)
	sort.Slice(byDateDesc, func(i, j int) bool { return byDateDesc[i].Date.After(byDateDesc[j].Date) })

	kept := map[string]string{} // uid -> reason

	for _, v := range byDateDesc {
		if v.Protected {
			kept[v.UID] = "protected"
		} else if now.Sub(v.Date) < disallowYounger {
			kept[v.UID] = "younger than disallowRemoveWhenYounger"
		}
	}

	if n, ok := policy[CategoryLatest]; ok {
		for i, v := range byDateDesc {
			if i >= n {
				break
			}
			if _, already := kept[v.UID]; !already {
				kept[v.UID] = "latest"
			}
		}
	}

	for _, cat := range []Category{CategoryHours, CategoryDays, CategoryWeeks, CategoryMonths, CategoryYears} {
		n, ok := policy[cat]
		if !ok {
			continue
		}
		keepBucketed(byDateDesc, cat, n, now, kept)
	}

	decisions := make([]Decision, len(byDateDesc))
	for i, v := range byDateDesc {
		reason, ok := kept[v.UID]
		decisions[i] = Decision{Version: v, Keep: ok, Reason: reasonOrRemoved(ok, reason)}
	}
	return decisions
}

func reasonOrRemoved(keep bool, reason string) string {
	if keep {
		return reason
	}
	return "outside retention policy"
}

// keepBucketed walks buckets of cat starting at now's bucket and going
// backward, keeping the oldest Version in each of the next n buckets
// that actually contains at least one Version. A bucket whose oldest
// Version a finer (already-processed) category kept still counts toward
// n and keeps that category's reason. Empty buckets don't consume the
// budget, which is how a gap ages into the next category for free.
func keepBucketed(byDateDesc []types.Version, cat Category, n int, now time.Time, kept map[string]string) {
	bucketEnd := bucketStart(now, cat, 1) // exclusive end of the "current" bucket
	found := 0
	// Guard against runaway iteration on a policy with a huge N and a
	// short version history: stop once we've walked past the oldest
	// candidate version.
	if len(byDateDesc) == 0 {
		return
	}
	oldest := byDateDesc[len(byDateDesc)-1].Date
	for iterations := 0; found < n && !bucketEnd.Before(oldest) && iterations < 100000; iterations++ {
		start := bucketStart(bucketEnd.Add(-time.Nanosecond), cat, 0)
		end := bucketEnd
		var oldestInBucket *types.Version
		for i := range byDateDesc {
			v := &byDateDesc[i]
			if !v.Date.Before(start) && v.Date.Before(end) {
				if oldestInBucket == nil || v.Date.Before(oldestInBucket.Date) {
					oldestInBucket = v
				}
			}
		}
		if oldestInBucket != nil {
			if _, already := kept[oldestInBucket.UID]; !already {
				kept[oldestInBucket.UID] = string(cat)
			}
			found++
		}
		bucketEnd = start
	}
}

// bucketStart returns the start of the bucket containing t (offsetBuckets
// buckets forward of that), using local-timezone boundaries:
// hour begins at :00, week begins Monday 00:00, month on day 1 00:00,
// year on Jan 1 00:00.
func bucketStart(t time.Time, cat Category, offsetBuckets int) time.Time {
	t = t.Local()
	switch cat {
	case CategoryHours:
		base := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
		return base.Add(time.Duration(offsetBuckets) * time.Hour)
	case CategoryDays:
		base := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		return base.AddDate(0, 0, offsetBuckets)
	case CategoryWeeks:
		base := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		// Monday = 1 ... Sunday = 7; back up to this week's Monday.
		weekday := int(base.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		monday := base.AddDate(0, 0, -(weekday - 1))
		return monday.AddDate(0, 0, 7*offsetBuckets)
	case CategoryMonths:
		base := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
		return base.AddDate(0, offsetBuckets, 0)
	case CategoryYears:
		base := time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, t.Location())
		return base.AddDate(offsetBuckets, 0, 0)
	default:
		return t
	}
}
