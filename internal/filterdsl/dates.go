package filterdsl

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDate parses either an absolute ISO-8601 timestamp or a relative
// English phrase of the form "<N> <unit> ago" (hour/day/week/month/year,
// singular or plural), returning UTC. now is injected so relative dates
// are reproducible in tests.
func ParseDate(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}

	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 3 && fields[2] == "ago" {
		n, err := strconv.Atoi(fields[0])
		if err == nil {
			unit := strings.TrimSuffix(fields[1], "s")
			d, err := relativeUnit(unit, n)
			if err == nil {
				return now.UTC().Add(-d), nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("filterdsl: unparseable date literal %q", s)
}

func relativeUnit(unit string, n int) (time.Duration, error) {
	switch unit {
	case "hour":
		return time.Duration(n) * time.Hour, nil
	case "day":
		return time.Duration(n) * 24 * time.Hour, nil
	case "week":
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	case "month":
		return time.Duration(n) * 30 * 24 * time.Hour, nil
	case "year":
		return time.Duration(n) * 365 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("filterdsl: unknown relative unit %q", unit)
	}
}
