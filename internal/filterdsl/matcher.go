package filterdsl

import (
	"time"

	"github.com/benji-backup/benji/internal/types"
)

// Matcher is a parsed filter expression ready to test Versions.
type Matcher struct {
	node Node
}

// Compile parses expr once so repeated Match calls (e.g. one per
// candidate Version during enforce) don't re-parse.
func Compile(expr string) (*Matcher, error) {
	node, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	return &Matcher{node: node}, nil
}

// Match reports whether v satisfies the expression, anchoring any
// relative date literal to now.
func (m *Matcher) Match(v types.Version, now time.Time) (bool, error) {
	return Eval(m.node, v, now)
}
