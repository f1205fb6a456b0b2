package filterdsl

import (
	"fmt"
	"time"

	"github.com/benji-backup/benji/internal/types"
)

// value is the dynamically-typed result of evaluating a primary node.
// kindLabel is distinct from kindBool: a bare `labels['x']` is truthy iff
// the label exists (see truthy), but `labels['x'] == 'y'` still compares
// its string value.
type value struct {
	kind   valueKind
	b      bool
	n      int64
	s      string
	t      time.Time
	exists bool // kindLabel only
}

type valueKind int

const (
	kindBool valueKind = iota
	kindInt
	kindString
	kindTime
	kindLabel
)

// truthy coerces a value to bool in and/or/not/top-level contexts.
func truthy(v value) (bool, error) {
	switch v.kind {
	case kindBool:
		return v.b, nil
	case kindLabel:
		return v.exists, nil
	default:
		return false, fmt.Errorf("filterdsl: expression does not evaluate to a boolean")
	}
}

// Eval reports whether v matches the compiled expression. now anchors
// relative date literals ("1 week ago").
func Eval(node Node, v types.Version, now time.Time) (bool, error) {
	val, err := evalNode(node, v, now)
	if err != nil {
		return false, err
	}
	return truthy(val)
}

func evalNode(node Node, v types.Version, now time.Time) (value, error) {
	switch n := node.(type) {
	case orNode:
		l, err := evalNode(n.left, v, now)
		if err != nil {
			return value{}, err
		}
		lb, err := truthy(l)
		if err != nil {
			return value{}, err
		}
		if lb {
			return value{kind: kindBool, b: true}, nil
		}
		r, err := evalNode(n.right, v, now)
		if err != nil {
			return value{}, err
		}
		rb, err := truthy(r)
		if err != nil {
			return value{}, err
		}
		return value{kind: kindBool, b: rb}, nil

	case andNode:
		l, err := evalNode(n.left, v, now)
		if err != nil {
			return value{}, err
		}
		lb, err := truthy(l)
		if err != nil {
			return value{}, err
		}
		if !lb {
			return value{kind: kindBool, b: false}, nil
		}
		r, err := evalNode(n.right, v, now)
		if err != nil {
			return value{}, err
		}
		rb, err := truthy(r)
		if err != nil {
			return value{}, err
		}
		return value{kind: kindBool, b: rb}, nil

	case notNode:
		operand, err := evalNode(n.operand, v, now)
		if err != nil {
			return value{}, err
		}
		ob, err := truthy(operand)
		if err != nil {
			return value{}, err
		}
		return value{kind: kindBool, b: !ob}, nil

	case cmpNode:
		return evalCmp(n, v, now)

	case boolLit:
		return value{kind: kindBool, b: n.value}, nil
	case intLit:
		return value{kind: kindInt, n: n.value}, nil
	case strLit:
		return value{kind: kindString, s: n.value}, nil
	case identNode:
		return fieldValue(n.name, v)
	case labelNode:
		label, ok := v.Labels[n.name]
		return value{kind: kindLabel, s: label, exists: ok}, nil
	default:
		return value{}, fmt.Errorf("filterdsl: unhandled node type %T", node)
	}
}

func evalCmp(n cmpNode, v types.Version, now time.Time) (value, error) {
	left, err := evalNode(n.left, v, now)
	if err != nil {
		return value{}, err
	}
	right, err := evalNode(n.right, v, now)
	if err != nil {
		return value{}, err
	}

	// date comparisons: if either side names the "date" field, coerce
	// the string side through ParseDate and compare as UTC instants.
	if isDateCmp(n.left) || isDateCmp(n.right) {
		lt, err := asTime(left, now)
		if err != nil {
			return value{}, err
		}
		rt, err := asTime(right, now)
		if err != nil {
			return value{}, err
		}
		return value{kind: kindBool, b: compareTimes(n.op, lt, rt)}, nil
	}

	if n.op == cmpLike {
		return value{kind: kindBool, b: matchLike(left.s, right.s)}, nil
	}

	switch {
	case left.kind == kindInt && right.kind == kindInt:
		return value{kind: kindBool, b: compareInts(n.op, left.n, right.n)}, nil
	case isStringLike(left) || isStringLike(right):
		return value{kind: kindBool, b: compareStrings(n.op, left.s, right.s)}, nil
	case left.kind == kindBool && right.kind == kindBool:
		return value{kind: kindBool, b: compareBools(n.op, left.b, right.b)}, nil
	default:
		return value{}, fmt.Errorf("filterdsl: incomparable operand types")
	}
}

func isStringLike(v value) bool { return v.kind == kindString || v.kind == kindLabel }

func isDateCmp(n Node) bool {
	id, ok := n.(identNode)
	return ok && id.name == "date"
}

func asTime(v value, now time.Time) (time.Time, error) {
	if v.kind == kindTime {
		return v.t, nil
	}
	if v.kind == kindString {
		return ParseDate(v.s, now)
	}
	return time.Time{}, fmt.Errorf("filterdsl: expected a date literal")
}

func compareTimes(op cmpOp, a, b time.Time) bool {
	switch op {
	case cmpEq:
		return a.Equal(b)
	case cmpNe:
		return !a.Equal(b)
	case cmpLt:
		return a.Before(b)
	case cmpGt:
		return a.After(b)
	case cmpLe:
		return a.Before(b) || a.Equal(b)
	case cmpGe:
		return a.After(b) || a.Equal(b)
	default:
		return false
	}
}

func compareInts(op cmpOp, a, b int64) bool {
	switch op {
	case cmpEq:
		return a == b
	case cmpNe:
		return a != b
	case cmpLt:
		return a < b
	case cmpGt:
		return a > b
	case cmpLe:
		return a <= b
	case cmpGe:
		return a >= b
	default:
		return false
	}
}

func compareStrings(op cmpOp, a, b string) bool {
	switch op {
	case cmpEq:
		return a == b
	case cmpNe:
		return a != b
	case cmpLt:
		return a < b
	case cmpGt:
		return a > b
	case cmpLe:
		return a <= b
	case cmpGe:
		return a >= b
	default:
		return false
	}
}

func compareBools(op cmpOp, a, b bool) bool {
	switch op {
	case cmpEq:
		return a == b
	case cmpNe:
		return a != b
	default:
		return false
	}
}

// matchLike implements SQL LIKE with '%' (any run) and '_' (single char)
// wildcards, anchored to the whole string.
func matchLike(s, pattern string) bool {
	return likeMatch([]rune(s), []rune(pattern))
}

func likeMatch(s, p []rune) bool {
	if len(p) == 0 {
		return len(s) == 0
	}
	switch p[0] {
	case '%':
		if likeMatch(s, p[1:]) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if likeMatch(s[i+1:], p[1:]) {
				return true
			}
		}
		return false
	case '_':
		if len(s) == 0 {
			return false
		}
		return likeMatch(s[1:], p[1:])
	default:
		if len(s) == 0 || s[0] != p[0] {
			return false
		}
		return likeMatch(s[1:], p[1:])
	}
}

func fieldValue(name string, v types.Version) (value, error) {
	switch name {
	case "uid":
		return value{kind: kindString, s: v.UID}, nil
	case "date":
		return value{kind: kindTime, t: v.Date.UTC()}, nil
	case "volume":
		return value{kind: kindString, s: v.Volume}, nil
	case "snapshot":
		return value{kind: kindString, s: v.Snapshot}, nil
	case "size":
		return value{kind: kindInt, n: v.Size}, nil
	case "block_size":
		return value{kind: kindInt, n: v.BlockSize}, nil
	case "status":
		return value{kind: kindString, s: string(v.Status)}, nil
	case "protected":
		return value{kind: kindBool, b: v.Protected}, nil
	case "storage":
		return value{kind: kindString, s: v.Storage}, nil
	case "bytes_read":
		return value{kind: kindInt, n: v.BytesRead}, nil
	case "bytes_written":
		return value{kind: kindInt, n: v.BytesWritten}, nil
	case "bytes_deduplicated":
		return value{kind: kindInt, n: v.BytesDeduplicated}, nil
	case "bytes_sparse":
		return value{kind: kindInt, n: v.BytesSparse}, nil
	default:
		return value{}, fmt.Errorf("filterdsl: unknown field %q", name)
	}
}
