package ops

import (
	"golang.org/x/exp/constraints"
)

// --------------------------------------------------------------------------
// Comparers
// --------------------------------------------------------------------------

// Comparer imposes a total preorder on values: negative when a sorts before
// b, zero when they are tied, positive when a sorts after b. Comparers must
// be pure; ties are broken deterministically by the operator.
type Comparer[V any] func(a, b V) int

// OrderedBy builds a Comparer from a selector into an ordered type.
func OrderedBy[V any, T constraints.Ordered](selector func(V) T) Comparer[V] {
	return func(a, b V) int {
		av, bv := selector(a), selector(b)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	}
}

// Descending inverts a Comparer.
func Descending[V any](cmp Comparer[V]) Comparer[V] {
	return func(a, b V) int {
		return -cmp(a, b)
	}
}

// Then chains a secondary Comparer for breaking ties of the primary one.
func (c Comparer[V]) Then(next Comparer[V]) Comparer[V] {
	return func(a, b V) int {
		if r := c(a, b); r != 0 {
			return r
		}
		return next(a, b)
	}
}
