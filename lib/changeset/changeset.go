package changeset

import "fmt"

// --------------------------------------------------------------------------
// Reasons
// --------------------------------------------------------------------------

// Reason describes why a Change was emitted.
type Reason uint8

const (
	// ReasonAdd signals that the key was absent before the edit.
	ReasonAdd Reason = iota
	// ReasonUpdate signals that the key was present before and after the edit.
	ReasonUpdate
	// ReasonRemove signals that the key was present before and absent after the edit.
	ReasonRemove
	// ReasonRefresh signals an in-place mutation: the stored value's identity is
	// unchanged but downstream stages must re-evaluate it.
	ReasonRefresh
	// ReasonMoved signals a position change with unchanged value identity.
	// It is only ever emitted by order-sensitive stages.
	ReasonMoved
)

func (r Reason) String() string {
	switch r {
	case ReasonAdd:
		return "Add"
	case ReasonUpdate:
		return "Update"
	case ReasonRemove:
		return "Remove"
	case ReasonRefresh:
		return "Refresh"
	case ReasonMoved:
		return "Moved"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Change
// --------------------------------------------------------------------------

// NoIndex marks a Change that carries no positional information.
const NoIndex = -1

// Change is one atomic mutation record.
//
// Previous is only meaningful when HasPrevious is true (Update, and Remove
// emitted by stages that track prior values). CurrentIndex and PreviousIndex
// are NoIndex unless the Change was emitted by an order-sensitive stage.
type Change[K comparable, V any] struct {
	Reason        Reason
	Key           K
	Current       V
	Previous      V
	HasPrevious   bool
	CurrentIndex  int
	PreviousIndex int
}

func (c Change[K, V]) String() string {
	if c.HasPrevious {
		return fmt.Sprintf("Change{%s %v: %v (was %v)}", c.Reason, c.Key, c.Current, c.Previous)
	}
	return fmt.Sprintf("Change{%s %v: %v}", c.Reason, c.Key, c.Current)
}

// Add creates an Add Change without positional information.
func Add[K comparable, V any](key K, current V) Change[K, V] {
	return Change[K, V]{
		Reason:        ReasonAdd,
		Key:           key,
		Current:       current,
		CurrentIndex:  NoIndex,
		PreviousIndex: NoIndex,
	}
}

// AddAt creates an Add Change carrying the insertion index.
func AddAt[K comparable, V any](key K, current V, index int) Change[K, V] {
	c := Add(key, current)
	c.CurrentIndex = index
	return c
}

// Update creates an Update Change carrying the previous value.
func Update[K comparable, V any](key K, current, previous V) Change[K, V] {
	return Change[K, V]{
		Reason:        ReasonUpdate,
		Key:           key,
		Current:       current,
		Previous:      previous,
		HasPrevious:   true,
		CurrentIndex:  NoIndex,
		PreviousIndex: NoIndex,
	}
}

// UpdateAt creates an Update Change carrying the previous value and both
// positions. previousIndex is the position the old value occupied before the
// change was applied, currentIndex the position of the new value afterwards.
func UpdateAt[K comparable, V any](key K, current, previous V, currentIndex, previousIndex int) Change[K, V] {
	c := Update(key, current, previous)
	c.CurrentIndex = currentIndex
	c.PreviousIndex = previousIndex
	return c
}

// Remove creates a Remove Change. current holds the value that was removed.
func Remove[K comparable, V any](key K, current V) Change[K, V] {
	return Change[K, V]{
		Reason:        ReasonRemove,
		Key:           key,
		Current:       current,
		CurrentIndex:  NoIndex,
		PreviousIndex: NoIndex,
	}
}

// RemoveAt creates a Remove Change carrying the index the value was excised from.
func RemoveAt[K comparable, V any](key K, current V, index int) Change[K, V] {
	c := Remove(key, current)
	c.CurrentIndex = index
	return c
}

// Refresh creates a Refresh Change. The value identity is unchanged; the
// Change exists to force downstream re-evaluation.
func Refresh[K comparable, V any](key K, current V) Change[K, V] {
	return Change[K, V]{
		Reason:        ReasonRefresh,
		Key:           key,
		Current:       current,
		CurrentIndex:  NoIndex,
		PreviousIndex: NoIndex,
	}
}

// RefreshAt creates a Refresh Change carrying the item's current position.
func RefreshAt[K comparable, V any](key K, current V, index int) Change[K, V] {
	c := Refresh(key, current)
	c.CurrentIndex = index
	return c
}

// Move creates a Moved Change: same value, new position.
func Move[K comparable, V any](key K, current V, currentIndex, previousIndex int) Change[K, V] {
	return Change[K, V]{
		Reason:        ReasonMoved,
		Key:           key,
		Current:       current,
		CurrentIndex:  currentIndex,
		PreviousIndex: previousIndex,
	}
}

// --------------------------------------------------------------------------
// Set
// --------------------------------------------------------------------------

// Set is the ordered batch of Changes produced by exactly one edit.
// Order within a Set matters: consumers that apply changes sequentially rely
// on removes and adds being interleaved exactly as the edit produced them.
type Set[K comparable, V any] []Change[K, V]

// Count returns the number of Changes with the given reason.
func (s Set[K, V]) Count(reason Reason) int {
	n := 0
	for _, c := range s {
		if c.Reason == reason {
			n++
		}
	}
	return n
}

// Adds returns the number of Add Changes in the set.
func (s Set[K, V]) Adds() int { return s.Count(ReasonAdd) }

// Updates returns the number of Update Changes in the set.
func (s Set[K, V]) Updates() int { return s.Count(ReasonUpdate) }

// Removes returns the number of Remove Changes in the set.
func (s Set[K, V]) Removes() int { return s.Count(ReasonRemove) }

// Refreshes returns the number of Refresh Changes in the set.
func (s Set[K, V]) Refreshes() int { return s.Count(ReasonRefresh) }

// Moves returns the number of Moved Changes in the set.
func (s Set[K, V]) Moves() int { return s.Count(ReasonMoved) }

func (s Set[K, V]) String() string {
	return fmt.Sprintf("ChangeSet{adds: %d, updates: %d, removes: %d, refreshes: %d, moves: %d}",
		s.Adds(), s.Updates(), s.Removes(), s.Refreshes(), s.Moves())
}
