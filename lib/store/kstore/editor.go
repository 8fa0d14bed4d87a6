package kstore

import (
	"github.com/rkvlib/rkv/lib/changeset"
)

// --------------------------------------------------------------------------
// Batch Editor
// --------------------------------------------------------------------------

// editorImpl applies mutations directly to the store's state while the
// store's section is held, recording the produced changes and the inverse
// operations needed to roll the batch back if it aborts.
type editorImpl[K comparable, V any] struct {
	s       *keyedStore[K, V]
	changes changeset.Set[K, V]
	undo    []undoOp[K, V]
}

// undoOp restores one key to its pre-batch state: either the record it held
// or its absence.
type undoOp[K comparable, V any] struct {
	key     K
	rec     record[V]
	existed bool
}

func (ed *editorImpl[K, V]) AddOrUpdate(value V) {
	if ed.s.keyOf == nil {
		panic("kstore: AddOrUpdate inside Edit on a store without a key selector")
	}
	ed.Set(ed.s.keyOf(value), value)
}

func (ed *editorImpl[K, V]) Set(key K, value V) {
	s := ed.s
	if old, ok := s.items[key]; ok {
		ed.undo = append(ed.undo, undoOp[K, V]{key: key, rec: old, existed: true})
		s.items[key] = record[V]{value: value, seq: old.seq}
		ed.changes = append(ed.changes, changeset.Update(key, value, old.value))
		return
	}
	ed.undo = append(ed.undo, undoOp[K, V]{key: key})
	s.insertSeq++
	s.items[key] = record[V]{value: value, seq: s.insertSeq}
	ed.changes = append(ed.changes, changeset.Add(key, value))
}

func (ed *editorImpl[K, V]) Remove(key K) {
	s := ed.s
	old, ok := s.items[key]
	if !ok {
		// removing an absent key is a silent no-op
		return
	}
	ed.undo = append(ed.undo, undoOp[K, V]{key: key, rec: old, existed: true})
	delete(s.items, key)
	ed.changes = append(ed.changes, changeset.Remove(key, old.value))
}

func (ed *editorImpl[K, V]) Refresh(key K) {
	rec, ok := ed.s.items[key]
	if !ok {
		return
	}
	// no state change, so nothing to undo
	ed.changes = append(ed.changes, changeset.Refresh(key, rec.value))
}

func (ed *editorImpl[K, V]) Clear() {
	// remove in insertion order so the emitted set is deterministic
	for _, kr := range ed.s.orderedLocked() {
		ed.Remove(kr.key)
	}
}

func (ed *editorImpl[K, V]) Get(key K) (V, bool) {
	rec, ok := ed.s.items[key]
	return rec.value, ok
}

func (ed *editorImpl[K, V]) Len() int {
	return len(ed.s.items)
}

// rollback restores the store to its pre-batch state by replaying the
// recorded inverse operations newest-first.
func (ed *editorImpl[K, V]) rollback() {
	s := ed.s
	for i := len(ed.undo) - 1; i >= 0; i-- {
		op := ed.undo[i]
		if op.existed {
			s.items[op.key] = op.rec
		} else {
			delete(s.items, op.key)
		}
	}
	ed.changes = nil
	ed.undo = nil
}
