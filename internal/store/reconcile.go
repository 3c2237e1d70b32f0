package store

import (
	"github.com/MarcoPoloResearchLab/projectsync/internal/entities"
	"github.com/MarcoPoloResearchLab/projectsync/internal/realtime"
)

type entry[T entities.Identifiable] struct {
	ref   Ref
	value T
}

// ApplyChange applies one realtime change to items and reports whether anything changed.
// INSERT appends only when the id is absent, UPDATE replaces in place and DELETE removes;
// UPDATE and DELETE of an unknown id are no-ops. items is never modified.
func ApplyChange[T entities.Identifiable](items []T, kind realtime.EventKind, newRow, oldRow T) ([]T, bool) {
	entries := make([]entry[T], 0, len(items))
	for _, item := range items {
		entries = append(entries, entry[T]{ref: RemoteRef(item.EntityID()), value: item})
	}
	applied, changed := applyToEntries(entries, kind, newRow, oldRow)
	if !changed {
		return append([]T(nil), items...), false
	}
	return values(applied), true
}

func applyToEntries[T entities.Identifiable](entries []entry[T], kind realtime.EventKind, newRow, oldRow T) ([]entry[T], bool) {
	switch kind {
	case realtime.EventInsert:
		id := newRow.EntityID()
		if id == "" || indexOfID(entries, id) >= 0 {
			return entries, false
		}
		next := make([]entry[T], 0, len(entries)+1)
		next = append(next, entries...)
		return append(next, entry[T]{ref: RemoteRef(id), value: newRow}), true
	case realtime.EventUpdate:
		index := indexOfID(entries, newRow.EntityID())
		if newRow.EntityID() == "" || index < 0 {
			return entries, false
		}
		next := append([]entry[T](nil), entries...)
		next[index].value = newRow
		return next, true
	case realtime.EventDelete:
		id := oldRow.EntityID()
		if id == "" {
			id = newRow.EntityID()
		}
		index := indexOfID(entries, id)
		if id == "" || index < 0 {
			return entries, false
		}
		return removeAt(entries, index), true
	default:
		return entries, false
	}
}

func indexOfID[T entities.Identifiable](entries []entry[T], id string) int {
	for index := range entries {
		if entries[index].value.EntityID() == id {
			return index
		}
	}
	return -1
}

func indexOfRef[T entities.Identifiable](entries []entry[T], ref Ref) int {
	for index := range entries {
		if entries[index].ref == ref {
			return index
		}
	}
	return -1
}

func removeAt[T entities.Identifiable](entries []entry[T], index int) []entry[T] {
	next := make([]entry[T], 0, len(entries)-1)
	next = append(next, entries[:index]...)
	return append(next, entries[index+1:]...)
}

func insertAt[T entities.Identifiable](entries []entry[T], index int, item entry[T]) []entry[T] {
	if index < 0 {
		index = 0
	}
	if index > len(entries) {
		index = len(entries)
	}
	next := make([]entry[T], 0, len(entries)+1)
	next = append(next, entries[:index]...)
	next = append(next, item)
	return append(next, entries[index:]...)
}

func values[T entities.Identifiable](entries []entry[T]) []T {
	items := make([]T, 0, len(entries))
	for _, current := range entries {
		items = append(items, current.value)
	}
	return items
}
