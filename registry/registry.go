// Package registry replaces the raw PCB user-data pointer that a
// C-flavored embedded stack would hand back to its callbacks with a
// generation-counted table lookup keyed by a small integer id, rather
// than a raw pointer, removing the need for unsafe dereferences and
// enabling generation-counter checks against use-after-free.
package registry

import "sync"

// ID names a registered value. A stale ID (one whose owner has already
// called Release) never resolves to a different value that happens to
// reuse the same slot.
type ID struct {
	slot uint32
	gen  uint32
}

type entry struct {
	gen   uint32
	value any
	live  bool
}

// Table is a generation-counted handle table. The zero value is ready
// to use.
type Table struct {
	mu      sync.Mutex
	entries []entry
	free    []uint32
}

// Register stores value and returns a handle for it.
func (t *Table) Register(value any) ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(t.free); n > 0 {
		slot := t.free[n-1]
		t.free = t.free[:n-1]
		e := &t.entries[slot]
		e.value = value
		e.live = true
		return ID{slot: slot, gen: e.gen}
	}

	slot := uint32(len(t.entries))
	t.entries = append(t.entries, entry{gen: 0, value: value, live: true})
	return ID{slot: slot, gen: 0}
}

// Lookup resolves id to its value. It returns (nil, false) if the
// owner has since called Release (or the id never existed), exactly
// the generation-counter check the Design Notes call for in place of a
// dangling-pointer dereference.
func (t *Table) Lookup(id ID) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(id.slot) >= len(t.entries) {
		return nil, false
	}
	e := &t.entries[id.slot]
	if !e.live || e.gen != id.gen {
		return nil, false
	}
	return e.value, true
}

// Release invalidates id: the slot's generation is bumped so any
// outstanding copy of id (e.g. one a stack callback is about to
// deliver) resolves to (nil, false) from this point on, and the slot
// becomes available for reuse under a new generation.
func (t *Table) Release(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(id.slot) >= len(t.entries) {
		return
	}
	e := &t.entries[id.slot]
	if !e.live || e.gen != id.gen {
		return
	}
	e.live = false
	e.value = nil
	e.gen++
	t.free = append(t.free, id.slot)
}

// Len reports the number of live entries. Intended for tests, not for
// hot-path use.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for i := range t.entries {
		if t.entries[i].live {
			n++
		}
	}
	return n
}

// Range calls fn for every live entry in slot order, stopping early if
// fn returns false. fn must not call back into t (Register, Lookup,
// Release, Range) since Range holds the table lock for its duration;
// callers that need to act on what they find should collect it and act
// after Range returns. This is what lets the timer pump's sweep treat
// the registry itself as the enumerable set of live owners, rather
// than keeping a second, parallel index that could drift from it.
func (t *Table) Range(fn func(ID, any) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for slot := range t.entries {
		e := &t.entries[slot]
		if !e.live {
			continue
		}
		if !fn(ID{slot: uint32(slot), gen: e.gen}, e.value) {
			return
		}
	}
}
