package syncmap

import (
	"sync/atomic"
	"unsafe"

	"github.com/behrouz-rfa/syncmap/internal/opt"
)

// expunged is an arbitrary pointer that marks entries which have been
// deleted from the overflow map. An expunged entry is absent from dirty and
// can only be revived by storing through the locked path, which first swaps
// the mark back to nil and re-inserts the entry into dirty.
var expunged = unsafe.Pointer(new(any))

// poisoned overwrites the value pointer of a reclaimed entry in race builds.
// A load that observes it is a use after the protecting guard was released.
var poisoned = unsafe.Pointer(new(any))

// entry is a value box shared between the read-only table and the overflow
// map, so a state change through either side is visible to both.
//
// p points to the boxed value and encodes the entry state:
//
//   - p == nil: the entry was deleted, and either the overflow map is nil or
//     the overflow map still holds this entry.
//   - p == expunged: the entry was deleted, the overflow map is non-nil, and
//     the entry is missing from it.
//   - otherwise: the entry is live and p points to its current value.
type entry[V any] struct {
	p unsafe.Pointer // *V
}

func newEntry[V any](value V) *entry[V] {
	return &entry[V]{p: unsafe.Pointer(&value)}
}

// load returns the current value, if any. Lock-free.
func (e *entry[V]) load() (value V, ok bool) {
	p := loadPtr(&e.p)
	if p == nil || p == expunged {
		return value, false
	}
	if opt.Race_ && p == poisoned {
		panic("syncmap: entry read after reclamation; guard missing or released too early")
	}
	return *(*V)(p), true
}

// tryStore stores a value if the entry has not been expunged.
//
// If the entry is expunged, tryStore returns false and leaves the entry
// unchanged.
func (e *entry[V]) tryStore(value *V) bool {
	for {
		p := loadPtr(&e.p)
		if p == expunged {
			return false
		}
		if atomic.CompareAndSwapPointer(&e.p, p, unsafe.Pointer(value)) {
			return true
		}
	}
}

// tryLoadOrStore atomically loads or stores a value if the entry is not
// expunged.
//
// If the entry is expunged, tryLoadOrStore leaves the entry unchanged and
// returns with ok==false.
func (e *entry[V]) tryLoadOrStore(value V) (actual V, loaded, ok bool) {
	p := loadPtr(&e.p)
	if p == expunged {
		return actual, false, false
	}
	if p != nil {
		return *(*V)(p), true, true
	}

	// Copy the value into vc so it only escapes when actually stored.
	vc := value
	for {
		if atomic.CompareAndSwapPointer(&e.p, nil, unsafe.Pointer(&vc)) {
			return value, false, true
		}
		p = loadPtr(&e.p)
		if p == expunged {
			return actual, false, false
		}
		if p != nil {
			return *(*V)(p), true, true
		}
	}
}

// unexpungeLocked ensures that the entry is not marked as expunged.
//
// If the entry was previously expunged, it must be added to the overflow map
// again before the lock is released.
func (e *entry[V]) unexpungeLocked() (wasExpunged bool) {
	return atomic.CompareAndSwapPointer(&e.p, expunged, nil)
}

// swapLocked unconditionally swaps a value into the entry.
//
// The entry must be known not to be expunged.
func (e *entry[V]) swapLocked(value *V) (previous *V) {
	return (*V)(atomic.SwapPointer(&e.p, unsafe.Pointer(value)))
}

// trySwap swaps a value if the entry has not been expunged.
func (e *entry[V]) trySwap(value *V) (previous *V, swapped bool) {
	for {
		p := loadPtr(&e.p)
		if p == expunged {
			return nil, false
		}
		if atomic.CompareAndSwapPointer(&e.p, p, unsafe.Pointer(value)) {
			return (*V)(p), true
		}
	}
}

// delete tombstones the entry, returning the value it held.
//
// The shared entry stays in place; a later store through either path can
// revive it without a new allocation.
func (e *entry[V]) delete() (value V, ok bool) {
	for {
		p := loadPtr(&e.p)
		if p == nil || p == expunged {
			return value, false
		}
		if atomic.CompareAndSwapPointer(&e.p, p, nil) {
			return *(*V)(p), true
		}
	}
}

// tryExpungeLocked moves a tombstoned entry to the expunged state, so the
// next overflow rebuild can skip it.
//
// Must only be called while the overflow map is being rebuilt under the lock;
// a concurrent tryStore can still win the race and keep the entry live.
func (e *entry[V]) tryExpungeLocked() (isExpunged bool) {
	p := loadPtr(&e.p)
	for p == nil {
		if atomic.CompareAndSwapPointer(&e.p, nil, expunged) {
			return true
		}
		p = loadPtr(&e.p)
	}
	return p == expunged
}

// tryCompareAndSwap replaces the value with new if the current value equals
// old. It fails on tombstoned or expunged entries.
func (e *entry[V]) tryCompareAndSwap(valEqual EqualFunc, old, new V) bool {
	p := loadPtr(&e.p)
	if p == nil || p == expunged || !valEqual(p, noescape(unsafe.Pointer(&old))) {
		return false
	}
	// Box once outside the loop; the comparison result for a given p never
	// changes.
	nc := new
	for {
		if atomic.CompareAndSwapPointer(&e.p, p, unsafe.Pointer(&nc)) {
			return true
		}
		p = loadPtr(&e.p)
		if p == nil || p == expunged || !valEqual(p, noescape(unsafe.Pointer(&old))) {
			return false
		}
	}
}

// tryCompareAndDelete tombstones the entry if its current value equals old.
func (e *entry[V]) tryCompareAndDelete(valEqual EqualFunc, old V) bool {
	for {
		p := loadPtr(&e.p)
		if p == nil || p == expunged || !valEqual(p, noescape(unsafe.Pointer(&old))) {
			return false
		}
		if atomic.CompareAndSwapPointer(&e.p, p, nil) {
			return true
		}
	}
}

// poison marks a reclaimed entry in race builds so that a stale reader
// trips the check in load instead of silently reading freed state.
func (e *entry[V]) poison() {
	if opt.Race_ {
		atomic.StorePointer(&e.p, poisoned)
	}
}

// Entry is a temporary view of a map entry
// It can be updated or deleted during the callback.
//
// WARNING:
// - Only valid inside the callback; do NOT keep, return, or use it outside.
// - Not safe across goroutines.
type Entry[K comparable, V any] struct {
	key    K
	value  V
	loaded bool
	op     computeOp
}

// Key returns the entry's key.
func (e *Entry[K, V]) Key() K {
	return e.key
}

// Value returns the entry's value. Returns zero value if not loaded.
func (e *Entry[K, V]) Value() V {
	return e.value
}

// Loaded reports whether the entry exists in the map.
func (e *Entry[K, V]) Loaded() bool {
	return e.loaded
}

// Update sets the entry's value. Inserts it if not loaded, replaces if loaded.
func (e *Entry[K, V]) Update(value V) {
	e.value = value
	e.op = updateOp
}

// Delete marks the entry for removal and clears its value.
func (e *Entry[K, V]) Delete() {
	e.value = *new(V)
	e.op = deleteOp
}
