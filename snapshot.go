package syncmap

import "unsafe"

// slot is one cell of the read-only probe table. The hash is kept alongside
// the key so a probe can reject most non-matching slots without a key
// comparison.
type slot[K comparable, V any] struct {
	hash uintptr
	key  K
	e    *entry[V]
}

// snapshot is the immutable read side of a Map: an open-addressing table
// with linear probing, built under the lock and published wholesale. Slots
// never change after publication; only the entries they point to do. A nil
// *snapshot behaves as an empty, unamended table.
//
// Probes terminate at the first empty slot, which the load factor guarantees
// to exist. Tombstoned entries keep their slot, so revival through tryStore
// needs no table change.
type snapshot[K comparable, V any] struct {
	slots unsafeSlice[slot[K, V]]
	mask  uintptr
	// amended is true when the overflow map contains keys not in slots.
	// Readers that miss here must fall through to the locked path.
	amended bool
}

// buildSnapshot lays out every entry of src, tombstoned ones included, into
// a fresh table at or below loadFactor occupancy. Expunged entries must
// already have been dropped from src. minLen is a power-of-2 floor on the
// table length, so a configured capacity survives promotions.
func buildSnapshot[K comparable, V any](
	src map[K]*entry[V],
	keyHash HashFunc,
	seed uintptr,
	minLen int,
) *snapshot[K, V] {
	tableLen := max(calcTableLen(len(src)), minLen)
	slots := makeUnsafeSlice(make([]slot[K, V], tableLen))
	mask := uintptr(tableLen - 1)
	for key, e := range src {
		h := keyHash(noescape(unsafe.Pointer(&key)), seed)
		i := spread(h) & mask
		for {
			sl := slots.At(int(i))
			if sl.e == nil {
				sl.hash, sl.key, sl.e = h, key, e
				break
			}
			i = (i + 1) & mask
		}
	}
	return &snapshot[K, V]{slots: slots, mask: mask}
}

// getEntry probes for key. It runs without any synchronization; safety
// comes from the table being immutable and published with release ordering.
func (s *snapshot[K, V]) getEntry(h uintptr, key K) *entry[V] {
	if s == nil {
		return nil
	}
	i := spread(h) & s.mask
	for {
		sl := s.slots.At(int(i))
		if sl.e == nil {
			return nil
		}
		if sl.hash == h && sl.key == key {
			return sl.e
		}
		i = (i + 1) & s.mask
	}
}

// isAmended reports whether the overflow map may hold keys this table does
// not.
//
//go:nosplit
func (s *snapshot[K, V]) isAmended() bool {
	return s != nil && s.amended
}

// withAmended returns a snapshot sharing this table's slots with the amended
// flag set. Called under the lock when the first overflow key appears.
func (s *snapshot[K, V]) withAmended() *snapshot[K, V] {
	ns := &snapshot[K, V]{amended: true}
	if s != nil {
		ns.slots, ns.mask = s.slots, s.mask
	} else {
		// A nil receiver has no table to share. Probes must still terminate,
		// so hand out a single empty slot.
		ns.slots = makeUnsafeSlice(make([]slot[K, V], 1))
	}
	return ns
}

// tableLen returns the slot count, 0 for a nil snapshot.
//
//go:nosplit
func (s *snapshot[K, V]) tableLen() int {
	if s == nil {
		return 0
	}
	return int(s.mask) + 1
}

// rangeEntries calls yield for every occupied slot, tombstoned entries
// included, until yield returns false.
func (s *snapshot[K, V]) rangeEntries(yield func(key K, e *entry[V]) bool) {
	if s == nil {
		return
	}
	for i := 0; i <= int(s.mask); i++ {
		sl := s.slots.At(i)
		if sl.e == nil {
			continue
		}
		if !yield(sl.key, sl.e) {
			return
		}
	}
}

// countLive walks the table and counts entries currently holding a value.
func (s *snapshot[K, V]) countLive() (n int) {
	s.rangeEntries(func(_ K, e *entry[V]) bool {
		if _, ok := e.load(); ok {
			n++
		}
		return true
	})
	return n
}
