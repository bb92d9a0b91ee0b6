package syncmap

import (
	"fmt"
	"iter"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/behrouz-rfa/syncmap/internal/opt"
)

// Map is a concurrent map with lock-free reads on settled keys and
// guard-based memory reclamation.
//
// The structure is split in two. A read-only snapshot, an immutable probe
// table, serves loads without any synchronization. An overflow map behind a
// mutex absorbs keys the snapshot does not know about. Lookups that fall
// through to the overflow map count as misses; once misses reach the
// overflow size, a fresh snapshot is built from the overflow and published,
// so hot keys always settle back into the lock-free path.
//
// Every operation takes a [Guard], which pins the goroutine into the map's
// current reclamation epoch. Snapshots and entries displaced by a promotion
// are reclaimed only after every guard that could reach them has been
// released, so readers never observe reclaimed state.
//
// Core properties:
//   - Lock-free reads on keys present in the snapshot
//   - Writes to known keys are lock-free; only new keys take the mutex
//   - Zero-value ready with lazy initialization
//   - Custom hash and value comparison function support
//
// Usage recommendations:
//   - Direct declaration: var m Map[string, int]
//   - Pre-allocate capacity: New[K, V](WithCapacity(1000))
//
// Notes:
//   - Map must not be copied after first use.
//   - It is optimized for disjoint or read-mostly key sets; steady churn of
//     brand-new keys keeps writes on the locked path.
type Map[K comparable, V any] struct {
	_  noCopy
	mu sync.Mutex

	// read is the current snapshot. Loaded lock-free; replaced only while
	// mu is held.
	read unsafe.Pointer // *snapshot[K, V]

	// coll owns reclamation for this map. Published last by init, so any
	// goroutine holding a guard sees every field below as initialized.
	coll unsafe.Pointer // *collector

	// dirty is the overflow map. It holds every non-expunged entry, plus
	// the keys the snapshot lacks. Protected by mu.
	dirty map[K]*entry[V]

	// misses counts locked fallbacks since the last promotion. Once it
	// reaches len(dirty), the overflow is promoted. Protected by mu.
	misses int

	seed     uintptr
	keyHash  HashFunc  // WithKeyHasher
	valEqual EqualFunc // WithValueEqual
	minLen   int       // WithCapacity
}

// New creates a new Map instance. Direct declaration of a zero Map is also
// supported.
//
// Parameters:
//   - options: configuration options (WithCapacity, WithKeyHasher, etc.)
func New[K comparable, V any](
	options ...func(*MapConfig),
) *Map[K, V] {
	m := &Map[K, V]{}
	m.withOptions(options...)
	return m
}

// withOptions initializes the Map instance using variadic option
// parameters.
//
// Configuration priority (highest to lowest):
//   - Explicit With* functions (WithKeyHasher, WithValueEqual)
//   - Interface implementations (IHashFunc, IEqualFunc)
//   - Default built-in implementations
//
// Notes:
//   - Not thread-safe; must only be called before the Map is shared.
func (m *Map[K, V]) withOptions(options ...func(*MapConfig)) {
	var cfg MapConfig
	for _, o := range options {
		o(noEscape(&cfg))
	}
	m.init(noEscape(&cfg))
}

func (m *Map[K, V]) init(cfg *MapConfig) *collector {
	// parse interfaces
	if cfg.keyHash == nil {
		cfg.keyHash = parseKeyInterface[K]()
	}
	if cfg.valEqual == nil {
		cfg.valEqual = parseValueInterface[V]()
	}
	// perform initialization
	m.keyHash = defaultKeyHasher[K]()
	m.valEqual = defaultValueEqual[V]()
	if cfg.keyHash != nil {
		m.keyHash = cfg.keyHash
	}
	if cfg.valEqual != nil {
		m.valEqual = cfg.valEqual
	}

	m.seed = uintptr(rand.Uint64())
	m.minLen = calcTableLen(cfg.capacity)

	c := newCollector()
	// The collector pointer doubles as the "initialized" flag and must be
	// published after everything else.
	storePtr(&m.coll, unsafe.Pointer(c))
	return c
}

// slowInit initializes a zero-value Map on first use. It may be called
// concurrently by multiple goroutines.
//
//go:noinline
func (m *Map[K, V]) slowInit() *collector {
	m.mu.Lock()
	c := (*collector)(loadPtr(&m.coll))
	if c == nil {
		var cfg MapConfig
		c = m.init(noEscape(&cfg))
	}
	m.mu.Unlock()
	return c
}

// Guard pins the calling goroutine into the map's current reclamation epoch
// and returns the guard protecting it. Every map operation requires one:
//
//	g := m.Guard()
//	defer g.Release()
//	m.Store("k", 1, g)
//	v, ok := m.Load("k", g)
//
// A guard may protect any number of operations on this map, but must be
// released promptly: reclamation for the whole map waits on it.
func (m *Map[K, V]) Guard() *Guard {
	c := (*collector)(loadPtr(&m.coll))
	if c == nil {
		c = m.slowInit()
	}
	return c.acquire()
}

// Load retrieves a value for the given key.
func (m *Map[K, V]) Load(key K, g *Guard) (value V, ok bool) {
	m.checkGuard(g)
	hash := m.keyHash(noescape(unsafe.Pointer(&key)), m.seed)
	read := m.loadSnapshot()
	e := read.getEntry(hash, key)
	if e == nil && read.isAmended() {
		m.mu.Lock()
		// Re-check under the lock: a promotion may have published the
		// key while we blocked.
		read = m.loadSnapshot()
		e = read.getEntry(hash, key)
		if e == nil && read.isAmended() {
			e = m.dirty[key]
			// Count the miss whether or not the key was present:
			// this key stays on the slow path until promotion.
			m.missLocked()
		}
		m.mu.Unlock()
	}
	if e == nil {
		return value, false
	}
	return e.load()
}

// Store sets the value for a key.
func (m *Map[K, V]) Store(key K, value V, g *Guard) {
	m.Swap(key, value, g)
}

// Swap stores value for key and returns the previous value, if any. The
// loaded result reports whether the key was present.
func (m *Map[K, V]) Swap(key K, value V, g *Guard) (previous V, loaded bool) {
	m.checkGuard(g)
	hash := m.keyHash(noescape(unsafe.Pointer(&key)), m.seed)
	read := m.loadSnapshot()
	if e := read.getEntry(hash, key); e != nil {
		if v, ok := e.trySwap(&value); ok {
			if v == nil {
				return previous, false
			}
			return *v, true
		}
	}

	m.mu.Lock()
	read = m.loadSnapshot()
	if e := read.getEntry(hash, key); e != nil {
		if e.unexpungeLocked() {
			// The entry was expunged, which implies a non-nil dirty
			// map that does not contain it.
			m.dirty[key] = e
		}
		if v := e.swapLocked(&value); v != nil {
			loaded = true
			previous = *v
		}
	} else if e, ok := m.dirty[key]; ok {
		if v := e.swapLocked(&value); v != nil {
			loaded = true
			previous = *v
		}
	} else {
		if !read.isAmended() {
			// First new key for this snapshot: materialize the
			// overflow map and republish the snapshot as amended.
			m.dirtyLocked()
			storePtr(&m.read, unsafe.Pointer(read.withAmended()))
		}
		m.dirty[key] = newEntry(value)
	}
	m.mu.Unlock()
	return previous, loaded
}

// LoadOrStore returns the existing value for the key if present. Otherwise,
// it stores and returns the given value. The loaded result is true if the
// value was loaded, false if stored.
func (m *Map[K, V]) LoadOrStore(key K, value V, g *Guard) (actual V, loaded bool) {
	m.checkGuard(g)
	hash := m.keyHash(noescape(unsafe.Pointer(&key)), m.seed)
	// Avoid locking if it's a clean hit.
	read := m.loadSnapshot()
	if e := read.getEntry(hash, key); e != nil {
		actual, loaded, ok := e.tryLoadOrStore(value)
		if ok {
			return actual, loaded
		}
	}

	m.mu.Lock()
	read = m.loadSnapshot()
	if e := read.getEntry(hash, key); e != nil {
		if e.unexpungeLocked() {
			m.dirty[key] = e
		}
		actual, loaded, _ = e.tryLoadOrStore(value)
	} else if e, ok := m.dirty[key]; ok {
		actual, loaded, _ = e.tryLoadOrStore(value)
		m.missLocked()
	} else {
		if !read.isAmended() {
			m.dirtyLocked()
			storePtr(&m.read, unsafe.Pointer(read.withAmended()))
		}
		m.dirty[key] = newEntry(value)
		actual, loaded = value, false
	}
	m.mu.Unlock()
	return actual, loaded
}

// LoadAndUpdate replaces the value for key only if it is present and
// returns the previous value. Absent keys are left absent.
func (m *Map[K, V]) LoadAndUpdate(key K, value V, g *Guard) (previous V, loaded bool) {
	m.checkGuard(g)
	hash := m.keyHash(noescape(unsafe.Pointer(&key)), m.seed)
	read := m.loadSnapshot()
	e := read.getEntry(hash, key)
	if e == nil && read.isAmended() {
		m.mu.Lock()
		read = m.loadSnapshot()
		e = read.getEntry(hash, key)
		if e == nil && read.isAmended() {
			e = m.dirty[key]
			m.missLocked()
		}
		m.mu.Unlock()
	}
	for e != nil {
		p := loadPtr(&e.p)
		if p == nil || p == expunged {
			return previous, false
		}
		if opt.Race_ && p == poisoned {
			panic("syncmap: entry read after reclamation; guard missing or released too early")
		}
		vc := value
		if atomic.CompareAndSwapPointer(&e.p, p, unsafe.Pointer(&vc)) {
			return *(*V)(p), true
		}
	}
	return previous, false
}

// LoadAndDelete deletes the value for a key, returning the previous value
// if any. The loaded result reports whether the key was present.
func (m *Map[K, V]) LoadAndDelete(key K, g *Guard) (value V, loaded bool) {
	m.checkGuard(g)
	hash := m.keyHash(noescape(unsafe.Pointer(&key)), m.seed)
	read := m.loadSnapshot()
	e := read.getEntry(hash, key)
	if e == nil && read.isAmended() {
		m.mu.Lock()
		read = m.loadSnapshot()
		e = read.getEntry(hash, key)
		if e == nil && read.isAmended() {
			e = m.dirty[key]
			// The entry exists only in the overflow map; removing
			// it there removes it entirely.
			delete(m.dirty, key)
			m.missLocked()
		}
		m.mu.Unlock()
	}
	if e != nil {
		return e.delete()
	}
	return value, false
}

// Delete deletes the value for a key. Deleting an absent key is a no-op.
func (m *Map[K, V]) Delete(key K, g *Guard) {
	m.LoadAndDelete(key, g)
}

// CompareAndSwap swaps the old and new values for key if the value stored
// in the map is equal to old.
//
// Values must be configured as comparable: either V is a comparable type,
// or the map was built with WithValueEqual. Otherwise CompareAndSwap
// panics.
func (m *Map[K, V]) CompareAndSwap(key K, old V, new V, g *Guard) (swapped bool) {
	m.checkGuard(g)
	if m.valEqual == nil {
		panic("syncmap: CompareAndSwap called on map of non-comparable values; use WithValueEqual")
	}
	hash := m.keyHash(noescape(unsafe.Pointer(&key)), m.seed)
	read := m.loadSnapshot()
	if e := read.getEntry(hash, key); e != nil {
		return e.tryCompareAndSwap(m.valEqual, old, new)
	} else if !read.isAmended() {
		return false // No matching key.
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	read = m.loadSnapshot()
	if e := read.getEntry(hash, key); e != nil {
		swapped = e.tryCompareAndSwap(m.valEqual, old, new)
	} else if e, ok := m.dirty[key]; ok {
		swapped = e.tryCompareAndSwap(m.valEqual, old, new)
		// The lock was needed to reach the entry, so count a miss.
		m.missLocked()
	}
	return swapped
}

// CompareAndDelete deletes the entry for key if its value is equal to old.
// Absent keys return false.
//
// Values must be configured as comparable, as for CompareAndSwap.
func (m *Map[K, V]) CompareAndDelete(key K, old V, g *Guard) (deleted bool) {
	m.checkGuard(g)
	if m.valEqual == nil {
		panic("syncmap: CompareAndDelete called on map of non-comparable values; use WithValueEqual")
	}
	hash := m.keyHash(noescape(unsafe.Pointer(&key)), m.seed)
	read := m.loadSnapshot()
	e := read.getEntry(hash, key)
	if e == nil && read.isAmended() {
		m.mu.Lock()
		read = m.loadSnapshot()
		e = read.getEntry(hash, key)
		if e == nil && read.isAmended() {
			e = m.dirty[key]
			// Leave the entry in the overflow map: the compare part
			// still has to run, and a tombstoned entry is dropped on
			// the next rebuild anyway.
			m.missLocked()
		}
		m.mu.Unlock()
	}
	if e != nil {
		return e.tryCompareAndDelete(m.valEqual, old)
	}
	return false
}

// Compute performs a compute-style, atomic update for the given key.
//
// Callback signature:
//
//	fn(e *Entry[K, V])
//
//   - Use e.Loaded() and e.Value() to inspect the current state
//   - Use e.Update(newV) to upsert; use e.Delete() to remove
//   - No call means keep the entry unchanged
//
// fn runs regardless of whether the key exists. For keys reachable through
// the snapshot the update is applied with a compare-and-swap, and fn may
// run again when a concurrent writer gets there first; keep it pure. For
// new keys fn runs while the map's lock is held, so keep it lightweight.
//
// Returns:
//   - actual: the value as left by the callback; the zero value after a
//     delete or when no update happened on a missing key.
//   - loaded: true if the key existed before the callback.
func (m *Map[K, V]) Compute(
	key K,
	fn func(e *Entry[K, V]),
	g *Guard,
) (actual V, loaded bool) {
	m.checkGuard(g)
	hash := m.keyHash(noescape(unsafe.Pointer(&key)), m.seed)
	read := m.loadSnapshot()
	if e := read.getEntry(hash, key); e != nil {
		if actual, loaded, ok := computeEntry(e, key, fn); ok {
			return actual, loaded
		}
		// The entry is expunged; revival needs the lock.
	}

	m.mu.Lock()
	read = m.loadSnapshot()
	e := read.getEntry(hash, key)
	inRead := e != nil
	dirtyHit := false
	if e == nil && read.isAmended() {
		e, dirtyHit = m.dirty[key]
	}
	if e != nil {
		if e.unexpungeLocked() {
			m.dirty[key] = e
		}
		actual, loaded, _ = computeEntry(e, key, fn)
		if !inRead && loadPtr(&e.p) == nil {
			// A tombstone that only the overflow map can reach may as
			// well be removed outright.
			delete(m.dirty, key)
		}
	} else {
		it := Entry[K, V]{key: key}
		fn(noEscape(&it))
		if it.op == updateOp {
			if !read.isAmended() {
				m.dirtyLocked()
				storePtr(&m.read, unsafe.Pointer(read.withAmended()))
			}
			m.dirty[key] = newEntry(it.value)
			actual = it.value
		}
		loaded = false
	}
	if dirtyHit {
		m.missLocked()
	}
	m.mu.Unlock()
	return actual, loaded
}

// Range calls yield sequentially for each key and value present in the map.
// If yield returns false, Range stops the iteration.
//
// Range folds any overflow into a fresh snapshot first, then iterates that
// snapshot: the view is consistent as of that instant, and no lock is held
// while yield runs. Stores and deletes that land during the iteration may
// or may not be reflected.
func (m *Map[K, V]) Range(yield func(key K, value V) bool, g *Guard) {
	m.checkGuard(g)
	read := m.loadSnapshot()
	if read.isAmended() {
		m.mu.Lock()
		read = m.loadSnapshot()
		if read.isAmended() {
			m.promoteLocked()
			read = m.loadSnapshot()
		}
		m.mu.Unlock()
	}
	read.rangeEntries(func(k K, e *entry[V]) bool {
		v, ok := e.load()
		if !ok {
			return true
		}
		return yield(k, v)
	})
}

// All returns an iterator over the map's keys and values, for use with
// range. The guard must remain held for the duration of the iteration.
func (m *Map[K, V]) All(g *Guard) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		m.Range(yield, g)
	}
}

// Len returns the number of live entries. Like Range it folds overflow
// into a snapshot and then counts, so it is O(n); under concurrent writes
// the result is a point-in-time approximation.
func (m *Map[K, V]) Len(g *Guard) int {
	m.checkGuard(g)
	read := m.loadSnapshot()
	if read.isAmended() {
		m.mu.Lock()
		read = m.loadSnapshot()
		if read.isAmended() {
			m.promoteLocked()
			read = m.loadSnapshot()
		}
		m.mu.Unlock()
	}
	return read.countLive()
}

// Clear deletes all the entries, resulting in an empty Map.
func (m *Map[K, V]) Clear(g *Guard) {
	m.checkGuard(g)
	m.mu.Lock()
	read := m.loadSnapshot()
	if read != nil || m.dirty != nil {
		oldDirty := m.dirty
		storePtr(&m.read, nil)
		m.dirty = nil
		m.misses = 0

		// Everything the map held became unreachable at once; retire
		// it as a single batch. The sets are frozen here because no
		// future operation can revive entries the structure no longer
		// references.
		c := (*collector)(loadPtr(&m.coll))
		c.retire(func() {
			for _, e := range oldDirty {
				e.poison()
			}
			read.rangeEntries(func(_ K, e *entry[V]) bool {
				e.poison()
				return true
			})
		})
	}
	m.mu.Unlock()
}

// MapStats is Map statistics.
//
// Warning: these are diagnostics, not API. Fields may change meaning or
// disappear between minor releases.
type MapStats struct {
	// TableLen is the slot count of the read-only table.
	TableLen int
	// Live is the number of table entries currently holding a value.
	Live int
	// Tombstoned is the number of table entries without a value,
	// expunged ones included.
	Tombstoned int
	// Amended reports whether the overflow map holds keys the table
	// does not.
	Amended bool
	// Overflow is the size of the overflow map.
	Overflow int
	// Misses is the locked-fallback count since the last promotion.
	Misses int
	// Epoch is the collector's current reclamation epoch.
	Epoch uint64
	// PendingReclaim is the number of retired batches not yet freed.
	PendingReclaim int
	// Reclaimed is the total number of batches freed so far.
	Reclaimed uint64
}

// String returns a multi-line human-readable summary of the stats.
func (s MapStats) String() string {
	return fmt.Sprintf(
		"MapStats{table: %d, live: %d, tombstoned: %d, amended: %v, "+
			"overflow: %d, misses: %d, epoch: %d, pending: %d, reclaimed: %d}",
		s.TableLen, s.Live, s.Tombstoned, s.Amended,
		s.Overflow, s.Misses, s.Epoch, s.PendingReclaim, s.Reclaimed,
	)
}

// Stats returns a point-in-time view of the map's internals. It takes the
// lock and walks the whole table, so it is meant for tests, debugging and
// metrics, not for hot paths. No guard is needed.
func (m *Map[K, V]) Stats() MapStats {
	var stats MapStats
	m.mu.Lock()
	read := m.loadSnapshot()
	stats.TableLen = read.tableLen()
	read.rangeEntries(func(_ K, e *entry[V]) bool {
		if _, ok := e.load(); ok {
			stats.Live++
		} else {
			stats.Tombstoned++
		}
		return true
	})
	stats.Amended = read.isAmended()
	stats.Overflow = len(m.dirty)
	stats.Misses = m.misses
	if c := (*collector)(loadPtr(&m.coll)); c != nil {
		stats.Epoch = uint64(c.epoch.Load())
		stats.PendingReclaim = int(c.pending.Load())
		stats.Reclaimed = c.reclaimed.Load()
	}
	m.mu.Unlock()
	return stats
}

// ============================================================================
// Internals
// ============================================================================

//go:nosplit
func (m *Map[K, V]) loadSnapshot() *snapshot[K, V] {
	return (*snapshot[K, V])(loadPtr(&m.read))
}

// checkGuard validates the guard in race builds and compiles to nothing
// otherwise.
//
//go:nosplit
func (m *Map[K, V]) checkGuard(g *Guard) {
	if opt.Race_ {
		(*collector)(loadPtr(&m.coll)).check(g)
	}
}

// missLocked records a locked fallback and promotes the overflow map once
// misses have paid for the rebuild.
func (m *Map[K, V]) missLocked() {
	m.misses++
	if m.misses < len(m.dirty) {
		return
	}
	m.promoteLocked()
}

// promoteLocked publishes a fresh snapshot built from the overflow map and
// retires the old table along with the expunged entries it alone could
// reach.
func (m *Map[K, V]) promoteLocked() {
	old := m.loadSnapshot()
	next := buildSnapshot(m.dirty, m.keyHash, m.seed, m.minLen)
	storePtr(&m.read, unsafe.Pointer(next))
	m.dirty = nil
	m.misses = 0

	if old == nil {
		return
	}

	// Expunged entries are exactly the ones not carried into the new
	// table; their state is frozen now, so the set can be captured for
	// deferred poisoning.
	var dropped []*entry[V]
	old.rangeEntries(func(_ K, e *entry[V]) bool {
		if loadPtr(&e.p) == expunged {
			dropped = append(dropped, e)
		}
		return true
	})
	c := (*collector)(loadPtr(&m.coll))
	if len(dropped) == 0 {
		c.retire(nil)
		return
	}
	c.retire(func() {
		for _, e := range dropped {
			e.poison()
		}
	})
}

// dirtyLocked materializes the overflow map from the current snapshot.
// Tombstoned entries are expunged rather than copied; a concurrent store
// can still win that race and keep its entry live.
func (m *Map[K, V]) dirtyLocked() {
	if m.dirty != nil {
		return
	}
	read := m.loadSnapshot()
	m.dirty = make(map[K]*entry[V], read.tableLen())
	read.rangeEntries(func(k K, e *entry[V]) bool {
		if !e.tryExpungeLocked() {
			m.dirty[k] = e
		}
		return true
	})
}

// computeEntry runs fn against the entry's current state and applies the
// outcome with a compare-and-swap on the value pointer, rerunning fn when a
// concurrent writer moves first. Fails with ok==false on expunged entries,
// which only the locked path may revive.
func computeEntry[K comparable, V any](
	e *entry[V],
	key K,
	fn func(e *Entry[K, V]),
) (actual V, loaded, ok bool) {
	for {
		p := loadPtr(&e.p)
		if p == expunged {
			return actual, false, false
		}
		if opt.Race_ && p == poisoned {
			panic("syncmap: entry read after reclamation; guard missing or released too early")
		}
		it := Entry[K, V]{key: key}
		if p != nil {
			it.value = *(*V)(p)
			it.loaded = true
		}
		fn(noEscape(&it))
		switch it.op {
		case updateOp:
			vc := it.value
			if atomic.CompareAndSwapPointer(&e.p, p, unsafe.Pointer(&vc)) {
				return it.value, it.loaded, true
			}
		case deleteOp:
			if p == nil {
				// Already absent; the view said so.
				return actual, false, true
			}
			if atomic.CompareAndSwapPointer(&e.p, p, nil) {
				// Deletion reports the zero value, not the removed one.
				return actual, it.loaded, true
			}
		default:
			return it.value, it.loaded, true
		}
	}
}
