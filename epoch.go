package syncmap

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/behrouz-rfa/syncmap/internal/opt"
)

// Guard pins the calling goroutine into the map's current reclamation epoch.
//
// Every map operation takes a guard. While a guard is held, no snapshot or
// entry the holder can reach is reclaimed, so lock-free reads never observe
// freed state. Guards are cheap to acquire and are pooled; the intended
// pattern is one guard per operation batch:
//
//	g := m.Guard()
//	defer g.Release()
//	v, ok := m.Load(key, g)
//
// A Guard is not safe for concurrent use; acquire one per goroutine. Hold
// guards briefly: a pinned guard blocks epoch advancement, and with it all
// reclamation, for the entire map. Release is idempotent, but any use of a
// guard after Release is undefined behavior (race builds panic on it).
type Guard struct {
	_    noCopy
	c    *collector
	slot *opt.CounterStripe_
}

// Release unpins the guard and returns it to the pool. Entries read under
// the guard must not be touched afterwards.
func (g *Guard) Release() {
	c := g.c
	if c == nil || g.slot == nil {
		return
	}
	c.unpin(g)
	c.guardPool.Put(g)
}

// collector implements epoch-based reclamation for one map.
//
// The scheme is the classic three-epoch one. A global epoch only ever
// increments. Readers announce the epoch they entered in a striped slot
// array; slot value 0 means free. The epoch can advance from e to e+1 only
// when every announced slot equals e, which proves no reader pinned before e
// remains.
//
// Retired objects land in bags[e%3], where e is the epoch at retirement.
// The goroutine that wins an advance from e drains bags[(e+2)%3]: that bag
// was filled during epoch e-1, and two completed advances since then
// guarantee every reader that could have seen its objects has unpinned.
// The winner re-checks the epoch under the bag lock and drains only while
// it is still the latest advance; a winner that lagged behind further
// advances leaves the bag alone, since it may hold retirements from a
// newer epoch whose readers are still pinned.
//
// Reclamation is driven opportunistically, by retirement itself and by
// guard release. There is no background goroutine; an idle map does no
// work.
type collector struct {
	epoch atomic.Uintptr
	// slots holds reader announcements, one per pinned guard. Sized to
	// GOMAXPROCS at creation; claiming spins when oversubscribed, so
	// guards must stay short-lived.
	slots []opt.CounterStripe_

	bagMu ticketLock
	bags  [3][]func()

	// pending counts retired-but-unreclaimed objects, reclaimed the
	// total freed. Both feed Stats and gate advance attempts.
	pending   atomic.Int64
	reclaimed atomic.Uint64

	guardPool sync.Pool
}

func newCollector() *collector {
	c := &collector{
		slots: make(
			[]opt.CounterStripe_,
			max(16, nextPowOf2(4*runtime.GOMAXPROCS(0))),
		),
	}
	// Epoch 0 is reserved to mean "slot free".
	c.epoch.Store(1)
	c.guardPool.New = func() any { return new(Guard) }
	return c
}

// acquire pins a pooled guard into the current epoch.
func (c *collector) acquire() *Guard {
	g := c.guardPool.Get().(*Guard)
	g.c = c
	c.pin(g)
	return g
}

// pin claims a free announcement slot and publishes the current epoch in
// it. The announcement is re-confirmed until it matches the global epoch, so
// a claim that straddles an advance can never pin an epoch older than the
// advance scan allows.
func (c *collector) pin(g *Guard) {
	e := c.epoch.Load()
	var spins int
	for {
		for i := range c.slots {
			sl := &c.slots[i]
			if atomic.LoadUintptr(&sl.N) != 0 {
				continue
			}
			if !atomic.CompareAndSwapUintptr(&sl.N, 0, e) {
				continue
			}
			for {
				cur := c.epoch.Load()
				if cur == e {
					g.slot = sl
					return
				}
				atomic.StoreUintptr(&sl.N, cur)
				e = cur
			}
		}
		// Every slot is taken: more live guards than the array was
		// sized for. Back off and rescan; slots free as guards are
		// released.
		delay(&spins)
		e = c.epoch.Load()
	}
}

func (c *collector) unpin(g *Guard) {
	sl := g.slot
	g.slot = nil
	atomic.StoreUintptr(&sl.N, 0)
	if c.pending.Load() != 0 {
		c.collect()
	}
}

// retire schedules free to run once two epoch advances prove no reader can
// still hold the retired object. free may be nil when only the deferral
// itself matters; it still counts as pending until reclaimed.
func (c *collector) retire(free func()) {
	e := c.epoch.Load()
	c.bagMu.Lock()
	c.bags[e%3] = append(c.bags[e%3], free)
	c.bagMu.Unlock()
	c.pending.Add(1)
	c.collect()
}

// collect advances the epoch as far as current readers allow, reclaiming
// aged bags along the way. With no pinned guards, a retired object is freed
// after two advances; with a pinned guard, advancement stops at the guard's
// epoch and resumes on its release.
func (c *collector) collect() {
	for c.pending.Load() != 0 && c.tryAdvance() {
	}
}

// tryAdvance performs a single epoch advance if no reader is pinned in an
// older epoch. The winner of the advance drains the bag that has aged two
// full epochs.
func (c *collector) tryAdvance() bool {
	g := c.epoch.Load()
	for i := range c.slots {
		e := atomic.LoadUintptr(&c.slots[i].N)
		if e != 0 && e != g {
			return false
		}
	}
	if !c.epoch.CompareAndSwap(g, g+1) {
		// Another advancer won; let it do the draining.
		return false
	}

	c.bagMu.Lock()
	if c.epoch.Load() != g+1 {
		// The epoch moved again before the lock was taken, so the bag
		// may since have been refilled with retirements whose readers
		// are still pinned. A later advance cycles back to it.
		c.bagMu.Unlock()
		return true
	}
	drained := c.bags[(g+2)%3]
	c.bags[(g+2)%3] = nil
	c.bagMu.Unlock()
	if len(drained) == 0 {
		return true
	}

	c.pending.Add(-int64(len(drained)))
	for _, free := range drained {
		if free != nil {
			free()
		}
	}
	c.reclaimed.Add(uint64(len(drained)))
	return true
}

// check verifies guard discipline. Compiled out of normal builds; race
// builds turn guard misuse into a panic at the point of error instead of
// silent undefined behavior.
//
//go:nosplit
func (c *collector) check(g *Guard) {
	if !opt.Race_ {
		return
	}
	if g == nil {
		panic("syncmap: nil guard passed to a map operation")
	}
	if g.slot == nil {
		panic("syncmap: guard used after Release")
	}
	if g.c != c {
		panic("syncmap: guard was acquired from a different map")
	}
}

// ticketLock is a fair, FIFO spin-lock.
//
// It guards the retirement bags. Bag critical sections are a single append
// or slice swap, short enough that spinning with adaptive backoff beats
// parking, and the strict FIFO order keeps retirement latency flat under
// contention.
type ticketLock struct {
	_       noCopy
	next    atomic.Uint32
	serving atomic.Uint32
}

// Lock acquires the lock. Blocks until the lock is available.
func (l *ticketLock) Lock() {
	my := l.next.Add(1) - 1
	var spins int
	for {
		if l.serving.Load() == my {
			return
		}
		delay(&spins)
	}
}

// Unlock releases the lock.
func (l *ticketLock) Unlock() {
	l.serving.Add(1)
}
