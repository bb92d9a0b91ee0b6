package syncmap

// LockGroup allows locking on arbitrary keys (string, int, struct, etc.).
// It dynamically manages a set of locks associated with keys.
//
// Features:
//   - Infinite keys: no need to pre-allocate locks.
//   - Auto-cleanup: a lock is removed from memory once unlocked with no
//     waiters left.
//   - Fairness: waiters on one key acquire in FIFO order.
//
// Usage:
//
//	var group LockGroup[string]
//	group.Lock("user-123")
//	// Critical section for user-123
//	group.Unlock("user-123")
//
// Implementation note:
// Entries are reference counted so a key's lock is only deleted when the
// last holder or waiter is done with it. The entry value is kept small and
// copied on every update, which keeps the update callbacks idempotent.
type LockGroup[K comparable] struct {
	_ noCopy
	m Map[K, lockGroupEntry]
}

type lockGroupEntry struct {
	mu  *ticketLock
	ref int32
}

// Lock acquires the lock for key k, blocking while another goroutine holds
// it. Locks for distinct keys are independent.
func (g *LockGroup[K]) Lock(k K) {
	gd := g.m.Guard()
	v, _ := g.m.Compute(k, func(e *Entry[K, lockGroupEntry]) {
		val := e.Value()
		if !e.Loaded() {
			val = lockGroupEntry{mu: new(ticketLock)}
		}
		val.ref++
		e.Update(val)
	}, gd)
	gd.Release()
	v.mu.Lock()
}

// Unlock releases the lock for key k and drops the key once no holder or
// waiter references it.
func (g *LockGroup[K]) Unlock(k K) {
	gd := g.m.Guard()
	v, ok := g.m.Load(k, gd)
	if !ok {
		gd.Release()
		return
	}
	v.mu.Unlock()

	g.m.Compute(k, func(e *Entry[K, lockGroupEntry]) {
		if !e.Loaded() {
			return
		}
		val := e.Value()
		val.ref--
		if val.ref <= 0 {
			e.Delete()
		} else {
			e.Update(val)
		}
	}, gd)
	gd.Release()
}
