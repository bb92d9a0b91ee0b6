package syncmap

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// OnceGroupResult holds the results of Do, so they can be passed on a channel.
type OnceGroupResult[V any] struct {
	Val    V
	Err    error
	Shared bool
}

// call represents an in-flight or completed OnceGroup.Do call
type call[V any] struct {
	wg        sync.WaitGroup
	val       V
	err       error
	dups      int32
	chans     []chan<- OnceGroupResult[V]
	completed int32
}

// OnceGroup represents a class of work and forms a namespace in
// which units of work can be executed with duplicate suppression.
//
// It is a generic, allocation-light equivalent of x/sync/singleflight
// built directly on [Map]; guards are managed internally, so callers
// never see them.
type OnceGroup[K comparable, V any] struct {
	m Map[K, *call[V]]
}

// Do executes and returns the results of the given function, making
// sure that only one execution is in-flight for a given key at a
// time. If a duplicate comes in, the duplicate caller waits for the
// original to complete and receives the same results.
// The return value shared indicates whether v was given to multiple callers.
func (g *OnceGroup[K, V]) Do(
	key K,
	fn func() (V, error),
) (V, error, bool) {
	primary := &call[V]{}
	primary.wg.Add(1)
	gd := g.m.Guard()
	c, loaded := g.m.LoadOrStore(key, primary, gd)
	if loaded {
		// Mark duplication through the entry itself so shared=true is
		// visible to the primary before it broadcasts.
		_, _ = g.m.Compute(key, func(it *Entry[K, *call[V]]) {
			if it.Loaded() {
				atomic.AddInt32(&it.Value().dups, 1)
			}
		}, gd)
		gd.Release()

		c.wg.Wait()
		var e *panicError
		if errors.As(c.err, &e) {
			panic(e)
		} else if errors.Is(c.err, errGoexit) {
			runtime.Goexit()
		}
		return c.val, c.err, true
	}
	// fn can run for a long time; do not pin the epoch across it.
	gd.Release()

	// Primary executes with panic/Goexit semantics compatible with
	// x/sync/singleflight.
	g.doCall(c, key, fn)
	shared := atomic.LoadInt32(&c.dups) > 0 || len(c.chans) > 1
	return c.val, c.err, shared
}

// DoChan is like Do but returns a channel that will receive the
// results when they are ready.
//
// The returned channel will not be closed.
func (g *OnceGroup[K, V]) DoChan(
	key K,
	fn func() (V, error),
) <-chan OnceGroupResult[V] {
	ch := make(chan OnceGroupResult[V], 1)
	c0 := &call[V]{
		chans: append(
			make([]chan<- OnceGroupResult[V], 0, runtime.GOMAXPROCS(0)),
			ch,
		),
	}
	c0.wg.Add(1)
	gd := g.m.Guard()
	c, loaded := g.m.LoadOrStore(key, c0, gd)
	if loaded {
		// Duplicates: if already completed, send immediately;
		// otherwise wait on wg and send.
		if atomic.LoadInt32(&c.completed) == 1 {
			gd.Release()
			shared := atomic.LoadInt32(&c.dups) > 0 || len(c.chans) > 1
			ch <- OnceGroupResult[V]{Val: c.val, Err: c.err, Shared: shared}
			return ch
		}
		// Mark duplication for shared flag visibility
		_, _ = g.m.Compute(key, func(it *Entry[K, *call[V]]) {
			if it.Loaded() {
				atomic.AddInt32(&it.Value().dups, 1)
			}
		}, gd)
		gd.Release()
		go func(c *call[V], ch chan<- OnceGroupResult[V]) {
			c.wg.Wait()
			var e *panicError
			switch {
			case errors.As(c.err, &e):
				go panic(e)
				select {}
			case errors.Is(c.err, errGoexit):
				return
			default:
				shared := atomic.LoadInt32(&c.dups) > 0 || len(c.chans) > 1
				ch <- OnceGroupResult[V]{Val: c.val, Err: c.err, Shared: shared}
			}
		}(c, ch)
		return ch
	}
	gd.Release()
	go g.doCall(c, key, fn)
	return ch
}

// Forget tells the group to stop tracking a key. Future calls
// to Do for this key will invoke the function rather than waiting for
// an existing call to complete.
func (g *OnceGroup[K, V]) Forget(key K) {
	gd := g.m.Guard()
	g.m.Delete(key, gd)
	gd.Release()
}

// ForgetUnshared deletes the key only if no duplicates joined.
func (g *OnceGroup[K, V]) ForgetUnshared(key K) bool {
	deleted := false
	gd := g.m.Guard()
	_, _ = g.m.Compute(
		key,
		func(it *Entry[K, *call[V]]) {
			// The callback can rerun under contention; derive the
			// outcome from the state it sees, never accumulate.
			deleted = false
			if it.Loaded() && atomic.LoadInt32(&it.Value().dups) == 0 {
				it.Delete()
				deleted = true
			}
		},
		gd,
	)
	gd.Release()
	return deleted
}

// doCall runs fn with panic/Goexit semantics and broadcasts results.
func (g *OnceGroup[K, V]) doCall(
	c *call[V],
	key K,
	fn func() (V, error),
) {
	normalReturn := false
	recovered := false

	defer func() {
		// Mark Goexit if the goroutine terminated without normal return
		// and without a recovered panic.
		if !normalReturn && !recovered {
			c.err = errGoexit
		}

		// Complete the call and collect broadcast targets.
		c.wg.Done()
		atomic.StoreInt32(&c.completed, 1)

		var chs []chan<- OnceGroupResult[V]
		gd := g.m.Guard()
		_, _ = g.m.Compute(
			key,
			func(it *Entry[K, *call[V]]) {
				if it.Loaded() && it.Value() == c {
					chs = append(chs, it.Value().chans...)
				}
			},
			gd,
		)
		gd.Release()
		if len(chs) == 0 {
			chs = c.chans
		}

		// After wg.Done, duplicates in Do() will wake and re-panic/goexit.
		var e *panicError
		switch {
		case errors.As(c.err, &e):
			// Match x/sync: ensure panic is unrecoverable and visible.
			if len(chs) > 0 {
				//goland:noinspection All
				go panic(e)
				select {}
			} else {
				panic(e)
			}
		case errors.Is(c.err, errGoexit):
			// Primary goroutine already Goexit'ed; nothing to do here.
		default:
			// Normal return: notify DoChan waiters.
			shared := atomic.LoadInt32(&c.dups) > 0 || len(c.chans) > 1
			for _, ch := range chs {
				ch <- OnceGroupResult[V]{Val: c.val, Err: c.err, Shared: shared}
			}
		}
	}()

	// Distinguish panic from Goexit via double-defer with inner wrapper,
	// matching the structure of the official implementation.
	func() {
		defer func() {
			if !normalReturn {
				// Only recover when not a normal return, so we can
				// differentiate panic vs Goexit.
				if r := recover(); r != nil {
					c.err = newPanicError(r)
				}
			}
		}()

		c.val, c.err = fn()
		normalReturn = true
	}()

	if !normalReturn {
		recovered = true
	}
}

// -------------------------
// Panic/Goexit handling
// -------------------------

// panicError mirrors the type used by x/sync/singleflight.
// A panicError is an arbitrary value recovered from a panic
// with the stack trace during the execution of given function.
type panicError struct {
	value any
	stack []byte
}

// Error implements error interface.
func (p *panicError) Error() string {
	return fmt.Sprintf("%v\n\n%s", p.value, p.stack)
}

// Unwrap returns the underlying error value, if any.
func (p *panicError) Unwrap() error {
	if err, ok := p.value.(error); ok {
		return err
	}
	return nil
}

func newPanicError(v any) error {
	stack := debug.Stack()
	// Trim first line "goroutine N [status]:" which can be misleading.
	if line := bytes.IndexByte(stack, '\n'); line >= 0 {
		stack = stack[line+1:]
	}
	return &panicError{value: v, stack: stack}
}

var errGoexit = errors.New("runtime.Goexit was called")
