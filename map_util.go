package syncmap

import (
	"hash/maphash"
	"reflect"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cespare/xxhash/v2"

	"github.com/behrouz-rfa/syncmap/internal/opt"
)

// ============================================================================
// Private Constants
// ============================================================================

const (
	intSize = 32 << (^uint(0) >> 63) // 32 or 64
)

// Sizing configuration for the read-only probe table
const (
	// loadFactor: maximum occupancy of a probe table. Kept at 3/4 so probe
	// sequences stay short even right after a promotion.
	loadFactor = 0.75
	// minTableLen: minimum number of slots in a probe table
	minTableLen = 8
)

type computeOp uint8

const (
	// cancelOp signals to Compute to not do anything
	cancelOp computeOp = iota
	// updateOp signals to Compute to update the entry
	updateOp
	// deleteOp signals to Compute to delete the entry
	deleteOp
)

// ============================================================================
// Utility Functions
// ============================================================================

// calcTableLen computes the slot count needed to keep size entries at or
// below loadFactor occupancy.
// return value must be a power of 2
//
//go:nosplit
func calcTableLen(size int) int {
	if size <= minTableLen-minTableLen/4 {
		return minTableLen
	}
	// smallest power of 2 with size <= tableLen*3/4
	return nextPowOf2((size*4 + 2) / 3)
}

// nextPowOf2 calculates the smallest power of 2 that is greater than or equal
// to n.
// Compatible with both 32-bit and 64-bit systems.
//
//go:nosplit
func nextPowOf2(n int) int {
	if n <= 0 {
		return 1
	}
	v := n - 1
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	if intSize == 64 {
		v |= v >> 32
	}
	return v + 1
}

// fold64 folds a 64-bit hash into a uintptr without losing the high half on
// 32-bit systems.
//
//go:nosplit
func fold64(h uint64) uintptr {
	if intSize == 64 {
		return uintptr(h)
	}
	return uintptr(h) ^ uintptr(h>>32)
}

// noescape hides a pointer from escape analysis. noescape is
// the identity function, but escape analysis doesn't think the
// output depends on the input.  noescape is inlined and currently
// compiles down to zero instructions.
// USE CAREFULLY!
//
//go:nosplit
//go:nocheckptr
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	//nolint:all
	//goland:noinspection ALL
	return unsafe.Pointer(x ^ 0)
}

//go:nosplit
//go:nocheckptr
func noEscape[T any](p *T) *T {
	return (*T)(noescape(unsafe.Pointer(p)))
}

// ============================================================================
// Slice Utilities
// ============================================================================

// unsafeSlice provides semi-ergonomic limited slice-like functionality
// without bounds checking for fixed sized slices.
type unsafeSlice[T any] struct {
	ptr unsafe.Pointer
}

func makeUnsafeSlice[T any](s []T) unsafeSlice[T] {
	return unsafeSlice[T]{ptr: unsafe.Pointer(unsafe.SliceData(s))}
}

//go:nosplit
func (s unsafeSlice[T]) At(i int) *T {
	return (*T)(unsafe.Add(s.ptr, unsafe.Sizeof(*new(T))*uintptr(i)))
}

// ============================================================================
// Locker Utilities
// ============================================================================

// noCopy may be added to structs which must not be copied
// after the first use.
//
// See https://golang.org/issues/8005#issuecomment-190753527
// for details.
//
// Note that it must not be embedded, due to the Lock and Unlock methods.
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

func trySpin(spins *int) bool {
	if runtime_canSpin(*spins) {
		*spins++
		runtime_doSpin()
		return true
	}
	return false
}

func delay(spins *int) {
	if trySpin(spins) {
		return
	}
	*spins = 0
	// time.Sleep with non-zero duration (≈Millisecond level) works
	// effectively as backoff under high concurrency.
	// The 500µs duration is derived from Facebook/folly's implementation:
	// https://github.com/facebook/folly/blob/main/folly/synchronization/detail/Sleeper.h
	time.Sleep(500 * time.Microsecond)
}

// nolint:all
//
//go:linkname runtime_canSpin sync.runtime_canSpin
//goland:noinspection ALL
func runtime_canSpin(i int) bool

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
//goland:noinspection ALL
func runtime_doSpin()

// ============================================================================
// Hash Utilities
// ============================================================================

// spread improves hash distribution by XORing the original hash with its high
// bits.
// This function increases randomness in the lower bits of the hash value,
// which is what the probe table indexes on. It is essential for the identity
// hashers on integer keys, whose entropy otherwise sits wherever the key
// values put it.
//
//go:nosplit
func spread(h uintptr) uintptr {
	h ^= h >> 16
	h ^= h >> 8
	h ^= h >> 4
	// Multiply by odd constant to ensure all bits contribute to the low
	// bits. 0x9e3779b1 is the golden ratio hash constant (32-bit);
	// 0x9e3779b97f4a7c15 for 64-bit systems.
	if unsafe.Sizeof(h) == 8 {
		var c64 uint64 = 0x9e3779b97f4a7c15
		h *= uintptr(c64)
	} else {
		var c32 uint32 = 0x9e3779b1
		h *= uintptr(c32)
	}
	return h
}

type (
	// HashFunc is the function to hash a value of type K.
	HashFunc func(ptr unsafe.Pointer, seed uintptr) uintptr
	// EqualFunc is the function to compare two values of type V.
	EqualFunc func(ptr unsafe.Pointer, other unsafe.Pointer) bool
)

// defaultKeyHasher selects a hash function for type K. Integer kinds hash as
// themselves (the probe table spreads at index time), strings go through
// hashString, and everything else comparable falls back to the runtime's
// collision-resistant hash via hash/maphash.
func defaultKeyHasher[K comparable]() HashFunc {
	switch any(*new(K)).(type) {
	case uint, int, uintptr:
		return hashUintptr
	case uint64, int64:
		if intSize == 64 {
			return hashUint64
		}
		return hashUint64On32Bit
	case uint32, int32:
		return hashUint32
	case uint16, int16:
		return hashUint16
	case uint8, int8:
		return hashUint8
	case string:
		return hashString
	default:
		// for named types like `type ID uint64`
		switch reflect.TypeFor[K]().Kind() {
		case reflect.Uint, reflect.Int, reflect.Uintptr:
			return hashUintptr
		case reflect.Int64, reflect.Uint64:
			if intSize == 64 {
				return hashUint64
			}
			return hashUint64On32Bit
		case reflect.Int32, reflect.Uint32:
			return hashUint32
		case reflect.Int16, reflect.Uint16:
			return hashUint16
		case reflect.Int8, reflect.Uint8:
			return hashUint8
		case reflect.String:
			return hashString
		default:
			return hashComparable[K]
		}
	}
}

// defaultValueEqual returns an equality function for type V, or nil when V is
// not comparable. Compare-and-swap operations require a non-nil result.
func defaultValueEqual[V any]() EqualFunc {
	if !reflect.TypeFor[V]().Comparable() {
		return nil
	}
	return func(ptr unsafe.Pointer, other unsafe.Pointer) bool {
		return any(*(*V)(ptr)) == any(*(*V)(other))
	}
}

//go:nosplit
func hashUintptr(ptr unsafe.Pointer, _ uintptr) uintptr {
	return *(*uintptr)(ptr)
}

//go:nosplit
func hashUint64On32Bit(ptr unsafe.Pointer, _ uintptr) uintptr {
	v := *(*uint64)(ptr)
	return uintptr(v) ^ uintptr(v>>32)
}

//go:nosplit
func hashUint64(ptr unsafe.Pointer, _ uintptr) uintptr {
	return uintptr(*(*uint64)(ptr))
}

//go:nosplit
func hashUint32(ptr unsafe.Pointer, _ uintptr) uintptr {
	return uintptr(*(*uint32)(ptr))
}

//go:nosplit
func hashUint16(ptr unsafe.Pointer, _ uintptr) uintptr {
	return uintptr(*(*uint16)(ptr))
}

//go:nosplit
func hashUint8(ptr unsafe.Pointer, _ uintptr) uintptr {
	return uintptr(*(*uint8)(ptr))
}

//go:nosplit
func hashString(ptr unsafe.Pointer, seed uintptr) uintptr {
	// Short strings hash inline; the loop has good cache affinity and
	// beats the function call below up to about two words of data.
	type stringHeader struct {
		data unsafe.Pointer
		len  int
	}
	s := (*stringHeader)(ptr)
	if s.len <= 12 {
		for i := range s.len {
			seed = seed*31 + uintptr(*(*uint8)(unsafe.Add(s.data, i)))
		}
		return seed
	}
	return fold64(xxhash.Sum64String(*(*string)(ptr))) ^ seed
}

// comparableSeed is the process-wide seed for the maphash fallback. The
// per-map seed is mixed in afterwards so distinct maps still probe
// differently.
var comparableSeed = maphash.MakeSeed()

func hashComparable[K comparable](ptr unsafe.Pointer, seed uintptr) uintptr {
	return fold64(maphash.Comparable(comparableSeed, *(*K)(ptr))) ^ seed
}

// ============================================================================
// Atomic Utilities
// ============================================================================

// isTSO_ detects TSO architectures; on TSO, plain reads/writes are safe for
// pointers and native word-sized integers
const isTSO_ = !opt.Race_ &&
	(runtime.GOARCH == "amd64" ||
		runtime.GOARCH == "386" ||
		runtime.GOARCH == "s390x")

// loadPtr loads a pointer atomically on non-TSO architectures.
// On TSO architectures, it performs a plain pointer load.
//
//go:nosplit
func loadPtr(addr *unsafe.Pointer) unsafe.Pointer {
	if opt.Race_ {
		return atomic.LoadPointer(addr)
	} else {
		if isTSO_ {
			return *addr
		} else {
			return atomic.LoadPointer(addr)
		}
	}
}

// storePtr stores a pointer atomically on non-TSO architectures.
// On TSO architectures, it performs a plain pointer store.
//
//go:nosplit
func storePtr(addr *unsafe.Pointer, val unsafe.Pointer) {
	if opt.Race_ {
		atomic.StorePointer(addr, val)
	} else {
		if isTSO_ {
			*addr = val
		} else {
			atomic.StorePointer(addr, val)
		}
	}
}
