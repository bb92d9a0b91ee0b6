//go:build syncmap_enable_padding

package opt

import "unsafe"

// CounterStripe_ is a single cell of a striped counter or announcement
// array, padded so that neighbouring cells never share a cache line.
type CounterStripe_ struct {
	N uintptr
	_ [CacheLineSize_ - unsafe.Sizeof(uintptr(0))]byte
}
