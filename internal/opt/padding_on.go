//go:build !syncmap_enable_padding && !syncmap_disable_padding && (amd64 || arm64 || ppc64 || ppc64le || riscv64 || s390x)

package opt

import "unsafe"

// CounterStripe_ is a single cell of a striped counter or announcement
// array, padded so that neighbouring cells never share a cache line.
type CounterStripe_ struct {
	N uintptr
	_ [CacheLineSize_ - unsafe.Sizeof(uintptr(0))]byte
}
