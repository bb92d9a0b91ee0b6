//go:build !syncmap_enable_padding && !syncmap_disable_padding && !amd64 && !arm64 && !ppc64 && !ppc64le && !riscv64 && !s390x

package opt

// CounterStripe_ is a single cell of a striped counter or announcement
// array. On 32-bit and small-core targets the cells are packed.
type CounterStripe_ struct {
	N uintptr
}
