//go:build syncmap_disable_padding && !syncmap_enable_padding

package opt

// CounterStripe_ is a single cell of a striped counter or announcement
// array. Padding is disabled, cells are packed.
type CounterStripe_ struct {
	N uintptr
}
