package opt

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize_ is the alignment unit used for padded, per-core data
// structures such as [CounterStripe_].
const CacheLineSize_ = unsafe.Sizeof(cpu.CacheLinePad{})
