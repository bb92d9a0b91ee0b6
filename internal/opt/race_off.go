//go:build !race

package opt

// Race_ reports whether the race detector is enabled for this build.
const Race_ = false
