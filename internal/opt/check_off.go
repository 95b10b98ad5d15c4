//go:build !biaslock_checks

package opt

// Checks_ reports whether contract checking is compiled in.
const Checks_ = false

// Assert_ is a no-op without the biaslock_checks build tag.
//
//go:nosplit
func Assert_(bool, string) {
}
