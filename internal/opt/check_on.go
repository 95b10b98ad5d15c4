//go:build biaslock_checks

package opt

// Checks_ reports whether contract checking is compiled in.
// Use: go build -tags=biaslock_checks
const Checks_ = true

// Assert_ panics with the given message when the condition does not hold.
// Callers guard hot-path checks with Checks_ so the release build carries
// no branch at all.
func Assert_(ok bool, msg string) {
	if !ok {
		panic(msg)
	}
}
