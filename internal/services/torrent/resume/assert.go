//go:build !resumedebug

package resume

// debugInvariants turns invariant violations into panics. Enable with the
// resumedebug build tag.
const debugInvariants = false
