//go:build resumedebug

package resume

const debugInvariants = true
