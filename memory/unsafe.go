package memory

import "unsafe"

// unsafeAddr returns the address of b's backing array. Isolated in its own
// file so the single permitted unsafe.Pointer use in this package is easy
// to audit.
func unsafeAddr(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}
