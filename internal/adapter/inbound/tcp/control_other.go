//go:build !unix

package tcp

import "syscall"

// listenControl is a no-op on platforms without SO_REUSEADDR semantics
// worth setting here.
func listenControl(network, address string, c syscall.RawConn) error {
	return nil
}
