//go:build !unix

package transport

import (
	"errors"
	"net/netip"
)

var errUnsupported = errors.New("readiness wait is not supported on this platform")

func peek(fd uintptr) (ready, done bool) {
	return true, true
}

func recv(fd uintptr, b []byte) (int, netip.AddrPort, bool, error) {
	return 0, netip.AddrPort{}, false, errUnsupported
}
