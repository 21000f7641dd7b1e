//go:build unix

package transport

import (
	"errors"
	"net/netip"

	"golang.org/x/sys/unix"
)

var errUnsupported error

// peek checks for a queued datagram without consuming it.
// done is false when the socket would block and the caller should wait.
func peek(fd uintptr) (ready, done bool) {
	var b [1]byte
	for {
		_, _, err := unix.Recvfrom(int(fd), b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case err == nil:
			return true, true
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			return false, false
		default:
			// A pending socket error. Report readable so that Receive
			// consumes it.
			return true, true
		}
	}
}

// recv reads one datagram without blocking. Empty datagrams and pending
// socket errors are consumed and skipped; ok is false once the socket has
// nothing left to read.
func recv(fd uintptr, b []byte) (n int, addr netip.AddrPort, ok bool, err error) {
	for {
		n, from, err := unix.Recvfrom(int(fd), b, unix.MSG_DONTWAIT)
		switch {
		case err == nil:
			if n <= 0 {
				continue
			}
			addr, ok = sockaddrToAddrPort(from)
			if !ok {
				continue
			}
			return n, addr, true, nil
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			return 0, netip.AddrPort{}, false, nil
		case isRetryable(err):
			continue
		default:
			return 0, netip.AddrPort{}, false, err
		}
	}
}

func sockaddrToAddrPort(sa unix.Sockaddr) (netip.AddrPort, bool) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), true
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port)), true
	default:
		return netip.AddrPort{}, false
	}
}

// isRetryable reports errors that only concern a single datagram:
// interrupted calls and ICMP errors queued on the socket.
func isRetryable(err error) bool {
	return errors.Is(err, unix.EINTR) ||
		errors.Is(err, unix.ECONNREFUSED) ||
		errors.Is(err, unix.EHOSTUNREACH) ||
		errors.Is(err, unix.ENETUNREACH)
}
