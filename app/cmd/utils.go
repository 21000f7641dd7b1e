package cmd

import (
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/apernet/quicmux/app/internal/sockopts"
)

type configError struct {
	Field string
	Err   error
}

func (e configError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Err)
}

func (e configError) Unwrap() error {
	return e.Err
}

// listenUDP binds the single socket of a loop. The server binds to addr,
// the client to an ephemeral port of addr's family.
func listenUDP(addr netip.AddrPort, server bool, so sockopts.SocketOptions) (*net.UDPConn, error) {
	network := "udp4"
	if addr.Addr().Is6() {
		network = "udp6"
	}
	if !server {
		return so.ListenUDP(network, nil)
	}
	return so.ListenUDP(network, net.UDPAddrFromAddrPort(addr))
}

// countingWriter counts the bytes written through it.
type countingWriter struct {
	W io.Writer
	N uint64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.W.Write(p)
	w.N += uint64(n)
	return n, err
}
