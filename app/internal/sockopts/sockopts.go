package sockopts

import (
	"context"
	"fmt"
	"net"
	"syscall"
)

type SocketOptions struct {
	ReuseAddr bool
	// Kernel buffer sizes in bytes, zero keeps the system default.
	ReceiveBuffer int
	SendBuffer    int
}

// implemented in platform-specific files
var reuseAddrFunc func(fd int) error

func (o *SocketOptions) CheckSupported() error {
	if o.ReuseAddr && reuseAddrFunc == nil {
		return &UnsupportedError{"reuseAddr"}
	}
	return nil
}

type UnsupportedError struct {
	Field string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s is not supported on this platform", e.Field)
}

// ListenUDP binds a UDP socket to laddr with the options applied before bind.
// network is one of "udp", "udp4" and "udp6".
func (o *SocketOptions) ListenUDP(network string, laddr *net.UDPAddr) (*net.UDPConn, error) {
	if err := o.CheckSupported(); err != nil {
		return nil, err
	}
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return o.control(c)
		},
	}
	var addr string
	if laddr != nil {
		addr = laddr.String()
	}
	pc, err := lc.ListenPacket(context.Background(), network, addr)
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)
	if err := o.applyBuffers(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (o *SocketOptions) applyBuffers(conn *net.UDPConn) error {
	if o.ReceiveBuffer > 0 {
		if err := conn.SetReadBuffer(o.ReceiveBuffer); err != nil {
			return fmt.Errorf("failed to set receive buffer: %w", err)
		}
	}
	if o.SendBuffer > 0 {
		if err := conn.SetWriteBuffer(o.SendBuffer); err != nil {
			return fmt.Errorf("failed to set send buffer: %w", err)
		}
	}
	return nil
}

func (o *SocketOptions) control(c syscall.RawConn) error {
	if !o.ReuseAddr {
		return nil
	}
	var err error
	cerr := c.Control(func(fd uintptr) {
		err = reuseAddrFunc(int(fd))
	})
	if cerr != nil {
		return fmt.Errorf("failed to control fd: %w", cerr)
	}
	if err != nil {
		return fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}
	return nil
}
