package quicgo

import (
	"net"
	"net/netip"
	"os"
	"sync"
	"time"
)

const pipeQueueLen = 256

type datagram struct {
	b    []byte
	addr netip.AddrPort
}

// pipeConn is the net.PacketConn a quic.Transport runs on. Datagrams read
// from the real socket are pushed in with Feed, and everything quic-go
// writes is handed to the write callback instead of a socket.
type pipeConn struct {
	local   net.Addr
	onWrite func(b []byte, addr netip.AddrPort)

	in        chan datagram
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	deadline  time.Time
	dlChanged chan struct{}
}

func newPipeConn(local net.Addr, onWrite func(b []byte, addr netip.AddrPort)) *pipeConn {
	return &pipeConn{
		local:     local,
		onWrite:   onWrite,
		in:        make(chan datagram, pipeQueueLen),
		closed:    make(chan struct{}),
		dlChanged: make(chan struct{}),
	}
}

// Feed queues a copy of b as received from addr. It reports false when the
// datagram was dropped because the queue is full or the pipe is closed.
func (p *pipeConn) Feed(b []byte, addr netip.AddrPort) bool {
	select {
	case <-p.closed:
		return false
	default:
	}
	d := datagram{b: append([]byte(nil), b...), addr: addr}
	select {
	case p.in <- d:
		return true
	default:
		return false
	}
}

func (p *pipeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		p.mu.Lock()
		deadline, changed := p.deadline, p.dlChanged
		p.mu.Unlock()

		var timeout <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, nil, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(d)
			timeout = timer.C
		}
		select {
		case d := <-p.in:
			stopTimer(timer)
			return copy(b, d.b), net.UDPAddrFromAddrPort(d.addr), nil
		case <-p.closed:
			stopTimer(timer)
			return 0, nil, net.ErrClosed
		case <-timeout:
			return 0, nil, os.ErrDeadlineExceeded
		case <-changed:
			stopTimer(timer)
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (p *pipeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-p.closed:
		return 0, net.ErrClosed
	default:
	}
	ap, err := toAddrPort(addr)
	if err != nil {
		return 0, err
	}
	p.onWrite(b, ap)
	return len(b), nil
}

func toAddrPort(addr net.Addr) (netip.AddrPort, error) {
	if ua, ok := addr.(*net.UDPAddr); ok {
		ap := ua.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	return netip.ParseAddrPort(addr.String())
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	return nil
}

func (p *pipeConn) LocalAddr() net.Addr {
	return p.local
}

func (p *pipeConn) SetDeadline(t time.Time) error {
	return p.SetReadDeadline(t)
}

func (p *pipeConn) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadline = t
	close(p.dlChanged)
	p.dlChanged = make(chan struct{})
	return nil
}

func (p *pipeConn) SetWriteDeadline(t time.Time) error {
	return nil
}
