package transport

import (
	"encoding/hex"
	"errors"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"

	coreErrs "github.com/apernet/quicmux/core/errors"
	"github.com/apernet/quicmux/core/engine"
)

const (
	// MaxDatagramSize is the size of the receive buffer the loops use.
	MaxDatagramSize = 4096

	sendBatchSize = 16
)

// Drainer is anything that hands out pending egress packets, normally an engine.Handle.
type Drainer interface {
	Send(out []*engine.PendingPacket) (int, error)
}

// PacketIO is the socket side of an event loop.
type PacketIO interface {
	// Wait blocks until a datagram can be received or timeout elapses.
	// An unbounded wait has no timeout; a zero timeout only probes.
	Wait(timeout time.Duration, bounded bool) (bool, error)
	// Receive reads one datagram without blocking. It returns 0 when
	// nothing was left to read and the caller should wait again.
	Receive(b []byte) (int, netip.AddrPort, error)
	// SendBatch drains d and transmits every packet once.
	SendBatch(d Drainer) error
	Close() error
}

// EventLogger receives per-datagram events. Calls are made from the loop goroutine.
type EventLogger interface {
	Received(addr netip.AddrPort, n int)
	Sent(addr netip.AddrPort, n int)
	SendError(addr netip.AddrPort, err error)
}

type Config struct {
	Logger      *zap.Logger
	DumpPackets bool
	EventLogger EventLogger // Optional
}

// UDP is a PacketIO over a single UDP socket.
type UDP struct {
	conn   *net.UDPConn
	rc     syscall.RawConn
	logger *zap.Logger
	dump   bool
	ev     EventLogger

	batch [sendBatchSize]*engine.PendingPacket
}

func New(conn *net.UDPConn, config Config) (*UDP, error) {
	if errUnsupported != nil {
		return nil, errUnsupported
	}
	rc, err := conn.SyscallConn()
	if err != nil {
		return nil, coreErrs.SocketError{Op: "syscallconn", Err: err}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UDP{
		conn:   conn,
		rc:     rc,
		logger: logger,
		dump:   config.DumpPackets,
		ev:     config.EventLogger,
	}, nil
}

func (t *UDP) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Wait reports whether the socket became readable before timeout.
// A bounded zero timeout only probes the socket without blocking.
func (t *UDP) Wait(timeout time.Duration, bounded bool) (bool, error) {
	var deadline time.Time
	if bounded {
		if timeout <= 0 {
			return t.probe()
		}
		deadline = time.Now().Add(timeout)
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return false, coreErrs.SocketError{Op: "wait", Err: err}
	}
	var ready bool
	err := t.rc.Read(func(fd uintptr) bool {
		var done bool
		ready, done = peek(fd)
		return done
	})
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return false, nil
		}
		return false, coreErrs.SocketError{Op: "wait", Err: err}
	}
	return ready, nil
}

func (t *UDP) probe() (bool, error) {
	var ready bool
	err := t.rc.Control(func(fd uintptr) {
		ready, _ = peek(fd)
	})
	if err != nil {
		return false, coreErrs.SocketError{Op: "wait", Err: err}
	}
	return ready, nil
}

// Receive reads one datagram into b without blocking. Empty datagrams and
// retryable errors are skipped; if nothing else is queued, n is 0.
func (t *UDP) Receive(b []byte) (int, netip.AddrPort, error) {
	// A deadline left over from Wait would fail the read outright
	if err := t.conn.SetReadDeadline(time.Time{}); err != nil {
		return 0, netip.AddrPort{}, coreErrs.SocketError{Op: "receive", Err: err}
	}
	var (
		n    int
		addr netip.AddrPort
		ok   bool
		rerr error
	)
	err := t.rc.Read(func(fd uintptr) bool {
		n, addr, ok, rerr = recv(fd, b)
		return true
	})
	if err == nil {
		err = rerr
	}
	if err != nil {
		return 0, netip.AddrPort{}, coreErrs.SocketError{Op: "receive", Err: err}
	}
	if !ok {
		return 0, netip.AddrPort{}, nil
	}
	if t.dump {
		t.logger.Debug("recvmsg", zap.Stringer("addr", addr), zap.Int("bytes", n), zap.String("dump", hex.Dump(b[:n])))
	}
	if t.ev != nil {
		t.ev.Received(addr, n)
	}
	return n, addr, nil
}

// SendBatch drains d in batches and transmits every packet.
func (t *UDP) SendBatch(d Drainer) error {
	return Flush(d, t.batch[:], t.send)
}

// send makes one transmit attempt. The Go runtime already retries
// interrupted writes, so any error here is final for this packet.
func (t *UDP) send(pkt *engine.PendingPacket) error {
	payload := pkt.Payload()
	if t.dump {
		t.logger.Debug("sendmsg", zap.Stringer("addr", pkt.Addr), zap.Int("bytes", len(payload)), zap.String("dump", hex.Dump(payload)))
	}
	_, err := t.conn.WriteToUDPAddrPort(payload, pkt.Addr)
	if err != nil {
		t.logger.Warn("sendmsg failed", zap.Stringer("addr", pkt.Addr), zap.Error(err))
		if t.ev != nil {
			t.ev.SendError(pkt.Addr, err)
		}
		return err
	}
	if t.ev != nil {
		t.ev.Sent(pkt.Addr, len(payload))
	}
	return nil
}

func (t *UDP) Close() error {
	return t.conn.Close()
}

// Flush repeatedly drains d into batch and passes each packet to send,
// until d reports no more packets or fails. Every drained packet is
// released exactly once, whether send succeeds or not, and a failed send
// does not stop the batch. The returned error is the drainer's.
func Flush(d Drainer, batch []*engine.PendingPacket, send func(*engine.PendingPacket) error) error {
	for {
		n, err := d.Send(batch)
		for i := 0; i < n; i++ {
			_ = send(batch[i])
			batch[i].Release()
			batch[i] = nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}
