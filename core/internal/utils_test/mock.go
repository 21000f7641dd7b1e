package utils_test

import (
	"bytes"
	"errors"
	"net/netip"
	"time"

	"github.com/apernet/quicmux/core/engine"
	"github.com/apernet/quicmux/core/transport"
)

// This file provides hand-written engine and socket doubles for the loop tests.

// ErrDone is returned by MockPacketIO.Wait when the script has run out,
// so that a loop under test returns instead of blocking forever.
var ErrDone = errors.New("mock: script exhausted")

// MockHandle is a scripted engine.Handle. Every method except Free panics
// once the handle has been freed.
type MockHandle struct {
	IDValue    engine.ConnectionID
	StateValue engine.State
	Timeout    time.Time
	Addr       netip.AddrPort
	Queue      [][]byte // Egress payloads handed out by Send
	SendErr    error    // Returned by Send once Queue is empty
	OpenErr    error

	// Hooks, optional
	OnReceive func(h *MockHandle, p *engine.Packet) error
	OnService func(h *MockHandle, now time.Time) error

	Pool     *engine.PacketPool
	Received [][]byte
	Serviced int
	Streams  []*MockStream
	Freed    int
}

func (h *MockHandle) checkLive() {
	if h.Freed > 0 {
		panic("mock: handle used after free")
	}
}

func (h *MockHandle) ID() engine.ConnectionID {
	return h.IDValue
}

func (h *MockHandle) State() engine.State {
	h.checkLive()
	return h.StateValue
}

func (h *MockHandle) FirstTimeout() time.Time {
	h.checkLive()
	return h.Timeout
}

func (h *MockHandle) Receive(p *engine.Packet) error {
	h.checkLive()
	h.Received = append(h.Received, append([]byte(nil), p.Data...))
	if h.OnReceive != nil {
		return h.OnReceive(h, p)
	}
	return nil
}

func (h *MockHandle) Service(now time.Time) error {
	h.checkLive()
	h.Serviced++
	if h.OnService != nil {
		return h.OnService(h, now)
	}
	return nil
}

func (h *MockHandle) Send(out []*engine.PendingPacket) (int, error) {
	h.checkLive()
	if h.Pool == nil {
		h.Pool = engine.NewPacketPool()
	}
	n := 0
	for n < len(out) && len(h.Queue) > 0 {
		out[n] = h.Pool.Acquire(h.Addr, h.Queue[0])
		h.Queue = h.Queue[1:]
		n++
	}
	if n == 0 {
		return 0, h.SendErr
	}
	return n, nil
}

func (h *MockHandle) OpenStream(sh engine.StreamHandler) (engine.Stream, error) {
	h.checkLive()
	if h.OpenErr != nil {
		return nil, h.OpenErr
	}
	s := &MockStream{IDValue: int64(len(h.Streams) * 4), Handler: sh}
	h.Streams = append(h.Streams, s)
	return s, nil
}

func (h *MockHandle) LocalStreams() int {
	h.checkLive()
	return len(h.Streams)
}

func (h *MockHandle) Free() {
	h.checkLive()
	h.Freed++
}

// MockStream is an in-memory engine.Stream.
type MockStream struct {
	IDValue int64
	Handler engine.StreamHandler

	In        []byte
	InClosed  bool
	Out       bytes.Buffer
	OutClosed bool
	consumed  uint64
}

func (s *MockStream) ID() int64 {
	return s.IDValue
}

func (s *MockStream) Peek() []byte {
	return s.In
}

func (s *MockStream) Shift(n int) {
	s.In = s.In[n:]
	s.consumed += uint64(n)
}

func (s *MockStream) Consumed() uint64 {
	return s.consumed
}

func (s *MockStream) RecvShutdown() bool {
	return s.InClosed && len(s.In) == 0
}

func (s *MockStream) Write(b []byte) error {
	if s.OutClosed {
		return errors.New("mock: write after shutdown")
	}
	_, _ = s.Out.Write(b)
	return nil
}

func (s *MockStream) ShutdownSend() error {
	s.OutClosed = true
	return nil
}

// Deliver appends inbound bytes, optionally finishing the inbound side,
// and invokes the attached handler.
func (s *MockStream) Deliver(b []byte, fin bool) error {
	s.In = append(s.In, b...)
	if fin {
		s.InClosed = true
	}
	if s.Handler == nil {
		return nil
	}
	return s.Handler.OnUpdate(s)
}

// MockEngine decodes datagrams of the form 'Q' + 8 byte ID + body.
// A lone 'Q' (or one followed by fewer than 8 bytes) decodes to a packet
// without an ID; anything else is malformed.
type MockEngine struct {
	Clock        func() time.Time // Defaults to time.Now
	RejectAccept bool
	ConnectErr   error
	// NewHandle customizes handles created by Accept and Connect. Optional.
	NewHandle func(id engine.ConnectionID) *MockHandle

	Accepted  []*MockHandle
	Connected []*MockHandle
	Decoded   int
}

// MockDatagram builds a datagram MockEngine decodes to id.
func MockDatagram(id engine.ConnectionID, body string) []byte {
	b := append([]byte{'Q'}, id[:]...)
	return append(b, body...)
}

func (e *MockEngine) newHandle(id engine.ConnectionID) *MockHandle {
	if e.NewHandle != nil {
		return e.NewHandle(id)
	}
	return &MockHandle{IDValue: id}
}

func (e *MockEngine) Connect(serverName string, addr netip.AddrPort) (engine.Handle, error) {
	if e.ConnectErr != nil {
		return nil, e.ConnectErr
	}
	h := e.newHandle(engine.ConnectionID{0xc1})
	h.Addr = addr
	e.Connected = append(e.Connected, h)
	return h, nil
}

func (e *MockEngine) Accept(addr netip.AddrPort, p *engine.Packet) (engine.Handle, error) {
	if e.RejectAccept {
		return nil, engine.ErrRejected
	}
	h := e.newHandle(p.ID)
	h.Addr = addr
	e.Accepted = append(e.Accepted, h)
	return h, nil
}

func (e *MockEngine) Decode(b []byte) (*engine.Packet, error) {
	if len(b) == 0 || b[0] != 'Q' {
		return nil, engine.ErrMalformed
	}
	e.Decoded++
	p := &engine.Packet{Data: b}
	p.ID, p.HasID = engine.ConnectionIDFromBytes(b[1:])
	return p, nil
}

func (e *MockEngine) Now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

type MockPacket struct {
	Addr netip.AddrPort
	Data []byte
}

// MockWait is one recorded MockPacketIO.Wait call.
type MockWait struct {
	Timeout time.Duration
	Bounded bool
}

// MockPacketIO replays Inbound one datagram per Wait and records every
// wait it was asked for. When Inbound is empty an unbounded Wait, or any
// Wait beyond MaxWaits, returns ErrDone.
type MockPacketIO struct {
	Inbound  []MockPacket
	MaxWaits int
	// FailSend makes transmission to matching addresses fail. Optional.
	FailSend func(addr netip.AddrPort) bool

	Waits        []MockWait
	Sent         []MockPacket
	SendFailures int
	Closed       bool
}

func (m *MockPacketIO) Wait(timeout time.Duration, bounded bool) (bool, error) {
	m.Waits = append(m.Waits, MockWait{Timeout: timeout, Bounded: bounded})
	if m.Closed || (m.MaxWaits > 0 && len(m.Waits) > m.MaxWaits) {
		return false, ErrDone
	}
	if len(m.Inbound) > 0 {
		return true, nil
	}
	if !bounded {
		return false, ErrDone
	}
	return false, nil
}

func (m *MockPacketIO) Receive(b []byte) (int, netip.AddrPort, error) {
	if len(m.Inbound) == 0 {
		return 0, netip.AddrPort{}, ErrDone
	}
	p := m.Inbound[0]
	m.Inbound = m.Inbound[1:]
	return copy(b, p.Data), p.Addr, nil
}

func (m *MockPacketIO) SendBatch(d transport.Drainer) error {
	batch := make([]*engine.PendingPacket, 16)
	return transport.Flush(d, batch, func(pkt *engine.PendingPacket) error {
		if m.FailSend != nil && m.FailSend(pkt.Addr) {
			m.SendFailures++
			return errors.New("mock: send failed")
		}
		m.Sent = append(m.Sent, MockPacket{Addr: pkt.Addr, Data: append([]byte(nil), pkt.Payload()...)})
		return nil
	})
}

func (m *MockPacketIO) Close() error {
	m.Closed = true
	return nil
}
