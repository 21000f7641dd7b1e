package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/apernet/quicmux/core/engine"
	"github.com/apernet/quicmux/core/internal/utils_test"
	"github.com/apernet/quicmux/core/transport"
)

var (
	idX = engine.ConnectionID{'x', 1}
	idY = engine.ConnectionID{'y', 2}
	idZ = engine.ConnectionID{'z', 3}

	peerAddr = netip.MustParseAddrPort("127.0.0.1:5000")
)

type mockEventLogger struct {
	Connects    []engine.ConnectionID
	Disconnects []engine.ConnectionID
	Drops       []engine.DropReason
}

func (l *mockEventLogger) Connect(id engine.ConnectionID, addr netip.AddrPort) {
	l.Connects = append(l.Connects, id)
}

func (l *mockEventLogger) Disconnect(id engine.ConnectionID, err error) {
	l.Disconnects = append(l.Disconnects, id)
}

func (l *mockEventLogger) Drop(addr netip.AddrPort, reason engine.DropReason) {
	l.Drops = append(l.Drops, reason)
}

func inbound(datagrams ...[]byte) []utils_test.MockPacket {
	ps := make([]utils_test.MockPacket, len(datagrams))
	for i, d := range datagrams {
		ps[i] = utils_test.MockPacket{Addr: peerAddr, Data: d}
	}
	return ps
}

func newTestServer(t *testing.T, e *utils_test.MockEngine, io *utils_test.MockPacketIO) (*serverImpl, *mockEventLogger, *bytes.Buffer) {
	ev := &mockEventLogger{}
	out := &bytes.Buffer{}
	s, err := NewServer(&Config{
		Engine:         e,
		IO:             io,
		EventLogger:    ev,
		ResponseOutput: out,
	})
	require.NoError(t, err)
	return s.(*serverImpl), ev, out
}

func TestServerConfigRequired(t *testing.T) {
	_, err := NewServer(&Config{IO: &utils_test.MockPacketIO{}})
	assert.EqualError(t, err, "invalid config: Engine: must be set")
	_, err = NewServer(&Config{Engine: &utils_test.MockEngine{}})
	assert.EqualError(t, err, "invalid config: IO: must be set")
	_, err = NewServer(&Config{Engine: &utils_test.MockEngine{}, IO: &utils_test.MockPacketIO{}, RetiredSize: -1})
	assert.Error(t, err)
}

func TestServerAcceptAndRoute(t *testing.T) {
	e := &utils_test.MockEngine{}
	io := &utils_test.MockPacketIO{Inbound: inbound(
		utils_test.MockDatagram(idX, "a"),
		utils_test.MockDatagram(idX, "b"),
		utils_test.MockDatagram(idY, "c"),
	)}
	s, ev, _ := newTestServer(t, e, io)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.cycle())
	}
	require.Len(t, e.Accepted, 2)
	hx, hy := e.Accepted[0], e.Accepted[1]
	assert.Equal(t, idX, hx.ID())
	assert.Equal(t, idY, hy.ID())
	// The first packet of a connection is consumed by Accept
	assert.Equal(t, [][]byte{utils_test.MockDatagram(idX, "b")}, hx.Received)
	assert.Empty(t, hy.Received)
	assert.Equal(t, 2, s.table.Len())
	assert.Equal(t, []engine.ConnectionID{idX, idY}, ev.Connects)

	err := s.Serve(context.Background())
	assert.ErrorIs(t, err, utils_test.ErrDone)
	// Exiting the loop frees what is left
	assert.Equal(t, 1, hx.Freed)
	assert.Equal(t, 1, hy.Freed)
	assert.Equal(t, 0, s.table.Len())
}

func TestServerFlushFailureRemovesOnlyThatConnection(t *testing.T) {
	e := &utils_test.MockEngine{
		NewHandle: func(id engine.ConnectionID) *utils_test.MockHandle {
			h := &utils_test.MockHandle{IDValue: id, Queue: [][]byte{[]byte("out-" + string(id[0]))}}
			if id == idX {
				h.SendErr = errors.New("boom")
			}
			return h
		},
	}
	io := &utils_test.MockPacketIO{Inbound: inbound(
		utils_test.MockDatagram(idX, ""),
		utils_test.MockDatagram(idY, ""),
		utils_test.MockDatagram(idX, "late"),
	)}
	s, ev, _ := newTestServer(t, e, io)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.cycle())
	}
	require.Len(t, e.Accepted, 2)
	hx, hy := e.Accepted[0], e.Accepted[1]

	assert.Equal(t, 1, s.table.Len())
	assert.Nil(t, s.table.Find(idX))
	assert.Same(t, hy, s.table.Find(idY))
	assert.Equal(t, 1, hx.Freed)
	assert.Equal(t, 0, hy.Freed)
	assert.True(t, s.table.Retired(idX))

	// Packets drained before the failure are still transmitted and released
	assert.Equal(t, []utils_test.MockPacket{
		{Addr: peerAddr, Data: []byte("out-x")},
		{Addr: peerAddr, Data: []byte("out-y")},
	}, io.Sent)
	assert.Equal(t, uint64(0), hx.Pool.Metrics().Outstanding())

	assert.Equal(t, []engine.ConnectionID{idX}, ev.Disconnects)
	assert.Equal(t, []engine.DropReason{engine.DropRetired}, ev.Drops)
}

func TestServerDropsUndecodable(t *testing.T) {
	e := &utils_test.MockEngine{}
	io := &utils_test.MockPacketIO{Inbound: inbound([]byte("garbage"), []byte("Q1"))}
	s, ev, _ := newTestServer(t, e, io)

	require.NoError(t, s.cycle())
	assert.Equal(t, 0, s.table.Len())
	assert.Equal(t, 0, e.Decoded)
	assert.Empty(t, io.Sent)

	require.NoError(t, s.cycle())
	assert.Equal(t, 0, s.table.Len())
	assert.Empty(t, e.Accepted)

	assert.Equal(t, []engine.DropReason{engine.DropMalformed, engine.DropNoID}, ev.Drops)
	assert.ErrorIs(t, s.cycle(), utils_test.ErrDone)
}

func TestServerSkipsEmptyReceive(t *testing.T) {
	e := &utils_test.MockEngine{}
	io := &utils_test.MockPacketIO{Inbound: inbound([]byte{}, utils_test.MockDatagram(idX, "x"))}
	s, ev, _ := newTestServer(t, e, io)

	// Nothing was read: straight back to waiting
	require.NoError(t, s.cycle())
	assert.Equal(t, 0, e.Decoded)
	assert.Empty(t, ev.Drops)
	assert.Equal(t, 0, s.table.Len())

	require.NoError(t, s.cycle())
	assert.Equal(t, 1, s.table.Len())
}

func TestServerRejectedAccept(t *testing.T) {
	e := &utils_test.MockEngine{}
	io := &utils_test.MockPacketIO{Inbound: inbound(
		utils_test.MockDatagram(idY, ""),
		utils_test.MockDatagram(idZ, ""),
	)}
	s, ev, _ := newTestServer(t, e, io)

	require.NoError(t, s.cycle())
	assert.Equal(t, 1, s.table.Len())

	e.RejectAccept = true
	require.NoError(t, s.cycle())
	assert.Equal(t, 1, s.table.Len())
	assert.Nil(t, s.table.Find(idZ))
	assert.False(t, s.table.Retired(idZ))
	assert.Equal(t, []engine.DropReason{engine.DropRejected}, ev.Drops)
}

func TestServerOpensRequestOnceEstablished(t *testing.T) {
	e := &utils_test.MockEngine{
		NewHandle: func(id engine.ConnectionID) *utils_test.MockHandle {
			return &utils_test.MockHandle{
				IDValue: id,
				OnReceive: func(h *utils_test.MockHandle, p *engine.Packet) error {
					h.StateValue = engine.StateEstablished
					return nil
				},
			}
		},
	}
	io := &utils_test.MockPacketIO{Inbound: inbound(
		utils_test.MockDatagram(idX, "initial"),
		utils_test.MockDatagram(idX, "finished"),
		utils_test.MockDatagram(idX, "more"),
	)}
	s, _, out := newTestServer(t, e, io)

	require.NoError(t, s.cycle())
	h := e.Accepted[0]
	assert.Empty(t, h.Streams)

	require.NoError(t, s.cycle())
	require.Len(t, h.Streams, 1)
	st := h.Streams[0]
	assert.Equal(t, requestPayload, st.Out.String())
	assert.True(t, st.OutClosed)

	require.NoError(t, s.cycle())
	assert.Len(t, h.Streams, 1)

	// The answer is printed and does not stop the server
	assert.NoError(t, st.Deliver([]byte("Hello world!\n"), true))
	assert.Equal(t, "Hello world!\n", out.String())
}

func TestServerServicesExpiredTimers(t *testing.T) {
	e := &utils_test.MockEngine{
		NewHandle: func(id engine.ConnectionID) *utils_test.MockHandle {
			return &utils_test.MockHandle{
				IDValue: id,
				Timeout: time.Now().Add(-time.Second),
				OnService: func(h *utils_test.MockHandle, now time.Time) error {
					h.StateValue = engine.StateEstablished
					h.Timeout = time.Time{}
					h.Queue = append(h.Queue, []byte("ack"))
					return nil
				},
			}
		},
	}
	io := &utils_test.MockPacketIO{Inbound: inbound(utils_test.MockDatagram(idX, ""))}
	s, _, _ := newTestServer(t, e, io)

	require.NoError(t, s.cycle())
	h := e.Accepted[0]

	// Not readable: the deadline elapsed
	require.NoError(t, s.cycle())
	assert.Equal(t, h.Timeout, time.Time{})
	assert.Equal(t, 1, h.Serviced)
	assert.Len(t, h.Streams, 1)
	assert.Equal(t, []utils_test.MockPacket{{Addr: peerAddr, Data: []byte("ack")}}, io.Sent)
	// The timer already passed: a bounded wait of zero, never negative
	assert.Equal(t, utils_test.MockWait{Timeout: 0, Bounded: true}, io.Waits[1])

	// No timers left: the loop waits without deadline
	assert.ErrorIs(t, s.cycle(), utils_test.ErrDone)
	assert.False(t, io.Waits[2].Bounded)
}

func TestServerServeCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	tr, err := transport.New(conn, transport.Config{})
	require.NoError(t, err)
	s, err := NewServer(&Config{Engine: &utils_test.MockEngine{}, IO: tr})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.Serve(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
