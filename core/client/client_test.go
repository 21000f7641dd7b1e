package client

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apernet/quicmux/core/engine"
	coreErrs "github.com/apernet/quicmux/core/errors"
	"github.com/apernet/quicmux/core/internal/utils_test"
	"github.com/apernet/quicmux/core/streams"
)

var serverAddr = netip.MustParseAddrPort("127.0.0.1:4433")

func newTestClient(t *testing.T, e *utils_test.MockEngine, io *utils_test.MockPacketIO, out *bytes.Buffer) Client {
	c, err := NewClient(&Config{
		Engine:     e,
		IO:         io,
		ServerAddr: serverAddr,
		Output:     out,
	})
	require.NoError(t, err)
	return c
}

func establishOnReceive(id engine.ConnectionID) *utils_test.MockHandle {
	return &utils_test.MockHandle{
		IDValue: id,
		Queue:   [][]byte{[]byte("initial")},
		OnReceive: func(h *utils_test.MockHandle, p *engine.Packet) error {
			h.StateValue = engine.StateEstablished
			return nil
		},
	}
}

func TestClientConfig(t *testing.T) {
	_, err := NewClient(&Config{Engine: &utils_test.MockEngine{}, IO: &utils_test.MockPacketIO{}})
	assert.EqualError(t, err, "invalid config: ServerAddr: must be set")

	config := &Config{Engine: &utils_test.MockEngine{}, IO: &utils_test.MockPacketIO{}, ServerAddr: serverAddr}
	_, err = NewClient(config)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", config.ServerName)
}

func TestClientOpensSingleRequestStream(t *testing.T) {
	e := &utils_test.MockEngine{NewHandle: establishOnReceive}
	io := &utils_test.MockPacketIO{Inbound: []utils_test.MockPacket{
		{Addr: serverAddr, Data: utils_test.MockDatagram(engine.ConnectionID{1}, "handshake")},
		{Addr: serverAddr, Data: utils_test.MockDatagram(engine.ConnectionID{1}, "more")},
	}}
	c := newTestClient(t, e, io, &bytes.Buffer{})

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, utils_test.ErrDone)

	require.Len(t, e.Connected, 1)
	h := e.Connected[0]
	require.Len(t, h.Streams, 1)
	st := h.Streams[0]
	assert.Equal(t, "GET /\r\n", st.Out.String())
	assert.True(t, st.OutClosed)
	assert.Equal(t, uint64(0), st.Consumed())
	assert.Len(t, h.Received, 2)
	assert.Equal(t, 1, h.Freed)

	// The initial flight goes out before the first wait
	require.NotEmpty(t, io.Sent)
	assert.Equal(t, utils_test.MockPacket{Addr: serverAddr, Data: []byte("initial")}, io.Sent[0])
}

func TestClientResponseComplete(t *testing.T) {
	e := &utils_test.MockEngine{
		NewHandle: func(id engine.ConnectionID) *utils_test.MockHandle {
			return &utils_test.MockHandle{
				IDValue: id,
				OnReceive: func(h *utils_test.MockHandle, p *engine.Packet) error {
					if h.StateValue != engine.StateEstablished {
						h.StateValue = engine.StateEstablished
						return nil
					}
					return h.Streams[0].Deliver([]byte("Hello world!\nThe request was: GET /\r\n"), true)
				},
			}
		},
	}
	io := &utils_test.MockPacketIO{Inbound: []utils_test.MockPacket{
		{Addr: serverAddr, Data: utils_test.MockDatagram(engine.ConnectionID{1}, "handshake")},
		{Addr: serverAddr, Data: utils_test.MockDatagram(engine.ConnectionID{1}, "response")},
	}}
	out := &bytes.Buffer{}
	c := newTestClient(t, e, io, out)

	assert.NoError(t, c.Run(context.Background()))
	assert.Equal(t, "Hello world!\nThe request was: GET /\r\n", out.String())
	assert.Equal(t, 1, e.Connected[0].Freed)
}

func TestClientDropsUndecodable(t *testing.T) {
	e := &utils_test.MockEngine{}
	io := &utils_test.MockPacketIO{Inbound: []utils_test.MockPacket{
		{Addr: serverAddr, Data: []byte{}},
		{Addr: serverAddr, Data: []byte("garbage")},
	}}
	c := newTestClient(t, e, io, &bytes.Buffer{})

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, utils_test.ErrDone)
	h := e.Connected[0]
	assert.Empty(t, h.Received)
	assert.Empty(t, h.Streams)
	assert.Empty(t, io.Sent)
	assert.Equal(t, 0, e.Decoded)
}

func TestClientFlushFailure(t *testing.T) {
	e := &utils_test.MockEngine{
		NewHandle: func(id engine.ConnectionID) *utils_test.MockHandle {
			return &utils_test.MockHandle{IDValue: id, SendErr: errors.New("boom")}
		},
	}
	io := &utils_test.MockPacketIO{}
	c := newTestClient(t, e, io, &bytes.Buffer{})

	err := c.Run(context.Background())
	var closedErr coreErrs.ClosedError
	require.ErrorAs(t, err, &closedErr)
	assert.EqualError(t, closedErr.Err, "boom")
	assert.Equal(t, 1, e.Connected[0].Freed)
}

func TestClientConnectError(t *testing.T) {
	e := &utils_test.MockEngine{ConnectErr: errors.New("no route")}
	c := newTestClient(t, e, &utils_test.MockPacketIO{}, &bytes.Buffer{})
	assert.EqualError(t, c.Run(context.Background()), "no route")
}

func TestClientStreamHandlerErrorOnService(t *testing.T) {
	e := &utils_test.MockEngine{
		NewHandle: func(id engine.ConnectionID) *utils_test.MockHandle {
			return &utils_test.MockHandle{
				IDValue: id,
				Timeout: time.Now().Add(-time.Millisecond),
				OnService: func(h *utils_test.MockHandle, now time.Time) error {
					return streams.ErrResponseComplete
				},
			}
		},
	}
	c := newTestClient(t, e, &utils_test.MockPacketIO{}, &bytes.Buffer{})
	assert.NoError(t, c.Run(context.Background()))
	assert.Equal(t, 1, e.Connected[0].Serviced)
}
