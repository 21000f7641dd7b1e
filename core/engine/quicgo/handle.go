package quicgo

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/apernet/quicmux/core/engine"
	coreErrs "github.com/apernet/quicmux/core/errors"
)

const closeErrCodeOK = 0x0

var errHandshakeTimeout = errors.New("handshake timed out")

type handle struct {
	id     engine.ConnectionID
	eng    *Engine
	logger *zap.Logger
	pc     *pipeConn
	tr     *quic.Transport
	ln     *quic.Listener // Server only

	ctx    context.Context
	cancel context.CancelFunc

	events atomic.Bool // stream events waiting for pump

	mu       sync.Mutex
	conn     quic.Connection
	state    engine.State
	closeErr error
	egress   []*engine.PendingPacket
	incoming []quic.Stream
	freed    bool

	// Loop goroutine only
	active []*stream
	local  int
}

func newHandle(e *Engine, id engine.ConnectionID) *handle {
	h := &handle{
		id:     id,
		eng:    e,
		logger: e.config.Logger.With(zap.Stringer("id", id)),
		state:  engine.StateHandshake,
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.pc = newPipeConn(e.config.LocalAddr, h.pushEgress)
	h.tr = &quic.Transport{Conn: h.pc}
	return h
}

func (h *handle) pushEgress(b []byte, addr netip.AddrPort) {
	pkt := h.eng.config.Pool.Acquire(addr, b)
	h.mu.Lock()
	if h.freed {
		h.mu.Unlock()
		pkt.Release()
		return
	}
	h.egress = append(h.egress, pkt)
	h.mu.Unlock()
}

func (h *handle) dial(addr net.Addr, tlsConfig *tls.Config) {
	conn, err := h.tr.Dial(h.ctx, addr, tlsConfig, h.eng.quicConfig)
	if err != nil {
		h.setClosed(err)
		return
	}
	h.established(conn)
}

func (h *handle) accept(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(h.ctx, timeout)
	defer cancel()
	conn, err := h.ln.Accept(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = errHandshakeTimeout
		}
		h.setClosed(err)
		return
	}
	h.established(conn)
}

func (h *handle) established(conn quic.Connection) {
	h.mu.Lock()
	if h.freed {
		h.mu.Unlock()
		_ = conn.CloseWithError(closeErrCodeOK, "")
		return
	}
	h.conn = conn
	h.state = engine.StateEstablished
	h.mu.Unlock()
	h.logger.Debug("handshake complete", zap.String("alpn", conn.ConnectionState().TLS.NegotiatedProtocol))
	h.events.Store(true)

	go h.acceptStreams(conn)
	<-conn.Context().Done()
	h.setClosed(context.Cause(conn.Context()))
}

func (h *handle) acceptStreams(conn quic.Connection) {
	for {
		qs, err := conn.AcceptStream(h.ctx)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.incoming = append(h.incoming, qs)
		h.mu.Unlock()
		h.events.Store(true)
	}
}

func (h *handle) setClosed(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == engine.StateClosed {
		return
	}
	h.state = engine.StateClosed
	h.closeErr = err
	h.logger.Debug("connection closed", zap.Error(err))
}

func (h *handle) ID() engine.ConnectionID {
	return h.id
}

func (h *handle) State() engine.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// FirstTimeout asks to be serviced right away while there is output or
// stream work to collect, including after close so that the loop reaps
// the handle. Otherwise an open connection is polled every tick.
func (h *handle) FirstTimeout() time.Time {
	now := h.eng.Now()
	h.mu.Lock()
	busy := len(h.egress) > 0 || h.state == engine.StateClosed
	h.mu.Unlock()
	if busy || h.events.Load() {
		return now
	}
	return now.Add(h.eng.config.Tick)
}

func (h *handle) Receive(p *engine.Packet) error {
	if !h.pc.Feed(p.Data, p.Addr) {
		h.logger.Debug("inbound queue full, dropping packet", zap.Stringer("addr", p.Addr))
	}
	return h.pump()
}

func (h *handle) Service(now time.Time) error {
	return h.pump()
}

// pump attaches handlers to streams opened by the peer and runs the
// handlers of streams with new events.
func (h *handle) pump() error {
	if !h.events.Swap(false) {
		return nil
	}
	h.mu.Lock()
	incoming := h.incoming
	h.incoming = nil
	h.mu.Unlock()
	for _, qs := range incoming {
		st := newStream(h, qs)
		st.handler = h.eng.config.Opener(st)
		h.active = append(h.active, st)
		st.start()
	}

	var firstErr error
	kept := h.active[:0]
	for _, st := range h.active {
		if st.takeDirty() && st.handler != nil {
			if err := st.handler.OnUpdate(st); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if !st.finished() {
			kept = append(kept, st)
		}
	}
	for i := len(kept); i < len(h.active); i++ {
		h.active[i] = nil
	}
	h.active = kept
	return firstErr
}

func (h *handle) Send(out []*engine.PendingPacket) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := copy(out, h.egress)
	if n == 0 && h.state == engine.StateClosed {
		return 0, coreErrs.ClosedError{Err: h.closeErr}
	}
	for i := 0; i < n; i++ {
		h.egress[i] = nil
	}
	h.egress = h.egress[n:]
	if len(h.egress) == 0 {
		h.egress = nil
	}
	return n, nil
}

func (h *handle) OpenStream(sh engine.StreamHandler) (engine.Stream, error) {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return nil, errors.New("connection not established")
	}
	qs, err := conn.OpenStream()
	if err != nil {
		return nil, err
	}
	st := newStream(h, qs)
	st.handler = sh
	h.active = append(h.active, st)
	h.local++
	st.start()
	return st, nil
}

func (h *handle) LocalStreams() int {
	return h.local
}

func (h *handle) Free() {
	h.cancel()
	h.mu.Lock()
	h.freed = true
	conn := h.conn
	pending := h.egress
	h.egress = nil
	h.mu.Unlock()

	if conn != nil {
		_ = conn.CloseWithError(closeErrCodeOK, "")
	}
	if h.ln != nil {
		_ = h.ln.Close()
	}
	_ = h.tr.Close()
	_ = h.pc.Close()
	for _, pkt := range pending {
		pkt.Release()
	}
	h.active = nil
}
