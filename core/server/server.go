package server

import (
	"context"
	"errors"
	"net/netip"

	"go.uber.org/zap"

	"github.com/apernet/quicmux/core/engine"
	coreErrs "github.com/apernet/quicmux/core/errors"
	"github.com/apernet/quicmux/core/internal/conntable"
	"github.com/apernet/quicmux/core/internal/deadline"
	"github.com/apernet/quicmux/core/streams"
	"github.com/apernet/quicmux/core/transport"
)

const requestPayload = "GET / HTTP/1.0\r\n\r\n"

type Server interface {
	// Serve runs the event loop until ctx is done or the socket fails.
	Serve(ctx context.Context) error
	Close() error
}

func NewServer(config *Config) (Server, error) {
	if err := config.fill(); err != nil {
		return nil, err
	}
	return &serverImpl{
		config: config,
		table:  conntable.New(config.RetiredSize),
		buf:    make([]byte, transport.MaxDatagramSize),
	}, nil
}

type serverImpl struct {
	config *Config
	table  *conntable.Table
	buf    []byte
	due    []engine.Handle
}

func (s *serverImpl) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.config.IO.Close()
	})
	defer stop()
	defer s.freeAll()
	for {
		if err := s.cycle(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (s *serverImpl) Close() error {
	return s.config.IO.Close()
}

// cycle runs one wait-dispatch-flush iteration.
func (s *serverImpl) cycle() error {
	dl, ok := deadline.Compute(s.table.Handles())
	readable, err := s.config.IO.Wait(deadline.Until(dl, s.config.Engine.Now()), ok)
	if err != nil {
		return err
	}
	if !readable {
		s.serviceDue()
		return nil
	}
	n, addr, err := s.config.IO.Receive(s.buf)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if h := s.dispatch(addr, s.buf[:n]); h != nil {
		s.openRequest(h)
		s.flush(h)
	}
	return nil
}

// serviceDue runs the timers of every connection whose first-timeout
// has passed and flushes them.
func (s *serverImpl) serviceDue() {
	now := s.config.Engine.Now()
	s.due = deadline.Due(s.table.Handles(), now, s.due)
	for i, h := range s.due {
		s.due[i] = nil
		if err := h.Service(now); err != nil {
			s.config.Logger.Debug("stream handler error", zap.Stringer("id", h.ID()), zap.Error(err))
		}
		s.openRequest(h)
		s.flush(h)
	}
}

// dispatch routes one datagram and returns the connection it touched, if any.
func (s *serverImpl) dispatch(addr netip.AddrPort, b []byte) engine.Handle {
	p, err := s.config.Engine.Decode(b)
	if err != nil {
		s.config.Logger.Debug("dropping undecodable packet", zap.Stringer("addr", addr), zap.Error(err))
		s.drop(addr, engine.DropMalformed)
		return nil
	}
	p.Addr = addr
	if !p.HasID {
		s.config.Logger.Debug("ignoring packet without connection-id", zap.Stringer("addr", addr))
		s.drop(addr, engine.DropNoID)
		return nil
	}
	if h := s.table.Find(p.ID); h != nil {
		if err := h.Receive(p); err != nil {
			s.config.Logger.Debug("stream handler error", zap.Stringer("id", h.ID()), zap.Error(err))
		}
		return h
	}
	if s.table.Retired(p.ID) {
		s.config.Logger.Debug("ignoring packet for retired connection", zap.Stringer("addr", addr), zap.Stringer("id", p.ID))
		s.drop(addr, engine.DropRetired)
		return nil
	}
	h, err := s.config.Engine.Accept(addr, p)
	if err != nil {
		if errors.Is(err, engine.ErrRejected) {
			s.config.Logger.Debug("rejected packet", zap.Stringer("addr", addr), zap.Error(err))
		} else {
			s.config.Logger.Warn("failed to accept connection", zap.Stringer("addr", addr), zap.Error(err))
		}
		s.drop(addr, engine.DropRejected)
		return nil
	}
	if s.table.Find(h.ID()) != nil {
		// The engine picked an ID that is already routed elsewhere
		s.config.Logger.Warn("duplicate connection id", zap.Stringer("id", h.ID()))
		h.Free()
		s.drop(addr, engine.DropRejected)
		return nil
	}
	s.table.Insert(h)
	s.config.Logger.Debug("new connection", zap.Stringer("addr", addr), zap.Stringer("id", h.ID()))
	if s.config.EventLogger != nil {
		s.config.EventLogger.Connect(h.ID(), addr)
	}
	return h
}

// openRequest opens the request stream once a connection is established.
func (s *serverImpl) openRequest(h engine.Handle) {
	if h.State() != engine.StateEstablished || h.LocalStreams() != 0 {
		return
	}
	st, err := h.OpenStream(streams.NewResponse(s.config.ResponseOutput, false))
	if err == nil {
		err = st.Write([]byte(requestPayload))
	}
	if err == nil {
		err = st.ShutdownSend()
	}
	if err != nil {
		s.config.Logger.Warn("failed to open request stream", zap.Stringer("id", h.ID()), zap.Error(err))
	}
}

// flush sends the pending packets of h. A connection that fails to drain
// is removed, freed and retired in the same step.
func (s *serverImpl) flush(h engine.Handle) {
	err := s.config.IO.SendBatch(h)
	if err == nil {
		return
	}
	id := h.ID()
	s.table.Remove(h)
	h.Free()
	s.table.Retire(id)
	var closedErr coreErrs.ClosedError
	if errors.As(err, &closedErr) {
		s.config.Logger.Debug("connection closed", zap.Stringer("id", id), zap.Error(err))
	} else {
		s.config.Logger.Warn("connection failed", zap.Stringer("id", id), zap.Error(err))
	}
	if s.config.EventLogger != nil {
		s.config.EventLogger.Disconnect(id, err)
	}
}

func (s *serverImpl) drop(addr netip.AddrPort, reason engine.DropReason) {
	if s.config.EventLogger != nil {
		s.config.EventLogger.Drop(addr, reason)
	}
}

func (s *serverImpl) freeAll() {
	for _, h := range s.table.Handles() {
		id := h.ID()
		h.Free()
		if s.config.EventLogger != nil {
			s.config.EventLogger.Disconnect(id, coreErrs.ClosedError{})
		}
	}
	s.table = conntable.New(s.config.RetiredSize)
}
