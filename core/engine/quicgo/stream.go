package quicgo

import (
	"errors"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/apernet/quicmux/core/engine"
)

const streamReadBufferSize = 4096

var errWriteAfterShutdown = errors.New("write after send side shutdown")

// stream buffers both directions of a quic.Stream. A reader goroutine fills
// recv and a writer goroutine drains out, so the loop goroutine never
// blocks on flow control.
type stream struct {
	h       *handle
	qs      quic.Stream
	handler engine.StreamHandler

	wake chan struct{}

	mu        sync.Mutex
	recv      []byte
	consumed  uint64
	eos       bool
	dirty     bool
	out       []byte
	outClosed bool
}

func newStream(h *handle, qs quic.Stream) *stream {
	return &stream{
		h:    h,
		qs:   qs,
		wake: make(chan struct{}, 1),
	}
}

func (s *stream) start() {
	go s.readLoop()
	go s.writeLoop()
}

func (s *stream) readLoop() {
	buf := make([]byte, streamReadBufferSize)
	for {
		n, err := s.qs.Read(buf)
		s.mu.Lock()
		s.recv = append(s.recv, buf[:n]...)
		if err != nil {
			s.eos = true
		}
		s.dirty = true
		s.mu.Unlock()
		s.h.events.Store(true)
		if err != nil {
			return
		}
	}
}

func (s *stream) writeLoop() {
	for {
		select {
		case <-s.wake:
		case <-s.h.ctx.Done():
			return
		}
		for {
			s.mu.Lock()
			b, closed := s.out, s.outClosed
			s.out = nil
			s.mu.Unlock()
			if len(b) > 0 {
				if _, err := s.qs.Write(b); err != nil {
					return
				}
				continue
			}
			if closed {
				_ = s.qs.Close()
				return
			}
			break
		}
	}
}

func (s *stream) notifyWriter() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// takeDirty reports whether there were events since the last call.
func (s *stream) takeDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dirty
	s.dirty = false
	return d
}

// finished reports whether the handler has seen everything this stream
// will ever deliver.
func (s *stream) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eos && len(s.recv) == 0 && !s.dirty
}

func (s *stream) ID() int64 {
	return int64(s.qs.StreamID())
}

func (s *stream) Peek() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recv
}

func (s *stream) Shift(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recv = s.recv[n:]
	if len(s.recv) == 0 {
		s.recv = nil
	}
	s.consumed += uint64(n)
}

func (s *stream) Consumed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumed
}

func (s *stream) RecvShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eos && len(s.recv) == 0
}

func (s *stream) Write(b []byte) error {
	s.mu.Lock()
	if s.outClosed {
		s.mu.Unlock()
		return errWriteAfterShutdown
	}
	s.out = append(s.out, b...)
	s.mu.Unlock()
	s.notifyWriter()
	return nil
}

func (s *stream) ShutdownSend() error {
	s.mu.Lock()
	s.outClosed = true
	s.mu.Unlock()
	s.notifyWriter()
	return nil
}
