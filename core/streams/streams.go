// Package streams implements the two stream behaviours of the demo protocol:
// the request side echoes what it receives after a greeting, the response
// side prints what it receives.
package streams

import (
	"errors"
	"io"

	"github.com/apernet/quicmux/core/engine"
)

const Greeting = "Hello world!\nThe request was: "

// ErrResponseComplete is returned by a response handler created with
// exitOnShutdown once the peer has finished the response. Loops treat it as
// a clean termination.
var ErrResponseComplete = errors.New("response complete")

type Role int

const (
	RoleRequest Role = iota
	RoleResponse
)

func (r Role) String() string {
	switch r {
	case RoleRequest:
		return "request"
	case RoleResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Handler is the stream callback for one stream. A Handler must not be
// shared between streams.
type Handler struct {
	role           Role
	out            io.Writer
	exitOnShutdown bool

	greeted bool
	done    bool
}

// NewRequest returns the handler for streams opened by the peer.
func NewRequest() *Handler {
	return &Handler{role: RoleRequest}
}

// NewResponse returns the handler for the locally opened request stream.
// Received bytes are copied to out.
func NewResponse(out io.Writer, exitOnShutdown bool) *Handler {
	return &Handler{role: RoleResponse, out: out, exitOnShutdown: exitOnShutdown}
}

// Opener returns an engine.StreamOpener creating request handlers.
func Opener() engine.StreamOpener {
	return func(engine.Stream) engine.StreamHandler {
		return NewRequest()
	}
}

func (h *Handler) Role() Role {
	return h.role
}

func (h *Handler) OnUpdate(s engine.Stream) error {
	if h.done {
		return nil
	}
	switch h.role {
	case RoleRequest:
		return h.onRequest(s)
	case RoleResponse:
		return h.onResponse(s)
	default:
		return nil
	}
}

func (h *Handler) onRequest(s engine.Stream) error {
	if !h.greeted {
		// Greet only a stream nobody has read from yet
		if s.Consumed() == 0 {
			if err := s.Write([]byte(Greeting)); err != nil {
				return err
			}
		}
		h.greeted = true
	}
	if b := s.Peek(); len(b) > 0 {
		if err := s.Write(b); err != nil {
			return err
		}
		s.Shift(len(b))
	}
	if s.RecvShutdown() {
		h.done = true
		return s.ShutdownSend()
	}
	return nil
}

func (h *Handler) onResponse(s engine.Stream) error {
	if b := s.Peek(); len(b) > 0 {
		if _, err := h.out.Write(b); err != nil {
			return err
		}
		s.Shift(len(b))
	}
	if s.RecvShutdown() {
		h.done = true
		if h.exitOnShutdown {
			return ErrResponseComplete
		}
	}
	return nil
}
