package client

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/apernet/quicmux/core/engine"
	coreErrs "github.com/apernet/quicmux/core/errors"
	"github.com/apernet/quicmux/core/internal/deadline"
	"github.com/apernet/quicmux/core/streams"
	"github.com/apernet/quicmux/core/transport"
)

const requestPayload = "GET /\r\n"

type Client interface {
	// Run connects to the server, sends one request and prints the response.
	// It returns nil once the response is complete.
	Run(ctx context.Context) error
	Close() error
}

func NewClient(config *Config) (Client, error) {
	if err := config.verifyAndFill(); err != nil {
		return nil, err
	}
	return &clientImpl{
		config: config,
		buf:    make([]byte, transport.MaxDatagramSize),
	}, nil
}

type clientImpl struct {
	config *Config
	conn   engine.Handle
	buf    []byte
}

func (c *clientImpl) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.config.IO.Close()
	})
	defer stop()

	conn, err := c.config.Engine.Connect(c.config.ServerName, c.config.ServerAddr)
	if err != nil {
		return err
	}
	c.conn = conn
	c.config.Logger.Debug("connecting", zap.Stringer("addr", c.config.ServerAddr), zap.Stringer("id", conn.ID()))
	if c.config.EventLogger != nil {
		c.config.EventLogger.Connect(conn.ID(), c.config.ServerAddr)
	}
	defer func() {
		if c.conn != nil {
			c.conn.Free()
			c.conn = nil
		}
	}()

	if err := c.flush(); err != nil {
		return err
	}
	for {
		err := c.cycle()
		if errors.Is(err, streams.ErrResponseComplete) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (c *clientImpl) Close() error {
	return c.config.IO.Close()
}

// cycle runs one wait-dispatch-flush iteration. Stream handler errors,
// including streams.ErrResponseComplete, end the loop.
func (c *clientImpl) cycle() error {
	dl := c.conn.FirstTimeout()
	bounded := !dl.IsZero()
	readable, err := c.config.IO.Wait(deadline.Until(dl, c.config.Engine.Now()), bounded)
	if err != nil {
		return err
	}
	if !readable {
		if !bounded {
			return nil
		}
		if err := c.conn.Service(c.config.Engine.Now()); err != nil {
			return err
		}
		if err := c.openRequest(); err != nil {
			return err
		}
		return c.flush()
	}
	n, addr, err := c.config.IO.Receive(c.buf)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	p, err := c.config.Engine.Decode(c.buf[:n])
	if err != nil {
		c.config.Logger.Debug("dropping undecodable packet", zap.Stringer("addr", addr), zap.Error(err))
		if c.config.EventLogger != nil {
			c.config.EventLogger.Drop(addr, engine.DropMalformed)
		}
		return nil
	}
	p.Addr = addr
	if err := c.conn.Receive(p); err != nil {
		return err
	}
	if err := c.openRequest(); err != nil {
		return err
	}
	return c.flush()
}

// openRequest opens the single request stream once the handshake is done.
func (c *clientImpl) openRequest() error {
	if c.conn.State() != engine.StateEstablished || c.conn.LocalStreams() != 0 {
		return nil
	}
	st, err := c.conn.OpenStream(streams.NewResponse(c.config.Output, true))
	if err != nil {
		return err
	}
	if err := st.Write([]byte(requestPayload)); err != nil {
		return err
	}
	return st.ShutdownSend()
}

// flush sends pending packets. Failing to drain is fatal for the client:
// the connection is freed and the error returned.
func (c *clientImpl) flush() error {
	err := c.config.IO.SendBatch(c.conn)
	if err == nil {
		return nil
	}
	id := c.conn.ID()
	c.conn.Free()
	c.conn = nil
	if c.config.EventLogger != nil {
		c.config.EventLogger.Disconnect(id, err)
	}
	var closedErr coreErrs.ClosedError
	if errors.As(err, &closedErr) {
		return err
	}
	return coreErrs.ClosedError{Err: err}
}
