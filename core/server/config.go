package server

import (
	"io"
	"net/netip"
	"os"

	"go.uber.org/zap"

	"github.com/apernet/quicmux/core/engine"
	"github.com/apernet/quicmux/core/errors"
	"github.com/apernet/quicmux/core/internal/conntable"
	"github.com/apernet/quicmux/core/transport"
)

type Config struct {
	Engine      engine.Engine
	IO          transport.PacketIO
	Logger      *zap.Logger
	EventLogger EventLogger
	// ResponseOutput receives the peer's answers to the request the server
	// sends on each established connection. Defaults to os.Stdout.
	ResponseOutput io.Writer
	RetiredSize    int

	filled bool // whether the fields have been verified and filled
}

// fill fills the fields that are not set by the user with default values when possible,
// and returns an error if the user has not set a required field.
func (c *Config) fill() error {
	if c.filled {
		return nil
	}
	if c.Engine == nil {
		return errors.ConfigError{Field: "Engine", Reason: "must be set"}
	}
	if c.IO == nil {
		return errors.ConfigError{Field: "IO", Reason: "must be set"}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.ResponseOutput == nil {
		c.ResponseOutput = os.Stdout
	}
	if c.RetiredSize < 0 {
		return errors.ConfigError{Field: "RetiredSize", Reason: "must not be negative"}
	} else if c.RetiredSize == 0 {
		c.RetiredSize = conntable.DefaultRetiredSize
	}

	c.filled = true
	return nil
}

// EventLogger is the logger interface for connection lifecycle events.
// Calls are made from the loop goroutine.
type EventLogger interface {
	Connect(id engine.ConnectionID, addr netip.AddrPort)
	Disconnect(id engine.ConnectionID, err error)
	Drop(addr netip.AddrPort, reason engine.DropReason)
}
