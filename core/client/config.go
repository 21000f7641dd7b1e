package client

import (
	"io"
	"net/netip"
	"os"

	"go.uber.org/zap"

	"github.com/apernet/quicmux/core/engine"
	"github.com/apernet/quicmux/core/errors"
	"github.com/apernet/quicmux/core/transport"
)

type Config struct {
	Engine     engine.Engine
	IO         transport.PacketIO
	ServerName string
	ServerAddr netip.AddrPort
	Logger     *zap.Logger
	// EventLogger is optional.
	EventLogger EventLogger
	// Output receives the response body. Defaults to os.Stdout.
	Output io.Writer

	filled bool // whether the fields have been verified and filled
}

// verifyAndFill fills the fields that are not set by the user with default values when possible,
// and returns an error if the user has not set a required field or has set an invalid value.
func (c *Config) verifyAndFill() error {
	if c.filled {
		return nil
	}
	if c.Engine == nil {
		return errors.ConfigError{Field: "Engine", Reason: "must be set"}
	}
	if c.IO == nil {
		return errors.ConfigError{Field: "IO", Reason: "must be set"}
	}
	if !c.ServerAddr.IsValid() {
		return errors.ConfigError{Field: "ServerAddr", Reason: "must be set"}
	}
	if c.ServerName == "" {
		c.ServerName = c.ServerAddr.Addr().String()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Output == nil {
		c.Output = os.Stdout
	}

	c.filled = true
	return nil
}

// EventLogger receives client side events. Calls are made from the loop goroutine.
type EventLogger interface {
	Connect(id engine.ConnectionID, addr netip.AddrPort)
	Disconnect(id engine.ConnectionID, err error)
	Drop(addr netip.AddrPort, reason engine.DropReason)
}
