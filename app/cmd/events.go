package cmd

import (
	"errors"
	"net/netip"

	"go.uber.org/zap"

	"github.com/apernet/quicmux/core/engine"
	coreErrs "github.com/apernet/quicmux/core/errors"
	"github.com/apernet/quicmux/core/transport"
)

// connLogger logs connection events and forwards them to the metrics, if any.
type connLogger struct {
	Metrics *promMetrics
}

func (l *connLogger) Connect(id engine.ConnectionID, addr netip.AddrPort) {
	logger.Info("connection opened", zap.Stringer("id", id), zap.Stringer("addr", addr))
	if l.Metrics != nil {
		l.Metrics.Connect(id, addr)
	}
}

func (l *connLogger) Disconnect(id engine.ConnectionID, err error) {
	var closedErr coreErrs.ClosedError
	if errors.As(err, &closedErr) {
		logger.Info("connection closed", zap.Stringer("id", id), zap.Error(closedErr.Err))
	} else {
		logger.Warn("connection failed", zap.Stringer("id", id), zap.Error(err))
	}
	if l.Metrics != nil {
		l.Metrics.Disconnect(id, err)
	}
}

func (l *connLogger) Drop(addr netip.AddrPort, reason engine.DropReason) {
	if l.Metrics != nil {
		l.Metrics.Drop(addr, reason)
	}
}

// transportEventLogger returns the datagram event hook, nil without metrics.
func transportEventLogger(m *promMetrics) transport.EventLogger {
	if m == nil {
		return nil
	}
	return m
}
