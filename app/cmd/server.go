package cmd

import (
	"context"

	"go.uber.org/zap"

	"github.com/apernet/quicmux/core/server"
)

func runServer(ctx context.Context, rc *runConfig, metrics *promMetrics) {
	logger.Info("server mode")

	tr, e := newLoopIO(rc, metrics)
	s, err := server.NewServer(&server.Config{
		Engine:      e,
		IO:          tr,
		Logger:      logger,
		EventLogger: &connLogger{Metrics: metrics},
	})
	if err != nil {
		logger.Fatal("failed to initialize server", zap.Error(err))
	}
	logger.Info("server up and running", zap.Stringer("addr", tr.LocalAddr()))

	if err := s.Serve(ctx); err != nil && !isCanceled(err) {
		logger.Fatal("failed to serve", zap.Error(err))
	}
	logger.Info("server stopped")
}
