package cmd

import (
	"context"
	"os"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/apernet/quicmux/core/client"
)

func runClient(ctx context.Context, rc *runConfig, metrics *promMetrics) {
	logger.Info("client mode")

	tr, e := newLoopIO(rc, metrics)
	out := &countingWriter{W: os.Stdout}
	c, err := client.NewClient(&client.Config{
		Engine:      e,
		IO:          tr,
		ServerName:  rc.Host,
		ServerAddr:  rc.Addr,
		Logger:      logger,
		EventLogger: &connLogger{Metrics: metrics},
		Output:      out,
	})
	if err != nil {
		logger.Fatal("failed to initialize client", zap.Error(err))
	}
	defer c.Close()

	logger.Debug("connecting", zap.String("host", rc.Host), zap.Stringer("addr", rc.Addr))
	if err := c.Run(ctx); err != nil {
		logger.Fatal("request failed", zap.Error(err))
	}
	logger.Info("response complete", zap.String("received", humanize.Bytes(out.N)))
}
