package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/apernet/quicmux/core/engine/quicgo"
	"github.com/apernet/quicmux/core/streams"
	"github.com/apernet/quicmux/core/transport"
)

func runMain(cmd *cobra.Command, args []string) {
	var config cliConfig
	if err := viper.Unmarshal(&config); err != nil {
		logger.Fatal("failed to parse config", zap.Error(err))
	}
	rc, err := config.Config(args[0], args[1])
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	var metrics *promMetrics
	if rc.Metrics != "" {
		reg := prometheus.NewRegistry()
		metrics = newPromMetrics(reg)
		go runMetricsServer(rc.Metrics, reg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if rc.Server {
		runServer(ctx, rc, metrics)
	} else {
		runClient(ctx, rc, metrics)
	}
}

// newLoopIO binds the socket and builds the transport and engine shared by
// both modes.
func newLoopIO(rc *runConfig, metrics *promMetrics) (*transport.UDP, *quicgo.Engine) {
	conn, err := listenUDP(rc.Addr, rc.Server, rc.Socket)
	if err != nil {
		logger.Fatal("failed to bind socket", zap.Stringer("addr", rc.Addr), zap.Error(err))
	}
	tr, err := transport.New(conn, transport.Config{
		Logger:      logger,
		DumpPackets: rc.DumpPackets,
		EventLogger: transportEventLogger(metrics),
	})
	if err != nil {
		logger.Fatal("failed to initialize transport", zap.Error(err))
	}
	engineConfig := rc.Engine
	engineConfig.Opener = streams.Opener()
	engineConfig.LocalAddr = conn.LocalAddr()
	engineConfig.Logger = logger
	e, err := quicgo.New(&engineConfig)
	if err != nil {
		logger.Fatal("failed to initialize engine", zap.Error(err))
	}
	return tr, e
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
