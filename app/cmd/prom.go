package cmd

import (
	"net/http"
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/apernet/quicmux/core/engine"
)

type promMetrics struct {
	reg *prometheus.Registry

	connAccepted prometheus.Counter
	connClosed   prometheus.Counter
	connActive   prometheus.Gauge
	dropped      *prometheus.CounterVec
	datagramsIn  prometheus.Counter
	datagramsOut prometheus.Counter
	sendErrors   prometheus.Counter
	bytesIn      prometheus.Counter
	bytesOut     prometheus.Counter
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	m := &promMetrics{
		reg: reg,
		connAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quicmux_connections_accepted_total",
			Help: "Connections created by the loop.",
		}),
		connClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quicmux_connections_closed_total",
			Help: "Connections removed and freed by the loop.",
		}),
		connActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quicmux_connections_active",
			Help: "Connections currently in the table.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quicmux_datagrams_dropped_total",
			Help: "Inbound datagrams discarded, by reason.",
		}, []string{"reason"}),
		datagramsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quicmux_datagrams_received_total",
		}),
		datagramsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quicmux_datagrams_sent_total",
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quicmux_send_errors_total",
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quicmux_received_bytes_total",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quicmux_sent_bytes_total",
		}),
	}
	reg.MustRegister(m.connAccepted, m.connClosed, m.connActive, m.dropped,
		m.datagramsIn, m.datagramsOut, m.sendErrors, m.bytesIn, m.bytesOut)
	return m
}

func (m *promMetrics) Received(addr netip.AddrPort, n int) {
	m.datagramsIn.Inc()
	m.bytesIn.Add(float64(n))
}

func (m *promMetrics) Sent(addr netip.AddrPort, n int) {
	m.datagramsOut.Inc()
	m.bytesOut.Add(float64(n))
}

func (m *promMetrics) SendError(addr netip.AddrPort, err error) {
	m.sendErrors.Inc()
}

func (m *promMetrics) Connect(id engine.ConnectionID, addr netip.AddrPort) {
	m.connAccepted.Inc()
	m.connActive.Inc()
}

func (m *promMetrics) Disconnect(id engine.ConnectionID, err error) {
	m.connClosed.Inc()
	m.connActive.Dec()
}

func (m *promMetrics) Drop(addr netip.AddrPort, reason engine.DropReason) {
	m.dropped.WithLabelValues(string(reason)).Inc()
}

func runMetricsServer(listen string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("metrics server listening", zap.String("addr", listen))
	if err := http.ListenAndServe(listen, mux); err != nil {
		logger.Fatal("failed to serve metrics", zap.Error(err))
	}
}
