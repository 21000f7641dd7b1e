package integration_tests

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apernet/quicmux/core/engine"
	"github.com/apernet/quicmux/core/transport"
)

// This file provides utilities for the integration tests.

func selfSignedCert(t *testing.T) tls.Certificate {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:     []string{"localhost"},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func loopbackTransport(t *testing.T) (*transport.UDP, netip.AddrPort) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	tr, err := transport.New(conn, transport.Config{})
	require.NoError(t, err)
	return tr, conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// syncBuffer is a bytes.Buffer safe to read while the server loop writes to it.
type syncBuffer struct {
	mu sync.Mutex
	b  []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.b = append(b.b, p...)
	return len(p), nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.b)
}

type countingEventLogger struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	drops       map[engine.DropReason]int
}

func (l *countingEventLogger) Connect(id engine.ConnectionID, addr netip.AddrPort) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects++
}

func (l *countingEventLogger) Disconnect(id engine.ConnectionID, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
}

func (l *countingEventLogger) Drop(addr netip.AddrPort, reason engine.DropReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.drops == nil {
		l.drops = make(map[engine.DropReason]int)
	}
	l.drops[reason]++
}

func (l *countingEventLogger) Connects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connects
}
