// Package quicgo runs quic-go connections behind the engine interfaces.
//
// Every connection gets its own quic.Transport on top of an in-memory
// packet conn. The event loop feeds it datagrams and drains what it writes,
// so the loop keeps sole ownership of the real socket. quic-go's own
// goroutines never call back into stream handlers: stream events are
// collected and replayed on the loop goroutine by Receive and Service.
package quicgo

import (
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"github.com/apernet/quicmux/core/engine"
	"github.com/apernet/quicmux/core/errors"
)

const (
	ALPN = "hq-interop"

	defaultTick             = 10 * time.Millisecond
	defaultHandshakeTimeout = 10 * time.Second
	defaultMaxIdleTimeout   = 30 * time.Second

	// MinRetrySecretLen is the minimum stateless retry secret length.
	MinRetrySecretLen = sha256.Size
)

type Config struct {
	// TLSConfig must carry certificates for Accept. It is cloned for every
	// connection; NextProtos is always overridden.
	TLSConfig *tls.Config
	// Opener attaches handlers to streams opened by the peer.
	Opener engine.StreamOpener
	// RetrySecret enables stateless retry when set.
	RetrySecret []byte
	// InitialRTO scales the handshake timeout. Zero uses the default.
	InitialRTO   time.Duration
	KeyLogWriter io.Writer
	LocalAddr    net.Addr
	Pool         *engine.PacketPool
	Logger       *zap.Logger
	// Tick is how often an idle open connection is polled.
	Tick time.Duration

	filled bool // whether the fields have been verified and filled
}

func (c *Config) fill() error {
	if c.filled {
		return nil
	}
	if c.TLSConfig == nil {
		c.TLSConfig = &tls.Config{}
	}
	if c.Opener == nil {
		return errors.ConfigError{Field: "Opener", Reason: "must be set"}
	}
	if c.RetrySecret != nil && len(c.RetrySecret) < MinRetrySecretLen {
		return errors.ConfigError{Field: "RetrySecret", Reason: fmt.Sprintf("must be at least %d bytes", MinRetrySecretLen)}
	}
	if c.InitialRTO < 0 {
		return errors.ConfigError{Field: "InitialRTO", Reason: "must not be negative"}
	}
	if c.LocalAddr == nil {
		c.LocalAddr = &net.UDPAddr{IP: net.IPv4zero}
	}
	if c.Pool == nil {
		c.Pool = engine.NewPacketPool()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	c.filled = true
	return nil
}

// Engine implements engine.Engine with quic-go.
type Engine struct {
	config     *Config
	quicConfig *quic.Config

	resetKey *quic.StatelessResetKey
	tokenKey *quic.TokenGeneratorKey
}

func New(config *Config) (*Engine, error) {
	if err := config.fill(); err != nil {
		return nil, err
	}
	handshakeTimeout := defaultHandshakeTimeout
	if config.InitialRTO > 0 {
		handshakeTimeout = 10 * config.InitialRTO
	}
	e := &Engine{
		config: config,
		quicConfig: &quic.Config{
			Versions:                []quic.Version{quic.Version1},
			HandshakeIdleTimeout:    handshakeTimeout,
			MaxIdleTimeout:          defaultMaxIdleTimeout,
			DisablePathMTUDiscovery: true,
		},
	}
	if config.RetrySecret != nil {
		var err error
		e.resetKey, e.tokenKey, err = deriveRetryKeys(config.RetrySecret)
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// deriveRetryKeys expands the retry secret into the stateless reset key
// and the token protection key.
func deriveRetryKeys(secret []byte) (*quic.StatelessResetKey, *quic.TokenGeneratorKey, error) {
	var resetKey quic.StatelessResetKey
	var tokenKey quic.TokenGeneratorKey
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("quicmux stateless reset")), resetKey[:]); err != nil {
		return nil, nil, err
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("quicmux retry token")), tokenKey[:]); err != nil {
		return nil, nil, err
	}
	return &resetKey, &tokenKey, nil
}

func (e *Engine) Decode(b []byte) (*engine.Packet, error) {
	return decodeHeader(b)
}

func (e *Engine) Now() time.Time {
	return time.Now()
}

func (e *Engine) Connect(serverName string, addr netip.AddrPort) (engine.Handle, error) {
	id, err := randomID()
	if err != nil {
		return nil, err
	}
	tlsConfig := e.tlsConfig()
	tlsConfig.ServerName = serverName
	h := newHandle(e, id)
	h.tr.ConnectionIDGenerator = prefixGenerator{prefix: id}
	go h.dial(net.UDPAddrFromAddrPort(addr), tlsConfig)
	return h, nil
}

func (e *Engine) Accept(addr netip.AddrPort, p *engine.Packet) (engine.Handle, error) {
	if err := acceptable(p); err != nil {
		return nil, err
	}
	if len(e.config.TLSConfig.Certificates) == 0 && e.config.TLSConfig.GetCertificate == nil {
		return nil, errors.ConfigError{Field: "TLSConfig", Reason: "no certificate to accept connections with"}
	}
	if err := openInitial(p); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrRejected, err)
	}
	e.config.Logger.Debug("accepting connection", zap.Stringer("addr", addr), zap.Stringer("id", p.ID), zap.Bool("token", len(p.Token) > 0))
	h := newHandle(e, p.ID)
	h.tr.ConnectionIDGenerator = prefixGenerator{prefix: p.ID}
	h.tr.StatelessResetKey = e.resetKey
	if e.tokenKey != nil {
		h.tr.TokenGeneratorKey = e.tokenKey
		h.tr.VerifySourceAddress = func(net.Addr) bool { return true }
	}
	ln, err := h.tr.Listen(e.tlsConfig(), e.quicConfig)
	if err != nil {
		h.Free()
		return nil, err
	}
	h.ln = ln
	h.pc.Feed(p.Data, addr)
	go h.accept(2 * e.quicConfig.HandshakeIdleTimeout)
	return h, nil
}

func (e *Engine) tlsConfig() *tls.Config {
	c := e.config.TLSConfig.Clone()
	c.NextProtos = []string{ALPN}
	if e.config.KeyLogWriter != nil {
		c.KeyLogWriter = e.config.KeyLogWriter
	}
	return c
}
