package cmd

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/docker/go-units"

	"github.com/apernet/quicmux/app/internal/sockopts"
	"github.com/apernet/quicmux/app/internal/utils"
	"github.com/apernet/quicmux/core/engine/quicgo"
	"github.com/apernet/quicmux/core/transport"
)

type cliConfig struct {
	Cert              string `mapstructure:"cert"`
	Key               string `mapstructure:"key"`
	KeyLog            string `mapstructure:"keylog"`
	InitialRTO        int    `mapstructure:"initial-rto"`
	StatelessRetry    string `mapstructure:"stateless-retry"`
	Verify            bool   `mapstructure:"verify"`
	Verbose           int    `mapstructure:"verbose"`
	Metrics           string `mapstructure:"metrics"`
	LogFormat         string `mapstructure:"log-format"`
	ResolvePreference string `mapstructure:"resolve-preference"`
	RecvBuffer        string `mapstructure:"recv-buffer"`
	SendBuffer        string `mapstructure:"send-buffer"`
}

// runConfig is what the server and client modes are started from.
type runConfig struct {
	Server      bool
	Host        string
	Addr        netip.AddrPort
	Engine      quicgo.Config
	DumpPackets bool
	Metrics     string
	Socket      sockopts.SocketOptions
}

func (c *cliConfig) fillMode(rc *runConfig) error {
	switch {
	case c.Cert != "" && c.Key != "":
		rc.Server = true
	case c.Cert == "" && c.Key == "":
		rc.Server = false
	default:
		return configError{Field: "cert", Err: errors.New("-c and -k options must be used together")}
	}
	return nil
}

func (c *cliConfig) fillTLSConfig(rc *runConfig) error {
	tlsConfig := &tls.Config{}
	if rc.Server {
		loader := &utils.LocalCertificateLoader{
			CertFile: c.Cert,
			KeyFile:  c.Key,
		}
		if err := loader.InitializeCache(); err != nil {
			return configError{Field: "cert", Err: err}
		}
		tlsConfig.GetCertificate = loader.GetCertificate
		if c.Verify {
			tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		}
	} else {
		tlsConfig.InsecureSkipVerify = !c.Verify
	}
	rc.Engine.TLSConfig = tlsConfig
	return nil
}

func (c *cliConfig) fillKeyLog(rc *runConfig) error {
	if c.KeyLog == "" {
		return nil
	}
	f, err := os.OpenFile(c.KeyLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return configError{Field: "keylog", Err: err}
	}
	// Stays open for the lifetime of the process
	rc.Engine.KeyLogWriter = f
	return nil
}

func (c *cliConfig) fillInitialRTO(rc *runConfig) error {
	if c.InitialRTO < 0 {
		return configError{Field: "initial-rto", Err: errors.New("invalid argument passed to `-r`")}
	}
	rc.Engine.InitialRTO = time.Duration(c.InitialRTO) * time.Millisecond
	return nil
}

func (c *cliConfig) fillStatelessRetry(rc *runConfig) error {
	if c.StatelessRetry == "" {
		return nil
	}
	if len(c.StatelessRetry) < quicgo.MinRetrySecretLen {
		return configError{
			Field: "stateless-retry",
			Err:   fmt.Errorf("secret for stateless retry is too short (should be at least %d bytes long)", quicgo.MinRetrySecretLen),
		}
	}
	rc.Engine.RetrySecret = []byte(c.StatelessRetry)
	return nil
}

func (c *cliConfig) fillVerbosity(rc *runConfig) error {
	rc.DumpPackets = c.Verbose >= 2
	return nil
}

func (c *cliConfig) fillSocketOptions(rc *runConfig) error {
	rc.Socket.ReuseAddr = rc.Server
	if c.RecvBuffer != "" {
		n, err := units.RAMInBytes(c.RecvBuffer)
		if err != nil || n < 0 {
			return configError{Field: "recv-buffer", Err: fmt.Errorf("invalid buffer size %q", c.RecvBuffer)}
		}
		rc.Socket.ReceiveBuffer = int(n)
	}
	if c.SendBuffer != "" {
		n, err := units.RAMInBytes(c.SendBuffer)
		if err != nil || n < 0 {
			return configError{Field: "send-buffer", Err: fmt.Errorf("invalid buffer size %q", c.SendBuffer)}
		}
		rc.Socket.SendBuffer = int(n)
	}
	return nil
}

func (c *cliConfig) fillMetrics(rc *runConfig) error {
	rc.Metrics = c.Metrics
	return nil
}

// Config validates the fields and resolves host and port into a run config.
func (c *cliConfig) Config(host, port string) (*runConfig, error) {
	rc := &runConfig{Host: host}
	fillers := []func(*runConfig) error{
		c.fillMode,
		c.fillTLSConfig,
		c.fillKeyLog,
		c.fillInitialRTO,
		c.fillStatelessRetry,
		c.fillVerbosity,
		c.fillSocketOptions,
		c.fillMetrics,
		func(rc *runConfig) error {
			return c.fillAddr(rc, host, port)
		},
	}
	for _, f := range fillers {
		if err := f(rc); err != nil {
			return nil, err
		}
	}
	return rc, nil
}

func (c *cliConfig) fillAddr(rc *runConfig, host, port string) error {
	pref, err := transport.ResolvePreferenceFromString(c.ResolvePreference)
	if err != nil {
		return configError{Field: "resolve-preference", Err: err}
	}
	addr, err := transport.Resolve(host, port, pref)
	if err != nil {
		return configError{Field: "host", Err: err}
	}
	rc.Addr = addr
	return nil
}
