package utils

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"
)

// LocalCertificateLoader serves a certificate and key pair from disk and
// reloads it when either file's modification time changes.
type LocalCertificateLoader struct {
	CertFile string
	KeyFile  string

	lock  sync.RWMutex
	cache *localCertificateCache
}

// localCertificateCache holds the certificate and its mod times.
// this struct is designed to be read-only.
type localCertificateCache struct {
	certificate *tls.Certificate
	certModTime time.Time
	keyModTime  time.Time
}

// InitializeCache loads the pair once, so that configuration errors are
// reported at startup rather than during the first handshake.
func (l *LocalCertificateLoader) InitializeCache() error {
	cache, err := l.makeCache()
	if err != nil {
		return err
	}

	l.lock.Lock()
	defer l.lock.Unlock()
	l.cache = cache
	return nil
}

func (l *LocalCertificateLoader) GetCertificate(info *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return l.getCertificateWithCache()
}

func (l *LocalCertificateLoader) checkModTime() (certModTime, keyModTime time.Time, err error) {
	fi, err := os.Stat(l.CertFile)
	if err != nil {
		return certModTime, keyModTime, fmt.Errorf("failed to stat certificate file: %w", err)
	}
	certModTime = fi.ModTime()
	fi, err = os.Stat(l.KeyFile)
	if err != nil {
		return certModTime, keyModTime, fmt.Errorf("failed to stat key file: %w", err)
	}
	keyModTime = fi.ModTime()
	return certModTime, keyModTime, nil
}

func (l *LocalCertificateLoader) makeCache() (*localCertificateCache, error) {
	certModTime, keyModTime, err := l.checkModTime()
	if err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(l.CertFile, l.KeyFile)
	if err != nil {
		return nil, err
	}
	cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, err
	}
	return &localCertificateCache{
		certificate: &cert,
		certModTime: certModTime,
		keyModTime:  keyModTime,
	}, nil
}

func (l *LocalCertificateLoader) getCertificateWithCache() (*tls.Certificate, error) {
	l.lock.RLock()
	cache := l.cache
	l.lock.RUnlock()

	certModTime, keyModTime, err := l.checkModTime()
	if err != nil {
		if cache != nil {
			// use cache when file is temporarily unavailable
			return cache.certificate, nil
		}
		return nil, err
	}
	if cache != nil && cache.certModTime.Equal(certModTime) && cache.keyModTime.Equal(keyModTime) {
		return cache.certificate, nil
	}

	if cache != nil {
		if !l.lock.TryLock() {
			// another handshake is reloading
			return cache.certificate, nil
		}
	} else {
		l.lock.Lock()
	}
	defer l.lock.Unlock()

	newCache, err := l.makeCache()
	if err != nil {
		if cache != nil {
			return cache.certificate, nil
		}
		return nil, err
	}
	l.cache = newCache
	return newCache.certificate, nil
}
