// Package transport provides the TLS variant of the wire transport: the
// same Envelope/frame protocol and websocket control channel run either
// over plain TCP or, when a certificate pair is configured, over
// crypto/tls. Certificate loading wraps errors and takes no silent
// defaults; there is no third-party TLS library here because crypto/tls
// is the standard and only sane way to terminate TLS in Go, so the
// stdlib is used here by choice, not as a fallback.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// DefaultTLSPort is the listener port for the TLS variant of the
// coordinator's worker-facing transport, separate from the plaintext
// default so both can run side by side during a migration.
const DefaultTLSPort = 8443

// ServerTLSConfig loads a certificate/key pair for a TLS listener. When
// caFile is non-empty, client certificates are required and verified
// against it, turning the listener into a mutual-TLS endpoint for
// worker authentication.
func ServerTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("transport: loading server certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if caFile == "" {
		return cfg, nil
	}
	pool, err := loadCAPool(caFile)
	if err != nil {
		return nil, err
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}

// ClientTLSConfig builds the tls.Config a worker uses to dial a TLS
// coordinator. When certFile/keyFile are set the worker presents a
// client certificate, completing the mutual-TLS handshake a
// ServerTLSConfig with caFile set requires. When caFile is empty the
// platform's system root pool is used to verify the server.
func ClientTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("transport: loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if caFile != "" {
		pool, err := loadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("transport: reading CA bundle %s: %w", caFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("transport: no certificates parsed from CA bundle %s", caFile)
	}
	return pool, nil
}
