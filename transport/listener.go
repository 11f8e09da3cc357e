package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// Listen opens a raw TCP listener for the Envelope frame stream, wrapped
// in TLS when cfg is non-nil.
func Listen(network, address string, cfg *tls.Config) (net.Listener, error) {
	if cfg == nil {
		ln, err := net.Listen(network, address)
		if err != nil {
			return nil, fmt.Errorf("transport: listening on %s: %w", address, err)
		}
		return ln, nil
	}
	ln, err := tls.Listen(network, address, cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: listening with tls on %s: %w", address, err)
	}
	return ln, nil
}

// Dial connects to a worker or coordinator's frame endpoint, wrapped in
// TLS when cfg is non-nil.
func Dial(ctx context.Context, network, address string, cfg *tls.Config) (net.Conn, error) {
	dialer := &net.Dialer{}
	if cfg == nil {
		conn, err := dialer.DialContext(ctx, network, address)
		if err != nil {
			return nil, fmt.Errorf("transport: dialing %s: %w", address, err)
		}
		return conn, nil
	}
	conn, err := tls.DialWithDialer(dialer, network, address, cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing with tls %s: %w", address, err)
	}
	return conn, nil
}
