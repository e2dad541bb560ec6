package transport

import (
	"context"
	"net"
	"time"

	ncerr "scriptcon/internal/errors"
)

// TCPDialer connects straight to the device.
type TCPDialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration // TCP keep-alive period; 0 uses the OS default
}

// Dial connects to address over TCP.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, ncerr.Wrap("dial", address, err)
	}
	return conn, nil
}

// Close is a no-op for stateless TCP dialers.
func (d *TCPDialer) Close() error { return nil }
