// Package transport opens the byte streams a controller talks to a
// device over: a direct TCP connection to the device's bus listener,
// or one forwarded through an SSH gateway when the device is only
// reachable from behind it.
package transport

import (
	"context"
	"net"
)

// Dialer opens connections to a device's bus address.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH client).  Stateless dialers return nil.
	Close() error
}
