package util

import (
	"errors"
	"io"
	"net"
	"sync"
)

// DrainBufSize is the scratch buffer size used when draining unread
// message bodies.
const DrainBufSize = 4 * 1024

var drainBufs = sync.Pool{ //nolint:gochecknoglobals
	New: func() interface{} {
		buf := make([]byte, DrainBufSize)
		return &buf
	},
}

// Drain reads and discards exactly n bytes from r using a pooled
// scratch buffer.  It returns io.ErrUnexpectedEOF if r ends early.
func Drain(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	buf := drainBufs.Get().(*[]byte)
	defer drainBufs.Put(buf)

	copied, err := io.CopyBuffer(io.Discard, io.LimitReader(r, n), *buf)
	if err != nil {
		return err
	}
	if copied < n {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// IsHarmless returns true for errors that are expected when a peer
// hangs up or the connection is closed during shutdown.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	// net.OpError wrapping "use of closed network connection"
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
