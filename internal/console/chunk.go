package console

import (
	"fmt"
	"io"

	"scriptcon/internal/bus"
)

// decodeLength decodes a raw length prefix written by a sender that
// declared byte order e.
func decodeLength(e bus.Endianness, b []byte) uint32 {
	return e.Uint32(b)
}

// readLength reads the 4-byte raw length prefix of a payload.
func readLength(msg *bus.Message) (uint32, error) {
	var b [4]byte
	n := 0
	for n < len(b) {
		chunk, err := msg.ReadRaw(len(b) - n)
		if err != nil {
			return 0, fmt.Errorf("read length: %w", err)
		}
		n += copy(b[n:], chunk)
	}
	return decodeLength(msg.Endian, b[:]), nil
}

// readChunks feeds exactly n payload bytes to sink in the order they
// arrive.  Each chunk is at most the receive window and may be
// shorter.
func (c *Console) readChunks(msg *bus.Message, n uint32, sink func([]byte) error) error {
	remaining := n
	for remaining > 0 {
		chunk, err := msg.ReadRaw(int(remaining))
		if err != nil {
			return fmt.Errorf("chunk at %d of %d: %w", n-remaining, n, err)
		}
		if len(chunk) == 0 {
			return fmt.Errorf("chunk at %d of %d: %w", n-remaining, n, io.ErrNoProgress)
		}
		if err := sink(chunk); err != nil {
			return err
		}
		remaining -= uint32(len(chunk))
		c.metrics.ChunkReceived(len(chunk))
	}
	return nil
}

// reassemble reads an n-byte payload into a buffer of its own.  The
// buffer is dropped on error.
func (c *Console) reassemble(msg *bus.Message, n uint32) ([]byte, error) {
	buf := make([]byte, 0, n)
	err := c.readChunks(msg, n, func(chunk []byte) error {
		buf = append(buf, chunk...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// stream copies an n-byte payload verbatim into w and closes w
// whether or not the copy succeeded.  The first error wins.
func (c *Console) stream(msg *bus.Message, n uint32, w io.WriteCloser) (err error) {
	defer func() {
		if cerr := w.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close script: %w", cerr)
		}
	}()
	return c.readChunks(msg, n, func(chunk []byte) error {
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("write script: %w", err)
		}
		return nil
	})
}

// trimTrailingNUL strips zero padding from the end of an eval payload.
func trimTrailingNUL(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}
