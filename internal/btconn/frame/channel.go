// Package frame turns an unstructured duplex byte stream into discrete
// newline-delimited text messages.
package frame

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
)

// Delimiter terminates every message on the wire.
const Delimiter byte = '\n'

const (
	// readBufSize matches the read granularity of the radio sockets.
	readBufSize = 1024

	// MaxMessageSize bounds how long an undelimited fragment is held before
	// it is delivered as-is.
	MaxMessageSize = 64 * 1024

	maxEmptyReads = 100
)

// Channel frames outgoing text and reassembles incoming messages.
// Send and Close are safe for concurrent use; ReceiveLoop must only run
// on one goroutine at a time.
type Channel struct {
	rwc io.ReadWriteCloser

	wmu sync.Mutex
	w   *bufio.Writer

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New wraps rwc. The Channel takes ownership of rwc and closes it on Close.
func New(rwc io.ReadWriteCloser) *Channel {
	return &Channel{
		rwc: rwc,
		w:   bufio.NewWriter(rwc),
	}
}

// Send writes text followed by a single delimiter (unless text already ends
// with one) and flushes. Sending on a closed channel or stream is a no-op.
func (c *Channel) Send(text string) error {
	if c.closed.Load() {
		return nil
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.w.WriteString(text); err != nil {
		return c.writeErr(err)
	}
	if len(text) == 0 || text[len(text)-1] != Delimiter {
		if err := c.w.WriteByte(Delimiter); err != nil {
			return c.writeErr(err)
		}
	}
	if err := c.w.Flush(); err != nil {
		return c.writeErr(err)
	}
	return nil
}

// writeErr drops errors caused by a closed stream and resets the buffered
// writer so a failed frame is not replayed by a later Send.
func (c *Channel) writeErr(err error) error {
	c.w.Reset(c.rwc)
	if c.closed.Load() || IsClosed(err) {
		return nil
	}
	return err
}

// ReceiveLoop reads until the stream ends, calling onMessage once per
// delimited message with the delimiter stripped. It returns nil when the
// stream reaches EOF or the channel is closed, and the read error otherwise.
func (c *Channel) ReceiveLoop(onMessage func(text string)) error {
	buf := make([]byte, readBufSize)
	var pending []byte
	empty := 0

	for {
		n, err := c.rwc.Read(buf)
		if n > 0 {
			empty = 0
			pending = append(pending, buf[:n]...)
			pending = deliver(pending, onMessage)
			if len(pending) >= MaxMessageSize {
				onMessage(string(pending))
				pending = pending[:0]
			}
		}
		if err != nil {
			// Deliver whatever was left without a delimiter.
			if len(pending) > 0 {
				onMessage(string(pending))
			}
			if err == io.EOF || c.closed.Load() || IsClosed(err) {
				return nil
			}
			return err
		}
		if n == 0 {
			empty++
			if empty >= maxEmptyReads {
				return io.ErrNoProgress
			}
		}
	}
}

// deliver emits every complete message in pending and returns the
// remaining fragment.
func deliver(pending []byte, onMessage func(string)) []byte {
	for {
		i := bytes.IndexByte(pending, Delimiter)
		if i < 0 {
			return pending
		}
		onMessage(string(pending[:i]))
		pending = pending[i+1:]
	}
}

type readCloser interface {
	CloseRead() error
}

type writeCloser interface {
	CloseWrite() error
}

// Close shuts the read side, then the write side, then the stream. It is
// idempotent and unblocks a concurrent ReceiveLoop.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if rc, ok := c.rwc.(readCloser); ok {
			_ = rc.CloseRead()
		}
		if wc, ok := c.rwc.(writeCloser); ok {
			_ = wc.CloseWrite()
		}
		if err := c.rwc.Close(); err != nil && !IsClosed(err) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	return c.closed.Load()
}

// IsClosed reports whether err means the stream is already gone.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.EOF)
}
