package tinyble

import (
	"bytes"
	"io"
	"sync"

	"github.com/chaz8081/btchat/internal/btconn"
)

// stream adapts a NUS connection to an io.ReadWriteCloser. Notifications
// are buffered until read; writes are split to fit the MTU.
type stream struct {
	conn Connection
	rx   Characteristic // peer's RX, written by us
	mtu  int
	peer btconn.Peer

	wmu sync.Mutex

	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool

	closeOnce sync.Once
	closeErr  error
}

func newStream(conn Connection, rx Characteristic, mtu int, peer btconn.Peer) *stream {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	s := &stream{conn: conn, rx: rx, mtu: mtu, peer: peer}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// deliver queues notification data for Read.
func (s *stream) deliver(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf.Write(data)
	s.cond.Broadcast()
}

// hangUp marks the stream as ended by the peer. Buffered data stays
// readable; Read returns io.EOF after it.
func (s *stream) hangUp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

func (s *stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.buf.Len() == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.buf.Len() == 0 {
		return 0, io.EOF
	}
	return s.buf.Read(p)
}

func (s *stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	n := 0
	for _, c := range chunk(p, s.mtu) {
		if err := s.rx.Write(c); err != nil {
			return n, err
		}
		n += len(c)
	}
	return n, nil
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.hangUp()
		s.closeErr = s.conn.Disconnect()
	})
	return s.closeErr
}

func (s *stream) RemotePeer() btconn.Peer { return s.peer }
