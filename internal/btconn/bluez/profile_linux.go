//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/chaz8081/btchat/internal/btconn"
)

var errRejected = &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no pending accept or dial"}}

type incoming struct {
	fd  int
	dev dbus.ObjectPath
}

// profile implements org.bluez.Profile1 for one service UUID. BlueZ hands
// it the RFCOMM socket of every link for that UUID, inbound or outbound.
type profile struct {
	path dbus.ObjectPath
	log  *zap.Logger

	mu       sync.Mutex
	listener chan incoming
	dialers  map[dbus.ObjectPath]chan incoming
}

func newProfile(path dbus.ObjectPath, log *zap.Logger) *profile {
	return &profile{
		path:    path,
		log:     log,
		dialers: make(map[dbus.ObjectPath]chan incoming),
	}
}

// Release is called by BlueZ when the profile is unregistered.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel is called when a pending request is cancelled.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is called when BlueZ tears a link down. The worker
// notices through its read loop.
func (p *profile) RequestDisconnection(dev dbus.ObjectPath) *dbus.Error {
	p.log.Debug("disconnection requested", zap.String("device", string(dev)))
	return nil
}

// NewConnection hands the RFCOMM socket to a pending Dial for the device,
// else to a pending Listen. Unclaimed sockets are closed and rejected.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	in := incoming{fd: int(fd), dev: dev}

	p.mu.Lock()
	ch, ok := p.dialers[dev]
	if ok {
		delete(p.dialers, dev)
	} else if p.listener != nil {
		ch = p.listener
		p.listener = nil
	}
	p.mu.Unlock()

	if ch == nil {
		p.log.Warn("rejecting unsolicited connection", zap.String("device", string(dev)))
		_ = unix.Close(in.fd)
		return errRejected
	}
	ch <- in
	return nil
}

// accept waits for exactly one inbound link.
func (p *profile) accept(ctx context.Context) (incoming, error) {
	ch := make(chan incoming, 1)
	p.mu.Lock()
	if p.listener != nil {
		p.mu.Unlock()
		return incoming{}, errors.New("bluez: already listening")
	}
	p.listener = ch
	p.mu.Unlock()

	select {
	case in := <-ch:
		return in, nil
	case <-ctx.Done():
		p.mu.Lock()
		if p.listener == ch {
			p.listener = nil
		}
		p.mu.Unlock()
		abandon(ch)
		return incoming{}, fmt.Errorf("bluez: accept canceled: %w", ctx.Err())
	}
}

// expect registers a waiter for an outbound link to dev.
func (p *profile) expect(dev dbus.ObjectPath) (chan incoming, error) {
	ch := make(chan incoming, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.dialers[dev]; busy {
		return nil, fmt.Errorf("bluez: dial to %s already in progress", addressFromPath(dev))
	}
	p.dialers[dev] = ch
	return ch, nil
}

func (p *profile) forget(dev dbus.ObjectPath, ch chan incoming) {
	p.mu.Lock()
	if p.dialers[dev] == ch {
		delete(p.dialers, dev)
	}
	p.mu.Unlock()
	abandon(ch)
}

// abandon closes a socket that raced into a waiter nobody reads anymore.
func abandon(ch chan incoming) {
	select {
	case in := <-ch:
		_ = unix.Close(in.fd)
	default:
	}
}

// stream is an RFCOMM socket. The descriptor is nonblocking so Close
// unblocks a pending Read through the runtime poller.
type stream struct {
	f    *os.File
	peer btconn.Peer
}

func newStream(fd int, peer btconn.Peer) (*stream, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bluez: set nonblocking: %w", err)
	}
	return &stream{f: os.NewFile(uintptr(fd), "rfcomm:"+peer.Address), peer: peer}, nil
}

func (s *stream) Read(b []byte) (int, error)  { return s.f.Read(b) }
func (s *stream) Write(b []byte) (int, error) { return s.f.Write(b) }
func (s *stream) Close() error                { return s.f.Close() }
func (s *stream) RemotePeer() btconn.Peer     { return s.peer }

func (s *stream) CloseRead() error  { return s.shutdown(unix.SHUT_RD) }
func (s *stream) CloseWrite() error { return s.shutdown(unix.SHUT_WR) }

func (s *stream) shutdown(how int) error {
	raw, err := s.f.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	if err := raw.Control(func(fd uintptr) {
		serr = unix.Shutdown(int(fd), how)
	}); err != nil {
		return err
	}
	return serr
}
