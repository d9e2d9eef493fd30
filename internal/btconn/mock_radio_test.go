package btconn

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

const waitTimeout = 2 * time.Second

// pipeStream is one end of an in-memory link.
type pipeStream struct {
	net.Conn
	peer Peer
}

func (s *pipeStream) RemotePeer() Peer { return s.peer }

// mockRadio simulates the radio. State changes notify the sink
// synchronously, the way a radio callback thread would.
type mockRadio struct {
	mu           sync.Mutex
	powered      bool
	discoverable bool
	discovering  bool
	sink         func(Notification)
	startErr     error
	powerOffErr  error // returned by SetPowered(false) without a state change
	confirmLater bool  // SetDiscoverable waits for confirmDiscoverable
	stopCalls    int
	listens      int
	dialAddrs    []string

	accept chan Stream // links handed to Listen
	dialed chan Stream // links handed to Dial
}

func newMockRadio(powered bool) *mockRadio {
	return &mockRadio{
		powered: powered,
		accept:  make(chan Stream),
		dialed:  make(chan Stream),
	}
}

func (r *mockRadio) notify(n Notification) {
	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	if sink != nil {
		sink(n)
	}
}

func (r *mockRadio) Powered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.powered
}

func (r *mockRadio) Discoverable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discoverable
}

func (r *mockRadio) SetPowered(_ context.Context, on bool) error {
	r.mu.Lock()
	if !on && r.powerOffErr != nil {
		r.mu.Unlock()
		return r.powerOffErr
	}
	r.powered = on
	if !on {
		r.discoverable = false
		r.discovering = false
	}
	r.mu.Unlock()

	mode := ScanModeNone
	if on {
		mode = ScanModeConnectable
	}
	r.notify(Notification{Kind: NotifyScanMode, ScanMode: mode})
	return nil
}

func (r *mockRadio) SetDiscoverable(_ context.Context, _ time.Duration) error {
	r.mu.Lock()
	if !r.powered {
		r.mu.Unlock()
		return ErrRadioOff
	}
	if r.confirmLater {
		r.mu.Unlock()
		return nil
	}
	r.discoverable = true
	r.mu.Unlock()
	r.notify(Notification{Kind: NotifyScanMode, ScanMode: ScanModeDiscoverable})
	return nil
}

// confirmDiscoverable reports a requested discoverable window opening.
func (r *mockRadio) confirmDiscoverable() {
	r.mu.Lock()
	r.discoverable = true
	r.mu.Unlock()
	r.notify(Notification{Kind: NotifyScanMode, ScanMode: ScanModeDiscoverable})
}

// expireDiscoverable simulates the discoverability window elapsing.
func (r *mockRadio) expireDiscoverable() {
	r.mu.Lock()
	r.discoverable = false
	r.mu.Unlock()
	r.notify(Notification{Kind: NotifyScanMode, ScanMode: ScanModeConnectable})
}

func (r *mockRadio) StartDiscovery(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.discovering = true
	return nil
}

func (r *mockRadio) StopDiscovery() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopCalls++
	r.discovering = false
	return nil
}

func (r *mockRadio) isDiscovering() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discovering
}

func (r *mockRadio) Listen(ctx context.Context, _ uuid.UUID) (Stream, error) {
	r.mu.Lock()
	r.listens++
	r.mu.Unlock()
	select {
	case s := <-r.accept:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *mockRadio) Dial(ctx context.Context, _ uuid.UUID, address string) (Stream, error) {
	r.mu.Lock()
	r.dialAddrs = append(r.dialAddrs, address)
	r.mu.Unlock()
	select {
	case s := <-r.dialed:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *mockRadio) Notify(sink func(Notification)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

func (r *mockRadio) listenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listens
}

func (r *mockRadio) dials() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dialAddrs...)
}

// link hands a fresh in-memory link to whichever of Listen or Dial is
// waiting on ch and returns the remote end.
func link(t *testing.T, ch chan Stream, peer Peer) net.Conn {
	t.Helper()
	local, remote := net.Pipe()
	select {
	case ch <- &pipeStream{Conn: local, peer: peer}:
	case <-time.After(waitTimeout):
		t.Fatal("no worker waiting for a link")
	}
	t.Cleanup(func() { remote.Close() })
	return remote
}

// failingWriteStream is a link whose writes fail while reads keep
// blocking, like a radio that drops outbound frames.
type failingWriteStream struct {
	*pipeStream
}

var errWriteFailed = errors.New("radio write failed")

func (s failingWriteStream) Write([]byte) (int, error) { return 0, errWriteFailed }

// linkFailingWrites is link with a stream whose writes always fail.
func linkFailingWrites(t *testing.T, ch chan Stream, peer Peer) net.Conn {
	t.Helper()
	local, remote := net.Pipe()
	select {
	case ch <- failingWriteStream{&pipeStream{Conn: local, peer: peer}}:
	case <-time.After(waitTimeout):
		t.Fatal("no worker waiting for a link")
	}
	t.Cleanup(func() { remote.Close() })
	return remote
}

// recorder is an AppContext that keeps every event it receives.
type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 1024)}
}

func (r *recorder) Receive(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.ch <- e
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-r.ch:
		return e
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// waitFor consumes events until one of kind k arrives.
func (r *recorder) waitFor(t *testing.T, k Kind) Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case e := <-r.ch:
			if e.Kind == k {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", k)
			return Event{}
		}
	}
}

func (r *recorder) count(k Kind) int {
	n := 0
	for _, e := range r.all() {
		if e.Kind == k {
			n++
		}
	}
	return n
}

// mockPermission answers Check and Request with fixed values.
type mockPermission struct {
	granted  bool
	grant    bool
	requests int
}

func (p *mockPermission) Check() bool { return p.granted }

func (p *mockPermission) Request(done func(bool)) {
	p.requests++
	p.granted = p.grant
	done(p.grant)
}

// mockDevices records discovered peers and keeps the answer callback.
type mockDevices struct {
	mu    sync.Mutex
	seen  []Peer
	done  func(Peer, bool)
	shown int
	found chan Peer
}

func newMockDevices() *mockDevices {
	return &mockDevices{found: make(chan Peer, 16)}
}

func (d *mockDevices) Observe(e Event) {
	if e.Kind != KindPeerDiscovered {
		return
	}
	d.mu.Lock()
	d.seen = append(d.seen, e.Peer)
	d.mu.Unlock()
	d.found <- e.Peer
}

func (d *mockDevices) Show(done func(Peer, bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shown++
	d.done = done
}

func (d *mockDevices) answer(p Peer, ok bool) {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	done(p, ok)
}

// mockConnections answers Show with a fixed selection.
type mockConnections struct {
	pick  func([]ConnInfo) Selection
	lists [][]ConnInfo
}

func (c *mockConnections) Show(list []ConnInfo, done func(Selection)) {
	c.lists = append(c.lists, list)
	done(c.pick(list))
}

func shutdown(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}
