package btconn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/glycerine/idem"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chaz8081/btchat/internal/btconn/frame"
)

// Role is the side a connection plays.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// State is a connection's lifecycle state.
type State int

const (
	StateEstablishing State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "establishing"
	}
}

// Endpoint selects how a worker establishes its link.
type Endpoint struct {
	Role      Role
	ServiceID uuid.UUID
	Address   string // client only
}

// ServerEndpoint listens on serviceID for a single inbound peer.
func ServerEndpoint(serviceID uuid.UUID) Endpoint {
	return Endpoint{Role: RoleServer, ServiceID: serviceID}
}

// ClientEndpoint dials serviceID on the peer at address.
func ClientEndpoint(serviceID uuid.UUID, address string) Endpoint {
	return Endpoint{Role: RoleClient, ServiceID: serviceID, Address: address}
}

// ConnInfo is a snapshot of one connection.
type ConnInfo struct {
	ID    ConnID
	Role  Role
	Peer  Peer
	State State
}

// Worker owns one link: it establishes it on its own goroutine, then
// delivers inbound messages and a terminal link closed event through emit.
type Worker struct {
	id    ConnID
	ep    Endpoint
	radio Radio
	emit  func(Event)
	log   *zap.Logger
	halt  *idem.Halter

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	peer  Peer
	ch    *frame.Channel
}

func newWorker(id ConnID, ep Endpoint, radio Radio, emit func(Event), log *zap.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		id:     id,
		ep:     ep,
		radio:  radio,
		emit:   emit,
		log:    log.With(zap.String("conn", string(id)), zap.Stringer("role", ep.Role)),
		halt:   idem.NewHalterNamed(fmt.Sprintf("Worker(%s)", id)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the worker's connection handle.
func (w *Worker) ID() ConnID { return w.id }

// Role returns the immutable role of the connection.
func (w *Worker) Role() Role { return w.ep.Role }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Peer returns the peer identity; ok is false until establishment succeeds
// with a resolvable identity.
func (w *Worker) Peer() (Peer, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peer, !w.peer.IsZero()
}

// Info returns a snapshot of the worker.
func (w *Worker) Info() ConnInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ConnInfo{ID: w.id, Role: w.ep.Role, Peer: w.peer, State: w.state}
}

// Start spawns the worker goroutine.
func (w *Worker) Start() {
	go w.run()
}

func (w *Worker) run() {
	defer w.halt.Done.Close()
	defer w.cancel()

	stream, err := w.establish()
	if err != nil {
		w.setState(StateClosed)
		outcome := OutcomeError
		if w.halt.ReqStop.IsClosed() || errors.Is(err, context.Canceled) {
			outcome = OutcomeCancelled
		}
		w.log.Warn("establish failed", zap.Error(err))
		w.emit(newEvent(KindLinkEstablished, outcome).withConn(w.id).withErr(err))
		return
	}

	ch := frame.New(stream)
	peer := stream.RemotePeer()

	w.mu.Lock()
	w.ch = ch
	w.peer = peer
	w.state = StateActive
	w.mu.Unlock()

	// Cancel may have raced with establishment before ch was visible.
	if w.halt.ReqStop.IsClosed() {
		ch.Close()
	}

	w.log.Info("link established", zap.Stringer("peer", peer))
	w.emit(newEvent(KindLinkEstablished, OutcomeOK).withConn(w.id).withPeer(peer))

	err = ch.ReceiveLoop(func(text string) {
		w.emit(newEvent(KindMessageReceived, OutcomeOK).withConn(w.id).withPeer(peer).withMessage(text))
	})
	ch.Close()
	w.setState(StateClosed)

	closed := newEvent(KindLinkClosed, OutcomeOK).withConn(w.id).withPeer(peer)
	if err != nil {
		w.log.Debug("receive loop ended", zap.Error(err))
		closed = closed.withErr(err)
	}
	w.log.Info("link closed", zap.Stringer("peer", peer))
	w.emit(closed)
}

func (w *Worker) establish() (Stream, error) {
	switch w.ep.Role {
	case RoleServer:
		return w.radio.Listen(w.ctx, w.ep.ServiceID)
	case RoleClient:
		if w.ep.Address == "" {
			return nil, errors.New("btconn: client endpoint has no address")
		}
		return w.radio.Dial(w.ctx, w.ep.ServiceID, w.ep.Address)
	}
	return nil, fmt.Errorf("btconn: unknown role %d", int(w.ep.Role))
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Send frames and writes text. It is a no-op once the link is closed and
// returns ErrNotActive while establishing.
func (w *Worker) Send(text string) error {
	w.mu.Lock()
	ch := w.ch
	w.mu.Unlock()
	if ch == nil {
		return ErrNotActive
	}
	return ch.Send(text)
}

// Cancel stops the worker. It is idempotent, safe for concurrent use, and
// effective before, during, or after establishment.
func (w *Worker) Cancel() {
	w.halt.ReqStop.Close()
	w.cancel()

	w.mu.Lock()
	ch := w.ch
	w.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

// Wait blocks until the worker goroutine has exited.
func (w *Worker) Wait() {
	<-w.halt.Done.Chan
}

// Done is closed when the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.halt.Done.Chan
}
