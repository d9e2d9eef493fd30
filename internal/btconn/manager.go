package btconn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Policy decides whether client and server connections may coexist.
type Policy int

const (
	// PolicyStrict rejects opening a service while a client connection is
	// active, and discovering or dialing while a server connection is.
	PolicyStrict Policy = iota
	// PolicyPermissive allows both roles at once.
	PolicyPermissive
)

func (p Policy) String() string {
	if p == PolicyPermissive {
		return "permissive"
	}
	return "strict"
}

// ParsePolicy parses "strict" or "permissive".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "strict", "":
		return PolicyStrict, nil
	case "permissive":
		return PolicyPermissive, nil
	}
	return PolicyStrict, fmt.Errorf("btconn: unknown role policy %q", s)
}

// Options configures a Manager. Every field is optional.
type Options struct {
	ServiceID uuid.UUID // defaults to SPPUUID
	Policy    Policy

	// Broadcaster to observe. When nil the Manager creates one and installs
	// it as the radio's notification sink; otherwise the caller wires it.
	Broadcaster *Broadcaster

	Permission  Permission         // nil means always granted
	Devices     DeviceSelector     // nil means discovered peers are only published
	Connections ConnectionSelector // nil means CloseConnection closes everything

	Logger *zap.Logger
}

// Manager orchestrates connection workers. It is the only mutator of the
// active set and republishes every lifecycle event, in order, to its
// application context. All methods are safe for concurrent use.
type Manager struct {
	radio Radio
	bcast *Broadcaster
	disp  *dispatcher
	opts  Options
	log   *zap.Logger

	mu            sync.Mutex
	active        []*Worker
	pendingServer bool
	selecting     bool
	shutdown      bool
}

// New creates a Manager for radio reporting to app. It panics if radio or
// app is nil (programmer error).
func New(radio Radio, app AppContext, opts Options) *Manager {
	if radio == nil {
		panic("btconn: New called with nil radio")
	}
	if app == nil {
		panic("btconn: New called with nil application context")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ServiceID == uuid.Nil {
		opts.ServiceID = uuid.MustParse(SPPUUID)
	}
	bcast := opts.Broadcaster
	if bcast == nil {
		bcast = NewBroadcaster(radio, log.Named("broadcast"))
		powered := radio.Powered()
		bcast.Seed(RadioState{Powered: powered, Discoverable: powered && radio.Discoverable()})
		radio.Notify(bcast.Handle)
	}

	m := &Manager{
		radio: radio,
		bcast: bcast,
		disp:  newDispatcher(app, log.Named("dispatch")),
		opts:  opts,
		log:   log,
	}
	bcast.Register(m)
	return m
}

// Broadcaster returns the broadcaster the manager observes.
func (m *Manager) Broadcaster() *Broadcaster { return m.bcast }

// publish is the single republish point for every event.
func (m *Manager) publish(e Event) {
	m.disp.push(e)
}

// Observe applies manager-level reactions to broadcaster events and
// republishes them.
func (m *Manager) Observe(e Event) {
	switch e.Kind {
	case KindDiscoverableOn:
		m.publish(e)
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.pendingServer || m.shutdown {
			return
		}
		m.pendingServer = false
		// A client may have connected while discoverability was pending.
		m.reapLocked()
		if m.opts.Policy == PolicyStrict && m.liveRoleLocked(RoleClient) {
			m.log.Info("client connected while discoverable was pending, not listening")
			m.publish(newEvent(KindDiscoverableOn, OutcomeAlreadyClient))
			return
		}
		m.spawnServerLocked()
		return
	case KindDiscoverableOff:
		// A pending server whose discoverable window never opened is abandoned.
		m.mu.Lock()
		m.pendingServer = false
		m.mu.Unlock()
	case KindRadioOff:
		if n := m.stopAll(); n > 0 {
			m.log.Info("radio powered off, connections cancelled", zap.Int("count", n))
		}
	case KindPeerDisconnected:
		m.Reap()
	}
	m.publish(e)
}

// PowerOn requests the radio to power on.
func (m *Manager) PowerOn(ctx context.Context) {
	if m.radio.Powered() {
		m.publish(newEvent(KindRadioOn, OutcomeAlreadyInState))
		return
	}
	if err := m.radio.SetPowered(ctx, true); err != nil {
		m.log.Warn("power on failed", zap.Error(err))
		m.publish(newEvent(KindRadioOn, OutcomeError).withErr(err))
	}
}

// PowerOff requests the radio to power off and cancels every connection.
// If the radio refuses, the connections are left running.
func (m *Manager) PowerOff(ctx context.Context) {
	if !m.radio.Powered() {
		m.publish(newEvent(KindRadioOff, OutcomeAlreadyInState))
		return
	}
	if err := m.radio.SetPowered(ctx, false); err != nil {
		m.log.Warn("power off failed", zap.Error(err))
		m.publish(newEvent(KindRadioOff, OutcomeError).withErr(err))
		return
	}
	// The radio-off notification usually cancels them first; this covers
	// radios that report it late or not at all.
	if n := m.stopAll(); n > 0 {
		m.log.Info("connections cancelled for power off", zap.Int("count", n))
	}
}

// OpenService makes the radio discoverable for d and, once that is
// confirmed, listens for one inbound peer.
func (m *Manager) OpenService(ctx context.Context, d time.Duration) {
	powered := m.radio.Powered()
	discoverable := powered && m.radio.Discoverable()

	m.mu.Lock()
	m.reapLocked()
	if m.opts.Policy == PolicyStrict && m.hasRoleLocked(RoleClient) {
		m.mu.Unlock()
		m.publish(newEvent(KindDiscoverableOn, OutcomeAlreadyClient))
		return
	}
	if !powered {
		m.mu.Unlock()
		m.publish(newEvent(KindDiscoverableOn, OutcomeError).withErr(ErrRadioOff))
		return
	}
	if discoverable {
		// No scan mode change will follow, so there is nothing to wait for.
		m.publish(newEvent(KindDiscoverableOn, OutcomeAlreadyInState))
		m.spawnServerLocked()
		m.mu.Unlock()
		return
	}
	m.pendingServer = true
	m.mu.Unlock()

	if err := m.radio.SetDiscoverable(ctx, d); err != nil {
		m.mu.Lock()
		m.pendingServer = false
		m.mu.Unlock()
		m.log.Warn("set discoverable failed", zap.Error(err))
		m.publish(newEvent(KindDiscoverableOn, OutcomeError).withErr(err))
	}
}

// DiscoverPeers scans for peers and shows the device selector.
func (m *Manager) DiscoverPeers(ctx context.Context) {
	m.mu.Lock()
	m.reapLocked()
	conflict := m.opts.Policy == PolicyStrict && m.hasRoleLocked(RoleServer)
	m.mu.Unlock()
	if conflict {
		m.publish(newEvent(KindScanStarted, OutcomeAlreadyServer))
		return
	}
	if m.opts.Permission != nil && !m.opts.Permission.Check() {
		m.publish(newEvent(KindPermissionRequired, OutcomeOK))
		return
	}
	if !m.radio.Powered() {
		m.publish(newEvent(KindScanStarted, OutcomeCancelled).withErr(ErrRadioOff))
		return
	}

	sel := m.opts.Devices
	show := false
	if sel != nil {
		m.mu.Lock()
		if !m.selecting {
			m.selecting = true
			show = true
		}
		m.mu.Unlock()
		m.bcast.Register(sel)
	}

	if err := m.radio.StartDiscovery(ctx); err != nil {
		if show {
			m.endSelection(sel)
		}
		m.log.Warn("start discovery failed", zap.Error(err))
		m.publish(newEvent(KindScanStarted, OutcomeError).withErr(err))
		return
	}
	m.publish(newEvent(KindScanStarted, OutcomeOK))

	if show {
		var once sync.Once
		sel.Show(func(peer Peer, ok bool) {
			once.Do(func() { m.peerChosen(sel, peer, ok) })
		})
	}
}

func (m *Manager) endSelection(sel DeviceSelector) {
	m.bcast.Unregister(sel)
	m.mu.Lock()
	m.selecting = false
	m.mu.Unlock()
}

func (m *Manager) peerChosen(sel DeviceSelector, peer Peer, ok bool) {
	m.endSelection(sel)
	if !ok || peer.IsZero() {
		m.stopDiscovery()
		m.publish(newEvent(KindPeerSelected, OutcomeCancelled))
		return
	}
	m.publish(newEvent(KindPeerSelected, OutcomeOK).withPeer(peer))
	m.ConnectTo(peer.Address)
}

// RequestPermission asks the permission collaborator and retries
// DiscoverPeers when it is granted.
func (m *Manager) RequestPermission(ctx context.Context) {
	if m.opts.Permission == nil {
		m.DiscoverPeers(ctx)
		return
	}
	m.opts.Permission.Request(func(granted bool) {
		if !granted {
			m.publish(newEvent(KindPermissionRequired, OutcomeCancelled))
			return
		}
		m.DiscoverPeers(ctx)
	})
}

func (m *Manager) stopDiscovery() {
	if err := m.radio.StopDiscovery(); err != nil {
		m.log.Debug("stop discovery", zap.Error(err))
	}
}

// ConnectTo stops any scan in progress and dials address. It returns the
// new connection handle, or "" if the dial was refused.
func (m *Manager) ConnectTo(address string) ConnID {
	m.stopDiscovery()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked()
	if m.shutdown {
		return ""
	}
	if m.opts.Policy == PolicyStrict && m.hasRoleLocked(RoleServer) {
		m.publish(newEvent(KindLinkEstablished, OutcomeAlreadyServer).withPeer(Peer{Address: address}))
		return ""
	}
	w := m.spawnLocked(ClientEndpoint(m.opts.ServiceID, address))
	return w.ID()
}

// CloseConnection shows the connection selector and closes the chosen
// connection, or all of them.
func (m *Manager) CloseConnection() {
	list := m.Connections()
	if len(list) == 0 {
		m.publish(newEvent(KindNoConnections, OutcomeOK))
		return
	}
	if m.opts.Connections == nil {
		m.applySelection(Selection{All: true})
		return
	}
	var once sync.Once
	m.opts.Connections.Show(list, func(s Selection) {
		once.Do(func() { m.applySelection(s) })
	})
}

func (m *Manager) applySelection(s Selection) {
	switch {
	case s.Cancelled:
		m.publish(newEvent(KindSelectionClosed, OutcomeCancelled))
	case s.All:
		m.CloseAll()
		m.publish(newEvent(KindSelectionClosed, OutcomeOK))
	default:
		if err := m.Close(s.ID); err != nil {
			m.publish(newEvent(KindSelectionClosed, OutcomeError).withConn(s.ID).withErr(err))
			return
		}
		m.publish(newEvent(KindSelectionClosed, OutcomeOK).withConn(s.ID))
	}
}

// Close cancels the connection id and removes it from the active set.
func (m *Manager) Close(id ConnID) error {
	m.mu.Lock()
	var w *Worker
	for i, c := range m.active {
		if c.ID() == id {
			w = c
			m.active = append(m.active[:i:i], m.active[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	if w == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	w.Cancel()
	return nil
}

// CloseAll cancels every connection and returns how many there were.
func (m *Manager) CloseAll() int {
	return m.stopAll()
}

func (m *Manager) stopAll() int {
	m.mu.Lock()
	workers := m.active
	m.active = nil
	m.pendingServer = false
	m.mu.Unlock()
	for _, w := range workers {
		w.Cancel()
	}
	return len(workers)
}

// BroadcastMessage sends text on every active connection and returns the
// number of sends that succeeded. A failing connection does not stop
// delivery to the others.
func (m *Manager) BroadcastMessage(text string) int {
	m.mu.Lock()
	m.reapLocked()
	var targets []*Worker
	for _, w := range m.active {
		if w.State() == StateActive {
			targets = append(targets, w)
		}
	}
	m.mu.Unlock()

	sent := 0
	for _, w := range targets {
		if err := w.Send(text); err != nil {
			m.log.Warn("send failed", zap.String("conn", string(w.ID())), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// SendTo sends text on a single connection.
func (m *Manager) SendTo(id ConnID, text string) error {
	m.mu.Lock()
	m.reapLocked()
	w := m.findLocked(id)
	m.mu.Unlock()
	if w == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	return w.Send(text)
}

// Connections returns a reaped snapshot of the active set.
func (m *Manager) Connections() []ConnInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked()
	out := make([]ConnInfo, 0, len(m.active))
	for _, w := range m.active {
		out = append(out, w.Info())
	}
	return out
}

// Reap removes closed connections and connections whose peer identity
// never resolved.
func (m *Manager) Reap() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked()
}

func (m *Manager) reapLocked() {
	kept := m.active[:0]
	for _, w := range m.active {
		info := w.Info()
		dead := info.State == StateClosed || (info.State == StateActive && info.Peer.IsZero())
		if dead {
			m.log.Debug("reaping connection", zap.String("conn", string(info.ID)), zap.Stringer("state", info.State))
			w.Cancel()
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(m.active); i++ {
		m.active[i] = nil
	}
	m.active = kept
}

// hasRoleLocked reports a live connection in role r. A server counts as
// soon as OpenService has asked for discoverability.
func (m *Manager) hasRoleLocked(r Role) bool {
	if r == RoleServer && m.pendingServer {
		return true
	}
	return m.liveRoleLocked(r)
}

func (m *Manager) liveRoleLocked(r Role) bool {
	for _, w := range m.active {
		if w.Role() == r && w.State() != StateClosed {
			return true
		}
	}
	return false
}

func (m *Manager) findLocked(id ConnID) *Worker {
	for _, w := range m.active {
		if w.ID() == id {
			return w
		}
	}
	return nil
}

// spawnServerLocked starts a server worker unless one is already listening.
func (m *Manager) spawnServerLocked() {
	for _, w := range m.active {
		if w.Role() == RoleServer && w.State() == StateEstablishing {
			m.log.Debug("server already listening", zap.String("conn", string(w.ID())))
			return
		}
	}
	m.spawnLocked(ServerEndpoint(m.opts.ServiceID))
}

func (m *Manager) spawnLocked(ep Endpoint) *Worker {
	id := ConnID(uuid.NewString())
	w := newWorker(id, ep, m.radio, m.publish, m.log)
	m.active = append(m.active, w)
	w.Start()
	m.log.Info("worker started", zap.String("conn", string(id)), zap.Stringer("role", ep.Role))
	return w
}

// Shutdown detaches from the broadcaster, cancels every connection, waits
// for the workers to exit (or ctx to end), and stops event delivery after
// flushing queued events.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	workers := m.active
	m.active = nil
	m.pendingServer = false
	selecting := m.selecting
	m.mu.Unlock()

	m.bcast.Unregister(m)
	if selecting && m.opts.Devices != nil {
		m.endSelection(m.opts.Devices)
		m.stopDiscovery()
	}
	for _, w := range workers {
		w.Cancel()
	}

	var err error
	for _, w := range workers {
		select {
		case <-w.Done():
		case <-ctx.Done():
			err = fmt.Errorf("btconn: shutdown: %w", ctx.Err())
		}
		if err != nil {
			break
		}
	}
	m.disp.stop()
	return err
}
