package btconn

import (
	"sync"

	"go.uber.org/zap"
)

// RadioState is the last observed power/discoverability combination.
type RadioState struct {
	Powered      bool
	Discoverable bool
}

// ScanStopper cancels an in-progress discovery scan.
type ScanStopper interface {
	StopDiscovery() error
}

// Broadcaster converts raw radio notifications into lifecycle events and
// delivers each one to every registered observer, in registration order,
// before Handle returns.
type Broadcaster struct {
	scan ScanStopper
	log  *zap.Logger

	mu        sync.Mutex
	observers []Observer

	// handleMu serialises Handle; prev is only touched while it is held.
	handleMu sync.Mutex
	prev     RadioState
}

// NewBroadcaster creates a Broadcaster. scan may be nil.
func NewBroadcaster(scan ScanStopper, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{scan: scan, log: log}
}

// Register adds o. Registering an observer twice is a no-op.
func (b *Broadcaster) Register(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.observers {
		if existing == o {
			return
		}
	}
	b.observers = append(b.observers, o)
}

// Unregister removes o. Unregistering an absent observer is a no-op.
func (b *Broadcaster) Unregister(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.observers {
		if existing == o {
			b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered observers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// Handle processes one raw notification. It is safe to pass as a Radio
// notification sink. Observers must not call Handle from Observe.
func (b *Broadcaster) Handle(n Notification) {
	b.handleMu.Lock()
	defer b.handleMu.Unlock()

	e, ok := b.translate(n)
	if !ok {
		return
	}

	b.mu.Lock()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.Unlock()

	b.log.Debug("broadcast", zap.Stringer("event", e), zap.Int("observers", len(observers)))
	for _, o := range observers {
		o.Observe(e)
	}
}

// translate maps n to an event and updates the previous radio state.
// Caller must hold handleMu.
func (b *Broadcaster) translate(n Notification) (Event, bool) {
	switch n.Kind {
	case NotifyScanMode:
		prev := b.prev
		switch n.ScanMode {
		case ScanModeConnectable:
			b.prev = RadioState{Powered: true}
			// Discoverability always reverts to plain connectable, so the
			// previous state decides what this transition means.
			if prev.Discoverable {
				return newEvent(KindDiscoverableOff, OutcomeOK), true
			}
			if !prev.Powered {
				return newEvent(KindRadioOn, OutcomeOK), true
			}
			return Event{}, false
		case ScanModeDiscoverable:
			b.prev = RadioState{Powered: true, Discoverable: true}
			return newEvent(KindDiscoverableOn, OutcomeOK), true
		default:
			b.prev = RadioState{}
			return newEvent(KindRadioOff, OutcomeOK), true
		}

	case NotifyPeerFound:
		return newEvent(KindPeerDiscovered, OutcomeOK).withPeer(n.Peer), true

	case NotifyLinkUp:
		// The worker owning the link reports it; only free the radio here.
		if b.scan != nil {
			if err := b.scan.StopDiscovery(); err != nil {
				b.log.Debug("stop discovery on link up", zap.Error(err))
			}
		}
		b.prev.Powered = true
		return Event{}, false

	case NotifyLinkDown:
		return newEvent(KindPeerDisconnected, OutcomeOK).withPeer(n.Peer), true
	}

	b.log.Warn("unknown radio notification", zap.Int("kind", int(n.Kind)))
	return Event{}, false
}

// Seed sets the radio state later notifications are compared against. Call
// it with the radio's current state before installing Handle as the sink,
// otherwise the first transition is read against a powered-off radio.
func (b *Broadcaster) Seed(s RadioState) {
	b.handleMu.Lock()
	defer b.handleMu.Unlock()
	if s.Discoverable {
		s.Powered = true
	}
	b.prev = s
}

// State returns the last observed radio state.
func (b *Broadcaster) State() RadioState {
	b.handleMu.Lock()
	defer b.handleMu.Unlock()
	return b.prev
}
