package btconn

import (
	"fmt"
	"time"
)

// Peer identifies the remote end of a link.
type Peer struct {
	Address string
	Name    string
}

// IsZero reports whether the peer identity is absent.
func (p Peer) IsZero() bool { return p.Address == "" }

func (p Peer) String() string {
	if p.Name == "" || p.Name == p.Address {
		return p.Address
	}
	return fmt.Sprintf("%s (%s)", p.Name, p.Address)
}

// ConnID is the opaque handle of a connection in a Manager's active set.
type ConnID string

// Kind is the fixed vocabulary of lifecycle events.
type Kind int

const (
	KindRadioOn Kind = iota
	KindRadioOff
	KindDiscoverableOn
	KindDiscoverableOff
	KindScanStarted
	KindPeerDiscovered
	KindPeerSelected
	KindLinkEstablished
	KindMessageReceived
	KindLinkClosed
	KindPeerDisconnected
	KindSelectionClosed
	KindPermissionRequired
	KindNoConnections
)

var kindNames = map[Kind]string{
	KindRadioOn:            "radio_on",
	KindRadioOff:           "radio_off",
	KindDiscoverableOn:     "discoverable_on",
	KindDiscoverableOff:    "discoverable_off",
	KindScanStarted:        "scan_started",
	KindPeerDiscovered:     "peer_discovered",
	KindPeerSelected:       "peer_selected",
	KindLinkEstablished:    "link_established",
	KindMessageReceived:    "message_received",
	KindLinkClosed:         "link_closed",
	KindPeerDisconnected:   "peer_disconnected",
	KindSelectionClosed:    "selection_closed",
	KindPermissionRequired: "permission_required",
	KindNoConnections:      "no_connections",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Outcome qualifies an event.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeCancelled
	OutcomeAlreadyInState
	OutcomeAlreadyClient // rejected: a client connection is active
	OutcomeAlreadyServer // rejected: a server connection is active
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeAlreadyInState:
		return "already_in_state"
	case OutcomeAlreadyClient:
		return "already_client"
	case OutcomeAlreadyServer:
		return "already_server"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Event is an immutable lifecycle record. Events are passed by value.
type Event struct {
	Kind    Kind
	Outcome Outcome
	Peer    Peer   // zero when absent
	Conn    ConnID // empty when absent
	Message string // inbound text or a description
	Err     error
	Time    time.Time
}

func (e Event) String() string {
	s := e.Kind.String() + "/" + e.Outcome.String()
	if !e.Peer.IsZero() {
		s += " peer=" + e.Peer.String()
	}
	if e.Conn != "" {
		s += " conn=" + string(e.Conn)
	}
	if e.Message != "" {
		s += fmt.Sprintf(" msg=%q", e.Message)
	}
	if e.Err != nil {
		s += " err=" + e.Err.Error()
	}
	return s
}

func newEvent(kind Kind, outcome Outcome) Event {
	return Event{Kind: kind, Outcome: outcome}
}

func (e Event) withPeer(p Peer) Event      { e.Peer = p; return e }
func (e Event) withConn(id ConnID) Event   { e.Conn = id; return e }
func (e Event) withMessage(m string) Event { e.Message = m; return e }

func (e Event) withErr(err error) Event {
	e.Err = err
	if err != nil && e.Message == "" {
		e.Message = err.Error()
	}
	return e
}

// Observer receives lifecycle events. Implementations registered with a
// Broadcaster must be comparable (typically pointers).
type Observer interface {
	Observe(e Event)
}

// AppContext is the owning application. Receive is always called from the
// Manager's dispatcher goroutine, one event at a time.
type AppContext interface {
	Receive(e Event)
}

// Permission gates peer discovery.
type Permission interface {
	Check() bool
	// Request asks for the permission and reports the answer to done.
	Request(done func(granted bool))
}

// DeviceSelector presents discovered peers. It receives peer discovered
// events through broadcaster registration while shown. Show must not block;
// the answer is reported once through done.
type DeviceSelector interface {
	Observer
	Show(done func(peer Peer, ok bool))
}

// Selection is the answer of a ConnectionSelector.
type Selection struct {
	ID        ConnID
	All       bool
	Cancelled bool
}

// ConnectionSelector presents the active connections. Show must not block;
// the answer is reported once through done.
type ConnectionSelector interface {
	Show(list []ConnInfo, done func(Selection))
}
