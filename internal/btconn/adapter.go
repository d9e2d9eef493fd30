// Package btconn manages short-range radio links between two peers: one
// side opens a service and accepts a single inbound link, the other
// discovers and dials it. It tracks live connections, enforces role
// exclusivity, and reports every state change as a Lifecycle Event.
package btconn

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
)

// SPPUUID is the Serial Port Profile UUID, the default service identifier.
const SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

var (
	// ErrUnsupported is returned by radios that cannot perform an operation.
	ErrUnsupported = errors.New("btconn: operation not supported by this radio")
	// ErrRadioOff is reported when an operation needs a powered radio.
	ErrRadioOff = errors.New("btconn: radio is powered off")
	// ErrUnknownConnection is returned for a handle not in the active set.
	ErrUnknownConnection = errors.New("btconn: unknown connection")
	// ErrNotActive is returned when sending on a connection that has not
	// finished establishing.
	ErrNotActive = errors.New("btconn: connection not active")
)

// ScanMode is the raw radio mode reported by the hardware.
type ScanMode int

const (
	ScanModeNone         ScanMode = iota // powered off
	ScanModeConnectable                  // powered on, not discoverable
	ScanModeDiscoverable                 // powered on and discoverable
)

func (m ScanMode) String() string {
	switch m {
	case ScanModeConnectable:
		return "connectable"
	case ScanModeDiscoverable:
		return "discoverable"
	default:
		return "none"
	}
}

// NotificationKind classifies a raw radio notification.
type NotificationKind int

const (
	NotifyScanMode  NotificationKind = iota // ScanMode is set
	NotifyPeerFound                         // Peer is set
	NotifyLinkUp                            // Peer is set
	NotifyLinkDown                          // Peer is set
)

// Notification is a raw state change delivered by a Radio.
type Notification struct {
	Kind     NotificationKind
	ScanMode ScanMode
	Peer     Peer
}

// Stream is an established duplex link.
type Stream interface {
	io.ReadWriteCloser
	// RemotePeer returns the peer at the other end. A zero Peer means the
	// identity could not be resolved.
	RemotePeer() Peer
}

// Radio abstracts the radio hardware. Implementations must be safe for
// concurrent use; Listen and Dial block until the link completes or ctx is
// done.
type Radio interface {
	// Powered reports whether the radio is on.
	Powered() bool
	// Discoverable reports whether the radio is currently discoverable.
	Discoverable() bool
	// SetPowered requests a power transition. Completion is reported as a
	// NotifyScanMode notification.
	SetPowered(ctx context.Context, on bool) error
	// SetDiscoverable requests discoverability for d. Completion and expiry
	// are reported as NotifyScanMode notifications.
	SetDiscoverable(ctx context.Context, d time.Duration) error
	// StartDiscovery starts scanning; each peer found is reported as a
	// NotifyPeerFound notification.
	StartDiscovery(ctx context.Context) error
	// StopDiscovery stops a scan in progress. Stopping an idle radio is not
	// an error.
	StopDiscovery() error
	// Listen accepts exactly one inbound link on serviceID and stops
	// listening.
	Listen(ctx context.Context, serviceID uuid.UUID) (Stream, error)
	// Dial opens a link to the peer at address offering serviceID.
	Dial(ctx context.Context, serviceID uuid.UUID, address string) (Stream, error)
	// Notify installs the sink for raw notifications, replacing any
	// previous one.
	Notify(sink func(Notification))
}
