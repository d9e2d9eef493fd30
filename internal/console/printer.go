package console

import (
	"fmt"
	"io"

	"github.com/chaz8081/btchat/internal/btconn"
)

// Printer writes lifecycle events to a terminal.
type Printer struct {
	out io.Writer
}

// NewPrinter returns a Printer writing to out.
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: NewWriter(out)}
}

// Receive implements btconn.AppContext.
func (p *Printer) Receive(e btconn.Event) {
	if line := Format(e); line != "" {
		fmt.Fprintln(p.out, line)
	}
}

// Format renders e as one line. Peer discoveries render empty; the device
// picker lists them itself.
func Format(e btconn.Event) string {
	peer := e.Peer.String()
	switch e.Kind {
	case btconn.KindMessageReceived:
		return fmt.Sprintf("[%s] %s", peer, e.Message)
	case btconn.KindPeerDiscovered:
		return ""
	}

	var s string
	switch e.Outcome {
	case btconn.OutcomeOK:
		s = describe(e, peer)
	case btconn.OutcomeAlreadyInState:
		s = describe(e, peer) + " (already)"
	case btconn.OutcomeAlreadyClient:
		s = "refused: a client connection is active"
	case btconn.OutcomeAlreadyServer:
		s = "refused: a server connection is active"
	case btconn.OutcomeCancelled:
		s = e.Kind.String() + " cancelled"
	case btconn.OutcomeError:
		s = e.Kind.String() + " failed"
		if e.Message != "" {
			s += ": " + e.Message
		}
	default:
		s = e.String()
	}
	return "* " + s
}

func describe(e btconn.Event, peer string) string {
	switch e.Kind {
	case btconn.KindRadioOn:
		return "radio on"
	case btconn.KindRadioOff:
		return "radio off"
	case btconn.KindDiscoverableOn:
		return "discoverable, waiting for a peer"
	case btconn.KindDiscoverableOff:
		return "no longer discoverable"
	case btconn.KindScanStarted:
		return "scanning for devices"
	case btconn.KindPeerSelected:
		return "selected " + peer
	case btconn.KindLinkEstablished:
		return fmt.Sprintf("connected to %s [%s]", peer, e.Conn)
	case btconn.KindLinkClosed:
		if peer == "" {
			return fmt.Sprintf("connection %s closed", e.Conn)
		}
		return fmt.Sprintf("disconnected from %s [%s]", peer, e.Conn)
	case btconn.KindPeerDisconnected:
		return peer + " dropped the link"
	case btconn.KindSelectionClosed:
		if e.Conn != "" {
			return fmt.Sprintf("closed %s", e.Conn)
		}
		return "closed all connections"
	case btconn.KindPermissionRequired:
		return "scanning needs permission"
	case btconn.KindNoConnections:
		return "no connections"
	default:
		return e.Kind.String()
	}
}
