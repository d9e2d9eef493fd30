package console

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/btchat/internal/btconn"
)

// DevicePicker lists peers discovered during a scan window, then asks for
// one.
type DevicePicker struct {
	ask    Asker
	out    io.Writer
	window time.Duration

	mu    sync.Mutex
	peers []btconn.Peer
	open  bool
}

// NewDevicePicker returns a picker that collects for window before asking.
func NewDevicePicker(ask Asker, out io.Writer, window time.Duration) *DevicePicker {
	return &DevicePicker{ask: ask, out: NewWriter(out), window: window}
}

// Observe records discovered peers while a scan window is open. Repeat
// sightings of an address update its name.
func (d *DevicePicker) Observe(e btconn.Event) {
	if e.Kind != btconn.KindPeerDiscovered || e.Peer.IsZero() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return
	}
	for i, p := range d.peers {
		if strings.EqualFold(p.Address, e.Peer.Address) {
			if e.Peer.Name != "" {
				d.peers[i].Name = e.Peer.Name
			}
			return
		}
	}
	d.peers = append(d.peers, e.Peer)
	fmt.Fprintf(d.out, "  [%d] %s\n", len(d.peers), e.Peer)
}

// Show opens a scan window and reports the chosen peer once.
func (d *DevicePicker) Show(done func(btconn.Peer, bool)) {
	d.mu.Lock()
	d.peers = nil
	d.open = true
	d.mu.Unlock()

	time.AfterFunc(d.window, func() {
		d.mu.Lock()
		d.open = false
		peers := append([]btconn.Peer(nil), d.peers...)
		d.mu.Unlock()

		if len(peers) == 0 {
			fmt.Fprintln(d.out, "no devices found")
			done(btconn.Peer{}, false)
			return
		}
		prompt := fmt.Sprintf("connect to [1-%d], empty to cancel: ", len(peers))
		d.ask.Ask(prompt, func(line string) {
			i, ok := pick(line, len(peers))
			if !ok {
				done(btconn.Peer{}, false)
				return
			}
			done(peers[i], true)
		})
	})
}

// ConnectionPicker asks which active connection to close.
type ConnectionPicker struct {
	ask Asker
	out io.Writer
}

// NewConnectionPicker returns a ConnectionPicker.
func NewConnectionPicker(ask Asker, out io.Writer) *ConnectionPicker {
	return &ConnectionPicker{ask: ask, out: NewWriter(out)}
}

// Show lists the connections and reports the answer once. "a" selects all.
func (c *ConnectionPicker) Show(list []btconn.ConnInfo, done func(btconn.Selection)) {
	for i, info := range list {
		fmt.Fprintf(c.out, "  [%d] %s %s (%s)\n", i+1, info.Peer, info.Role, info.ID)
	}
	prompt := fmt.Sprintf("close [1-%d], a for all, empty to cancel: ", len(list))
	c.ask.Ask(prompt, func(line string) {
		if strings.EqualFold(line, "a") || strings.EqualFold(line, "all") {
			done(btconn.Selection{All: true})
			return
		}
		i, ok := pick(line, len(list))
		if !ok {
			done(btconn.Selection{Cancelled: true})
			return
		}
		done(btconn.Selection{ID: list[i].ID})
	})
}

// pick parses a 1-based index into [0, n).
func pick(line string, n int) (int, bool) {
	i, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || i < 1 || i > n {
		return 0, false
	}
	return i - 1, true
}

// Consent is a Permission granted by answering a yes/no question. Once
// granted it is not asked again.
type Consent struct {
	ask Asker

	mu      sync.Mutex
	granted bool
}

// NewConsent returns a Consent. Set granted to skip the question.
func NewConsent(ask Asker, granted bool) *Consent {
	return &Consent{ask: ask, granted: granted}
}

// Check reports whether scanning was allowed.
func (c *Consent) Check() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.granted
}

// Request asks for consent and reports the answer once.
func (c *Consent) Request(done func(bool)) {
	c.ask.Ask("allow scanning for nearby devices? [y/N]: ", func(line string) {
		yes := strings.EqualFold(line, "y") || strings.EqualFold(line, "yes")
		if yes {
			c.mu.Lock()
			c.granted = true
			c.mu.Unlock()
		}
		done(yes)
	})
}
