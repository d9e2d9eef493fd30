package tinyble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chaz8081/btchat/internal/btconn"
)

// Options configures a Radio. Empty fields take the NUS defaults.
type Options struct {
	ServiceUUID string // overrides the service ID passed to Dial
	RXCharUUID  string
	TXCharUUID  string
	MTU         int
	Logger      *zap.Logger
}

// Radio is a central-only btconn.Radio. It cannot power the adapter off,
// become discoverable or accept inbound links; those calls return
// btconn.ErrUnsupported.
type Radio struct {
	adapter Adapter
	opts    Options
	log     *zap.Logger

	mu         sync.Mutex
	powered    bool
	sink       func(btconn.Notification)
	scanCancel context.CancelFunc
	names      map[string]string // lower-cased address -> advertised name
}

var _ btconn.Radio = (*Radio)(nil)

// New creates a Radio on adapter. It panics if adapter is nil.
func New(adapter Adapter, opts Options) *Radio {
	if adapter == nil {
		panic("tinyble: New called with nil adapter")
	}
	if opts.RXCharUUID == "" {
		opts.RXCharUUID = NUSRXCharUUID
	}
	if opts.TXCharUUID == "" {
		opts.TXCharUUID = NUSTXCharUUID
	}
	if opts.MTU <= 0 {
		opts.MTU = DefaultMTU
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Radio{
		adapter: adapter,
		opts:    opts,
		log:     log,
		names:   make(map[string]string),
	}
}

func (r *Radio) notify(n btconn.Notification) {
	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	if sink != nil {
		sink(n)
	}
}

// Notify installs the notification sink.
func (r *Radio) Notify(sink func(btconn.Notification)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// Powered reports whether the adapter has been enabled.
func (r *Radio) Powered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.powered
}

// Discoverable is always false for a central.
func (r *Radio) Discoverable() bool { return false }

// SetPowered enables the adapter. Powering off is not supported.
func (r *Radio) SetPowered(_ context.Context, on bool) error {
	if !on {
		return btconn.ErrUnsupported
	}
	if err := r.adapter.Enable(); err != nil {
		return fmt.Errorf("tinyble: enable adapter: %w", err)
	}
	r.mu.Lock()
	r.powered = true
	r.mu.Unlock()
	r.notify(btconn.Notification{Kind: btconn.NotifyScanMode, ScanMode: btconn.ScanModeConnectable})
	return nil
}

// SetDiscoverable is not supported by a central.
func (r *Radio) SetDiscoverable(context.Context, time.Duration) error {
	return btconn.ErrUnsupported
}

// Listen is not supported by a central.
func (r *Radio) Listen(context.Context, uuid.UUID) (btconn.Stream, error) {
	return nil, btconn.ErrUnsupported
}

func (r *Radio) service(serviceID uuid.UUID) string {
	if r.opts.ServiceUUID != "" {
		return r.opts.ServiceUUID
	}
	return serviceID.String()
}

// StartDiscovery scans in the background until StopDiscovery. The scan
// filters on the configured service, or NUS when none is set.
func (r *Radio) StartDiscovery(context.Context) error {
	r.mu.Lock()
	if !r.powered {
		r.mu.Unlock()
		return btconn.ErrRadioOff
	}
	if r.scanCancel != nil {
		r.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.scanCancel = cancel
	r.mu.Unlock()

	service := r.opts.ServiceUUID
	if service == "" {
		service = NUSServiceUUID
	}
	go func() {
		err := r.adapter.Scan(ctx, service, func(d Device) {
			r.mu.Lock()
			if d.Name != "" {
				r.names[strings.ToLower(d.Address)] = d.Name
			}
			r.mu.Unlock()
			r.notify(btconn.Notification{
				Kind: btconn.NotifyPeerFound,
				Peer: btconn.Peer{Address: d.Address, Name: d.Name},
			})
		})
		if err != nil {
			r.log.Warn("scan ended", zap.Error(err))
		}
		r.mu.Lock()
		if ctx.Err() == nil {
			r.scanCancel = nil
		}
		r.mu.Unlock()
		cancel()
	}()
	return nil
}

// StopDiscovery cancels a running scan. It does not wait for the scan to
// wind down, so it is safe to call from a discovery callback.
func (r *Radio) StopDiscovery() error {
	r.mu.Lock()
	cancel := r.scanCancel
	r.scanCancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Dial connects to address and opens a NUS stream on it.
func (r *Radio) Dial(ctx context.Context, serviceID uuid.UUID, address string) (btconn.Stream, error) {
	if !r.Powered() {
		return nil, btconn.ErrRadioOff
	}
	conn, err := r.adapter.Connect(ctx, address)
	if err != nil {
		return nil, err
	}

	service := r.service(serviceID)
	rx, err := conn.DiscoverCharacteristic(service, r.opts.RXCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("tinyble: rx characteristic: %w", err)
	}
	tx, err := conn.DiscoverCharacteristic(service, r.opts.TXCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("tinyble: tx characteristic: %w", err)
	}

	r.mu.Lock()
	peer := btconn.Peer{Address: address, Name: r.names[strings.ToLower(address)]}
	r.mu.Unlock()

	s := newStream(conn, rx, r.opts.MTU, peer)
	conn.OnDisconnect(func() {
		r.log.Info("peripheral disconnected", zap.Stringer("peer", peer))
		s.hangUp()
		r.notify(btconn.Notification{Kind: btconn.NotifyLinkDown, Peer: peer})
	})
	if err := tx.Subscribe(s.deliver); err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("tinyble: subscribe tx: %w", err)
	}

	r.log.Info("connected", zap.Stringer("peer", peer), zap.Int("mtu", r.opts.MTU))
	r.notify(btconn.Notification{Kind: btconn.NotifyLinkUp, Peer: peer})
	return s, nil
}
