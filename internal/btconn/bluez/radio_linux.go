//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chaz8081/btchat/internal/btconn"
)

// DefaultChannel is the RFCOMM channel requested for served profiles.
const DefaultChannel = 22

var pathCounter uint64

// Options configures Open.
type Options struct {
	Adapter     string // e.g. "hci0"
	ServiceName string
	Channel     uint16
	Logger      *zap.Logger
}

// Radio is a btconn.Radio backed by a BlueZ adapter on the system bus.
type Radio struct {
	bus     *dbus.Conn
	adapter dbus.ObjectPath
	opts    Options
	log     *zap.Logger
	halt    *idem.Halter
	sigCh   chan *dbus.Signal

	mu       sync.Mutex
	sink     func(btconn.Notification)
	profiles map[uuid.UUID]*profile
	closed   bool
}

var _ btconn.Radio = (*Radio)(nil)

// Open connects to the system bus, checks the adapter exists and starts
// following its signals.
func Open(opts Options) (*Radio, error) {
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "btchat"
	}
	if opts.Channel == 0 {
		opts.Channel = DefaultChannel
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	r := &Radio{
		bus:      bus,
		adapter:  dbus.ObjectPath("/org/bluez/" + opts.Adapter),
		opts:     opts,
		log:      log.With(zap.String("adapter", opts.Adapter)),
		halt:     idem.NewHalterNamed("bluez(" + opts.Adapter + ")"),
		sigCh:    make(chan *dbus.Signal, 64),
		profiles: make(map[uuid.UUID]*profile),
	}

	powered, err := r.adapterBool("Powered")
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("bluez: adapter %s: %w", opts.Adapter, err)
	}
	discoverable, _ := r.adapterBool("Discoverable")

	if err := r.subscribe(); err != nil {
		bus.Close()
		return nil, err
	}
	go r.signalLoop(newTranslator(r.adapter, adapterState{powered: powered, discoverable: discoverable}))
	return r, nil
}

func (r *Radio) subscribe() error {
	r.bus.Signal(r.sigCh)
	if err := r.bus.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(r.adapter),
	); err != nil {
		return fmt.Errorf("bluez: AddMatchSignal(PropertiesChanged): %w", err)
	}
	if err := r.bus.AddMatchSignal(
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		return fmt.Errorf("bluez: AddMatchSignal(InterfacesAdded): %w", err)
	}
	return nil
}

func (r *Radio) signalLoop(t *translator) {
	defer r.halt.Done.Close()
	for {
		select {
		case <-r.halt.ReqStop.Chan:
			return
		case sig, ok := <-r.sigCh:
			if !ok {
				return
			}
			for _, n := range t.translate(sig) {
				r.log.Debug("notification", zap.Int("kind", int(n.Kind)), zap.Stringer("mode", n.ScanMode), zap.Stringer("peer", n.Peer))
				r.mu.Lock()
				sink := r.sink
				r.mu.Unlock()
				if sink != nil {
					sink(n)
				}
			}
		}
	}
}

// Notify installs the notification sink.
func (r *Radio) Notify(sink func(btconn.Notification)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

func (r *Radio) adapterObj() dbus.BusObject {
	return r.bus.Object(bluezService, r.adapter)
}

func (r *Radio) adapterBool(name string) (bool, error) {
	v, err := r.adapterObj().GetProperty(adapterIface + "." + name)
	if err != nil {
		return false, err
	}
	b, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s.%s has unexpected type %T", adapterIface, name, v.Value())
	}
	return b, nil
}

func (r *Radio) setAdapter(ctx context.Context, name string, value interface{}) error {
	call := r.adapterObj().CallWithContext(ctx, propsIface+".Set", 0, adapterIface, name, dbus.MakeVariant(value))
	if call.Err != nil {
		return fmt.Errorf("bluez: set %s: %w", name, call.Err)
	}
	return nil
}

// Powered reports the adapter's Powered property.
func (r *Radio) Powered() bool {
	b, err := r.adapterBool("Powered")
	if err != nil {
		r.log.Debug("read Powered", zap.Error(err))
	}
	return b
}

// Discoverable reports the adapter's Discoverable property.
func (r *Radio) Discoverable() bool {
	b, err := r.adapterBool("Discoverable")
	if err != nil {
		r.log.Debug("read Discoverable", zap.Error(err))
	}
	return b
}

// SetPowered sets the adapter's Powered property.
func (r *Radio) SetPowered(ctx context.Context, on bool) error {
	return r.setAdapter(ctx, "Powered", on)
}

// SetDiscoverable makes the adapter discoverable; BlueZ reverts it after d.
func (r *Radio) SetDiscoverable(ctx context.Context, d time.Duration) error {
	if err := r.setAdapter(ctx, "DiscoverableTimeout", uint32(d/time.Second)); err != nil {
		return err
	}
	return r.setAdapter(ctx, "Discoverable", true)
}

// StartDiscovery starts a BR/EDR inquiry.
func (r *Radio) StartDiscovery(ctx context.Context) error {
	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("bredr"),
	}
	if call := r.adapterObj().CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		r.log.Debug("SetDiscoveryFilter", zap.Error(call.Err))
	}
	if call := r.adapterObj().CallWithContext(ctx, adapterIface+".StartDiscovery", 0); call.Err != nil {
		if hasErrorName(call.Err, "org.bluez.Error.InProgress") {
			return nil
		}
		return fmt.Errorf("bluez: StartDiscovery: %w", call.Err)
	}
	return nil
}

// StopDiscovery stops an inquiry. Stopping an idle adapter is not an error.
func (r *Radio) StopDiscovery() error {
	if call := r.adapterObj().Call(adapterIface+".StopDiscovery", 0); call.Err != nil {
		if hasErrorName(call.Err, "org.bluez.Error.Failed", "org.bluez.Error.NotReady", "org.bluez.Error.NotAuthorized") {
			return nil
		}
		return fmt.Errorf("bluez: StopDiscovery: %w", call.Err)
	}
	return nil
}

// hasErrorName reports whether err is a D-Bus error with one of names.
func hasErrorName(err error, names ...string) bool {
	var name string
	var de dbus.Error
	var dep *dbus.Error
	switch {
	case errors.As(err, &de):
		name = de.Name
	case errors.As(err, &dep):
		name = dep.Name
	default:
		return false
	}
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// profileFor exports and registers a Profile1 object for serviceID once.
func (r *Radio) profileFor(serviceID uuid.UUID) (*profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("bluez: radio closed")
	}
	if p, ok := r.profiles[serviceID]; ok {
		return p, nil
	}

	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/btchat/profile/p" + strconv.FormatUint(id, 10))
	p := newProfile(path, r.log.Named("profile"))
	if err := r.bus.Export(p, path, profileIface); err != nil {
		return nil, fmt.Errorf("bluez: export profile: %w", err)
	}
	opts := map[string]dbus.Variant{
		"Name":                  dbus.MakeVariant(r.opts.ServiceName),
		"Channel":               dbus.MakeVariant(r.opts.Channel),
		"RequireAuthentication": dbus.MakeVariant(false),
		"RequireAuthorization":  dbus.MakeVariant(false),
	}
	pm := r.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, serviceID.String(), opts); call.Err != nil {
		_ = r.bus.Export(nil, path, profileIface)
		return nil, fmt.Errorf("bluez: RegisterProfile(%s): %w", serviceID, call.Err)
	}
	r.profiles[serviceID] = p
	r.log.Info("profile registered", zap.String("uuid", serviceID.String()), zap.String("path", string(path)))
	return p, nil
}

func (r *Radio) peerFor(dev dbus.ObjectPath) btconn.Peer {
	obj := r.bus.Object(bluezService, dev)
	var props map[string]dbus.Variant
	if err := obj.Call(propsIface+".GetAll", 0, deviceIface).Store(&props); err != nil {
		r.log.Debug("read device properties", zap.String("device", string(dev)), zap.Error(err))
		return btconn.Peer{Address: addressFromPath(dev)}
	}
	return peerFromProps(dev, props)
}

// Listen accepts one inbound RFCOMM link on serviceID.
func (r *Radio) Listen(ctx context.Context, serviceID uuid.UUID) (btconn.Stream, error) {
	p, err := r.profileFor(serviceID)
	if err != nil {
		return nil, err
	}
	in, err := p.accept(ctx)
	if err != nil {
		return nil, err
	}
	return newStream(in.fd, r.peerFor(in.dev))
}

// Dial connects serviceID on the device at address.
func (r *Radio) Dial(ctx context.Context, serviceID uuid.UUID, address string) (btconn.Stream, error) {
	p, err := r.profileFor(serviceID)
	if err != nil {
		return nil, err
	}
	dev := devicePath(r.adapter, address)
	ch, err := p.expect(dev)
	if err != nil {
		return nil, err
	}

	call := r.bus.Object(bluezService, dev).CallWithContext(ctx, deviceIface+".ConnectProfile", 0, serviceID.String())
	if call.Err != nil {
		p.forget(dev, ch)
		return nil, fmt.Errorf("bluez: ConnectProfile(%s): %w", address, call.Err)
	}

	select {
	case in := <-ch:
		return newStream(in.fd, r.peerFor(in.dev))
	case <-ctx.Done():
		p.forget(dev, ch)
		return nil, fmt.Errorf("bluez: dial canceled: %w", ctx.Err())
	}
}

// Close unregisters every profile, stops the signal loop and closes the bus.
func (r *Radio) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	profiles := r.profiles
	r.profiles = nil
	r.mu.Unlock()

	pm := r.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	for _, p := range profiles {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, p.path).Err
		_ = r.bus.Export(nil, p.path, profileIface)
	}

	r.halt.ReqStop.Close()
	<-r.halt.Done.Chan
	r.bus.RemoveSignal(r.sigCh)
	return r.bus.Close()
}
