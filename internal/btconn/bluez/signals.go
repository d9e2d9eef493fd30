// Package bluez implements btconn.Radio for classic RFCOMM links through
// the BlueZ D-Bus API.
package bluez

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/btchat/internal/btconn"
)

const (
	bluezService        = "org.bluez"
	adapterIface        = "org.bluez.Adapter1"
	deviceIface         = "org.bluez.Device1"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
	propsIface          = "org.freedesktop.DBus.Properties"

	propertiesChanged = propsIface + ".PropertiesChanged"
	interfacesAdded   = objManagerIface + ".InterfacesAdded"
)

// devicePath converts a MAC address to a BlueZ device object path.
// Example: "AA:BB:CC:DD:EE:FF" on hci0 -> "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"
func devicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", adapter, strings.ReplaceAll(strings.ToUpper(address), ":", "_")))
}

// addressFromPath extracts the MAC address from a device object path.
func addressFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

// variant reads a typed value out of a property map.
func variant[T any](props map[string]dbus.Variant, name string) (T, bool) {
	var zero T
	v, ok := props[name]
	if !ok {
		return zero, false
	}
	t, ok := v.Value().(T)
	return t, ok
}

// peerFromProps builds a peer from Device1 properties, falling back to the
// object path for the address.
func peerFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) btconn.Peer {
	addr, _ := variant[string](props, "Address")
	if addr == "" {
		addr = addressFromPath(path)
	}
	name, ok := variant[string](props, "Alias")
	if !ok || name == "" {
		name, _ = variant[string](props, "Name")
	}
	return btconn.Peer{Address: addr, Name: name}
}

type adapterState struct {
	powered      bool
	discoverable bool
}

func (s adapterState) mode() btconn.ScanMode {
	switch {
	case !s.powered:
		return btconn.ScanModeNone
	case s.discoverable:
		return btconn.ScanModeDiscoverable
	default:
		return btconn.ScanModeConnectable
	}
}

// translator turns BlueZ signals for one adapter into radio notifications.
// It is only used from the signal loop goroutine.
type translator struct {
	adapter dbus.ObjectPath
	state   adapterState
	names   map[dbus.ObjectPath]string
}

func newTranslator(adapter dbus.ObjectPath, initial adapterState) *translator {
	return &translator{
		adapter: adapter,
		state:   initial,
		names:   make(map[dbus.ObjectPath]string),
	}
}

func (t *translator) isDevice(p dbus.ObjectPath) bool {
	return strings.HasPrefix(string(p), string(t.adapter)+"/dev_")
}

func (t *translator) peer(p dbus.ObjectPath) btconn.Peer {
	return btconn.Peer{Address: addressFromPath(p), Name: t.names[p]}
}

func (t *translator) translate(sig *dbus.Signal) []btconn.Notification {
	if sig == nil {
		return nil
	}
	switch sig.Name {
	case interfacesAdded:
		return t.interfacesAdded(sig)
	case propertiesChanged:
		if len(sig.Body) < 2 {
			return nil
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		if changed == nil {
			return nil
		}
		switch {
		case iface == adapterIface && sig.Path == t.adapter:
			return t.adapterChanged(changed)
		case iface == deviceIface && t.isDevice(sig.Path):
			return t.deviceChanged(sig.Path, changed)
		}
	}
	return nil
}

func (t *translator) interfacesAdded(sig *dbus.Signal) []btconn.Notification {
	if len(sig.Body) < 2 {
		return nil
	}
	path, _ := sig.Body[0].(dbus.ObjectPath)
	ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
	props, ok := ifaces[deviceIface]
	if !ok || !t.isDevice(path) {
		return nil
	}
	p := peerFromProps(path, props)
	if p.Name != "" {
		t.names[path] = p.Name
	}
	return []btconn.Notification{{Kind: btconn.NotifyPeerFound, Peer: p}}
}

func (t *translator) adapterChanged(changed map[string]dbus.Variant) []btconn.Notification {
	next := t.state
	touched := false
	if v, ok := variant[bool](changed, "Powered"); ok {
		next.powered = v
		touched = true
	}
	if v, ok := variant[bool](changed, "Discoverable"); ok {
		next.discoverable = v
		touched = true
	}
	if !touched {
		return nil
	}
	if !next.powered {
		next.discoverable = false
	}
	t.state = next
	return []btconn.Notification{{Kind: btconn.NotifyScanMode, ScanMode: next.mode()}}
}

func (t *translator) deviceChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) []btconn.Notification {
	if name, ok := variant[string](changed, "Alias"); ok && name != "" {
		t.names[path] = name
	}
	var out []btconn.Notification
	if _, ok := changed["RSSI"]; ok {
		// Devices already known to BlueZ are rediscovered through RSSI updates.
		out = append(out, btconn.Notification{Kind: btconn.NotifyPeerFound, Peer: t.peer(path)})
	}
	if connected, ok := variant[bool](changed, "Connected"); ok {
		kind := btconn.NotifyLinkDown
		if connected {
			kind = btconn.NotifyLinkUp
		}
		out = append(out, btconn.Notification{Kind: kind, Peer: t.peer(path)})
	}
	return out
}
