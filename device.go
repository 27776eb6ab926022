// SPDX-License-Identifier: GPL-3.0-or-later

package blez

import (
	"errors"
	"time"

	"github.com/godbus/dbus/v5"
)

// ErrNotConnected is returned by operations that require an
// established connection to the remote device.
var ErrNotConnected = errors.New("blez: device not connected")

// Device is a handle to a remote Bluetooth device known to an
// adapter.
type Device struct {
	proxyObject
}

func newDevice(s *Session, path dbus.ObjectPath) Device {
	return Device{proxyObject{s: s, path: path, kind: KindDevice}}
}

// Device resolves a device handle from an object path previously
// yielded by an event stream.
func (s *Session) Device(path string) (Device, error) {
	if err := s.ensureSeeded(); err != nil {
		return Device{}, err
	}
	objPath := dbus.ObjectPath(path)
	if !s.cache.has(objPath, KindDevice) {
		return Device{}, ErrNotFound
	}
	return newDevice(s, objPath), nil
}

// Adapter returns the controller this device belongs to.
func (d Device) Adapter() (Adapter, error) {
	path, err := d.propObjectPath("Adapter")
	if err != nil {
		return Adapter{}, err
	}
	return newAdapter(d.s, path), nil
}

// Address returns the device's hardware address.
func (d Device) Address() (Address, error) {
	s, err := d.propString("Address")
	if err != nil {
		return Address{}, err
	}
	return ParseAddress(s)
}

// AddressType reports whether the device address is public or random.
func (d Device) AddressType() (AddressType, error) {
	s, err := d.propString("AddressType")
	if err != nil {
		return "", err
	}
	return parseAddressType(s)
}

// Name returns the device's remote name. Not every device exposes
// one; prefer Alias for display.
func (d Device) Name() (string, error) {
	return d.propString("Name")
}

// Alias returns the user-friendly display name.
func (d Device) Alias() (string, error) {
	return d.propString("Alias")
}

// SetAlias overrides the display name; an empty string reverts to the
// remote name.
func (d Device) SetAlias(alias string) error {
	return d.setProp("Alias", alias)
}

// Icon returns the suggested icon name for the device class, e.g.
// "audio-card" or "input-keyboard".
func (d Device) Icon() (string, error) {
	return d.propString("Icon")
}

// RSSI returns the received signal strength in dBm. Only present
// while advertisements are being received.
func (d Device) RSSI() (int16, error) {
	return d.propInt16("RSSI")
}

// Paired reports whether the device is paired.
func (d Device) Paired() (bool, error) {
	return d.propBool("Paired")
}

// Trusted reports whether incoming connections from the device are
// accepted without authorization.
func (d Device) Trusted() (bool, error) {
	return d.propBool("Trusted")
}

// SetTrusted marks the device trusted or untrusted.
func (d Device) SetTrusted(trusted bool) error {
	return d.setProp("Trusted", trusted)
}

// Connected reports whether the adapter currently holds a connection
// to the device.
func (d Device) Connected() (bool, error) {
	return d.propBool("Connected")
}

// ServicesResolved reports whether GATT service discovery has
// completed for the current connection.
func (d Device) ServicesResolved() (bool, error) {
	return d.propBool("ServicesResolved")
}

// ServiceUUIDs returns the service UUIDs the device advertises. The
// list is typically truncated until the device is connected or
// paired.
func (d Device) ServiceUUIDs() ([]UUID, error) {
	raw, err := d.propStrings("UUIDs")
	if err != nil {
		return nil, err
	}
	return parseUUIDList(raw), nil
}

// Connect establishes a connection to the device. Connecting is racy:
// a connection established concurrently while our request fails is
// still reported as success, and connecting to an already connected
// device is a no-op. BlueZ is otherwise prone to a cryptic
// le-connection-abort-by-local error in both situations.
func (d Device) Connect() error {
	if connected, err := d.Connected(); err == nil && connected {
		return nil
	}
	if _, err := d.call("Connect"); err != nil {
		if connected, cerr := d.Connected(); cerr == nil && connected {
			return nil
		}
		return err
	}
	return nil
}

// Disconnect severs the connection. Disconnecting an already
// disconnected device is a no-op.
func (d Device) Disconnect() error {
	if connected, err := d.Connected(); err == nil && !connected {
		return nil
	}
	if _, err := d.call("Disconnect"); err != nil {
		if connected, cerr := d.Connected(); cerr == nil && !connected {
			return nil
		}
		return err
	}
	return nil
}

// Pair initiates pairing with the device.
func (d Device) Pair() error {
	_, err := d.call("Pair")
	return err
}

// CancelPairing aborts an ongoing pairing attempt.
func (d Device) CancelPairing() error {
	_, err := d.call("CancelPairing")
	return err
}

// Services performs GATT service discovery and returns all services
// the connected device offers. It waits, up to the session call
// timeout, for the daemon to finish resolving services.
func (d Device) Services() ([]Service, error) {
	if err := d.waitServicesResolved(d.s.callTimeout); err != nil {
		return nil, err
	}
	paths := d.s.cache.pathsByKind(KindService, d.path)
	services := make([]Service, 0, len(paths))
	for _, path := range paths {
		services = append(services, newService(d.s, path))
	}
	return services, nil
}

func (d Device) waitServicesResolved(timeout time.Duration) error {
	connected, err := d.Connected()
	if err != nil {
		return err
	}
	if !connected {
		return ErrNotConnected
	}

	stream, err := d.WatchProperties()
	if err != nil {
		return err
	}
	defer stream.Close()

	// Check after subscribing, so a change between check and watch
	// cannot be missed.
	if resolved, err := d.ServicesResolved(); err == nil && resolved {
		return nil
	}

	deadline := d.s.clock.Now().Add(timeout)
	for {
		remaining := deadline.Sub(d.s.clock.Now())
		if remaining <= 0 {
			return ErrCallTimeout
		}
		ev, err := stream.Next(remaining)
		switch {
		case errors.Is(err, ErrStreamTimeout):
			return ErrCallTimeout
		case err != nil:
			return err
		}
		if ev.Kind == EventOverflow || ev.Property == "ServicesResolved" {
			if resolved, err := d.ServicesResolved(); err == nil && resolved {
				return nil
			}
		}
	}
}

// WatchProperties returns a stream of property-change events for this
// device, e.g. Connected, RSSI or UUIDs updates during discovery.
func (d Device) WatchProperties() (*EventStream, error) {
	if err := d.resolve(); err != nil {
		return nil, err
	}
	devPath := d.path
	rules := [][]dbus.MatchOption{
		{
			dbus.WithMatchSender(bluezDBusServiceName),
			dbus.WithMatchInterface(propertiesInterface),
			dbus.WithMatchMember(propertiesChangedMember),
			dbus.WithMatchObjectPath(devPath),
		},
	}
	sub, err := d.s.subscribe(rules, func(sig *dbus.Signal) []Event {
		if sig.Path != devPath ||
			sig.Name != propertiesInterface+"."+propertiesChangedMember {
			return nil
		}
		iface, changed, invalidated, ok := decodePropertiesChanged(sig)
		if !ok || iface != bluezDeviceInterface {
			return nil
		}
		return propertyChangeEvents(devPath, changed, invalidated)
	})
	if err != nil {
		return nil, err
	}
	return newEventStream(sub, nil), nil
}
