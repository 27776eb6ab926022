// SPDX-License-Identifier: GPL-3.0-or-later

package blez

import (
	"errors"
	"strings"

	"github.com/godbus/dbus/v5"
)

// ErrNoAdapter is returned by DefaultAdapter when the system has no
// Bluetooth controller.
var ErrNoAdapter = errors.New("blez: no bluetooth adapter present")

// Adapter is a handle to a local Bluetooth controller (e.g. hci0).
type Adapter struct {
	proxyObject
}

func newAdapter(s *Session, path dbus.ObjectPath) Adapter {
	return Adapter{proxyObject{s: s, path: path, kind: KindAdapter}}
}

// Adapters enumerates all controllers known to the daemon, sorted by
// path.
func (s *Session) Adapters() ([]Adapter, error) {
	if err := s.ensureSeeded(); err != nil {
		return nil, err
	}
	paths := s.cache.pathsByKind(KindAdapter, "")
	adapters := make([]Adapter, 0, len(paths))
	for _, path := range paths {
		adapters = append(adapters, newAdapter(s, path))
	}
	return adapters, nil
}

// DefaultAdapter returns the first controller, by path order.
func (s *Session) DefaultAdapter() (Adapter, error) {
	adapters, err := s.Adapters()
	if err != nil {
		return Adapter{}, err
	}
	if len(adapters) == 0 {
		return Adapter{}, ErrNoAdapter
	}
	return adapters[0], nil
}

// Adapter resolves a controller by device name, e.g. "hci0".
func (s *Session) Adapter(name string) (Adapter, error) {
	if err := s.ensureSeeded(); err != nil {
		return Adapter{}, err
	}
	path := dbus.ObjectPath(bluezAdapterPathPrefix + name)
	if !s.cache.has(path, KindAdapter) {
		return Adapter{}, ErrNotFound
	}
	return newAdapter(s, path), nil
}

// Name returns the adapter's device name, e.g. "hci0".
func (a Adapter) Name() string {
	return strings.TrimPrefix(string(a.path), bluezAdapterPathPrefix)
}

// Address returns the controller's device address.
func (a Adapter) Address() (Address, error) {
	s, err := a.propString("Address")
	if err != nil {
		return Address{}, err
	}
	return ParseAddress(s)
}

// AddressType reports whether the controller address is public or
// random.
func (a Adapter) AddressType() (AddressType, error) {
	s, err := a.propString("AddressType")
	if err != nil {
		return "", err
	}
	return parseAddressType(s)
}

// Alias returns the user-visible controller name.
func (a Adapter) Alias() (string, error) {
	return a.propString("Alias")
}

// SetAlias overrides the controller name. An empty string restores
// the system default.
func (a Adapter) SetAlias(alias string) error {
	return a.setProp("Alias", alias)
}

// Powered reports whether the controller radio is on.
func (a Adapter) Powered() (bool, error) {
	return a.propBool("Powered")
}

// SetPowered switches the controller radio.
func (a Adapter) SetPowered(powered bool) error {
	return a.setProp("Powered", powered)
}

// Discoverable reports whether remote devices can find this
// controller.
func (a Adapter) Discoverable() (bool, error) {
	return a.propBool("Discoverable")
}

// SetDiscoverable switches controller visibility.
func (a Adapter) SetDiscoverable(discoverable bool) error {
	return a.setProp("Discoverable", discoverable)
}

// DiscoverableTimeout returns the discoverable timeout in seconds, 0
// meaning forever.
func (a Adapter) DiscoverableTimeout() (uint32, error) {
	return a.propUint32("DiscoverableTimeout")
}

// SetDiscoverableTimeout sets the discoverable timeout in seconds.
func (a Adapter) SetDiscoverableTimeout(seconds uint32) error {
	return a.setProp("DiscoverableTimeout", seconds)
}

// Discovering reports whether device discovery is running. The value
// may lag a StartDiscovery call.
func (a Adapter) Discovering() (bool, error) {
	return a.propBool("Discovering")
}

// StartDiscovery starts the device discovery procedure.
func (a Adapter) StartDiscovery() error {
	_, err := a.call("StartDiscovery")
	return err
}

// StopDiscovery stops the device discovery procedure.
func (a Adapter) StopDiscovery() error {
	_, err := a.call("StopDiscovery")
	return err
}

// DiscoveryFilter narrows what StartDiscovery reports. Zero fields
// are omitted from the filter.
type DiscoveryFilter struct {
	// UUIDs keeps only devices advertising at least one of these
	// services.
	UUIDs []UUID
	// RSSI drops devices weaker than this threshold (dBm) when
	// non-zero.
	RSSI int16
	// Transport is "auto", "bredr" or "le".
	Transport string
	// DuplicateData includes duplicate advertising data updates.
	DuplicateData bool
}

// SetDiscoveryFilter installs a discovery filter; pass the zero value
// to clear it.
func (a Adapter) SetDiscoveryFilter(filter DiscoveryFilter) error {
	dict := make(map[string]dbus.Variant)
	if len(filter.UUIDs) > 0 {
		uuids := make([]string, 0, len(filter.UUIDs))
		for _, u := range filter.UUIDs {
			uuids = append(uuids, u.String())
		}
		dict["UUIDs"] = dbus.MakeVariant(uuids)
	}
	if filter.RSSI != 0 {
		dict["RSSI"] = dbus.MakeVariant(filter.RSSI)
	}
	if filter.Transport != "" {
		dict["Transport"] = dbus.MakeVariant(filter.Transport)
	}
	if filter.DuplicateData {
		dict["DuplicateData"] = dbus.MakeVariant(true)
	}
	_, err := a.call("SetDiscoveryFilter", dict)
	return err
}

// RemoveDevice removes the device and its pairing information from
// the controller.
func (a Adapter) RemoveDevice(d Device) error {
	_, err := a.call("RemoveDevice", d.path)
	return err
}

// Devices lists all devices currently known to this controller,
// paired and discovered alike.
func (a Adapter) Devices() ([]Device, error) {
	if err := a.resolve(); err != nil {
		return nil, err
	}
	paths := a.s.cache.pathsByKind(KindDevice, a.path)
	devices := make([]Device, 0, len(paths))
	for _, path := range paths {
		devices = append(devices, newDevice(a.s, path))
	}
	return devices, nil
}

// DiscoverDevices returns a stream of device events under this
// controller. Devices already known are pre-queued as added events,
// so the consumer observes the complete set. Discovery itself is
// controlled separately via StartDiscovery/StopDiscovery.
func (a Adapter) DiscoverDevices() (*EventStream, error) {
	if err := a.resolve(); err != nil {
		return nil, err
	}
	adapterPath := a.path
	rules := [][]dbus.MatchOption{
		{
			dbus.WithMatchSender(bluezDBusServiceName),
			dbus.WithMatchInterface(objectManagerInterface),
		},
		{
			dbus.WithMatchSender(bluezDBusServiceName),
			dbus.WithMatchInterface(propertiesInterface),
			dbus.WithMatchMember(propertiesChangedMember),
			dbus.WithMatchPathNamespace(adapterPath),
		},
	}
	sub, err := a.s.subscribe(rules, func(sig *dbus.Signal) []Event {
		switch sig.Name {
		case objectManagerInterface + "." + interfacesAddedMember:
			path, ifaces, ok := decodeInterfacesAdded(sig)
			if !ok || !pathUnder(path, adapterPath) {
				return nil
			}
			if _, isDev := ifaces[bluezDeviceInterface]; isDev {
				return []Event{{Kind: EventDeviceAdded, Path: path}}
			}
		case objectManagerInterface + "." + interfacesRemovedMember:
			path, ifaces, ok := decodeInterfacesRemoved(sig)
			if !ok || !pathUnder(path, adapterPath) {
				return nil
			}
			if isStringInArray(bluezDeviceInterface, ifaces) {
				return []Event{{Kind: EventDeviceRemoved, Path: path}}
			}
		case propertiesInterface + "." + propertiesChangedMember:
			if !pathUnder(sig.Path, adapterPath) {
				return nil
			}
			iface, changed, invalidated, ok := decodePropertiesChanged(sig)
			if !ok || iface != bluezDeviceInterface {
				return nil
			}
			return propertyChangeEvents(sig.Path, changed, invalidated)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	stream := newEventStream(sub, nil)
	known := a.s.cache.pathsByKind(KindDevice, adapterPath)
	seed := make([]Event, 0, len(known))
	for _, path := range known {
		seed = append(seed, Event{Kind: EventDeviceAdded, Path: path})
	}
	stream.seedEvents(seed)
	return stream, nil
}

// WatchAdapters returns a stream of controller add/remove events.
func (s *Session) WatchAdapters() (*EventStream, error) {
	if err := s.ensureSeeded(); err != nil {
		return nil, err
	}
	rules := [][]dbus.MatchOption{
		{
			dbus.WithMatchSender(bluezDBusServiceName),
			dbus.WithMatchInterface(objectManagerInterface),
		},
	}
	sub, err := s.subscribe(rules, func(sig *dbus.Signal) []Event {
		switch sig.Name {
		case objectManagerInterface + "." + interfacesAddedMember:
			path, ifaces, ok := decodeInterfacesAdded(sig)
			if !ok {
				return nil
			}
			if _, isAdapter := ifaces[bluezAdapterInterface]; isAdapter {
				return []Event{{Kind: EventAdapterAdded, Path: path}}
			}
		case objectManagerInterface + "." + interfacesRemovedMember:
			path, ifaces, ok := decodeInterfacesRemoved(sig)
			if !ok {
				return nil
			}
			if isStringInArray(bluezAdapterInterface, ifaces) {
				return []Event{{Kind: EventAdapterRemoved, Path: path}}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newEventStream(sub, nil), nil
}
