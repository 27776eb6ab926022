// SPDX-License-Identifier: GPL-3.0-or-later

package blez

import (
	"github.com/godbus/dbus/v5"
	"golang.org/x/xerrors"
)

// Service is a handle to one GATT service of a connected device.
type Service struct {
	proxyObject
}

func newService(s *Session, path dbus.ObjectPath) Service {
	return Service{proxyObject{s: s, path: path, kind: KindService}}
}

// UUID identifies the service.
func (sv Service) UUID() (UUID, error) {
	raw, err := sv.propString("UUID")
	if err != nil {
		return UUID{}, err
	}
	return ParseUUID(raw)
}

// Primary reports whether this is a primary service; secondary
// services are only reachable through includes.
func (sv Service) Primary() (bool, error) {
	return sv.propBool("Primary")
}

// Device returns the device offering this service.
func (sv Service) Device() (Device, error) {
	path, err := sv.propObjectPath("Device")
	if err != nil {
		return Device{}, err
	}
	return newDevice(sv.s, path), nil
}

// Characteristics lists all characteristics of this service.
func (sv Service) Characteristics() ([]Characteristic, error) {
	if err := sv.resolve(); err != nil {
		return nil, err
	}
	paths := sv.s.cache.pathsByKind(KindCharacteristic, sv.path)
	chars := make([]Characteristic, 0, len(paths))
	for _, path := range paths {
		chars = append(chars, newCharacteristic(sv.s, path))
	}
	return chars, nil
}

// Characteristic finds the characteristic with the given UUID.
func (sv Service) Characteristic(u UUID) (Characteristic, error) {
	chars, err := sv.Characteristics()
	if err != nil {
		return Characteristic{}, err
	}
	for _, char := range chars {
		cu, err := char.UUID()
		if err != nil {
			logger.Warning("skip characteristic without UUID:", char.Path(), err)
			continue
		}
		if cu == u {
			return char, nil
		}
	}
	return Characteristic{}, xerrors.Errorf("characteristic %s: %w", u, ErrNotFound)
}

// CharacteristicFlags lists the operations a characteristic
// supports, as reported by the daemon.
type CharacteristicFlags []string

// CanRead reports whether host-initiated reads are allowed.
func (f CharacteristicFlags) CanRead() bool { return isStringInArray("read", f) }

// CanWrite reports whether acknowledged writes are allowed.
func (f CharacteristicFlags) CanWrite() bool { return isStringInArray("write", f) }

// CanWriteWithoutResponse reports whether unacknowledged writes are
// allowed.
func (f CharacteristicFlags) CanWriteWithoutResponse() bool {
	return isStringInArray("write-without-response", f)
}

// CanNotify reports whether the device can push value changes.
func (f CharacteristicFlags) CanNotify() bool { return isStringInArray("notify", f) }

// CanIndicate reports whether the device can push acknowledged value
// changes.
func (f CharacteristicFlags) CanIndicate() bool { return isStringInArray("indicate", f) }

// WriteMode selects the acknowledgement behavior of a characteristic
// or descriptor write.
type WriteMode int

const (
	// WriteRequest blocks until the device acknowledges the write.
	WriteRequest WriteMode = iota
	// WriteCommand sends the value without acknowledgement; the call
	// returns once the message is handed to the transport.
	WriteCommand
	// WriteReliable uses the reliable write procedure.
	WriteReliable
)

func (m WriteMode) optionValue() string {
	switch m {
	case WriteCommand:
		return "command"
	case WriteReliable:
		return "reliable"
	default:
		return "request"
	}
}

// ReadOptions qualifies a characteristic or descriptor read.
type ReadOptions struct {
	// Offset starts the read at the given byte position.
	Offset uint16
}

func (o ReadOptions) dict() map[string]dbus.Variant {
	dict := make(map[string]dbus.Variant)
	if o.Offset != 0 {
		dict["offset"] = dbus.MakeVariant(o.Offset)
	}
	return dict
}

// WriteOptions qualifies a characteristic or descriptor write.
type WriteOptions struct {
	// Mode picks acknowledged, unacknowledged or reliable writes.
	Mode WriteMode
	// Offset starts the write at the given byte position.
	Offset uint16
	// PrepareAuthorize requests authorization before a prepare
	// write.
	PrepareAuthorize bool
}

func (o WriteOptions) dict() map[string]dbus.Variant {
	dict := map[string]dbus.Variant{
		"type": dbus.MakeVariant(o.Mode.optionValue()),
	}
	if o.Offset != 0 {
		dict["offset"] = dbus.MakeVariant(o.Offset)
	}
	if o.PrepareAuthorize {
		dict["prepare-authorize"] = dbus.MakeVariant(true)
	}
	return dict
}

// Characteristic is a handle to a GATT characteristic: a single
// readable, writable or notifying value within a service.
type Characteristic struct {
	proxyObject
}

func newCharacteristic(s *Session, path dbus.ObjectPath) Characteristic {
	return Characteristic{proxyObject{s: s, path: path, kind: KindCharacteristic}}
}

// UUID identifies the characteristic and thereby the format of its
// value. Standard UUIDs are assigned by the Bluetooth SIG; consult
// the vendor for proprietary ones.
func (c Characteristic) UUID() (UUID, error) {
	raw, err := c.propString("UUID")
	if err != nil {
		return UUID{}, err
	}
	return ParseUUID(raw)
}

// Service returns the service containing this characteristic.
func (c Characteristic) Service() (Service, error) {
	path, err := c.propObjectPath("Service")
	if err != nil {
		return Service{}, err
	}
	return newService(c.s, path), nil
}

// Flags reports the operations this characteristic supports.
func (c Characteristic) Flags() (CharacteristicFlags, error) {
	flags, err := c.propStrings("Flags")
	return CharacteristicFlags(flags), err
}

// MTU returns the negotiated Maximum Transmission Unit in bytes.
func (c Characteristic) MTU() (uint16, error) {
	return c.propUint16("MTU")
}

// Read fetches the characteristic's current value from the device.
func (c Characteristic) Read(opts ReadOptions) ([]byte, error) {
	body, err := c.call("ReadValue", opts.dict())
	if err != nil {
		return nil, err
	}
	var value []byte
	if err := dbus.Store(body, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// Write sends a new value to the device. WriteCommand mode is
// fire-and-forget; the other modes block until the device
// acknowledges.
func (c Characteristic) Write(value []byte, opts WriteOptions) error {
	if opts.Mode == WriteCommand {
		return c.callNoReply("WriteValue", value, opts.dict())
	}
	_, err := c.call("WriteValue", value, opts.dict())
	return err
}

// Notify enables notifications/indications and returns a stream of
// value changes. Closing the stream disables notifications again.
func (c Characteristic) Notify() (*EventStream, error) {
	if err := c.resolve(); err != nil {
		return nil, err
	}
	charPath := c.path
	rules := [][]dbus.MatchOption{
		{
			dbus.WithMatchSender(bluezDBusServiceName),
			dbus.WithMatchInterface(propertiesInterface),
			dbus.WithMatchMember(propertiesChangedMember),
			dbus.WithMatchObjectPath(charPath),
		},
	}
	sub, err := c.s.subscribe(rules, func(sig *dbus.Signal) []Event {
		if sig.Path != charPath ||
			sig.Name != propertiesInterface+"."+propertiesChangedMember {
			return nil
		}
		iface, changed, _, ok := decodePropertiesChanged(sig)
		if !ok || iface != bluezGattCharacteristicInterface {
			return nil
		}
		variant, ok := changed["Value"]
		if !ok {
			return nil
		}
		var value []byte
		if err := variant.Store(&value); err != nil {
			logger.Warning("notification value has unexpected type:", err)
			return nil
		}
		return []Event{{Kind: EventValueChanged, Path: charPath, Property: "Value", Value: value}}
	})
	if err != nil {
		return nil, err
	}

	if _, err := c.call("StartNotify"); err != nil {
		c.s.unsubscribe(sub)
		return nil, err
	}
	return newEventStream(sub, func() {
		if _, err := c.call("StopNotify"); err != nil {
			logger.Warning("stop notify:", err)
		}
	}), nil
}

// Descriptors lists the descriptors attached to this characteristic.
func (c Characteristic) Descriptors() ([]Descriptor, error) {
	if err := c.resolve(); err != nil {
		return nil, err
	}
	paths := c.s.cache.pathsByKind(KindDescriptor, c.path)
	descs := make([]Descriptor, 0, len(paths))
	for _, path := range paths {
		descs = append(descs, newDescriptor(c.s, path))
	}
	return descs, nil
}

// Descriptor is a handle to a GATT descriptor, qualifying its parent
// characteristic.
type Descriptor struct {
	proxyObject
}

func newDescriptor(s *Session, path dbus.ObjectPath) Descriptor {
	return Descriptor{proxyObject{s: s, path: path, kind: KindDescriptor}}
}

// UUID identifies the descriptor.
func (d Descriptor) UUID() (UUID, error) {
	raw, err := d.propString("UUID")
	if err != nil {
		return UUID{}, err
	}
	return ParseUUID(raw)
}

// Characteristic returns the characteristic this descriptor belongs
// to.
func (d Descriptor) Characteristic() (Characteristic, error) {
	path, err := d.propObjectPath("Characteristic")
	if err != nil {
		return Characteristic{}, err
	}
	return newCharacteristic(d.s, path), nil
}

// Read fetches the descriptor's value.
func (d Descriptor) Read(opts ReadOptions) ([]byte, error) {
	body, err := d.call("ReadValue", opts.dict())
	if err != nil {
		return nil, err
	}
	var value []byte
	if err := dbus.Store(body, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// Write stores a new descriptor value on the device.
func (d Descriptor) Write(value []byte, opts WriteOptions) error {
	_, err := d.call("WriteValue", value, opts.dict())
	return err
}
