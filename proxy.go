// SPDX-License-Identifier: GPL-3.0-or-later

package blez

import (
	"errors"

	"github.com/godbus/dbus/v5"
)

// proxyObject is the common core of every typed handle: a path plus a
// session-scoped cache reference. Handles are lightweight, copyable
// values; they own no remote state and degrade to typed errors when
// their backing object disappears.
type proxyObject struct {
	s    *Session
	path dbus.ObjectPath
	kind ObjectKind
}

// Path returns the handle's object path.
func (p proxyObject) Path() string {
	return string(p.path)
}

// resolve checks that the path still maps to an object of the
// expected kind. Called before every outgoing operation.
func (p proxyObject) resolve() error {
	if p.s == nil {
		return ErrHandleStale
	}
	if err := p.s.ensureSeeded(); err != nil {
		return err
	}
	if !p.s.cache.has(p.path, p.kind) {
		return ErrHandleStale
	}
	return nil
}

// call validates the handle and issues a blocking method call on its
// primary interface.
func (p proxyObject) call(method string, args ...interface{}) ([]interface{}, error) {
	if err := p.resolve(); err != nil {
		return nil, err
	}
	return p.s.Call(bluezDBusServiceName, p.path, p.kind.iface(), method, 0, args...)
}

// callNoReply validates the handle and issues a fire-and-forget call.
func (p proxyObject) callNoReply(method string, args ...interface{}) error {
	if err := p.resolve(); err != nil {
		return err
	}
	return p.s.send(bluezDBusServiceName, p.path, p.kind.iface(), method, args...)
}

// getProp reads a property, preferring the cache snapshot. A value
// that was invalidated or never announced is fetched live and stored
// back.
func (p proxyObject) getProp(name string, out interface{}) error {
	if err := p.resolve(); err != nil {
		return err
	}
	value, err := p.s.cache.prop(p.path, p.kind, name)
	switch {
	case err == nil:
	case errors.Is(err, errPropertyMissing):
		value, err = p.fetchProp(name)
		if err != nil {
			return err
		}
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrWrongInterface):
		return ErrHandleStale
	default:
		return err
	}
	return value.Store(out)
}

func (p proxyObject) fetchProp(name string) (dbus.Variant, error) {
	body, err := p.s.Call(bluezDBusServiceName, p.path, propertiesInterface,
		"Get", 0, p.kind.iface(), name)
	if err != nil {
		return dbus.Variant{}, err
	}
	var value dbus.Variant
	if err := dbus.Store(body, &value); err != nil {
		return dbus.Variant{}, err
	}
	p.s.cache.storeProp(p.path, p.kind, name, value)
	return value, nil
}

// setProp writes a property through the daemon's properties
// interface. The cache picks the new value up from the resulting
// PropertiesChanged signal rather than assuming success.
func (p proxyObject) setProp(name string, value interface{}) error {
	if err := p.resolve(); err != nil {
		return err
	}
	_, err := p.s.Call(bluezDBusServiceName, p.path, propertiesInterface,
		"Set", 0, p.kind.iface(), name, dbus.MakeVariant(value))
	return err
}

func (p proxyObject) propString(name string) (string, error) {
	var v string
	err := p.getProp(name, &v)
	return v, err
}

func (p proxyObject) propBool(name string) (bool, error) {
	var v bool
	err := p.getProp(name, &v)
	return v, err
}

func (p proxyObject) propUint16(name string) (uint16, error) {
	var v uint16
	err := p.getProp(name, &v)
	return v, err
}

func (p proxyObject) propInt16(name string) (int16, error) {
	var v int16
	err := p.getProp(name, &v)
	return v, err
}

func (p proxyObject) propUint32(name string) (uint32, error) {
	var v uint32
	err := p.getProp(name, &v)
	return v, err
}

func (p proxyObject) propStrings(name string) ([]string, error) {
	var v []string
	err := p.getProp(name, &v)
	return v, err
}

func (p proxyObject) propObjectPath(name string) (dbus.ObjectPath, error) {
	var v dbus.ObjectPath
	err := p.getProp(name, &v)
	return v, err
}
