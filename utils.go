// SPDX-License-Identifier: GPL-3.0-or-later

package blez

import (
	"strings"

	"github.com/godbus/dbus/v5"
)

func isStringInArray(str string, list []string) bool {
	for _, tmp := range list {
		if tmp == str {
			return true
		}
	}
	return false
}

// pathUnder reports whether path lies strictly below prefix in the
// object hierarchy.
func pathUnder(path, prefix dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(prefix)+"/")
}

func decodeInterfacesAdded(sig *dbus.Signal) (dbus.ObjectPath, map[string]map[string]dbus.Variant, bool) {
	var path dbus.ObjectPath
	var ifaces map[string]map[string]dbus.Variant
	if err := dbus.Store(sig.Body, &path, &ifaces); err != nil {
		logger.Warning("malformed InterfacesAdded signal:", err)
		return "", nil, false
	}
	return path, ifaces, true
}

func decodeInterfacesRemoved(sig *dbus.Signal) (dbus.ObjectPath, []string, bool) {
	var path dbus.ObjectPath
	var ifaces []string
	if err := dbus.Store(sig.Body, &path, &ifaces); err != nil {
		logger.Warning("malformed InterfacesRemoved signal:", err)
		return "", nil, false
	}
	return path, ifaces, true
}

func decodePropertiesChanged(sig *dbus.Signal) (iface string, changed map[string]dbus.Variant, invalidated []string, ok bool) {
	if err := dbus.Store(sig.Body, &iface, &changed, &invalidated); err != nil {
		logger.Warning("malformed PropertiesChanged signal:", err)
		return "", nil, nil, false
	}
	return iface, changed, invalidated, true
}

// propertyChangeEvents flattens a PropertiesChanged delta into one
// event per affected property.
func propertyChangeEvents(path dbus.ObjectPath, changed map[string]dbus.Variant, invalidated []string) []Event {
	events := make([]Event, 0, len(changed)+len(invalidated))
	for name := range changed {
		events = append(events, Event{Kind: EventPropertyChanged, Path: path, Property: name})
	}
	for _, name := range invalidated {
		events = append(events, Event{Kind: EventPropertyChanged, Path: path, Property: name})
	}
	return events
}
