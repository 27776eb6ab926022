// SPDX-License-Identifier: GPL-3.0-or-later

package blez

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
)

func TestPathUnder(t *testing.T) {
	assert.True(t, pathUnder("/org/bluez/hci0/dev_A", "/org/bluez/hci0"))
	assert.True(t, pathUnder("/org/bluez/hci0/dev_A/service01", "/org/bluez/hci0"))
	assert.False(t, pathUnder("/org/bluez/hci0", "/org/bluez/hci0"))
	assert.False(t, pathUnder("/org/bluez/hci10/dev_A", "/org/bluez/hci1"))
}

func TestDecodeMalformedSignals(t *testing.T) {
	bad := &dbus.Signal{
		Name: objectManagerInterface + "." + interfacesAddedMember,
		Body: []interface{}{"not-a-path"},
	}
	_, _, ok := decodeInterfacesAdded(bad)
	assert.False(t, ok)

	bad.Name = objectManagerInterface + "." + interfacesRemovedMember
	_, _, ok = decodeInterfacesRemoved(bad)
	assert.False(t, ok)

	bad.Name = propertiesInterface + "." + propertiesChangedMember
	_, _, _, ok2 := decodePropertiesChanged(bad)
	assert.False(t, ok2)
}

func TestPropertyChangeEvents(t *testing.T) {
	events := propertyChangeEvents("/org/x/dev",
		map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-50))},
		[]string{"TxPower"})

	assert.Len(t, events, 2)
	seen := make(map[string]bool)
	for _, ev := range events {
		assert.Equal(t, EventPropertyChanged, ev.Kind)
		assert.Equal(t, dbus.ObjectPath("/org/x/dev"), ev.Path)
		seen[ev.Property] = true
	}
	assert.True(t, seen["RSSI"])
	assert.True(t, seen["TxPower"])
}
