// SPDX-License-Identifier: GPL-3.0-or-later

// Package blez is a client binding for the BlueZ Bluetooth daemon.
//
// It mirrors the daemon's D-Bus object tree (adapters, devices, GATT
// services, characteristics and descriptors) into a local cache and
// exposes it through plain blocking calls. No async runtime, channel
// or context type crosses the public surface; every blocking operation
// honors an explicit or session-default timeout.
package blez

import (
	"github.com/linuxdeepin/go-lib/log"
)

var logger = log.NewLogger("blez")

// SetLogLevel adjusts the verbosity of the package logger.
func SetLogLevel(level log.Priority) {
	logger.SetLogLevel(level)
}

const (
	bluezDBusServiceName = "org.bluez"

	bluezAdapterInterface            = "org.bluez.Adapter1"
	bluezDeviceInterface             = "org.bluez.Device1"
	bluezGattServiceInterface        = "org.bluez.GattService1"
	bluezGattCharacteristicInterface = "org.bluez.GattCharacteristic1"
	bluezGattDescriptorInterface     = "org.bluez.GattDescriptor1"

	objectManagerInterface = "org.freedesktop.DBus.ObjectManager"
	propertiesInterface    = "org.freedesktop.DBus.Properties"

	interfacesAddedMember   = "InterfacesAdded"
	interfacesRemovedMember = "InterfacesRemoved"
	propertiesChangedMember = "PropertiesChanged"

	bluezAdapterPathPrefix = "/org/bluez/"
)

// ObjectKind tags which BlueZ role a cached object implements.
type ObjectKind int

const (
	KindUnknown ObjectKind = iota
	KindAdapter
	KindDevice
	KindService
	KindCharacteristic
	KindDescriptor
)

func (k ObjectKind) String() string {
	switch k {
	case KindAdapter:
		return "adapter"
	case KindDevice:
		return "device"
	case KindService:
		return "service"
	case KindCharacteristic:
		return "characteristic"
	case KindDescriptor:
		return "descriptor"
	default:
		return "unknown"
	}
}

// iface returns the D-Bus interface name implementing this kind.
func (k ObjectKind) iface() string {
	switch k {
	case KindAdapter:
		return bluezAdapterInterface
	case KindDevice:
		return bluezDeviceInterface
	case KindService:
		return bluezGattServiceInterface
	case KindCharacteristic:
		return bluezGattCharacteristicInterface
	case KindDescriptor:
		return bluezGattDescriptorInterface
	default:
		return ""
	}
}

func kindOfInterface(name string) ObjectKind {
	switch name {
	case bluezAdapterInterface:
		return KindAdapter
	case bluezDeviceInterface:
		return KindDevice
	case bluezGattServiceInterface:
		return KindService
	case bluezGattCharacteristicInterface:
		return KindCharacteristic
	case bluezGattDescriptorInterface:
		return KindDescriptor
	default:
		return KindUnknown
	}
}
