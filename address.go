// SPDX-License-Identifier: GPL-3.0-or-later

package blez

import (
	"fmt"
	"strings"
)

// AddressType describes the meaning of the bytes in an Address.
type AddressType string

const (
	// AddressTypePublic follows the MAC address standard: the first
	// three bytes identify the vendor, the last three the device.
	AddressTypePublic AddressType = "public"
	// AddressTypeRandom is randomly generated, either static random or
	// a resolvable/non-resolvable private address for BLE privacy.
	AddressTypeRandom AddressType = "random"
)

func parseAddressType(s string) (AddressType, error) {
	switch s {
	case "public":
		return AddressTypePublic, nil
	case "random":
		return AddressTypeRandom, nil
	default:
		return "", fmt.Errorf("blez: invalid address type %q", s)
	}
}

// Address is a 6-byte Bluetooth device address.
type Address [6]byte

// ParseAddress parses a colon-separated hex address such as
// "AA:BB:CC:11:22:33".
func ParseAddress(s string) (Address, error) {
	var addr Address
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return Address{}, fmt.Errorf("blez: invalid device address %q", s)
	}
	for i, part := range parts {
		if len(part) != 2 {
			return Address{}, fmt.Errorf("blez: invalid device address %q", s)
		}
		var b byte
		for j := 0; j < 2; j++ {
			n, ok := hexNibble(part[j])
			if !ok {
				return Address{}, fmt.Errorf("blez: invalid device address %q", s)
			}
			b = b<<4 | n
		}
		addr[i] = b
	}
	return addr, nil
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		a[0], a[1], a[2], a[3], a[4], a[5])
}

// Bytes returns the raw address bytes.
func (a Address) Bytes() [6]byte {
	return [6]byte(a)
}
