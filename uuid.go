// SPDX-License-Identifier: GPL-3.0-or-later

package blez

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// UUID identifies a Bluetooth service, characteristic or descriptor.
//
// BlueZ reports all UUIDs in the full 128-bit form. 16-bit and 32-bit
// aliases assigned by the Bluetooth SIG expand against the Bluetooth
// base UUID, see UUID16 and UUID32.
type UUID = uuid.UUID

// baseUUID is the Bluetooth SIG base UUID that short aliases expand
// into.
var baseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// UUID16 expands a 16-bit SIG alias to a full UUID.
func UUID16(alias uint16) UUID {
	return UUID32(uint32(alias))
}

// UUID32 expands a 32-bit SIG alias to a full UUID.
func UUID32(alias uint32) UUID {
	u := baseUUID
	binary.BigEndian.PutUint32(u[:4], alias)
	return u
}

// ParseUUID parses a UUID in full 36-character form, or as a 4 or 8
// character hex alias ("180d", "0000180d").
func ParseUUID(s string) (UUID, error) {
	switch len(s) {
	case 4, 8:
		alias, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return UUID{}, fmt.Errorf("blez: invalid UUID alias %q", s)
		}
		return UUID32(uint32(alias)), nil
	default:
		u, err := uuid.Parse(s)
		if err != nil {
			return UUID{}, fmt.Errorf("blez: invalid UUID %q: %v", s, err)
		}
		return u, nil
	}
}

// MustUUID is ParseUUID for compile-time constant strings; it panics
// on malformed input.
func MustUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Alias16 reports the 16-bit SIG alias of u, if u lies in the base
// UUID range.
func Alias16(u UUID) (uint16, bool) {
	v := u
	v[0], v[1], v[2], v[3] = 0, 0, 0, 0
	if v != baseUUID || u[0] != 0 || u[1] != 0 {
		return 0, false
	}
	return binary.BigEndian.Uint16(u[2:4]), true
}

func parseUUIDList(raw []string) []UUID {
	uuids := make([]UUID, 0, len(raw))
	for _, s := range raw {
		u, err := ParseUUID(strings.TrimSpace(s))
		if err != nil {
			logger.Warning("skip malformed UUID:", s)
			continue
		}
		uuids = append(uuids, u)
	}
	return uuids
}
