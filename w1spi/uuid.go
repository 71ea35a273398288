// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package w1spi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/GermanBionicSystems/w1devices/common"
	"periph.io/x/conn/v3/onewire"
)

// UUIDBits is the number of addressable bits in a UUID.
const UUIDBits = 56

// UUID is the identity of a 1-Wire device: the family (type) byte followed by
// the 48 bit serial number, in wire order.
//
// The CRC byte that completes the 64 bit ROM code is derived from the UUID
// and is not part of it, see ROM.
//
// Bit i of the UUID is bit i%8 of byte i/8, which is also the order in which
// the bits travel on the bus. The zero value is the null UUID.
type UUID [7]byte

// UUIDFromUint64 returns the UUID stored in the low 56 bits of v, family code
// in the least significant byte. This is the layout of onewire.Address minus
// the CRC byte.
func UUIDFromUint64(v uint64) UUID {
	var u UUID
	for i := range u {
		u[i] = byte(v >> (8 * uint(i)))
	}
	return u
}

// UUIDFromAddress converts a periph 1-Wire address into a UUID, verifying the
// CRC held in the address' most significant byte.
func UUIDFromAddress(a onewire.Address) (UUID, error) {
	u := UUIDFromUint64(uint64(a))
	if crc := byte(a >> 56); crc != u.CRC() {
		return u, fmt.Errorf("%w: address %#016x, expected crc %#02x", ErrCRC, uint64(a), u.CRC())
	}
	return u, nil
}

// ParseUUID parses the text forms produced by UUID.String and ROM.String. The
// Linux w1 sysfs form "28-0000070e41ac" is accepted as well.
//
// When a CRC is given it must match.
func ParseUUID(s string) (UUID, error) {
	f := strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == '-' })
	if len(f) < 2 || len(f) > 3 || len(f[0]) != 2 || len(f[1]) != 12 {
		return UUID{}, errors.New("w1spi: invalid UUID " + strconv.Quote(s))
	}
	family, err := strconv.ParseUint(f[0], 16, 8)
	if err != nil {
		return UUID{}, errors.New("w1spi: invalid UUID family " + strconv.Quote(s))
	}
	serial, err := strconv.ParseUint(f[1], 16, 48)
	if err != nil {
		return UUID{}, errors.New("w1spi: invalid UUID serial " + strconv.Quote(s))
	}
	u := UUIDFromUint64(serial<<8 | family)
	if len(f) == 3 {
		crc, err := strconv.ParseUint(f[2], 16, 8)
		if err != nil || len(f[2]) != 2 {
			return UUID{}, errors.New("w1spi: invalid UUID crc " + strconv.Quote(s))
		}
		if byte(crc) != u.CRC() {
			return UUID{}, fmt.Errorf("%w: %s, expected crc %02x", ErrCRC, s, u.CRC())
		}
	}
	return u, nil
}

// Type returns the family code, which identifies the device model.
func (u UUID) Type() byte {
	return u[0]
}

// Serial returns the 48 bit serial number in wire order.
func (u UUID) Serial() [6]byte {
	var s [6]byte
	copy(s[:], u[1:])
	return s
}

// Uint64 returns the UUID in the low 56 bits, family code in the least
// significant byte.
func (u UUID) Uint64() uint64 {
	var v uint64
	for i := len(u) - 1; i >= 0; i-- {
		v = v<<8 | uint64(u[i])
	}
	return v
}

// Bit returns bit i, 0 <= i < UUIDBits.
//
// It panics if i is out of range.
func (u UUID) Bit(i int) bool {
	checkBit(i)
	return u[i>>3]&(1<<uint(i&7)) != 0
}

// SetBit sets bit i to v, leaving all the other bits untouched.
//
// It panics if i is out of range.
func (u *UUID) SetBit(i int, v bool) {
	checkBit(i)
	if v {
		u[i>>3] |= 1 << uint(i&7)
	} else {
		u[i>>3] &^= 1 << uint(i&7)
	}
}

// CRC returns the Dallas/Maxim CRC-8 of the UUID as transmitted after it.
func (u UUID) CRC() byte {
	return common.CRC8Maxim(u[:])
}

// ROM returns the 8 byte wire form, UUID followed by its CRC.
func (u UUID) ROM() ROM {
	var r ROM
	copy(r[:], u[:])
	r[7] = u.CRC()
	return r
}

// Address returns the periph representation of the complete ROM code.
func (u UUID) Address() onewire.Address {
	return onewire.Address(uint64(u.CRC())<<56 | u.Uint64())
}

// String returns "tt.ssssssssssss", family then serial number most
// significant byte first, which is how ROM codes are usually printed on
// labels and in the Linux w1 subsystem.
func (u UUID) String() string {
	var b strings.Builder
	b.Grow(15)
	fmt.Fprintf(&b, "%02x.", u[0])
	for i := len(u) - 1; i > 0; i-- {
		fmt.Fprintf(&b, "%02x", u[i])
	}
	return b.String()
}

// ROM is a complete 64 bit ROM code in wire order: UUID then CRC.
type ROM [8]byte

// UUID returns the identity part of the ROM code.
func (r ROM) UUID() UUID {
	var u UUID
	copy(u[:], r[:7])
	return u
}

// CRC returns the transmitted CRC byte.
func (r ROM) CRC() byte {
	return r[7]
}

// Valid reports whether the transmitted CRC matches the UUID.
//
// A ROM of all 0xFF, as read from an empty bus, is not valid.
func (r ROM) Valid() bool {
	return common.CRC8Maxim(r[:7]) == r[7]
}

func (r ROM) String() string {
	return fmt.Sprintf("%s.%02x", r.UUID(), r[7])
}

func checkBit(i int) {
	if i < 0 || i >= UUIDBits {
		panic("w1spi: UUID bit index " + strconv.Itoa(i) + " out of range")
	}
}
