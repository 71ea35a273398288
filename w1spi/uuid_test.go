// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package w1spi

import (
	"errors"
	"testing"

	"periph.io/x/conn/v3/onewire"
)

var ds18b20UUID = UUID{0x28, 0xac, 0x41, 0x0e, 0x07, 0x00, 0x00}

func TestUUID_bits(t *testing.T) {
	for i := range UUIDBits {
		var u UUID
		u.SetBit(i, true)
		for j := range UUIDBits {
			if u.Bit(j) != (i == j) {
				t.Fatalf("SetBit(%d): bit %d is %t", i, j, u.Bit(j))
			}
		}
		if v := u.Uint64(); v != 1<<uint(i) {
			t.Fatalf("SetBit(%d): %#x", i, v)
		}
	}
	u := ds18b20UUID
	for i := range UUIDBits {
		c := u
		c.SetBit(i, !u.Bit(i))
		c.SetBit(i, u.Bit(i))
		if c != u {
			t.Fatalf("round trip of bit %d: %s != %s", i, c, u)
		}
	}
}

func TestUUID_Bit_panic(t *testing.T) {
	for _, i := range []int{-1, UUIDBits} {
		func() {
			defer func() {
				if recover() == nil {
					t.Fatalf("Bit(%d) did not panic", i)
				}
			}()
			UUID{}.Bit(i)
		}()
	}
}

func TestUUID_String(t *testing.T) {
	u := ds18b20UUID
	if s := u.String(); s != "28.0000070e41ac" {
		t.Fatal(s)
	}
	if s := u.ROM().String(); s != "28.0000070e41ac.74" {
		t.Fatal(s)
	}
	if u.Type() != 0x28 {
		t.Fatalf("%#x", u.Type())
	}
	if s := u.Serial(); s != [6]byte{0xac, 0x41, 0x0e, 0x07, 0x00, 0x00} {
		t.Fatalf("%x", s)
	}
}

func TestUUID_Address(t *testing.T) {
	const addr onewire.Address = 0x740000070e41ac28
	if a := ds18b20UUID.Address(); a != addr {
		t.Fatalf("%#x", uint64(a))
	}
	u, err := UUIDFromAddress(addr)
	if err != nil {
		t.Fatal(err)
	}
	if u != ds18b20UUID {
		t.Fatal(u)
	}
	if u := UUIDFromUint64(uint64(addr)); u != ds18b20UUID {
		t.Fatal(u)
	}
	if _, err := UUIDFromAddress(addr ^ 1<<56); !errors.Is(err, ErrCRC) {
		t.Fatalf("expected ErrCRC, got %v", err)
	}
}

func TestROM(t *testing.T) {
	r := ds18b20UUID.ROM()
	if r != (ROM{0x28, 0xac, 0x41, 0x0e, 0x07, 0x00, 0x00, 0x74}) {
		t.Fatalf("%x", r)
	}
	if !r.Valid() || r.CRC() != 0x74 || r.UUID() != ds18b20UUID {
		t.Fatal(r)
	}
	r[3]++
	if r.Valid() {
		t.Fatal("corrupted ROM is valid")
	}
	empty := ROM{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	if empty.Valid() {
		t.Fatal("empty bus ROM is valid")
	}
}

func TestParseUUID(t *testing.T) {
	for _, s := range []string{"28.0000070e41ac", "28-0000070e41ac", "28.0000070e41ac.74", "28.0000070E41AC"} {
		u, err := ParseUUID(s)
		if err != nil {
			t.Fatalf("%q: %v", s, err)
		}
		if u != ds18b20UUID {
			t.Fatalf("%q: %s", s, u)
		}
	}
	for _, s := range []string{"", "28", "28.0000070e41", "zz.0000070e41ac", "28.0000070e41ac.7", "28.0000070e41ac.74.00"} {
		if _, err := ParseUUID(s); err == nil {
			t.Fatalf("%q: expected error", s)
		}
	}
	if _, err := ParseUUID("28.0000070e41ac.75"); !errors.Is(err, ErrCRC) {
		t.Fatalf("expected ErrCRC, got %v", err)
	}
}
