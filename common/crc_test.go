// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package common

import (
	"testing"

	"periph.io/x/conn/v3/onewire"
)

func TestCRC8Maxim(t *testing.T) {
	var tests = []struct {
		bytes  []byte
		result byte
	}{
		{bytes: nil, result: 0x00},
		{bytes: []byte{0x01}, result: 0x5e},
		// DS18B20 ROM code from the datasheet examples.
		{bytes: []byte{0x28, 0xac, 0x41, 0x0e, 0x07, 0x00, 0x00}, result: 0x74},
		// DS18S20 family with an all-zero serial.
		{bytes: []byte{0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, result: 0xfb},
		// DS2401 ROM code from Maxim application note 27.
		{bytes: []byte{0x02, 0x1c, 0xb8, 0x01, 0x00, 0x00, 0x00}, result: 0xa2},
	}
	for _, test := range tests {
		res := CRC8Maxim(test.bytes)
		if res != test.result {
			t.Errorf("CRC8Maxim(%#v)!=%#x received %#x", test.bytes, test.result, res)
		}
	}
}

func TestCRC8Maxim_table(t *testing.T) {
	// The bitwise implementation must agree with the table driven one.
	buf := make([]byte, 0, 64)
	for i := range 256 {
		buf = append(buf[:0], byte(i), byte(i*7), byte(255-i), 0x10)
		if a, b := CRC8Maxim(buf), onewire.CalcCRC(buf); a != b {
			t.Fatalf("%#v: %#x != %#x", buf, a, b)
		}
	}
}

func TestCRC8Maxim_trailer(t *testing.T) {
	b := []byte{0x10, 0x4b, 0x46, 0x53, 0x01, 0x08, 0x00}
	b = append(b, CRC8Maxim(b))
	if r := CRC8Maxim(b); r != 0 {
		t.Fatalf("expected 0 residue, got %#x", r)
	}
}
