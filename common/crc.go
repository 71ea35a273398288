// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains functions used across multiple packages. For
// example, a CRC8 calculation
package common

// CRC8Maxim calculates the Dallas/Maxim 8-bit CRC (polynomial x^8+x^5+x^4+1,
// processed LSB first) of the byte slice parameter. This is the CRC used by
// 1-Wire devices to protect ROM codes and scratchpads.
//
// A buffer followed by its own CRC byte always yields 0.
func CRC8Maxim(bytes []byte) byte {
	var crc byte
	for _, val := range bytes {
		for range 8 {
			mix := (crc ^ val) & 0x01
			crc >>= 1
			if mix != 0 {
				crc ^= 0x8c
			}
			val >>= 1
		}
	}
	return crc
}
