// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package w1devices is a container for a 1-Wire bus master bit-banged over
// SPI, package w1spi, and the device drivers built on it.
//
// cmd/w1spi-scan is a ready to use tool listing the devices on a bus.
package w1devices
