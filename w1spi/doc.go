// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package w1spi implements a 1-Wire bus master bit-banged over a SPI port.
//
// MOSI drives the 1-Wire line through a diode, or through a transistor with
// Opts.Invert, and MISO samples it. Each SPI byte lasts one 1-Wire time
// slot: at 100kHz a byte is 80µs long and a 0x7F pattern pulls the line low
// for 10µs, which is a write 1 or read slot, while 0x03 pulls it low for
// 60µs, which is a write 0 slot. A complete 1-Wire sequence, reset pulse
// included, is encoded into a single SPI transfer so the timing is entirely
// handled by the SPI controller.
//
// The optional second SPI port of Opts.Overdrive runs at 1MHz for the 1-Wire
// overdrive speed.
//
// # Strong pull-up
//
// Parasite powered devices need a strong pull-up while converting or writing
// EEPROM. PauseBus engages it and keeps other transfers away until the pause
// elapsed. The pull-up is released before the next transfer.
//
// # Devices
//
// Scan enumerates the devices with the ROM search algorithm, probing a
// whole path of the search tree per transfer. ClaimDevice returns an
// exclusive handle to one of them. Higher level drivers, like ds18b20, are
// built on Device.
//
// Bus implements onewire.Bus so drivers written against periph's 1-Wire
// interface work unchanged.
//
// # Datasheets
//
// https://www.analog.com/en/technical-articles/1wire-communication-through-software.html
//
// https://www.analog.com/en/technical-articles/1wire-search-algorithm.html
package w1spi
