// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package w1spitest is meant to be used to test 1-Wire drivers running on a
// bus bit-banged over SPI.
//
// Sim decodes the SPI bit patterns written by the bus back into 1-Wire time
// slots and lets a population of simulated devices answer them, wired-AND
// like on a real bus.
package w1spitest

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// SPI byte patterns understood by the simulator.
const (
	SlotOne  = 0x7f // write 1 or read slot
	SlotZero = 0x03 // write 0 slot
	Idle     = 0xff
	// ReadLow is returned on MISO for a slot during which a device held the
	// line low.
	ReadLow = 0x0f
	// minResetBytes is the shortest run of low bytes seen as a reset pulse,
	// 480µs at regular speed and 48µs at overdrive.
	minResetBytes = 6
)

// Transfer is one recorded SPI transfer.
type Transfer struct {
	F physic.Frequency
	W []byte // as seen on the line, after undoing Sim.Invert
}

// Write is a function command received by a simulated device, with the bytes
// written after it.
type Write struct {
	Cmd  byte
	Data []byte
}

// Device is a simulated 1-Wire device.
type Device struct {
	Addr  onewire.Address // ROM code, CRC in the most significant byte
	Alarm bool            // take part in Alarm Search
	// Replies maps a function command to the bytes the device sends back in
	// the read slots following it.
	Replies map[byte][]byte

	// Writes records every function command received, in order.
	Writes    []Write
	Overdrive bool // switched to overdrive by an Overdrive Skip ROM

	state   state
	n       int    // bit counter within the state
	acc     uint64 // bits received within the state
	out     []bool // bits to send in the next read slots
	writing bool   // a function command was received, more bytes are data
}

type state int

const (
	stIdle state = iota
	stROMCommand
	stMatchROM
	stReadROM
	stSearchBit
	stSearchComplement
	stSearchDirection
	stFunction
)

// Sim implements spi.Port and spi.Conn on top of simulated 1-Wire devices.
//
// Connect may be called any number of times.
type Sim struct {
	sync.Mutex
	Devices []*Device
	// Invert tells that the bus under test inverts MOSI.
	Invert bool
	// MaxTx is reported through conn.Limits when non zero.
	MaxTx int
	// Err, when set, is returned by the next Tx and cleared.
	Err error

	Connected []physic.Frequency
	Transfers []Transfer
}

func (s *Sim) String() string {
	return "w1spitest"
}

// Connect implements spi.Port.
func (s *Sim) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	if bits != 8 {
		return nil, errors.New("w1spitest: only 8 bits words are supported")
	}
	s.Lock()
	defer s.Unlock()
	s.Connected = append(s.Connected, f)
	return &simConn{s: s, f: f}, nil
}

// Lookup returns the connected device with the address, or nil.
func (s *Sim) Lookup(a onewire.Address) *Device {
	s.Lock()
	defer s.Unlock()
	for _, d := range s.Devices {
		if d.Addr == a {
			return d
		}
	}
	return nil
}

func (s *Sim) tx(f physic.Frequency, w, r []byte) error {
	s.Lock()
	defer s.Unlock()
	if s.Err != nil {
		err := s.Err
		s.Err = nil
		return err
	}
	if len(w) != len(r) {
		return fmt.Errorf("w1spitest: write and read buffers differ in size: %d != %d", len(w), len(r))
	}
	line := make([]byte, len(w))
	for i, v := range w {
		if s.Invert {
			v = ^v
		}
		line[i] = v
	}
	s.Transfers = append(s.Transfers, Transfer{F: f, W: append([]byte(nil), line...)})
	var presence []int
	for i := 0; i < len(line); i++ {
		switch v := line[i]; v {
		case 0x00:
			j := i
			for j < len(line) && line[j] == 0 {
				r[j] = 0
				j++
			}
			if j-i >= minResetBytes {
				if s.reset(f) {
					presence = append(presence, j+1)
				}
			}
			i = j - 1
		case SlotOne, SlotZero:
			r[i] = s.slot(v == SlotOne)
		default:
			r[i] = v
		}
	}
	for _, p := range presence {
		if p < len(line) && line[p] == Idle {
			r[p] = 0
		}
	}
	return nil
}

// reset returns all devices to the ROM command state and reports whether any
// device is present. A reset at regular speed ends overdrive.
func (s *Sim) reset(f physic.Frequency) bool {
	for _, d := range s.Devices {
		d.enter(stROMCommand)
		d.out = nil
		if f < physic.MegaHertz {
			d.Overdrive = false
		}
	}
	return len(s.Devices) != 0
}

// slot resolves one time slot: the master releases the line when one is
// true, every device may pull it low.
func (s *Sim) slot(one bool) byte {
	level := one
	for _, d := range s.Devices {
		if !d.drive() {
			level = false
		}
	}
	for _, d := range s.Devices {
		d.observe(level)
	}
	switch {
	case level:
		return SlotOne
	case one:
		return ReadLow
	default:
		return SlotZero
	}
}

// drive returns false when the device holds the line low for this slot.
func (d *Device) drive() bool {
	switch d.state {
	case stReadROM:
		return d.bit(d.n)
	case stSearchBit:
		return d.bit(d.n)
	case stSearchComplement:
		return !d.bit(d.n)
	case stFunction:
		if len(d.out) != 0 {
			return d.out[0]
		}
	}
	return true
}

// observe processes the level the line had during the slot.
func (d *Device) observe(level bool) {
	switch d.state {
	case stROMCommand:
		if !d.shift(level, 8) {
			return
		}
		switch byte(d.acc) {
		case 0x55:
			d.enter(stMatchROM)
		case 0xcc:
			d.enter(stFunction)
		case 0x3c:
			d.Overdrive = true
			d.enter(stFunction)
		case 0x33:
			d.enter(stReadROM)
		case 0xf0:
			d.enter(stSearchBit)
		case 0xec:
			if d.Alarm {
				d.enter(stSearchBit)
			} else {
				d.enter(stIdle)
			}
		default:
			d.enter(stIdle)
		}
	case stMatchROM:
		if d.shift(level, 64) {
			if onewire.Address(d.acc) == d.Addr {
				d.enter(stFunction)
			} else {
				d.enter(stIdle)
			}
		}
	case stReadROM:
		if d.n++; d.n == 64 {
			d.enter(stFunction)
		}
	case stSearchBit:
		d.state = stSearchComplement
	case stSearchComplement:
		d.state = stSearchDirection
	case stSearchDirection:
		if level != d.bit(d.n) {
			d.enter(stIdle)
			return
		}
		if d.n++; d.n == 64 {
			d.enter(stFunction)
			return
		}
		d.state = stSearchBit
	case stFunction:
		if len(d.out) != 0 {
			d.out = d.out[1:]
			return
		}
		if !d.shift(level, 8) {
			return
		}
		b := byte(d.acc)
		d.n, d.acc = 0, 0
		if !d.writing {
			d.Writes = append(d.Writes, Write{Cmd: b})
			d.writing = true
			for _, v := range d.Replies[b] {
				for j := range 8 {
					d.out = append(d.out, v&(1<<uint(j)) != 0)
				}
			}
			return
		}
		last := &d.Writes[len(d.Writes)-1]
		last.Data = append(last.Data, b)
	}
}

// shift accumulates one received bit and reports whether n bits were
// received.
func (d *Device) shift(level bool, n int) bool {
	if level {
		d.acc |= 1 << uint(d.n)
	}
	d.n++
	return d.n == n
}

func (d *Device) enter(st state) {
	d.state = st
	d.n = 0
	d.acc = 0
	d.writing = false
}

func (d *Device) bit(i int) bool {
	return uint64(d.Addr)>>uint(i)&1 != 0
}

type simConn struct {
	s *Sim
	f physic.Frequency
}

func (c *simConn) String() string {
	return c.s.String()
}

func (c *simConn) Tx(w, r []byte) error {
	return c.s.tx(c.f, w, r)
}

func (c *simConn) TxPackets(p []spi.Packet) error {
	return errors.New("w1spitest: TxPackets is not implemented")
}

func (c *simConn) Duplex() conn.Duplex {
	return conn.Full
}

// MaxTxSize implements conn.Limits.
func (c *simConn) MaxTxSize() int {
	c.s.Lock()
	defer c.s.Unlock()
	return c.s.MaxTx
}

var _ spi.Port = &Sim{}
var _ spi.Conn = &simConn{}
var _ conn.Limits = &simConn{}
