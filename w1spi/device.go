// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package w1spi

import (
	"fmt"

	"periph.io/x/conn/v3"
)

// ClaimDevice returns a handle to the device u on the bus.
//
// Only one handle per UUID may be live on a bus; claiming it again fails
// with ErrAlreadyClaimed until the first handle is released. The device
// initially uses the bus' selected speed.
func (b *Bus) ClaimDevice(u UUID) (*Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.claimed[u]; ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrAlreadyClaimed, u, b)
	}
	d := &Device{bus: b, uuid: u, speed: b.speed}
	b.claimed[u] = d
	b.log.Debug("w1spi: claimed", "bus", b.name, "uuid", u)
	return d, nil
}

// Claimed returns the UUIDs of the live devices.
func (b *Bus) Claimed() []UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]UUID, 0, len(b.claimed))
	for u := range b.claimed {
		out = append(out, u)
	}
	return out
}

// Device is a handle to one device on a Bus, obtained with ClaimDevice.
//
// Every operation addresses the device with a reset and Match ROM; no
// selection state is kept on the bus between calls.
type Device struct {
	bus      *Bus
	uuid     UUID
	speed    Speed
	released bool
}

func (d *Device) String() string {
	return d.bus.String() + "(" + d.uuid.String() + ")"
}

// Bus returns the bus the device is on.
func (d *Device) Bus() *Bus {
	return d.bus
}

// UUID returns the device's identity.
func (d *Device) UUID() UUID {
	return d.uuid
}

// Speed returns the speed used to talk to the device.
func (d *Device) Speed() Speed {
	return d.speed
}

// SetSpeed changes the speed used to talk to the device. It fails with
// ErrSpeed when the bus was not set up for it.
func (d *Device) SetSpeed(s Speed) error {
	if err := d.bus.checkSpeed(s); err != nil {
		return err
	}
	d.speed = s
	return nil
}

// Release unregisters the device from its bus. The handle can't be used
// afterward; the UUID may be claimed again.
func (d *Device) Release() error {
	b := d.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if d.released || b.claimed[d.uuid] != d {
		return ErrReleased
	}
	delete(b.claimed, d.uuid)
	d.released = true
	b.log.Debug("w1spi: released", "bus", b.name, "uuid", d.uuid)
	return nil
}

// Read sends the function command cmd to the device and reads len(r) bytes.
func (d *Device) Read(cmd byte, r []byte) error {
	t, err := d.begin(len(r))
	if err != nil {
		return err
	}
	t.AddCommand(cmd)
	idx := t.AddRead(len(r))
	if err := t.Execute(); err != nil {
		return err
	}
	return t.Decode(idx, r)
}

// Write sends the function command cmd to the device followed by w.
func (d *Device) Write(cmd byte, w []byte) error {
	t, err := d.begin(len(w))
	if err != nil {
		return err
	}
	t.AddCommand(cmd)
	t.AddWrite(w)
	return t.Execute()
}

// Tx implements conn.Conn.
//
// It addresses the device, writes w then reads r.
func (d *Device) Tx(w, r []byte) error {
	t, err := d.begin(len(w) + len(r) - 1)
	if err != nil {
		return err
	}
	t.AddWrite(w)
	idx := t.AddRead(len(r))
	if err := t.Execute(); err != nil {
		return err
	}
	return t.Decode(idx, r)
}

// Duplex implements conn.Conn.
func (d *Device) Duplex() conn.Duplex {
	return conn.Half
}

// begin returns a transaction addressing the device, sized for a command and
// n data bytes.
func (d *Device) begin(n int) (*Transaction, error) {
	if d.released {
		return nil, ErrReleased
	}
	b := d.bus
	t := b.NewTransaction(d.speed, make([]byte, b.TransactionSize(n)))
	t.AddReset()
	t.AddMatchROM(d.uuid)
	return t, nil
}

var _ conn.Conn = &Device{}
