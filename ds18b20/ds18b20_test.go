// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/GermanBionicSystems/w1devices/w1spi"
	"github.com/GermanBionicSystems/w1devices/w1spi/w1spitest"
	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
)

var addr = w1spi.UUID{0x28, 0xac, 0x41, 0x0e, 0x07, 0x00, 0x00}

// 30°C at 10 bits resolution.
var scratchpad30 = []byte{0xe0, 0x01, 0x00, 0x00, 0x3f, 0xff, 0x10, 0x10, 0x3f}

// newDevice returns a claimed device on a simulated bus holding a single
// sensor answering with scratchpad.
func newDevice(t *testing.T, u w1spi.UUID, scratchpad []byte, clock clockwork.Clock) (*w1spitest.Device, *w1spi.Device) {
	s := &w1spitest.Device{Addr: u.Address(), Replies: map[byte][]byte{cmdReadScratchpad: scratchpad}}
	sim := &w1spitest.Sim{Devices: []*w1spitest.Device{s}}
	bus, err := w1spi.New(sim, &w1spi.Opts{Clock: clock})
	if err != nil {
		t.Fatal(err)
	}
	d, err := bus.ClaimDevice(u)
	if err != nil {
		t.Fatal(err)
	}
	return s, d
}

func TestNew_fail_resolution(t *testing.T) {
	_, d := newDevice(t, addr, scratchpad30, nil)
	if dev, err := New(d, 1); dev != nil || err == nil {
		t.Fatal("invalid resolution")
	}
}

func TestNew_fail_family(t *testing.T) {
	_, d := newDevice(t, w1spi.UUID{0x22, 1, 2, 3, 4, 5, 6}, scratchpad30, nil)
	if dev, err := New(d, 10); dev != nil || err == nil {
		t.Fatal("invalid family")
	}
}

func TestNew_fail_read(t *testing.T) {
	bus, err := w1spi.New(&w1spitest.Sim{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	d, err := bus.ClaimDevice(addr)
	if err != nil {
		t.Fatal(err)
	}
	dev, err := New(d, 9)
	if dev != nil || err == nil {
		t.Fatal("absent device")
	}
	if err.Error() != "ds18b20: device did not respond" {
		t.Fatal(err)
	}
	if _, ok := err.(onewire.BusError); !ok {
		t.Fatalf("expected BusError, got %T", err)
	}
}

func TestNew_fail_crc(t *testing.T) {
	spad := append([]byte(nil), scratchpad30...)
	spad[8]++
	_, d := newDevice(t, addr, spad, nil)
	if dev, err := New(d, 10); dev != nil || err == nil || err.Error() != "ds18b20: incorrect scratchpad CRC" {
		t.Fatal(dev, err)
	}
}

func TestNew_resolution(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s, d := newDevice(t, addr, scratchpad30, clock)
	dev, err := New(d, 12)
	if err != nil {
		t.Fatal(err)
	}
	expected := []w1spitest.Write{
		{Cmd: cmdReadScratchpad},
		{Cmd: cmdWriteScratchpad, Data: []byte{0x00, 0x00, 0x7f}},
		{Cmd: cmdCopyScratchpad},
	}
	if !reflect.DeepEqual(s.Writes, expected) {
		t.Fatal(s.Writes)
	}
	// The EEPROM write keeps the bus busy.
	if until := d.Bus().PausedUntil(); !until.Equal(clock.Now().Add(10 * time.Millisecond)) {
		t.Fatal(until)
	}
	e := physic.Env{}
	dev.Precision(&e)
	if e.Temperature != physic.Kelvin/16 {
		t.Fatal(e.Temperature)
	}
}

// TestSense tests a temperature conversion on a ds18b20 on a simulated bus.
func TestSense(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s, d := newDevice(t, addr, scratchpad30, clock)
	dev, err := New(d, 10)
	if err != nil {
		t.Fatal(err)
	}
	if s := dev.String(); s != "DS18B20{w1spi{w1spitest}(28.0000070e41ac)}" {
		t.Fatal(s)
	}
	start := clock.Now()
	e := physic.Env{}
	done := make(chan error)
	go func() {
		done <- dev.Sense(&e)
	}()
	// The scratchpad read waits for the conversion.
	clock.BlockUntil(1)
	if until := d.Bus().PausedUntil(); !until.Equal(start.Add(188 * time.Millisecond)) {
		t.Fatalf("expected conversion to take 188ms, until %s", until.Sub(start))
	}
	clock.Advance(188 * time.Millisecond)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	// Expect the correct value.
	if expected := 30*physic.Celsius + physic.ZeroCelsius; e.Temperature != expected {
		t.Errorf("expected %s, got %s", expected.String(), e.Temperature.String())
	}
	expected := []w1spitest.Write{{Cmd: cmdReadScratchpad}, {Cmd: cmdConvert}, {Cmd: cmdReadScratchpad}}
	if !reflect.DeepEqual(s.Writes, expected) {
		t.Fatal(s.Writes)
	}
	if err := dev.Halt(); err != nil {
		t.Fatal(err)
	}
}

func TestLastTemp_powerOn(t *testing.T) {
	// 85°C power-on value.
	_, d := newDevice(t, addr, []byte{0x50, 0x05, 0x4b, 0x46, 0x7f, 0xff, 0x0c, 0x10, 0x1c}, nil)
	dev, err := New(d, 12)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dev.LastTemp(); err == nil {
		t.Fatal("expected power-on value to be rejected")
	}
}

func TestLastTemp_DS18S20(t *testing.T) {
	// 25°C.
	s, d := newDevice(t, w1spi.UUID{0x10, 0x2d, 0x46, 0x7c, 0x02, 0x08, 0x00}, []byte{0x32, 0x00, 0x4b, 0x46, 0xff, 0xff, 0x0c, 0x10, 0x6b}, nil)
	dev, err := New(d, 12)
	if err != nil {
		t.Fatal(err)
	}
	// No configuration register to write.
	if len(s.Writes) != 1 {
		t.Fatal(s.Writes)
	}
	c, err := dev.LastTemp()
	if err != nil {
		t.Fatal(err)
	}
	if c.Celsius() != 25 {
		t.Fatal(c)
	}
}

func TestParasitic(t *testing.T) {
	for _, line := range []struct {
		reply     byte
		parasitic bool
	}{{0x00, true}, {0xff, false}} {
		s, d := newDevice(t, addr, scratchpad30, nil)
		s.Replies[cmdReadPower] = []byte{line.reply}
		dev, err := New(d, 10)
		if err != nil {
			t.Fatal(err)
		}
		p, err := dev.Parasitic()
		if err != nil {
			t.Fatal(err)
		}
		if p != line.parasitic {
			t.Fatalf("%#x: %t", line.reply, p)
		}
	}
}

func TestSetAlarms(t *testing.T) {
	s, d := newDevice(t, addr, scratchpad30, nil)
	dev, err := New(d, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.SetAlarms(30, 20); err == nil {
		t.Fatal("inverted alarms")
	}
	if err := dev.SetAlarms(-10, 40); err != nil {
		t.Fatal(err)
	}
	expected := []w1spitest.Write{
		{Cmd: cmdReadScratchpad},
		{Cmd: cmdWriteScratchpad, Data: []byte{40, 0xf6, 0x3f}},
	}
	if !reflect.DeepEqual(s.Writes, expected) {
		t.Fatal(s.Writes)
	}
}

func TestSenseContinuous(t *testing.T) {
	_, d := newDevice(t, addr, scratchpad30, nil)
	dev, err := New(d, 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dev.SenseContinuous(time.Millisecond); err == nil {
		t.Fatal("interval shorter than conversion")
	}
	ch, err := dev.SenseContinuous(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dev.SenseContinuous(time.Hour); err == nil {
		t.Fatal("already running")
	}
	if err := dev.Halt(); err != nil {
		t.Fatal(err)
	}
	for range ch {
	}
}

// TestParseTemperature tests a temperature parsing from scratchpad for DS18S20
// and DS18B20
func TestParseTemperature(t *testing.T) {
	var testData = []struct {
		family       Family
		scratchpad   []byte
		expectedTemp float64
	}{
		{DS18B20, []byte{0xD0, 0x07, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, 125},
		{DS18B20, []byte{0x50, 0x05, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, 85},
		{DS18B20, []byte{0x91, 0x01, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, 25.0625},
		{DS18B20, []byte{0xA2, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, 10.125},
		{DS18B20, []byte{0x08, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, 0.5},
		{DS18B20, []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, 0},
		{DS18B20, []byte{0xF8, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, -0.5},
		{DS18B20, []byte{0x5E, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, -10.125},
		{DS18B20, []byte{0x6F, 0xFE, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, -25.0625},
		{DS18B20, []byte{0x90, 0xFC, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, -55},

		{DS18S20, []byte{0xFA, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x0C, 0x10}, 125},
		{DS18S20, []byte{0xAA, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x0C, 0x10}, 85},
		{DS18S20, []byte{0x32, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x0B, 0x10}, 25.0625},
		{DS18S20, []byte{0x32, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x0C, 0x10}, 25},
		{DS18S20, []byte{0x14, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x0A, 0x10}, 10.125},
		{DS18S20, []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x04, 0x10}, 0.5},
		{DS18S20, []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x0C, 0x10}, 0},
		{DS18S20, []byte{0xFF, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x04, 0x10}, -0.5},
		{DS18S20, []byte{0xEC, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x0E, 0x10}, -10.125},
		{DS18S20, []byte{0xCE, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x0C, 0x10}, -25},
		{DS18S20, []byte{0xCE, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x0D, 0x10}, -25.0625},
		{DS18S20, []byte{0x92, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x0C, 0x10}, -55},
	}

	devs := map[Family]*Dev{}
	for _, f := range []Family{DS18B20, DS18S20} {
		_, d := newDevice(t, w1spi.UUID{byte(f), 0xac, 0x41, 0x0e, 0x07, 0x00, 0x00}, nil, nil)
		devs[f] = &Dev{dev: d}
	}
	for _, entry := range testData {
		t.Run(fmt.Sprintf("%s>%f", entry.family, entry.expectedTemp), func(st *testing.T) {
			c := devs[entry.family].parseTemperature(entry.scratchpad)
			if c.Celsius() != entry.expectedTemp {
				st.Errorf("expected %f, got %f", entry.expectedTemp, c.Celsius())
			}
		})
	}
}

// TestConvertAll tests a temperature conversion on all ds18b20 on a
// simulated bus.
func TestConvertAll(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sim := &w1spitest.Sim{Devices: []*w1spitest.Device{
		{Addr: addr.Address()},
		{Addr: w1spi.UUID{0x28, 0xff, 0x64, 0x1e, 0x0f, 0x16, 0x03}.Address()},
	}}
	bus, err := w1spi.New(sim, &w1spi.Opts{Clock: clock})
	if err != nil {
		t.Fatal(err)
	}
	start := clock.Now()
	done := make(chan error)
	go func() {
		done <- ConvertAll(bus, 9)
	}()
	clock.BlockUntil(1)
	// Expect it to take >93ms
	if until := bus.PausedUntil(); !until.Equal(start.Add(94 * time.Millisecond)) {
		t.Errorf("expected conversion to take >93ms, took %s", until.Sub(start))
	}
	clock.Advance(94 * time.Millisecond)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	for _, s := range sim.Devices {
		if !reflect.DeepEqual(s.Writes, []w1spitest.Write{{Cmd: cmdConvert}}) {
			t.Fatal(s.Writes)
		}
	}
}

func TestConvertAll_fail_resolution(t *testing.T) {
	bus, err := w1spi.New(&w1spitest.Sim{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ConvertAll(bus, 1); err == nil {
		t.Fatal("invalid resolution")
	}
}

func TestConvertAll_fail_io(t *testing.T) {
	bus, err := w1spi.New(&w1spitest.Sim{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ConvertAll(bus, 9); err == nil {
		t.Fatal("no device")
	}
}
