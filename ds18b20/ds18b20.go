// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/GermanBionicSystems/w1devices/common"
	"github.com/GermanBionicSystems/w1devices/w1spi"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
)

// Family code of the specific device type
type Family byte

func (f Family) String() string {
	switch f {
	case DS18S20:
		return "DS18S20"
	case DS18B20:
		return "DS18B20"
	default:
		return "unknown"
	}
}

const DS18B20 Family = 0x28
const DS18S20 Family = 0x10

// Function commands, datasheet p.11.
const (
	cmdConvert         = 0x44
	cmdWriteScratchpad = 0x4e
	cmdReadScratchpad  = 0xbe
	cmdCopyScratchpad  = 0x48
	cmdReadPower       = 0xb4
)

// IsFamily returns true if u is a supported temperature sensor.
func IsFamily(u w1spi.UUID) bool {
	f := Family(u.Type())
	return f == DS18B20 || f == DS18S20
}

// StartAll starts a conversion on all DS18B20 devices on the bus and pauses
// the bus for the conversion time, powering parasitic devices through the
// strong pull-up if there is one.
//
// It returns immediately. The next bus access, like LastTemp, waits for the
// conversions to complete.
func StartAll(b *w1spi.Bus, maxResolutionBits int) error {
	if maxResolutionBits < 9 || maxResolutionBits > 12 {
		return errors.New("ds18b20: invalid maxResolutionBits")
	}
	if err := b.Tx([]byte{w1spi.CmdSkipROM, cmdConvert}, nil, onewire.WeakPullup); err != nil {
		return err
	}
	return b.PauseBus(conversionTime(maxResolutionBits))
}

// ConvertAll performs a conversion on all DS18B20 devices on the bus and
// returns when the conversions have completed. This time period is
// determined by the maximum resolution of all devices on the bus and must be
// provided.
//
// It takes from 94ms to 752ms.
func ConvertAll(b *w1spi.Bus, maxResolutionBits int) error {
	if err := StartAll(b, maxResolutionBits); err != nil {
		return err
	}
	b.Wait()
	return nil
}

// New returns an object that communicates over 1-wire to the DS18B20 sensor
// claimed as d.
//
// resolutionBits must be in the range 9..12 and determines how many bits of
// precision the readings have. The resolution affects the conversion time:
// 9bits:94ms, 10bits:188ms, 11bits:375ms, 12bits:750ms.
//
// A resolution of 10 bits corresponds to 0.25C and tends to be a good
// compromise between conversion time and the device's inherent accuracy of
// +/-0.5C.
func New(d *w1spi.Device, resolutionBits int) (*Dev, error) {
	if resolutionBits < 9 || resolutionBits > 12 {
		return nil, errors.New("ds18b20: invalid resolutionBits")
	}
	if !IsFamily(d.UUID()) {
		return nil, errors.New("ds18b20: unsupported family " + strconv.Itoa(int(d.UUID().Type())))
	}

	dev := &Dev{dev: d, resolution: resolutionBits}

	// Start by reading the scratchpad memory, this will tell us whether we can
	// talk to the device correctly and also how it's configured.
	spad, err := dev.readScratchpad()
	if err != nil {
		return nil, err
	}
	dev.th, dev.tl = spad[2], spad[3]

	// Change the resolution, if necessary (datasheet p.6). The DS18S20 has a
	// fixed resolution.
	if dev.Family() == DS18B20 && int(spad[4]>>5) != resolutionBits-9 {
		if err := dev.writeScratchpad(); err != nil {
			return nil, err
		}
		if err := dev.Persist(); err != nil {
			return nil, err
		}
	}

	return dev, nil
}

// Dev is a handle to a Dallas Semi / Maxim DS18B20 temperature sensor on a
// 1-wire bus.
type Dev struct {
	dev        *w1spi.Device
	resolution int  // resolution in bits (9..12)
	th, tl     byte // alarm thresholds

	mu   sync.Mutex
	stop chan struct{}
}

func (d *Dev) Family() Family {
	return Family(d.dev.UUID().Type())
}

func (d *Dev) String() string {
	return d.Family().String() + "{" + d.dev.String() + "}"
}

// Halt implements conn.Resource.
//
// It stops SenseContinuous.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
	return nil
}

// Sense implements physic.SenseEnv.
func (d *Dev) Sense(e *physic.Env) error {
	if err := d.Convert(); err != nil {
		return err
	}
	t, err := d.LastTemp()
	if err != nil {
		return err
	}
	e.Temperature = t
	return nil
}

// SenseContinuous implements physic.SenseEnv.
//
// Readings that fail are skipped. Call Halt to stop.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return nil, errors.New("ds18b20: SenseContinuous already running")
	}
	if interval < conversionTime(d.resolution) {
		return nil, errors.New("ds18b20: interval is shorter than the conversion time")
	}
	d.stop = make(chan struct{})
	ch := make(chan physic.Env, 16)
	go d.senseContinuous(interval, ch, d.stop)
	return ch, nil
}

func (d *Dev) senseContinuous(interval time.Duration, ch chan<- physic.Env, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	defer close(ch)
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			var e physic.Env
			if err := d.Sense(&e); err != nil {
				continue
			}
			select {
			case ch <- e:
			default:
			}
		}
	}
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = physic.Kelvin / physic.Temperature(2<<uint(d.resolution-9))
}

// Convert starts a conversion and pauses the bus for its duration.
//
// It returns immediately; the next access to the bus waits for the
// conversion to complete.
func (d *Dev) Convert() error {
	if err := d.dev.Write(cmdConvert, nil); err != nil {
		return err
	}
	return d.dev.Bus().PauseBus(conversionTime(d.resolution))
}

// LastTemp reads the temperature resulting from the last conversion from the
// device.
//
// It is useful in combination with ConvertAll.
func (d *Dev) LastTemp() (physic.Temperature, error) {
	// Read the scratchpad memory.
	spad, err := d.readScratchpad()
	if err != nil {
		return 0, err
	}

	c := d.parseTemperature(spad)

	// The device powers up with a value of 85°C, so if we read that odds are
	// very high that either no conversion was performed or that the conversion
	// failed due to lack of power. This prevents reading a temp of exactly 85°C,
	// but that seems like the right tradeoff.
	if c == 85*physic.Celsius+physic.ZeroCelsius {
		return 0, busError("ds18b20: has not performed a temperature conversion (insufficient pull-up?)")
	}

	return c, nil
}

// SetAlarms sets the thresholds outside of which the device answers an
// alarm search after a conversion, in whole degrees Celsius.
//
// The thresholds are kept in the scratchpad; Persist copies them to EEPROM.
func (d *Dev) SetAlarms(low, high int8) error {
	if low > high {
		return errors.New("ds18b20: low alarm is above high alarm")
	}
	d.th, d.tl = byte(high), byte(low)
	return d.writeScratchpad()
}

// Persist copies the scratchpad configuration to EEPROM so that it survives
// a power cycle.
func (d *Dev) Persist() error {
	if err := d.dev.Write(cmdCopyScratchpad, nil); err != nil {
		return err
	}
	// Wait for the write to complete.
	return d.dev.Bus().PauseBus(10 * time.Millisecond)
}

// Parasitic returns true if the device is powered parasitically from the
// data line rather than from its Vdd pin.
func (d *Dev) Parasitic() (bool, error) {
	var r [1]byte
	if err := d.dev.Read(cmdReadPower, r[:]); err != nil {
		return false, err
	}
	// Parasite powered devices pull the first read slot low.
	return r[0]&1 == 0, nil
}

// parseTemperature from scratchpad and handle special calculation for DS18S20
func (d *Dev) parseTemperature(spad []byte) physic.Temperature {
	// spad[1] is MSB and spad[0] is LSB of the raw temperature value
	rawTemp := int16(spad[1])<<8 | int16(spad[0])

	if d.Family() == DS18S20 && spad[7] != 0 {
		// For higher resolution some additional calculation is required:
		// TEMPERATURE = TEMP_READ - 0.25 + (COUNT_PER_C-COUNT_REMAIN)/COUNT_PER_C
		// with COUNT_PER_C = spad[7] = 16 and COUNT_REMAIN = spad[6].
		mask := 0xFFFE
		rawTemp = ((rawTemp & int16(mask)) << 3) + 12 - int16(spad[6])
	}
	// rawTemp has 4 fractional bits. Need to do sign extension multiply by
	// 1000 to get Millis, divide by 16 due to 4 fractional bits. Datasheet p.4.
	v := physic.Temperature(rawTemp)
	return v*physic.Kelvin/16 + physic.ZeroCelsius
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

// conversionTime is the time a conversion takes, which depends on the
// resolution:
// 9bits:94ms, 10bits:188ms, 11bits:376ms, 12bits:752ms, datasheet p.6.
func conversionTime(bits int) time.Duration {
	return (94 << uint(bits-9)) * time.Millisecond
}

// readScratchpad reads the 9 bytes of scratchpad and checks the CRC.
// It returns the 8 bytes of scratchpad data (excluding the CRC byte).
func (d *Dev) readScratchpad() ([]byte, error) {
	// Read the scratchpad memory.
	var spad [9]byte
	if err := d.dev.Read(cmdReadScratchpad, spad[:]); err != nil {
		return nil, err
	}

	// Check the scratchpad CRC.
	if common.CRC8Maxim(spad[:8]) != spad[8] {
		for _, s := range spad {
			if s != 0xff {
				return nil, busError("ds18b20: incorrect scratchpad CRC")
			}
		}
		return nil, busError("ds18b20: device did not respond")
	}

	return spad[:8], nil
}

// writeScratchpad writes the alarm thresholds and, on a DS18B20, the
// resolution.
func (d *Dev) writeScratchpad() error {
	w := []byte{d.th, d.tl}
	if d.Family() == DS18B20 {
		w = append(w, byte((d.resolution-9)<<5)|0x1f)
	}
	return d.dev.Write(cmdWriteScratchpad, w)
}

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
