// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package w1spi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

var (
	// ErrBufferOverflow is returned when a transaction does not fit its
	// buffer.
	ErrBufferOverflow = errors.New("w1spi: transaction buffer overflow")
	// ErrOutOfRange is returned when decoding outside of a transaction.
	ErrOutOfRange = errors.New("w1spi: offset outside of transaction")
	// ErrAlreadyClaimed is returned when claiming a UUID that has a live
	// Device on the bus.
	ErrAlreadyClaimed = errors.New("w1spi: device already claimed")
	// ErrReleased is returned when using a Device after Release.
	ErrReleased = errors.New("w1spi: device released")
	// ErrSpeed is returned when the bus has no SPI port for a speed.
	ErrSpeed = errors.New("w1spi: speed not available on this bus")
	// ErrTxTooLarge is returned when a transaction exceeds what the SPI port
	// can transfer at once.
	ErrTxTooLarge = errors.New("w1spi: transaction too large for SPI port")
	// ErrCRC is returned when a ROM code or data block fails its CRC check.
	// It implements onewire.BusError; the bus may be retried or rescanned.
	ErrCRC error = busError("w1spi: CRC mismatch")
)

// Speed is a 1-Wire bus speed class.
type Speed uint8

const (
	// Regular is the standard 1-Wire speed, bit-banged at 100kHz.
	Regular Speed = iota
	// Overdrive is the 1-Wire overdrive speed, bit-banged at 1MHz.
	Overdrive
)

func (s Speed) String() string {
	switch s {
	case Regular:
		return "Regular"
	case Overdrive:
		return "Overdrive"
	default:
		return fmt.Sprintf("Speed(%d)", uint8(s))
	}
}

// Frequency returns the SPI clock used to bit-bang the speed.
func (s Speed) Frequency() physic.Frequency {
	if s == Overdrive {
		return physic.MegaHertz
	}
	return 100 * physic.KiloHertz
}

// Opts contains options to pass to the constructor.
type Opts struct {
	// Overdrive is an optional second SPI port wired to the same 1-Wire bus.
	// It is connected at the overdrive clock. Without it the bus only runs at
	// Regular speed.
	Overdrive spi.Port
	// PullUp is the pin controlling the strong pull-up. With PullUpMode MISO
	// it may be left nil if the SPI port exposes its MISO pin via spi.Pins.
	PullUp     gpio.PinIO
	PullUpMode PullUpMode
	// Invert inverts every bit sent on MOSI, for circuits driving the line
	// through a transistor instead of a diode.
	Invert bool
	// MinTransfer is the minimum number of bytes per SPI transfer. Shorter
	// transactions are padded with idle bytes.
	MinTransfer int
	// Clock is used to time bus pauses. Defaults to the real clock.
	Clock clockwork.Clock
	// Logger receives debug output. Defaults to discarding everything.
	Logger *slog.Logger
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	PullUpMode: DirectGPIO,
}

// New returns a 1-Wire bus bit-banged over the SPI port p. MOSI drives the
// line through a diode (or a transistor, see Opts.Invert) and MISO samples it.
//
// The returned Bus implements onewire.Bus.
func New(p spi.Port, opts *Opts) (*Bus, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	b := &Bus{
		name:        p.String(),
		minTransfer: opts.MinTransfer,
		invert:      opts.Invert,
		clock:       opts.Clock,
		log:         opts.Logger,
		claimed:     map[UUID]*Device{},
	}
	if b.clock == nil {
		b.clock = clockwork.NewRealClock()
	}
	if b.log == nil {
		b.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c, err := p.Connect(Regular.Frequency(), spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("w1spi: %w", err)
	}
	b.conns[Regular] = c
	if opts.Overdrive != nil {
		if b.conns[Overdrive], err = opts.Overdrive.Connect(Overdrive.Frequency(), spi.Mode0, 8); err != nil {
			return nil, fmt.Errorf("w1spi: overdrive port: %w", err)
		}
	}
	pin := opts.PullUp
	if pin == nil && opts.PullUpMode == MISO {
		if pins, ok := c.(spi.Pins); ok {
			pin, _ = pins.MISO().(gpio.PinIO)
		}
		if pin == nil {
			return nil, errors.New("w1spi: MISO pull-up requires a port exposing its MISO pin")
		}
	}
	if pin != nil {
		b.pullUp = &pullUp{pin: pin, mode: opts.PullUpMode}
		if err := b.pullUp.release(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Bus is a 1-Wire bus bit-banged over SPI.
//
// Each operation is one SPI transfer holding a complete 1-Wire sequence, so
// a transfer is atomic with respect to other users of the Bus. Operations
// made of several transfers, like Scan, are not: callers sharing a Bus
// between goroutines must serialize them.
type Bus struct {
	name        string
	conns       [2]spi.Conn // indexed by Speed
	pullUp      *pullUp
	invert      bool
	minTransfer int
	clock       clockwork.Clock
	log         *slog.Logger

	mu          sync.Mutex
	speed       Speed // speed selected for bus wide operations
	pausedUntil time.Time
	strong      bool // strong pull-up engaged
	claimed     map[UUID]*Device
	tx          []byte // scratch for the MOSI side of a transfer
}

func (b *Bus) String() string {
	return "w1spi{" + b.name + "}"
}

// Halt implements conn.Resource.
//
// It releases the strong pull-up.
func (b *Bus) Halt() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pausedUntil = time.Time{}
	return b.releaseLocked()
}

// MaxSpeed returns the fastest speed the bus was set up for.
func (b *Bus) MaxSpeed() Speed {
	if b.conns[Overdrive] != nil {
		return Overdrive
	}
	return Regular
}

// Speed returns the speed used by bus wide operations (Tx, Search).
func (b *Bus) Speed() Speed {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.speed
}

// HasStrongPullUp returns true if a strong pull-up is configured.
func (b *Bus) HasStrongPullUp() bool {
	return b.pullUp != nil
}

// Reset issues a regular speed reset and returns true if at least one device
// answered with a presence pulse.
//
// A regular speed reset also returns devices in overdrive to regular speed.
func (b *Bus) Reset() (bool, error) {
	t := b.NewTransaction(Regular, make([]byte, b.transferSize(resetLen)))
	idx := t.AddReset()
	if err := t.Execute(); err != nil {
		return false, err
	}
	b.mu.Lock()
	b.speed = Regular
	b.mu.Unlock()
	return !t.high(idx), nil
}

// Overdrive switches every device on the bus to overdrive speed and selects
// Overdrive for bus wide operations.
//
// It fails with ErrSpeed when no overdrive port was configured.
func (b *Bus) Overdrive() error {
	if err := b.checkSpeed(Overdrive); err != nil {
		return err
	}
	t := b.NewTransaction(Regular, make([]byte, b.transferSize(resetLen+8)))
	idx := t.AddReset()
	t.AddCommand(CmdOverdriveSkipROM)
	if err := t.Execute(); err != nil {
		return err
	}
	if t.high(idx) {
		return noDevicesError("w1spi: no device present")
	}
	b.mu.Lock()
	b.speed = Overdrive
	b.mu.Unlock()
	b.log.Debug("w1spi: overdrive selected", "bus", b.name)
	return nil
}

// ReadROM reads the ROM code of the single device on the bus.
//
// The result is meaningless when several devices are connected, which
// usually shows as an ErrCRC error.
func (b *Bus) ReadROM(speed Speed) (UUID, error) {
	if err := b.checkSpeed(speed); err != nil {
		return UUID{}, err
	}
	t := b.NewTransaction(speed, make([]byte, b.transferSize(resetLen+(1+8)*8)))
	presence := t.AddReset()
	idx := t.AddReadROM()
	if err := t.Execute(); err != nil {
		return UUID{}, err
	}
	if t.high(presence) {
		return UUID{}, noDevicesError("w1spi: no device present")
	}
	var rom ROM
	if err := t.Decode(idx, rom[:]); err != nil {
		return UUID{}, err
	}
	if !rom.Valid() {
		return UUID{}, fmt.Errorf("%w: read ROM %s", ErrCRC, rom)
	}
	return rom.UUID(), nil
}

// Tx implements onewire.Bus.
//
// It resets the bus, writes w, reads r and, when power is
// onewire.StrongPullup, engages the strong pull-up until the next bus access.
func (b *Bus) Tx(w, r []byte, power onewire.Pullup) error {
	speed := b.Speed()
	t := b.NewTransaction(speed, make([]byte, b.transferSize(resetLen+(len(w)+len(r))*8)))
	presence := t.AddReset()
	t.AddWrite(w)
	idx := t.AddRead(len(r))
	if err := t.Execute(); err != nil {
		return err
	}
	if t.high(presence) {
		return noDevicesError("w1spi: no device present")
	}
	if err := t.Decode(idx, r); err != nil {
		return err
	}
	if power == onewire.StrongPullup && b.pullUp != nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.engageLocked()
	}
	return nil
}

// Search implements onewire.Bus.
//
// It runs Scan or ScanAlarm at the selected bus speed and returns complete
// ROM codes.
func (b *Bus) Search(alarmOnly bool) ([]onewire.Address, error) {
	cmd := byte(CmdSearchROM)
	if alarmOnly {
		cmd = CmdAlarmSearch
	}
	uuids, err := b.scan(b.Speed(), cmd)
	if err != nil {
		return nil, err
	}
	addrs := make([]onewire.Address, len(uuids))
	for i, u := range uuids {
		addrs[i] = u.Address()
	}
	return addrs, nil
}

// PauseBus keeps the bus idle for at least d, engaging the strong pull-up if
// there is one. Bus accesses made meanwhile wait for the pause to end.
//
// A pause is only ever extended, never shortened.
func (b *Bus) PauseBus(d time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if until := b.clock.Now().Add(d); until.After(b.pausedUntil) {
		b.pausedUntil = until
	}
	if b.pullUp != nil {
		return b.engageLocked()
	}
	return nil
}

// PausedUntil returns the end of the current pause, or the zero time when
// the bus is not paused.
func (b *Bus) PausedUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.pausedUntil.After(b.clock.Now()) {
		return time.Time{}
	}
	return b.pausedUntil
}

// Wait blocks until the current pause, if any, has elapsed.
func (b *Bus) Wait() {
	for until := b.PausedUntil(); !until.IsZero(); until = b.PausedUntil() {
		b.clock.Sleep(until.Sub(b.clock.Now()))
	}
}

// exchange waits for the end of any pause, releases the strong pull-up and
// transfers buf in place.
func (b *Bus) exchange(speed Speed, buf []byte) error {
	if err := b.checkSpeed(speed); err != nil {
		return err
	}
	c := b.conns[speed]
	if l, ok := c.(conn.Limits); ok {
		if n := l.MaxTxSize(); n > 0 && len(buf) > n {
			return fmt.Errorf("%w: %d > %d bytes", ErrTxTooLarge, len(buf), n)
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	// The pause may be extended while sleeping.
	for {
		wait := b.pausedUntil.Sub(b.clock.Now())
		if wait <= 0 {
			break
		}
		b.log.Debug("w1spi: waiting for bus pause", "bus", b.name, "wait", wait)
		b.mu.Unlock()
		b.clock.Sleep(wait)
		b.mu.Lock()
	}
	b.pausedUntil = time.Time{}
	if err := b.releaseLocked(); err != nil {
		return err
	}
	if cap(b.tx) < len(buf) {
		b.tx = make([]byte, len(buf))
	}
	w := b.tx[:len(buf)]
	for i, v := range buf {
		if b.invert {
			v = ^v
		}
		w[i] = v
	}
	b.log.Debug("w1spi: exchange", "bus", b.name, "speed", speed, "len", len(buf))
	if err := c.Tx(w, buf); err != nil {
		return fmt.Errorf("w1spi: %w", err)
	}
	return nil
}

func (b *Bus) checkSpeed(s Speed) error {
	if int(s) >= len(b.conns) || b.conns[s] == nil {
		return fmt.Errorf("%w: %s", ErrSpeed, s)
	}
	return nil
}

func (b *Bus) engageLocked() error {
	if b.pullUp == nil || b.strong {
		return nil
	}
	if err := b.pullUp.engage(); err != nil {
		return err
	}
	b.strong = true
	return nil
}

func (b *Bus) releaseLocked() error {
	if b.pullUp == nil || !b.strong {
		return nil
	}
	if err := b.pullUp.release(); err != nil {
		return err
	}
	b.strong = false
	return nil
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

// noDevicesError implements error and onewire.NoDevicesError.
type noDevicesError string

func (e noDevicesError) Error() string   { return string(e) }
func (e noDevicesError) NoDevices() bool { return true }
func (e noDevicesError) BusError() bool  { return true }

var _ conn.Resource = &Bus{}
var _ onewire.Bus = &Bus{}
var _ onewire.BusError = busError("")
var _ onewire.NoDevicesError = noDevicesError("")
