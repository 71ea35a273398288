// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package w1spi

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/physic"
)

// 1-Wire ROM commands.
const (
	CmdSkipROM          = 0xcc // address all devices
	CmdMatchROM         = 0x55 // address one device by ROM code
	CmdSearchROM        = 0xf0 // enumerate all devices
	CmdAlarmSearch      = 0xec // enumerate devices in alarm state
	CmdReadROM          = 0x33 // read the ROM code of the only device
	CmdOverdriveSkipROM = 0x3c // address all devices and switch them to overdrive
)

// SPI bit patterns. MOSI pulls the 1-Wire line low while it is 0. MISO samples
// the line back.
const (
	patternOne   = 0x7f // short low pulse: write 1 or read slot
	patternZero  = 0x03 // long low pulse: write 0
	patternIdle  = 0xff // line released
	patternReset = 0x00 // line held low
	sampleMask   = 0x70 // MISO bits that fall in the read sample window
)

const (
	resetLowBytes    = 7 // 560µs at regular speed
	resetDelayBytes  = 4 // presence pulse window
	resetLen         = resetLowBytes + resetDelayBytes
	presenceOffset   = 8 // from the start of the reset pulse
	enumSlotsPerBit  = 3 // bit, complement, direction
	searchBufferSize = 192
)

// Transaction is a sequence of 1-Wire bus operations encoded as SPI bit
// patterns into a caller supplied buffer.
//
// Operations are appended with the Add methods, which return the buffer offset
// to later pass to Decode or the search helpers. Execute exchanges the buffer
// with the bus in place: once it returns, the buffer holds what was sampled
// back from the line.
//
// A Transaction keeps the first error encountered. Once an Add method failed
// all further Add calls are ignored and Execute returns the error without
// accessing the bus. Clear resets the error.
type Transaction struct {
	bus   *Bus
	speed Speed
	buf   []byte
	next  int
	err   error
}

// NewTransaction returns a transaction encoding into buf, to be executed at
// the given speed on this bus.
//
// buf must be large enough for everything added plus the bus' minimum
// transfer size; TransactionSize helps sizing it.
func (b *Bus) NewTransaction(speed Speed, buf []byte) *Transaction {
	return &Transaction{bus: b, speed: speed, buf: buf}
}

// TransactionSize returns the buffer size needed to reset the bus, address a
// single device, send a command and transfer n data bytes.
func (b *Bus) TransactionSize(n int) int {
	return b.transferSize(resetLen + (1+8+1+n)*8)
}

func (b *Bus) transferSize(n int) int {
	if n < b.minTransfer {
		return b.minTransfer
	}
	return n
}

// Len returns the number of bytes used so far.
func (t *Transaction) Len() int {
	return t.next
}

// Bytes returns the used part of the buffer.
func (t *Transaction) Bytes() []byte {
	return t.buf[:t.next]
}

// Err returns the first error recorded while building the transaction.
func (t *Transaction) Err() error {
	return t.err
}

// Speed returns the speed the transaction is executed at.
func (t *Transaction) Speed() Speed {
	return t.speed
}

// Clear empties the transaction so the buffer can be reused.
func (t *Transaction) Clear() {
	t.next = 0
	t.err = nil
}

// AddPattern appends n copies of the raw SPI byte pattern and returns the
// offset of the first one.
func (t *Transaction) AddPattern(pattern byte, n int) int {
	b, offset := t.reserve(n)
	for i := range b {
		b[i] = pattern
	}
	return offset
}

// AddPatternDuration appends the raw SPI byte pattern for at least d at the
// transaction's speed.
func (t *Transaction) AddPatternDuration(pattern byte, d time.Duration) int {
	return t.AddPattern(pattern, t.bytesFor(d))
}

// AddDelay appends n bytes during which the line is released.
func (t *Transaction) AddDelay(n int) int {
	return t.AddPattern(patternIdle, n)
}

// AddDelayDuration appends a released line for at least d.
func (t *Transaction) AddDelayDuration(d time.Duration) int {
	return t.AddPatternDuration(patternIdle, d)
}

// AddReset appends a reset pulse followed by the presence window.
//
// The returned offset points inside the presence window. The line sampled
// there is low when at least one device answered the reset.
func (t *Transaction) AddReset() int {
	offset := t.AddPattern(patternReset, resetLowBytes)
	t.AddDelay(resetDelayBytes)
	if offset < 0 {
		return offset
	}
	return offset + presenceOffset
}

// AddWrite appends the bits of data, least significant bit of each byte
// first, and returns the offset of the first bit.
func (t *Transaction) AddWrite(data []byte) int {
	b, offset := t.reserve(len(data) * 8)
	if offset < 0 {
		return offset
	}
	for i, d := range data {
		for j := range 8 {
			b[8*i+j] = slot(d&(1<<uint(j)) != 0)
		}
	}
	return offset
}

// AddRead appends n bytes worth of read slots and returns the offset to pass
// to Decode after Execute.
func (t *Transaction) AddRead(n int) int {
	return t.AddPattern(patternOne, n*8)
}

// AddCommand appends a single command byte.
func (t *Transaction) AddCommand(code byte) int {
	return t.AddWrite([]byte{code})
}

// AddSkipROM appends the Skip ROM command, addressing all devices.
func (t *Transaction) AddSkipROM() int {
	return t.AddCommand(CmdSkipROM)
}

// AddMatchROM appends the Match ROM command followed by the ROM code of u,
// addressing only that device.
func (t *Transaction) AddMatchROM(u UUID) int {
	offset := t.AddCommand(CmdMatchROM)
	rom := u.ROM()
	t.AddWrite(rom[:])
	return offset
}

// AddReadROM appends the Read ROM command and 8 bytes of read slots. The
// returned offset is the one to Decode the ROM code from.
func (t *Transaction) AddReadROM() int {
	t.AddCommand(CmdReadROM)
	return t.AddRead(len(ROM{}))
}

// AddEnumROM appends the Search ROM command and, for each of the UUIDBits
// bits, two read slots sampling the bit and its complement followed by a
// write slot carrying the direction u.Bit(i).
//
// The returned offset is the start of the per bit region, to pass to
// EnumROMBitInfo and ComputeMatchingBits.
func (t *Transaction) AddEnumROM(u UUID) int {
	return t.addSearch(CmdSearchROM, u)
}

// AddAlarmEnumROM is AddEnumROM using the Alarm Search command, so that only
// devices in alarm state take part.
func (t *Transaction) AddAlarmEnumROM(u UUID) int {
	return t.addSearch(CmdAlarmSearch, u)
}

func (t *Transaction) addSearch(cmd byte, u UUID) int {
	t.AddCommand(cmd)
	b, offset := t.reserve(UUIDBits * enumSlotsPerBit)
	for i := 0; i < len(b); i += enumSlotsPerBit {
		b[i] = patternOne
		b[i+1] = patternOne
		b[i+2] = slot(u.Bit(i / enumSlotsPerBit))
	}
	return offset
}

// Decode converts len(out) bytes worth of sampled slots starting at offset
// back into bytes, least significant bit first.
func (t *Transaction) Decode(offset int, out []byte) error {
	if err := t.checkRange(offset, len(out)*8); err != nil {
		return err
	}
	for i := range out {
		var v byte
		for j := range 8 {
			if t.high(offset + 8*i + j) {
				v |= 1 << uint(j)
			}
		}
		out[i] = v
	}
	return nil
}

// EnumROMBitInfo reports, for bit idxBit of a search region appended by
// AddEnumROM at idxEnum, whether a device still taking part has a 0 and
// whether one has a 1 there.
//
// ok is false when no device answered at all.
func (t *Transaction) EnumROMBitInfo(idxEnum, idxBit int) (hasZero, hasOne, ok bool) {
	checkBit(idxBit)
	i := idxEnum + idxBit*enumSlotsPerBit
	if t.checkRange(i, enumSlotsPerBit) != nil {
		return false, false, false
	}
	// A device holds the line low during the slot of the value it has.
	hasZero = !t.high(i)
	hasOne = !t.high(i + 1)
	return hasZero, hasOne, hasZero || hasOne
}

// ComputeMatchingBits returns the first bit at or after idxStart where the
// direction written into the search region at idxEnum is not backed by any
// device, or, unless allowForks is set, where devices disagree. It returns
// UUIDBits when the remaining path matched.
func (t *Transaction) ComputeMatchingBits(idxEnum, idxStart int, allowForks bool) int {
	for bit := idxStart; bit < UUIDBits; bit++ {
		hasZero, hasOne, _ := t.EnumROMBitInfo(idxEnum, bit)
		if !allowForks && hasZero && hasOne {
			return bit
		}
		if dir := t.high(idxEnum + bit*enumSlotsPerBit + 2); (dir && !hasOne) || (!dir && !hasZero) {
			return bit
		}
	}
	return UUIDBits
}

// Execute pads the transaction to the bus' minimum transfer size and
// exchanges it with the bus.
func (t *Transaction) Execute() error {
	if t.err != nil {
		return t.err
	}
	if t.next < t.bus.minTransfer {
		t.AddDelay(t.bus.minTransfer - t.next)
		if t.err != nil {
			return t.err
		}
	}
	return t.bus.exchange(t.speed, t.buf[:t.next])
}

func (t *Transaction) reserve(n int) ([]byte, int) {
	if t.err != nil {
		return nil, -1
	}
	if n < 0 || t.next+n > len(t.buf) {
		t.err = fmt.Errorf("%w: need %d bytes, have %d", ErrBufferOverflow, t.next+n, len(t.buf))
		return nil, -1
	}
	offset := t.next
	t.next += n
	return t.buf[offset:t.next], offset
}

func (t *Transaction) checkRange(offset, n int) error {
	if offset < 0 || offset+n > t.next {
		return fmt.Errorf("%w: [%d, %d) outside of %d used bytes", ErrOutOfRange, offset, offset+n, t.next)
	}
	return nil
}

// high returns the line level sampled during the slot at offset i.
func (t *Transaction) high(i int) bool {
	return t.buf[i]&sampleMask == sampleMask
}

// bytesFor returns the number of SPI bytes lasting at least d.
func (t *Transaction) bytesFor(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	perSecond := int64(t.speed.Frequency() / physic.Hertz / 8)
	return int((int64(d)*perSecond + int64(time.Second) - 1) / int64(time.Second))
}

func slot(one bool) byte {
	if one {
		return patternOne
	}
	return patternZero
}
