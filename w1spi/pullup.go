// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package w1spi

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/pin"
	"periph.io/x/conn/v3/spi"
)

// PullUpMode selects how the strong pull-up pin is wired.
type PullUpMode uint8

const (
	// DirectGPIO drives the pin high to engage the pull-up and leaves it
	// floating otherwise.
	DirectGPIO PullUpMode = iota
	// PMOSFET drives the gate of a P-channel MOSFET: low engages the
	// pull-up, high releases it.
	PMOSFET
	// MISO reuses the SPI MISO pin: it is driven high while the bus is
	// paused and handed back to the SPI controller before each transfer.
	MISO
)

func (m PullUpMode) String() string {
	switch m {
	case DirectGPIO:
		return "DirectGPIO"
	case PMOSFET:
		return "PMOSFET"
	case MISO:
		return "MISO"
	default:
		return fmt.Sprintf("PullUpMode(%d)", uint8(m))
	}
}

type pullUp struct {
	pin  gpio.PinIO
	mode PullUpMode
}

func (p *pullUp) engage() error {
	l := gpio.High
	if p.mode == PMOSFET {
		l = gpio.Low
	}
	if err := p.pin.Out(l); err != nil {
		return fmt.Errorf("w1spi: engaging strong pull-up on %s: %w", p.pin, err)
	}
	return nil
}

func (p *pullUp) release() error {
	var err error
	switch p.mode {
	case DirectGPIO:
		err = p.pin.In(gpio.Float, gpio.NoEdge)
	case PMOSFET:
		err = p.pin.Out(gpio.High)
	case MISO:
		pf, ok := p.pin.(pin.PinFunc)
		if !ok {
			return errors.New("w1spi: MISO pull-up pin cannot be switched back to SPI")
		}
		err = pf.SetFunc(spi.MISO)
	default:
		return fmt.Errorf("w1spi: unknown pull-up mode %s", p.mode)
	}
	if err != nil {
		return fmt.Errorf("w1spi: releasing strong pull-up on %s: %w", p.pin, err)
	}
	return nil
}
