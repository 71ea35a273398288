// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"math"

	"github.com/maruel/ansi256"
)

// strip draws one colored block per sensor on a terminal line, from blue at
// cold to red at hot, followed by the readings.
type strip struct {
	w         io.Writer
	palette   *ansi256.Palette
	cold, hot float64

	buf bytes.Buffer
}

func newStrip(w io.Writer, cold, hot float64) *strip {
	return &strip{w: w, palette: ansi256.Default, cold: cold, hot: hot}
}

// Render overwrites the current line. NaN marks a failed reading.
func (s *strip) Render(celsius []float64) error {
	s.buf.Reset()
	_, _ = s.buf.WriteString("\r\033[0m")
	for _, c := range celsius {
		_, _ = io.WriteString(&s.buf, s.palette.Block(s.color(c)))
	}
	_, _ = s.buf.WriteString("\033[0m")
	for _, c := range celsius {
		if math.IsNaN(c) {
			_, _ = s.buf.WriteString("   --.--")
		} else {
			_, _ = fmt.Fprintf(&s.buf, " %7.2f", c)
		}
	}
	_, err := s.buf.WriteTo(s.w)
	return err
}

// Halt ends the line and resets the terminal colors.
func (s *strip) Halt() error {
	_, err := s.w.Write([]byte("\033[0m\n"))
	return err
}

func (s *strip) color(c float64) color.NRGBA {
	if math.IsNaN(c) {
		return color.NRGBA{0x80, 0x80, 0x80, 0xff}
	}
	f := (c - s.cold) / (s.hot - s.cold)
	f = math.Max(0, math.Min(1, f))
	v := byte(math.Round(255 * f))
	return color.NRGBA{v, 0, 255 - v, 0xff}
}
