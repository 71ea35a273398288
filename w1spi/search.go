// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package w1spi

import "log/slog"

// Scan enumerates the devices on the bus answering at speed, in ascending
// ROM bit order (bit 0 first, 0 before 1).
//
// Any error aborts the scan; no partial result is returned.
func (b *Bus) Scan(speed Speed) ([]UUID, error) {
	return b.scan(speed, CmdSearchROM)
}

// ScanAlarm is Scan restricted to the devices in alarm state.
func (b *Bus) ScanAlarm(speed Speed) ([]UUID, error) {
	return b.scan(speed, CmdAlarmSearch)
}

func (b *Bus) scan(speed Speed, cmd byte) ([]UUID, error) {
	if err := b.checkSpeed(speed); err != nil {
		return nil, err
	}
	s := search{
		t:   b.NewTransaction(speed, make([]byte, b.transferSize(searchBufferSize))),
		cmd: cmd,
		log: b.log,
	}
	found, err := s.walk(nil, UUID{}, 0)
	if err != nil {
		return nil, err
	}
	b.log.Debug("w1spi: scan done", "bus", b.name, "speed", speed, "found", len(found))
	return found, nil
}

// search walks the binary tree of ROM codes. Each step is one transaction
// that probes every bit of the path prefix+zeros; a step consumes the first
// undecided bit and, when no device disagrees, all the bits after it.
type search struct {
	t   *Transaction
	cmd byte
	log *slog.Logger
}

// walk explores the subtree of UUIDs whose bits [0, depth) equal prefix.
// Bits of prefix at depth and above are zero. It returns found with the
// UUIDs of the subtree appended.
func (s *search) walk(found []UUID, prefix UUID, depth int) ([]UUID, error) {
	idx, present, err := s.probe(prefix)
	if err != nil {
		return found, err
	}
	if !present {
		return found, nil
	}
	hasZero, hasOne, ok := s.t.EnumROMBitInfo(idx, depth)
	if !ok {
		// At depth 0 no device takes part, as in an alarm search without
		// alarms. Deeper, the devices on this path went away.
		if depth != 0 {
			s.log.Warn("w1spi: no device answered during search", "prefix", prefix, "depth", depth)
		}
		return found, nil
	}
	s.log.Debug("w1spi: search", "prefix", prefix, "depth", depth, "zero", hasZero, "one", hasOne)
	depth++
	if hasZero {
		// Computed before recursing; walk reuses the transaction.
		n := UUIDBits
		if depth < UUIDBits {
			n = s.t.ComputeMatchingBits(idx, depth, false)
		}
		if n == UUIDBits {
			found = append(found, prefix)
		} else if found, err = s.walk(found, prefix, n); err != nil {
			return found, err
		}
	}
	if hasOne {
		one := prefix
		one.SetBit(depth-1, true)
		if depth == UUIDBits {
			found = append(found, one)
		} else if found, err = s.walk(found, one, depth); err != nil {
			return found, err
		}
	}
	return found, nil
}

// probe runs a search transaction along prefix and returns the offset of its
// per bit region and whether any device answered the reset.
func (s *search) probe(prefix UUID) (int, bool, error) {
	s.t.Clear()
	presence := s.t.AddReset()
	idx := s.t.addSearch(s.cmd, prefix)
	if err := s.t.Execute(); err != nil {
		return 0, false, err
	}
	return idx, !s.t.high(presence), nil
}
