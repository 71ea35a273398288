// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds18b20 interfaces to Dallas Semi / Maxim DS18B20 and DS18S20
// 1-wire temperature sensors on a w1spi bus.
//
// Conversions pause the bus for their duration instead of sleeping, so that
// a parasite powered sensor gets the strong pull-up and the next bus access
// waits for the result.
//
// # Datasheets
//
// https://datasheets.maximintegrated.com/en/ds/DS18B20-PAR.pdf
//
// https://datasheets.maximintegrated.com/en/ds/DS18S20.pdf
package ds18b20
