// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// w1spi-scan enumerates the devices on a 1-Wire bus bit-banged over SPI and
// prints the temperature of the DS18x20 sensors found.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"time"

	"github.com/GermanBionicSystems/w1devices/ds18b20"
	"github.com/GermanBionicSystems/w1devices/w1spi"
	"github.com/mattn/go-colorable"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

func mainImpl() error {
	configPath := flag.String("config", "", "YAML configuration file")
	spiName := flag.String("spi", "", "SPI port to use")
	pullUp := flag.String("pullup", "", "GPIO driving the strong pull-up")
	mode := flag.String("mode", "", "strong pull-up wiring: direct, pmosfet or miso")
	interval := flag.Duration("interval", 0, "read the sensors continuously at this interval")
	verbose := flag.Bool("v", false, "verbose mode")
	flag.Parse()
	if flag.NArg() != 0 {
		return errors.New("unexpected argument, try -help")
	}

	cfg := defaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = LoadConfig(*configPath); err != nil {
			return err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "spi":
			cfg.SPI = *spiName
		case "pullup":
			cfg.PullUp = *pullUp
		case "mode":
			cfg.PullUpMode = *mode
		case "interval":
			cfg.Sensors.Interval = *interval
		case "v":
			if *verbose {
				cfg.Logging.Level = "debug"
			}
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))

	if _, err := host.Init(); err != nil {
		return err
	}
	p, err := spireg.Open(cfg.SPI)
	if err != nil {
		return err
	}
	defer p.Close()
	opts := cfg.Opts(logger)
	if cfg.Overdrive != "" {
		od, err := spireg.Open(cfg.Overdrive)
		if err != nil {
			return err
		}
		defer od.Close()
		opts.Overdrive = od
	}
	if cfg.PullUp != "" {
		if opts.PullUp = gpioreg.ByName(cfg.PullUp); opts.PullUp == nil {
			return fmt.Errorf("invalid GPIO %q", cfg.PullUp)
		}
	}
	bus, err := w1spi.New(p, &opts)
	if err != nil {
		return err
	}
	defer bus.Halt()

	uuids, err := bus.Scan(w1spi.Regular)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d device(s)\n", bus, len(uuids))
	var sensors []*ds18b20.Dev
	for _, u := range uuids {
		fmt.Printf("  %s\n", u.ROM())
		if !ds18b20.IsFamily(u) {
			continue
		}
		d, err := bus.ClaimDevice(u)
		if err != nil {
			return err
		}
		s, err := ds18b20.New(d, cfg.Sensors.Resolution)
		if err != nil {
			logger.Warn("skipping sensor", "uuid", u, "err", err)
			_ = d.Release()
			continue
		}
		sensors = append(sensors, s)
	}
	if len(sensors) == 0 {
		return nil
	}
	return readLoop(bus, sensors, cfg, logger)
}

func readLoop(bus *w1spi.Bus, sensors []*ds18b20.Dev, cfg *Config, logger *slog.Logger) error {
	s := newStrip(colorable.NewColorableStdout(), cfg.Sensors.Cold, cfg.Sensors.Hot)
	defer s.Halt()
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)
	celsius := make([]float64, len(sensors))
	for {
		if err := ds18b20.ConvertAll(bus, cfg.Sensors.Resolution); err != nil {
			return err
		}
		for i, d := range sensors {
			t, err := d.LastTemp()
			if err != nil {
				logger.Warn("reading sensor", "sensor", d, "err", err)
				celsius[i] = math.NaN()
				continue
			}
			celsius[i] = t.Celsius()
		}
		if err := s.Render(celsius); err != nil {
			return err
		}
		if cfg.Sensors.Interval == 0 {
			return nil
		}
		select {
		case <-interrupt:
			return nil
		case <-time.After(cfg.Sensors.Interval):
		}
	}
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "w1spi-scan: %s.\n", err)
		os.Exit(1)
	}
}
