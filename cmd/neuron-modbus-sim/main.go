// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

// Command neuron-modbus-sim runs the Modbus TCP simulator standalone,
// for exercising a Driver without real hardware attached.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	modbus "github.com/hootrhino/neuron-modbus"
	"github.com/hootrhino/neuron-modbus/simulator"
)

func main() {
	address := flag.String("address", "0.0.0.0:1502", "address to listen on")
	dbPath := flag.String("db", "simulator.db", "sqlite database path for persisted tag config")
	logLevel := flag.String("log-level", "INFO", "log level: DEBUG, INFO, WARNING, ERROR, NONE")
	flag.Parse()

	logger := modbus.NewSimpleLogger(os.Stdout, modbus.LevelInfo, "modbus-sim")
	if err := logger.SetLevelFromString(*logLevel); err != nil {
		logger.Warnf("%v, defaulting to INFO", err)
	}

	configStore, err := simulator.OpenConfigStore(*dbPath)
	if err != nil {
		logger.Errorf("open config store: %v", err)
		os.Exit(1)
	}
	defer configStore.Close()

	persisted, err := configStore.Load()
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}

	store := simulator.NewStore()
	waveforms := []simulator.Waveform{
		{Kind: simulator.WaveformSine, Unit: 1, Index: 0, Index2: 1},
		{Kind: simulator.WaveformSaw, Unit: 1, Index: 2},
		{Kind: simulator.WaveformSquare, Unit: 1, Index: 3},
		{Kind: simulator.WaveformRandom, Unit: 1, Index: 4},
	}
	worker := simulator.NewWaveformWorker(store, waveforms)
	go worker.Run()
	defer worker.Stop()

	server, err := simulator.NewServer(store, logger)
	if err != nil {
		logger.Errorf("create server: %v", err)
		os.Exit(1)
	}

	admin := simulator.NewAdmin(server, store, configStore)
	if err := admin.ConfigTags(persisted.Tags); err != nil {
		logger.Warnf("restore tag config: %v", err)
	}

	bound, err := admin.StartListening(*address)
	if err != nil {
		logger.Errorf("listen on %s: %v", *address, err)
		os.Exit(1)
	}
	logger.Infof("simulator listening on %s", bound)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Infof("shutting down")
	_ = admin.Stop()
}
