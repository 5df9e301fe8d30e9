// Command profinet-controller wires the Discovery Engine, Connection
// State Machine, Cyclic Scheduler, Authority Arbiter, Historian
// Compressor and Device Registry into one running Controller process.
// It is an example host, not a deployment artifact: the HTTP/WebSocket
// API, alarm evaluation and historian sink are all out of scope and left
// to whatever embeds this module.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wtc-scada/profinet-controller/internal/rawsock"
	"github.com/wtc-scada/profinet-controller/pkg/authority"
	"github.com/wtc-scada/profinet-controller/pkg/block"
	"github.com/wtc-scada/profinet-controller/pkg/connsm"
	"github.com/wtc-scada/profinet-controller/pkg/cyclic"
	"github.com/wtc-scada/profinet-controller/pkg/discovery"
	"github.com/wtc-scada/profinet-controller/pkg/historian"
	"github.com/wtc-scada/profinet-controller/pkg/registry"
)

func main() {
	iface := flag.String("i", "eth0", "network interface to discover and run cyclic IO on")
	cycleTime := flag.Duration("cycle", 4*time.Millisecond, "cyclic IO frame period")
	epochFile := flag.String("epoch-file", "/var/lib/profinet-controller/authority.ini", "authority epoch persistence file")
	watchdogFactor := flag.Uint("watchdog-factor", uint(connsm.DefaultWatchdogFactor), "missed-cycle watchdog factor")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	arb, err := authority.New(authority.NewIniStore(*epochFile), logger)
	if err != nil {
		logger.Error("authority arbiter init failed", "error", err)
		os.Exit(1)
	}

	reg := registry.New(arb)

	unsubEvents := reg.Subscribe(func(ev registry.Event) {
		switch ev.Kind {
		case registry.EventRtuStateChanged:
			logger.Info("rtu state changed", "station", ev.StationName, "from", ev.FromState, "to", ev.ToState)
		case registry.EventAlarmRaised:
			logger.Warn("alarm raised", "station", ev.StationName, "slot", ev.Slot, "value", ev.Value)
		case registry.EventAlarmCleared:
			logger.Info("alarm cleared", "station", ev.StationName, "slot", ev.Slot, "value", ev.Value)
		case registry.EventSample:
			logger.Debug("sample", "station", ev.StationName, "slot", ev.Slot, "value", ev.Reading.Value)
		}
	})
	defer unsubEvents()

	disc, err := discovery.New(*iface, discovery.DefaultInterval, logger)
	if err != nil {
		logger.Error("discovery engine init failed", "error", err)
		os.Exit(1)
	}

	compressors := newCompressorSet()

	go watchDiscovery(disc, reg, compressors, *iface, *cycleTime, uint16(*watchdogFactor), logger)

	go func() {
		if err := disc.Run(); err != nil {
			logger.Error("discovery engine stopped", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	disc.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := reg.Shutdown(ctx); err != nil {
		logger.Error("registry shutdown failed", "error", err)
	}
}

// watchDiscovery provisions a registry entry and a full connsm/cyclic
// pipeline for every newly discovered RTU. It is the orchestration glue
// this module leaves to the host; a real deployment would instead load
// RTUConfig from operator-provisioned configuration (registry.AddRTU
// accepts either path).
func watchDiscovery(disc *discovery.Engine, reg *registry.Registry, compressors *compressorSet, iface string, cycleTime time.Duration, watchdogFactor uint16, logger *slog.Logger) {
	localIP, err := rawsock.InterfaceIPv4(iface)
	if err != nil {
		logger.Error("resolve interface address failed", "interface", iface, "error", err)
		return
	}
	for info := range disc.Events() {
		station := info.StationName
		if station == "" {
			continue
		}

		cfg := registry.RTUConfig{
			StationName: station,
			StaticIP:    info.IP,
			VendorID:    info.VendorID,
			DeviceID:    info.DeviceID,
			Slots: []registry.SlotConfig{
				{SlotNumber: 0, Kind: registry.SlotSensor},
				{SlotNumber: 1, Kind: registry.SlotSensor, Algorithm: historian.AlgorithmSwingingDoor, Deadband: 0.5,
					WarningLow: 2, WarningHigh: 90, AlarmLow: 0, AlarmHigh: 100},
			},
		}
		if _, err := reg.GetSnapshot(station); err != nil {
			if err := reg.AddRTU(cfg); err != nil {
				logger.Warn("add rtu failed", "station", station, "error", err)
				continue
			}
		}

		params := connsm.Params{
			StationName:    station,
			LocalIP:        localIP,
			WatchdogFactor: watchdogFactor,
			InputIOCR: block.IOCRBlockReq{
				IOCRType: block.IOCRTypeInput,
				FrameID:  0x8001,
			},
			OutputIOCR: block.IOCRBlockReq{
				IOCRType: block.IOCRTypeOutput,
				FrameID:  0x8002,
			},
		}
		machine := connsm.New(params, logger)

		scheduler := cyclic.New(cyclic.Config{
			Interface:     iface,
			RemoteMAC:     info.MAC,
			OutputFrameID: params.OutputIOCR.FrameID,
			InputFrameID:  params.InputIOCR.FrameID,
			CycleTime:     cycleTime,
			InputSubmodules: []cyclic.SubmoduleConfig{
				{SubslotNumber: 1, DataLength: 5},
			},
			OutputSubmodules: []cyclic.SubmoduleConfig{
				{SubslotNumber: 1, DataLength: 4},
			},
		}, logger)

		scheduler.SetAuthorityFunc(func() bool {
			return arbSupervised(reg, station)
		})
		scheduler.OnValidFrame(machine.NotifyInputFrame)
		scheduler.OnMissedCycle(machine.NotifyMissedFrame)
		scheduler.OnInput(func(subslot uint16, reading cyclic.SensorReading) {
			c := compressors.get(station, subslot, historian.AlgorithmSwingingDoor, 0.5)
			sample := historian.Sample{TimeMs: reading.Timestamp.UnixMilli(), Value: float64(reading.Value), Quality: mapQuality(reading.Quality)}
			if out := c.Push(sample); len(out) > 0 {
				reg.RecordSample(station, subslot, reading)
			}
		})

		go func() {
			if err := scheduler.Run(); err != nil {
				logger.Warn("cyclic scheduler stopped", "station", station, "error", err)
			}
		}()

		if err := reg.Enable(station, machine); err != nil {
			logger.Warn("enable failed", "station", station, "error", err)
			continue
		}
		machine.NotifyDiscovered(&net.UDPAddr{IP: info.IP, Port: int(rpcConnectPort)})
	}
}

const rpcConnectPort = 0xC101 // dynamic RPC endpoint, fixed here for the example wiring

func arbSupervised(reg *registry.Registry, station string) bool {
	snap, err := reg.GetSnapshot(station)
	if err != nil {
		return false
	}
	return snap.Authority.State == authority.StateSupervised
}

func mapQuality(q cyclic.Quality) historian.Quality {
	switch q {
	case cyclic.QualityGood:
		return historian.QualityGood
	case cyclic.QualityUncertain:
		return historian.QualityUncertain
	case cyclic.QualityBad:
		return historian.QualityBad
	default:
		return historian.QualityNotConnected
	}
}

// compressorSet owns one historian.Compressor per (station, slot) pair,
// created lazily on first sample.
type compressorSet struct {
	mu   sync.Mutex
	byID map[string]*historian.Compressor
}

func newCompressorSet() *compressorSet {
	return &compressorSet{byID: make(map[string]*historian.Compressor)}
}

func (c *compressorSet) get(station string, slot uint16, algo historian.Algorithm, deadband float64) *historian.Compressor {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := fmt.Sprintf("%s#%d", station, slot)
	comp, ok := c.byID[key]
	if !ok {
		comp = historian.New(algo, deadband)
		c.byID[key] = comp
	}
	return comp
}
