package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rotorfc/internal/alt"
	"rotorfc/internal/board"
	"rotorfc/internal/board/rpi"
	"rotorfc/internal/config"
	"rotorfc/internal/esc"
	"rotorfc/internal/flight"
	"rotorfc/internal/mixer"
	"rotorfc/internal/receiver"
	"rotorfc/internal/receiver/app"
	"rotorfc/internal/receiver/dsmx"
	"rotorfc/internal/sim"
	"rotorfc/internal/stab"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "rotorfc.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ctl, shutdown, err := buildController(cfg)
	if err != nil {
		log.Fatalf("wiring failed: %v", err)
	}
	defer shutdown()

	if err := ctl.Init(); err != nil {
		log.Fatalf("init failed: %v", err)
	}

	log.Printf("rotorfc starting board=%s receiver=%s loop=%s", cfg.Board.Type, cfg.Receiver.Type, cfg.Loop.Interval)

	run(ctx, ctl, cfg.Loop.Interval, cfg.Loop.StatusInterval)
	log.Printf("rotorfc stopping")
}

// loadConfig falls back to the built-in defaults when the file is
// absent, so a bare binary flies the stock setup.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("config %s not found, using defaults", path)
		return config.Default(), nil
	}
	return cfg, err
}

// buildController assembles the flight loop from the configured
// backends. The returned shutdown func releases hardware and network
// resources in reverse creation order, so the board (and with it the
// motors) goes down first.
func buildController(cfg config.Config) (*flight.Controller, func(), error) {
	var closers []io.Closer
	shutdown := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.Printf("shutdown: %v", err)
			}
		}
	}

	// One Sim serves as scripted board and scripted pilot at once, so a
	// single timeline drives both when the config asks for either.
	var simBoard *board.Sim
	if cfg.Board.Type == "sim" || cfg.Receiver.Type == "sim" {
		script, err := sim.LoadScript(cfg.Sim.Scenario)
		if err != nil {
			return nil, nil, fmt.Errorf("scenario %s: %w", cfg.Sim.Scenario, err)
		}
		scenario, err := sim.NewScenario(script)
		if err != nil {
			return nil, nil, fmt.Errorf("scenario %s: %w", cfg.Sim.Scenario, err)
		}
		simBoard = board.NewSim(scenario, board.SimConfig{})
		log.Printf("scenario %s loaded, duration %s", cfg.Sim.Scenario, scenario.Duration())
	}

	var backend receiver.Backend
	switch cfg.Receiver.Type {
	case "dsmx":
		b := dsmx.New(dsmx.Config{Port: cfg.Receiver.DSMX.Port, Baud: cfg.Receiver.DSMX.Baud})
		backend = b
		closers = append(closers, b)
	case "app":
		b := app.New(app.Config{Listen: cfg.Receiver.App.Listen})
		backend = b
		closers = append(closers, b)
	case "sim":
		backend = simBoard
	}

	var brd flight.Board
	var outs mixer.Outputs
	switch cfg.Board.Type {
	case "rpi":
		b := rpi.New(rpiConfig(cfg, backend.UsesSerial()))
		brd, outs = b, b
		closers = append(closers, b)
	case "sim":
		brd, outs = simBoard, simBoard
	}

	ctl := flight.New(flight.Config{MaxArmingAngleDeg: cfg.Arming.MaxAngleDeg}, flight.Deps{
		Board: brd,
		Commands: receiver.New(receiver.Config{
			Headless: cfg.Receiver.Headless,
			Trims: receiver.Trims{
				Roll:  cfg.Receiver.Trims.Roll,
				Pitch: cfg.Receiver.Trims.Pitch,
				Yaw:   cfg.Receiver.Trims.Yaw,
			},
		}, backend),
		Stab: stab.New(stab.Config{
			LevelP:        cfg.Stab.LevelP,
			MaxRateDPS:    cfg.Stab.MaxRateDPS,
			IntegralLimit: cfg.Stab.IntegralLimit,
			LoopInterval:  cfg.Loop.Interval,
			Roll:          stab.Gains{P: cfg.Stab.Roll.P, I: cfg.Stab.Roll.I, D: cfg.Stab.Roll.D},
			Pitch:         stab.Gains{P: cfg.Stab.Pitch.P, I: cfg.Stab.Pitch.I, D: cfg.Stab.Pitch.D},
			Yaw:           stab.Gains{P: cfg.Stab.Yaw.P, I: cfg.Stab.Yaw.I, D: cfg.Stab.Yaw.D},
		}),
		Alt: alt.New(alt.Config{
			AltP:         cfg.AltHold.AltP,
			VelP:         cfg.AltHold.VelP,
			VelI:         cfg.AltHold.VelI,
			VelD:         cfg.AltHold.VelD,
			ThrottleBand: cfg.AltHold.ThrottleBand,
			LoopInterval: cfg.Loop.Interval,
		}),
		Mixer: mixer.New(outs, mixer.QuadX()),
	})
	return ctl, shutdown, nil
}

// rpiConfig maps the config file onto the board. A DSMX satellite owns
// its serial line exclusively, so when telemetry points at the same
// device the telemetry loses and the port stays with the receiver.
func rpiConfig(cfg config.Config, rxSerial bool) rpi.Config {
	c := cfg.Board.RPi
	telemPort := c.Telemetry.Port
	if telemPort != "" && rxSerial && telemPort == cfg.Receiver.DSMX.Port {
		log.Printf("telemetry port %s is the receiver link, telemetry disabled", telemPort)
		telemPort = ""
	}
	return rpi.Config{
		I2CBus:   c.I2CBus,
		IMUAddr:  c.IMUAddr,
		BaroAddr: c.BaroAddr,
		LEDChip:  c.LED.Chip,
		LEDLine:  c.LED.Line,
		ESC: esc.Config{
			Chip:     c.ESC.Chip,
			Channels: c.ESC.Channels,
			Period:   c.ESC.Period,
		},
		TelemetryPort:     telemPort,
		TelemetryBaud:     c.Telemetry.Baud,
		TelemetryInterval: c.Telemetry.Interval,
	}
}

func run(ctx context.Context, ctl *flight.Controller, interval, statusEvery time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	status := time.NewTicker(statusEvery)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ctl.Tick()
		case <-status.C:
			logStatus(ctl.Status())
		}
	}
}

func logStatus(s flight.Status) {
	log.Printf("armed=%t failsafe=%t hold=%t rpy=%.2f/%.2f/%.2f alt=%.1fm climb=%.2fm/s polls gyro=%d orient=%d rx=%d accel=%d baro=%d",
		s.Armed, s.Failsafe, s.HoldEngaged,
		s.Attitude.Roll, s.Attitude.Pitch, s.Attitude.Yaw,
		s.Estimate.AltitudeM, s.Estimate.ClimbRateMS,
		s.Counters.Gyro, s.Counters.Orientation, s.Counters.Receiver, s.Counters.Accel, s.Counters.Baro)
}
