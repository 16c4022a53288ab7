package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Loop     LoopConfig     `yaml:"loop"`
	Arming   ArmingConfig   `yaml:"arming"`
	Stab     StabConfig     `yaml:"stab"`
	AltHold  AltHoldConfig  `yaml:"althold"`
	Receiver ReceiverConfig `yaml:"receiver"`
	Board    BoardConfig    `yaml:"board"`
	Sim      SimConfig      `yaml:"sim"`
}

type LoopConfig struct {
	Interval       time.Duration `yaml:"interval"`
	StatusInterval time.Duration `yaml:"status_interval"`
}

type ArmingConfig struct {
	MaxAngleDeg float64 `yaml:"max_angle_deg"`
}

type AxisGains struct {
	P float64 `yaml:"p"`
	I float64 `yaml:"i"`
	D float64 `yaml:"d"`
}

type StabConfig struct {
	LevelP        float64   `yaml:"level_p"`
	MaxRateDPS    float64   `yaml:"max_rate_dps"`
	IntegralLimit float64   `yaml:"integral_limit"`
	Roll          AxisGains `yaml:"roll"`
	Pitch         AxisGains `yaml:"pitch"`
	Yaw           AxisGains `yaml:"yaw"`
}

type AltHoldConfig struct {
	AltP         float64 `yaml:"alt_p"`
	VelP         float64 `yaml:"vel_p"`
	VelI         float64 `yaml:"vel_i"`
	VelD         float64 `yaml:"vel_d"`
	ThrottleBand float64 `yaml:"throttle_band"`
}

type ReceiverConfig struct {
	Type     string     `yaml:"type"`
	Headless bool       `yaml:"headless"`
	Trims    TrimConfig `yaml:"trims"`
	DSMX     DSMXConfig `yaml:"dsmx"`
	App      AppConfig  `yaml:"app"`
}

type TrimConfig struct {
	Roll  float64 `yaml:"roll"`
	Pitch float64 `yaml:"pitch"`
	Yaw   float64 `yaml:"yaw"`
}

type DSMXConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

type AppConfig struct {
	Listen string `yaml:"listen"`
}

type BoardConfig struct {
	Type string    `yaml:"type"`
	RPi  RPiConfig `yaml:"rpi"`
}

type RPiConfig struct {
	I2CBus    int             `yaml:"i2c_bus"`
	IMUAddr   uint16          `yaml:"imu_addr"`
	BaroAddr  uint16          `yaml:"baro_addr"`
	LED       LEDConfig       `yaml:"led"`
	ESC       ESCConfig       `yaml:"esc"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type LEDConfig struct {
	Chip string `yaml:"chip"`
	Line int    `yaml:"line"`
}

type ESCConfig struct {
	Chip     int           `yaml:"chip"`
	Channels []int         `yaml:"channels"`
	Period   time.Duration `yaml:"period"`
}

type TelemetryConfig struct {
	Port     string        `yaml:"port"`
	Baud     int           `yaml:"baud"`
	Interval time.Duration `yaml:"interval"`
}

type SimConfig struct {
	Scenario string `yaml:"scenario"`
}

// Default is the configuration the vehicle flies with when no file is
// given. Load unmarshals on top of it, so a config file only needs the
// fields it wants to change.
func Default() Config {
	return Config{
		Loop: LoopConfig{
			Interval:       2 * time.Millisecond,
			StatusInterval: 5 * time.Second,
		},
		Arming: ArmingConfig{MaxAngleDeg: 25},
		Stab: StabConfig{
			LevelP:        2.0,
			MaxRateDPS:    270,
			IntegralLimit: 0.25,
			Roll:          AxisGains{P: 0.15, I: 0.10, D: 0.01},
			Pitch:         AxisGains{P: 0.15, I: 0.10, D: 0.01},
			Yaw:           AxisGains{P: 0.30, I: 0.05},
		},
		AltHold: AltHoldConfig{
			AltP:         15,
			VelP:         15,
			VelI:         15,
			VelD:         1,
			ThrottleBand: 0.25,
		},
		Receiver: ReceiverConfig{
			Type: "dsmx",
			DSMX: DSMXConfig{Port: "/dev/ttyAMA0", Baud: 115200},
			App:  AppConfig{Listen: ":5556"},
		},
		Board: BoardConfig{
			Type: "rpi",
			RPi: RPiConfig{
				I2CBus:   1,
				IMUAddr:  0x68,
				BaroAddr: 0x77,
				LED:      LEDConfig{Chip: "gpiochip0", Line: 17},
				ESC: ESCConfig{
					Chip:     0,
					Channels: []int{0, 1, 2, 3},
					Period:   2500 * time.Microsecond,
				},
				Telemetry: TelemetryConfig{Baud: 57600, Interval: 100 * time.Millisecond},
			},
		},
	}
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Loop.Interval <= 0 {
		return Config{}, fmt.Errorf("loop.interval must be > 0")
	}
	if cfg.Loop.StatusInterval <= 0 {
		return Config{}, fmt.Errorf("loop.status_interval must be > 0")
	}
	if cfg.Arming.MaxAngleDeg <= 0 || cfg.Arming.MaxAngleDeg > 90 {
		return Config{}, fmt.Errorf("arming.max_angle_deg must be in (0, 90]")
	}
	if cfg.Stab.MaxRateDPS <= 0 {
		return Config{}, fmt.Errorf("stab.max_rate_dps must be > 0")
	}
	for _, g := range []struct {
		name  string
		gains AxisGains
	}{
		{"stab.roll", cfg.Stab.Roll},
		{"stab.pitch", cfg.Stab.Pitch},
		{"stab.yaw", cfg.Stab.Yaw},
	} {
		if g.gains.P < 0 || g.gains.I < 0 || g.gains.D < 0 {
			return Config{}, fmt.Errorf("%s gains must be >= 0", g.name)
		}
	}
	if cfg.AltHold.AltP < 0 || cfg.AltHold.VelP < 0 || cfg.AltHold.VelI < 0 || cfg.AltHold.VelD < 0 {
		return Config{}, fmt.Errorf("althold gains must be >= 0")
	}
	if cfg.AltHold.ThrottleBand <= 0 || cfg.AltHold.ThrottleBand > 1 {
		return Config{}, fmt.Errorf("althold.throttle_band must be in (0, 1]")
	}

	switch cfg.Receiver.Type {
	case "dsmx":
		if cfg.Receiver.DSMX.Port == "" {
			return Config{}, fmt.Errorf("receiver.dsmx.port is required when receiver.type is dsmx")
		}
		if cfg.Receiver.DSMX.Baud <= 0 {
			return Config{}, fmt.Errorf("receiver.dsmx.baud must be > 0")
		}
	case "app":
		if cfg.Receiver.App.Listen == "" {
			return Config{}, fmt.Errorf("receiver.app.listen is required when receiver.type is app")
		}
	case "sim":
		if cfg.Sim.Scenario == "" {
			return Config{}, fmt.Errorf("sim.scenario is required when receiver.type is sim")
		}
	default:
		return Config{}, fmt.Errorf("receiver.type must be one of dsmx, app, sim")
	}

	switch cfg.Board.Type {
	case "rpi":
		if len(cfg.Board.RPi.ESC.Channels) == 0 {
			return Config{}, fmt.Errorf("board.rpi.esc.channels is required when board.type is rpi")
		}
		if cfg.Board.RPi.ESC.Period <= 0 {
			return Config{}, fmt.Errorf("board.rpi.esc.period must be > 0")
		}
		if cfg.Board.RPi.Telemetry.Port != "" && cfg.Board.RPi.Telemetry.Baud <= 0 {
			return Config{}, fmt.Errorf("board.rpi.telemetry.baud must be > 0")
		}
	case "sim":
		if cfg.Sim.Scenario == "" {
			return Config{}, fmt.Errorf("sim.scenario is required when board.type is sim")
		}
	default:
		return Config{}, fmt.Errorf("board.type must be one of rpi, sim")
	}

	return cfg, nil
}
