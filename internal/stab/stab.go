package stab

import (
	"math"
	"time"

	"go.einride.tech/pid"

	"rotorfc/internal/vehicle"
)

type Gains struct {
	P float64
	I float64
	D float64
}

type Config struct {
	// LevelP is the outer-loop gain pulling roll and pitch back to level,
	// in (rad/s of rate target) per radian of tilt.
	LevelP float64
	// MaxRateDPS is the body rate commanded by a full stick deflection.
	MaxRateDPS float64
	// IntegralLimit bounds the accumulated rate error per axis.
	IntegralLimit float64
	// LoopInterval is the nominal time between gyro updates; the rate
	// gains are tuned against it.
	LoopInterval time.Duration

	Roll  Gains
	Pitch Gains
	Yaw   Gains
}

// Cascade turns pilot demands plus gyro rates into corrected actuation
// demands. The outer loop converts stick deflection and tilt into a
// target body rate; the inner loop tracks that rate against the gyro
// with one PID controller per axis.
//
// Not safe for concurrent use; the flight loop owns it.
type Cascade struct {
	cfg     Config
	maxRate float64
	axes    [3]pid.Controller
	att     vehicle.Attitude
	pilot   vehicle.Demands
}

func New(cfg Config) *Cascade {
	if cfg.MaxRateDPS <= 0 {
		cfg.MaxRateDPS = 270
	}
	if cfg.IntegralLimit <= 0 {
		cfg.IntegralLimit = 0.25
	}
	if cfg.LoopInterval <= 0 {
		cfg.LoopInterval = 2 * time.Millisecond
	}
	c := &Cascade{
		cfg:     cfg,
		maxRate: cfg.MaxRateDPS * math.Pi / 180,
	}
	for axis, g := range [3]Gains{cfg.Roll, cfg.Pitch, cfg.Yaw} {
		c.axes[axis] = pid.Controller{
			Config: pid.ControllerConfig{
				ProportionalGain: g.P,
				IntegralGain:     g.I,
				DerivativeGain:   g.D,
			},
		}
	}
	return c
}

func (c *Cascade) Init() error {
	c.ResetIntegral()
	return nil
}

// UpdateAttitude records the latest orientation estimate for the leveling
// term.
func (c *Cascade) UpdateAttitude(att vehicle.Attitude) {
	c.att = att
}

// UpdateDemands records the latest raw pilot demands as the cascade
// setpoints.
func (c *Cascade) UpdateDemands(d vehicle.Demands) {
	c.pilot = d
}

// ModifyDemands replaces the roll, pitch and yaw channels of d with the
// cascade output for the given gyro rates (rad/s). Throttle and aux pass
// through unchanged.
func (c *Cascade) ModifyDemands(gyro [3]float64, d vehicle.Demands) vehicle.Demands {
	d.Roll = c.axisOutput(vehicle.AxisRoll, c.pilot.Roll, c.att.Roll, gyro[vehicle.AxisRoll])
	d.Pitch = c.axisOutput(vehicle.AxisPitch, c.pilot.Pitch, c.att.Pitch, gyro[vehicle.AxisPitch])
	d.Yaw = c.axisOutput(vehicle.AxisYaw, c.pilot.Yaw, 0, gyro[vehicle.AxisYaw])
	return d
}

func (c *Cascade) axisOutput(axis int, stick, angle, rate float64) float64 {
	target := stick*c.maxRate - c.cfg.LevelP*angle
	target = clamp(target, -c.maxRate, c.maxRate)

	ctl := &c.axes[axis]
	ctl.Update(pid.ControllerInput{
		ReferenceSignal:  target,
		ActualSignal:     rate,
		SamplingInterval: c.cfg.LoopInterval,
	})
	ctl.State.ControlErrorIntegral = clamp(ctl.State.ControlErrorIntegral,
		-c.cfg.IntegralLimit, c.cfg.IntegralLimit)

	return clamp(ctl.State.ControlSignal, -1, 1)
}

// ResetIntegral drops all accumulated controller state. Calling it again
// with no updates in between is a no-op.
func (c *Cascade) ResetIntegral() {
	for axis := range c.axes {
		c.axes[axis].Reset()
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
