package alt

import (
	"math"
	"time"

	"go.einride.tech/pid"

	"rotorfc/internal/vehicle"
)

const (
	gravityMS2     = 9.80665
	accelDeadbandG = 0.02

	// Complementary filter weights: accelerometer dead reckoning is
	// trusted short-term, the barometer pulls the estimate back long-term.
	cfAlt = 0.965
	cfVel = 0.985

	// Low-pass weight for the raw baro climb rate.
	baroVsAlpha = 0.2
)

type Config struct {
	// AltP converts altitude error (m) into a climb rate target (m/s).
	AltP float64
	// VelP, VelI, VelD act on the climb rate error.
	VelP float64
	VelI float64
	VelD float64
	// ThrottleBand bounds the hold correction magnitude in stick units.
	ThrottleBand float64
	// LoopInterval is the nominal time between corrections.
	LoopInterval time.Duration
}

// Estimate is the fused altitude state, for telemetry and status logging.
type Estimate struct {
	AltitudeM   float64
	ClimbRateMS float64
}

// Estimator fuses vertical acceleration with barometric altitude and,
// when the hold is engaged through the aux switch, trims the throttle
// demand to keep the captured altitude.
//
// Not safe for concurrent use; the flight loop owns it.
type Estimator struct {
	cfg Config
	vel pid.Controller

	groundPressure float64
	haveGround     bool

	haveAccel   bool
	lastAccelUS uint32

	haveBaro    bool
	lastBaroUS  uint32
	lastBaroAlt float64
	baroAltM    float64
	baroVelMS   float64

	altM  float64
	velMS float64

	engaged      bool
	targetAltM   float64
	holdThrottle float64
}

func New(cfg Config) *Estimator {
	if cfg.AltP <= 0 {
		cfg.AltP = 15
	}
	if cfg.VelP <= 0 {
		cfg.VelP = 15
	}
	if cfg.ThrottleBand <= 0 {
		cfg.ThrottleBand = 0.25
	}
	if cfg.LoopInterval <= 0 {
		cfg.LoopInterval = 2 * time.Millisecond
	}
	return &Estimator{
		cfg: cfg,
		vel: pid.Controller{
			Config: pid.ControllerConfig{
				ProportionalGain: cfg.VelP,
				IntegralGain:     cfg.VelI,
				DerivativeGain:   cfg.VelD,
			},
		},
	}
}

// UpdateAccel integrates one accelerometer sample (body frame, g) into
// the climb rate and altitude dead reckoning. Microsecond timestamps may
// wrap; deltas are computed wrap-safe.
func (e *Estimator) UpdateAccel(sample [3]float64, micros uint32) {
	az := sample[2] - 1
	if math.Abs(az) < accelDeadbandG {
		az = 0
	}

	if e.haveAccel {
		dt := float64(micros-e.lastAccelUS) * 1e-6
		if dt > 0 && dt < 0.5 {
			e.velMS += az * gravityMS2 * dt
			e.altM += e.velMS * dt
		}
	}
	e.haveAccel = true
	e.lastAccelUS = micros
}

// UpdateBaro consumes one pressure sample (Pa). While disarmed it
// calibrates the ground pressure reference and pins the estimate to the
// ground; while armed it blends barometric altitude and climb rate into
// the fused state.
func (e *Estimator) UpdateBaro(armed bool, pressurePa float64, micros uint32) {
	if pressurePa <= 0 {
		return
	}

	if !armed {
		if !e.haveGround {
			e.groundPressure = pressurePa
			e.haveGround = true
		} else {
			e.groundPressure = 0.8*e.groundPressure + 0.2*pressurePa
		}
		e.altM = 0
		e.velMS = 0
		e.baroVelMS = 0
		e.haveBaro = false
		return
	}

	if !e.haveGround {
		// Armed without a ground reference: take the first sample as ground.
		e.groundPressure = pressurePa
		e.haveGround = true
	}

	altM := pressureToAltitudeM(pressurePa) - pressureToAltitudeM(e.groundPressure)
	if e.haveBaro {
		dt := float64(micros-e.lastBaroUS) * 1e-6
		if dt > 0 && dt < 1 {
			rawVs := (altM - e.lastBaroAlt) / dt
			// Simple low-pass to reduce noise.
			e.baroVelMS = (1-baroVsAlpha)*e.baroVelMS + baroVsAlpha*rawVs
		}
	}
	e.lastBaroUS = micros
	e.lastBaroAlt = altM
	e.baroAltM = altM
	e.haveBaro = true

	e.velMS = cfVel*e.velMS + (1-cfVel)*e.baroVelMS
	e.altM = cfAlt*e.altM + (1-cfAlt)*e.baroAltM
}

// HandleAuxSwitch engages the hold when the aux switch leaves neutral,
// capturing the current altitude and throttle, and releases it when the
// switch returns to neutral. The flight loop calls this on aux edges
// only.
func (e *Estimator) HandleAuxSwitch(d vehicle.Demands) {
	if d.Aux > 0 {
		if !e.engaged {
			e.engaged = true
			e.targetAltM = e.altM
			e.holdThrottle = d.Throttle
			e.vel.Reset()
		}
		return
	}
	e.engaged = false
}

// ModifyDemands replaces the throttle channel with the hold correction
// while the hold is engaged. Until at least one accelerometer sample has
// been integrated the demand passes through untouched.
func (e *Estimator) ModifyDemands(d vehicle.Demands) vehicle.Demands {
	if !e.engaged || !e.haveAccel {
		return d
	}

	velTarget := e.cfg.AltP * (e.targetAltM - e.altM)
	e.vel.Update(pid.ControllerInput{
		ReferenceSignal:  velTarget,
		ActualSignal:     e.velMS,
		SamplingInterval: e.cfg.LoopInterval,
	})
	if e.cfg.VelI > 0 {
		lim := e.cfg.ThrottleBand / e.cfg.VelI
		e.vel.State.ControlErrorIntegral = clamp(e.vel.State.ControlErrorIntegral, -lim, lim)
	}

	corr := clamp(e.vel.State.ControlSignal, -e.cfg.ThrottleBand, e.cfg.ThrottleBand)
	d.Throttle = clamp(e.holdThrottle+corr, -1, 1)
	return d
}

// Engaged reports whether altitude hold is active.
func (e *Estimator) Engaged() bool { return e.engaged }

// Estimate returns the fused altitude and climb rate.
func (e *Estimator) Estimate() Estimate {
	return Estimate{AltitudeM: e.altM, ClimbRateMS: e.velMS}
}

func pressureToAltitudeM(pressurePa float64) float64 {
	// International Standard Atmosphere approximation.
	// h(m) = 44330 * (1 - (p/p0)^(1/5.255))
	p0 := 101325.0
	return 44330.0 * (1.0 - math.Pow(pressurePa/p0, 1.0/5.255))
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
