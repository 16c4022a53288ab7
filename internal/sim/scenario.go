package sim

import (
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"rotorfc/internal/vehicle"
)

// Script is a deterministic, script-driven flight description.
//
// Time is expressed as Go duration strings (e.g. "0s", "250ms", "10s").
// If Duration is zero, it is derived from the latest keyframe time.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 30s
//	vehicle:
//	  keyframes:
//	    - t: 0s
//	      roll_deg: 0
//	      pitch_deg: 0
//	      yaw_deg: 0
//	      roll_dps: 0
//	      pitch_dps: 0
//	      yaw_dps: 0
//	      accel_z_g: 1
//	      pressure_pa: 101325
//	sticks:
//	  keyframes:
//	    - t: 0s
//	      throttle: -1
//	      yaw: 0
//	      aux: -1
//
// Keyframes must be sorted by non-decreasing t. State between keyframes
// is linearly interpolated, so place two adjacent keyframes wherever a
// value must step (switch flips, signal loss).
//
// Keep this struct stable: scripts are test fixtures.
type Script struct {
	Version  int           `yaml:"version"`
	Duration time.Duration `yaml:"duration"`
	Vehicle  ScriptVehicle `yaml:"vehicle"`
	Sticks   ScriptSticks  `yaml:"sticks"`
}

// ScriptVehicle describes the vehicle state timeline.
type ScriptVehicle struct {
	Keyframes []VehicleKeyframe `yaml:"keyframes"`
}

// VehicleKeyframe is a time-stamped vehicle state. Angles are degrees,
// rates degrees per second. An accel_z_g of zero reads as 1 g and a
// pressure_pa of zero as standard sea level, so resting keyframes can
// omit them.
type VehicleKeyframe struct {
	T          time.Duration `yaml:"t"`
	RollDeg    float64       `yaml:"roll_deg"`
	PitchDeg   float64       `yaml:"pitch_deg"`
	YawDeg     float64       `yaml:"yaw_deg"`
	RollDPS    float64       `yaml:"roll_dps"`
	PitchDPS   float64       `yaml:"pitch_dps"`
	YawDPS     float64       `yaml:"yaw_dps"`
	AccelZG    float64       `yaml:"accel_z_g"`
	PressurePa float64       `yaml:"pressure_pa"`
}

// ScriptSticks describes the pilot stick timeline.
type ScriptSticks struct {
	Keyframes []StickKeyframe `yaml:"keyframes"`
}

// StickKeyframe is a time-stamped stick state, each channel in [-1,+1].
// An aux of -1 is the released switch. Lost marks the transmitter as
// gone from this keyframe until a later keyframe clears it.
type StickKeyframe struct {
	T        time.Duration `yaml:"t"`
	Throttle float64       `yaml:"throttle"`
	Roll     float64       `yaml:"roll"`
	Pitch    float64       `yaml:"pitch"`
	Yaw      float64       `yaml:"yaw"`
	Aux      float64       `yaml:"aux"`
	Lost     bool          `yaml:"lost"`
}

// StickState is the sampled pilot input at a time.
type StickState struct {
	Throttle float64
	Roll     float64
	Pitch    float64
	Yaw      float64
	Aux      float64
	Lost     bool
}

// State is the sampled world at a time. Attitude and gyro rates are in
// radians; the flight code never sees script degrees.
type State struct {
	Attitude   vehicle.Attitude
	Gyro       [3]float64
	AccelZG    float64
	PressurePa float64
	Sticks     StickState
}

// Scenario is the validated, runtime representation. Use StateAt to
// compute the deterministic state at a given elapsed time.
type Scenario struct {
	script Script
	// Derived duration (script.Duration or max keyframe time).
	duration time.Duration
}

// LoadScript reads and unmarshals a YAML scenario script from path.
func LoadScript(path string) (Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Script{}, err
	}
	return ParseScriptYAML(b)
}

// ParseScriptYAML parses a YAML scenario script.
func ParseScriptYAML(b []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Script{}, err
	}
	return s, nil
}

// NewScenario validates script and returns a runtime Scenario.
func NewScenario(script Script) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	if len(script.Vehicle.Keyframes) == 0 {
		return nil, fmt.Errorf("vehicle.keyframes is required")
	}
	if err := validateNonDecreasingVehicle(script.Vehicle.Keyframes); err != nil {
		return nil, err
	}
	if len(script.Sticks.Keyframes) == 0 {
		return nil, fmt.Errorf("sticks.keyframes is required")
	}
	if err := validateNonDecreasingSticks(script.Sticks.Keyframes); err != nil {
		return nil, err
	}

	dur := script.Duration
	if dur <= 0 {
		dur = maxKeyframeTime(script)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration is required (or deriveable from keyframes)")
	}

	return &Scenario{script: script, duration: dur}, nil
}

// Duration returns the effective scenario duration.
func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// StateAt computes the world state at elapsed.
//
// If loop is true, elapsed wraps around Duration(). Otherwise elapsed is
// clamped to [0, Duration()].
func (s *Scenario) StateAt(elapsed time.Duration, loop bool) State {
	if s == nil {
		return State{AccelZG: 1, PressurePa: seaLevelPa}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if s.duration > 0 {
		if loop {
			elapsed = elapsed % s.duration
		} else if elapsed > s.duration {
			elapsed = s.duration
		}
	}

	return State{
		Attitude:   sampleAttitude(s.script.Vehicle.Keyframes, elapsed),
		Gyro:       sampleGyro(s.script.Vehicle.Keyframes, elapsed),
		AccelZG:    sampleAccel(s.script.Vehicle.Keyframes, elapsed),
		PressurePa: samplePressure(s.script.Vehicle.Keyframes, elapsed),
		Sticks:     sampleSticks(s.script.Sticks.Keyframes, elapsed),
	}
}

const seaLevelPa = 101325.0

func validateNonDecreasingVehicle(kfs []VehicleKeyframe) error {
	for i := range kfs {
		if kfs[i].T < 0 {
			return fmt.Errorf("vehicle.keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && kfs[i].T < kfs[i-1].T {
			return fmt.Errorf("vehicle.keyframes must be sorted by t (index %d)", i)
		}
	}
	return nil
}

func validateNonDecreasingSticks(kfs []StickKeyframe) error {
	for i := range kfs {
		if kfs[i].T < 0 {
			return fmt.Errorf("sticks.keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && kfs[i].T < kfs[i-1].T {
			return fmt.Errorf("sticks.keyframes must be sorted by t (index %d)", i)
		}
	}
	return nil
}

func maxKeyframeTime(s Script) time.Duration {
	max := time.Duration(0)
	for _, kf := range s.Vehicle.Keyframes {
		if kf.T > max {
			max = kf.T
		}
	}
	for _, kf := range s.Sticks.Keyframes {
		if kf.T > max {
			max = kf.T
		}
	}
	return max
}

const degToRad = math.Pi / 180

func sampleAttitude(kfs []VehicleKeyframe, t time.Duration) vehicle.Attitude {
	k0, k1, alpha := selectSegmentVehicle(kfs, t)
	return vehicle.Attitude{
		Roll:  lerp(k0.RollDeg, k1.RollDeg, alpha) * degToRad,
		Pitch: lerp(k0.PitchDeg, k1.PitchDeg, alpha) * degToRad,
		Yaw:   lerpAngleDeg(k0.YawDeg, k1.YawDeg, alpha) * degToRad,
	}
}

func sampleGyro(kfs []VehicleKeyframe, t time.Duration) [3]float64 {
	k0, k1, alpha := selectSegmentVehicle(kfs, t)
	return [3]float64{
		lerp(k0.RollDPS, k1.RollDPS, alpha) * degToRad,
		lerp(k0.PitchDPS, k1.PitchDPS, alpha) * degToRad,
		lerp(k0.YawDPS, k1.YawDPS, alpha) * degToRad,
	}
}

func sampleAccel(kfs []VehicleKeyframe, t time.Duration) float64 {
	k0, k1, alpha := selectSegmentVehicle(kfs, t)
	a0, a1 := k0.AccelZG, k1.AccelZG
	if a0 == 0 {
		a0 = 1
	}
	if a1 == 0 {
		a1 = 1
	}
	return lerp(a0, a1, alpha)
}

func samplePressure(kfs []VehicleKeyframe, t time.Duration) float64 {
	k0, k1, alpha := selectSegmentVehicle(kfs, t)
	p0, p1 := k0.PressurePa, k1.PressurePa
	if p0 == 0 {
		p0 = seaLevelPa
	}
	if p1 == 0 {
		p1 = seaLevelPa
	}
	return lerp(p0, p1, alpha)
}

func sampleSticks(kfs []StickKeyframe, t time.Duration) StickState {
	k0, k1, alpha := selectSegmentSticks(kfs, t)
	return StickState{
		Throttle: lerp(k0.Throttle, k1.Throttle, alpha),
		Roll:     lerp(k0.Roll, k1.Roll, alpha),
		Pitch:    lerp(k0.Pitch, k1.Pitch, alpha),
		Yaw:      lerp(k0.Yaw, k1.Yaw, alpha),
		Aux:      lerp(k0.Aux, k1.Aux, alpha),
		// Booleans hold the left keyframe's value until the next one.
		Lost: k0.Lost,
	}
}

func selectSegmentVehicle(kfs []VehicleKeyframe, t time.Duration) (VehicleKeyframe, VehicleKeyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return k0, k1, alpha
}

func selectSegmentSticks(kfs []StickKeyframe, t time.Duration) (StickKeyframe, StickKeyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return k0, k1, alpha
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func lerpAngleDeg(a0, a1, t float64) float64 {
	// Shortest-path interpolation across wraparound.
	// Normalize to [0, 360).
	norm := func(x float64) float64 {
		for x < 0 {
			x += 360
		}
		for x >= 360 {
			x -= 360
		}
		return x
	}
	a0 = norm(a0)
	a1 = norm(a1)
	delta := a1 - a0
	if delta > 180 {
		delta -= 360
	} else if delta < -180 {
		delta += 360
	}
	return norm(a0 + delta*t)
}
