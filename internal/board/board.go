// Package board provides the vehicle's hardware abstraction. Sim plays
// a scripted world for bench runs and tests; the rpi subpackage drives
// real sensors and ESCs.
package board

import (
	"fmt"
	"time"

	"rotorfc/internal/flight"
	"rotorfc/internal/receiver"
	"rotorfc/internal/sim"
	"rotorfc/internal/vehicle"
)

type SimConfig struct {
	// FramePeriod paces scripted stick frames; the default 20ms mimics
	// a 50 Hz link.
	FramePeriod time.Duration
	// Loop replays the script from the start when it ends.
	Loop bool
}

// Sim is a scripted board. It stands in for the whole vehicle: sensors
// and pilot sticks come from a scenario script, motor writes and the
// arming LED are recorded. It serves as flight.Board, mixer.Outputs and
// receiver.Backend at once, all from the single scripted timeline.
//
// Not safe for concurrent use; the flight loop owns it.
type Sim struct {
	cfg      SimConfig
	scenario *sim.Scenario

	nowFn func() time.Time
	start time.Time

	haveFrame bool
	lastFrame time.Duration

	motors   [4]float64
	led      bool
	auxCalls int
	lastAux  AuxSnapshot
}

// AuxSnapshot is the last telemetry exchange, for inspection.
type AuxSnapshot struct {
	Attitude vehicle.Attitude
	Armed    bool
	Demands  vehicle.Demands
	Motors   []float64
}

func NewSim(scenario *sim.Scenario, cfg SimConfig) *Sim {
	if cfg.FramePeriod <= 0 {
		cfg.FramePeriod = 20 * time.Millisecond
	}
	return &Sim{cfg: cfg, scenario: scenario, nowFn: time.Now}
}

// Init starts the scripted clock. Part of the board surface.
func (s *Sim) Init() error {
	s.markStart()
	return nil
}

// Begin starts the scripted clock. Part of the receiver backend
// surface; Init and Begin are idempotent so the same Sim can serve as
// both board and command source.
func (s *Sim) Begin() error {
	s.markStart()
	return nil
}

func (s *Sim) markStart() {
	if s.start.IsZero() {
		s.start = s.nowFn()
	}
}

func (s *Sim) elapsed() time.Duration {
	if s.start.IsZero() {
		return 0
	}
	return s.nowFn().Sub(s.start)
}

func (s *Sim) state() sim.State {
	return s.scenario.StateAt(s.elapsed(), s.cfg.Loop)
}

func (s *Sim) GyroRates() ([3]float64, bool) {
	return s.state().Gyro, true
}

func (s *Sim) Attitude() (vehicle.Attitude, bool) {
	return s.state().Attitude, true
}

func (s *Sim) Accel() ([3]float64, bool) {
	return [3]float64{0, 0, s.state().AccelZG}, true
}

func (s *Sim) Barometer() (float64, bool) {
	return s.state().PressurePa, true
}

func (s *Sim) Micros() uint32 {
	return uint32(s.elapsed().Microseconds())
}

func (s *Sim) ShowArmedStatus(on bool) {
	s.led = on
}

func (s *Sim) AuxComms(att vehicle.Attitude, armed bool, link flight.AuxLink) {
	s.auxCalls++
	s.lastAux = AuxSnapshot{
		Attitude: att,
		Armed:    armed,
		Demands:  link.LastDemands(),
		Motors:   link.Motors(),
	}
}

// WriteMotor records one motor command. Part of the mixer output
// surface.
func (s *Sim) WriteMotor(index int, value float64) error {
	if index < 0 || index >= len(s.motors) {
		return fmt.Errorf("motor index %d out of range", index)
	}
	s.motors[index] = value
	return nil
}

// GotNewFrame paces scripted stick frames at the configured rate and
// goes silent while the script marks the transmitter lost.
func (s *Sim) GotNewFrame() bool {
	if s.state().Sticks.Lost {
		return false
	}
	e := s.elapsed()
	if s.haveFrame && e-s.lastFrame < s.cfg.FramePeriod {
		return false
	}
	s.haveFrame = true
	s.lastFrame = e
	return true
}

func (s *Sim) ReadRawChannels(dst []float64) {
	st := s.state().Sticks
	if len(dst) < receiver.NumChannels {
		return
	}
	dst[receiver.ChanThrottle] = st.Throttle
	dst[receiver.ChanRoll] = st.Roll
	dst[receiver.ChanPitch] = st.Pitch
	dst[receiver.ChanYaw] = st.Yaw
	dst[receiver.ChanAux] = st.Aux
}

func (s *Sim) LostSignal() bool {
	return s.state().Sticks.Lost
}

func (s *Sim) UsesSerial() bool { return false }

// Motors returns the recorded motor commands.
func (s *Sim) Motors() []float64 {
	out := make([]float64, len(s.motors))
	copy(out, s.motors[:])
	return out
}

// LED reports the recorded arming indicator state.
func (s *Sim) LED() bool { return s.led }

// LastAux returns the most recent telemetry exchange.
func (s *Sim) LastAux() AuxSnapshot { return s.lastAux }
