package flight

import (
	"math"
	"testing"
	"time"

	"rotorfc/internal/alt"
	"rotorfc/internal/mixer"
	"rotorfc/internal/stab"
	"rotorfc/internal/vehicle"
)

// recordOutputs captures motor writes for the end-to-end scenarios.
type recordOutputs struct {
	motors [4]float64
}

func (r *recordOutputs) WriteMotor(i int, v float64) error {
	r.motors[i] = v
	return nil
}

func (r *recordOutputs) allAt(v float64) bool {
	for _, m := range r.motors {
		if m != v {
			return false
		}
	}
	return true
}

// newScenarioController wires the real cascade, estimator and mixer to
// scripted board and command fakes.
func newScenarioController() (*Controller, *fakeBoard, *fakeCommands, *recordOutputs) {
	b := &fakeBoard{}
	cmds := &fakeCommands{}
	outs := &recordOutputs{}
	st := stab.New(stab.Config{
		LevelP:       2.0,
		MaxRateDPS:   270,
		LoopInterval: 2 * time.Millisecond,
		Roll:         stab.Gains{P: 0.15, I: 0.10},
		Pitch:        stab.Gains{P: 0.15, I: 0.10},
		Yaw:          stab.Gains{P: 0.30, I: 0.05},
	})
	al := alt.New(alt.Config{
		AltP:         1,
		VelP:         0.1,
		ThrottleBand: 0.25,
		LoopInterval: 2 * time.Millisecond,
	})
	mx := mixer.New(outs, nil)
	c := New(Config{MaxArmingAngleDeg: 25}, Deps{
		Board: b, Commands: cmds, Stab: st, Alt: al, Mixer: mx,
	})
	return c, b, cmds, outs
}

func pressureAtM(h float64) float64 {
	return 101325.0 * math.Pow(1.0-h/44330.0, 5.255)
}

func TestScenario_ArmClimbAndHover(t *testing.T) {
	c, b, cmds, outs := newScenarioController()
	if err := c.Init(); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	// On the pad: level attitude, ground pressure settling in.
	b.feedAtt(vehicle.Attitude{})
	c.Tick()
	us := uint32(0)
	for i := 0; i < 20; i++ {
		us += 10000
		b.micros = us
		b.feedBaro(pressureAtM(0))
		c.Tick()
	}

	// Arm: throttle down, arm gesture.
	cmds.tdown = true
	cmds.arm = true
	cmds.feed(vehicle.Demands{Throttle: -1})
	c.Tick()
	if !c.Status().Armed {
		t.Fatal("expected armed on the pad")
	}
	cmds.arm = false

	// Throttle down keeps motors cut even with fresh gyro data.
	b.feedGyro([3]float64{})
	c.Tick()
	if !outs.allAt(0) {
		t.Fatalf("motors=%v want all cut while landed", outs.motors)
	}

	// Pilot raises throttle: motors spin per the mix, all equal for a
	// level vehicle with centered cyclic sticks.
	cmds.tdown = false
	cmds.feed(vehicle.Demands{Throttle: 0.2})
	c.Tick()
	b.feedGyro([3]float64{})
	c.Tick()
	want := (0.2 + 1) / 2
	for i, m := range outs.motors {
		if math.Abs(m-want) > 1e-9 {
			t.Fatalf("motor %d=%v want %v", i, m, want)
		}
	}
}

func TestScenario_AltitudeHoldTrimsHoverThrottle(t *testing.T) {
	c, b, cmds, outs := newScenarioController()
	if err := c.Init(); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	// Calibrate ground pressure, arm, lift off.
	b.feedAtt(vehicle.Attitude{})
	c.Tick()
	us := uint32(0)
	for i := 0; i < 20; i++ {
		us += 10000
		b.micros = us
		b.feedBaro(pressureAtM(0))
		c.Tick()
	}
	cmds.tdown = true
	cmds.arm = true
	cmds.feed(vehicle.Demands{Throttle: -1})
	c.Tick()
	cmds.tdown = false
	cmds.arm = false

	// Airborne at hover throttle; accelerometer is alive.
	us += 10000
	b.micros = us
	b.feedAccel([3]float64{0, 0, 1})
	c.Tick()
	cmds.feed(vehicle.Demands{Throttle: 0.2})
	c.Tick()

	// Engage the hold at the current altitude.
	cmds.feed(vehicle.Demands{Throttle: 0.2, Aux: 2})
	c.Tick()
	if !c.Status().HoldEngaged {
		t.Fatal("expected altitude hold engaged")
	}

	// The vehicle drifts up five meters.
	for i := 0; i < 300; i++ {
		us += 10000
		b.micros = us
		b.feedBaro(pressureAtM(5))
		c.Tick()
	}
	if got := c.Status().Estimate.AltitudeM; got < 3 {
		t.Fatalf("altitude estimate=%v want a few meters up", got)
	}

	// Hold must command less than hover throttle to bring it back.
	b.feedGyro([3]float64{})
	c.Tick()
	hover := (0.2 + 1) / 2
	for i, m := range outs.motors {
		if m >= hover {
			t.Fatalf("motor %d=%v want below hover %v while sinking back", i, m, hover)
		}
	}

	// Releasing the switch restores pilot throttle.
	cmds.feed(vehicle.Demands{Throttle: 0.2, Aux: 0})
	c.Tick()
	b.feedGyro([3]float64{})
	c.Tick()
	for i, m := range outs.motors {
		if math.Abs(m-hover) > 0.05 {
			t.Fatalf("motor %d=%v want near hover %v after release", i, m, hover)
		}
	}
}

func TestScenario_SignalLossThenRecovery(t *testing.T) {
	c, b, cmds, outs := newScenarioController()
	if err := c.Init(); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	// Arm and fly.
	b.feedAtt(vehicle.Attitude{})
	c.Tick()
	cmds.tdown = true
	cmds.arm = true
	cmds.feed(vehicle.Demands{Throttle: -1})
	c.Tick()
	cmds.tdown = false
	cmds.arm = false
	cmds.feed(vehicle.Demands{Throttle: 0.3})
	c.Tick()
	b.feedGyro([3]float64{})
	c.Tick()
	if outs.allAt(0) {
		t.Fatal("expected spinning motors before signal loss")
	}

	// Transmitter disappears mid-flight.
	cmds.lost = true
	b.feedGyro([3]float64{})
	c.Tick()
	if !outs.allAt(0) {
		t.Fatalf("motors=%v want cut on signal loss", outs.motors)
	}
	st := c.Status()
	if st.Armed || !st.Failsafe {
		t.Fatalf("armed=%v failsafe=%v want failsafe latched", st.Armed, st.Failsafe)
	}

	// Link comes back: still latched, still silent.
	cmds.lost = false
	cmds.feed(vehicle.Demands{Throttle: 0.3})
	c.Tick()
	b.feedGyro([3]float64{})
	c.Tick()
	if !outs.allAt(0) || !c.Status().Failsafe {
		t.Fatal("failsafe must stay latched until explicit disarm")
	}

	// Pilot disarms, then re-arms level: normal flight again.
	cmds.tdown = true
	cmds.disarm = true
	cmds.feed(vehicle.Demands{Throttle: -1})
	c.Tick()
	cmds.disarm = false
	if c.Status().Failsafe {
		t.Fatal("disarm must clear failsafe")
	}
	cmds.arm = true
	cmds.feed(vehicle.Demands{Throttle: -1})
	c.Tick()
	if !c.Status().Armed {
		t.Fatal("expected re-arm after recovery")
	}
	cmds.tdown = false
	cmds.arm = false
	cmds.feed(vehicle.Demands{Throttle: 0.3})
	c.Tick()
	b.feedGyro([3]float64{})
	c.Tick()
	if outs.allAt(0) {
		t.Fatal("expected motors back after recovery")
	}
}
