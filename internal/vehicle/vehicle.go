package vehicle

import "math"

// Axis indexes into [3]float64 rate and acceleration vectors.
const (
	AxisRoll = iota
	AxisPitch
	AxisYaw
)

// Demands is one set of pilot stick demands. Roll, pitch and yaw are
// normalized to [-1,+1]; throttle uses stick units in [-1,+1] until the
// mixer maps it onto [0,1]. Aux is the auxiliary switch position, 0 when
// neutral.
//
// Demands is a plain value: stages that adjust it return a new copy.
type Demands struct {
	Throttle float64
	Roll     float64
	Pitch    float64
	Yaw      float64
	Aux      int
}

// Attitude is a vehicle orientation estimate in radians.
type Attitude struct {
	Roll  float64
	Pitch float64
	Yaw   float64
}

// Safety is the arming and failsafe state. It is owned by the flight loop
// and mutated only through the methods below.
//
// Invariant: Failsafe implies not Armed. Failsafe is sticky and cleared
// only by Disarm.
//
// Not safe for concurrent use.
type Safety struct {
	Armed       bool
	Failsafe    bool
	AuxValue    int
	YawAtArming float64
}

// TryArm arms the vehicle when every precondition holds: currently
// disarmed, an arm request present, the last recorded aux switch value
// neutral, no latched failsafe, and roll and pitch each within
// maxAngleRad. On success it records the yaw reference for headless
// flight and reports true. Any violated precondition refuses the
// transition without side effects.
func (s *Safety) TryArm(att Attitude, requested bool, maxAngleRad float64) bool {
	if s.Armed || !requested || s.Failsafe || s.AuxValue != 0 {
		return false
	}
	if math.Abs(att.Roll) >= maxAngleRad || math.Abs(att.Pitch) >= maxAngleRad {
		return false
	}
	s.Armed = true
	s.YawAtArming = att.Yaw
	return true
}

// Disarm clears the armed state. It is also the only way out of failsafe.
func (s *Safety) Disarm() {
	s.Armed = false
	s.Failsafe = false
}

// EnterFailsafe latches failsafe and drops the armed state in the same
// step.
func (s *Safety) EnterFailsafe() {
	s.Failsafe = true
	s.Armed = false
}

// SetAux records the auxiliary switch value and reports whether it
// changed.
func (s *Safety) SetAux(v int) bool {
	if v == s.AuxValue {
		return false
	}
	s.AuxValue = v
	return true
}
