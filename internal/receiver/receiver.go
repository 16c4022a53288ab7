package receiver

import (
	"math"

	"rotorfc/internal/vehicle"
)

// Channel indexes into raw frames. Backends normalize whatever their
// transport carries onto these slots, each in [-1,+1].
const (
	ChanThrottle = iota
	ChanRoll
	ChanPitch
	ChanYaw
	ChanAux
	NumChannels = 8
)

// Stick gesture levels.
const (
	throttleDownMax = -0.90
	gestureYawMin   = 0.80
)

// Backend is one command transport: a serial satellite, a networked app
// link, or a scripted source.
type Backend interface {
	Begin() error
	GotNewFrame() bool
	ReadRawChannels(dst []float64)
	LostSignal() bool
	// UsesSerial reports whether the backend owns the vehicle's serial
	// port, so other collaborators leave it alone.
	UsesSerial() bool
}

// HeadlessRequester is an optional Backend extension for transports
// whose protocol lets the pilot toggle headless mode in flight.
type HeadlessRequester interface {
	HeadlessRequested() bool
}

type Trims struct {
	Roll  float64
	Pitch float64
	Yaw   float64
}

type Config struct {
	// Headless re-projects cyclic sticks onto the heading held at arming.
	Headless bool
	Trims    Trims
}

// Receiver shapes raw backend channels into pilot demands and detects
// the arm and disarm stick gestures.
//
// Not safe for concurrent use; the flight loop owns it.
type Receiver struct {
	cfg     Config
	backend Backend

	raw       [NumChannels]float64
	demands   vehicle.Demands
	haveFrame bool
}

func New(cfg Config, b Backend) *Receiver {
	return &Receiver{cfg: cfg, backend: b}
}

func (r *Receiver) Init() error {
	return r.backend.Begin()
}

// PollDemands returns the demands of a freshly received frame, or false
// when no new frame has arrived. yawDelta is the vehicle's yaw minus the
// yaw captured at arming; headless mode rotates the cyclic sticks by it
// so the pilot's frame of reference stays fixed.
func (r *Receiver) PollDemands(yawDelta float64) (vehicle.Demands, bool) {
	if !r.backend.GotNewFrame() {
		return vehicle.Demands{}, false
	}
	r.backend.ReadRawChannels(r.raw[:])
	r.haveFrame = true

	roll := clamp(r.raw[ChanRoll]+r.cfg.Trims.Roll, -1, 1)
	pitch := clamp(r.raw[ChanPitch]+r.cfg.Trims.Pitch, -1, 1)
	if r.headless() {
		c, s := math.Cos(yawDelta), math.Sin(yawDelta)
		roll, pitch = roll*c+pitch*s, pitch*c-roll*s
	}

	r.demands = vehicle.Demands{
		Throttle: clamp(r.raw[ChanThrottle], -1, 1),
		Roll:     roll,
		Pitch:    pitch,
		Yaw:      clamp(r.raw[ChanYaw]+r.cfg.Trims.Yaw, -1, 1),
		Aux:      auxPosition(r.raw[ChanAux]),
	}
	return r.demands, true
}

// ThrottleIsDown reports whether the last frame held the throttle stick
// at its low end.
func (r *Receiver) ThrottleIsDown() bool {
	return r.haveFrame && r.raw[ChanThrottle] <= throttleDownMax
}

// ArmingRequested reports the arm gesture: throttle down, yaw hard right.
func (r *Receiver) ArmingRequested() bool {
	return r.ThrottleIsDown() && r.raw[ChanYaw] >= gestureYawMin
}

// DisarmingRequested reports the disarm gesture: throttle down, yaw hard
// left.
func (r *Receiver) DisarmingRequested() bool {
	return r.ThrottleIsDown() && r.raw[ChanYaw] <= -gestureYawMin
}

func (r *Receiver) headless() bool {
	if r.cfg.Headless {
		return true
	}
	hr, ok := r.backend.(HeadlessRequester)
	return ok && hr.HeadlessRequested()
}

func (r *Receiver) LostSignal() bool {
	return r.backend.LostSignal()
}

func (r *Receiver) UsesSerial() bool {
	return r.backend.UsesSerial()
}

// LastDemands returns the demands of the most recent frame, for
// telemetry.
func (r *Receiver) LastDemands() vehicle.Demands {
	return r.demands
}

// auxPosition maps a [-1,+1] channel onto switch positions 0, 1, 2.
func auxPosition(v float64) int {
	switch {
	case v < -0.33:
		return 0
	case v < 0.33:
		return 1
	default:
		return 2
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
