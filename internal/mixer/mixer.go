package mixer

import (
	"log"
	"math"
	"time"

	"rotorfc/internal/vehicle"
)

// Outputs drives the physical motors. Boards implement it.
type Outputs interface {
	WriteMotor(index int, value float64) error
}

// Mix is one motor's contribution per demand channel.
type Mix struct {
	Throttle float64
	Roll     float64
	Pitch    float64
	Yaw      float64
}

// QuadX is the stock geometry.
func QuadX() []Mix {
	return []Mix{
		//  Th  RR  PF  YR
		{+1, -1, -1, +1}, // right front
		{+1, +1, +1, +1}, // left rear
		{+1, +1, -1, -1}, // left front
		{+1, -1, +1, -1}, // right rear
	}
}

// Mixer maps a demand vector onto motor values in [0,1] and is the last
// stage before hardware: malformed demands are neutralized here, never
// written out.
//
// Not safe for concurrent use; the flight loop owns it.
type Mixer struct {
	out    Outputs
	mix    []Mix
	motors []float64

	writeErrs  uint64
	lastErrLog time.Time
}

func New(out Outputs, mix []Mix) *Mixer {
	if len(mix) == 0 {
		mix = QuadX()
	}
	return &Mixer{
		out:    out,
		mix:    mix,
		motors: make([]float64, len(mix)),
	}
}

func (m *Mixer) Init() error {
	m.Cut()
	return nil
}

// RunArmed mixes one demand vector into motor commands. Throttle maps
// from stick units [-1,+1] onto [0,1]; roll, pitch and yaw contribute
// signed terms per the geometry; every motor value is clamped to [0,1].
// NaN and infinite channels are treated as idle throttle and centered
// cyclic so they cannot reach the hardware.
func (m *Mixer) RunArmed(d vehicle.Demands) {
	t := clamp(sanitize((d.Throttle+1)/2), 0, 1)
	r := clamp(sanitize(d.Roll), -1, 1)
	p := clamp(sanitize(d.Pitch), -1, 1)
	y := clamp(sanitize(d.Yaw), -1, 1)

	for i, mx := range m.mix {
		v := t*mx.Throttle + r*mx.Roll + p*mx.Pitch + y*mx.Yaw
		m.motors[i] = clamp(v, 0, 1)
		m.write(i, m.motors[i])
	}
}

// Cut stops every motor immediately.
func (m *Mixer) Cut() {
	for i := range m.mix {
		m.motors[i] = 0
		m.write(i, 0)
	}
}

// Motors returns the last commanded motor values.
func (m *Mixer) Motors() []float64 {
	out := make([]float64, len(m.motors))
	copy(out, m.motors)
	return out
}

func (m *Mixer) write(i int, v float64) {
	if err := m.out.WriteMotor(i, v); err != nil {
		m.writeErrs++
		if time.Since(m.lastErrLog) >= time.Second {
			m.lastErrLog = time.Now()
			log.Printf("mixer: motor %d write failed (%d total): %v", i, m.writeErrs, err)
		}
	}
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
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
