package rpi

import "math"

// estimator is the complementary attitude filter. Roll and pitch come
// from gyro integration pulled toward the accelerometer's gravity
// solution; yaw is gyro-only and wraps to [-pi, pi).
type estimator struct {
	// tau weights the integrated estimate against the accel solution:
	// alpha = tau / (tau + dt) per update.
	tau float64

	have  bool
	roll  float64
	pitch float64
	yaw   float64
}

// update advances the estimate by one IMU sample. rates are body rates
// in rad/s with bias already removed, accel is in g. A dt of zero (or
// an unusable one) snaps roll and pitch to the accel solution.
func (e *estimator) update(rates, accel [3]float64, dt float64) {
	accRoll := math.Atan2(accel[1], accel[2])
	accPitch := math.Atan2(-accel[0], math.Sqrt(accel[1]*accel[1]+accel[2]*accel[2]))

	if !e.have || dt <= 0 {
		e.roll = accRoll
		e.pitch = accPitch
		e.have = true
		return
	}

	e.roll += rates[0] * dt
	e.pitch += rates[1] * dt
	e.yaw = wrapPi(e.yaw + rates[2]*dt)

	alpha := e.tau / (e.tau + dt)
	e.roll = alpha*e.roll + (1-alpha)*accRoll
	e.pitch = alpha*e.pitch + (1-alpha)*accPitch
}

func wrapPi(a float64) float64 {
	for a >= math.Pi {
		a -= 2 * math.Pi
	}
	for a < -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
