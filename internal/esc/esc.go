// Package esc drives brushless motor controllers through hardware PWM.
//
// Each motor gets one sysfs PWM channel. Throttle in [0,1] maps onto a
// 1000..2000 us pulse inside a fixed period; 400 Hz (a 2.5 ms period)
// suits standard ESC firmware.
package esc

import (
	"fmt"
	"math"
	"time"
)

var openChannelFn = openChannel

const (
	defaultPeriod   = 2500 * time.Microsecond
	defaultMinPulse = 1000 * time.Microsecond
	defaultMaxPulse = 2000 * time.Microsecond
)

type Config struct {
	// Chip is the sysfs pwmchip number.
	Chip int
	// Channels lists one PWM channel per motor, in motor order.
	Channels []int
	Period   time.Duration
	MinPulse time.Duration
	MaxPulse time.Duration
}

// channelDriver is one PWM output line.
type channelDriver interface {
	SetPeriod(p time.Duration) error
	SetPulse(width time.Duration) error
	Close() error
}

// Bank owns the motor outputs. Not safe for concurrent use; the flight
// loop is the only writer.
type Bank struct {
	cfg   Config
	chans []channelDriver
}

func New(cfg Config) *Bank {
	if cfg.Period <= 0 {
		cfg.Period = defaultPeriod
	}
	if cfg.MinPulse <= 0 {
		cfg.MinPulse = defaultMinPulse
	}
	if cfg.MaxPulse <= cfg.MinPulse {
		cfg.MaxPulse = defaultMaxPulse
	}
	return &Bank{cfg: cfg}
}

// Begin opens every channel and latches the minimum pulse, so the ESCs
// see a valid stop signal before anything arms.
func (b *Bank) Begin() error {
	if len(b.cfg.Channels) == 0 {
		return fmt.Errorf("esc: no channels configured")
	}
	if b.cfg.MaxPulse > b.cfg.Period {
		return fmt.Errorf("esc: max pulse %v exceeds period %v", b.cfg.MaxPulse, b.cfg.Period)
	}

	for _, ch := range b.cfg.Channels {
		drv, err := openChannelFn(b.cfg.Chip, ch)
		if err != nil {
			b.closeAll()
			return fmt.Errorf("esc: open pwm%d on chip %d: %w", ch, b.cfg.Chip, err)
		}
		b.chans = append(b.chans, drv)

		if err := drv.SetPeriod(b.cfg.Period); err != nil {
			b.closeAll()
			return fmt.Errorf("esc: pwm%d period: %w", ch, err)
		}
		if err := drv.SetPulse(b.cfg.MinPulse); err != nil {
			b.closeAll()
			return fmt.Errorf("esc: pwm%d stop pulse: %w", ch, err)
		}
	}
	return nil
}

// Set commands motor i with a throttle in [0,1]. Values outside that
// range, NaN included, latch the minimum pulse or the maximum.
func (b *Bank) Set(i int, throttle float64) error {
	if i < 0 || i >= len(b.chans) {
		return fmt.Errorf("esc: motor index %d out of range", i)
	}
	if math.IsNaN(throttle) || throttle < 0 {
		throttle = 0
	} else if throttle > 1 {
		throttle = 1
	}
	span := float64(b.cfg.MaxPulse - b.cfg.MinPulse)
	pulse := b.cfg.MinPulse + time.Duration(throttle*span)
	return b.chans[i].SetPulse(pulse)
}

// Cut latches the minimum pulse on every channel.
func (b *Bank) Cut() {
	for _, c := range b.chans {
		_ = c.SetPulse(b.cfg.MinPulse)
	}
}

// Close stops the motors and releases the channels.
func (b *Bank) Close() error {
	b.Cut()
	b.closeAll()
	return nil
}

func (b *Bank) closeAll() {
	for _, c := range b.chans {
		_ = c.Close()
	}
	b.chans = nil
}
