//go:build linux

package rpi

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// gpioLED drives the arming LED through the GPIO character device.
type gpioLED struct {
	line *gpiocdev.Line
}

func openLED(chip string, line int) (statusLED, error) {
	if chip == "" {
		return nil, fmt.Errorf("rpi: led chip not configured")
	}
	l, err := gpiocdev.RequestLine(chip, line, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("rotorfc"))
	if err != nil {
		return nil, fmt.Errorf("rpi: led gpio %s line %d: %w", chip, line, err)
	}
	return &gpioLED{line: l}, nil
}

func (g *gpioLED) Set(on bool) error {
	v := 0
	if on {
		v = 1
	}
	return g.line.SetValue(v)
}

func (g *gpioLED) Close() error {
	_ = g.line.SetValue(0)
	return g.line.Close()
}
