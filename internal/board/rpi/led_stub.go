//go:build !linux

package rpi

import "fmt"

func openLED(chip string, line int) (statusLED, error) {
	return nil, fmt.Errorf("rpi: led gpio not supported on this OS")
}
