//go:build !linux

package esc

import "fmt"

func openChannel(chip, channel int) (channelDriver, error) {
	return nil, fmt.Errorf("esc: pwm not supported on this OS")
}
