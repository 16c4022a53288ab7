//go:build !linux

package i2c

import "fmt"

type Bus struct{}

type Device struct{}

func Open(bus int) (*Bus, error) { return nil, fmt.Errorf("i2c: not supported on this OS") }

func (b *Bus) Close() error { return nil }

func (b *Bus) Device(addr uint16) *Device { return nil }

func (d *Device) WriteReg(reg, value byte) error     { return fmt.Errorf("i2c: not supported on this OS") }
func (d *Device) ReadReg(reg byte, dst []byte) error { return fmt.Errorf("i2c: not supported on this OS") }
func (d *Device) ReadRegU8(reg byte) (byte, error)   { return 0, fmt.Errorf("i2c: not supported on this OS") }
