//go:build linux

// Package i2c talks to sensors on a Linux I2C bus through /dev/i2c-N.
//
// Register reads go through the I2C_RDWR ioctl as a single write+read
// transaction with a repeated start in between. Both the IMU and the
// barometer need that; a plain write followed by a separate read drops
// the bus between the two and some parts reset their register pointer.
package i2c

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// From linux/i2c.h and linux/i2c-dev.h.
const (
	msgFlagRead = 0x0001 // I2C_M_RD
	ioctlRdwr   = 0x0707 // I2C_RDWR
)

type i2cMsg struct {
	addr  uint16
	flags uint16
	len   uint16
	buf   uintptr
}

type rdwrRequest struct {
	msgs  uintptr
	nmsgs uint32
}

// Bus is an open /dev/i2c-N character device. A Bus hands out any number
// of Device handles. Transfers are not synchronized here; the flight
// loop is the only caller.
type Bus struct {
	f   *os.File
	num int
}

func Open(bus int) (*Bus, error) {
	path := fmt.Sprintf("/dev/i2c-%d", bus)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("i2c: open bus %d: %w", bus, err)
	}
	return &Bus{f: f, num: bus}, nil
}

func (b *Bus) Close() error {
	if b == nil || b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}

// Device binds a 7-bit address on the bus.
func (b *Bus) Device(addr uint16) *Device {
	if b == nil {
		return nil
	}
	return &Device{bus: b, addr: addr}
}

type Device struct {
	bus  *Bus
	addr uint16
}

func (d *Device) WriteReg(reg, value byte) error {
	return d.transfer([]byte{reg, value}, nil)
}

func (d *Device) ReadReg(reg byte, dst []byte) error {
	return d.transfer([]byte{reg}, dst)
}

func (d *Device) ReadRegU8(reg byte) (byte, error) {
	var b [1]byte
	if err := d.ReadReg(reg, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Device) transfer(w, r []byte) error {
	if d == nil || d.bus == nil || d.bus.f == nil {
		return errors.New("i2c: device not open")
	}
	if d.addr == 0 || d.addr > 0x7F {
		return fmt.Errorf("i2c: bad address 0x%02X", d.addr)
	}

	var msgs [2]i2cMsg
	n := 0
	if len(w) > 0 {
		msgs[n] = i2cMsg{addr: d.addr, len: uint16(len(w)), buf: uintptr(unsafe.Pointer(&w[0]))}
		n++
	}
	if len(r) > 0 {
		msgs[n] = i2cMsg{addr: d.addr, flags: msgFlagRead, len: uint16(len(r)), buf: uintptr(unsafe.Pointer(&r[0]))}
		n++
	}
	if n == 0 {
		return nil
	}

	req := rdwrRequest{msgs: uintptr(unsafe.Pointer(&msgs[0])), nmsgs: uint32(n)}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.bus.f.Fd(), uintptr(ioctlRdwr), uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		return fmt.Errorf("i2c: bus %d addr 0x%02X: %w", d.bus.num, d.addr, errno)
	}
	return nil
}
