// Package icm20948 drives the TDK ICM-20948 IMU over I2C.
//
// The flight loop reads accel and gyro as one 12-byte burst. Full scale
// is fixed at 8 g and 2000 deg/s with the on-chip low-pass filters
// enabled, and the internal sample rate stays at 1125 Hz so the loop
// never waits on the sensor.
package icm20948

import (
	"fmt"
	"time"

	"rotorfc/internal/i2c"
)

var sleep = time.Sleep

const (
	addrDefault = 0x68

	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regPwrMgmt1   = 0x06
	bitReset      = 0x80
	clockAuto     = 0x01 // CLKSEL=1, PLL when ready
	regIntEnable  = 0x38
	regAccelXoutH = 0x2D // accel, gyro read as one contiguous block

	// Bank 2.
	bank2           = 2
	regGyroSmplrt   = 0x00
	regGyroConfig1  = 0x01
	regAccelSmplrt2 = 0x11
	regAccelConfig  = 0x14

	// GYRO_CONFIG_1: DLPFCFG=1, FS_SEL=2000dps, FCHOICE=1.
	gyroConfigVal = 0x01<<3 | 0x03<<1 | 0x01
	// ACCEL_CONFIG: DLPFCFG=3, FS_SEL=8g, FCHOICE=1.
	accelConfigVal = 0x03<<3 | 0x02<<1 | 0x01

	gyroFullScaleDPS = 2000.0
	accelFullScaleG  = 8.0
)

// Sample is one burst read. Accel in g, gyro in deg/s.
type Sample struct {
	Ax, Ay, Az float64
	Gx, Gy, Gz float64
}

type Device struct {
	dev regIO

	curBank    byte
	accelScale float64
	gyroScale  float64
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

func DefaultAddress() uint16 { return addrDefault }

func New(dev *i2c.Device) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	return newWithIO(dev)
}

func newWithIO(dev regIO) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	d := &Device{dev: dev, curBank: 0xFF}

	who, err := d.dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("icm20948: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("icm20948: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}

	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) init() error {
	if err := d.setBank(0); err != nil {
		return err
	}
	_ = d.dev.WriteReg(regIntEnable, 0x00)

	if err := d.dev.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("icm20948: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)

	if err := d.dev.WriteReg(regPwrMgmt1, clockAuto); err != nil {
		return fmt.Errorf("icm20948: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	if err := d.setBank(bank2); err != nil {
		return err
	}

	// Divider 0 keeps the internal ODR at 1125 Hz. The control loop runs
	// slower than that and just takes the newest sample each pass.
	_ = d.dev.WriteReg(regGyroSmplrt, 0)
	_ = d.dev.WriteReg(regAccelSmplrt2, 0)

	if err := d.dev.WriteReg(regGyroConfig1, gyroConfigVal); err != nil {
		return fmt.Errorf("icm20948: gyro config failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelConfig, accelConfigVal); err != nil {
		return fmt.Errorf("icm20948: accel config failed: %w", err)
	}

	if err := d.setBank(0); err != nil {
		return err
	}

	d.accelScale = accelFullScaleG / 32768.0
	d.gyroScale = gyroFullScaleDPS / 32768.0
	return nil
}

func (d *Device) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.dev.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

func (d *Device) Read() (Sample, error) {
	if d == nil {
		return Sample{}, fmt.Errorf("icm20948: device is nil")
	}
	if err := d.setBank(0); err != nil {
		return Sample{}, err
	}

	var buf [12]byte
	if err := d.dev.ReadReg(regAccelXoutH, buf[:]); err != nil {
		return Sample{}, fmt.Errorf("icm20948: burst read failed: %w", err)
	}

	return Sample{
		Ax: float64(be16(buf[0], buf[1])) * d.accelScale,
		Ay: float64(be16(buf[2], buf[3])) * d.accelScale,
		Az: float64(be16(buf[4], buf[5])) * d.accelScale,
		Gx: float64(be16(buf[6], buf[7])) * d.gyroScale,
		Gy: float64(be16(buf[8], buf[9])) * d.gyroScale,
		Gz: float64(be16(buf[10], buf[11])) * d.gyroScale,
	}, nil
}

func be16(hi, lo byte) int16 {
	return int16(hi)<<8 | int16(lo)
}
