// Package rpi is the hardware board: an ICM-20948 and a BMP280 on I2C,
// ESCs on sysfs PWM, an arming LED on the GPIO character device, and an
// optional one-way telemetry line on a serial port.
package rpi

import (
	"fmt"
	"io"
	"log"
	"math"
	"time"

	"go.bug.st/serial"

	"rotorfc/internal/esc"
	"rotorfc/internal/flight"
	"rotorfc/internal/i2c"
	"rotorfc/internal/sensors/bmp280"
	"rotorfc/internal/sensors/icm20948"
	"rotorfc/internal/vehicle"
)

const (
	degToRad = math.Pi / 180

	attitudeTau = 1.5

	// Gyro bias calibration window; the vehicle must sit still through
	// it. 250 samples at 2 ms is half a second.
	biasSamples = 250
	biasPause   = 2 * time.Millisecond

	baroInterval = 25 * time.Millisecond
	errLogEvery  = time.Second
)

var sleep = time.Sleep

type Config struct {
	I2CBus   int
	IMUAddr  uint16
	BaroAddr uint16

	LEDChip string
	LEDLine int

	ESC esc.Config

	// TelemetryPort, when set, receives a status line every
	// TelemetryInterval.
	TelemetryPort     string
	TelemetryBaud     int
	TelemetryInterval time.Duration
}

type imuReader interface {
	Read() (icm20948.Sample, error)
}

type baroReader interface {
	Read() (tempC, pressPa float64, err error)
}

type motorBank interface {
	Begin() error
	Set(i int, throttle float64) error
	Cut()
	Close() error
}

type statusLED interface {
	Set(on bool) error
	Close() error
}

// Board wires the drivers into the shape the flight loop polls. One IMU
// burst per GyroRates call feeds the gyro path, the attitude filter and
// the accelerometer path together.
//
// Not safe for concurrent use; the flight loop owns it.
type Board struct {
	cfg Config

	bus   *i2c.Bus
	imu   imuReader
	baro  baroReader
	escs  motorBank
	led   statusLED
	telem io.WriteCloser

	nowFn func() time.Time
	start time.Time

	est      estimator
	gyroBias [3]float64
	lastIMU  time.Time

	att        vehicle.Attitude
	accel      [3]float64
	attFresh   bool
	accelFresh bool

	lastBaro  time.Time
	lastTelem time.Time

	ledKnown bool
	ledOn    bool

	imuErrs        uint64
	lastIMUErrLog  time.Time
	baroErrs       uint64
	lastBaroErrLog time.Time
}

func New(cfg Config) *Board {
	if cfg.I2CBus == 0 {
		cfg.I2CBus = 1
	}
	if cfg.IMUAddr == 0 {
		cfg.IMUAddr = icm20948.DefaultAddress()
	}
	if cfg.BaroAddr == 0 {
		cfg.BaroAddr = bmp280.DefaultAddress()
	}
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = 100 * time.Millisecond
	}
	return &Board{cfg: cfg, nowFn: time.Now, est: estimator{tau: attitudeTau}}
}

// Init brings the hardware up: sensors probed, gyro bias measured, ESCs
// latched at their stop pulse. The LED and the telemetry line are
// optional extras; the vehicle flies without them.
func (b *Board) Init() error {
	bus, err := i2c.Open(b.cfg.I2CBus)
	if err != nil {
		return err
	}
	b.bus = bus

	imu, err := icm20948.New(bus.Device(b.cfg.IMUAddr))
	if err != nil {
		_ = bus.Close()
		return err
	}
	b.imu = imu

	baro, err := bmp280.New(bus.Device(b.cfg.BaroAddr))
	if err != nil {
		_ = bus.Close()
		return err
	}
	b.baro = baro

	bias, err := gyroBias(b.imu, biasSamples, biasPause)
	if err != nil {
		_ = bus.Close()
		return fmt.Errorf("rpi: gyro calibration: %w", err)
	}
	b.gyroBias = bias
	log.Printf("rpi: gyro bias %.4f %.4f %.4f rad/s", bias[0], bias[1], bias[2])

	bank := esc.New(b.cfg.ESC)
	if err := bank.Begin(); err != nil {
		_ = bus.Close()
		return err
	}
	b.escs = bank

	if led, err := openLED(b.cfg.LEDChip, b.cfg.LEDLine); err != nil {
		log.Printf("rpi: status led unavailable: %v", err)
	} else {
		b.led = led
	}

	if b.cfg.TelemetryPort != "" {
		port, err := serial.Open(b.cfg.TelemetryPort, &serial.Mode{BaudRate: b.cfg.TelemetryBaud})
		if err != nil {
			log.Printf("rpi: telemetry port unavailable: %v", err)
		} else {
			b.telem = port
		}
	}

	b.start = b.nowFn()
	log.Printf("rpi: board up, imu+baro on i2c-%d, %d motors", b.cfg.I2CBus, len(b.cfg.ESC.Channels))
	return nil
}

// gyroBias averages stationary gyro output in rad/s. The vehicle must
// not move while this runs.
func gyroBias(imu imuReader, n int, pause time.Duration) ([3]float64, error) {
	if n <= 0 {
		return [3]float64{}, fmt.Errorf("rpi: bias sample count %d", n)
	}
	var sum [3]float64
	for i := 0; i < n; i++ {
		s, err := imu.Read()
		if err != nil {
			return [3]float64{}, err
		}
		sum[0] += s.Gx * degToRad
		sum[1] += s.Gy * degToRad
		sum[2] += s.Gz * degToRad
		sleep(pause)
	}
	return [3]float64{sum[0] / float64(n), sum[1] / float64(n), sum[2] / float64(n)}, nil
}

// GyroRates reads one accel+gyro burst and returns bias-corrected body
// rates in rad/s. The same burst advances the attitude filter, so
// Attitude and Accel report fresh exactly once per successful read.
func (b *Board) GyroRates() ([3]float64, bool) {
	s, err := b.imu.Read()
	if err != nil {
		b.imuErrs++
		if now := b.nowFn(); now.Sub(b.lastIMUErrLog) >= errLogEvery {
			b.lastIMUErrLog = now
			log.Printf("rpi: imu read failed (%d total): %v", b.imuErrs, err)
		}
		return [3]float64{}, false
	}

	rates := [3]float64{
		s.Gx*degToRad - b.gyroBias[0],
		s.Gy*degToRad - b.gyroBias[1],
		s.Gz*degToRad - b.gyroBias[2],
	}

	now := b.nowFn()
	dt := 0.0
	if !b.lastIMU.IsZero() {
		dt = now.Sub(b.lastIMU).Seconds()
	}
	b.lastIMU = now
	if dt <= 0 || dt > 0.5 {
		dt = 0
	}

	b.est.update(rates, [3]float64{s.Ax, s.Ay, s.Az}, dt)
	b.att = vehicle.Attitude{Roll: b.est.roll, Pitch: b.est.pitch, Yaw: b.est.yaw}
	b.accel = [3]float64{s.Ax, s.Ay, s.Az}
	b.attFresh = true
	b.accelFresh = true
	return rates, true
}

func (b *Board) Attitude() (vehicle.Attitude, bool) {
	if !b.attFresh {
		return vehicle.Attitude{}, false
	}
	b.attFresh = false
	return b.att, true
}

func (b *Board) Accel() ([3]float64, bool) {
	if !b.accelFresh {
		return [3]float64{}, false
	}
	b.accelFresh = false
	return b.accel, true
}

// Barometer reads the BMP280 at most every baroInterval; the chip
// refreshes slower than the loop spins.
func (b *Board) Barometer() (float64, bool) {
	now := b.nowFn()
	if !b.lastBaro.IsZero() && now.Sub(b.lastBaro) < baroInterval {
		return 0, false
	}
	b.lastBaro = now

	_, pa, err := b.baro.Read()
	if err == nil && pa <= 0 {
		err = fmt.Errorf("pressure %.1f out of range", pa)
	}
	if err != nil {
		b.baroErrs++
		if now.Sub(b.lastBaroErrLog) >= errLogEvery {
			b.lastBaroErrLog = now
			log.Printf("rpi: baro read failed (%d total): %v", b.baroErrs, err)
		}
		return 0, false
	}
	return pa, true
}

func (b *Board) Micros() uint32 {
	return uint32(b.nowFn().Sub(b.start).Microseconds())
}

func (b *Board) ShowArmedStatus(armed bool) {
	if b.led == nil || (b.ledKnown && b.ledOn == armed) {
		return
	}
	if err := b.led.Set(armed); err != nil {
		log.Printf("rpi: status led: %v", err)
		return
	}
	b.ledKnown = true
	b.ledOn = armed
}

// AuxComms emits the telemetry line. It runs on every fresh orientation
// estimate but writes at most every TelemetryInterval, little enough
// that the kernel tty buffer absorbs each write without blocking.
func (b *Board) AuxComms(att vehicle.Attitude, armed bool, link flight.AuxLink) {
	if b.telem == nil {
		return
	}
	now := b.nowFn()
	if !b.lastTelem.IsZero() && now.Sub(b.lastTelem) < b.cfg.TelemetryInterval {
		return
	}
	b.lastTelem = now

	armedFlag := 0
	if armed {
		armedFlag = 1
	}
	d := link.LastDemands()
	line := fmt.Sprintf("rfc,%d,%.4f,%.4f,%.4f,%.3f,%.3f,%.3f,%.3f,%d",
		armedFlag, att.Roll, att.Pitch, att.Yaw,
		d.Throttle, d.Roll, d.Pitch, d.Yaw, d.Aux)
	for _, m := range link.Motors() {
		line += fmt.Sprintf(",%.3f", m)
	}
	if _, err := fmt.Fprintf(b.telem, "%s\r\n", line); err != nil {
		log.Printf("rpi: telemetry write: %v", err)
	}
}

func (b *Board) WriteMotor(i int, v float64) error {
	if b.escs == nil {
		return fmt.Errorf("rpi: motors not initialized")
	}
	return b.escs.Set(i, v)
}

// Close stops the motors first; everything after that is best-effort.
func (b *Board) Close() error {
	if b.escs != nil {
		_ = b.escs.Close()
		b.escs = nil
	}
	if b.led != nil {
		_ = b.led.Set(false)
		_ = b.led.Close()
		b.led = nil
	}
	if b.telem != nil {
		_ = b.telem.Close()
		b.telem = nil
	}
	if b.bus != nil {
		_ = b.bus.Close()
		b.bus = nil
	}
	return nil
}
