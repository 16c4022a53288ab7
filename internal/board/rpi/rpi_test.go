package rpi

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"rotorfc/internal/sensors/icm20948"
	"rotorfc/internal/vehicle"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeIMU struct {
	sample icm20948.Sample
	err    error
	reads  int
}

func (f *fakeIMU) Read() (icm20948.Sample, error) {
	f.reads++
	if f.err != nil {
		return icm20948.Sample{}, f.err
	}
	return f.sample, nil
}

type fakeBaro struct {
	pa    float64
	err   error
	reads int
}

func (f *fakeBaro) Read() (float64, float64, error) {
	f.reads++
	if f.err != nil {
		return 0, 0, f.err
	}
	return 20, f.pa, nil
}

type motorSet struct {
	i int
	v float64
}

type fakeBank struct {
	sets   []motorSet
	closed bool
}

func (f *fakeBank) Begin() error { return nil }

func (f *fakeBank) Set(i int, v float64) error {
	f.sets = append(f.sets, motorSet{i, v})
	return nil
}

func (f *fakeBank) Cut() {}

func (f *fakeBank) Close() error {
	f.closed = true
	return nil
}

type fakeLED struct {
	sets   []bool
	closed bool
}

func (l *fakeLED) Set(on bool) error {
	l.sets = append(l.sets, on)
	return nil
}

func (l *fakeLED) Close() error {
	l.closed = true
	return nil
}

type writeRecorder struct{ bytes.Buffer }

func (w *writeRecorder) Close() error { return nil }

type fakeLink struct {
	d vehicle.Demands
	m []float64
}

func (l fakeLink) LastDemands() vehicle.Demands { return l.d }
func (l fakeLink) Motors() []float64            { return l.m }

func testBoard(clk *clock) *Board {
	b := New(Config{})
	b.nowFn = clk.now
	b.start = clk.t
	b.imu = &fakeIMU{sample: icm20948.Sample{Az: 1}}
	b.baro = &fakeBaro{pa: 101325}
	b.escs = &fakeBank{}
	b.led = &fakeLED{}
	return b
}

func TestGyroRates_BiasCorrectedRadians(t *testing.T) {
	clk := &clock{t: time.Unix(100, 0)}
	b := testBoard(clk)
	b.imu = &fakeIMU{sample: icm20948.Sample{Gx: 10, Gz: -10, Az: 1}}
	b.gyroBias = [3]float64{0.01, 0, 0}

	rates, ok := b.GyroRates()
	if !ok {
		t.Fatalf("GyroRates not ok")
	}
	if want := 10*degToRad - 0.01; math.Abs(rates[0]-want) > 1e-12 {
		t.Fatalf("roll rate=%v want %v", rates[0], want)
	}
	if rates[1] != 0 {
		t.Fatalf("pitch rate=%v want 0", rates[1])
	}
	if want := -10 * degToRad; math.Abs(rates[2]-want) > 1e-12 {
		t.Fatalf("yaw rate=%v want %v", rates[2], want)
	}
}

func TestGyroRates_FreshAttitudeAndAccelOnce(t *testing.T) {
	clk := &clock{t: time.Unix(100, 0)}
	b := testBoard(clk)
	b.imu = &fakeIMU{sample: icm20948.Sample{Ay: 0.707, Az: 0.707}}

	if _, ok := b.GyroRates(); !ok {
		t.Fatalf("GyroRates not ok")
	}

	att, ok := b.Attitude()
	if !ok {
		t.Fatalf("expected fresh attitude")
	}
	if math.Abs(att.Roll-math.Pi/4) > 1e-3 {
		t.Fatalf("roll=%v want pi/4", att.Roll)
	}
	if _, ok := b.Attitude(); ok {
		t.Fatalf("attitude fresh twice for one burst")
	}

	accel, ok := b.Accel()
	if !ok {
		t.Fatalf("expected fresh accel")
	}
	if accel[1] != 0.707 || accel[2] != 0.707 {
		t.Fatalf("accel=%v", accel)
	}
	if _, ok := b.Accel(); ok {
		t.Fatalf("accel fresh twice for one burst")
	}
}

func TestGyroRates_ReadErrorReturnsFalse(t *testing.T) {
	clk := &clock{t: time.Unix(100, 0)}
	b := testBoard(clk)
	b.imu = &fakeIMU{err: errors.New("bus stuck")}

	if _, ok := b.GyroRates(); ok {
		t.Fatalf("expected not ok on imu error")
	}
	if _, ok := b.Attitude(); ok {
		t.Fatalf("attitude fresh after failed read")
	}
}

func TestBarometer_PacesChipReads(t *testing.T) {
	clk := &clock{t: time.Unix(100, 0)}
	b := testBoard(clk)
	baro := &fakeBaro{pa: 101325}
	b.baro = baro

	pa, ok := b.Barometer()
	if !ok || pa != 101325 {
		t.Fatalf("first read: pa=%v ok=%v", pa, ok)
	}

	clk.advance(5 * time.Millisecond)
	if _, ok := b.Barometer(); ok {
		t.Fatalf("read before baroInterval elapsed")
	}
	if baro.reads != 1 {
		t.Fatalf("chip reads=%d want 1", baro.reads)
	}

	clk.advance(baroInterval)
	if _, ok := b.Barometer(); !ok {
		t.Fatalf("expected fresh read after interval")
	}
	if baro.reads != 2 {
		t.Fatalf("chip reads=%d want 2", baro.reads)
	}
}

func TestBarometer_RejectsBadReads(t *testing.T) {
	clk := &clock{t: time.Unix(100, 0)}
	b := testBoard(clk)

	b.baro = &fakeBaro{err: errors.New("timeout")}
	if _, ok := b.Barometer(); ok {
		t.Fatalf("expected not ok on baro error")
	}

	clk.advance(baroInterval + time.Millisecond)
	b.baro = &fakeBaro{pa: 0}
	if _, ok := b.Barometer(); ok {
		t.Fatalf("expected not ok on zero pressure")
	}
}

func TestMicros_CountsFromInit(t *testing.T) {
	clk := &clock{t: time.Unix(100, 0)}
	b := testBoard(clk)

	clk.advance(1500 * time.Microsecond)
	if got := b.Micros(); got != 1500 {
		t.Fatalf("Micros=%d want 1500", got)
	}
}

func TestWriteMotor_DelegatesToBank(t *testing.T) {
	clk := &clock{t: time.Unix(100, 0)}
	b := testBoard(clk)
	bank := &fakeBank{}
	b.escs = bank

	if err := b.WriteMotor(2, 0.7); err != nil {
		t.Fatalf("WriteMotor: %v", err)
	}
	if len(bank.sets) != 1 || bank.sets[0] != (motorSet{2, 0.7}) {
		t.Fatalf("sets=%v", bank.sets)
	}

	b.escs = nil
	if err := b.WriteMotor(0, 0); err == nil {
		t.Fatalf("expected error without motors")
	}
}

func TestShowArmedStatus_WritesOnChange(t *testing.T) {
	clk := &clock{t: time.Unix(100, 0)}
	b := testBoard(clk)
	led := &fakeLED{}
	b.led = led

	b.ShowArmedStatus(true)
	b.ShowArmedStatus(true)
	b.ShowArmedStatus(false)
	if len(led.sets) != 2 || led.sets[0] != true || led.sets[1] != false {
		t.Fatalf("led sets=%v want [true false]", led.sets)
	}

	b.led = nil
	b.ShowArmedStatus(true) // must not panic
}

func TestAuxComms_PacedTelemetry(t *testing.T) {
	clk := &clock{t: time.Unix(100, 0)}
	b := testBoard(clk)
	rec := &writeRecorder{}
	b.telem = rec

	att := vehicle.Attitude{Roll: 0.1, Pitch: -0.05, Yaw: 1.2}
	link := fakeLink{
		d: vehicle.Demands{Throttle: -0.5, Yaw: 0.25, Aux: 2},
		m: []float64{0.25, 0.25, 0.3, 0.3},
	}

	b.AuxComms(att, true, link)
	clk.advance(50 * time.Millisecond)
	b.AuxComms(att, true, link)
	clk.advance(60 * time.Millisecond)
	b.AuxComms(att, true, link)

	out := rec.String()
	if got := strings.Count(out, "\r\n"); got != 2 {
		t.Fatalf("telemetry lines=%d want 2:\n%s", got, out)
	}
	if !strings.HasPrefix(out, "rfc,1,0.1000,-0.0500,1.2000,") {
		t.Fatalf("unexpected line prefix: %q", out)
	}
	if !strings.Contains(out, ",0.250,0.250,0.300,0.300\r\n") {
		t.Fatalf("motor values missing: %q", out)
	}
}

func TestAuxComms_NoPortIsNoop(t *testing.T) {
	clk := &clock{t: time.Unix(100, 0)}
	b := testBoard(clk)
	b.telem = nil

	b.AuxComms(vehicle.Attitude{}, false, fakeLink{})
}

func TestGyroBias_AveragesStationarySamples(t *testing.T) {
	imu := &fakeIMU{sample: icm20948.Sample{Gx: 1, Gy: -2, Gz: 3, Az: 1}}

	bias, err := gyroBias(imu, 10, 0)
	if err != nil {
		t.Fatalf("gyroBias: %v", err)
	}
	if imu.reads != 10 {
		t.Fatalf("reads=%d want 10", imu.reads)
	}
	want := [3]float64{1 * degToRad, -2 * degToRad, 3 * degToRad}
	for i := range want {
		if math.Abs(bias[i]-want[i]) > 1e-12 {
			t.Fatalf("bias[%d]=%v want %v", i, bias[i], want[i])
		}
	}

	if _, err := gyroBias(imu, 0, 0); err == nil {
		t.Fatalf("expected error for zero samples")
	}

	imu.err = errors.New("bus stuck")
	if _, err := gyroBias(imu, 3, 0); err == nil {
		t.Fatalf("expected error from failing imu")
	}
}

func TestClose_StopsMotorsAndLED(t *testing.T) {
	clk := &clock{t: time.Unix(100, 0)}
	b := testBoard(clk)
	bank := &fakeBank{}
	led := &fakeLED{}
	b.escs = bank
	b.led = led

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !bank.closed {
		t.Fatalf("bank not closed")
	}
	if !led.closed {
		t.Fatalf("led not closed")
	}
	if len(led.sets) == 0 || led.sets[len(led.sets)-1] != false {
		t.Fatalf("led left on: %v", led.sets)
	}
}
