package esc

import (
	"fmt"
	"math"
	"testing"
	"time"
)

type fakeChannel struct {
	period time.Duration
	pulses []time.Duration
	closed bool
}

func (c *fakeChannel) SetPeriod(p time.Duration) error {
	c.period = p
	return nil
}

func (c *fakeChannel) SetPulse(width time.Duration) error {
	c.pulses = append(c.pulses, width)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func (c *fakeChannel) lastPulse() time.Duration {
	if len(c.pulses) == 0 {
		return 0
	}
	return c.pulses[len(c.pulses)-1]
}

// fakeOpen installs an openChannelFn that hands out recorded channels.
func fakeOpen(t *testing.T) *[]*fakeChannel {
	t.Helper()
	opened := &[]*fakeChannel{}
	old := openChannelFn
	openChannelFn = func(chip, channel int) (channelDriver, error) {
		c := &fakeChannel{}
		*opened = append(*opened, c)
		return c, nil
	}
	t.Cleanup(func() { openChannelFn = old })
	return opened
}

func TestBegin_LatchesStopPulse(t *testing.T) {
	opened := fakeOpen(t)

	b := New(Config{Channels: []int{0, 1, 2, 3}})
	if err := b.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if len(*opened) != 4 {
		t.Fatalf("opened %d channels, want 4", len(*opened))
	}
	for i, c := range *opened {
		if c.period != defaultPeriod {
			t.Fatalf("channel %d period=%v want %v", i, c.period, defaultPeriod)
		}
		if c.lastPulse() != defaultMinPulse {
			t.Fatalf("channel %d pulse=%v want %v", i, c.lastPulse(), defaultMinPulse)
		}
	}
}

func TestBegin_RejectsPulseExceedingPeriod(t *testing.T) {
	fakeOpen(t)

	b := New(Config{Channels: []int{0}, Period: time.Millisecond})
	if err := b.Begin(); err == nil {
		t.Fatalf("expected error: default max pulse %v > period 1ms", defaultMaxPulse)
	}
}

func TestBegin_ClosesOpenedChannelsOnFailure(t *testing.T) {
	opened := &[]*fakeChannel{}
	old := openChannelFn
	openChannelFn = func(chip, channel int) (channelDriver, error) {
		if channel == 2 {
			return nil, fmt.Errorf("busy")
		}
		c := &fakeChannel{}
		*opened = append(*opened, c)
		return c, nil
	}
	t.Cleanup(func() { openChannelFn = old })

	b := New(Config{Channels: []int{0, 1, 2, 3}})
	if err := b.Begin(); err == nil {
		t.Fatalf("expected open error")
	}
	if len(*opened) != 2 {
		t.Fatalf("opened %d channels, want 2", len(*opened))
	}
	for i, c := range *opened {
		if !c.closed {
			t.Fatalf("channel %d left open after failed Begin", i)
		}
	}
}

func TestSet_MapsThrottleOntoPulseRange(t *testing.T) {
	opened := fakeOpen(t)

	b := New(Config{Channels: []int{0}})
	if err := b.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	ch := (*opened)[0]

	cases := []struct {
		throttle float64
		want     time.Duration
	}{
		{0, 1000 * time.Microsecond},
		{1, 2000 * time.Microsecond},
		{0.5, 1500 * time.Microsecond},
		{-0.2, 1000 * time.Microsecond},
		{1.7, 2000 * time.Microsecond},
		{math.NaN(), 1000 * time.Microsecond},
	}
	for _, tc := range cases {
		if err := b.Set(0, tc.throttle); err != nil {
			t.Fatalf("Set(%v): %v", tc.throttle, err)
		}
		if got := ch.lastPulse(); got != tc.want {
			t.Fatalf("throttle %v: pulse=%v want %v", tc.throttle, got, tc.want)
		}
	}
}

func TestSet_IndexOutOfRange(t *testing.T) {
	fakeOpen(t)

	b := New(Config{Channels: []int{0, 1}})
	if err := b.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := b.Set(2, 0.5); err == nil {
		t.Fatalf("expected index error")
	}
	if err := b.Set(-1, 0.5); err == nil {
		t.Fatalf("expected index error")
	}
}

func TestCloseStopsMotors(t *testing.T) {
	opened := fakeOpen(t)

	b := New(Config{Channels: []int{0, 1}})
	if err := b.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := b.Set(0, 1); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for i, c := range *opened {
		if c.lastPulse() != defaultMinPulse {
			t.Fatalf("channel %d pulse=%v want stop", i, c.lastPulse())
		}
		if !c.closed {
			t.Fatalf("channel %d not closed", i)
		}
	}
	if err := b.Set(0, 0.5); err == nil {
		t.Fatalf("expected error after Close")
	}
}
