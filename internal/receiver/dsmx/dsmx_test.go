package dsmx

import (
	"math"
	"testing"
	"time"

	"rotorfc/internal/receiver"
)

// field packs a 2048-mode channel field.
func field(ch, value int) uint16 {
	return uint16(ch)<<chanShift | uint16(value&valueMask)
}

// frame builds a 16-byte satellite frame from channel fields, padding
// unused slots with an out-of-range channel id.
func frame(fields ...uint16) []byte {
	buf := []byte{0x00, 0xB2}
	for _, f := range fields {
		buf = append(buf, byte(f>>8), byte(f))
	}
	for len(buf) < frameSize {
		buf = append(buf, 0xFF, 0xFF)
	}
	return buf
}

func feedAll(r *frameReader, now time.Time, bytes []byte) {
	for _, b := range bytes {
		r.feed(now, b)
	}
}

func TestFrameReader_DecodesChannels(t *testing.T) {
	var r frameReader
	now := time.Unix(1_000_000, 0)

	feedAll(&r, now, frame(
		field(receiver.ChanThrottle, 1024-683),
		field(receiver.ChanRoll, 1024+341),
		field(receiver.ChanPitch, 1024),
		field(receiver.ChanYaw, 1024+683),
		field(receiver.ChanAux, 1024-683),
	))

	if !r.fresh {
		t.Fatal("expected a fresh frame")
	}
	cases := []struct {
		ch   int
		want float64
	}{
		{receiver.ChanThrottle, -1.0},
		{receiver.ChanRoll, 341.0 / 683.0},
		{receiver.ChanPitch, 0},
		{receiver.ChanYaw, 1.0},
		{receiver.ChanAux, -1.0},
	}
	for _, c := range cases {
		if got := r.channels[c.ch]; math.Abs(got-c.want) > 1e-9 {
			t.Fatalf("channel %d=%v want %v", c.ch, got, c.want)
		}
	}
}

func TestFrameReader_OutOfRangeChannelIgnored(t *testing.T) {
	var r frameReader
	now := time.Unix(1_000_000, 0)

	feedAll(&r, now, frame(field(12, 2047)))
	for i, v := range r.channels {
		if v != 0 {
			t.Fatalf("channel %d=%v want untouched", i, v)
		}
	}
	if !r.fresh {
		t.Fatal("frame itself still counts as received")
	}
}

func TestFrameReader_GapResyncsMidFrame(t *testing.T) {
	var r frameReader
	now := time.Unix(1_000_000, 0)

	// Three stray bytes, then silence, then a clean frame.
	feedAll(&r, now, []byte{0xDE, 0xAD, 0xBE})
	now = now.Add(10 * time.Millisecond)
	feedAll(&r, now, frame(field(receiver.ChanYaw, 1024+683)))

	if !r.fresh {
		t.Fatal("expected resync on inter-frame gap")
	}
	if got := r.channels[receiver.ChanYaw]; math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("yaw=%v want 1.0", got)
	}
}

func TestFrameReader_SplitReadsWithinGapAssemble(t *testing.T) {
	var r frameReader
	now := time.Unix(1_000_000, 0)

	full := frame(field(receiver.ChanRoll, 1024+683))
	feedAll(&r, now, full[:7])
	feedAll(&r, now.Add(2*time.Millisecond), full[7:])

	if !r.fresh {
		t.Fatal("expected frame across two reads")
	}
	if got := r.channels[receiver.ChanRoll]; math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("roll=%v want 1.0", got)
	}
}

func TestFrameReader_LossTimeout(t *testing.T) {
	var r frameReader
	now := time.Unix(1_000_000, 0)

	if !r.lost(now) {
		t.Fatal("no frame yet must read as lost")
	}

	feedAll(&r, now, frame(field(receiver.ChanThrottle, 1024)))
	if r.lost(now.Add(100 * time.Millisecond)) {
		t.Fatal("recent frame must not read as lost")
	}
	if !r.lost(now.Add(lossTimeout + time.Millisecond)) {
		t.Fatal("stale frame must read as lost")
	}
}

func TestBackend_FreshFlagIsOneShot(t *testing.T) {
	b := New(Config{Port: "/dev/null"})
	now := time.Unix(1_000_000, 0)

	feedAll(&b.reader, now, frame(field(receiver.ChanThrottle, 1024+341)))
	if !b.GotNewFrame() {
		t.Fatal("expected new frame")
	}
	if b.GotNewFrame() {
		t.Fatal("frame flag must clear on read")
	}

	dst := make([]float64, receiver.NumChannels)
	b.ReadRawChannels(dst)
	if math.Abs(dst[receiver.ChanThrottle]-341.0/683.0) > 1e-9 {
		t.Fatalf("throttle=%v want %v", dst[receiver.ChanThrottle], 341.0/683.0)
	}
}
