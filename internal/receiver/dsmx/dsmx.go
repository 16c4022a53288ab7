// Package dsmx reads a Spektrum DSMX satellite receiver over a serial
// port and exposes it as a command backend for the flight loop.
//
// The satellite emits 16-byte frames: two status bytes followed by
// seven big-endian 16-bit fields. In 2048 mode each field carries a
// channel id in bits 11-14 and an 11-bit value centered at 1024. Frame
// boundaries are not marked; a quiet gap on the wire starts a new
// frame.
package dsmx

import (
	"fmt"
	"log"
	"sync"
	"time"

	serial "go.bug.st/serial"

	"rotorfc/internal/receiver"
)

const (
	frameSize   = 16
	fieldsStart = 2

	chanShift = 11
	chanMask  = 0x0F
	valueMask = 0x07FF
	center    = 1024
	// Counts per full stick deflection at standard transmitter travel.
	fullScale = 683.0

	// Quiet time on the wire that marks the start of a new frame.
	frameGap = 5 * time.Millisecond
	// No complete frame for this long means the transmitter is gone.
	lossTimeout = 500 * time.Millisecond
)

type Config struct {
	Port string
	Baud int
}

// frameReader turns a timestamped byte stream into channel values. It
// is not safe for concurrent use; Backend serializes access.
type frameReader struct {
	buf      [frameSize]byte
	n        int
	lastByte time.Time

	channels  [receiver.NumChannels]float64
	fresh     bool
	lastFrame time.Time
	haveFrame bool
}

func (r *frameReader) feed(now time.Time, b byte) {
	if r.n > 0 && now.Sub(r.lastByte) > frameGap {
		r.n = 0
	}
	r.lastByte = now

	r.buf[r.n] = b
	r.n++
	if r.n < frameSize {
		return
	}
	r.n = 0
	r.decode(now)
}

func (r *frameReader) decode(now time.Time) {
	for i := fieldsStart; i+1 < frameSize; i += 2 {
		field := uint16(r.buf[i])<<8 | uint16(r.buf[i+1])
		ch := int(field>>chanShift) & chanMask
		if ch >= receiver.NumChannels {
			continue
		}
		value := int(field & valueMask)
		r.channels[ch] = float64(value-center) / fullScale
	}
	r.fresh = true
	r.lastFrame = now
	r.haveFrame = true
}

func (r *frameReader) lost(now time.Time) bool {
	if !r.haveFrame {
		return true
	}
	return now.Sub(r.lastFrame) > lossTimeout
}

// Backend is a receiver.Backend fed by a serial read goroutine.
type Backend struct {
	cfg Config

	mu     sync.Mutex
	reader frameReader

	port serial.Port
	done chan struct{}
}

func New(cfg Config) *Backend {
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	return &Backend{cfg: cfg}
}

func (b *Backend) Begin() error {
	port, err := serial.Open(b.cfg.Port, &serial.Mode{BaudRate: b.cfg.Baud})
	if err != nil {
		return fmt.Errorf("open %s: %w", b.cfg.Port, err)
	}
	b.port = port
	b.done = make(chan struct{})
	go b.readLoop(port)
	log.Printf("dsmx: reading %s baud=%d", b.cfg.Port, b.cfg.Baud)
	return nil
}

func (b *Backend) readLoop(port serial.Port) {
	defer close(b.done)
	buf := make([]byte, frameSize)
	for {
		n, err := port.Read(buf)
		if err != nil {
			// The loss timeout latches failsafe once this stops feeding.
			log.Printf("dsmx: read stopped: %v", err)
			return
		}
		now := time.Now()
		b.mu.Lock()
		for _, c := range buf[:n] {
			b.reader.feed(now, c)
		}
		b.mu.Unlock()
	}
}

func (b *Backend) GotNewFrame() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	fresh := b.reader.fresh
	b.reader.fresh = false
	return fresh
}

func (b *Backend) ReadRawChannels(dst []float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(dst, b.reader.channels[:])
}

func (b *Backend) LostSignal() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reader.lost(time.Now())
}

// UsesSerial reports that this backend owns the serial console, so the
// board must not open a telemetry port on it.
func (b *Backend) UsesSerial() bool { return true }

func (b *Backend) Close() error {
	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	<-b.done
	b.port = nil
	return err
}
