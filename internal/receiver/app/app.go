// Package app accepts stick commands from a phone or ground-station app
// over a websocket and exposes them as a command backend.
//
// The wire format is the 8-byte Visuo-style frame
//
//	{0x66, roll, pitch, throttle, yaw, flags, crc, 0x99}
//
// with stick bytes centered at 128 and a 1-polynomial CRC-8 computed
// over the frame with the CRC byte zeroed. The app retransmits at a
// fixed rate; a quiet link means the pilot is gone.
package app

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rotorfc/internal/receiver"
)

const (
	frameLen    = 8
	frameHeader = 0x66
	frameFooter = 0x99
)

// Named indexes into a frame.
const (
	_ = iota
	rollByte
	pitchByte
	throttleByte
	yawByte
	flagsByte
	crcByte
)

// Flag bits consumed by the vehicle. The remaining bits are reserved by
// the app protocol and ignored here.
const (
	holdFlag     = 1 << 4
	headlessFlag = 1 << 7
)

// No frame for this long means the app link is gone.
const lossTimeout = 500 * time.Millisecond

var errBadFrame = errors.New("app: bad frame")

type frame struct {
	roll     float64
	pitch    float64
	throttle float64
	yaw      float64
	hold     bool
	headless bool
}

func decodeFrame(data []byte) (frame, error) {
	if len(data) != frameLen || data[0] != frameHeader || data[frameLen-1] != frameFooter {
		return frame{}, errBadFrame
	}
	if crc8(data) != 0 {
		return frame{}, errBadFrame
	}
	return frame{
		roll:     stick(data[rollByte]),
		pitch:    stick(data[pitchByte]),
		throttle: stick(data[throttleByte]),
		yaw:      stick(data[yawByte]),
		hold:     data[flagsByte]&holdFlag != 0,
		headless: data[flagsByte]&headlessFlag != 0,
	}, nil
}

// stick maps a 128-centered byte onto [-1,+1].
func stick(b byte) float64 {
	v := (float64(b) - 128) / 127
	if v < -1 {
		v = -1
	}
	return v
}

// crc8 is the app protocol's cyclic redundancy check (polynomial 1).
// A valid frame checks to zero.
func crc8(data []byte) byte {
	crc := ^byte(0)
	for _, b := range data {
		for i := 7; i >= 0; i-- {
			crc = (crc<<1 + crc>>7) ^ (b >> uint(i) & 1)
		}
	}
	return crc
}

type Config struct {
	// Listen is the websocket bind address, e.g. ":5556".
	Listen string
}

// Backend serves the app websocket endpoint and hands the latest stick
// frame to the flight loop.
type Backend struct {
	cfg Config

	mu        sync.Mutex
	channels  [receiver.NumChannels]float64
	fresh     bool
	haveFrame bool
	lastFrame time.Time
	headless  bool
	badFrames uint64

	server *http.Server
	addr   net.Addr
}

func New(cfg Config) *Backend {
	if cfg.Listen == "" {
		cfg.Listen = ":5556"
	}
	return &Backend{cfg: cfg}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func (b *Backend) Begin() error {
	ln, err := net.Listen("tcp", b.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", b.cfg.Listen, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/control", b.handleControl)
	b.server = &http.Server{Handler: mux}
	b.addr = ln.Addr()
	go func() {
		if err := b.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("app: server stopped: %v", err)
		}
	}()
	log.Printf("app: listening on %s", b.addr)
	return nil
}

// Addr returns the bound listen address once Begin has succeeded.
func (b *Backend) Addr() string {
	if b.addr == nil {
		return ""
	}
	return b.addr.String()
}

func (b *Backend) handleControl(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	log.Printf("app: pilot connected from %s", conn.RemoteAddr())
	defer func() {
		_ = conn.Close()
		log.Printf("app: pilot gone from %s", conn.RemoteAddr())
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		b.handleFrame(data, time.Now())
	}
}

// handleFrame decodes one wire frame into the channel buffer. Invalid
// frames are counted and dropped; the app retransmits continuously, so
// the next good frame is at most one tick away.
func (b *Backend) handleFrame(data []byte, now time.Time) {
	f, err := decodeFrame(data)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.badFrames++
		return
	}
	b.channels[receiver.ChanThrottle] = f.throttle
	b.channels[receiver.ChanRoll] = f.roll
	b.channels[receiver.ChanPitch] = f.pitch
	b.channels[receiver.ChanYaw] = f.yaw
	if f.hold {
		b.channels[receiver.ChanAux] = 1
	} else {
		b.channels[receiver.ChanAux] = -1
	}
	b.headless = f.headless
	b.fresh = true
	b.haveFrame = true
	b.lastFrame = now
}

func (b *Backend) GotNewFrame() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	fresh := b.fresh
	b.fresh = false
	return fresh
}

func (b *Backend) ReadRawChannels(dst []float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(dst, b.channels[:])
}

func (b *Backend) LostSignal() bool {
	return b.lostAt(time.Now())
}

func (b *Backend) lostAt(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.haveFrame {
		return true
	}
	return now.Sub(b.lastFrame) > lossTimeout
}

func (b *Backend) UsesSerial() bool { return false }

// HeadlessRequested reports the headless bit of the latest frame.
func (b *Backend) HeadlessRequested() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.headless
}

func (b *Backend) Close() error {
	if b.server == nil {
		return nil
	}
	return b.server.Close()
}
