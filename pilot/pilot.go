// Package pilot implements a ground-station transmitter for the
// vehicle's app receiver.
//
// Driver satisfies gobot.Driver, so a transmitter drops straight into a
// gobot robot:
//
//	drone := pilot.NewDriver("ws://192.168.4.1:5556/control")
//	work := func() {
//		drone.Sticks(-1, 1, 0, 0) // throttle down, yaw right: arm
//		time.Sleep(time.Second)
//		drone.Sticks(0.3, 0, 0, 0)
//	}
//	robot := gobot.NewRobot("flyer", []gobot.Device{drone}, work)
//
// The driver retransmits the current stick frame at 50 Hz, the same
// cadence toy quad transmitters use; the vehicle treats half a second
// of silence as signal loss.
package pilot

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gobot.io/x/gobot"
)

// Wire frame layout, shared with the vehicle's app receiver.
const (
	frameLen    = 8
	frameHeader = 0x66
	frameFooter = 0x99
)

const (
	_ = iota
	rollByte
	pitchByte
	throttleByte
	yawByte
	flagsByte
	crcByte
)

const (
	holdFlag     = 1 << 4
	headlessFlag = 1 << 7
)

const sendRate = time.Second / 50

// cmd is the frame under construction, shared between the caller and
// the transmit loop.
type cmd struct {
	sync.RWMutex
	data [frameLen]byte
}

// init writes the frame skeleton and neutral sticks in place.
func (c *cmd) init() {
	c.data[0] = frameHeader
	c.data[frameLen-1] = frameFooter
	c.set(func(data []byte) {
		data[rollByte] = normalize(0)
		data[pitchByte] = normalize(0)
		data[throttleByte] = normalize(0)
		data[yawByte] = normalize(0)
		data[flagsByte] = 0
	})
}

func (c *cmd) set(f func(data []byte)) {
	c.Lock()
	f(c.data[:])
	c.data[crcByte] = 0
	c.data[crcByte] = crc8(c.data[:])
	c.Unlock()
}

func (c *cmd) snapshot() []byte {
	c.RLock()
	defer c.RUnlock()
	out := make([]byte, frameLen)
	copy(out, c.data[:])
	return out
}

// Driver transmits stick frames to the vehicle over a websocket.
type Driver struct {
	mu      sync.Mutex
	name    string
	url     string
	cmd     cmd
	conn    *websocket.Conn
	stop    chan struct{}
	done    chan struct{}
	onError func(error)
}

// NewDriver creates a transmitter for the vehicle at url, e.g.
// "ws://192.168.4.1:5556/control".
func NewDriver(url string) *Driver {
	d := &Driver{
		name: gobot.DefaultName("RotorFC"),
		url:  url,
	}
	d.cmd.init()
	return d
}

// Name returns the driver name. Part of the gobot.Driver interface.
func (d *Driver) Name() string { return d.name }

// SetName sets the driver name. Part of the gobot.Driver interface.
func (d *Driver) SetName(name string) { d.name = name }

// Connection is here to satisfy gobot.Driver; the websocket is managed
// internally.
func (d *Driver) Connection() gobot.Connection { return nil }

// OnError installs a callback for transmit failures.
func (d *Driver) OnError(f func(error)) {
	d.mu.Lock()
	d.onError = f
	d.mu.Unlock()
}

// Start dials the vehicle and begins the 50 Hz transmit loop.
func (d *Driver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return nil
	}
	conn, _, err := websocket.DefaultDialer.Dial(d.url, nil)
	if err != nil {
		return err
	}
	d.conn = conn
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.transmitLoop(conn, d.stop, d.done)
	return nil
}

// Halt stops transmitting and closes the link. The vehicle will latch
// failsafe if it was still armed.
func (d *Driver) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	close(d.stop)
	<-d.done
	err := d.conn.Close()
	d.conn = nil
	return err
}

func (d *Driver) transmitLoop(conn *websocket.Conn, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(sendRate)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.BinaryMessage, d.cmd.snapshot()); err != nil {
				d.reportError(err)
			}
		}
	}
}

func (d *Driver) reportError(err error) {
	d.mu.Lock()
	f := d.onError
	d.mu.Unlock()
	if f != nil {
		f(err)
	}
}

// Sticks sets the stick frame. Each argument is in [-1,+1]: up is
// throttle, rotate is yaw, forwards is pitch and sideways is roll.
// Flags are left untouched.
func (d *Driver) Sticks(up, rotate, forwards, sideways float64) {
	d.cmd.set(func(data []byte) {
		data[rollByte] = normalize(sideways)
		data[pitchByte] = normalize(forwards)
		data[throttleByte] = normalize(up)
		data[yawByte] = normalize(rotate)
	})
}

// Hover returns all sticks to neutral.
func (d *Driver) Hover() {
	d.Sticks(0, 0, 0, 0)
}

// AltHold raises or lowers the altitude-hold switch.
func (d *Driver) AltHold(on bool) {
	d.setFlag(holdFlag, on)
}

// Headless asks the vehicle to fly cyclic sticks in the pilot's frame
// of reference instead of its own.
func (d *Driver) Headless(on bool) {
	d.setFlag(headlessFlag, on)
}

func (d *Driver) setFlag(flag byte, on bool) {
	d.cmd.set(func(data []byte) {
		if on {
			data[flagsByte] |= flag
		} else {
			data[flagsByte] &^= flag
		}
	})
}

// normalize maps a stick value onto a 128-centered byte:
//
//	-1. => 0x01
//	 0. => 0x80
//	+1. => 0xff
func normalize(val float64) byte {
	if val > +1 {
		val = +1
	}
	if val < -1 {
		val = -1
	}
	return byte(128 + val*127)
}

// crc8 is the frame checksum (polynomial 1); valid frames check to zero.
func crc8(data []byte) byte {
	crc := ^byte(0)
	for _, b := range data {
		for i := 7; i >= 0; i-- {
			crc = (crc<<1 + crc>>7) ^ (b >> uint(i) & 1)
		}
	}
	return crc
}
