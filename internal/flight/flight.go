package flight

import (
	"fmt"
	"log"
	"math"

	"rotorfc/internal/alt"
	"rotorfc/internal/vehicle"
)

// Board is the hardware the loop polls. Sensor getters return false when
// no fresh sample is available; that is a normal outcome, not an error.
type Board interface {
	Init() error
	GyroRates() ([3]float64, bool)
	Attitude() (vehicle.Attitude, bool)
	Accel() ([3]float64, bool)
	Barometer() (float64, bool)
	Micros() uint32
	ShowArmedStatus(bool)
	// AuxComms lets the board run its own reporting (telemetry serial,
	// debug consoles) without the loop knowing the protocol. Called once
	// per fresh orientation estimate.
	AuxComms(att vehicle.Attitude, armed bool, link AuxLink)
}

// AuxLink is the read-only view a board gets of the rest of the vehicle.
type AuxLink interface {
	LastDemands() vehicle.Demands
	Motors() []float64
}

// CommandSource is the pilot link.
type CommandSource interface {
	Init() error
	PollDemands(yawDelta float64) (vehicle.Demands, bool)
	ThrottleIsDown() bool
	ArmingRequested() bool
	DisarmingRequested() bool
	LostSignal() bool
	LastDemands() vehicle.Demands
}

// Stabilizer is the rate cascade.
type Stabilizer interface {
	Init() error
	UpdateAttitude(vehicle.Attitude)
	UpdateDemands(vehicle.Demands)
	ModifyDemands(gyro [3]float64, d vehicle.Demands) vehicle.Demands
	ResetIntegral()
}

// Altitude is the altitude/climb estimator with its hold.
type Altitude interface {
	UpdateAccel(sample [3]float64, micros uint32)
	UpdateBaro(armed bool, pressurePa float64, micros uint32)
	HandleAuxSwitch(d vehicle.Demands)
	ModifyDemands(d vehicle.Demands) vehicle.Demands
	Engaged() bool
	Estimate() alt.Estimate
}

// Mixer turns demands into motor output.
type Mixer interface {
	Init() error
	RunArmed(d vehicle.Demands)
	Cut()
	Motors() []float64
}

// Counters tracks how many fresh samples each path has consumed.
type Counters struct {
	Gyro        uint64
	Orientation uint64
	Receiver    uint64
	Accel       uint64
	Baro        uint64
}

// Status is a snapshot for the periodic log line.
type Status struct {
	Armed       bool
	Failsafe    bool
	HoldEngaged bool
	Attitude    vehicle.Attitude
	Estimate    alt.Estimate
	Counters    Counters
}

type Config struct {
	MaxArmingAngleDeg float64
}

type Deps struct {
	Board    Board
	Commands CommandSource
	Stab     Stabilizer
	Alt      Altitude
	Mixer    Mixer
}

// Controller is the flight core: one single-threaded loop that polls
// sensors and the pilot link in a fixed order and owns all vehicle
// state. Tick never blocks; every stage runs only when its source has
// fresh data.
type Controller struct {
	maxArmingAngle float64

	board Board
	cmds  CommandSource
	stab  Stabilizer
	alt   Altitude
	mixer Mixer
	link  auxLink

	safety   vehicle.Safety
	att      vehicle.Attitude
	demands  vehicle.Demands
	counters Counters
}

func New(cfg Config, d Deps) *Controller {
	if cfg.MaxArmingAngleDeg <= 0 {
		cfg.MaxArmingAngleDeg = 25
	}
	return &Controller{
		maxArmingAngle: cfg.MaxArmingAngleDeg * math.Pi / 180,
		board:          d.Board,
		cmds:           d.Commands,
		stab:           d.Stab,
		alt:            d.Alt,
		mixer:          d.Mixer,
		link:           auxLink{rx: d.Commands, mx: d.Mixer},
	}
}

// Init brings up the collaborators in dependency order and fails fast:
// a vehicle that cannot finish Init must not fly.
func (c *Controller) Init() error {
	if err := c.board.Init(); err != nil {
		return fmt.Errorf("board: %w", err)
	}
	if err := c.cmds.Init(); err != nil {
		return fmt.Errorf("command source: %w", err)
	}
	if err := c.stab.Init(); err != nil {
		return fmt.Errorf("stabilizer: %w", err)
	}
	if err := c.mixer.Init(); err != nil {
		return fmt.Errorf("mixer: %w", err)
	}
	c.safety = vehicle.Safety{}
	c.board.ShowArmedStatus(false)
	return nil
}

// Tick runs one loop iteration.
func (c *Controller) Tick() {
	c.checkGyroRates()
	c.checkOrientation()
	c.checkReceiver()
	c.checkAccelerometer()
	c.checkBarometer()
}

func (c *Controller) checkGyroRates() {
	rates, ok := c.board.GyroRates()
	if !ok {
		return
	}
	c.counters.Gyro++

	// Start with the latest pilot demands, then let the cascade and the
	// altitude hold rewrite their channels.
	d := c.demands
	d = c.stab.ModifyDemands(rates, d)
	d = c.alt.ModifyDemands(d)

	// Failsafe is synced to the gyro path: motor commands only happen
	// here, so this is the one place a cut can outrun a spin-up.
	c.checkFailsafe()

	if c.safety.Armed && !c.safety.Failsafe && !c.cmds.ThrottleIsDown() {
		c.mixer.RunArmed(d)
	}
}

func (c *Controller) checkFailsafe() {
	if c.safety.Armed && c.cmds.LostSignal() {
		c.mixer.Cut()
		c.safety.EnterFailsafe()
		c.board.ShowArmedStatus(false)
		log.Printf("flight: signal lost, failsafe latched")
	}
}

func (c *Controller) checkOrientation() {
	att, ok := c.board.Attitude()
	if !ok {
		return
	}
	c.counters.Orientation++

	// Heading comes in as [-pi,+pi); keep it in [0,2*pi).
	if att.Yaw < 0 {
		att.Yaw += 2 * math.Pi
	}
	c.att = att

	c.stab.UpdateAttitude(att)
	c.board.AuxComms(att, c.safety.Armed, c.link)
}

func (c *Controller) checkReceiver() {
	d, ok := c.cmds.PollDemands(c.att.Yaw - c.safety.YawAtArming)
	if !ok {
		return
	}
	c.counters.Receiver++
	c.demands = d

	c.stab.UpdateDemands(d)

	// Landed: keep integral state from winding up.
	if c.cmds.ThrottleIsDown() {
		c.stab.ResetIntegral()
	}

	if (c.safety.Armed || c.safety.Failsafe) && c.cmds.DisarmingRequested() {
		c.safety.Disarm()
		c.mixer.Cut()
		log.Printf("flight: disarmed")
	}

	if c.safety.TryArm(c.att, c.cmds.ArmingRequested(), c.maxArmingAngle) {
		log.Printf("flight: armed, yaw reference %.3f rad", c.safety.YawAtArming)
	}

	if c.safety.SetAux(d.Aux) {
		c.alt.HandleAuxSwitch(d)
		log.Printf("flight: aux switch %d, altitude hold engaged=%v", d.Aux, c.alt.Engaged())
	}

	if c.safety.Armed && c.cmds.ThrottleIsDown() {
		c.mixer.Cut()
	}

	c.board.ShowArmedStatus(c.safety.Armed)
}

func (c *Controller) checkAccelerometer() {
	sample, ok := c.board.Accel()
	if !ok {
		return
	}
	c.counters.Accel++
	c.alt.UpdateAccel(sample, c.board.Micros())
}

func (c *Controller) checkBarometer() {
	pressure, ok := c.board.Barometer()
	if !ok {
		return
	}
	c.counters.Baro++
	c.alt.UpdateBaro(c.safety.Armed, pressure, c.board.Micros())
}

// Counters returns the per-path sample counts.
func (c *Controller) Counters() Counters {
	return c.counters
}

// Status returns a snapshot for logging.
func (c *Controller) Status() Status {
	return Status{
		Armed:       c.safety.Armed,
		Failsafe:    c.safety.Failsafe,
		HoldEngaged: c.alt.Engaged(),
		Attitude:    c.att,
		Estimate:    c.alt.Estimate(),
		Counters:    c.counters,
	}
}

type auxLink struct {
	rx CommandSource
	mx Mixer
}

func (l auxLink) LastDemands() vehicle.Demands { return l.rx.LastDemands() }
func (l auxLink) Motors() []float64            { return l.mx.Motors() }
