/*Package stepper drives a step/dir stepper motor that opens and closes a
valve between two limit switches.

The Controller turns step counts, angles and percent-open targets into
timed pulse trains, tracks the absolute position against the range measured
by Calibrate, and stops at the limit switches.  Moves may be synchronous
(MoveSteps, MoveAngle) or run on their own goroutine and report through a
Task and a Callback (MoveStepsAsync, MoveToPercentOpen, ...).  Only one move
or calibration runs at a time; a second request is refused with ErrBusy.

Motion is flat-speed.  Acceleration is stored and reported but not applied.

Stop is cooperative and takes effect before the next step.  EmergencyStop
also de-energizes the driver immediately and, unless the configuration says
otherwise, zeroes the step count.
*/
package stepper

import (
	"io"
	"log"
	"math"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/plantcare/dvalve/gpio"
)

// Controller is a calibrated stepper valve
type Controller struct {
	cfg   Config
	bank  *gpio.Bank
	log   *log.Logger
	sleep Sleeper

	enableOn, enableOff int

	st state

	// hw is held for reading by EmergencyStop while it writes the enable
	// line and for writing by Close while it releases the lines
	hw sync.RWMutex

	// workers tracks goroutines started by the async moves
	workers sync.WaitGroup
}

// New validates cfg, acquires the five lines from chip and returns an
// uncalibrated controller with the driver disabled.  A nil logger discards
// output and a nil sleep uses time.Sleep.
func New(chip gpio.Chip, cfg Config, logger *log.Logger, sleep Sleeper) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if sleep == nil {
		sleep = time.Sleep
	}
	on, off := cfg.EnableLevels()
	bank, err := gpio.Open(chip, cfg.Pins, "dvalve", off)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:       cfg,
		bank:      bank,
		log:       logger,
		sleep:     sleep,
		enableOn:  on,
		enableOff: off,
	}
	c.st.speed = cfg.Speed
	c.st.accel = cfg.Acceleration
	c.st.micro = cfg.Microstepping
	if err := c.disable(); err != nil {
		return nil, multierr.Append(err, bank.Close())
	}
	return c, nil
}

// Close stops any activity, waits for it to wind down, disables the driver
// and releases the lines
func (c *Controller) Close() error {
	c.st.mu.Lock()
	if c.st.closed {
		c.st.mu.Unlock()
		return nil
	}
	c.st.closed = true
	c.st.requestStopLocked(StoppedByUser)
	c.st.mu.Unlock()

	c.st.slot.Wait()
	c.workers.Wait()
	c.hw.Lock()
	defer c.hw.Unlock()
	return multierr.Append(c.disable(), c.bank.Close())
}

func (c *Controller) enable() error {
	return c.bank.Enable.Set(c.enableOn)
}

func (c *Controller) disable() error {
	return c.bank.Enable.Set(c.enableOff)
}

func (c *Controller) setDirection(dir Direction) error {
	if dir == Opening {
		return c.bank.Dir.Set(gpio.High)
	}
	return c.bank.Dir.Set(gpio.Low)
}

// asserted reads an active-low limit switch
func asserted(in gpio.Input) (bool, error) {
	v, err := in.Get()
	if err != nil {
		return false, err
	}
	return v == gpio.Low, nil
}

// MoveSteps moves count steps in dir and blocks until the move ends.  A
// limit switch or a stop ends the move early; that is reported in the
// Result, not as an error.
func (c *Controller) MoveSteps(count int, dir Direction) (Result, error) {
	if count < 0 {
		return Result{}, ErrNegativeDistance
	}
	if _, err := c.st.begin(moving, true); err != nil {
		return Result{}, err
	}
	return c.drive(count, dir)
}

// AngleToSteps converts degrees of shaft rotation to the nearest whole step
func (c *Controller) AngleToSteps(angle float64) int {
	perRev := c.cfg.StepsPerRevolution * c.Microstepping()
	return int(math.Round(angle * float64(perRev) / 360))
}

// MoveAngle moves the shaft angle degrees in dir
func (c *Controller) MoveAngle(angle float64, dir Direction) (Result, error) {
	if angle < 0 || math.IsNaN(angle) {
		return Result{}, ErrNegativeDistance
	}
	return c.MoveSteps(c.AngleToSteps(angle), dir)
}

// MoveStepsAsync starts a move of count steps in dir on its own goroutine.
// The slot is taken before returning, so an overlapping request gets
// ErrBusy here rather than interleaving pulses.  onComplete, if not nil,
// runs exactly once on the move's goroutine.
func (c *Controller) MoveStepsAsync(count int, dir Direction, onComplete Callback) (*Task, error) {
	if count < 0 {
		return nil, ErrNegativeDistance
	}
	gen, err := c.st.begin(moving, true)
	if err != nil {
		return nil, err
	}
	return c.spawn(gen, count, dir, onComplete), nil
}

// MoveRelative is MoveStepsAsync restricted to the room left in dir.
// count must be within [1, AvailableSteps(dir)].
func (c *Controller) MoveRelative(count int, dir Direction, onComplete Callback) (*Task, error) {
	gen, n, d, err := c.st.beginPlanned(func(current, full int) (int, Direction, error) {
		room := current
		if dir == Opening {
			room = full - current
		}
		if count < 1 || count > room {
			return 0, dir, ErrOutOfTravel
		}
		return count, dir, nil
	})
	if err != nil {
		return nil, err
	}
	return c.spawn(gen, n, d, onComplete), nil
}

// MoveToPercentOpen moves to round(percent/100 * full range) asynchronously
func (c *Controller) MoveToPercentOpen(percent float64, onComplete Callback) (*Task, error) {
	if !(percent >= 0 && percent <= 100) {
		return nil, ErrPercentOutOfRange
	}
	return c.moveTo(func(full int) int {
		return int(math.Round(percent / 100 * float64(full)))
	}, onComplete)
}

// MoveByPercent moves delta percent of the full range from the current
// position asynchronously.  The target must stay within [0, 100].
func (c *Controller) MoveByPercent(delta float64, onComplete Callback) (*Task, error) {
	if math.IsNaN(delta) {
		return nil, ErrPercentOutOfRange
	}
	gen, n, dir, err := c.st.beginPlanned(func(current, full int) (int, Direction, error) {
		move := int(math.Round(delta / 100 * float64(full)))
		target := current + move
		if target < 0 || target > full {
			return 0, Closing, ErrPercentOutOfRange
		}
		if move < 0 {
			return -move, Closing, nil
		}
		return move, Opening, nil
	})
	if err != nil {
		return nil, err
	}
	return c.spawn(gen, n, dir, onComplete), nil
}

// MoveToFullyOpen moves to the top of the calibrated range asynchronously
func (c *Controller) MoveToFullyOpen(onComplete Callback) (*Task, error) {
	return c.moveTo(func(full int) int { return full }, onComplete)
}

// MoveToFullyClosed moves to the bottom of the calibrated range asynchronously
func (c *Controller) MoveToFullyClosed(onComplete Callback) (*Task, error) {
	return c.moveTo(func(int) int { return 0 }, onComplete)
}

func (c *Controller) moveTo(target func(full int) int, onComplete Callback) (*Task, error) {
	gen, n, dir, err := c.st.beginPlanned(func(current, full int) (int, Direction, error) {
		delta := target(full) - current
		if delta < 0 {
			return -delta, Closing, nil
		}
		return delta, Opening, nil
	})
	if err != nil {
		return nil, err
	}
	return c.spawn(gen, n, dir, onComplete), nil
}

func (c *Controller) spawn(gen uint64, count int, dir Direction, onComplete Callback) *Task {
	t := &Task{c: c, gen: gen, done: make(chan struct{})}
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		t.res, t.err = c.drive(count, dir)
		if onComplete != nil {
			onComplete(t.res, t.err)
		}
		close(t.done)
	}()
	return t
}

// drive runs the pulse loop.  The caller holds the slot; drive releases it.
func (c *Controller) drive(count int, dir Direction) (res Result, err error) {
	res = Result{Direction: dir, Requested: count}
	defer func() {
		err = multierr.Append(err, c.disable())
		c.st.finish()
		c.report(res, err)
	}()

	c.st.mu.Lock()
	rpm, micro := c.st.speed, c.st.micro
	c.st.mu.Unlock()
	period, err := StepDelay(rpm, c.cfg.StepsPerRevolution, micro)
	if err != nil {
		return res, err
	}
	if err = c.enable(); err != nil {
		return res, err
	}
	if err = c.setDirection(dir); err != nil {
		return res, err
	}
	limit, tripped := c.bank.Bottom, StoppedByBottomLimit
	if dir == Opening {
		limit, tripped = c.bank.Top, StoppedByTopLimit
	}
	p := pulser{step: c.bank.Step, sleep: c.sleep, half: period / 2}
	for i := 0; i < count; i++ {
		if reason, stop := c.st.stopRequested(); stop {
			res.Outcome = reason
			return res, nil
		}
		hit, err := asserted(limit)
		if err != nil {
			return res, err
		}
		if hit {
			res.Outcome = tripped
			return res, nil
		}
		if err := p.pulse(); err != nil {
			return res, err
		}
		res.Taken++
		if c.st.advance(dir) {
			res.Overshoot++
		}
	}
	res.Outcome = Completed
	return res, nil
}

func (c *Controller) report(res Result, err error) {
	if err != nil {
		c.log.Printf("move %s aborted after %d of %d steps: %v", res.Direction, res.Taken, res.Requested, err)
		return
	}
	switch res.Outcome {
	case StoppedByTopLimit:
		c.log.Println("Top limit switch triggered")
	case StoppedByBottomLimit:
		c.log.Println("Bottom limit switch triggered")
	case StoppedByUser:
		c.log.Println("Movement stopped by user.")
	}
	if res.Overshoot > 0 {
		c.log.Printf("position tracker clamped %d steps %s past the calibrated range", res.Overshoot, res.Direction)
	}
}

// Stop asks the running move or calibration to stop before its next step
func (c *Controller) Stop() {
	c.st.requestStop(StoppedByUser)
}

// EmergencyStop stops any activity, de-energizes the driver at once and,
// unless PreservePositionOnEStop is set, zeroes the step count.  It may be
// called from any state and any number of times.
func (c *Controller) EmergencyStop() error {
	c.hw.RLock()
	defer c.hw.RUnlock()
	c.st.mu.Lock()
	closed := c.st.closed
	c.st.mu.Unlock()
	if closed {
		return nil
	}
	c.st.emergency(c.cfg.PreservePositionOnEStop)
	err := c.disable()
	c.log.Println("Emergency Stop Activated!")
	return err
}

// SetSpeed sets the move speed in RPM, used from the next move on
func (c *Controller) SetSpeed(rpm float64) error {
	if err := checkSpeed(rpm, c.cfg.MaxSpeed); err != nil {
		return err
	}
	c.st.mu.Lock()
	micro := c.st.micro
	c.st.mu.Unlock()
	if _, err := StepDelay(rpm, c.cfg.StepsPerRevolution, micro); err != nil {
		return err
	}
	c.st.mu.Lock()
	c.st.speed = rpm
	c.st.mu.Unlock()
	return nil
}

// SetAcceleration stores the acceleration in RPM/s.  It does not affect motion.
func (c *Controller) SetAcceleration(rpmPerSec float64) error {
	if rpmPerSec < 0 || math.IsNaN(rpmPerSec) {
		return &ConfigurationError{"Acceleration", "must not be negative"}
	}
	c.st.mu.Lock()
	c.st.accel = rpmPerSec
	c.st.mu.Unlock()
	return nil
}

// SetMicrostepping changes the driver subdivision.  It is refused while a
// move or calibration is running.
func (c *Controller) SetMicrostepping(m int) error {
	if m < 1 {
		return &ConfigurationError{"Microstepping", "must be at least 1"}
	}
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	if c.st.act != idle {
		return ErrBusy
	}
	if _, err := StepDelay(c.st.speed, c.cfg.StepsPerRevolution, m); err != nil {
		return err
	}
	c.st.micro = m
	return nil
}

// Speed returns the move speed in RPM
func (c *Controller) Speed() float64 {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.speed
}

// Acceleration returns the stored acceleration in RPM/s
func (c *Controller) Acceleration() float64 {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.accel
}

// Microstepping returns the driver subdivision
func (c *Controller) Microstepping() int {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.micro
}

// StepsPerRevolution returns the full steps per motor turn
func (c *Controller) StepsPerRevolution() int {
	return c.cfg.StepsPerRevolution
}

// CurrentStepCount returns the steps from the calibrated zero
func (c *Controller) CurrentStepCount() int {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.current
}

// FullRangeCount returns the steps between the limit switches
func (c *Controller) FullRangeCount() int {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.full
}

// PercentOpen returns the position as a percentage of the full range, or
// ErrNotCalibrated before calibration
func (c *Controller) PercentOpen() (float64, error) {
	return c.st.percentOpen()
}

// IsMoving is true while a move runs and no stop has been requested
func (c *Controller) IsMoving() bool {
	return c.st.isMoving()
}

// IsCalibrating is true while calibration runs and no stop has been requested
func (c *Controller) IsCalibrating() bool {
	return c.st.isCalibrating()
}

// IsIdle is true once no move or calibration holds the motion slot.
// IsMoving turns false as soon as a stop is requested, while the slot is
// only given back when the step loop exits; a new move is accepted once
// IsIdle is true.
func (c *Controller) IsIdle() bool {
	return !c.st.busy()
}

// IsCalibrated is true once a calibration has completed
func (c *Controller) IsCalibrated() bool {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.calibrated
}

// AvailableSteps returns how far the valve can still travel in dir
func (c *Controller) AvailableSteps(dir Direction) (int, error) {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	if !c.st.calibrated {
		return 0, ErrNotCalibrated
	}
	if dir == Opening {
		return c.st.full - c.st.current, nil
	}
	return c.st.current, nil
}

// Status returns a consistent snapshot of the controller
func (c *Controller) Status() Status {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	pct, _ := c.st.percentLocked()
	return Status{
		CurrentStepCount:   c.st.current,
		FullRangeCount:     c.st.full,
		PercentOpen:        pct,
		Moving:             c.st.act == moving && !c.st.stopping,
		Calibrating:        c.st.act == calibrating && !c.st.stopping,
		Calibrated:         c.st.calibrated,
		Speed:              c.st.speed,
		Acceleration:       c.st.accel,
		Microstepping:      c.st.micro,
		StepsPerRevolution: c.cfg.StepsPerRevolution,
	}
}
