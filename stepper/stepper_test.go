package stepper_test

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/plantcare/dvalve/gpio"
	"github.com/plantcare/dvalve/stepper"
)

func nosleep(time.Duration) {}

func newValve(t *testing.T, travel, start int) (*stepper.Controller, *gpio.Sim) {
	t.Helper()
	cfg := stepper.DefaultConfig()
	sim := gpio.NewSim(cfg.Pins, travel, start)
	c, err := stepper.New(sim, cfg, nil, nosleep)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c, sim
}

func calibrated(t *testing.T, travel, start int) (*stepper.Controller, *gpio.Sim) {
	t.Helper()
	c, sim := newValve(t, travel, start)
	if _, err := c.Calibrate(); err != nil {
		t.Fatal(err)
	}
	return c, sim
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := stepper.DefaultConfig()
	cfg.Speed = 0
	sim := gpio.NewSim(cfg.Pins, 100, 0)
	_, err := stepper.New(sim, cfg, nil, nosleep)
	var cfgErr *stepper.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigurationError, got %v", err)
	}
	if sim.Held() != 0 {
		t.Error("no lines should be requested for an invalid config")
	}

	cfg = stepper.DefaultConfig()
	cfg.Pins.Dir = cfg.Pins.Step
	if _, err = stepper.New(sim, cfg, nil, nosleep); !errors.As(err, &cfgErr) {
		t.Errorf("expected pin conflict to be a *ConfigurationError, got %v", err)
	}
}

func TestNewStartsDisabled(t *testing.T) {
	c, sim := newValve(t, 100, 50)
	if sim.Enabled() {
		t.Error("driver should start disabled")
	}
	if c.IsCalibrated() || c.IsMoving() {
		t.Error("fresh controller should be idle and uncalibrated")
	}
}

func TestUncalibratedMoveIssuesNoPulses(t *testing.T) {
	c, sim := newValve(t, 100, 50)
	_, err := c.MoveSteps(50, stepper.Opening)
	if err != stepper.ErrNotCalibrated {
		t.Fatalf("expected ErrNotCalibrated, got %v", err)
	}
	if _, pulses := sim.Snapshot(); pulses != 0 {
		t.Errorf("expected zero pulses, got %d", pulses)
	}
	if c.IsMoving() {
		t.Error("refused move left isMoving set")
	}
	if _, err := c.MoveToPercentOpen(50, nil); err != stepper.ErrNotCalibrated {
		t.Errorf("expected ErrNotCalibrated for percent move, got %v", err)
	}
	if _, err := c.PercentOpen(); err != stepper.ErrNotCalibrated {
		t.Errorf("expected ErrNotCalibrated for percent query, got %v", err)
	}
}

func TestCalibrate(t *testing.T) {
	c, sim := newValve(t, 1000, 420)
	full, err := c.Calibrate()
	if err != nil {
		t.Fatal(err)
	}
	if full != 1000 || c.FullRangeCount() != 1000 {
		t.Errorf("expected a range of 1000, got %d", full)
	}
	if !c.IsCalibrated() {
		t.Error("expected calibrated")
	}
	if c.CurrentStepCount() != c.FullRangeCount() {
		t.Errorf("expected to end fully open, count=%d", c.CurrentStepCount())
	}
	if pos, _ := sim.Snapshot(); pos != 1000 {
		t.Errorf("plant should be at the top switch, is at %d", pos)
	}
	if sim.Enabled() {
		t.Error("driver left enabled after calibration")
	}
	pct, err := c.PercentOpen()
	if err != nil || pct != 100 {
		t.Errorf("expected 100%% open, got %v %v", pct, err)
	}
}

func TestCalibrateTimesOut(t *testing.T) {
	cfg := stepper.DefaultConfig()
	cfg.MaxCalibrationSteps = 50
	sim := gpio.NewSim(cfg.Pins, 1000, 500)
	sim.StuckBottom = true
	c, err := stepper.New(sim, cfg, nil, nosleep)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Calibrate(); err != stepper.ErrCalibrationTimeout {
		t.Fatalf("expected ErrCalibrationTimeout, got %v", err)
	}
	if _, pulses := sim.Snapshot(); pulses != 50 {
		t.Errorf("expected the ceiling of 50 pulses, got %d", pulses)
	}
	if c.IsCalibrated() || c.IsCalibrating() {
		t.Error("failed calibration must leave the controller uncalibrated and idle")
	}
	if sim.Enabled() {
		t.Error("driver left enabled after failed calibration")
	}
}

func TestCalibrateNoTravel(t *testing.T) {
	c, _ := newValve(t, 0, 0)
	if _, err := c.Calibrate(); err != stepper.ErrNoTravel {
		t.Fatalf("expected ErrNoTravel, got %v", err)
	}
	if c.IsCalibrated() {
		t.Error("zero range must not count as calibrated")
	}
}

func TestCalibrateAborted(t *testing.T) {
	c, sim := newValve(t, 1000, 500)
	var once sync.Once
	sim.OnStep = func(int) { once.Do(c.Stop) }
	if _, err := c.Calibrate(); err != stepper.ErrCalibrationAborted {
		t.Fatalf("expected ErrCalibrationAborted, got %v", err)
	}
	if c.IsCalibrated() {
		t.Error("aborted calibration must leave the controller uncalibrated")
	}
}

func TestEmergencyStopDuringCalibration(t *testing.T) {
	c, sim := newValve(t, 1000, 500)
	var once sync.Once
	var estopErr error
	sim.OnStep = func(int) {
		once.Do(func() { estopErr = c.EmergencyStop() })
	}
	if _, err := c.Calibrate(); err != stepper.ErrCalibrationAborted {
		t.Fatalf("expected ErrCalibrationAborted, got %v", err)
	}
	if estopErr != nil {
		t.Errorf("emergency stop during calibration failed: %v", estopErr)
	}
	if c.IsCalibrated() || c.IsCalibrating() || !c.IsIdle() {
		t.Error("expected an idle, uncalibrated controller after the emergency stop")
	}
	if sim.Enabled() {
		t.Error("driver left enabled")
	}
	if err := c.EmergencyStop(); err != nil {
		t.Errorf("second emergency stop: %v", err)
	}
}

func TestStopReleasesSlotWhenLoopExits(t *testing.T) {
	c, sim := calibrated(t, 1000, 0)
	var (
		once         sync.Once
		moving, idle bool
	)
	sim.OnStep = func(int) {
		once.Do(func() {
			c.Stop()
			moving, idle = c.IsMoving(), c.IsIdle()
		})
	}
	task, err := c.MoveStepsAsync(100, stepper.Closing, nil)
	if err != nil {
		t.Fatal(err)
	}
	task.Wait()
	if moving {
		t.Error("IsMoving should be false once a stop is requested")
	}
	if idle {
		t.Error("the slot is held until the step loop exits")
	}
	if !c.IsIdle() {
		t.Error("expected idle after the move ended")
	}
	if _, err := c.MoveStepsAsync(1, stepper.Closing, nil); err != nil {
		t.Errorf("a move after the stopped one should be accepted, got %v", err)
	}
}

func TestEmergencyStopRacingClose(t *testing.T) {
	for i := 0; i < 200; i++ {
		c, _ := newValve(t, 100, 50)
		errs := make(chan error, 1)
		go func() { errs <- c.EmergencyStop() }()
		if err := c.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		if err := <-errs; err != nil {
			t.Fatalf("emergency stop racing close: %v", err)
		}
	}
}

func TestCalibrationAndMotionExclusive(t *testing.T) {
	c, sim := calibrated(t, 1000, 0)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	sim.OnStep = func(int) {
		once.Do(func() {
			close(started)
			<-release
		})
	}
	task, err := c.MoveStepsAsync(100, stepper.Closing, nil)
	if err != nil {
		t.Fatal(err)
	}
	<-started
	if _, err := c.Calibrate(); err != stepper.ErrBusy {
		t.Errorf("expected ErrBusy for calibration during a move, got %v", err)
	}
	if _, err := c.MoveStepsAsync(1, stepper.Opening, nil); err != stepper.ErrBusy {
		t.Errorf("expected ErrBusy for a second async move, got %v", err)
	}
	if _, err := c.MoveSteps(1, stepper.Opening); err != stepper.ErrBusy {
		t.Errorf("expected ErrBusy for a sync move during an async one, got %v", err)
	}
	if err := c.SetMicrostepping(4); err != stepper.ErrBusy {
		t.Errorf("expected ErrBusy changing microstepping mid-move, got %v", err)
	}
	close(release)
	res, err := task.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != stepper.Completed || res.Taken != 100 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestFullyClosedFromFullyOpen(t *testing.T) {
	c, sim := calibrated(t, 1000, 0)
	if c.FullRangeCount() != 1000 || c.CurrentStepCount() != 1000 {
		t.Fatalf("precondition: expected 1000/1000, got %d/%d", c.CurrentStepCount(), c.FullRangeCount())
	}
	_, before := sim.Snapshot()
	task, err := c.MoveToFullyClosed(nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := task.Wait()
	if err != nil {
		t.Fatal(err)
	}
	_, after := sim.Snapshot()
	if after-before != 1000 || res.Taken != 1000 {
		t.Errorf("expected exactly 1000 closing steps, got %d pulses, %d taken", after-before, res.Taken)
	}
	if res.Direction != stepper.Closing || res.Outcome != stepper.Completed {
		t.Errorf("unexpected result %+v", res)
	}
	if c.CurrentStepCount() != 0 {
		t.Errorf("expected count 0, got %d", c.CurrentStepCount())
	}
	if pct, _ := c.PercentOpen(); pct != 0 {
		t.Errorf("expected 0%% open, got %v", pct)
	}
}

func TestPercentOpenWithinOneStep(t *testing.T) {
	c, _ := calibrated(t, 997, 100)
	step := 100 / float64(c.FullRangeCount())
	for _, p := range []float64{0, 12.5, 33.3, 50, 66.6, 99.9, 100, 1} {
		task, err := c.MoveToPercentOpen(p, nil)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := task.Wait(); err != nil {
			t.Fatal(err)
		}
		got, err := c.PercentOpen()
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(got-p) > step {
			t.Errorf("target %v%%, settled at %v%%", p, got)
		}
	}
}

func TestPercentOutOfRange(t *testing.T) {
	c, _ := calibrated(t, 100, 0)
	for _, p := range []float64{-1, 100.5, math.NaN()} {
		if _, err := c.MoveToPercentOpen(p, nil); err != stepper.ErrPercentOutOfRange {
			t.Errorf("%v: expected ErrPercentOutOfRange, got %v", p, err)
		}
	}
}

func TestCountNeverLeavesRange(t *testing.T) {
	c, sim := calibrated(t, 500, 250)
	full := c.FullRangeCount()
	var bad []int
	sim.OnStep = func(int) {
		if n := c.CurrentStepCount(); n < 0 || n > full {
			bad = append(bad, n)
		}
	}
	res, err := c.MoveSteps(800, stepper.Closing)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != stepper.StoppedByBottomLimit {
		t.Errorf("expected the bottom switch to end the move, got %v", res.Outcome)
	}
	res, err = c.MoveSteps(800, stepper.Opening)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != stepper.StoppedByTopLimit {
		t.Errorf("expected the top switch to end the move, got %v", res.Outcome)
	}
	if len(bad) > 0 {
		t.Errorf("count left [0, %d]: %v", full, bad)
	}
	if c.CurrentStepCount() != full {
		t.Errorf("expected count %d at the top, got %d", full, c.CurrentStepCount())
	}
}

func TestTrackerClampsWhenSwitchFails(t *testing.T) {
	c, sim := calibrated(t, 100, 0)
	sim.StuckTop = true
	res, err := c.MoveSteps(10, stepper.Opening)
	if err != nil {
		t.Fatal(err)
	}
	if res.Overshoot != 10 || c.CurrentStepCount() != 100 {
		t.Errorf("expected 10 clamped steps and count 100, got %+v count=%d", res, c.CurrentStepCount())
	}
}

func TestMoveAngle(t *testing.T) {
	c, sim := calibrated(t, 1000, 0)
	if n := c.AngleToSteps(90); n != 50 {
		t.Errorf("90 degrees at 200 steps/rev should be 50 steps, got %d", n)
	}
	_, before := sim.Snapshot()
	res, err := c.MoveAngle(45, stepper.Closing)
	if err != nil {
		t.Fatal(err)
	}
	_, after := sim.Snapshot()
	if res.Taken != 25 || after-before != 25 {
		t.Errorf("expected 25 steps, got %+v", res)
	}
	if _, err := c.MoveAngle(-1, stepper.Closing); err != stepper.ErrNegativeDistance {
		t.Errorf("expected ErrNegativeDistance, got %v", err)
	}
}

func TestEmergencyStopIdempotentFromIdle(t *testing.T) {
	c, sim := calibrated(t, 100, 0)
	for i := 0; i < 3; i++ {
		if err := c.EmergencyStop(); err != nil {
			t.Fatal(err)
		}
		if c.IsMoving() || sim.Enabled() {
			t.Fatalf("call %d: expected idle with the driver disabled", i)
		}
	}
	if c.CurrentStepCount() != 0 {
		t.Errorf("emergency stop should zero the count, got %d", c.CurrentStepCount())
	}
	if !c.IsCalibrated() {
		t.Error("emergency stop should not discard the range")
	}
}

func TestEmergencyStopDuringMove(t *testing.T) {
	c, sim := calibrated(t, 1000, 0)
	sim.OnStep = func(pos int) {
		if pos == 990 {
			c.EmergencyStop()
		}
	}
	var calls int
	task, err := c.MoveStepsAsync(500, stepper.Closing, func(stepper.Result, error) { calls++ })
	if err != nil {
		t.Fatal(err)
	}
	res, err := task.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != stepper.StoppedByEmergency || res.Taken != 10 {
		t.Errorf("expected emergency after 10 steps, got %+v", res)
	}
	if calls != 1 {
		t.Errorf("expected one callback, got %d", calls)
	}
	if c.IsMoving() || sim.Enabled() {
		t.Error("expected idle with the driver disabled")
	}
	if c.CurrentStepCount() != 0 {
		t.Errorf("expected count 0, got %d", c.CurrentStepCount())
	}
}

func TestEmergencyStopPreservesWhenConfigured(t *testing.T) {
	cfg := stepper.DefaultConfig()
	cfg.PreservePositionOnEStop = true
	sim := gpio.NewSim(cfg.Pins, 100, 0)
	c, err := stepper.New(sim, cfg, nil, nosleep)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Calibrate(); err != nil {
		t.Fatal(err)
	}
	c.EmergencyStop()
	if c.CurrentStepCount() != 100 {
		t.Errorf("expected the count to survive, got %d", c.CurrentStepCount())
	}
}

func TestStopDuringAsyncMove(t *testing.T) {
	c, sim := calibrated(t, 1000, 0)
	var (
		mu      sync.Mutex
		calls   int
		result  stepper.Result
		moving  = true
		stopped = make(chan struct{})
	)
	sim.OnStep = func(pos int) {
		if pos == 900 {
			c.Stop()
			mu.Lock()
			moving = c.IsMoving()
			mu.Unlock()
			close(stopped)
		}
	}
	task, err := c.MoveStepsAsync(500, stepper.Closing, func(r stepper.Result, err error) {
		mu.Lock()
		calls++
		result = r
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	<-stopped
	res, err := task.Wait()
	if err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if moving {
		t.Error("IsMoving should be false as soon as Stop returns")
	}
	if calls != 1 {
		t.Errorf("expected exactly one callback, got %d", calls)
	}
	if result != res {
		t.Errorf("callback saw %+v, Wait returned %+v", result, res)
	}
	if res.Outcome != stepper.StoppedByUser || res.Taken != 100 {
		t.Errorf("expected a user stop after 100 steps, got %+v", res)
	}
	if c.CurrentStepCount() != 900 {
		t.Errorf("expected count 900, got %d", c.CurrentStepCount())
	}
}

func TestCancelOnlyStopsItsOwnMove(t *testing.T) {
	c, _ := calibrated(t, 1000, 0)
	first, err := c.MoveStepsAsync(10, stepper.Closing, nil)
	if err != nil {
		t.Fatal(err)
	}
	first.Wait()
	second, err := c.MoveStepsAsync(10, stepper.Closing, nil)
	if err != nil {
		t.Fatal(err)
	}
	first.Cancel()
	res, err := second.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != stepper.Completed {
		t.Errorf("stale Cancel stopped a later move: %+v", res)
	}
}

func TestMoveRelative(t *testing.T) {
	c, _ := calibrated(t, 200, 0)
	if _, err := c.MoveRelative(1, stepper.Opening, nil); err != stepper.ErrOutOfTravel {
		t.Errorf("expected ErrOutOfTravel at the top, got %v", err)
	}
	if _, err := c.MoveRelative(0, stepper.Closing, nil); err != stepper.ErrOutOfTravel {
		t.Errorf("expected ErrOutOfTravel for zero steps, got %v", err)
	}
	task, err := c.MoveRelative(150, stepper.Closing, nil)
	if err != nil {
		t.Fatal(err)
	}
	task.Wait()
	if n, _ := c.AvailableSteps(stepper.Opening); n != 150 {
		t.Errorf("expected 150 steps of room opening, got %d", n)
	}
	if n, _ := c.AvailableSteps(stepper.Closing); n != 50 {
		t.Errorf("expected 50 steps of room closing, got %d", n)
	}
}

func TestHardwareErrorSurfaces(t *testing.T) {
	c, sim := calibrated(t, 100, 0)
	cause := errors.New("input/output error")
	sim.SetFailSet(stepper.DefaultConfig().Pins.Step, cause)
	_, err := c.MoveSteps(10, stepper.Closing)
	var acc *gpio.AccessError
	if !errors.As(err, &acc) {
		t.Fatalf("expected *gpio.AccessError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("expected the cause to unwrap")
	}
	if c.IsMoving() {
		t.Error("failed move left the slot held")
	}
	sim.SetFailSet(stepper.DefaultConfig().Pins.Step, nil)
	if _, err := c.MoveSteps(1, stepper.Closing); err != nil {
		t.Errorf("controller should recover once the line works, got %v", err)
	}
}

func TestSetters(t *testing.T) {
	c, _ := newValve(t, 100, 0)
	if err := c.SetSpeed(stepper.DefaultMaxSpeed + 1); err == nil {
		t.Error("expected speed above the maximum to be refused")
	}
	if err := c.SetSpeed(0); err == nil {
		t.Error("expected zero speed to be refused")
	}
	if err := c.SetSpeed(35); err != nil || c.Speed() != 35 {
		t.Errorf("expected speed 35, got %v %v", c.Speed(), err)
	}
	if err := c.SetAcceleration(120); err != nil || c.Acceleration() != 120 {
		t.Errorf("expected acceleration 120, got %v %v", c.Acceleration(), err)
	}
	if err := c.SetMicrostepping(0); err == nil {
		t.Error("expected microstepping 0 to be refused")
	}
	if err := c.SetMicrostepping(8); err != nil || c.Microstepping() != 8 {
		t.Errorf("expected microstepping 8, got %v %v", c.Microstepping(), err)
	}
	st := c.Status()
	if st.Speed != 35 || st.Microstepping != 8 || st.StepsPerRevolution != 200 {
		t.Errorf("status out of date: %+v", st)
	}
}

func TestCloseReleasesLines(t *testing.T) {
	cfg := stepper.DefaultConfig()
	sim := gpio.NewSim(cfg.Pins, 100, 0)
	c, err := stepper.New(sim, cfg, nil, nosleep)
	if err != nil {
		t.Fatal(err)
	}
	if sim.Held() != 5 {
		t.Fatalf("expected 5 held lines, got %d", sim.Held())
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if sim.Held() != 0 {
		t.Errorf("expected lines released, %d held", sim.Held())
	}
	if _, err := c.Calibrate(); err != stepper.ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}
