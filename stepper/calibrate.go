package stepper

import (
	"time"

	"go.uber.org/multierr"

	"github.com/plantcare/dvalve/gpio"
)

// Calibrate homes the valve to the bottom switch, then counts steps up to
// the top switch.  On success the full range is that count and the valve is
// left fully open.  On any failure the controller is left uncalibrated.
//
// Each phase gives up after MaxCalibrationSteps with ErrCalibrationTimeout.
// Stop and EmergencyStop abort with ErrCalibrationAborted.
func (c *Controller) Calibrate() (full int, err error) {
	if _, err := c.st.begin(calibrating, false); err != nil {
		return 0, err
	}
	c.log.Println("Calibrating...")
	defer func() {
		if err != nil {
			c.st.abandonCalibration()
		}
		err = multierr.Append(err, c.disable())
		c.st.finish()
		if err != nil {
			c.log.Printf("calibration failed: %v", err)
			return
		}
		c.log.Printf("Calibration complete. Full range: %d steps.", full)
	}()

	c.st.resetForCalibration()
	if err = c.enable(); err != nil {
		return 0, err
	}

	if err = c.seek(Closing, c.bank.Bottom, c.cfg.CloseHalfPeriod, nil); err != nil {
		return 0, err
	}
	if err = c.seek(Opening, c.bank.Top, c.cfg.OpenHalfPeriod, c.st.growRange); err != nil {
		return 0, err
	}
	full = c.st.completeCalibration()
	if full == 0 {
		return 0, ErrNoTravel
	}
	return full, nil
}

// seek steps in dir until the switch asserts, calling each after every step
func (c *Controller) seek(dir Direction, limit gpio.Input, half time.Duration, each func()) error {
	if err := c.setDirection(dir); err != nil {
		return err
	}
	p := pulser{step: c.bank.Step, sleep: c.sleep, half: half}
	for i := 0; ; i++ {
		if _, stop := c.st.stopRequested(); stop {
			return ErrCalibrationAborted
		}
		hit, err := asserted(limit)
		if err != nil {
			return err
		}
		if hit {
			return nil
		}
		if i >= c.cfg.MaxCalibrationSteps {
			return ErrCalibrationTimeout
		}
		if err := p.pulse(); err != nil {
			return err
		}
		if each != nil {
			each()
		}
	}
}
