package stepper

import (
	"fmt"
	"time"

	"github.com/plantcare/dvalve/gpio"
)

// Sleeper blocks for a duration.  time.Sleep is the default.
type Sleeper func(time.Duration)

// StepDelay returns the full period of one step at rpm:
//
//	60e6 µs / (rpm * stepsPerRevolution * microstepping)
func StepDelay(rpm float64, stepsPerRevolution, microstepping int) (time.Duration, error) {
	if !(rpm > 0) {
		return 0, &ConfigurationError{"Speed", fmt.Sprintf("%v RPM is not positive", rpm)}
	}
	if stepsPerRevolution <= 0 || microstepping < 1 {
		return 0, &ConfigurationError{"StepsPerRevolution/Microstepping", "must be positive"}
	}
	us := 60 * 1e6 / (rpm * float64(stepsPerRevolution) * float64(microstepping))
	d := time.Duration(us * float64(time.Microsecond))
	if d < 2 {
		return 0, &ConfigurationError{"Speed", fmt.Sprintf("%v RPM is too fast to time", rpm)}
	}
	return d, nil
}

// pulser issues single step pulses with a fixed half period
type pulser struct {
	step  gpio.Output
	sleep Sleeper
	half  time.Duration
}

// pulse drives one full step period.  Nothing but the two writes and the
// two sleeps happens here.
func (p pulser) pulse() error {
	if err := p.step.Set(gpio.High); err != nil {
		return err
	}
	p.sleep(p.half)
	if err := p.step.Set(gpio.Low); err != nil {
		return err
	}
	p.sleep(p.half)
	return nil
}
