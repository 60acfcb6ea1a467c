package stepper

import (
	"fmt"
	"time"

	"github.com/plantcare/dvalve/gpio"
	"github.com/plantcare/dvalve/util"
)

const (
	// DefaultStepsPerRevolution is a 1.8 degree motor
	DefaultStepsPerRevolution = 200

	// DefaultSpeed is the initial speed in RPM
	DefaultSpeed = 20

	// DefaultAcceleration is stored and reported but never applied
	DefaultAcceleration = 80

	// DefaultMaxSpeed is the highest speed SetSpeed accepts, in RPM
	DefaultMaxSpeed = 50

	// DefaultMaxCalibrationSteps bounds each homing phase
	DefaultMaxCalibrationSteps = 20000
)

// Config holds the motor wiring and motion parameters of one valve
type Config struct {
	// Pins are the line offsets on the chip
	Pins gpio.Pins `yaml:"pins" koanf:"pins"`

	// StepsPerRevolution is the number of full steps per turn of the motor
	StepsPerRevolution int `yaml:"stepsperrevolution" koanf:"stepsperrevolution"`

	// Microstepping is the driver subdivision of a full step
	Microstepping int `yaml:"microstepping" koanf:"microstepping"`

	// Speed is the move speed in RPM
	Speed float64 `yaml:"speed" koanf:"speed"`

	// MaxSpeed caps Speed, in RPM
	MaxSpeed float64 `yaml:"maxspeed" koanf:"maxspeed"`

	// Acceleration in RPM/s.  Motion is flat-speed; this is kept for
	// reporting only.
	Acceleration float64 `yaml:"acceleration" koanf:"acceleration"`

	// EnableActiveLow drives the enable line low to energize the driver
	EnableActiveLow bool `yaml:"enableactivelow" koanf:"enableactivelow"`

	// CloseHalfPeriod is the pulse half period while homing to the bottom switch
	CloseHalfPeriod time.Duration `yaml:"closehalfperiod" koanf:"closehalfperiod"`

	// OpenHalfPeriod is the pulse half period while measuring the range
	OpenHalfPeriod time.Duration `yaml:"openhalfperiod" koanf:"openhalfperiod"`

	// MaxCalibrationSteps bounds each phase of calibration
	MaxCalibrationSteps int `yaml:"maxcalibrationsteps" koanf:"maxcalibrationsteps"`

	// PreservePositionOnEStop keeps the step count through an emergency
	// stop instead of zeroing it
	PreservePositionOnEStop bool `yaml:"preservepositiononestop" koanf:"preservepositiononestop"`
}

// DefaultConfig returns the wiring of the reference board: step 17, dir 27,
// enable 22, top switch 20, bottom switch 21
func DefaultConfig() Config {
	return Config{
		Pins:                gpio.Pins{Step: 17, Dir: 27, Enable: 22, TopLimit: 20, BottomLimit: 21},
		StepsPerRevolution:  DefaultStepsPerRevolution,
		Microstepping:       1,
		Speed:               DefaultSpeed,
		MaxSpeed:            DefaultMaxSpeed,
		Acceleration:        DefaultAcceleration,
		CloseHalfPeriod:     4 * time.Millisecond,
		OpenHalfPeriod:      2 * time.Millisecond,
		MaxCalibrationSteps: DefaultMaxCalibrationSteps,
	}
}

// ConfigurationError reports an invalid setting
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks c for values the controller cannot run with
func (c Config) Validate() error {
	pins := c.Pins.Slice()
	if len(util.UniqueInt(pins)) != len(pins) {
		return &ConfigurationError{"Pins", fmt.Sprintf("offsets %v are not distinct", pins)}
	}
	for _, p := range pins {
		if p < 0 {
			return &ConfigurationError{"Pins", fmt.Sprintf("negative offset %d", p)}
		}
	}
	if c.StepsPerRevolution <= 0 {
		return &ConfigurationError{"StepsPerRevolution", "must be positive"}
	}
	if c.Microstepping < 1 {
		return &ConfigurationError{"Microstepping", "must be at least 1"}
	}
	if c.MaxSpeed <= 0 {
		return &ConfigurationError{"MaxSpeed", "must be positive"}
	}
	if err := checkSpeed(c.Speed, c.MaxSpeed); err != nil {
		return err
	}
	if _, err := StepDelay(c.Speed, c.StepsPerRevolution, c.Microstepping); err != nil {
		return err
	}
	if c.CloseHalfPeriod <= 0 || c.OpenHalfPeriod <= 0 {
		return &ConfigurationError{"CloseHalfPeriod/OpenHalfPeriod", "must be positive"}
	}
	if c.MaxCalibrationSteps <= 0 {
		return &ConfigurationError{"MaxCalibrationSteps", "must be positive"}
	}
	return nil
}

func checkSpeed(rpm, max float64) error {
	if !(rpm > 0) {
		return &ConfigurationError{"Speed", fmt.Sprintf("%v RPM is not positive", rpm)}
	}
	if rpm > max {
		return &ConfigurationError{"Speed", fmt.Sprintf("%v RPM exceeds the maximum of %v", rpm, max)}
	}
	return nil
}

// EnableLevels returns the enable line levels that energize and release
// the driver
func (c Config) EnableLevels() (on, off int) {
	if c.EnableActiveLow {
		return gpio.Low, gpio.High
	}
	return gpio.High, gpio.Low
}

// QuickMove is a preset relative move
type QuickMove struct {
	Steps     int       `yaml:"steps" koanf:"steps" json:"steps"`
	Direction Direction `yaml:"direction" koanf:"direction" json:"direction"`
}

// DefaultQuickMoves are the four presets of the bench panel
func DefaultQuickMoves() []QuickMove {
	return []QuickMove{
		{200, Opening},
		{50, Opening},
		{50, Closing},
		{200, Closing},
	}
}
