package stepper

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotCalibrated is returned when directed motion or a position
	// query is attempted before calibration
	ErrNotCalibrated = errors.New("calibration is required before moving the motor")

	// ErrBusy is returned when a move or calibration is already in progress
	ErrBusy = errors.New("a move or calibration is already in progress")

	// ErrClosed is returned after the controller has been closed
	ErrClosed = errors.New("controller is closed")

	// ErrNegativeDistance is returned for negative step counts or angles
	ErrNegativeDistance = errors.New("distance must not be negative, use the direction instead")

	// ErrPercentOutOfRange is returned for percent-open targets outside [0, 100]
	ErrPercentOutOfRange = errors.New("percent open must be within [0, 100]")

	// ErrOutOfTravel is returned for relative moves larger than the room left
	ErrOutOfTravel = errors.New("relative move exceeds the remaining travel")

	// ErrCalibrationTimeout is returned when a limit switch is not reached
	// within MaxCalibrationSteps
	ErrCalibrationTimeout = errors.New("limit switch not reached during calibration")

	// ErrCalibrationAborted is returned when calibration is stopped
	ErrCalibrationAborted = errors.New("calibration aborted")

	// ErrNoTravel is returned when calibration measures a zero range
	ErrNoTravel = errors.New("calibration measured no travel between the limit switches")
)

// Direction is the sense of rotation of the valve
type Direction int

const (
	// Closing drives towards the bottom switch and decrements the count
	Closing Direction = iota

	// Opening drives towards the top switch and increments the count
	Opening
)

func (d Direction) String() string {
	if d == Opening {
		return "opening"
	}
	return "closing"
}

// ParseDirection understands open/opening/1 and close/closing/0
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "opening", "1":
		return Opening, nil
	case "close", "closing", "closed", "0":
		return Closing, nil
	}
	return Closing, fmt.Errorf("direction %q not understood, use open or close", s)
}

// MarshalText satisfies encoding.TextMarshaler
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText satisfies encoding.TextUnmarshaler
func (d *Direction) UnmarshalText(b []byte) error {
	v, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Outcome is how a move ended.  None of these are errors.
type Outcome int

const (
	// Completed means every requested step was issued
	Completed Outcome = iota

	// StoppedByTopLimit means the top switch asserted while opening
	StoppedByTopLimit

	// StoppedByBottomLimit means the bottom switch asserted while closing
	StoppedByBottomLimit

	// StoppedByUser means Stop or Task.Cancel was called
	StoppedByUser

	// StoppedByEmergency means EmergencyStop was called
	StoppedByEmergency
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case StoppedByTopLimit:
		return "stopped by top limit"
	case StoppedByBottomLimit:
		return "stopped by bottom limit"
	case StoppedByUser:
		return "stopped by user"
	case StoppedByEmergency:
		return "stopped by emergency"
	default:
		return "unknown"
	}
}

// MarshalText satisfies encoding.TextMarshaler
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Limited is true if a limit switch ended the move
func (o Outcome) Limited() bool {
	return o == StoppedByTopLimit || o == StoppedByBottomLimit
}

// Result describes a finished move
type Result struct {
	Outcome   Outcome   `json:"outcome"`
	Direction Direction `json:"direction"`

	// Requested is the number of steps asked for
	Requested int `json:"requested"`

	// Taken is the number of pulses issued
	Taken int `json:"taken"`

	// Overshoot counts steps the tracker had to clamp to the calibrated range
	Overshoot int `json:"overshoot"`
}

// Status is a consistent snapshot of the controller
type Status struct {
	CurrentStepCount   int     `json:"currentStepCount"`
	FullRangeCount     int     `json:"fullRangeCount"`
	PercentOpen        float64 `json:"percentOpen"`
	Moving             bool    `json:"moving"`
	Calibrating        bool    `json:"calibrating"`
	Calibrated         bool    `json:"calibrated"`
	Speed              float64 `json:"speed"`
	Acceleration       float64 `json:"acceleration"`
	Microstepping      int     `json:"microstepping"`
	StepsPerRevolution int     `json:"stepsPerRevolution"`
}

// Callback is invoked once when an asynchronous move ends, on the
// goroutine that ran the move
type Callback func(Result, error)
