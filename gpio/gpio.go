/*Package gpio provides the line-level hardware layer for a step/dir stepper
driver with two limit switches.

A Chip hands out Lines.  A Bank is the exclusive owner of the five lines an
actuator needs for its whole lifetime: step, dir and enable as outputs, and
the top and bottom limit switches as inputs.  Opening a Bank is all or
nothing; if any line cannot be acquired, every line acquired before it is
released and an *AcquisitionError is returned.

Two chips are provided.  Cdev talks to /dev/gpiochipN through the Linux GPIO
character device.  Sim is an in-memory valve used for tests and for running
the server without hardware.
*/
package gpio

import (
	"fmt"
)

const (
	// Low is the inactive logic level
	Low = 0

	// High is the active logic level
	High = 1
)

// Line is a single requested GPIO line
type Line interface {
	// SetValue drives an output line to 0 or 1
	SetValue(int) error

	// Value reads the current level of the line
	Value() (int, error)

	// Close releases the line back to the kernel
	Close() error
}

// Chip can request lines by offset
type Chip interface {
	// RequestOutput requests offset as an output driven to initial
	RequestOutput(offset int, consumer string, initial int) (Line, error)

	// RequestInput requests offset as an input
	RequestInput(offset int, consumer string) (Line, error)
}

// Pins holds the line offsets of the actuator on its chip
type Pins struct {
	Step        int `yaml:"step" koanf:"step"`
	Dir         int `yaml:"dir" koanf:"dir"`
	Enable      int `yaml:"enable" koanf:"enable"`
	TopLimit    int `yaml:"toplimit" koanf:"toplimit"`
	BottomLimit int `yaml:"bottomlimit" koanf:"bottomlimit"`
}

// Slice returns the offsets in request order
func (p Pins) Slice() []int {
	return []int{p.Step, p.Dir, p.Enable, p.TopLimit, p.BottomLimit}
}

// AcquisitionError is returned when a line could not be requested
type AcquisitionError struct {
	Line   string
	Offset int
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquiring %s line (offset %d): %v", e.Line, e.Offset, e.Err)
}

// Unwrap returns the underlying cause
func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

// AccessError is returned when a held line could not be read or written
type AccessError struct {
	Op   string
	Line string
	Err  error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("%s %s line: %v", e.Op, e.Line, e.Err)
}

// Unwrap returns the underlying cause
func (e *AccessError) Unwrap() error {
	return e.Err
}
