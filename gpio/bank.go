package gpio

import (
	"errors"
	"sync"

	"go.uber.org/multierr"
)

// ErrReleased is returned when a Bank is used after Close
var ErrReleased = errors.New("gpio lines have been released")

// Output is a named output line
type Output struct {
	name string
	line Line
}

// Set drives the line to level
func (o Output) Set(level int) error {
	if o.line == nil {
		return &AccessError{Op: "set", Line: o.name, Err: ErrReleased}
	}
	if err := o.line.SetValue(level); err != nil {
		return &AccessError{Op: "set", Line: o.name, Err: err}
	}
	return nil
}

// Input is a named input line
type Input struct {
	name string
	line Line
}

// Get reads the level of the line
func (i Input) Get() (int, error) {
	if i.line == nil {
		return 0, &AccessError{Op: "get", Line: i.name, Err: ErrReleased}
	}
	v, err := i.line.Value()
	if err != nil {
		return 0, &AccessError{Op: "get", Line: i.name, Err: err}
	}
	return v, nil
}

// Name returns the consumer label of the line
func (i Input) Name() string {
	return i.name
}

// Bank owns the five lines of an actuator
type Bank struct {
	Step   Output
	Dir    Output
	Enable Output
	Top    Input
	Bottom Input

	mu    sync.Mutex
	lines []Line
}

// Open requests every line of pins on chip.  Outputs start low except
// enable, which starts at enableIdle (the driver-disabled level).  If any
// request fails the lines already held are released and the error is an
// *AcquisitionError.
func Open(chip Chip, pins Pins, consumer string, enableIdle int) (*Bank, error) {
	b := &Bank{}
	type req struct {
		name    string
		offset  int
		output  bool
		initial int
	}
	reqs := []req{
		{"step", pins.Step, true, Low},
		{"dir", pins.Dir, true, Low},
		{"enable", pins.Enable, true, enableIdle},
		{"limit_top", pins.TopLimit, false, 0},
		{"limit_bottom", pins.BottomLimit, false, 0},
	}
	held := make([]Line, 0, len(reqs))
	for _, r := range reqs {
		var (
			l   Line
			err error
		)
		label := consumer + "_" + r.name
		if r.output {
			l, err = chip.RequestOutput(r.offset, label, r.initial)
		} else {
			l, err = chip.RequestInput(r.offset, label)
		}
		if err != nil {
			for _, h := range held {
				err = multierr.Append(err, h.Close())
			}
			return nil, &AcquisitionError{Line: r.name, Offset: r.offset, Err: err}
		}
		held = append(held, l)
	}
	b.lines = held
	b.Step = Output{name: "step", line: held[0]}
	b.Dir = Output{name: "dir", line: held[1]}
	b.Enable = Output{name: "enable", line: held[2]}
	b.Top = Input{name: "limit_top", line: held[3]}
	b.Bottom = Input{name: "limit_bottom", line: held[4]}
	return b, nil
}

// Close releases every line.  It is safe to call more than once.
func (b *Bank) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	for _, l := range b.lines {
		err = multierr.Append(err, l.Close())
	}
	b.lines = nil
	b.Step.line, b.Dir.line, b.Enable.line = nil, nil, nil
	b.Top.line, b.Bottom.line = nil, nil
	return err
}
