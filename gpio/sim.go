package gpio

import (
	"errors"
	"sync"
)

// ErrLineBusy is returned by Sim when an offset is requested twice
var ErrLineBusy = errors.New("line already requested")

// Sim is a Chip that models a valve on a lead screw.  Each rising edge
// on the step line while the driver is enabled moves the plant one step,
// towards Travel when dir is high and towards zero when dir is low.  The
// plant stops hard at both ends.  The limit switches are active low and
// assert at position <= 0 (bottom) and >= Travel (top).
type Sim struct {
	mu sync.Mutex

	pins   Pins
	levels map[int]int
	held   map[int]bool

	// EnableLevel is the enable line level that energizes the driver
	EnableLevel int

	// Position is the current plant position in steps
	Position int

	// Travel is the distance between the two switches in steps
	Travel int

	// Pulses counts every rising edge seen on the step line
	Pulses int

	// Moves counts rising edges that moved the plant
	Moves int

	// FailRequest makes requests for the given offsets fail
	FailRequest map[int]error

	// FailSet makes writes to the given offsets fail
	FailSet map[int]error

	// StuckTop and StuckBottom make a switch read inactive forever
	StuckTop    bool
	StuckBottom bool

	// OnStep is called after every rising edge on the step line,
	// without the Sim lock held
	OnStep func(pos int)
}

// NewSim returns a simulated valve at position start with the given travel
func NewSim(pins Pins, travel, start int) *Sim {
	return &Sim{
		pins:        pins,
		levels:      make(map[int]int),
		held:        make(map[int]bool),
		EnableLevel: High,
		Position:    start,
		Travel:      travel,
		FailRequest: make(map[int]error),
		FailSet:     make(map[int]error),
	}
}

// NewSimFor returns a simulated valve whose driver energizes at the
// given enable level
func NewSimFor(pins Pins, enableLevel, travel, start int) *Sim {
	s := NewSim(pins, travel, start)
	s.EnableLevel = enableLevel
	return s
}

// RequestOutput satisfies Chip
func (s *Sim) RequestOutput(offset int, consumer string, initial int) (Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claim(offset); err != nil {
		return nil, err
	}
	s.levels[offset] = initial
	return &simLine{sim: s, offset: offset, output: true}, nil
}

// RequestInput satisfies Chip
func (s *Sim) RequestInput(offset int, consumer string) (Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claim(offset); err != nil {
		return nil, err
	}
	return &simLine{sim: s, offset: offset}, nil
}

func (s *Sim) claim(offset int) error {
	if err, ok := s.FailRequest[offset]; ok {
		return err
	}
	if s.held[offset] {
		return ErrLineBusy
	}
	s.held[offset] = true
	return nil
}

// Held returns the number of lines currently requested
func (s *Sim) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.held {
		if h {
			n++
		}
	}
	return n
}

// Level returns the last level written to an output offset
func (s *Sim) Level(offset int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels[offset]
}

// Enabled reports whether the driver is energized
func (s *Sim) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels[s.pins.Enable] == s.EnableLevel
}

// Snapshot returns the position and pulse count consistently
func (s *Sim) Snapshot() (pos, pulses int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Position, s.Pulses
}

// SetFailSet injects or clears (err == nil) a write failure on offset
func (s *Sim) SetFailSet(offset int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.FailSet, offset)
		return
	}
	s.FailSet[offset] = err
}

func (s *Sim) set(offset, v int) error {
	s.mu.Lock()
	if err, ok := s.FailSet[offset]; ok {
		s.mu.Unlock()
		return err
	}
	prev := s.levels[offset]
	s.levels[offset] = v
	var (
		hook  func(int)
		pos   int
		edged bool
	)
	if offset == s.pins.Step && prev == Low && v == High {
		edged = true
		s.Pulses++
		if s.levels[s.pins.Enable] == s.EnableLevel {
			before := s.Position
			if s.levels[s.pins.Dir] == High {
				if s.Position < s.Travel {
					s.Position++
				}
			} else if s.Position > 0 {
				s.Position--
			}
			if s.Position != before {
				s.Moves++
			}
		}
		hook, pos = s.OnStep, s.Position
	}
	s.mu.Unlock()
	if edged && hook != nil {
		hook(pos)
	}
	return nil
}

func (s *Sim) get(offset int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch offset {
	case s.pins.TopLimit:
		if !s.StuckTop && s.Position >= s.Travel {
			return Low
		}
		return High
	case s.pins.BottomLimit:
		if !s.StuckBottom && s.Position <= 0 {
			return Low
		}
		return High
	}
	return s.levels[offset]
}

func (s *Sim) release(offset int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held[offset] = false
}

type simLine struct {
	sim    *Sim
	offset int
	output bool
	closed bool
}

func (l *simLine) SetValue(v int) error {
	if l.closed {
		return ErrReleased
	}
	if !l.output {
		return errors.New("line is an input")
	}
	return l.sim.set(l.offset, v)
}

func (l *simLine) Value() (int, error) {
	if l.closed {
		return 0, ErrReleased
	}
	return l.sim.get(l.offset), nil
}

func (l *simLine) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.sim.release(l.offset)
	return nil
}
