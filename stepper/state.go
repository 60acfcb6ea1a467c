package stepper

import (
	"sync"

	"github.com/plantcare/dvalve/util"
)

type activity int

const (
	idle activity = iota
	moving
	calibrating
)

// state is the mutable motion state.  One mutex guards all of it and is
// only ever held for a single read or write, never across a pulse.
type state struct {
	mu sync.Mutex

	speed float64
	accel float64
	micro int

	current    int
	full       int
	calibrated bool

	act      activity
	stopping bool
	reason   Outcome
	gen      uint64
	closed   bool

	// slot is held from begin to finish
	slot sync.WaitGroup
}

// begin atomically takes the motion slot
func (s *state) begin(kind activity, needCalibration bool) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admit(needCalibration); err != nil {
		return 0, err
	}
	return s.take(kind), nil
}

// plan computes a move from the position and range, then takes the slot,
// all under one lock so the position cannot change in between
type plan func(current, full int) (int, Direction, error)

func (s *state) beginPlanned(p plan) (uint64, int, Direction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admit(true); err != nil {
		return 0, 0, Closing, err
	}
	n, dir, err := p(s.current, s.full)
	if err != nil {
		return 0, 0, Closing, err
	}
	return s.take(moving), n, dir, nil
}

func (s *state) admit(needCalibration bool) error {
	if s.closed {
		return ErrClosed
	}
	if s.act != idle {
		return ErrBusy
	}
	if needCalibration && !s.calibrated {
		return ErrNotCalibrated
	}
	return nil
}

func (s *state) take(kind activity) uint64 {
	s.act = kind
	s.stopping = false
	s.reason = Completed
	s.gen++
	s.slot.Add(1)
	return s.gen
}

func (s *state) finish() {
	s.mu.Lock()
	s.act = idle
	s.stopping = false
	s.mu.Unlock()
	s.slot.Done()
}

// requestStop marks the running activity for cooperative stop.  An
// emergency overrides a pending user stop.  Returns false when idle.
func (s *state) requestStop(reason Outcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestStopLocked(reason)
}

func (s *state) requestStopLocked(reason Outcome) bool {
	if s.act == idle {
		return false
	}
	if !s.stopping || reason == StoppedByEmergency {
		s.stopping = true
		s.reason = reason
	}
	return true
}

// stopGen stops the activity only if it is still generation gen
func (s *state) stopGen(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	return s.requestStopLocked(StoppedByUser)
}

func (s *state) stopRequested() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.stopping
}

// emergency stops any activity and, unless preserve, discards the position
func (s *state) emergency(preserve bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestStopLocked(StoppedByEmergency)
	if !preserve {
		s.current = 0
	}
}

// advance records one step.  Steps issued after an emergency stop are not
// counted.  Once calibrated the count is clamped to [0, full]; the return
// is true when the step had to be clamped.
func (s *state) advance(dir Direction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping && s.reason == StoppedByEmergency {
		return false
	}
	next := s.current - 1
	if dir == Opening {
		next = s.current + 1
	}
	if !s.calibrated {
		s.current = next
		return false
	}
	s.current = util.Clamp(next, 0, s.full)
	return s.current != next
}

func (s *state) resetForCalibration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = 0
	s.full = 0
	s.calibrated = false
}

func (s *state) growRange() {
	s.mu.Lock()
	s.full++
	s.mu.Unlock()
}

// completeCalibration places the valve at fully open
func (s *state) completeCalibration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = s.full
	s.calibrated = true
	return s.full
}

func (s *state) abandonCalibration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = 0
	s.full = 0
	s.calibrated = false
}

func (s *state) percentOpen() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.percentLocked()
}

func (s *state) percentLocked() (float64, error) {
	if s.full == 0 {
		return 0, ErrNotCalibrated
	}
	return float64(s.current) / float64(s.full) * 100, nil
}

// isMoving reports true while a move runs and no stop has
// been requested
func (s *state) isMoving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.act == moving && !s.stopping
}

func (s *state) isCalibrating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.act == calibrating && !s.stopping
}

func (s *state) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.act != idle
}
