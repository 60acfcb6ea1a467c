package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/theckman/yacspin"

	"github.com/plantcare/dvalve/stepper"
)

const menuText = `Menu:
1. Move Steps
2. Move Angle
3. Calibrate
4. Move to Percent Open
5. Move to Fully Open
6. Move to Fully Closed
7. Emergency Stop
8. Get Status
9. Quick Move
s. Set Speed
m. Set Microstepping
p. Toggle Status Poll
q. Quit
Enter your choice: `

// lockedWriter lets move callbacks and the poller share the terminal
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

type menu struct {
	ctl   *stepper.Controller
	in    *bufio.Scanner
	out   io.Writer
	quick []stepper.QuickMove

	// spinner, if not nil, is shown during calibration
	spinner func() (*yacspin.Spinner, error)

	// pollEvery is the status poll period
	pollEvery time.Duration
	poll      chan struct{}
	pollDone  chan struct{}

	last *stepper.Task
}

func newMenu(ctl *stepper.Controller, in io.Reader, out io.Writer, quick []stepper.QuickMove) *menu {
	sc := bufio.NewScanner(in)
	sc.Split(bufio.ScanWords)
	return &menu{
		ctl:       ctl,
		in:        sc,
		out:       &lockedWriter{w: out},
		quick:     quick,
		pollEvery: time.Second,
	}
}

func (m *menu) printf(format string, a ...interface{}) {
	fmt.Fprintf(m.out, format, a...)
}

// token returns the next word of input, ok is false at the end of input
func (m *menu) token(prompt string) (string, bool) {
	if prompt != "" {
		m.printf("%s", prompt)
	}
	if !m.in.Scan() {
		return "", false
	}
	return m.in.Text(), true
}

func (m *menu) number(prompt string) (float64, bool) {
	for {
		s, ok := m.token(prompt)
		if !ok {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return f, true
		}
		m.printf("%q is not a number.\n", s)
	}
}

func (m *menu) count(prompt string) (int, bool) {
	for {
		s, ok := m.token(prompt)
		if !ok {
			return 0, false
		}
		i, err := strconv.Atoi(s)
		if err == nil {
			return i, true
		}
		m.printf("%q is not a whole number.\n", s)
	}
}

func (m *menu) direction() (stepper.Direction, bool) {
	for {
		s, ok := m.token("Enter direction (0 for closing, 1 for opening): ")
		if !ok {
			return stepper.Closing, false
		}
		d, err := stepper.ParseDirection(s)
		if err == nil {
			return d, true
		}
		m.printf("%v\n", err)
	}
}

// done returns a callback that announces the end of an async move
func (m *menu) done(what string) stepper.Callback {
	return func(res stepper.Result, err error) {
		if err != nil {
			m.printf("\n%s failed: %v\n", what, err)
			return
		}
		if res.Outcome != stepper.Completed {
			m.printf("\n%s %s after %d of %d steps.\n", what, res.Outcome, res.Taken, res.Requested)
			return
		}
		m.printf("\n%s operation completed.\n", what)
	}
}

func (m *menu) started(t *stepper.Task, err error) {
	if err != nil {
		m.printf("%v\n", err)
		return
	}
	m.last = t
}

// run shows the menu until q or the end of input
func (m *menu) run() {
	defer m.shutdown()
	for {
		choice, ok := m.token(menuText)
		if !ok {
			return
		}
		switch choice {
		case "1":
			m.moveSteps()
		case "2":
			m.moveAngle()
		case "3":
			m.calibrate()
		case "4":
			m.moveToPercentOpen()
		case "5":
			m.started(m.ctl.MoveToFullyOpen(m.done("Move to Fully Open")))
		case "6":
			m.started(m.ctl.MoveToFullyClosed(m.done("Move to Fully Closed")))
		case "7":
			if err := m.ctl.EmergencyStop(); err != nil {
				m.printf("%v\n", err)
			}
		case "8":
			m.status()
		case "9":
			m.quickMove()
		case "s":
			m.setSpeed()
		case "m":
			m.setMicrostepping()
		case "p":
			m.togglePoll()
		case "q":
			m.printf("Quitting...\n")
			return
		default:
			m.printf("Invalid choice. Please try again.\n")
		}
	}
}

// shutdown stops the poller and lets a running move finish
func (m *menu) shutdown() {
	m.stopPoll()
	if m.last != nil && m.ctl.IsMoving() {
		m.printf("Waiting for the move to finish...\n")
	}
	if m.last != nil {
		m.last.Wait()
	}
}

func (m *menu) moveSteps() {
	steps, ok := m.count("Enter steps: ")
	if !ok {
		return
	}
	dir, ok := m.direction()
	if !ok {
		return
	}
	m.started(m.ctl.MoveStepsAsync(steps, dir, m.done("Move Steps")))
}

func (m *menu) moveAngle() {
	angle, ok := m.number("Enter angle (degrees): ")
	if !ok {
		return
	}
	dir, ok := m.direction()
	if !ok {
		return
	}
	res, err := m.ctl.MoveAngle(angle, dir)
	m.done("Move Angle")(res, err)
}

func (m *menu) calibrate() {
	var spin *yacspin.Spinner
	if m.spinner != nil {
		s, err := m.spinner()
		if err == nil && s.Start() == nil {
			spin = s
		}
	}
	full, err := m.ctl.Calibrate()
	if spin != nil {
		if err != nil {
			spin.StopFailMessage(err.Error())
			spin.StopFail()
		} else {
			spin.StopMessage(fmt.Sprintf("Full range: %d steps", full))
			spin.Stop()
		}
		return
	}
	if err != nil {
		m.printf("Calibration failed: %v\n", err)
		return
	}
	m.printf("Calibration complete. Full range: %d steps.\n", full)
}

func (m *menu) moveToPercentOpen() {
	p, ok := m.number("Enter percent open (0-100): ")
	if !ok {
		return
	}
	m.started(m.ctl.MoveToPercentOpen(p, m.done("Move to Percent Open")))
}

func (m *menu) status() {
	s := m.ctl.Status()
	m.printf("Current Step Count: %d\n", s.CurrentStepCount)
	m.printf("Full Range Count: %d\n", s.FullRangeCount)
	if s.Calibrated {
		m.printf("Percent Open: %.1f%%\n", s.PercentOpen)
	} else {
		m.printf("Percent Open: not calibrated\n")
	}
	m.printf("Moving: %s\n", yesNo(s.Moving))
	m.printf("Speed: %g RPM, microstepping %d\n", s.Speed, s.Microstepping)
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func (m *menu) quickMove() {
	if len(m.quick) == 0 {
		m.printf("No quick moves configured.\n")
		return
	}
	for i, q := range m.quick {
		m.printf("%d. %d steps %s\n", i+1, q.Steps, q.Direction)
	}
	n, ok := m.count("Enter quick move: ")
	if !ok {
		return
	}
	if n < 1 || n > len(m.quick) {
		m.printf("Invalid choice. Please try again.\n")
		return
	}
	q := m.quick[n-1]
	m.started(m.ctl.MoveRelative(q.Steps, q.Direction, m.done("Quick Move")))
}

func (m *menu) setSpeed() {
	rpm, ok := m.number("Enter speed (RPM): ")
	if !ok {
		return
	}
	if err := m.ctl.SetSpeed(rpm); err != nil {
		m.printf("%v\n", err)
	}
}

func (m *menu) setMicrostepping() {
	n, ok := m.count("Enter microstepping: ")
	if !ok {
		return
	}
	if err := m.ctl.SetMicrostepping(n); err != nil {
		m.printf("%v\n", err)
	}
}

func (m *menu) togglePoll() {
	if m.poll != nil {
		m.stopPoll()
		m.printf("Status poll off.\n")
		return
	}
	m.poll = make(chan struct{})
	m.pollDone = make(chan struct{})
	go m.poller(m.poll, m.pollDone)
	m.printf("Status poll on.\n")
}

func (m *menu) stopPoll() {
	if m.poll == nil {
		return
	}
	close(m.poll)
	<-m.pollDone
	m.poll, m.pollDone = nil, nil
}

func (m *menu) poller(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s := m.ctl.Status()
			m.printf("[poll] steps %d/%d  %.1f%%  moving %s\n",
				s.CurrentStepCount, s.FullRangeCount, s.PercentOpen, yesNo(s.Moving))
		case <-stop:
			return
		}
	}
}
