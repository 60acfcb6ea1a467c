package stepper

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/plantcare/dvalve/generichttp"
	"github.com/plantcare/dvalve/generichttp/motion"
)

// HTTPStatus maps controller errors to HTTP status codes
func HTTPStatus(err error) int {
	var cfgErr *ConfigurationError
	switch {
	case errors.Is(err, ErrNotCalibrated):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrBusy):
		return http.StatusConflict
	case errors.Is(err, ErrNegativeDistance),
		errors.Is(err, ErrPercentOutOfRange),
		errors.Is(err, ErrOutOfTravel),
		errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// MoveRequest is the body of POST /steps and POST /angle.  A missing
// direction means closing.
type MoveRequest struct {
	Steps     int       `json:"steps"`
	Angle     float64   `json:"angle"`
	Direction Direction `json:"direction"`
}

// HTTPWrapper wraps a Controller in an HTTP interface.  The position seen
// through the generic motion routes is percent open.
type HTTPWrapper struct {
	// Ctl is the valve
	Ctl *Controller

	// Quick holds the presets served at /quick/{n}, numbered from 1
	Quick []QuickMove

	// Notify, if not nil, is told about every operator command
	Notify func(string)

	// RouteTable maps method-path pairs to handlers
	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(c *Controller, quick []QuickMove, notify func(string)) *HTTPWrapper {
	w := &HTTPWrapper{Ctl: c, Quick: quick, Notify: notify}
	rt := motion.NewHTTPMotionController(w).RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}] = w.GetStatus
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/steps"}] = w.MoveSteps
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/angle"}] = w.MoveAngle
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/open"}] = generichttp.Do(w.openFully, HTTPStatus)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/close"}] = generichttp.Do(w.closeFully, HTTPStatus)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/estop"}] = generichttp.Do(w.estop, HTTPStatus)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/microstepping"}] = generichttp.GetInt(func() (int, error) { return c.Microstepping(), nil }, HTTPStatus)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/microstepping"}] = generichttp.SetInt(c.SetMicrostepping, HTTPStatus)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/acceleration"}] = generichttp.GetFloat(func() (float64, error) { return c.Acceleration(), nil }, HTTPStatus)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/acceleration"}] = generichttp.SetFloat(c.SetAcceleration, HTTPStatus)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/quick"}] = w.ListQuick
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/quick/{n}"}] = w.RunQuick
	w.RouteTable = rt
	return w
}

// RT satisfies the generichttp.HTTPer interface
func (h *HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

func (h *HTTPWrapper) note(format string, args ...interface{}) {
	if h.Notify != nil {
		h.Notify(fmt.Sprintf(format, args...))
	}
}

// GetPos returns the percent open
func (h *HTTPWrapper) GetPos() (float64, error) {
	return h.Ctl.PercentOpen()
}

// MoveAbs starts a move to percent open p and returns without waiting
func (h *HTTPWrapper) MoveAbs(p float64) error {
	_, err := h.Ctl.MoveToPercentOpen(p, nil)
	if err == nil {
		h.note("move to %.1f%% open", p)
	}
	return err
}

// MoveRel starts a move of delta percent and returns without waiting
func (h *HTTPWrapper) MoveRel(delta float64) error {
	_, err := h.Ctl.MoveByPercent(delta, nil)
	if err == nil {
		h.note("move by %+.1f%%", delta)
	}
	return err
}

// Home calibrates the valve and blocks until it is done
func (h *HTTPWrapper) Home() error {
	h.note("calibrate")
	full, err := h.Ctl.Calibrate()
	if err == nil {
		h.note("calibrated, full range %d steps", full)
	}
	return err
}

// Stop requests a cooperative stop
func (h *HTTPWrapper) Stop() error {
	h.Ctl.Stop()
	h.note("stop")
	return nil
}

// SetVelocity sets the speed in RPM
func (h *HTTPWrapper) SetVelocity(rpm float64) error {
	return h.Ctl.SetSpeed(rpm)
}

// GetVelocity returns the speed in RPM
func (h *HTTPWrapper) GetVelocity() (float64, error) {
	return h.Ctl.Speed(), nil
}

// GetInPosition is true once the valve will accept a new move
func (h *HTTPWrapper) GetInPosition() (bool, error) {
	return h.Ctl.IsIdle(), nil
}

// HTTPStatus satisfies motion.StatusMapper
func (h *HTTPWrapper) HTTPStatus(err error) int {
	return HTTPStatus(err)
}

func (h *HTTPWrapper) openFully() error {
	_, err := h.Ctl.MoveToFullyOpen(nil)
	if err == nil {
		h.note("open fully")
	}
	return err
}

func (h *HTTPWrapper) closeFully() error {
	_, err := h.Ctl.MoveToFullyClosed(nil)
	if err == nil {
		h.note("close fully")
	}
	return err
}

func (h *HTTPWrapper) estop() error {
	h.note("emergency stop")
	return h.Ctl.EmergencyStop()
}

// GetStatus writes the controller Status as JSON
func (h *HTTPWrapper) GetStatus(w http.ResponseWriter, r *http.Request) {
	generichttp.JSON(w, h.Ctl.Status())
}

func decodeMove(r *http.Request) (MoveRequest, error) {
	var req MoveRequest
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(&req)
	return req, err
}

// MoveSteps starts a move of {"steps": n, "direction": "open"|"close"}
func (h *HTTPWrapper) MoveSteps(w http.ResponseWriter, r *http.Request) {
	req, err := decodeMove(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.startSteps(w, req.Steps, req.Direction)
}

// MoveAngle starts a move of {"angle": degrees, "direction": "open"|"close"}
func (h *HTTPWrapper) MoveAngle(w http.ResponseWriter, r *http.Request) {
	req, err := decodeMove(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Angle < 0 {
		http.Error(w, ErrNegativeDistance.Error(), http.StatusBadRequest)
		return
	}
	h.startSteps(w, h.Ctl.AngleToSteps(req.Angle), req.Direction)
}

func (h *HTTPWrapper) startSteps(w http.ResponseWriter, n int, dir Direction) {
	_, err := h.Ctl.MoveStepsAsync(n, dir, nil)
	if err != nil {
		http.Error(w, err.Error(), HTTPStatus(err))
		return
	}
	h.note("move %d steps %s", n, dir)
	w.WriteHeader(http.StatusOK)
}

// ListQuick writes the quick move presets as JSON
func (h *HTTPWrapper) ListQuick(w http.ResponseWriter, r *http.Request) {
	generichttp.JSON(w, h.Quick)
}

// RunQuick starts quick move n, counting from 1
func (h *HTTPWrapper) RunQuick(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || n < 1 || n > len(h.Quick) {
		http.Error(w, fmt.Sprintf("quick move %q not configured, have %d", chi.URLParam(r, "n"), len(h.Quick)), http.StatusNotFound)
		return
	}
	q := h.Quick[n-1]
	if _, err := h.Ctl.MoveRelative(q.Steps, q.Direction, nil); err != nil {
		http.Error(w, err.Error(), HTTPStatus(err))
		return
	}
	h.note("quick move %d: %d steps %s", n, q.Steps, q.Direction)
	w.WriteHeader(http.StatusOK)
}
