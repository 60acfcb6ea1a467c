package motion

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/plantcare/dvalve/generichttp"
)

// Mover describes an interface with position-related methods for an actuator
type Mover interface {
	// GetPos gets the current position
	GetPos() (float64, error)

	// MoveAbs moves to an absolute position
	MoveAbs(float64) error

	// MoveRel moves a relative amount
	MoveRel(float64) error

	// Home homes the actuator
	Home() error
}

// HTTPMove adds routes for the mover to the route table
func HTTPMove(iface Mover, table generichttp.RouteTable, status generichttp.ErrorStatus) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/home"}] = Home(iface, status)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/pos"}] = GetPos(iface, status)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/pos"}] = SetPos(iface, status)
}

// GetPos returns an HTTP handler func from a mover that gets the position
func GetPos(m Mover, status generichttp.ErrorStatus) http.HandlerFunc {
	return generichttp.GetFloat(m.GetPos, status)
}

func popRelative(r *http.Request) (bool, error) {
	relative := r.URL.Query().Get("relative")
	if relative == "" {
		relative = "false"
	}
	return strconv.ParseBool(relative)
}

// SetPos returns an HTTP handler func from a mover that triggers an absolute or
// relative move based on the relative query parameter
func SetPos(m Mover, status generichttp.ErrorStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := popRelative(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f := generichttp.FloatT{}
		err = json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if b {
			err = m.MoveRel(f.F64)
		} else {
			err = m.MoveAbs(f.F64)
		}
		if err != nil {
			http.Error(w, err.Error(), status.Code(err))
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Home returns an HTTP handler func from a mover that homes the actuator
func Home(m Mover, status generichttp.ErrorStatus) http.HandlerFunc {
	return generichttp.Do(m.Home, status)
}
