package motion

import (
	"net/http"

	"github.com/plantcare/dvalve/generichttp"
)

// Speeder describes an interface with velocity-related methods
type Speeder interface {
	// SetVelocity sets the velocity setpoint
	SetVelocity(float64) error

	// GetVelocity gets the velocity setpoint
	GetVelocity() (float64, error)
}

// HTTPSpeed adds routes for the speeder to the route table
func HTTPSpeed(iface Speeder, table generichttp.RouteTable, status generichttp.ErrorStatus) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/velocity"}] = SetVelocity(iface, status)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/velocity"}] = GetVelocity(iface, status)
}

// SetVelocity returns an HTTP handler func which sets the velocity setpoint
func SetVelocity(s Speeder, status generichttp.ErrorStatus) http.HandlerFunc {
	return generichttp.SetFloat(s.SetVelocity, status)
}

// GetVelocity returns an HTTP handler func which gets the velocity setpoint
func GetVelocity(s Speeder, status generichttp.ErrorStatus) http.HandlerFunc {
	return generichttp.GetFloat(s.GetVelocity, status)
}
