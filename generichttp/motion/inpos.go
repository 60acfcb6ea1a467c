package motion

import (
	"net/http"

	"github.com/plantcare/dvalve/generichttp"
)

// InPositionQueryer is a type which can query whether it is in position
type InPositionQueryer interface {
	// GetInPosition returns True if the actuator is in position
	GetInPosition() (bool, error)
}

// GetInPosition returns an http.HandlerFunc for i.GetInPosition
func GetInPosition(i InPositionQueryer, status generichttp.ErrorStatus) http.HandlerFunc {
	return generichttp.GetBool(i.GetInPosition, status)
}

// HTTPInPosition adds routes for InPosition to the route table
func HTTPInPosition(iface InPositionQueryer, table generichttp.RouteTable, status generichttp.ErrorStatus) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/inposition"}] = GetInPosition(iface, status)
}
