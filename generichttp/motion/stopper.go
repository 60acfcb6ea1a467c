package motion

import (
	"net/http"

	"github.com/plantcare/dvalve/generichttp"
)

// Stopper describes an interface with stop-related methods
type Stopper interface {
	// Stop aborts motion
	Stop() error
}

// HTTPStop adds routes for the stopper to the route table
func HTTPStop(iface Stopper, table generichttp.RouteTable, status generichttp.ErrorStatus) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/stop"}] = Stop(iface, status)
}

// Stop returns an HTTP handler func from a stopper that aborts motion
func Stop(m Stopper, status generichttp.ErrorStatus) http.HandlerFunc {
	return generichttp.Do(m.Stop, status)
}
