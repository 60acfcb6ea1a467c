// Package motion provides an HTTP interface to motion controllers
package motion

import (
	"github.com/plantcare/dvalve/generichttp"
)

// Controller is used for the HTTP interface, which will check if the concrete
// type satisfies the other interfaces in this package and inject their routes
// automatically
type Controller interface {
	// Mover - all Controllers must be Movers
	Mover
}

// StatusMapper is a controller that knows which HTTP status its errors deserve
type StatusMapper interface {
	HTTPStatus(error) int
}

// HTTPMotionController wraps a motion controller with HTTP
type HTTPMotionController struct {
	Controller

	RouteTable generichttp.RouteTable
}

// NewHTTPMotionController returns a new HTTP wrapper with the route table pre-configured
func NewHTTPMotionController(c Controller) HTTPMotionController {
	w := HTTPMotionController{Controller: c}
	rt := generichttp.RouteTable{}
	var status generichttp.ErrorStatus
	if mapper, ok := c.(StatusMapper); ok {
		status = mapper.HTTPStatus
	}
	HTTPMove(c, rt, status)
	if stopper, ok := c.(Stopper); ok {
		HTTPStop(stopper, rt, status)
	}
	if speeder, ok := c.(Speeder); ok {
		HTTPSpeed(speeder, rt, status)
	}
	if inpos, ok := c.(InPositionQueryer); ok {
		HTTPInPosition(inpos, rt, status)
	}
	w.RouteTable = rt
	return w
}

// RT satisfies the HTTPer interface
func (h HTTPMotionController) RT() generichttp.RouteTable {
	return h.RouteTable
}
