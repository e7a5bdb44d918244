// Package motion provides an HTTP interface to focus stages which hop
// between imaging planes
package motion

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scanscope/generichttp"
)

var errNoSuchPlane = errors.New("plane index outside the plane table")

// PlaneHopper moves between entries of a table of planes
type PlaneHopper interface {
	// SetPlane moves to a plane
	SetPlane(int) error

	// Plane returns the last plane moved to, -1 before the first move
	Plane() int

	// NumPlanes returns the length of the plane table
	NumPlanes() int
}

// Positioner reports the focus position
type Positioner interface {
	Position() (float64, error)
}

// PockelsReader reports the Pockels cell drive level
type PockelsReader interface {
	Pockels() (float64, error)
}

// HTTPPlanes adds GET and POST /plane and GET /planes to the route table
func HTTPPlanes(iface PlaneHopper, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/plane"}] = generichttp.GetInt(func() (int, error) {
		return iface.Plane(), nil
	})
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/plane"}] = generichttp.SetInt(func(i int) error {
		if i < 0 || i >= iface.NumPlanes() {
			return generichttp.WithStatus(errNoSuchPlane, http.StatusBadRequest)
		}
		return iface.SetPlane(i)
	})
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/planes"}] = generichttp.GetInt(func() (int, error) {
		return iface.NumPlanes(), nil
	})
}

// HTTPPosition adds GET /focus to the route table
func HTTPPosition(iface Positioner, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/focus"}] = generichttp.GetFloat(iface.Position)
}

// HTTPPockels adds GET /pockels to the route table
func HTTPPockels(iface PockelsReader, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/pockels"}] = generichttp.GetFloat(iface.Pockels)
}

// HTTPStage wraps a plane stage with HTTP
type HTTPStage struct {
	PlaneHopper

	RouteTable generichttp.RouteTable
}

// NewHTTPStage returns a new HTTP wrapper with the route table pre-configured
// for every interface of this package s implements
func NewHTTPStage(s PlaneHopper) HTTPStage {
	w := HTTPStage{PlaneHopper: s}
	rt := generichttp.RouteTable{}
	HTTPPlanes(s, rt)
	if p, ok := s.(Positioner); ok {
		HTTPPosition(p, rt)
	}
	if p, ok := s.(PockelsReader); ok {
		HTTPPockels(p, rt)
	}
	w.RouteTable = rt
	return w
}

// RT satisfies the HTTPer interface
func (h HTTPStage) RT() generichttp.RouteTable {
	return h.RouteTable
}
