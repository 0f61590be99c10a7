// Package pointcloud holds colored point clouds produced from disparity and their PCD encoding.
package pointcloud

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Point is a position in the units of the calibration.
type Point struct {
	X, Y, Z float32
}

// Vector returns p as an r3.Vector.
func (p Point) Vector() r3.Vector {
	return r3.Vector{X: float64(p.X), Y: float64(p.Y), Z: float64(p.Z)}
}

// Color is an 8-bit RGB color.
type Color struct {
	R, G, B uint8
}

// Cloud is an unordered list of colored points. A Cloud handed to a consumer is never modified
// again; accessors return copies.
type Cloud struct {
	points []Point
	colors []Color
}

// New returns an empty cloud with room for capacity points.
func New(capacity int) *Cloud {
	return &Cloud{points: make([]Point, 0, capacity), colors: make([]Color, 0, capacity)}
}

// NewFromSlices builds a cloud from parallel position and color slices.
func NewFromSlices(points []Point, colors []Color) (*Cloud, error) {
	if len(points) != len(colors) {
		return nil, errors.Errorf("got %d points but %d colors", len(points), len(colors))
	}
	c := New(len(points))
	c.points = append(c.points, points...)
	c.colors = append(c.colors, colors...)
	return c, nil
}

// Append adds a point.
func (c *Cloud) Append(p Point, col Color) {
	c.points = append(c.points, p)
	c.colors = append(c.colors, col)
}

// Size returns the number of points. A nil cloud is empty.
func (c *Cloud) Size() int {
	if c == nil {
		return 0
	}
	return len(c.points)
}

// At returns point i and its color.
func (c *Cloud) At(i int) (Point, Color) {
	return c.points[i], c.colors[i]
}

// Points returns a copy of the positions.
func (c *Cloud) Points() []Point {
	if c == nil {
		return nil
	}
	return append([]Point(nil), c.points...)
}

// Colors returns a copy of the colors.
func (c *Cloud) Colors() []Color {
	if c == nil {
		return nil
	}
	return append([]Color(nil), c.colors...)
}

// Iterate calls fn for every point in order until fn returns false.
func (c *Cloud) Iterate(fn func(p Point, col Color) bool) {
	if c == nil {
		return
	}
	for i, p := range c.points {
		if !fn(p, c.colors[i]) {
			return
		}
	}
}

// Bounds returns the smallest and largest coordinates. ok is false for an empty cloud.
func (c *Cloud) Bounds() (lo, hi r3.Vector, ok bool) {
	if c.Size() == 0 {
		return r3.Vector{}, r3.Vector{}, false
	}
	lo, hi = c.points[0].Vector(), c.points[0].Vector()
	for _, p := range c.points[1:] {
		v := p.Vector()
		lo = r3.Vector{X: min(lo.X, v.X), Y: min(lo.Y, v.Y), Z: min(lo.Z, v.Z)}
		hi = r3.Vector{X: max(hi.X, v.X), Y: max(hi.Y, v.Y), Z: max(hi.Z, v.Z)}
	}
	return lo, hi, true
}
