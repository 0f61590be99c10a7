package transform

import (
	"math"

	"github.com/pkg/errors"
)

// DistortionTerms is the number of coefficients in the rational lens model.
const DistortionTerms = 8

// Distortion holds the rational Brown-Conrady coefficients k1 k2 p1 p2 k3 k4 k5 k6.
//
//	radial = (1 + k1*r² + k2*r⁴ + k3*r⁶) / (1 + k4*r² + k5*r⁴ + k6*r⁶)
//	x_d = x*radial + 2*p1*x*y + p2*(r² + 2*x²)
//	y_d = y*radial + p1*(r² + 2*y²) + 2*p2*x*y
type Distortion [DistortionTerms]float64

// Named indices into Distortion.
const (
	K1 = iota
	K2
	P1
	P2
	K3
	K4
	K5
	K6
)

// NewDistortion takes up to 8 coefficients in order; missing ones are zero.
func NewDistortion(coeffs []float64) (Distortion, error) {
	var d Distortion
	if len(coeffs) > DistortionTerms {
		return d, errors.Errorf("list of parameters too long, expected max %d, got %d", DistortionTerms, len(coeffs))
	}
	copy(d[:], coeffs)
	return d, nil
}

// Slice returns the coefficients as a slice.
func (d Distortion) Slice() []float64 {
	return append([]float64(nil), d[:]...)
}

// CheckValid checks that every coefficient is finite.
func (d Distortion) CheckValid() error {
	for i, v := range d {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Errorf("distortion coefficient %d is not finite", i)
		}
	}
	return nil
}

// Distort applies the lens model to normalized, undistorted coordinates.
func (d Distortion) Distort(x, y float64) (float64, float64) {
	r2 := x*x + y*y
	r4 := r2 * r2
	r6 := r4 * r2
	radial := (1 + d[K1]*r2 + d[K2]*r4 + d[K3]*r6) / (1 + d[K4]*r2 + d[K5]*r4 + d[K6]*r6)
	xd := x*radial + 2*d[P1]*x*y + d[P2]*(r2+2*x*x)
	yd := y*radial + d[P1]*(r2+2*y*y) + 2*d[P2]*x*y
	return xd, yd
}

// Undistort inverts Distort with Newton-Raphson iterations, starting from the distorted point.
// The Jacobian is estimated with central differences.
func (d Distortion) Undistort(xd, yd float64) (float64, float64) {
	if d == (Distortion{}) {
		return xd, yd
	}
	const (
		maxIterations = 20
		tolerance     = 1e-12
		h             = 1e-7
	)
	xu, yu := xd, yd
	for i := 0; i < maxIterations; i++ {
		xe, ye := d.Distort(xu, yu)
		errX, errY := xe-xd, ye-yd
		if errX*errX+errY*errY < tolerance*tolerance {
			break
		}

		xp, yp := d.Distort(xu+h, yu)
		xm, ym := d.Distort(xu-h, yu)
		dxdxu, dydxu := (xp-xm)/(2*h), (yp-ym)/(2*h)
		xp, yp = d.Distort(xu, yu+h)
		xm, ym = d.Distort(xu, yu-h)
		dxdyu, dydyu := (xp-xm)/(2*h), (yp-ym)/(2*h)

		det := dxdxu*dydyu - dxdyu*dydxu
		if det == 0 || math.IsNaN(det) {
			break
		}
		xu -= (dydyu*errX - dxdyu*errY) / det
		yu -= (-dydxu*errX + dxdxu*errY) / det
	}
	return xu, yu
}
